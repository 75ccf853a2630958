// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Socket setup shared by the listener and the client: TCP listeners with
// platform socket options applied before bind, dialers with the same
// options, and TLS wrapping. Platform-specific code is strictly separated
// by build tags.

package transport
