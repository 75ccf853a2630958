// internal/transport/sockopt_other.go
//go:build !linux
// +build !linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fallback for platforms without the Linux socket options. The runtime
// already enables TCP_NODELAY on every TCP connection.

package transport

func applySockopts(uintptr, Options) error { return nil }
