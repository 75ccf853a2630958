// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Listener accepts TCP (optionally TLS) clients, performs the server side
// of the WebSocket upgrade and hands each open connection to the
// registered callbacks. Every accepted transport is served on its own
// goroutine with its own panic boundary; Stop ends the accept loop only.
package server
