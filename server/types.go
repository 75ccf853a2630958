// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/wsock/protocol"
)

// ConnectionHandler receives every connection right after the upgrade,
// before its receive loop starts. Register message handlers here.
type ConnectionHandler func(c *protocol.Conn)

// UpgradeFilter decides whether a valid upgrade request is accepted. It
// may add headers (e.g. Sec-WebSocket-Protocol) to the 101 response.
// Returning false answers 403 Forbidden.
type UpgradeFilter func(req *protocol.Request, resp *protocol.Response) bool

// RequestHandler answers plain HTTP requests. A nil result falls back to
// 500 Internal Server Error.
type RequestHandler func(req *protocol.Request) *protocol.Response
