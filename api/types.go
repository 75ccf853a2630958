// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

import "time"

// ReadyState enumerates the lifecycle stage of a WebSocket connection.
// Values match the browser WebSocket API.
type ReadyState int32

const (
	StateConnecting ReadyState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role selects the endpoint side of a connection. It is fixed for the
// lifetime of the connection and decides the outbound masking policy.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// ConnStats is a snapshot of per-connection traffic counters.
type ConnStats struct {
	FramesReceived   int64
	FramesSent       int64
	BytesReceived    int64
	BytesSent        int64
	MessagesReceived int64
	OpenedAt         time.Time
}
