// File: api/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Counter sink consumed by connections and listeners.

package api

// Metrics receives counter increments. Implementations must be safe for
// concurrent use.
type Metrics interface {
	Add(name string, delta int64)
}

// Counter names reported by the library.
const (
	MetricConnAccepted      = "conn_accepted"
	MetricConnOpened        = "conn_opened"
	MetricConnClosed        = "conn_closed"
	MetricHandshakeRejected = "handshake_rejected"
	MetricPlainRequests     = "plain_requests"
	MetricAcceptErrors      = "accept_errors"
	MetricFramesReceived    = "frames_received"
	MetricFramesSent        = "frames_sent"
	MetricBytesReceived     = "bytes_received"
	MetricBytesSent         = "bytes_sent"
	MetricMessagesReceived  = "messages_received"
	MetricProtocolErrors    = "protocol_errors"
)

// NopMetrics discards all counters.
type NopMetrics struct{}

// Add implements Metrics.
func (NopMetrics) Add(string, int64) {}
