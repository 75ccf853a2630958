// File: client/options.go
// Package client defines functional options for Dial.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"crypto/tls"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsock/api"
	"github.com/momentics/wsock/control"
	"github.com/momentics/wsock/protocol"
)

type settings struct {
	cfg        *control.Config
	tlsCfg     *tls.Config
	header     protocol.Header
	setup      []func(*protocol.Conn)
	onResponse func(*protocol.Response) error
	log        logrus.FieldLogger
	metrics    api.Metrics
	rng        io.Reader
	retries    int
}

// Option customizes a Dial call.
type Option func(*settings)

// WithConfig supplies limits and timeouts. Defaults to control.DefaultConfig.
func WithConfig(cfg *control.Config) Option {
	return func(s *settings) { s.cfg = cfg }
}

// WithTLSConfig sets the TLS client configuration used for wss:// targets.
// ServerName defaults to the URL host.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *settings) { s.tlsCfg = cfg }
}

// WithHeader adds a header to the upgrade request, e.g. Origin or
// Sec-WebSocket-Protocol.
func WithHeader(name string, values ...string) Option {
	return func(s *settings) { s.header.Add(name, values...) }
}

// WithSetup registers fn to run on the new connection before its receive
// loop starts. Register message handlers here so no message is missed.
func WithSetup(fn func(*protocol.Conn)) Option {
	return func(s *settings) { s.setup = append(s.setup, fn) }
}

// WithResponseCheck runs fn on the validated 101 response, e.g. to verify
// the selected subprotocol. An error aborts the dial.
func WithResponseCheck(fn func(*protocol.Response) error) Option {
	return func(s *settings) { s.onResponse = fn }
}

// WithLogger sets the connection logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *settings) { s.log = log }
}

// WithMetrics sets the counter sink.
func WithMetrics(m api.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithRand sets the randomness source used for the client key and mask
// keys. The connection takes ownership of r.
func WithRand(r io.Reader) Option {
	return func(s *settings) { s.rng = r }
}

// WithRetries retries transport failures (refused, unreachable, TLS) up to
// n more times with linear backoff. Handshake rejections are not retried.
func WithRetries(n int) Option {
	return func(s *settings) { s.retries = n }
}
