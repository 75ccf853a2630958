// File: server/options.go
// Package server defines functional options for the Listener.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/momentics/wsock/api"
)

// Option customizes listener initialization.
type Option func(*Listener)

// WithAddr overrides Config.ListenAddr.
func WithAddr(addr string) Option {
	return func(l *Listener) {
		l.addr = addr
	}
}

// WithLogger sets the logger used by the listener and its connections.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Listener) {
		l.log = log
	}
}

// WithTLSConfig serves TLS with cfg instead of Config.CertFile/KeyFile.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(l *Listener) {
		l.tlsCfg = cfg
	}
}

// WithMetrics sets the counter sink shared by the listener and its
// connections.
func WithMetrics(m api.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// WithRandSource sets the factory for per-connection randomness. Each
// connection calls it once and owns the returned reader.
func WithRandSource(fn func() io.Reader) Option {
	return func(l *Listener) {
		l.newRand = fn
	}
}
