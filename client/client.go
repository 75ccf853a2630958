// File: client/client.go
// Package client opens client-side WebSocket connections.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Dial implements:
// - RFC6455 WebSocket handshake over TCP or TLS (ws://, wss:// or bare host:port)
// - A fresh Sec-WebSocket-Key per attempt from the connection's own randomness
// - Validation of the 101 response and Sec-WebSocket-Accept
// - Optional retry of transport failures with linear backoff

package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/momentics/wsock/api"
	"github.com/momentics/wsock/control"
	"github.com/momentics/wsock/internal/transport"
	"github.com/momentics/wsock/protocol"
)

const retryStep = 100 * time.Millisecond

type target struct {
	addr     string // host:port to dial
	host     string // Host header value
	hostname string // TLS server name
	path     string
	secure   bool
}

// parseTarget accepts ws:// and wss:// URLs or a bare host:port.
func parseTarget(raw string) (target, error) {
	if !strings.Contains(raw, "://") {
		host, _, err := net.SplitHostPort(raw)
		if err != nil {
			return target{}, err
		}
		return target{addr: raw, host: raw, hostname: host, path: "/"}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return target{}, err
	}
	t := target{host: u.Host, hostname: u.Hostname(), path: u.RequestURI()}
	port := u.Port()
	switch strings.ToLower(u.Scheme) {
	case "ws", "http":
		if port == "" {
			port = "80"
		}
	case "wss", "https":
		t.secure = true
		if port == "" {
			port = "443"
		}
	default:
		return target{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if t.hostname == "" {
		return target{}, errors.New("missing host")
	}
	t.addr = net.JoinHostPort(t.hostname, port)
	return t, nil
}

// Dial connects to rawURL, performs the upgrade handshake and returns an
// open connection whose receive loop is already running. On failure no
// connection exists and the error is an *api.Error.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*protocol.Conn, error) {
	s := &settings{}
	for _, o := range opts {
		o(s)
	}
	if s.cfg == nil {
		s.cfg = control.DefaultConfig()
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, api.NewError(api.KindTransport, "config", err)
	}
	if s.log == nil {
		logger, err := control.NewLogger(s.cfg.Log, os.Stderr)
		if err != nil {
			return nil, err
		}
		s.log = logger
	}
	if s.rng == nil {
		s.rng = protocol.NewRand()
	}

	t, err := parseTarget(rawURL)
	if err != nil {
		return nil, api.NewError(api.KindTransport, "parse url", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * retryStep):
			case <-ctx.Done():
				return nil, api.NewError(api.KindTransport, "dial", ctx.Err())
			}
		}
		conn, err := dialOnce(ctx, t, s)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !api.IsKind(err, api.KindTransport) {
			break
		}
		s.log.WithError(err).WithField("attempt", attempt+1).Debug("dial failed")
	}
	return nil, lastErr
}

func dialOnce(ctx context.Context, t target, s *settings) (*protocol.Conn, error) {
	cfg := s.cfg
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	var tlsCfg *tls.Config
	if t.secure {
		if s.tlsCfg != nil {
			tlsCfg = s.tlsCfg.Clone()
		} else {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = t.hostname
		}
	}

	nc, err := transport.Dial(ctx, t.addr, transport.Options{NoDelay: cfg.NoDelay, TLS: tlsCfg})
	if err != nil {
		return nil, api.NewError(api.KindTransport, "dial", err)
	}
	conn, err := handshake(ctx, nc, t, s)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return conn, nil
}

func handshake(ctx context.Context, nc net.Conn, t target, s *settings) (*protocol.Conn, error) {
	cfg := s.cfg
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	key, err := protocol.GenerateClientKey(s.rng)
	if err != nil {
		return nil, api.NewError(api.KindTransport, "client key", err)
	}
	req := protocol.NewUpgradeRequest(t.host, t.path, key)
	for _, name := range s.header.Names() {
		req.Header.Add(name, s.header.Values(name)...)
	}
	if err := req.Write(nc); err != nil {
		return nil, api.NewError(api.KindTransport, "write upgrade request", err)
	}

	br := bufio.NewReaderSize(nc, cfg.ReadBufferSize)
	resp, err := protocol.ReadResponse(br, cfg.MaxHeaderBytes)
	if err != nil {
		return nil, err
	}
	if err := protocol.CheckUpgradeResponse(resp, key); err != nil {
		return nil, err
	}
	if s.onResponse != nil {
		if err := s.onResponse(resp); err != nil {
			return nil, api.NewError(api.KindHandshakeRejected, "check response", err)
		}
	}
	_ = nc.SetDeadline(time.Time{})

	connOpts := []protocol.ConnOption{
		protocol.WithRequest(req),
		protocol.WithLogger(s.log),
		protocol.WithRand(s.rng),
		protocol.WithMaxMessageSize(cfg.MaxMessageSize),
		protocol.WithCloseTimeout(cfg.CloseTimeout),
		protocol.WithWriteBufferSize(cfg.WriteBufferSize),
	}
	if s.metrics != nil {
		connOpts = append(connOpts, protocol.WithMetrics(s.metrics))
	}
	conn := protocol.NewConn(nc, br, api.RoleClient, connOpts...)
	for _, fn := range s.setup {
		fn(conn)
	}
	conn.Start()
	return conn, nil
}
