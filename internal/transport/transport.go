// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-independent facade over listener and dialer construction.

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"syscall"
)

// Options selects socket behaviour for listeners and dialers.
type Options struct {
	// ReusePort sets SO_REUSEPORT so several processes can share a port.
	// Ignored on platforms without it.
	ReusePort bool
	// NoDelay disables Nagle's algorithm.
	NoDelay bool
	// TLS, when set, wraps accepted or dialed connections.
	TLS *tls.Config
}

func (o Options) control() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = applySockopts(fd, o)
		})
		if err != nil {
			return err
		}
		return serr
	}
}

// Listen binds a TCP listener on addr. With o.TLS set, accepted
// connections are TLS server connections whose handshake runs on first
// read or write.
func Listen(ctx context.Context, addr string, o Options) (net.Listener, error) {
	lc := net.ListenConfig{Control: o.control()}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if o.TLS != nil {
		return tls.NewListener(ln, o.TLS), nil
	}
	return ln, nil
}

// Dial opens a TCP connection to addr. With o.TLS set, the TLS handshake
// completes before Dial returns.
func Dial(ctx context.Context, addr string, o Options) (net.Conn, error) {
	d := net.Dialer{Control: o.control()}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if o.TLS == nil {
		return nc, nil
	}
	tc := tls.Client(nc, o.TLS)
	if err := tc.HandshakeContext(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
	}
	return tc, nil
}

// LoadServerTLS builds a server TLS config from PEM certificate and key
// files.
func LoadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Handshake forces the TLS handshake on a server-side connection so its
// failure surfaces before any HTTP parsing. Plain connections pass through.
func Handshake(ctx context.Context, nc net.Conn) error {
	if tc, ok := nc.(*tls.Conn); ok {
		return tc.HandshakeContext(ctx)
	}
	return nil
}
