// File: server/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TCP/TLS accept loop and server-side upgrade handshake.

package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/momentics/wsock/api"
	"github.com/momentics/wsock/control"
	"github.com/momentics/wsock/internal/session"
	"github.com/momentics/wsock/internal/transport"
	"github.com/momentics/wsock/protocol"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Listener is a WebSocket endpoint bound to one local address.
type Listener struct {
	cfg     atomic.Pointer[control.Config]
	addr    string
	log     logrus.FieldLogger
	tlsCfg  *tls.Config
	metrics api.Metrics
	newRand func() io.Reader
	limiter *rate.Limiter
	conns   *session.Registry[*protocol.Conn]
	probes  *control.DebugProbes

	mu       sync.Mutex
	ln       net.Listener
	cancel   context.CancelFunc
	loopDone chan struct{}

	hmu       sync.RWMutex
	onConn    []ConnectionHandler
	filter    UpgradeFilter
	onRequest RequestHandler
}

// New builds a stopped Listener. cfg nil selects control.DefaultConfig.
// TLS is enabled by WithTLSConfig or by cfg.CertFile/KeyFile.
func New(cfg *control.Config, opts ...Option) (*Listener, error) {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Listener{
		addr:    cfg.ListenAddr,
		newRand: protocol.NewRand,
		conns:   session.NewRegistry[*protocol.Conn](32),
		limiter: rate.NewLimiter(acceptLimit(cfg), cfg.AcceptBurst),
	}
	l.cfg.Store(cfg.Clone())
	for _, o := range opts {
		o(l)
	}

	if l.log == nil {
		logger, err := control.NewLogger(cfg.Log, os.Stderr)
		if err != nil {
			return nil, err
		}
		l.log = logger
	}
	if l.metrics == nil {
		l.metrics = control.NewMetricsRegistry()
	}
	if l.tlsCfg == nil && cfg.CertFile != "" {
		tc, err := transport.LoadServerTLS(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		l.tlsCfg = tc
	}

	l.probes = control.NewDebugProbes()
	l.probes.RegisterProbe("listener.addr", func() any {
		if a := l.Addr(); a != nil {
			return a.String()
		}
		return ""
	})
	l.probes.RegisterProbe("listener.connections", func() any { return l.conns.Len() })
	if mr, ok := l.metrics.(*control.MetricsRegistry); ok {
		l.probes.RegisterProbe("metrics", func() any { return mr.GetSnapshot() })
	}
	return l, nil
}

func acceptLimit(cfg *control.Config) rate.Limit {
	if cfg.AcceptRate <= 0 {
		return rate.Inf
	}
	return rate.Limit(cfg.AcceptRate)
}

// OnConnection registers a callback for every opened connection.
func (l *Listener) OnConnection(h ConnectionHandler) {
	l.hmu.Lock()
	l.onConn = append(l.onConn, h)
	l.hmu.Unlock()
}

// OnWebSocketRequest installs the upgrade filter. The default accepts all
// valid upgrade requests.
func (l *Listener) OnWebSocketRequest(f UpgradeFilter) {
	l.hmu.Lock()
	l.filter = f
	l.hmu.Unlock()
}

// OnRequest installs the handler for plain HTTP requests.
func (l *Listener) OnRequest(h RequestHandler) {
	l.hmu.Lock()
	l.onRequest = h
	l.hmu.Unlock()
}

// ApplyConfig installs tunables for connections accepted from now on and
// updates the accept rate. The listen address and TLS material are fixed
// at Start.
func (l *Listener) ApplyConfig(cfg *control.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	l.cfg.Store(cfg.Clone())
	l.limiter.SetLimit(acceptLimit(cfg))
	l.limiter.SetBurst(cfg.AcceptBurst)
	return nil
}

// Start binds the address and launches the accept loop. Calling Start on
// a running listener is a no-op. Cancelling ctx has the same effect as
// Stop; a ctx that is already done fails with api.ErrListenerClosed.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return api.NewError(api.KindTransport, "start", fmt.Errorf("%w: %w", api.ErrListenerClosed, err))
	}

	cfg := l.cfg.Load()
	ln, err := transport.Listen(ctx, l.addr, transport.Options{
		ReusePort: cfg.ReusePort,
		NoDelay:   cfg.NoDelay,
		TLS:       l.tlsCfg,
	})
	if err != nil {
		return api.NewError(api.KindTransport, "start", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.ln, l.cancel, l.loopDone = ln, cancel, done

	go func() {
		<-loopCtx.Done()
		ln.Close()
	}()
	go l.acceptLoop(loopCtx, ln, done)

	l.log.WithFields(logrus.Fields{
		"addr": ln.Addr().String(),
		"tls":  l.tlsCfg != nil,
	}).Info("listener started")
	return nil
}

// Stop ends the accept loop and releases the bound socket. Connections
// already handed off keep running. Stop on a stopped listener is a no-op.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	l.cancel()
	err := l.ln.Close()
	<-l.loopDone
	l.log.WithField("addr", l.ln.Addr().String()).Info("listener stopped")
	l.ln = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return api.NewError(api.KindTransport, "stop", err)
	}
	return nil
}

// Listening reports whether the accept loop is running.
func (l *Listener) Listening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running()
}

// running must be called with mu held.
func (l *Listener) running() bool {
	if l.ln == nil {
		return false
	}
	select {
	case <-l.loopDone:
		return false
	default:
		return true
	}
}

// Addr returns the bound address, or nil when stopped.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Connections returns the number of live connections.
func (l *Listener) Connections() int { return l.conns.Len() }

// Range calls fn for every live connection until fn returns false.
func (l *Listener) Range(fn func(*protocol.Conn) bool) { l.conns.Range(fn) }

// Metrics returns the counter sink.
func (l *Listener) Metrics() api.Metrics { return l.metrics }

// Debug returns the listener's debug probes.
func (l *Listener) Debug() *control.DebugProbes { return l.probes }

func (l *Listener) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)
	var delay time.Duration
	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return
		}
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.metrics.Add(api.MetricAcceptErrors, 1)
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			l.log.WithError(err).WithField("retry_in", delay).Warn("accept failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		delay = 0
		l.metrics.Add(api.MetricConnAccepted, 1)
		go l.serveConn(nc)
	}
}

// serveConn runs one accepted transport from handshake to close. Panics
// are contained here so they never reach the accept loop.
func (l *Listener) serveConn(nc net.Conn) {
	log := l.log.WithField("remote", nc.RemoteAddr().String())
	var conn *protocol.Conn
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("connection goroutine panic")
			if conn != nil {
				conn.Abort()
			} else {
				nc.Close()
			}
		}
	}()

	cfg := l.cfg.Load()
	conn = l.handshake(nc, cfg, log)
	if conn == nil {
		nc.Close()
		return
	}

	l.conns.Add(conn)
	conn.OnClose(func(c *protocol.Conn, _ protocol.CloseEvent) { l.conns.Remove(c.ID()) })

	l.hmu.RLock()
	handlers := append([]ConnectionHandler(nil), l.onConn...)
	l.hmu.RUnlock()
	for _, h := range handlers {
		h(conn)
	}
	conn.Run()
}

// handshake performs TLS and the upgrade exchange. It returns nil when no
// connection should be opened; the caller closes nc.
func (l *Listener) handshake(nc net.Conn, cfg *control.Config, log logrus.FieldLogger) *protocol.Conn {
	ctx := context.Background()
	if cfg.HandshakeTimeout > 0 {
		deadline := time.Now().Add(cfg.HandshakeTimeout)
		_ = nc.SetDeadline(deadline)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	if err := transport.Handshake(ctx, nc); err != nil {
		l.reject(log, api.NewError(api.KindTransport, "tls handshake", err))
		return nil
	}

	br := bufio.NewReaderSize(nc, cfg.ReadBufferSize)
	req, err := protocol.ReadRequest(br, cfg.MaxHeaderBytes)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			l.reject(log, err)
		}
		return nil
	}
	log = log.WithFields(logrus.Fields{"method": req.Method, "path": req.Path})

	if err := req.CheckUpgrade(); err != nil {
		if req.Header.ContainsToken(protocol.HeaderUpgrade, protocol.ValueWebSocket) {
			// An upgrade attempt we cannot honour.
			l.reject(log, err)
			resp := protocol.NewResponse(req.Version, http.StatusBadRequest, []byte(err.Error()))
			resp.Header.Set(protocol.HeaderSecWebSocketVer, protocol.RequiredWebSocketVersion)
			l.respond(nc, resp, cfg, log)
			return nil
		}
		l.metrics.Add(api.MetricPlainRequests, 1)
		l.respond(nc, l.plainResponse(req), cfg, log)
		return nil
	}

	resp := protocol.NewUpgradeResponse(req, cfg.ServerName)
	l.hmu.RLock()
	filter := l.filter
	l.hmu.RUnlock()
	if filter != nil && !filter(req, resp) {
		l.reject(log, api.NewError(api.KindHandshakeRejected, "upgrade filter", api.ErrUpgradeRefused))
		l.respond(nc, protocol.NewResponse(req.Version, http.StatusForbidden, nil), cfg, log)
		return nil
	}
	if err := resp.Write(nc); err != nil {
		log.WithError(err).Debug("write upgrade response")
		return nil
	}
	_ = nc.SetDeadline(time.Time{})

	return protocol.NewConn(nc, br, api.RoleServer,
		protocol.WithRequest(req),
		protocol.WithLogger(l.log),
		protocol.WithMetrics(l.metrics),
		protocol.WithMaxMessageSize(cfg.MaxMessageSize),
		protocol.WithCloseTimeout(cfg.CloseTimeout),
		protocol.WithWriteBufferSize(cfg.WriteBufferSize),
		protocol.WithRand(l.newRand()),
	)
}

func (l *Listener) plainResponse(req *protocol.Request) *protocol.Response {
	l.hmu.RLock()
	h := l.onRequest
	l.hmu.RUnlock()
	if h != nil {
		if resp := h(req); resp != nil {
			if resp.Version == "" {
				resp.Version = req.Version
			}
			return resp
		}
	}
	return protocol.NewResponse(req.Version, http.StatusInternalServerError, nil)
}

func (l *Listener) respond(nc net.Conn, resp *protocol.Response, cfg *control.Config, log logrus.FieldLogger) {
	if cfg.ServerName != "" && !resp.Header.Has(protocol.HeaderServer) {
		resp.Header.Set(protocol.HeaderServer, cfg.ServerName)
	}
	if err := resp.Write(nc); err != nil {
		log.WithError(err).Debug("write response")
	}
}

func (l *Listener) reject(log logrus.FieldLogger, err error) {
	l.metrics.Add(api.MetricHandshakeRejected, 1)
	log.WithError(err).WithField("kind", api.KindOf(err).String()).Debug("handshake rejected")
}

// String implements fmt.Stringer.
func (l *Listener) String() string {
	if a := l.Addr(); a != nil {
		return fmt.Sprintf("wsock listener on %s", a)
	}
	return "wsock listener (stopped)"
}
