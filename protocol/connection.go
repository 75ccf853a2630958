// File: protocol/connection.go
// Package protocol implements the core WebSocket connection handling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conn encapsulates a full-duplex WebSocket session over an upgraded stream.

package protocol

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/momentics/wsock/api"
)

const (
	defaultBufferSize   = 4096
	defaultCloseTimeout = 5 * time.Second
)

// CloseEvent describes how a connection ended. Clean is true only when a
// close frame was received from the peer.
type CloseEvent struct {
	Clean  bool
	Code   int
	Reason string
	// Err is the failure that ended the connection, if any.
	Err error
}

type (
	TextHandler   func(c *Conn, text string)
	BinaryHandler func(c *Conn, data []byte)
	CloseHandler  func(c *Conn, ev CloseEvent)
	PingHandler   func(c *Conn, payload []byte)
)

// ConnOption customizes a Conn at construction.
type ConnOption func(*Conn)

// WithID overrides the generated connection ID.
func WithID(id string) ConnOption { return func(c *Conn) { c.id = id } }

// WithRequest attaches the upgrade request the connection was opened with.
func WithRequest(r *Request) ConnOption { return func(c *Conn) { c.req = r } }

// WithLogger sets the logger; fields for the connection are added to it.
func WithLogger(l logrus.FieldLogger) ConnOption { return func(c *Conn) { c.log = l } }

// WithMaxMessageSize bounds both single-frame payloads and reassembled
// messages.
func WithMaxMessageSize(n int64) ConnOption { return func(c *Conn) { c.maxMessage = n } }

// WithCloseTimeout bounds the wait for the peer's close frame after Close.
func WithCloseTimeout(d time.Duration) ConnOption { return func(c *Conn) { c.closeTimeout = d } }

// WithRand sets the connection's private randomness source for mask keys.
func WithRand(r io.Reader) ConnOption { return func(c *Conn) { c.rng = r } }

// WithMetrics sets the counter sink.
func WithMetrics(m api.Metrics) ConnOption { return func(c *Conn) { c.metrics = m } }

// WithWriteBufferSize sets the size of the outbound buffer.
func WithWriteBufferSize(n int) ConnOption { return func(c *Conn) { c.writeBufSize = n } }

// Conn is one upgraded WebSocket stream. It is created open; Run (or
// Start) drives the receive loop. Send methods are safe for concurrent use.
type Conn struct {
	id           string
	role         api.Role
	stream       io.ReadWriteCloser
	br           *bufio.Reader
	bw           *bufio.Writer
	req          *Request
	log          logrus.FieldLogger
	metrics      api.Metrics
	maxMessage   int64
	closeTimeout time.Duration
	writeBufSize int
	openedAt     time.Time

	state atomic.Int32

	// writeMu serializes frame writes and guards rng and the
	// open->closing transition.
	writeMu sync.Mutex
	rng     io.Reader

	hmu      sync.RWMutex
	onText   []TextHandler
	onBinary []BinaryHandler
	onClose  []CloseHandler
	onPing   []PingHandler

	// Reassembly state, owned by the receive loop.
	fragments *queue.Queue
	fragBytes int64
	msgOpcode Opcode

	localCode atomic.Int32
	started   atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	framesReceived   atomic.Int64
	framesSent       atomic.Int64
	bytesReceived    atomic.Int64
	bytesSent        atomic.Int64
	messagesReceived atomic.Int64
}

// NewConn wraps a stream whose opening handshake has already succeeded.
// br must be the reader that consumed the handshake so that bytes buffered
// past the header block are not lost; nil creates a fresh one.
func NewConn(stream io.ReadWriteCloser, br *bufio.Reader, role api.Role, opts ...ConnOption) *Conn {
	c := &Conn{
		id:           uuid.NewString(),
		role:         role,
		stream:       stream,
		br:           br,
		maxMessage:   DefaultMaxPayload,
		closeTimeout: defaultCloseTimeout,
		writeBufSize: defaultBufferSize,
		fragments:    queue.New(),
		done:         make(chan struct{}),
		openedAt:     time.Now(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.br == nil {
		c.br = bufio.NewReaderSize(stream, defaultBufferSize)
	}
	c.bw = bufio.NewWriterSize(stream, c.writeBufSize)
	if c.rng == nil {
		c.rng = NewRand()
	}
	if c.metrics == nil {
		c.metrics = api.NopMetrics{}
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}
	fields := logrus.Fields{"conn_id": c.id, "role": c.role.String()}
	if addr := c.RemoteAddr(); addr != nil {
		fields["remote"] = addr.String()
	}
	c.log = c.log.WithFields(fields)
	c.state.Store(int32(api.StateOpen))
	c.metrics.Add(api.MetricConnOpened, 1)
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string { return c.id }

// Role returns the endpoint side of the connection.
func (c *Conn) Role() api.Role { return c.role }

// ReadyState returns the current lifecycle stage.
func (c *Conn) ReadyState() api.ReadyState { return api.ReadyState(c.state.Load()) }

// Request returns the upgrade request (server side), or nil.
func (c *Conn) Request() *Request { return c.req }

// Done is closed when the connection reaches StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// RemoteAddr returns the peer address when the stream exposes one.
func (c *Conn) RemoteAddr() net.Addr {
	if a, ok := c.stream.(interface{ RemoteAddr() net.Addr }); ok {
		return a.RemoteAddr()
	}
	return nil
}

// LocalAddr returns the local address when the stream exposes one.
func (c *Conn) LocalAddr() net.Addr {
	if a, ok := c.stream.(interface{ LocalAddr() net.Addr }); ok {
		return a.LocalAddr()
	}
	return nil
}

// TLSState returns the negotiated TLS state, or nil for plain streams.
func (c *Conn) TLSState() *tls.ConnectionState {
	if t, ok := c.stream.(interface{ ConnectionState() tls.ConnectionState }); ok {
		st := t.ConnectionState()
		return &st
	}
	return nil
}

// Stats returns a snapshot of traffic counters.
func (c *Conn) Stats() api.ConnStats {
	return api.ConnStats{
		FramesReceived:   c.framesReceived.Load(),
		FramesSent:       c.framesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		BytesSent:        c.bytesSent.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		OpenedAt:         c.openedAt,
	}
}

// OnText registers a handler for complete text messages.
func (c *Conn) OnText(h TextHandler) {
	c.hmu.Lock()
	c.onText = append(c.onText, h)
	c.hmu.Unlock()
}

// OnBinary registers a handler for complete binary messages.
func (c *Conn) OnBinary(h BinaryHandler) {
	c.hmu.Lock()
	c.onBinary = append(c.onBinary, h)
	c.hmu.Unlock()
}

// OnClose registers a handler invoked once when the connection closes.
func (c *Conn) OnClose(h CloseHandler) {
	c.hmu.Lock()
	c.onClose = append(c.onClose, h)
	c.hmu.Unlock()
}

// OnPing registers an observer for received pings. The pong reply is sent
// regardless.
func (c *Conn) OnPing(h PingHandler) {
	c.hmu.Lock()
	c.onPing = append(c.onPing, h)
	c.hmu.Unlock()
}

// Start launches the receive loop in its own goroutine. Subsequent calls
// are no-ops.
func (c *Conn) Start() {
	if c.started.CompareAndSwap(false, true) {
		go c.readLoop()
	}
}

// Run drives the receive loop on the calling goroutine until the
// connection is closed. It returns immediately if the loop already runs.
func (c *Conn) Run() {
	if c.started.CompareAndSwap(false, true) {
		c.readLoop()
	}
}

// SendText sends s as a single text frame. Calls made while the connection
// is not open are dropped and return nil.
func (c *Conn) SendText(s string) error {
	if !utf8.ValidString(s) {
		return api.NewError(api.KindTextEncoding, "send text", api.ErrInvalidUTF8)
	}
	return c.send(OpcodeText, []byte(s))
}

// SendBinary sends data as a single binary frame. Calls made while the
// connection is not open are dropped and return nil.
func (c *Conn) SendBinary(data []byte) error {
	return c.send(OpcodeBinary, data)
}

// Ping sends a ping frame with an optional payload of at most 125 bytes.
func (c *Conn) Ping(payload []byte) error {
	return c.send(OpcodePing, payload)
}

func (c *Conn) send(op Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.ReadyState() != api.StateOpen {
		c.log.WithField("opcode", op.String()).Debug("send dropped: connection not open")
		return nil
	}
	return c.writeFrameLocked(op, payload)
}

// writeFrameLocked must be called with writeMu held.
func (c *Conn) writeFrameLocked(op Opcode, payload []byte) error {
	f := &Frame{Fin: true, Opcode: op, Payload: payload}
	if err := WriteFrame(c.bw, f, c.role, c.rng); err != nil {
		return err
	}
	c.framesSent.Add(1)
	c.bytesSent.Add(int64(len(payload)))
	c.metrics.Add(api.MetricFramesSent, 1)
	c.metrics.Add(api.MetricBytesSent, int64(len(payload)))
	return nil
}

// Close starts the closing handshake: a close frame carrying code and
// reason is sent and the connection waits for the peer's close frame, at
// most CloseTimeout. It is a no-op unless the connection is open.
func (c *Conn) Close(code int, reason string) error {
	payload := closePayload(code, reason)
	if len(payload) > MaxControlPayloadLen {
		return api.NewError(api.KindProtocolViolation, "close", api.ErrControlTooLarge)
	}

	c.writeMu.Lock()
	if !c.state.CompareAndSwap(int32(api.StateOpen), int32(api.StateClosing)) {
		c.writeMu.Unlock()
		return nil
	}
	c.localCode.Store(int32(code))
	err := c.writeFrameLocked(OpcodeClose, payload)
	c.writeMu.Unlock()

	if err != nil || !c.started.Load() {
		c.finish(CloseEvent{Code: code, Reason: reason, Err: err})
		return err
	}
	if d, ok := c.stream.(interface{ SetReadDeadline(time.Time) error }); ok && c.closeTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(c.closeTimeout))
	}
	return nil
}

// Abort releases the transport immediately without a closing handshake.
// Close handlers see api.ErrClosed as the cause.
func (c *Conn) Abort() {
	c.finish(CloseEvent{Code: CloseAbnormalClosure, Reason: "aborted",
		Err: api.NewError(api.KindTransport, "abort", api.ErrClosed)})
}

// readLoop decodes frames in arrival order until the connection closes.
func (c *Conn) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("panic", r).Error("receive loop panic")
			c.finish(CloseEvent{Code: CloseInternalServerErr, Reason: fmt.Sprint(r)})
		}
	}()

	for c.ReadyState() != api.StateClosed {
		f, err := ReadFrame(c.br, c.maxMessage)
		if err != nil {
			c.fail(err)
			return
		}
		c.framesReceived.Add(1)
		c.bytesReceived.Add(int64(len(f.Payload)))
		c.metrics.Add(api.MetricFramesReceived, 1)
		c.metrics.Add(api.MetricBytesReceived, int64(len(f.Payload)))

		if err := c.handleFrame(f); err != nil {
			c.violation(err)
			return
		}
	}
}

// handleFrame processes one frame. A returned error is a protocol
// violation that ends the connection.
func (c *Conn) handleFrame(f *Frame) error {
	if f.Opcode.IsControl() {
		if !f.Fin {
			return api.NewError(api.KindProtocolViolation, "control frame", api.ErrControlFragmented)
		}
		return c.handleControl(f)
	}

	switch f.Opcode {
	case OpcodeContinuation:
		if c.msgOpcode == 0 {
			return api.NewError(api.KindProtocolViolation, "data frame", api.ErrUnexpectedContinue)
		}
	case OpcodeText, OpcodeBinary:
		if c.msgOpcode != 0 {
			return api.NewError(api.KindProtocolViolation, "data frame", api.ErrInterleavedMessage)
		}
		c.msgOpcode = f.Opcode
	default:
		return api.NewError(api.KindProtocolViolation, "data frame",
			fmt.Errorf("%w: %s", api.ErrUnknownOpcode, f.Opcode))
	}

	c.fragBytes += int64(len(f.Payload))
	if c.fragBytes > c.maxMessage {
		return api.NewError(api.KindProtocolViolation, "reassemble",
			fmt.Errorf("%w: %d > %d", api.ErrMessageTooLarge, c.fragBytes, c.maxMessage))
	}
	c.fragments.Add(f.Payload)
	if !f.Fin {
		return nil
	}
	return c.deliver()
}

// deliver joins the queued fragments into one message and dispatches it.
func (c *Conn) deliver() error {
	op := c.msgOpcode
	var data []byte
	if c.fragments.Length() == 1 {
		data = c.fragments.Remove().([]byte)
	} else {
		data = make([]byte, 0, c.fragBytes)
		for c.fragments.Length() > 0 {
			data = append(data, c.fragments.Remove().([]byte)...)
		}
	}
	c.msgOpcode = 0
	c.fragBytes = 0
	c.messagesReceived.Add(1)
	c.metrics.Add(api.MetricMessagesReceived, 1)

	if op == OpcodeText {
		if !utf8.Valid(data) {
			return api.NewError(api.KindTextEncoding, "deliver", api.ErrInvalidUTF8)
		}
		text := string(data)
		c.hmu.RLock()
		handlers := append([]TextHandler(nil), c.onText...)
		c.hmu.RUnlock()
		for _, h := range handlers {
			h(c, text)
		}
		return nil
	}
	c.hmu.RLock()
	handlers := append([]BinaryHandler(nil), c.onBinary...)
	c.hmu.RUnlock()
	for _, h := range handlers {
		h(c, data)
	}
	return nil
}

func (c *Conn) handleControl(f *Frame) error {
	switch f.Opcode {
	case OpcodePing:
		c.hmu.RLock()
		observers := append([]PingHandler(nil), c.onPing...)
		c.hmu.RUnlock()
		for _, h := range observers {
			h(c, f.Payload)
		}
		c.writeMu.Lock()
		var err error
		if c.ReadyState() == api.StateOpen {
			err = c.writeFrameLocked(OpcodePong, f.Payload)
		}
		c.writeMu.Unlock()
		if err != nil {
			c.fail(err)
		}
		return nil

	case OpcodePong:
		// Keepalive acknowledgement only.
		return nil

	case OpcodeClose:
		return c.handleClose(f.Payload)

	default:
		return api.NewError(api.KindProtocolViolation, "control frame",
			fmt.Errorf("%w: %s", api.ErrUnknownOpcode, f.Opcode))
	}
}

// handleClose completes the closing handshake. When the peer initiated,
// its status code is echoed back before the transport is released.
func (c *Conn) handleClose(payload []byte) error {
	code, reason := CloseNormalClosure, ""
	switch {
	case len(payload) == 1:
		return api.NewError(api.KindProtocolViolation, "close frame", errors.New("one-byte close payload"))
	case len(payload) >= 2:
		code = int(binary.BigEndian.Uint16(payload))
		if !utf8.Valid(payload[2:]) {
			return api.NewError(api.KindTextEncoding, "close frame", api.ErrInvalidUTF8)
		}
		reason = string(payload[2:])
	}

	c.writeMu.Lock()
	if c.state.CompareAndSwap(int32(api.StateOpen), int32(api.StateClosing)) {
		var echo []byte
		if len(payload) >= 2 && sendableCloseCode(code) {
			echo = payload[:2]
		}
		if err := c.writeFrameLocked(OpcodeClose, echo); err != nil {
			c.log.WithError(err).Debug("close echo failed")
		}
	}
	c.writeMu.Unlock()

	c.finish(CloseEvent{Clean: true, Code: code, Reason: reason})
	// The loop exits because the state is now closed.
	return nil
}

// sendableCloseCode reports whether code may appear in a close frame.
// 1005, 1006 and 1015 are reserved for local reporting.
func sendableCloseCode(code int) bool {
	switch code {
	case CloseNoStatusRcvd, CloseAbnormalClosure, CloseTLSHandshake:
		return false
	}
	return true
}

// fail ends the connection after a read or write error.
func (c *Conn) fail(err error) {
	switch {
	case c.ReadyState() == api.StateClosing:
		c.finish(CloseEvent{Code: int(c.localCode.Load()), Reason: err.Error(), Err: err})
	case errors.Is(err, io.EOF):
		c.finish(CloseEvent{Code: CloseNormalClosure, Reason: "connection closed by peer", Err: err})
	case api.IsKind(err, api.KindProtocolViolation):
		c.violation(err)
	default:
		c.finish(CloseEvent{Code: CloseProtocolError, Reason: err.Error(), Err: err})
	}
}

// violation fails the connection with status 1002 (1009 when a reassembled
// message outgrows the limit), telling the peer why when the stream still
// accepts writes. The write is bounded by CloseTimeout.
func (c *Conn) violation(err error) {
	code := CloseProtocolError
	if errors.Is(err, api.ErrMessageTooLarge) {
		code = CloseMessageTooBig
	}
	c.metrics.Add(api.MetricProtocolErrors, 1)
	c.log.WithError(err).Debug("protocol violation")

	c.writeMu.Lock()
	if c.state.CompareAndSwap(int32(api.StateOpen), int32(api.StateClosing)) {
		if d, ok := c.stream.(interface{ SetWriteDeadline(time.Time) error }); ok && c.closeTimeout > 0 {
			_ = d.SetWriteDeadline(time.Now().Add(c.closeTimeout))
		}
		_ = c.writeFrameLocked(OpcodeClose, closePayload(code, ""))
	}
	c.writeMu.Unlock()
	c.finish(CloseEvent{Code: code, Reason: err.Error(), Err: err})
}

// finish moves the connection to closed, releases the transport and fires
// close handlers. Only the first call has any effect.
func (c *Conn) finish(ev CloseEvent) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(api.StateClosed))
		if err := c.stream.Close(); err != nil {
			c.log.WithError(err).Debug("transport close")
		}
		close(c.done)
		c.metrics.Add(api.MetricConnClosed, 1)
		c.log.WithFields(logrus.Fields{
			"clean":  ev.Clean,
			"code":   ev.Code,
			"reason": ev.Reason,
		}).Debug("connection closed")

		c.hmu.RLock()
		handlers := append([]CloseHandler(nil), c.onClose...)
		c.hmu.RUnlock()
		for _, h := range handlers {
			h(c, ev)
		}
	})
}

func closePayload(code int, reason string) []byte {
	if code == 0 || code == CloseNoStatusRcvd {
		return nil
	}
	p := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(p, uint16(code))
	return append(p, reason...)
}
