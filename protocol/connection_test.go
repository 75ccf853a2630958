package protocol_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/wsock/api"
	"github.com/momentics/wsock/protocol"
)

const waitTimeout = 2 * time.Second

// pair is a Conn under test plus the raw far end of its pipe.
type pair struct {
	conn   *protocol.Conn
	raw    net.Conn
	peer   api.Role
	rng    io.Reader
	frames chan *protocol.Frame
	closed chan protocol.CloseEvent
	hook   *logtest.Hook
}

func newPair(t *testing.T, role api.Role, opts ...protocol.ConnOption) *pair {
	t.Helper()
	local, remote := net.Pipe()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	opts = append([]protocol.ConnOption{
		protocol.WithLogger(logger),
		protocol.WithCloseTimeout(time.Second),
	}, opts...)

	p := &pair{
		conn:   protocol.NewConn(local, nil, role, opts...),
		raw:    remote,
		peer:   api.RoleClient,
		rng:    seeded(42),
		frames: make(chan *protocol.Frame, 1024),
		closed: make(chan protocol.CloseEvent, 1),
		hook:   hook,
	}
	if role == api.RoleClient {
		p.peer = api.RoleServer
	}
	p.conn.OnClose(func(_ *protocol.Conn, ev protocol.CloseEvent) { p.closed <- ev })

	go func() {
		defer close(p.frames)
		for {
			f, err := protocol.ReadFrame(remote, 0)
			if err != nil {
				return
			}
			p.frames <- f
		}
	}()

	t.Cleanup(func() {
		remote.Close()
		p.conn.Abort()
	})
	return p
}

func (p *pair) write(fin bool, op protocol.Opcode, payload []byte) error {
	return protocol.WriteFrame(p.raw, &protocol.Frame{Fin: fin, Opcode: op, Payload: payload}, p.peer, p.rng)
}

func (p *pair) send(t *testing.T, fin bool, op protocol.Opcode, payload []byte) {
	t.Helper()
	require.NoError(t, p.write(fin, op, payload))
}

func (p *pair) next(t *testing.T) *protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-p.frames:
		require.True(t, ok, "peer stream ended")
		return f
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (p *pair) waitClosed(t *testing.T) protocol.CloseEvent {
	t.Helper()
	select {
	case ev := <-p.closed:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for close")
		return protocol.CloseEvent{}
	}
}

// roundTrip pings the Conn and waits for the pong, so every frame sent
// before it has been processed.
func (p *pair) roundTrip(t *testing.T) {
	t.Helper()
	p.send(t, true, protocol.OpcodePing, []byte("sync"))
	f := p.next(t)
	require.Equal(t, protocol.OpcodePong, f.Opcode)
	require.Equal(t, "sync", string(f.Payload))
}

func closeCode(f *protocol.Frame) int {
	if len(f.Payload) < 2 {
		return 0
	}
	return int(binary.BigEndian.Uint16(f.Payload))
}

func TestConnStartsOpen(t *testing.T) {
	p := newPair(t, api.RoleServer, protocol.WithID("fixed"))
	assert.Equal(t, api.StateOpen, p.conn.ReadyState())
	assert.Equal(t, api.RoleServer, p.conn.Role())
	assert.Equal(t, "fixed", p.conn.ID())
	assert.Nil(t, p.conn.TLSState())
	assert.NotNil(t, p.conn.RemoteAddr())
}

func TestFragmentedMessageDeliveredOnce(t *testing.T) {
	p := newPair(t, api.RoleServer)
	texts := make(chan string, 4)
	p.conn.OnText(func(_ *protocol.Conn, s string) { texts <- s })
	p.conn.Start()

	p.send(t, false, protocol.OpcodeText, []byte("Hel"))
	p.send(t, false, protocol.OpcodeContinuation, []byte("lo, "))
	p.send(t, true, protocol.OpcodeContinuation, []byte("world"))
	p.roundTrip(t)

	require.Len(t, texts, 1)
	assert.Equal(t, "Hello, world", <-texts)
	st := p.conn.Stats()
	assert.Equal(t, int64(1), st.MessagesReceived)
	assert.Equal(t, int64(4), st.FramesReceived)
}

func TestPingDuringFragmentation(t *testing.T) {
	p := newPair(t, api.RoleServer)
	msgs := make(chan []byte, 1)
	pings := make(chan string, 1)
	p.conn.OnBinary(func(_ *protocol.Conn, b []byte) { msgs <- b })
	p.conn.OnPing(func(_ *protocol.Conn, b []byte) { pings <- string(b) })
	p.conn.Start()

	p.send(t, false, protocol.OpcodeBinary, []byte{1, 2})
	p.send(t, true, protocol.OpcodePing, []byte("hb"))

	pong := p.next(t)
	assert.Equal(t, protocol.OpcodePong, pong.Opcode)
	assert.Equal(t, "hb", string(pong.Payload))
	assert.False(t, pong.Masked)
	assert.Equal(t, "hb", <-pings)

	p.send(t, true, protocol.OpcodeContinuation, []byte{3})
	select {
	case b := <-msgs:
		assert.Equal(t, []byte{1, 2, 3}, b)
	case <-time.After(waitTimeout):
		t.Fatal("message not delivered")
	}
}

func TestPeerCloseIsEchoed(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.Start()

	p.send(t, true, protocol.OpcodeClose, []byte{0x03, 0xE8})

	ev := p.waitClosed(t)
	assert.True(t, ev.Clean)
	assert.Equal(t, protocol.CloseNormalClosure, ev.Code)
	assert.Empty(t, ev.Reason)
	assert.NoError(t, ev.Err)

	echo := p.next(t)
	assert.Equal(t, protocol.OpcodeClose, echo.Opcode)
	assert.Equal(t, []byte{0x03, 0xE8}, echo.Payload)

	assert.Equal(t, api.StateClosed, p.conn.ReadyState())
	select {
	case <-p.conn.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestPeerCloseWithReason(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.Start()

	payload := binary.BigEndian.AppendUint16(nil, protocol.CloseGoingAway)
	payload = append(payload, "going away"...)
	p.send(t, true, protocol.OpcodeClose, payload)

	ev := p.waitClosed(t)
	assert.True(t, ev.Clean)
	assert.Equal(t, protocol.CloseGoingAway, ev.Code)
	assert.Equal(t, "going away", ev.Reason)
	assert.Equal(t, protocol.CloseGoingAway, closeCode(p.next(t)))
}

func TestReservedCloseCodesAreNotEchoed(t *testing.T) {
	for _, code := range []int{protocol.CloseNoStatusRcvd, protocol.CloseAbnormalClosure, protocol.CloseTLSHandshake} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			p := newPair(t, api.RoleServer)
			p.conn.Start()

			p.send(t, true, protocol.OpcodeClose, binary.BigEndian.AppendUint16(nil, uint16(code)))

			ev := p.waitClosed(t)
			assert.True(t, ev.Clean)
			assert.Equal(t, code, ev.Code)
			echo := p.next(t)
			assert.Equal(t, protocol.OpcodeClose, echo.Opcode)
			assert.Empty(t, echo.Payload)
		})
	}
}

func TestEmptyCloseMeansNormal(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.Start()

	p.send(t, true, protocol.OpcodeClose, nil)

	ev := p.waitClosed(t)
	assert.True(t, ev.Clean)
	assert.Equal(t, protocol.CloseNormalClosure, ev.Code)
	echo := p.next(t)
	assert.Equal(t, protocol.OpcodeClose, echo.Opcode)
	assert.Empty(t, echo.Payload)
}

func TestProtocolViolations(t *testing.T) {
	type step struct {
		fin     bool
		op      protocol.Opcode
		payload []byte
	}
	cases := []struct {
		name  string
		steps []step
		want  error
	}{
		{"unknown data opcode", []step{{true, protocol.Opcode(0x3), []byte("?")}}, api.ErrUnknownOpcode},
		{"unknown control opcode", []step{{true, protocol.Opcode(0xB), nil}}, api.ErrUnknownOpcode},
		{"orphan continuation", []step{{true, protocol.OpcodeContinuation, []byte("x")}}, api.ErrUnexpectedContinue},
		{"interleaved message", []step{{false, protocol.OpcodeText, []byte("a")}, {true, protocol.OpcodeBinary, []byte("b")}}, api.ErrInterleavedMessage},
		{"fragmented ping", []step{{false, protocol.OpcodePing, []byte("x")}}, api.ErrControlFragmented},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newPair(t, api.RoleServer)
			p.conn.Start()
			for _, s := range tc.steps {
				p.send(t, s.fin, s.op, s.payload)
			}

			ev := p.waitClosed(t)
			assert.False(t, ev.Clean)
			assert.Equal(t, protocol.CloseProtocolError, ev.Code)
			assert.True(t, errors.Is(ev.Err, tc.want), "%v", ev.Err)
			assert.True(t, api.IsKind(ev.Err, api.KindProtocolViolation))

			f := p.next(t)
			assert.Equal(t, protocol.OpcodeClose, f.Opcode)
			assert.Equal(t, protocol.CloseProtocolError, closeCode(f))
		})
	}
}

func TestInvalidUTF8TextFails(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.OnText(func(*protocol.Conn, string) { t.Error("invalid text delivered") })
	p.conn.Start()

	p.send(t, true, protocol.OpcodeText, []byte{0xFF, 0xFE})

	ev := p.waitClosed(t)
	assert.Equal(t, protocol.CloseProtocolError, ev.Code)
	assert.True(t, api.IsKind(ev.Err, api.KindTextEncoding))
	assert.True(t, errors.Is(ev.Err, api.ErrInvalidUTF8))
}

func TestReassembledMessageTooBig(t *testing.T) {
	p := newPair(t, api.RoleServer, protocol.WithMaxMessageSize(8))
	p.conn.Start()

	p.send(t, false, protocol.OpcodeBinary, make([]byte, 6))
	p.send(t, true, protocol.OpcodeContinuation, make([]byte, 6))

	ev := p.waitClosed(t)
	assert.Equal(t, protocol.CloseMessageTooBig, ev.Code)
	assert.True(t, errors.Is(ev.Err, api.ErrMessageTooLarge))
	assert.Equal(t, protocol.CloseMessageTooBig, closeCode(p.next(t)))
}

func TestSingleFrameTooBig(t *testing.T) {
	p := newPair(t, api.RoleServer, protocol.WithMaxMessageSize(8))
	p.conn.Start()

	// The Conn stops reading after the header, so this write ends with a
	// closed pipe.
	_ = p.write(true, protocol.OpcodeBinary, make([]byte, 64))

	ev := p.waitClosed(t)
	assert.False(t, ev.Clean)
	assert.Equal(t, protocol.CloseProtocolError, ev.Code)
	assert.True(t, errors.Is(ev.Err, api.ErrFrameTooLarge))
	assert.True(t, api.IsKind(ev.Err, api.KindProtocolViolation))
}

func TestOversizedControlFrameRejectedFromHeader(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.Start()

	// A ping header claiming 200 bytes; no payload follows.
	_, err := p.raw.Write([]byte{0x89, 126, 0x00, 0xC8})
	require.NoError(t, err)

	ev := p.waitClosed(t)
	assert.Equal(t, protocol.CloseProtocolError, ev.Code)
	assert.True(t, errors.Is(ev.Err, api.ErrControlTooLarge))
	assert.Equal(t, protocol.CloseProtocolError, closeCode(p.next(t)))
}

func TestPeerDisconnect(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.Start()

	require.NoError(t, p.raw.Close())

	ev := p.waitClosed(t)
	assert.False(t, ev.Clean)
	assert.Equal(t, protocol.CloseNormalClosure, ev.Code)
	assert.True(t, errors.Is(ev.Err, io.EOF))
}

func TestLocalCloseHandshake(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.Start()

	require.NoError(t, p.conn.Close(protocol.CloseGoingAway, "bye"))
	assert.Equal(t, api.StateClosing, p.conn.ReadyState())

	f := p.next(t)
	require.Equal(t, protocol.OpcodeClose, f.Opcode)
	assert.Equal(t, protocol.CloseGoingAway, closeCode(f))
	assert.Equal(t, "bye", string(f.Payload[2:]))

	// Sends while closing are dropped.
	assert.NoError(t, p.conn.SendText("late"))

	p.send(t, true, protocol.OpcodeClose, f.Payload[:2])
	ev := p.waitClosed(t)
	assert.True(t, ev.Clean)
	assert.Equal(t, protocol.CloseGoingAway, ev.Code)

	// Closing twice is a no-op.
	assert.NoError(t, p.conn.Close(protocol.CloseNormalClosure, ""))
}

func TestLocalCloseTimesOut(t *testing.T) {
	p := newPair(t, api.RoleServer, protocol.WithCloseTimeout(50*time.Millisecond))
	p.conn.Start()

	require.NoError(t, p.conn.Close(protocol.CloseNormalClosure, ""))
	assert.Equal(t, protocol.OpcodeClose, p.next(t).Opcode)

	ev := p.waitClosed(t)
	assert.False(t, ev.Clean)
	assert.Equal(t, protocol.CloseNormalClosure, ev.Code)
	assert.Error(t, ev.Err)
}

func TestCloseBeforeStartFinishesImmediately(t *testing.T) {
	p := newPair(t, api.RoleServer)

	require.NoError(t, p.conn.Close(protocol.CloseNormalClosure, "done"))

	ev := p.waitClosed(t)
	assert.False(t, ev.Clean)
	assert.Equal(t, api.StateClosed, p.conn.ReadyState())
	assert.Equal(t, protocol.OpcodeClose, p.next(t).Opcode)
}

func TestCloseRejectsLongReason(t *testing.T) {
	p := newPair(t, api.RoleServer)
	err := p.conn.Close(protocol.CloseNormalClosure, string(bytes.Repeat([]byte("r"), 124)))
	assert.True(t, errors.Is(err, api.ErrControlTooLarge))
	assert.Equal(t, api.StateOpen, p.conn.ReadyState())
}

func TestSendAfterCloseIsNoop(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.Start()
	p.conn.Abort()

	ev := p.waitClosed(t)
	assert.Equal(t, protocol.CloseAbnormalClosure, ev.Code)
	assert.False(t, ev.Clean)
	assert.True(t, errors.Is(ev.Err, api.ErrClosed))

	assert.NoError(t, p.conn.SendText("x"))
	assert.NoError(t, p.conn.SendBinary([]byte{1}))
	assert.NoError(t, p.conn.Ping(nil))
	assert.Zero(t, p.conn.Stats().FramesSent)

	_, ok := <-p.frames
	assert.False(t, ok)
}

func TestSendTextRejectsInvalidUTF8(t *testing.T) {
	p := newPair(t, api.RoleServer)
	err := p.conn.SendText(string([]byte{0xC3, 0x28}))
	assert.True(t, api.IsKind(err, api.KindTextEncoding))
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	const senders, perSender = 8, 50
	p := newPair(t, api.RoleServer)
	p.conn.Start()

	var g errgroup.Group
	for i := 0; i < senders; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 100+i)
		g.Go(func() error {
			for j := 0; j < perSender; j++ {
				if err := p.conn.SendBinary(payload); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	counts := make(map[byte]int)
	for n := 0; n < senders*perSender; n++ {
		f := p.next(t)
		require.Equal(t, protocol.OpcodeBinary, f.Opcode)
		require.NotEmpty(t, f.Payload)
		id := f.Payload[0]
		require.Len(t, f.Payload, 100+int(id))
		require.Equal(t, bytes.Repeat([]byte{id}, len(f.Payload)), f.Payload)
		counts[id]++
	}
	for i := 0; i < senders; i++ {
		assert.Equal(t, perSender, counts[byte(i)])
	}
	assert.Equal(t, int64(senders*perSender), p.conn.Stats().FramesSent)
}

func TestClientRoleMasksFrames(t *testing.T) {
	p := newPair(t, api.RoleClient, protocol.WithRand(seeded(3)))
	p.conn.Start()

	require.NoError(t, p.conn.SendText("hi"))
	f := p.next(t)
	assert.True(t, f.Masked)
	assert.Equal(t, "hi", string(f.Payload))

	require.NoError(t, p.conn.Ping([]byte("?")))
	f = p.next(t)
	assert.Equal(t, protocol.OpcodePing, f.Opcode)
	assert.True(t, f.Masked)
}

func TestHandlerPanicClosesWithInternalError(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.OnText(func(*protocol.Conn, string) { panic("boom") })
	p.conn.Start()

	p.send(t, true, protocol.OpcodeText, []byte("x"))

	ev := p.waitClosed(t)
	assert.Equal(t, protocol.CloseInternalServerErr, ev.Code)
	assert.Equal(t, "boom", ev.Reason)
}

func TestHandlersMayRegisterHandlers(t *testing.T) {
	p := newPair(t, api.RoleServer)
	second := make(chan string, 1)
	var once sync.Once
	p.conn.OnText(func(c *protocol.Conn, _ string) {
		once.Do(func() {
			c.OnText(func(_ *protocol.Conn, s string) { second <- s })
		})
	})
	p.conn.Start()

	p.send(t, true, protocol.OpcodeText, []byte("first"))
	p.send(t, true, protocol.OpcodeText, []byte("second"))
	p.roundTrip(t)
	assert.Equal(t, "second", <-second)
}

func TestViolationIsLogged(t *testing.T) {
	p := newPair(t, api.RoleServer)
	p.conn.Start()

	p.send(t, true, protocol.OpcodeContinuation, nil)
	p.waitClosed(t)

	var found bool
	for _, e := range p.hook.AllEntries() {
		if e.Message == "protocol violation" {
			found = true
			assert.Equal(t, p.conn.ID(), e.Data["conn_id"])
			assert.Equal(t, "server", e.Data["role"])
		}
	}
	assert.True(t, found)
}

type countingMetrics struct {
	mu sync.Mutex
	m  map[string]int64
}

func (c *countingMetrics) Add(name string, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string]int64)
	}
	c.m[name] += delta
}

func (c *countingMetrics) get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.m[name]
}

func TestConnReportsMetrics(t *testing.T) {
	m := &countingMetrics{}
	p := newPair(t, api.RoleServer, protocol.WithMetrics(m))
	p.conn.Start()

	p.send(t, true, protocol.OpcodeBinary, []byte("abc"))
	p.roundTrip(t)
	p.send(t, true, protocol.OpcodeClose, nil)
	p.waitClosed(t)

	assert.Equal(t, int64(1), m.get(api.MetricConnOpened))
	assert.Equal(t, int64(1), m.get(api.MetricConnClosed))
	assert.Equal(t, int64(1), m.get(api.MetricMessagesReceived))
	assert.Equal(t, int64(3), m.get(api.MetricFramesReceived))
	assert.Equal(t, int64(7), m.get(api.MetricBytesReceived))
}
