// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket frame encoding/decoding and masking logic.
//
// Decoding reads exact byte counts from the stream: a short read before a
// count is satisfied is a truncated frame, never a partial success.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/momentics/wsock/api"
	"github.com/momentics/wsock/pool"
)

// Frame represents a decoded WebSocket frame.
type Frame struct {
	Fin     bool   // FIN bit
	Opcode  Opcode // Operation code
	Masked  bool   // Whether the frame was masked on the wire
	MaskKey [4]byte
	Payload []byte // Unmasked payload
}

// Flusher is implemented by buffered writers that must be drained after
// each frame.
type Flusher interface {
	Flush() error
}

// ReadFrame parses one frame from r. Payloads longer than maxPayload are
// rejected before allocation; maxPayload <= 0 selects DefaultMaxPayload.
//
// A stream that ends before the first header byte yields io.EOF unwrapped.
// Every other failure is an *api.Error.
func ReadFrame(r io.Reader, maxPayload int64) (*Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, readError("read header", err)
	}

	// RSV bits (0x70) are ignored: no extensions are negotiated.
	f := &Frame{
		Fin:    hdr[0]&FinBit != 0,
		Opcode: Opcode(hdr[0] & opcodeBits),
		Masked: hdr[1]&MaskBit != 0,
	}

	length := uint64(hdr[1] & payloadLenBits)
	switch length {
	case payloadLen16:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, readError("read 16-bit length", err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case payloadLen64:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return nil, readError("read 64-bit length", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if f.Opcode.IsControl() && length > MaxControlPayloadLen {
		return nil, api.NewError(api.KindProtocolViolation, "read length",
			fmt.Errorf("%w: %d", api.ErrControlTooLarge, length))
	}
	if length > uint64(maxPayload) {
		return nil, api.NewError(api.KindProtocolViolation, "read length",
			fmt.Errorf("%w: %d > %d", api.ErrFrameTooLarge, length, maxPayload))
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.MaskKey[:]); err != nil {
			return nil, readError("read mask", err)
		}
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, readError("read payload", err)
	}
	if f.Masked {
		Mask(f.Payload, f.MaskKey)
	}
	return f, nil
}

// readError classifies a failed exact read. Running out of bytes mid-frame
// is a decode failure; anything else came from the transport.
func readError(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return api.NewError(api.KindFrameDecode, op, io.ErrUnexpectedEOF)
	}
	return api.NewError(api.KindTransport, op, err)
}

// WriteFrame encodes f to w using the masking policy of role: client frames
// are masked with a fresh key drawn from rng, server frames never are.
// f.Payload is not modified. w is flushed when it implements Flusher.
func WriteFrame(w io.Writer, f *Frame, role api.Role, rng io.Reader) error {
	buf, err := AppendFrame(pool.Default.Get(MaxFrameHeaderLen+len(f.Payload)), f, role, rng)
	defer pool.Default.Put(buf)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return api.NewError(api.KindTransport, "write frame", err)
	}
	if fl, ok := w.(Flusher); ok {
		if err := fl.Flush(); err != nil {
			return api.NewError(api.KindTransport, "flush frame", err)
		}
	}
	return nil
}

// AppendFrame serializes f onto dst and returns the extended slice.
// The mask key used (if any) is stored back into f.
func AppendFrame(dst []byte, f *Frame, role api.Role, rng io.Reader) ([]byte, error) {
	if f.Opcode.IsControl() && len(f.Payload) > MaxControlPayloadLen {
		return dst, api.NewError(api.KindProtocolViolation, "encode frame", api.ErrControlTooLarge)
	}

	b0 := byte(f.Opcode) & opcodeBits
	if f.Fin {
		b0 |= FinBit
	}

	f.Masked = role == api.RoleClient
	var maskBit byte
	if f.Masked {
		maskBit = MaskBit
		if rng == nil {
			rng = NewRand()
		}
		if _, err := io.ReadFull(rng, f.MaskKey[:]); err != nil {
			return dst, api.NewError(api.KindTransport, "mask key", err)
		}
	}

	plen := len(f.Payload)
	switch {
	case plen < payloadLen16:
		dst = append(dst, b0, maskBit|byte(plen))
	case plen <= 0xFFFF:
		dst = append(dst, b0, maskBit|payloadLen16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(plen))
	default:
		dst = append(dst, b0, maskBit|payloadLen64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(plen))
	}

	if !f.Masked {
		return append(dst, f.Payload...), nil
	}
	dst = append(dst, f.MaskKey[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	Mask(dst[start:], f.MaskKey)
	return dst, nil
}

// Mask XORs buf in place with key. Applying it twice restores buf.
func Mask(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}
