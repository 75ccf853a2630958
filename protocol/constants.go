// Package protocol
// Author: momentics <momentics@gmail.com>
//
// WebSocket wire protocol constants

package protocol

import "fmt"

// Opcode is the 4-bit frame type tag.
type Opcode byte

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// IsControl reports whether the opcode is a control opcode (high bit set).
func (o Opcode) IsControl() bool { return o&0x08 != 0 }

// IsData reports whether the opcode carries message data.
func (o Opcode) IsData() bool {
	return o == OpcodeContinuation || o == OpcodeText || o == OpcodeBinary
}

// Valid reports whether the opcode is defined by RFC 6455.
func (o Opcode) Valid() bool {
	switch o {
	case OpcodeContinuation, OpcodeText, OpcodeBinary, OpcodeClose, OpcodePing, OpcodePong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpcodeContinuation:
		return "continuation"
	case OpcodeText:
		return "text"
	case OpcodeBinary:
		return "binary"
	case OpcodeClose:
		return "close"
	case OpcodePing:
		return "ping"
	case OpcodePong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%X)", byte(o))
	}
}

const (
	// Frame limit settings
	MaxControlPayloadLen = 125
	MaxFrameHeaderLen    = 14 // for extended payloads with masking
	DefaultMaxPayload    = 32 << 20

	// Bit masks
	FinBit         = 0x80
	MaskBit        = 0x80
	opcodeBits     = 0x0F
	payloadLenBits = 0x7F

	// Payload length indicators
	payloadLen16 = 126
	payloadLen64 = 127
)

// Close status codes (RFC 6455 Section 7.4.1).
const (
	CloseNormalClosure      = 1000
	CloseGoingAway          = 1001
	CloseProtocolError      = 1002
	CloseUnsupportedData    = 1003
	CloseNoStatusRcvd       = 1005
	CloseAbnormalClosure    = 1006
	CloseInvalidPayloadData = 1007
	ClosePolicyViolation    = 1008
	CloseMessageTooBig      = 1009
	CloseMissingExtension   = 1010
	CloseInternalServerErr  = 1011
	CloseTLSHandshake       = 1015
)

// Handshake constants.
const (
	WebSocketGUID            = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	HeaderConnection         = "Connection"
	HeaderUpgrade            = "Upgrade"
	HeaderHost               = "Host"
	HeaderServer             = "Server"
	HeaderSecWebSocketKey    = "Sec-WebSocket-Key"
	HeaderSecWebSocketVer    = "Sec-WebSocket-Version"
	HeaderSecWebSocketAccept = "Sec-WebSocket-Accept"
	HeaderSecWebSocketProto  = "Sec-WebSocket-Protocol"
	HeaderContentLength      = "Content-Length"
	RequiredWebSocketVersion = "13"
	ValueUpgrade             = "Upgrade"
	ValueWebSocket           = "websocket"
	DefaultMaxHeaderBytes    = 8192
	HTTPVersion11            = "HTTP/1.1"
)
