// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for the wsock library.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrMalformedStartLine = errors.New("malformed start line")
	ErrMalformedHeader    = errors.New("malformed header line")
	ErrHeaderTooLarge     = errors.New("handshake header block too large")
	ErrNotUpgrade         = errors.New("request is not a websocket upgrade")
	ErrUpgradeRefused     = errors.New("websocket upgrade refused")
	ErrBadStatus          = errors.New("unexpected handshake status")
	ErrAcceptMismatch     = errors.New("Sec-WebSocket-Accept mismatch")
	ErrFrameTooLarge      = errors.New("frame payload exceeds limit")
	ErrMessageTooLarge    = errors.New("message exceeds limit")
	ErrControlFragmented  = errors.New("control frame must not be fragmented")
	ErrControlTooLarge    = errors.New("control frame payload too large")
	ErrUnknownOpcode      = errors.New("unknown opcode")
	ErrUnexpectedContinue = errors.New("continuation frame without message")
	ErrInterleavedMessage = errors.New("data frame while message in progress")
	ErrInvalidUTF8        = errors.New("text payload is not valid UTF-8")
	ErrClosed             = errors.New("connection closed")
	ErrListenerClosed     = errors.New("listener closed")
)

// Kind classifies failures by the stage that produced them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindHandshakeMalformed: bad start line, bad header line, missing or
	// invalid required header.
	KindHandshakeMalformed
	// KindHandshakeRejected: the peer refused the upgrade (client side).
	KindHandshakeRejected
	// KindFrameDecode: truncated or garbled frame.
	KindFrameDecode
	// KindProtocolViolation: the byte stream decoded but broke RFC 6455 rules.
	KindProtocolViolation
	// KindTextEncoding: text payload is not UTF-8.
	KindTextEncoding
	// KindTransport: dial, accept, TLS or raw I/O failure.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindHandshakeMalformed:
		return "handshake malformed"
	case KindHandshakeRejected:
		return "handshake rejected"
	case KindFrameDecode:
		return "frame decode"
	case KindProtocolViolation:
		return "protocol violation"
	case KindTextEncoding:
		return "text encoding"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Error represents a classified error with the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
