// File: protocol/handshake.go
// Package protocol implements the core WebSocket handshake logic.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Provides both server-side and client-side handshake routines: start-line
// and header-line parsing, header block framing, Sec-WebSocket-Key/Accept
// negotiation, and request/response serialization.

package protocol

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/momentics/wsock/api"
)

// Request is the client's upgrade request (or any HTTP request read by the
// listener).
type Request struct {
	Method  string
	Path    string
	Version string
	Header  Header
}

// Response is the server's reply to a Request.
type Response struct {
	Version    string
	StatusCode int
	Reason     string
	Header     Header
	Body       []byte
}

// ParseRequestLine splits "METHOD PATH VERSION" on single spaces.
func ParseRequestLine(line string) (method, path, version string, err error) {
	parts := strings.Split(line, " ")
	if len(parts) != 3 {
		return "", "", "", malformed("parse request line", api.ErrMalformedStartLine, line)
	}
	return parts[0], parts[1], parts[2], nil
}

// ParseResponseLine splits "VERSION CODE REASON...". The reason is the
// remainder rejoined with single spaces.
func ParseResponseLine(line string) (version string, code int, reason string, err error) {
	parts := strings.Split(line, " ")
	if len(parts) < 3 {
		return "", 0, "", malformed("parse response line", api.ErrMalformedStartLine, line)
	}
	code, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return "", 0, "", malformed("parse response line", api.ErrMalformedStartLine, line)
	}
	return parts[0], code, strings.Join(parts[2:], " "), nil
}

// ParseHeaderLine splits "Name: v1, v2" at the first colon and list-splits
// the value with SplitHeaderValues.
func ParseHeaderLine(line string) (name string, values []string, err error) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return "", nil, malformed("parse header line", api.ErrMalformedHeader, line)
	}
	name = strings.TrimSpace(line[:colon])
	if name == "" {
		return "", nil, malformed("parse header line", api.ErrMalformedHeader, line)
	}
	return name, SplitHeaderValues(strings.TrimSpace(line[colon+1:])), nil
}

func malformed(op string, sentinel error, line string) error {
	return api.NewError(api.KindHandshakeMalformed, op, fmt.Errorf("%w: %q", sentinel, line))
}

// ComputeAcceptKey computes the Sec-WebSocket-Accept value from the client's key.
// This implements the algorithm specified in RFC6455 Section 1.3.
func ComputeAcceptKey(clientKey string) string {
	hash := sha1.Sum([]byte(clientKey + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// GenerateClientKey returns 16 random bytes from rng, base64-encoded.
// The key only needs to be unpredictable, not cryptographically strong.
func GenerateClientKey(rng io.Reader) (string, error) {
	if rng == nil {
		rng = NewRand()
	}
	var key [16]byte
	if _, err := io.ReadFull(rng, key[:]); err != nil {
		return "", fmt.Errorf("generate client key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key[:]), nil
}

// readHeaderBlock reads CRLF-terminated lines up to the blank line. At most
// maxBytes are consumed. A stream closed before the first byte returns
// io.EOF.
func readHeaderBlock(br *bufio.Reader, maxBytes int) ([]string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxHeaderBytes
	}
	var (
		lines []string
		total int
		line  []byte
	)
	for {
		chunk, err := br.ReadSlice('\n')
		total += len(chunk)
		if total > maxBytes {
			return nil, api.NewError(api.KindHandshakeMalformed, "read header block", api.ErrHeaderTooLarge)
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if total == 0 {
					return nil, io.EOF
				}
				return nil, api.NewError(api.KindHandshakeMalformed, "read header block", io.ErrUnexpectedEOF)
			}
			return nil, api.NewError(api.KindTransport, "read header block", err)
		}

		text := strings.TrimRight(string(line), "\r\n")
		line = line[:0]
		if text == "" {
			if len(lines) == 0 {
				// Tolerate leading blank lines before the start line.
				continue
			}
			return lines, nil
		}
		lines = append(lines, text)
	}
}

func parseHeaders(lines []string, h *Header) error {
	for _, l := range lines {
		name, values, err := ParseHeaderLine(l)
		if err != nil {
			return err
		}
		h.Add(name, values...)
	}
	return nil
}

// ReadRequest reads and parses one request header block from br.
func ReadRequest(br *bufio.Reader, maxHeaderBytes int) (*Request, error) {
	lines, err := readHeaderBlock(br, maxHeaderBytes)
	if err != nil {
		return nil, err
	}
	req := &Request{}
	if req.Method, req.Path, req.Version, err = ParseRequestLine(lines[0]); err != nil {
		return nil, err
	}
	if err := parseHeaders(lines[1:], &req.Header); err != nil {
		return nil, err
	}
	return req, nil
}

// ReadResponse reads and parses one response header block from br.
// Any body is left unread in br.
func ReadResponse(br *bufio.Reader, maxHeaderBytes int) (*Response, error) {
	lines, err := readHeaderBlock(br, maxHeaderBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, api.NewError(api.KindHandshakeMalformed, "read response", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	resp := &Response{}
	if resp.Version, resp.StatusCode, resp.Reason, err = ParseResponseLine(lines[0]); err != nil {
		return nil, err
	}
	if err := parseHeaders(lines[1:], &resp.Header); err != nil {
		return nil, err
	}
	return resp, nil
}

// Write serializes the request line, headers and terminating blank line.
func (r *Request) Write(w io.Writer) error {
	sw := bufio.NewWriter(w)
	sw.WriteString(r.Method + " " + r.Path + " " + r.Version + "\r\n")
	if err := r.Header.write(sw); err != nil {
		return err
	}
	sw.WriteString("\r\n")
	return sw.Flush()
}

// Write serializes the status line, headers, blank line and body.
func (r *Response) Write(w io.Writer) error {
	sw := bufio.NewWriter(w)
	sw.WriteString(r.Version + " " + strconv.Itoa(r.StatusCode) + " " + r.Reason + "\r\n")
	if err := r.Header.write(sw); err != nil {
		return err
	}
	sw.WriteString("\r\n")
	sw.Write(r.Body)
	return sw.Flush()
}

// NewResponse builds a response with the standard reason phrase. A non-nil
// body sets Content-Length.
func NewResponse(version string, status int, body []byte) *Response {
	if version == "" {
		version = HTTPVersion11
	}
	resp := &Response{Version: version, StatusCode: status, Reason: http.StatusText(status), Body: body}
	if body != nil {
		resp.Header.Set(HeaderContentLength, strconv.Itoa(len(body)))
	}
	return resp
}

// NewUpgradeRequest builds the client-side upgrade request.
func NewUpgradeRequest(host, path, key string) *Request {
	if path == "" {
		path = "/"
	}
	req := &Request{Method: http.MethodGet, Path: path, Version: HTTPVersion11}
	req.Header.Set(HeaderHost, host)
	req.Header.Set(HeaderUpgrade, ValueWebSocket)
	req.Header.Set(HeaderConnection, ValueUpgrade)
	req.Header.Set(HeaderSecWebSocketVer, RequiredWebSocketVersion)
	req.Header.Set(HeaderSecWebSocketKey, key)
	return req
}

// NewUpgradeResponse builds the 101 answer to a validated upgrade request.
func NewUpgradeResponse(req *Request, serverName string) *Response {
	resp := NewResponse(req.Version, http.StatusSwitchingProtocols, nil)
	resp.Header.Set(HeaderUpgrade, ValueWebSocket)
	resp.Header.Set(HeaderConnection, ValueUpgrade)
	if serverName != "" {
		resp.Header.Set(HeaderServer, serverName)
	}
	resp.Header.Set(HeaderSecWebSocketAccept, ComputeAcceptKey(req.Header.Get(HeaderSecWebSocketKey)))
	return resp
}

// CheckUpgrade validates the server-side upgrade predicate: GET, Connection
// carries the "Upgrade" token, Upgrade is "websocket", version 13 and a
// non-empty key.
func (r *Request) CheckUpgrade() error {
	var reason string
	switch {
	case r.Method != http.MethodGet:
		reason = "method " + r.Method
	case !r.Header.ContainsToken(HeaderConnection, ValueUpgrade):
		reason = "Connection header lacks Upgrade token"
	case !r.Header.ContainsToken(HeaderUpgrade, ValueWebSocket):
		reason = "Upgrade header is not websocket"
	case r.Header.Get(HeaderSecWebSocketVer) != RequiredWebSocketVersion:
		reason = "unsupported Sec-WebSocket-Version " + strconv.Quote(r.Header.Get(HeaderSecWebSocketVer))
	case !r.Header.Has(HeaderSecWebSocketKey):
		reason = "missing Sec-WebSocket-Key"
	default:
		return nil
	}
	return api.NewError(api.KindHandshakeMalformed, "check upgrade", fmt.Errorf("%w: %s", api.ErrNotUpgrade, reason))
}

// IsUpgrade reports whether the request is a valid WebSocket upgrade.
func (r *Request) IsUpgrade() bool { return r.CheckUpgrade() == nil }

// CheckUpgradeResponse validates the client-side predicate for the key
// that was sent.
func CheckUpgradeResponse(resp *Response, sentKey string) error {
	switch {
	case resp.StatusCode != http.StatusSwitchingProtocols:
		return api.NewError(api.KindHandshakeRejected, "check response",
			fmt.Errorf("%w: %d %s", api.ErrBadStatus, resp.StatusCode, resp.Reason))
	case !resp.Header.ContainsToken(HeaderConnection, ValueUpgrade),
		!resp.Header.ContainsToken(HeaderUpgrade, ValueWebSocket):
		return api.NewError(api.KindHandshakeRejected, "check response", api.ErrNotUpgrade)
	case resp.Header.Get(HeaderSecWebSocketAccept) != ComputeAcceptKey(sentKey):
		return api.NewError(api.KindHandshakeRejected, "check response", api.ErrAcceptMismatch)
	}
	return nil
}
