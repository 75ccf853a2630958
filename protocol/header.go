// File: protocol/header.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ordered, case-insensitive multi-map for handshake header blocks.

package protocol

import (
	"io"
	"strings"
)

type headerField struct {
	name   string
	values []string
}

// Header keeps header fields in arrival order. Name lookup ignores case;
// the spelling of the first occurrence is preserved on output.
type Header struct {
	fields []headerField
}

func (h *Header) index(name string) int {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].name, name) {
			return i
		}
	}
	return -1
}

// Add appends values to name, creating the field if needed.
func (h *Header) Add(name string, values ...string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].values = append(h.fields[i].values, values...)
		return
	}
	h.fields = append(h.fields, headerField{name: name, values: append([]string(nil), values...)})
}

// Set replaces all values of name with value.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].values = []string{value}
		return
	}
	h.fields = append(h.fields, headerField{name: name, values: []string{value}})
}

// Get returns the first value of name, or "".
func (h *Header) Get(name string) string {
	if i := h.index(name); i >= 0 && len(h.fields[i].values) > 0 {
		return h.fields[i].values[0]
	}
	return ""
}

// Values returns every value of name.
func (h *Header) Values(name string) []string {
	if i := h.index(name); i >= 0 {
		return h.fields[i].values
	}
	return nil
}

// Has reports whether name is present with at least one non-empty value.
func (h *Header) Has(name string) bool {
	for _, v := range h.Values(name) {
		if v != "" {
			return true
		}
	}
	return false
}

// Del removes name.
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

// Names lists field names in insertion order.
func (h *Header) Names() []string {
	out := make([]string, len(h.fields))
	for i, f := range h.fields {
		out[i] = f.name
	}
	return out
}

// Len returns the number of distinct fields.
func (h *Header) Len() int { return len(h.fields) }

// ContainsToken reports whether any value of name equals token, ignoring case.
func (h *Header) ContainsToken(name, token string) bool {
	for _, v := range h.Values(name) {
		if strings.EqualFold(strings.TrimSpace(v), token) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (h *Header) Clone() Header {
	out := Header{fields: make([]headerField, len(h.fields))}
	for i, f := range h.fields {
		out.fields[i] = headerField{name: f.name, values: append([]string(nil), f.values...)}
	}
	return out
}

// write emits "Name: v1, v2\r\n" for every field.
func (h *Header) write(w io.StringWriter) error {
	for _, f := range h.fields {
		if _, err := w.WriteString(f.name + ": " + strings.Join(f.values, ", ") + "\r\n"); err != nil {
			return err
		}
	}
	return nil
}

// SplitHeaderValues splits a header value on top-level commas. A double
// quote toggles literal mode, in which commas are kept; the quote
// characters themselves are dropped. Segments are trimmed and empty ones
// skipped.
func SplitHeaderValues(value string) []string {
	var (
		values    []string
		cur       strings.Builder
		inLiteral bool
	)
	emit := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			values = append(values, s)
		}
		cur.Reset()
	}
	for _, r := range value {
		switch {
		case r == '"':
			emit()
			inLiteral = !inLiteral
		case r == ',' && !inLiteral:
			emit()
		default:
			cur.WriteRune(r)
		}
	}
	emit()
	return values
}
