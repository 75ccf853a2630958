package api_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/wsock/api"
)

func TestErrorWrapsCause(t *testing.T) {
	err := api.NewError(api.KindFrameDecode, "read header", io.ErrUnexpectedEOF)

	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, "frame decode: read header: unexpected EOF", err.Error())
}

func TestKindOfThroughWrapping(t *testing.T) {
	inner := api.NewError(api.KindHandshakeRejected, "dial", api.ErrAcceptMismatch)
	wrapped := fmt.Errorf("connect ws://example: %w", inner)

	require.Equal(t, api.KindHandshakeRejected, api.KindOf(wrapped))
	assert.True(t, api.IsKind(wrapped, api.KindHandshakeRejected))
	assert.True(t, errors.Is(wrapped, api.ErrAcceptMismatch))
	assert.False(t, api.IsKind(nil, api.KindUnknown))
	assert.Equal(t, api.KindUnknown, api.KindOf(errors.New("plain")))
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "open", api.StateOpen.String())
	assert.Equal(t, "closed", api.StateClosed.String())
	assert.Equal(t, "client", api.RoleClient.String())
	assert.Equal(t, "server", api.RoleServer.String())
	assert.Equal(t, "protocol violation", api.KindProtocolViolation.String())
}
