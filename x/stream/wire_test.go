package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMessage_SingleShotBytes(t *testing.T) {
	t.Parallel()

	wire := encMessage(t, 1, encPayload(t, 16, "hello"))

	want := []byte{0x01, 0x00, 0x00, 0x09, 0x00, 0x10, 0x00, 0x05, 0x00, 0x68, 0x65, 0x6c, 0x6c, 0x6f}
	assert.Equal(t, want, wire)
}

func TestEncodeMessage_Limits(t *testing.T) {
	t.Parallel()

	_, err := EncodeMessage(MaxMessageID+1, nil)
	require.Error(t, err)

	_, err = EncodeMessage(1, make([]byte, MaxBodyLen+1))
	require.Error(t, err)

	id := uint32(0x123456)
	b, err := EncodeMessage(id, nil)
	require.NoError(t, err)
	gotID, total := parseMessageHeader(b)
	assert.Equal(t, id, gotID)
	assert.Equal(t, MessageHeaderLen, total)
}

func TestParsePayload(t *testing.T) {
	t.Parallel()

	b := append(encPayload(t, 0x559d, "abc"), 0xff)
	p, n, err := ParsePayload(b, 42)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, uint16(0x559d), p.Type)
	assert.Equal(t, []byte("abc"), p.Data)
	assert.Equal(t, uint32(42), p.MessageID)
	assert.Equal(t, 7, p.Len())
	assert.False(t, p.EndOfMessage)

	b[4] = 'z'
	assert.Equal(t, []byte("abc"), p.Data, "payload data must not alias the input")
}

func TestParsePayload_Errors(t *testing.T) {
	t.Parallel()

	_, _, err := ParsePayload([]byte{0x01, 0x00, 0x05}, 1)
	require.ErrorIs(t, err, ErrShortPayloadHeader)

	_, _, err = ParsePayload([]byte{0x01, 0x00, 0x05, 0x00, 'a', 'b'}, 1)
	require.ErrorIs(t, err, ErrPayloadOverrun)
	assert.Contains(t, err.Error(), "need 9 bytes, have 6")
}
