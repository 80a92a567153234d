package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(s *Splitter) []Payload {
	var out []Payload
	for {
		p, ok := s.Next()
		if !ok {
			return out
		}
		out = append(out, p)
	}
}

func TestSplitter_MarksEndOfMessage(t *testing.T) {
	t.Parallel()

	body := append(encPayload(t, 3, "AB"), encPayload(t, 4, "")...)
	body = append(body, encPayload(t, 5, "xyz")...)

	s := NewSplitter(body, 7)
	got := collect(s)
	require.NoError(t, s.Err())
	require.Len(t, got, 3)

	assert.Equal(t, uint16(3), got[0].Type)
	assert.False(t, got[0].EndOfMessage)
	assert.Equal(t, uint16(4), got[1].Type)
	assert.Empty(t, got[1].Data)
	assert.False(t, got[1].EndOfMessage)
	assert.Equal(t, uint16(5), got[2].Type)
	assert.True(t, got[2].EndOfMessage)
	for _, p := range got {
		assert.Equal(t, uint32(7), p.MessageID)
	}
	assert.Zero(t, s.Dropped())
}

func TestSplitter_AbortsOnOverrun(t *testing.T) {
	t.Parallel()

	body := append(encPayload(t, 3, "ok"), 0x04, 0x00, 0x10, 0x00, 'x')

	s := NewSplitter(body, 1)
	got := collect(s)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("ok"), got[0].Data)
	assert.False(t, got[0].EndOfMessage)

	require.ErrorIs(t, s.Err(), ErrPayloadOverrun)
	assert.Equal(t, 5, s.Dropped())

	_, ok := s.Next()
	assert.False(t, ok, "splitter is not restartable")
}

func TestSplitter_ShortTrailingHeader(t *testing.T) {
	t.Parallel()

	body := append(encPayload(t, 3, "ok"), 0x01, 0x02)

	s := NewSplitter(body, 1)
	got := collect(s)
	require.Len(t, got, 1)
	require.ErrorIs(t, s.Err(), ErrShortPayloadHeader)
	assert.Equal(t, 2, s.Dropped())
}

func TestSplitter_EmptyBody(t *testing.T) {
	t.Parallel()

	s := NewSplitter(nil, 1)
	assert.Empty(t, collect(s))
	assert.NoError(t, s.Err())
}
