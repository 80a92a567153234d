package stream

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoder_SingleShotRecord(t *testing.T) {
	t.Parallel()

	c := newCollector()
	d := NewDecoder(newTestRegistry(t, c, 16), DefaultConfig(), zerolog.Nop(), NewMetrics(prometheus.NewRegistry()))

	wire := []byte{0x01, 0x00, 0x00, 0x09, 0x00, 0x10, 0x00, 0x05, 0x00, 0x68, 0x65, 0x6c, 0x6c, 0x6f}
	require.NoError(t, d.Submit(context.Background(), wire))

	assert.Equal(t, []exported{{Type: 16, Data: "hello"}}, c.Records())
	_, _, ok := d.Dispatcher().Pending()
	assert.False(t, ok)
	assert.Zero(t, d.Framer().Buffered())
}

func TestDecoder_ContinuationAcrossMessages(t *testing.T) {
	t.Parallel()

	c := newCollector()
	d := NewDecoder(newTestRegistry(t, c, 3), DefaultConfig(), zerolog.Nop(), nil)

	// The truncated sub-frame after "AB" is dropped, so "AB" is not the last
	// payload of message 7 and the record stays open.
	firstBody := append(encPayload(t, 3, "AB"), 0x03, 0x00, 0xff, 0x00)
	first, err := EncodeMessage(7, firstBody)
	require.NoError(t, err)
	second := encMessage(t, 7, encPayload(t, 3, "CD"))

	require.NoError(t, d.Submit(context.Background(), first))
	assert.Empty(t, c.Records())

	require.NoError(t, d.Submit(context.Background(), second))
	assert.Equal(t, []exported{{Type: 3, Data: "ABCD"}}, c.Records())
}

func TestDecoder_SentinelAcrossMessagesThenNewType(t *testing.T) {
	t.Parallel()

	c := newCollector()
	d := NewDecoder(newTestRegistry(t, c, 9, 16), DefaultConfig(), zerolog.Nop(), nil)
	ctx := context.Background()

	for _, part := range []string{"p1", "p2", "p3"} {
		require.NoError(t, d.Submit(ctx, encMessage(t, 0, encPayload(t, 9, part))))
	}
	assert.Empty(t, c.Records())

	require.NoError(t, d.Submit(ctx, encMessage(t, 2, encPayload(t, 16, "hi"))))
	assert.Equal(t, []exported{{Type: 9, Data: "p1p2p3"}, {Type: 16, Data: "hi"}}, c.Records())
}

func TestDecoder_TeardownDiscardsPending(t *testing.T) {
	t.Parallel()

	c := newCollector()
	m := NewMetrics(prometheus.NewRegistry())
	d := NewDecoder(newTestRegistry(t, c, 9), DefaultConfig(), zerolog.Nop(), m)
	ctx := context.Background()

	require.NoError(t, d.Submit(ctx, encMessage(t, 0, encPayload(t, 9, "open"))))
	require.NoError(t, d.Close(ctx))

	assert.Empty(t, c.Records())
	assert.InDelta(t, 1, testutil.ToFloat64(m.PendingDiscardedTotal), 0)
	require.ErrorIs(t, d.Submit(ctx, []byte{0x00}), ErrSessionClosed)
	require.NoError(t, d.Close(ctx), "second close is a no-op")
}

func TestDecoder_TeardownFlushWhenConfigured(t *testing.T) {
	t.Parallel()

	c := newCollector()
	cfg := DefaultConfig()
	cfg.FlushOnClose = true
	d := NewDecoder(newTestRegistry(t, c, 9), cfg, zerolog.Nop(), nil)
	ctx := context.Background()

	require.NoError(t, d.Submit(ctx, encMessage(t, 0, encPayload(t, 9, "open"))))
	require.NoError(t, d.Close(ctx))

	assert.Equal(t, []exported{{Type: 9, Data: "open"}}, c.Records())
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Mode = "async"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.HeaderUnderflow = "skip"
	require.Error(t, cfg.Validate())
}

func TestNewSession_Mode(t *testing.T) {
	t.Parallel()

	reg := newTestRegistry(t, newCollector(), 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := NewSession(ctx, reg, DefaultConfig(), zerolog.Nop(), nil)
	_, ok := s.(*Decoder)
	assert.True(t, ok)

	cfg := DefaultConfig()
	cfg.Mode = ModePipeline
	s = NewSession(ctx, reg, cfg, zerolog.Nop(), nil)
	_, ok = s.(*Pipeline)
	assert.True(t, ok)
	require.NoError(t, s.Close(ctx))
}
