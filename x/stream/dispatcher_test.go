package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/recordtap/x/record"
)

func newTestDispatcher(t *testing.T, types ...uint16) (*Dispatcher, *collector, *Metrics) {
	t.Helper()

	c := newCollector()
	m := NewMetrics(prometheus.NewRegistry())
	return NewDispatcher(newTestRegistry(t, c, types...), zerolog.Nop(), m), c, m
}

func pl(typ uint16, msgID uint32, data string, eom bool) Payload {
	return Payload{Type: typ, MessageID: msgID, Data: []byte(data), EndOfMessage: eom}
}

func TestDispatcher_SingleShotRecord(t *testing.T) {
	t.Parallel()

	d, c, m := newTestDispatcher(t, 16)
	d.Accept(context.Background(), pl(16, 1, "hello", true))

	assert.Equal(t, []exported{{Type: 16, Data: "hello"}}, c.Records())
	_, _, ok := d.Pending()
	assert.False(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("0x0010", PathImmediate)), 0)
}

func TestDispatcher_CrossMessageContinuation(t *testing.T) {
	t.Parallel()

	d, c, m := newTestDispatcher(t, 3)
	d.Accept(context.Background(), pl(3, 7, "AB", false))

	typ, msgID, ok := d.Pending()
	require.True(t, ok)
	assert.Equal(t, uint16(3), typ)
	assert.Equal(t, uint32(7), msgID)
	assert.Empty(t, c.Records())

	d.Accept(context.Background(), pl(3, 7, "CD", true))

	assert.Equal(t, []exported{{Type: 3, Data: "ABCD"}}, c.Records())
	_, _, ok = d.Pending()
	assert.False(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("0x0003", PathContinued)), 0)
}

func TestDispatcher_SentinelAccumulation(t *testing.T) {
	t.Parallel()

	d, c, m := newTestDispatcher(t, 9, 3)
	ctx := context.Background()

	// Three messages with id 0: end-of-message never closes the record.
	d.Accept(ctx, pl(9, 0, "a", true))
	d.Accept(ctx, pl(9, 0, "b", true))
	d.Accept(ctx, pl(9, 0, "c", true))
	assert.Empty(t, c.Records())

	d.Accept(ctx, pl(3, 5, "x", true))

	assert.Equal(t, []exported{
		{Type: 9, Data: "abc"},
		{Type: 3, Data: "x"},
	}, c.Records())
	_, _, ok := d.Pending()
	assert.False(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("0x0009", PathSuperseded)), 0)
}

func TestDispatcher_SentinelAdoptsMessageID(t *testing.T) {
	t.Parallel()

	d, c, _ := newTestDispatcher(t, 9)
	ctx := context.Background()

	d.Accept(ctx, pl(9, 0, "a", false))
	d.Accept(ctx, pl(9, 4, "b", false))

	_, msgID, ok := d.Pending()
	require.True(t, ok)
	assert.Equal(t, uint32(4), msgID)

	// Once gated on id 4, a payload from id 5 starts a new record.
	d.Accept(ctx, pl(9, 5, "c", false))
	assert.Equal(t, []exported{{Type: 9, Data: "ab"}}, c.Records())

	_, msgID, ok = d.Pending()
	require.True(t, ok)
	assert.Equal(t, uint32(5), msgID)
}

func TestDispatcher_IDMismatchFlushes(t *testing.T) {
	t.Parallel()

	d, c, _ := newTestDispatcher(t, 3)
	ctx := context.Background()

	d.Accept(ctx, pl(3, 7, "AB", false))
	d.Accept(ctx, pl(3, 8, "CD", true))

	assert.Equal(t, []exported{
		{Type: 3, Data: "AB"},
		{Type: 3, Data: "CD"},
	}, c.Records())
}

func TestDispatcher_UnknownTypeIgnored(t *testing.T) {
	t.Parallel()

	d, c, m := newTestDispatcher(t, 3)
	d.Accept(context.Background(), pl(99, 1, "??", true))

	assert.Empty(t, c.Records())
	_, _, ok := d.Pending()
	assert.False(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(m.UnknownPayloadsTotal), 0)
}

func TestDispatcher_UnknownTypeFlushesPending(t *testing.T) {
	t.Parallel()

	d, c, _ := newTestDispatcher(t, 3)
	ctx := context.Background()

	d.Accept(ctx, pl(3, 0, "AB", false))
	d.Accept(ctx, pl(99, 0, "??", false))

	assert.Equal(t, []exported{{Type: 3, Data: "AB"}}, c.Records())
	_, _, ok := d.Pending()
	assert.False(t, ok)
}

func TestDispatcher_ExportFailureContinues(t *testing.T) {
	t.Parallel()

	d, c, m := newTestDispatcher(t, 3, 16)
	c.fail[3] = errors.New("disk full")
	ctx := context.Background()

	// Immediate path.
	d.Accept(ctx, pl(3, 1, "a", true))
	// Accumulation-flush path.
	d.Accept(ctx, pl(3, 2, "b", false))
	d.Accept(ctx, pl(3, 2, "c", true))
	// Supersede path.
	d.Accept(ctx, pl(3, 0, "d", false))
	d.Accept(ctx, pl(16, 3, "ok", true))

	assert.Equal(t, []exported{{Type: 16, Data: "ok"}}, c.Records())
	assert.InDelta(t, 3, testutil.ToFloat64(m.ExportFailuresTotal.WithLabelValues("0x0003", "export")), 0)
}

func TestDispatcher_ConstructorFailure(t *testing.T) {
	t.Parallel()

	reg, err := record.NewRegistry(record.Entry{
		Type: 3,
		New: func([]byte) (record.Handler, error) {
			return nil, errors.New("bad seed")
		},
	})
	require.NoError(t, err)

	m := NewMetrics(prometheus.NewRegistry())
	d := NewDispatcher(reg, zerolog.Nop(), m)
	d.Accept(context.Background(), pl(3, 0, "a", false))

	_, _, ok := d.Pending()
	assert.False(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ExportFailuresTotal.WithLabelValues("0x0003", "construct")), 0)
}

func TestDispatcher_CloseDiscards(t *testing.T) {
	t.Parallel()

	d, c, m := newTestDispatcher(t, 3)
	d.Accept(context.Background(), pl(3, 7, "AB", false))

	d.Close(context.Background(), false)

	assert.Empty(t, c.Records())
	_, _, ok := d.Pending()
	assert.False(t, ok)
	assert.InDelta(t, 1, testutil.ToFloat64(m.PendingDiscardedTotal), 0)
}

func TestDispatcher_CloseFlushes(t *testing.T) {
	t.Parallel()

	d, c, m := newTestDispatcher(t, 3)
	d.Accept(context.Background(), pl(3, 0, "AB", false))

	d.Close(context.Background(), true)

	assert.Equal(t, []exported{{Type: 3, Data: "AB"}}, c.Records())
	assert.InDelta(t, 1, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("0x0003", PathTeardown)), 0)
	assert.Zero(t, testutil.ToFloat64(m.PendingDiscardedTotal))
}
