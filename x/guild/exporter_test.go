package guild

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/recordtap/x/record"
	"github.com/compose-network/recordtap/x/stream"
)

type memWriter struct {
	logTime time.Time
	rows    []Row
	calls   int
	err     error
}

func (w *memWriter) WriteRows(_ context.Context, logTime time.Time, rows []Row) error {
	w.calls++
	w.logTime = logTime
	w.rows = rows
	return w.err
}

func TestExporter_Export(t *testing.T) {
	t.Parallel()

	ts := time.Date(2025, 2, 8, 5, 30, 5, 0, time.UTC)
	failing := &memWriter{err: errors.New("disk full")}
	ok := &memWriter{}
	e := NewExporter(zerolog.Nop(), failing, ok)

	err := e.Export(context.Background(), record.Record{
		Type:       PayloadType,
		Data:       encodeMembers(alice, bob),
		Chunks:     1,
		CapturedAt: ts,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "disk full")

	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls, "a failing writer does not stop the others")
	assert.Equal(t, ts, ok.logTime)
	require.Len(t, ok.rows, 2)
	assert.Equal(t, "Bob", ok.rows[1].Name)
}

func TestExporter_MalformedRecord(t *testing.T) {
	t.Parallel()

	w := &memWriter{}
	e := NewExporter(zerolog.Nop(), w)

	err := e.Export(context.Background(), record.Record{Type: PayloadType, Data: []byte{0x0a, 0x10, 0x01}})
	require.ErrorIs(t, err, ErrMalformed)
	assert.Zero(t, w.calls)
}

func TestExporter_ReassemblesAcrossMessages(t *testing.T) {
	t.Parallel()

	w := &memWriter{}
	e := NewExporter(zerolog.Nop(), w)
	reg, err := record.NewRegistry(e.Entry())
	require.NoError(t, err)

	data := encodeMembers(alice, bob)
	half := len(data) / 2

	// The head travels under the sentinel id, so it stays pending until the
	// tail arrives as the last payload of a tagged message.
	head, err := stream.AppendPayload(nil, PayloadType, data[:half])
	require.NoError(t, err)
	m1, err := stream.EncodeMessage(stream.SentinelMessageID, head)
	require.NoError(t, err)
	tail, err := stream.AppendPayload(nil, PayloadType, data[half:])
	require.NoError(t, err)
	m2, err := stream.EncodeMessage(10, tail)
	require.NoError(t, err)

	dec := stream.NewDecoder(reg, stream.DefaultConfig(), zerolog.Nop(), nil)
	require.NoError(t, dec.Submit(context.Background(), m1))
	require.NoError(t, dec.Submit(context.Background(), m2))
	require.NoError(t, dec.Close(context.Background()))

	require.Equal(t, 1, w.calls)
	require.Len(t, w.rows, 2)
	assert.Equal(t, "Alice", w.rows[0].Name)
}
