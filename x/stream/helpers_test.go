package stream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/compose-network/recordtap/x/record"
)

type exported struct {
	Type uint16
	Data string
}

// collector records every export and can be told to fail for a type.
type collector struct {
	mu      sync.Mutex
	records []exported
	fail    map[uint16]error
}

func newCollector() *collector {
	return &collector{fail: make(map[uint16]error)}
}

func (c *collector) export(_ context.Context, rec record.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.fail[rec.Type]; err != nil {
		return err
	}
	c.records = append(c.records, exported{Type: rec.Type, Data: string(rec.Data)})
	return nil
}

func (c *collector) Records() []exported {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]exported(nil), c.records...)
}

func newTestRegistry(t *testing.T, c *collector, types ...uint16) record.Registry {
	t.Helper()

	entries := make([]record.Entry, 0, len(types))
	for _, typ := range types {
		entries = append(entries, record.Entry{Type: typ, New: record.Accumulate(typ, c.export)})
	}
	r, err := record.NewRegistry(entries...)
	require.NoError(t, err)
	return r
}

func encPayload(t *testing.T, typ uint16, data string) []byte {
	t.Helper()

	b, err := AppendPayload(nil, typ, []byte(data))
	require.NoError(t, err)
	return b
}

func encMessage(t *testing.T, id uint32, payloads ...[]byte) []byte {
	t.Helper()

	var body []byte
	for _, p := range payloads {
		body = append(body, p...)
	}
	b, err := EncodeMessage(id, body)
	require.NoError(t, err)
	return b
}

// payloadRecorder is a Consumer that keeps what it is given.
type payloadRecorder struct {
	payloads []Payload
}

func (r *payloadRecorder) Accept(_ context.Context, p Payload) {
	r.payloads = append(r.payloads, p)
}
