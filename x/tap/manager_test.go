package tap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compose-network/recordtap/x/record"
	"github.com/compose-network/recordtap/x/stream"
	"github.com/compose-network/recordtap/x/transport"
)

type fakeSession struct {
	mu       sync.Mutex
	data     []byte
	closed   bool
	closeErr error
}

func (s *fakeSession) Submit(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stream.ErrSessionClosed
	}
	s.data = append(s.data, chunk...)
	return nil
}

func (s *fakeSession) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	closeErr error
}

func (f *fakeFactory) New(context.Context, zerolog.Logger) stream.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSession{closeErr: f.closeErr}
	f.sessions = append(f.sessions, s)
	return s
}

func info(id string) transport.ConnectionInfo {
	now := time.Now()
	return transport.ConnectionInfo{ID: id, RemoteAddr: "127.0.0.1:5000", ConnectedAt: now, LastSeen: now}
}

func newTestManager(f *fakeFactory, filter transport.DirectionFilter) (*Manager, *prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	return NewManager(f.New, filter, zerolog.Nop(), m), reg, m
}

func TestManager_DefaultFilterDecodesServerOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &fakeFactory{}
	mgr, _, m := newTestManager(f, "")

	mgr.OnConnectionStart(ctx, info("c1"))
	require.Len(t, f.sessions, 1)

	mgr.OnBytes(ctx, "c1", transport.FromClient, []byte("hello"))
	mgr.OnBytes(ctx, "c1", transport.FromServer, []byte("abc"))
	mgr.OnBytes(ctx, "c1", transport.FromServer, []byte("def"))

	assert.Equal(t, "abcdef", string(f.sessions[0].data))
	assert.InDelta(t, 5, testutil.ToFloat64(m.FilteredBytes.WithLabelValues("client")), 0)
	assert.InDelta(t, 6, testutil.ToFloat64(m.BytesTotal.WithLabelValues("server")), 0)

	conns := mgr.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "c1", conns[0].ID)
	assert.Equal(t, []string{"server"}, conns[0].Decoding)
	assert.Equal(t, uint64(5), conns[0].BytesFromClient)
	assert.Equal(t, uint64(6), conns[0].BytesFromServer)
}

func TestManager_BothDirectionsKeepSeparateSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &fakeFactory{}
	mgr, _, m := newTestManager(f, transport.FilterBoth)

	mgr.OnConnectionStart(ctx, info("c1"))
	require.Len(t, f.sessions, 2)
	assert.InDelta(t, 2, testutil.ToFloat64(m.SessionsActive), 0)

	mgr.OnBytes(ctx, "c1", transport.FromClient, []byte("up"))
	mgr.OnBytes(ctx, "c1", transport.FromServer, []byte("down"))

	got := []string{string(f.sessions[0].data), string(f.sessions[1].data)}
	assert.ElementsMatch(t, []string{"up", "down"}, got)
	assert.Equal(t, []string{"client", "server"}, mgr.Connections()[0].Decoding)
}

func TestManager_EndTearsDownAndForgets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &fakeFactory{}
	mgr, _, m := newTestManager(f, transport.FilterServer)

	mgr.OnConnectionStart(ctx, info("c1"))
	mgr.OnConnectionStart(ctx, info("c2"))
	assert.InDelta(t, 2, testutil.ToFloat64(m.ConnectionsActive), 0)

	mgr.OnConnectionEnd(ctx, "c1")
	assert.True(t, f.sessions[0].closed)
	assert.False(t, f.sessions[1].closed)

	// Late bytes for a removed connection are ignored.
	mgr.OnBytes(ctx, "c1", transport.FromServer, []byte("late"))
	assert.Empty(t, f.sessions[0].data)

	mgr.OnConnectionError(ctx, "c2", errors.New("reset"))
	assert.True(t, f.sessions[1].closed)

	assert.Empty(t, mgr.Connections())
	assert.InDelta(t, 0, testutil.ToFloat64(m.ConnectionsActive), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.SessionsActive), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(eventClosed)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(eventFailed)), 0)

	// A second end is a no-op.
	mgr.OnConnectionEnd(ctx, "c1")
	assert.InDelta(t, 1, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues(eventClosed)), 0)
}

func TestManager_DuplicateStartIgnored(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &fakeFactory{}
	mgr, _, _ := newTestManager(f, transport.FilterServer)

	mgr.OnConnectionStart(ctx, info("c1"))
	mgr.OnConnectionStart(ctx, info("c1"))
	assert.Len(t, f.sessions, 1)
	assert.Len(t, mgr.Connections(), 1)
}

func TestManager_CloseTearsDownEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := &fakeFactory{closeErr: errors.New("flush failed")}
	mgr, _, m := newTestManager(f, transport.FilterBoth)

	mgr.OnConnectionStart(ctx, info("c1"))
	mgr.OnConnectionStart(ctx, info("c2"))

	err := mgr.Close(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, "flush failed")

	for _, s := range f.sessions {
		assert.True(t, s.closed)
	}
	assert.Empty(t, mgr.Connections())
	assert.InDelta(t, 4, testutil.ToFloat64(m.SessionErrors.WithLabelValues("close")), 0)

	// Connections arriving after Close are not tapped.
	mgr.OnConnectionStart(ctx, info("c3"))
	assert.Len(t, f.sessions, 4)
	assert.Empty(t, mgr.Connections())
}

func TestManager_DecodesRecordsEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var (
		mu   sync.Mutex
		recs []string
	)
	reg, err := record.NewRegistry(record.Entry{
		Type: 0x0102,
		Name: "test",
		New: record.Accumulate(0x0102, func(_ context.Context, rec record.Record) error {
			mu.Lock()
			defer mu.Unlock()
			recs = append(recs, string(rec.Data))
			return nil
		}),
	})
	require.NoError(t, err)

	cfg := stream.DefaultConfig()
	cfg.HeaderUnderflow = stream.HeaderUnderflowWait
	factory := StreamSessions(reg, cfg, stream.NewMetrics(nil))
	mgr := NewManager(factory, transport.FilterServer, zerolog.Nop(), nil)

	body, err := stream.AppendPayload(nil, 0x0102, []byte("guild"))
	require.NoError(t, err)
	msg, err := stream.EncodeMessage(7, body)
	require.NoError(t, err)

	mgr.OnConnectionStart(ctx, info("c1"))
	for i := range msg {
		mgr.OnBytes(ctx, "c1", transport.FromServer, msg[i:i+1])
	}
	// Client traffic with the same framing is not decoded.
	mgr.OnBytes(ctx, "c1", transport.FromClient, msg)
	mgr.OnConnectionEnd(ctx, "c1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"guild"}, recs)
}
