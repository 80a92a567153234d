// Package tap keeps one decoder session per tapped connection and direction.
package tap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/recordtap/x/record"
	"github.com/compose-network/recordtap/x/stream"
	"github.com/compose-network/recordtap/x/transport"
)

// DefaultCloseTimeout bounds how long a session may drain at teardown.
const DefaultCloseTimeout = 5 * time.Second

// SessionFactory opens a decoder session for one direction of a connection.
type SessionFactory func(ctx context.Context, log zerolog.Logger) stream.Session

// StreamSessions returns a factory backed by stream.NewSession.
func StreamSessions(registry record.Registry, cfg stream.Config, m *stream.Metrics) SessionFactory {
	return func(ctx context.Context, log zerolog.Logger) stream.Session {
		return stream.NewSession(ctx, registry, cfg, log, m)
	}
}

// lane is the decoder state of one direction. Its mutex serializes Submit
// against Close.
type lane struct {
	mu      sync.Mutex
	dir     transport.Direction
	session stream.Session
	closed  bool
}

type tapped struct {
	info  transport.ConnectionInfo
	log   zerolog.Logger
	lanes map[transport.Direction]*lane
	last  atomic.Int64

	fromClient atomic.Uint64
	fromServer atomic.Uint64
}

// Connection describes a tapped connection and the directions it decodes.
type Connection struct {
	transport.ConnectionInfo
	Decoding []string `json:"decoding"`
}

// Manager implements transport.Observer. It creates sessions on connection
// start, routes chunks by connection and direction, and tears sessions down
// on end or error.
type Manager struct {
	factory      SessionFactory
	filter       transport.DirectionFilter
	closeTimeout time.Duration
	log          zerolog.Logger
	metrics      *Metrics

	mu     sync.RWMutex
	conns  map[string]*tapped
	closed bool
}

var _ transport.Observer = (*Manager)(nil)

// NewManager creates a connection manager
func NewManager(factory SessionFactory, filter transport.DirectionFilter, log zerolog.Logger, m *Metrics) *Manager {
	if m == nil {
		m = NewMetrics(nil)
	}
	if filter == "" {
		filter = transport.FilterServer
	}

	return &Manager{
		factory:      factory,
		filter:       filter,
		closeTimeout: DefaultCloseTimeout,
		log:          log.With().Str("component", "tap-manager").Logger(),
		metrics:      m,
		conns:        make(map[string]*tapped),
	}
}

// WithCloseTimeout overrides DefaultCloseTimeout.
func (m *Manager) WithCloseTimeout(d time.Duration) *Manager {
	m.closeTimeout = d
	return m
}

// OnConnectionStart opens a session for every direction the filter allows.
func (m *Manager) OnConnectionStart(ctx context.Context, info transport.ConnectionInfo) {
	log := m.log.With().Str("conn_id", info.ID).Logger()

	t := &tapped{
		info:  info,
		log:   log,
		lanes: make(map[transport.Direction]*lane, 2),
	}
	t.last.Store(info.ConnectedAt.UnixNano())

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		log.Warn().Msg("Manager closed, connection not tapped")
		return
	}
	if _, ok := m.conns[info.ID]; ok {
		log.Warn().Msg("Duplicate connection start ignored")
		return
	}

	for _, dir := range []transport.Direction{transport.FromClient, transport.FromServer} {
		if !m.filter.Allows(dir) {
			continue
		}
		dlog := log.With().Str("direction", dir.String()).Logger()
		t.lanes[dir] = &lane{dir: dir, session: m.factory(ctx, dlog)}
		m.metrics.SessionsActive.Inc()
	}

	m.conns[info.ID] = t
	m.metrics.ConnectionsTotal.WithLabelValues(eventOpened).Inc()
	m.metrics.ConnectionsActive.Inc()

	log.Debug().
		Str("remote_addr", info.RemoteAddr).
		Str("filter", string(m.filter)).
		Int("sessions", len(t.lanes)).
		Msg("Connection tapped")
}

// OnBytes hands chunk to the session of its direction.
func (m *Manager) OnBytes(ctx context.Context, connID string, dir transport.Direction, chunk []byte) {
	m.mu.RLock()
	t, ok := m.conns[connID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	t.last.Store(time.Now().UnixNano())
	if dir == transport.FromClient {
		t.fromClient.Add(uint64(len(chunk)))
	} else {
		t.fromServer.Add(uint64(len(chunk)))
	}
	m.metrics.BytesTotal.WithLabelValues(dir.String()).Add(float64(len(chunk)))

	l, ok := t.lanes[dir]
	if !ok {
		m.metrics.FilteredBytes.WithLabelValues(dir.String()).Add(float64(len(chunk)))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if err := l.session.Submit(ctx, chunk); err != nil {
		m.metrics.SessionErrors.WithLabelValues("submit").Inc()
		t.log.Debug().Err(err).Str("direction", dir.String()).Msg("Chunk not decoded")
	}
}

// OnConnectionEnd tears the connection's sessions down.
func (m *Manager) OnConnectionEnd(ctx context.Context, connID string) {
	t := m.remove(connID)
	if t == nil {
		return
	}
	m.metrics.ConnectionsTotal.WithLabelValues(eventClosed).Inc()
	if err := m.teardown(ctx, t); err != nil {
		t.log.Warn().Err(err).Msg("Session teardown failed")
	}
}

// OnConnectionError tears the connection's sessions down after a relay failure.
func (m *Manager) OnConnectionError(ctx context.Context, connID string, err error) {
	t := m.remove(connID)
	if t == nil {
		return
	}
	m.metrics.ConnectionsTotal.WithLabelValues(eventFailed).Inc()
	t.log.Warn().Err(err).Msg("Tapped connection failed")
	if terr := m.teardown(ctx, t); terr != nil {
		t.log.Warn().Err(terr).Msg("Session teardown failed")
	}
}

// Connections returns the tapped connections ordered by start time.
func (m *Manager) Connections() []Connection {
	m.mu.RLock()
	out := make([]Connection, 0, len(m.conns))
	for _, t := range m.conns {
		out = append(out, t.snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Close tears down every open session and refuses new connections.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := m.conns
	m.conns = make(map[string]*tapped)
	m.mu.Unlock()

	var errs []error
	for id, t := range conns {
		m.metrics.ConnectionsActive.Dec()
		m.metrics.ConnectionsTotal.WithLabelValues(eventClosed).Inc()
		if err := m.teardown(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", id, err))
		}
	}

	if len(conns) > 0 {
		m.log.Info().Int("connections", len(conns)).Msg("Closed remaining tapped connections")
	}
	return errors.Join(errs...)
}

func (m *Manager) remove(connID string) *tapped {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.conns[connID]
	if !ok {
		return nil
	}
	delete(m.conns, connID)
	m.metrics.ConnectionsActive.Dec()
	return t
}

func (m *Manager) teardown(ctx context.Context, t *tapped) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.closeTimeout)
	defer cancel()

	var errs []error
	for _, l := range t.lanes {
		l.mu.Lock()
		if !l.closed {
			l.closed = true
			m.metrics.SessionsActive.Dec()
			if err := l.session.Close(ctx); err != nil {
				m.metrics.SessionErrors.WithLabelValues("close").Inc()
				errs = append(errs, fmt.Errorf("%s session: %w", l.dir, err))
			}
		}
		l.mu.Unlock()
	}

	t.log.Debug().Msg("Connection untapped")
	return errors.Join(errs...)
}

func (t *tapped) snapshot() Connection {
	info := t.info
	info.LastSeen = time.Unix(0, t.last.Load())
	info.BytesFromClient = t.fromClient.Load()
	info.BytesFromServer = t.fromServer.Load()

	c := Connection{ConnectionInfo: info, Decoding: make([]string, 0, len(t.lanes))}
	for dir := range t.lanes {
		c.Decoding = append(c.Decoding, dir.String())
	}
	sort.Strings(c.Decoding)
	return c
}
