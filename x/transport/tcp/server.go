package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/compose-network/recordtap/x/transport"
)

// Dialer opens the upstream side of a relayed connection.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Server accepts client connections, relays each one to the upstream address
// and taps the traffic into an Observer.
type Server struct {
	cfg      transport.Config
	observer transport.Observer
	log      zerolog.Logger
	dialer   Dialer
	metrics  *Metrics

	mu       sync.RWMutex
	listener net.Listener
	conns    map[string]*connection

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewServer creates a relay server
func NewServer(cfg transport.Config, observer transport.Observer, log zerolog.Logger) *Server {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = transport.DefaultConfig().MaxConnections
	}

	return &Server{
		cfg:      cfg,
		observer: observer,
		log:      log.With().Str("component", "tcp-relay").Logger(),
		dialer:   &net.Dialer{Timeout: cfg.DialTimeout},
		metrics:  NewMetrics(nil),
		conns:    make(map[string]*connection),
		slots:    make(chan struct{}, cfg.MaxConnections),
	}
}

// WithDialer replaces the upstream dialer.
func (s *Server) WithDialer(d Dialer) *Server {
	s.dialer = d
	return s
}

// WithMetrics replaces the unregistered default metrics.
func (s *Server) WithMetrics(m *Metrics) *Server {
	s.metrics = m
	return s
}

// Listen binds the listen address.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start listens and serves until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections on the bound listener until ctx is canceled, then
// closes every relayed connection and waits for their teardown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info().
		Str("listen_addr", ln.Addr().String()).
		Str("upstream_addr", s.cfg.UpstreamAddr).
		Msg("Relay server starting")

	for {
		client, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			s.metrics.RecordError("accept")
			continue
		}

		select {
		case s.slots <- struct{}{}:
		default:
			s.log.Warn().
				Str("remote_addr", client.RemoteAddr().String()).
				Int("max_connections", s.cfg.MaxConnections).
				Msg("Connection limit reached, rejecting client")
			s.metrics.RecordConnection(stateRejected)
			_ = client.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.handle(ctx, client)
		}()
	}

	s.wg.Wait()
	s.log.Info().Msg("Relay server stopped")
	return nil
}

func (s *Server) handle(ctx context.Context, client net.Conn) {
	dialCtx := ctx
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}

	upstream, err := s.dialer.DialContext(dialCtx, "tcp", s.cfg.UpstreamAddr)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("remote_addr", client.RemoteAddr().String()).
			Str("upstream_addr", s.cfg.UpstreamAddr).
			Msg("Failed to dial upstream")
		s.metrics.RecordConnection(stateDialFailed)
		_ = client.Close()
		return
	}

	timeouts := TimeoutConfig{Dial: s.cfg.DialTimeout, Idle: s.cfg.IdleTimeout}
	c := newConnection(client, upstream, uuid.NewString(), s.observer, timeouts, s.cfg.ReadBufferSize, s.log, s.metrics)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
	}()

	c.run(ctx)
}

// Connections returns information about every live relayed connection.
func (s *Server) Connections() []transport.ConnectionInfo {
	s.mu.RLock()
	out := make([]transport.ConnectionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.Info())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}
