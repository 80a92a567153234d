package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/compose-network/recordtap/recordtap-app/config"
	apisrv "github.com/compose-network/recordtap/server/api"
	"github.com/compose-network/recordtap/x/guild"
	"github.com/compose-network/recordtap/x/record"
	"github.com/compose-network/recordtap/x/sink/natssink"
	"github.com/compose-network/recordtap/x/stream"
	"github.com/compose-network/recordtap/x/tap"
	"github.com/compose-network/recordtap/x/transport/tcp"
)

const shutdownTimeout = 30 * time.Second

// App represents the record tap application
type App struct {
	cfg *config.Config
	log zerolog.Logger

	metrics  *prometheus.Registry
	registry record.Registry
	sink     *natssink.Sink
	manager  *tap.Manager
	relay    *tcp.Server

	// API server (HTTP)
	apiServer *apisrv.Server

	// Shutdown management
	shutdownFns []func() error
	relayDone   chan error

	cancel context.CancelFunc
}

// NewApp creates a new application instance
func NewApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	app := &App{
		cfg:         cfg,
		log:         log.With().Str("component", "app").Logger(),
		shutdownFns: make([]func() error, 0),
	}

	if err := app.initialize(ctx); err != nil {
		app.runShutdownFns()
		return nil, fmt.Errorf("failed to initialize app: %w", err)
	}

	return app, nil
}

// initialize sets up the application components
func (a *App) initialize(ctx context.Context) error {
	if a.cfg.Relay.UpstreamAddr == "" {
		return errors.New("relay.upstream_addr is required")
	}

	a.initializeMetrics()

	if err := a.initializeSink(ctx); err != nil {
		return err
	}
	if err := a.initializeRegistry(); err != nil {
		return err
	}

	a.initializeRelay()
	a.initializeAPIServer()
	return nil
}

// initializeMetrics creates the process-wide Prometheus registry
func (a *App) initializeMetrics() {
	reg := prometheus.NewRegistry()
	if a.cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	a.metrics = reg
}

// registerer returns nil when metrics are off so collectors stay unregistered
func (a *App) registerer() prometheus.Registerer {
	if !a.cfg.Metrics.Enabled {
		return nil
	}
	return a.metrics
}

// initializeSink connects the NATS publisher if enabled
func (a *App) initializeSink(ctx context.Context) error {
	if !a.cfg.NATS.Enabled {
		return nil
	}

	sink, err := natssink.Connect(ctx, a.cfg.NATS, a.log)
	if err != nil {
		return err
	}
	a.sink = sink
	a.shutdownFns = append(a.shutdownFns, sink.Close)
	return nil
}

// initializeRegistry builds the payload type to record decoder table
func (a *App) initializeRegistry() error {
	var pub guild.Publisher
	if a.sink != nil {
		pub = a.sink
	}

	reg, err := buildRegistry(a.cfg.Records, pub, a.log)
	if err != nil {
		return fmt.Errorf("failed to build record registry: %w", err)
	}
	a.registry = reg

	for _, e := range reg.Entries() {
		a.log.Info().
			Str("payload_type", stream.TypeLabel(e.Type)).
			Str("name", e.Name).
			Msg("Record decoder registered")
	}
	return nil
}

// initializeRelay wires the TCP relay to the connection manager
func (a *App) initializeRelay() {
	streamMetrics := stream.NewMetrics(a.registerer())
	factory := tap.StreamSessions(a.registry, a.cfg.Decoder.Config, streamMetrics)

	a.manager = tap.NewManager(factory, a.cfg.Decoder.Direction, a.log, tap.NewMetrics(a.registerer()))
	a.relay = tcp.NewServer(a.cfg.Relay, a.manager, a.log).WithMetrics(tcp.NewMetrics(a.registerer()))
}

// initializeAPIServer sets up the HTTP API server
func (a *App) initializeAPIServer() {
	if !a.cfg.API.Enabled {
		return
	}

	s := apisrv.NewServer(a.cfg.API, a.log)
	deps := apisrv.Deps{
		Version:     Version,
		Connections: a.manager,
		Registry:    a.registry,
	}
	if a.cfg.Metrics.Enabled {
		deps.MetricsPath = a.cfg.Metrics.Path
		deps.Gatherer = a.metrics
		deps.Registerer = a.metrics
	}
	apisrv.RegisterRoutes(s, deps)

	a.apiServer = s
}

// Run starts the application and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.relay.Listen(runCtx); err != nil {
		cancel()
		a.runShutdownFns()
		return fmt.Errorf("failed to start relay: %w", err)
	}

	a.relayDone = make(chan error, 1)
	go func() { a.relayDone <- a.relay.Serve(runCtx) }()

	// Start API server
	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.Start(runCtx); err != nil {
				a.log.Error().Err(err).Msg("API server error")
			}
		}()
	}

	return a.runWithGracefulShutdown(runCtx)
}

// runWithGracefulShutdown handles shutdown signals.
func (a *App) runWithGracefulShutdown(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a.log.Info().
		Str("listen_addr", a.relay.Addr().String()).
		Str("upstream_addr", a.cfg.Relay.UpstreamAddr).
		Str("direction", string(a.cfg.Decoder.Direction)).
		Msg("Record tap started successfully")

	select {
	case <-ctx.Done():
		a.log.Info().Msg("Context canceled, initiating shutdown")
	case sig := <-sigCh:
		a.log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-a.relayDone:
		a.relayDone <- err
		a.log.Warn().Err(err).Msg("Relay stopped unexpectedly")
	}

	if a.cancel != nil {
		a.cancel()
	}

	return a.shutdown()
}

// shutdown waits for the relay to drain its connections, tears down any
// decoder left open and runs the shutdown functions.
func (a *App) shutdown() error {
	a.log.Info().Msg("Initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var relayErr error
	select {
	case relayErr = <-a.relayDone:
	case <-shutdownCtx.Done():
		a.log.Error().Msg("Timed out waiting for relay connections to close")
	}

	if err := a.manager.Close(shutdownCtx); err != nil {
		a.log.Error().Err(err).Msg("Connection manager shutdown error")
	}

	if a.sink != nil {
		if err := a.sink.Flush(shutdownCtx); err != nil {
			a.log.Error().Err(err).Msg("NATS flush error")
		}
	}

	a.runShutdownFns()

	a.log.Info().Msg("Graceful shutdown complete")
	return relayErr
}

func (a *App) runShutdownFns() {
	for _, fn := range a.shutdownFns {
		if err := fn(); err != nil {
			a.log.Error().Err(err).Msg("Shutdown function error")
		}
	}
	a.shutdownFns = nil
}
