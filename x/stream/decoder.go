package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/compose-network/recordtap/x/record"
)

// ErrSessionClosed is returned by Submit after Close.
var ErrSessionClosed = errors.New("decoder session closed")

// Mode selects how a session chains the framer and the dispatcher.
type Mode string

const (
	// ModeSync runs framer and dispatcher in the caller's goroutine.
	ModeSync Mode = "sync"
	// ModePipeline runs them as two stages joined by in-order queues.
	ModePipeline Mode = "pipeline"
)

// Config holds per-connection decoder settings. FlushOnClose exports an
// unfinished record at teardown instead of dropping it.
type Config struct {
	Mode            Mode                  `mapstructure:"mode"             yaml:"mode"`
	HeaderUnderflow HeaderUnderflowPolicy `mapstructure:"header_underflow" yaml:"header_underflow"`
	FlushOnClose    bool                  `mapstructure:"flush_on_close"   yaml:"flush_on_close"`
}

// DefaultConfig returns the reference decoder behavior
func DefaultConfig() Config {
	return Config{
		Mode:            ModeSync,
		HeaderUnderflow: HeaderUnderflowDiscard,
		FlushOnClose:    false,
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.Mode != ModeSync && c.Mode != ModePipeline {
		return fmt.Errorf("decoder.mode must be %q or %q, got %q", ModeSync, ModePipeline, c.Mode)
	}
	if !c.HeaderUnderflow.Valid() {
		return fmt.Errorf("decoder.header_underflow must be %q or %q, got %q",
			HeaderUnderflowDiscard, HeaderUnderflowWait, c.HeaderUnderflow)
	}
	return nil
}

// Session decodes the byte stream of one connection.
type Session interface {
	// Submit hands the next chunk of the stream to the decoder.
	Submit(ctx context.Context, chunk []byte) error
	// Close tears the session down and releases its state.
	Close(ctx context.Context) error
}

// NewSession creates a session for cfg.Mode.
func NewSession(ctx context.Context, registry record.Registry, cfg Config, log zerolog.Logger, m *Metrics) Session {
	if cfg.Mode == ModePipeline {
		return NewPipeline(ctx, registry, cfg, log, m)
	}
	return NewDecoder(registry, cfg, log, m)
}

// Decoder is the synchronous Session: each Submit frames, splits and
// dispatches in the caller's goroutine, so records are exported before
// Submit returns.
type Decoder struct {
	cfg        Config
	framer     *Framer
	dispatcher *Dispatcher
	closed     bool
}

var _ Session = (*Decoder)(nil)

// NewDecoder creates a synchronous decoder
func NewDecoder(registry record.Registry, cfg Config, log zerolog.Logger, m *Metrics) *Decoder {
	if m == nil {
		m = NewMetrics(nil)
	}
	d := NewDispatcher(registry, log, m)
	return &Decoder{
		cfg:        cfg,
		framer:     NewFramer(d, cfg.HeaderUnderflow, log, m),
		dispatcher: d,
	}
}

// Submit decodes chunk.
func (d *Decoder) Submit(ctx context.Context, chunk []byte) error {
	if d.closed {
		return ErrSessionClosed
	}
	d.framer.Submit(ctx, chunk)
	return nil
}

// Close drops buffered bytes and ends the pending record per FlushOnClose.
func (d *Decoder) Close(ctx context.Context) error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.dispatcher.Close(ctx, d.cfg.FlushOnClose)
	d.framer.Reset()
	return nil
}

// Framer exposes the decoder's framer for inspection.
func (d *Decoder) Framer() *Framer { return d.framer }

// Dispatcher exposes the decoder's dispatcher for inspection.
func (d *Decoder) Dispatcher() *Dispatcher { return d.dispatcher }
