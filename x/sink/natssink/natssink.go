// Package natssink publishes decoded records to NATS subjects.
package natssink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Config holds NATS publishing configuration
type Config struct {
	Enabled    bool          `mapstructure:"enabled"     yaml:"enabled"`
	URL        string        `mapstructure:"url"         yaml:"url"`
	Subject    string        `mapstructure:"subject"     yaml:"subject"`
	Timeout    time.Duration `mapstructure:"timeout"     yaml:"timeout"`
	ClientName string        `mapstructure:"client_name" yaml:"client_name"`
}

// DefaultConfig returns disabled publishing against a local server
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		URL:        nats.DefaultURL,
		Subject:    "recordtap.guild.members",
		Timeout:    5 * time.Second,
		ClientName: "recordtap",
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	if c.Subject == "" {
		return errors.New("nats.subject is required when nats is enabled")
	}
	if c.Timeout <= 0 {
		return errors.New("nats.timeout must be positive")
	}
	return nil
}

// Publisher is the subset of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// Sink JSON-encodes values and publishes them.
type Sink struct {
	pub     Publisher
	conn    *nats.Conn
	subject string
	timeout time.Duration
	log     zerolog.Logger
}

// Connect dials the NATS server described by cfg.
func Connect(ctx context.Context, cfg Config, log zerolog.Logger) (*Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log = log.With().Str("component", "nats-sink").Logger()
	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("NATS sink connected")

	s := New(conn, cfg.Subject, cfg.Timeout, log)
	s.conn = conn
	return s, nil
}

// New wraps an existing publisher.
func New(pub Publisher, subject string, timeout time.Duration, log zerolog.Logger) *Sink {
	return &Sink{
		pub:     pub,
		subject: subject,
		timeout: timeout,
		log:     log,
	}
}

// Subject returns the default subject.
func (s *Sink) Subject() string { return s.subject }

// Publish encodes v as JSON and publishes it on subject, or on the default
// subject when subject is empty.
func (s *Sink) Publish(ctx context.Context, subject string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if subject == "" {
		subject = s.subject
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message for %s: %w", subject, err)
	}
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	s.log.Debug().Str("subject", subject).Int("size", len(data)).Msg("Published")
	return nil
}

// Flush waits until the server has processed everything published so far.
func (s *Sink) Flush(ctx context.Context) error {
	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout || timeout <= 0 {
			timeout = d
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	return s.pub.FlushTimeout(timeout)
}

// Close drains and closes a connection opened by Connect.
func (s *Sink) Close() error {
	if s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
