package stream

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// HeaderUnderflowPolicy decides what the framer does with fewer than
// MessageHeaderLen bytes buffered while it waits for a new message.
type HeaderUnderflowPolicy string

const (
	// HeaderUnderflowDiscard drops the short buffer and waits for a fresh header.
	HeaderUnderflowDiscard HeaderUnderflowPolicy = "discard"
	// HeaderUnderflowWait keeps the partial header until more bytes arrive.
	HeaderUnderflowWait HeaderUnderflowPolicy = "wait"
)

// Valid reports whether p is a known policy.
func (p HeaderUnderflowPolicy) Valid() bool {
	return p == HeaderUnderflowDiscard || p == HeaderUnderflowWait
}

// Consumer receives payloads in wire order.
type Consumer interface {
	Accept(ctx context.Context, p Payload)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, p Payload)

// Accept calls f(ctx, p).
func (f ConsumerFunc) Accept(ctx context.Context, p Payload) { f(ctx, p) }

// Framer turns arbitrarily chunked bytes of one connection into message
// bodies and feeds their payloads to a Consumer. It is not safe for
// concurrent use.
type Framer struct {
	buf      []byte
	policy   HeaderUnderflowPolicy
	consumer Consumer
	log      zerolog.Logger
	metrics  *Metrics
}

// NewFramer creates a framer delivering payloads to consumer.
func NewFramer(consumer Consumer, policy HeaderUnderflowPolicy, log zerolog.Logger, m *Metrics) *Framer {
	if !policy.Valid() {
		policy = HeaderUnderflowDiscard
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Framer{
		policy:   policy,
		consumer: consumer,
		log:      log.With().Str("component", "framer").Logger(),
		metrics:  m,
	}
}

// Submit appends chunk to the buffer and extracts every complete message.
// Malformed input is dropped and logged; it never fails the caller.
func (f *Framer) Submit(ctx context.Context, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	f.metrics.BytesTotal.Add(float64(len(chunk)))
	f.buf = append(f.buf, chunk...)

	for {
		if len(f.buf) < MessageHeaderLen {
			if f.policy == HeaderUnderflowWait {
				return
			}
			f.log.Warn().
				Int("len", len(f.buf)).
				Hex("buffer", f.buf).
				Msg("Message skipped due to insufficient length")
			f.metrics.HeaderUnderflowsTotal.Inc()
			f.metrics.DiscardedBytesTotal.WithLabelValues("header_underflow").Add(float64(len(f.buf)))
			f.buf = f.buf[:0]
			return
		}

		id, total := parseMessageHeader(f.buf)
		if len(f.buf) < total {
			return
		}

		f.metrics.MessagesTotal.Inc()
		f.split(ctx, id, f.buf[MessageHeaderLen:total])

		if len(f.buf) == total {
			f.buf = f.buf[:0]
			return
		}
		f.buf = f.buf[total:]
	}
}

// split hands every valid payload of body to the consumer, then reports an
// abandoned remainder, if any.
func (f *Framer) split(ctx context.Context, id uint32, body []byte) {
	s := NewSplitter(body, id)
	for {
		p, ok := s.Next()
		if !ok {
			break
		}
		f.consumer.Accept(ctx, p)
	}

	if err := s.Err(); err != nil {
		reason := "overrun"
		if errors.Is(err, ErrShortPayloadHeader) {
			reason = "short_header"
		}
		f.log.Error().
			Err(err).
			Uint32("msg_id", id).
			Int("dropped", s.Dropped()).
			Msg("Malformed payload")
		f.metrics.PayloadErrorsTotal.WithLabelValues(reason).Inc()
		f.metrics.DiscardedBytesTotal.WithLabelValues("payload_" + reason).Add(float64(s.Dropped()))
	}
}

// Buffered returns the number of bytes waiting for a complete message.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any buffered bytes.
func (f *Framer) Reset() {
	f.buf = nil
}
