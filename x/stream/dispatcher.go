package stream

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/recordtap/x/record"
)

// SentinelMessageID marks a pending record that keeps accumulating whatever
// message ids follow, until a payload of another type arrives.
const SentinelMessageID = 0

// pending is the record currently being assembled on a connection.
type pending struct {
	typ     uint16
	msgID   uint32
	handler record.Handler
	size    int
	chunks  int
}

// Dispatcher reassembles payloads into records and exports them. It holds at
// most one pending record and is not safe for concurrent use.
type Dispatcher struct {
	registry record.Registry
	pending  *pending
	log      zerolog.Logger
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher resolving handlers through registry.
func NewDispatcher(registry record.Registry, log zerolog.Logger, m *Metrics) *Dispatcher {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Dispatcher{
		registry: registry,
		log:      log.With().Str("component", "dispatcher").Logger(),
		metrics:  m,
	}
}

// Accept processes one payload.
func (d *Dispatcher) Accept(ctx context.Context, p Payload) {
	d.metrics.PayloadsTotal.Inc()

	d.log.Trace().
		Uint32("msg_id", p.MessageID).
		Bool("eom", p.EndOfMessage).
		Uint16("payload_type", p.Type).
		Int("len", p.Len()).
		Msg("Payload")

	if pd := d.pending; pd != nil {
		if pd.typ == p.Type && (pd.msgID == SentinelMessageID || pd.msgID == p.MessageID) {
			pd.handler.Append(p.Data)
			pd.msgID = p.MessageID
			pd.size += len(p.Data)
			pd.chunks++

			if p.MessageID != SentinelMessageID && p.EndOfMessage {
				d.pending = nil
				d.export(ctx, pd, PathContinued)
			}
			return
		}

		d.pending = nil
		d.export(ctx, pd, PathSuperseded)
	}

	ctor, ok := d.registry.Lookup(p.Type)
	if !ok {
		d.metrics.UnknownPayloadsTotal.Inc()
		return
	}

	h, err := ctor(p.Data)
	if err != nil {
		d.log.Error().
			Err(err).
			Str("payload_type", TypeLabel(p.Type)).
			Msg("Unable to construct record handler")
		d.metrics.ExportFailuresTotal.WithLabelValues(TypeLabel(p.Type), "construct").Inc()
		return
	}

	pd := &pending{
		typ:     p.Type,
		msgID:   p.MessageID,
		handler: h,
		size:    len(p.Data),
		chunks:  1,
	}

	if p.MessageID != SentinelMessageID && p.EndOfMessage {
		d.export(ctx, pd, PathImmediate)
		return
	}
	d.pending = pd
}

// Pending reports the type and message id of the open record, if any.
func (d *Dispatcher) Pending() (typ uint16, msgID uint32, ok bool) {
	if d.pending == nil {
		return 0, 0, false
	}
	return d.pending.typ, d.pending.msgID, true
}

// Close ends the dispatcher's life. An open record is exported when flush is
// set and dropped otherwise.
func (d *Dispatcher) Close(ctx context.Context, flush bool) {
	pd := d.pending
	if pd == nil {
		return
	}
	d.pending = nil

	if flush {
		d.export(ctx, pd, PathTeardown)
		return
	}

	d.log.Warn().
		Str("payload_type", TypeLabel(pd.typ)).
		Uint32("msg_id", pd.msgID).
		Int("chunks", pd.chunks).
		Int("len", pd.size).
		Msg("Discarding unfinished record at teardown")
	d.metrics.PendingDiscardedTotal.Inc()
}

// export runs the handler's Export. Failures are logged and counted the same
// way on every path; the caller always carries on with the next payload.
func (d *Dispatcher) export(ctx context.Context, pd *pending, path string) {
	start := time.Now()
	err := pd.handler.Export(ctx)
	d.metrics.RecordExport(pd.typ, path, pd.size, pd.chunks, time.Since(start), err)

	if err != nil {
		d.log.Error().
			Err(err).
			Str("payload_type", TypeLabel(pd.typ)).
			Str("path", path).
			Msg("Unable to export data")
		return
	}

	d.log.Debug().
		Str("payload_type", TypeLabel(pd.typ)).
		Str("path", path).
		Int("chunks", pd.chunks).
		Int("len", pd.size).
		Msg("Record exported")
}
