package guild

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/compose-network/recordtap/x/record"
)

// Exporter turns completed guild-members records into rows and hands them to
// every writer. A failing writer does not stop the others.
type Exporter struct {
	writers []Writer
	log     zerolog.Logger
}

// NewExporter creates an exporter
func NewExporter(log zerolog.Logger, writers ...Writer) *Exporter {
	return &Exporter{
		writers: writers,
		log:     log.With().Str("component", "guild-exporter").Logger(),
	}
}

// Export decodes rec and writes its rows.
func (e *Exporter) Export(ctx context.Context, rec record.Record) error {
	members, err := Decode(rec.Data)
	if err != nil {
		return err
	}

	rows := make([]Row, len(members))
	for i, m := range members {
		rows[i] = NewRow(m, rec.CapturedAt)
	}
	e.log.Debug().
		Int("members", len(rows)).
		Int("chunks", rec.Chunks).
		Int("size", len(rec.Data)).
		Msg("Guild members decoded")

	var errs []error
	for _, w := range e.writers {
		if err := w.WriteRows(ctx, rec.CapturedAt, rows); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("guild members export: %w", errors.Join(errs...))
	}
	return nil
}

// Entry registers the exporter for PayloadType.
func (e *Exporter) Entry() record.Entry {
	return record.Entry{
		Type: PayloadType,
		Name: "guild_members",
		New:  record.Accumulate(PayloadType, e.Export),
	}
}
