package record

import (
	"context"
	"encoding/hex"

	"github.com/rs/zerolog"
)

// HexDump returns an ExportFunc that logs the record bytes at debug level.
func HexDump(log zerolog.Logger) ExportFunc {
	log = log.With().Str("component", "hexdump").Logger()
	return func(_ context.Context, rec Record) error {
		log.Debug().
			Uint16("payload_type", rec.Type).
			Int("chunks", rec.Chunks).
			Int("len", len(rec.Data)).
			Time("captured_at", rec.CapturedAt).
			Str("data", hex.EncodeToString(rec.Data)).
			Msg("Record exported")
		return nil
	}
}
