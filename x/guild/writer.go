package guild

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Writer stores the rows decoded from one record.
type Writer interface {
	WriteRows(ctx context.Context, logTime time.Time, rows []Row) error
}

// maxNameAttempts bounds the numeric suffixes tried when a file name is taken.
const maxNameAttempts = 100

// CSVWriter writes each record to its own CSV file in a directory.
type CSVWriter struct {
	dir string
	log zerolog.Logger
}

// NewCSVWriter creates a CSV writer for dir
func NewCSVWriter(dir string, log zerolog.Logger) *CSVWriter {
	if dir == "" {
		dir = "."
	}
	return &CSVWriter{dir: dir, log: log.With().Str("writer", "csv").Logger()}
}

// FileName returns the base name used for a record captured at logTime.
func FileName(logTime time.Time) string {
	return "recordtap_guildmembers_" + logTime.UTC().Format("20060102T150405Z") + ".csv"
}

// WriteRows writes a header and rows to a new file named after logTime. A
// numeric suffix is added when two records share a second.
func (w *CSVWriter) WriteRows(ctx context.Context, logTime time.Time, rows []Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", w.dir, err)
	}

	f, path, err := w.create(logTime)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(Columns); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	for _, r := range rows {
		if err := cw.Write(r.Strings()); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	w.log.Info().Str("file", path).Int("rows", len(rows)).Msg("Guild members data written")
	return nil
}

func (w *CSVWriter) create(logTime time.Time) (*os.File, string, error) {
	base := FileName(logTime)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	for i := 0; i < maxNameAttempts; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(w.dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, path, fmt.Errorf("failed to create %s: %w", path, err)
		}
	}
	return nil, "", fmt.Errorf("no free file name for %s in %s", base, w.dir)
}

// Publisher publishes a JSON-encodable value.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Batch is the message published for one record.
type Batch struct {
	LogTime string `json:"logTime"`
	Count   int    `json:"count"`
	Rows    []Row  `json:"rows"`
}

// PublishWriter publishes each record as one Batch.
type PublishWriter struct {
	pub     Publisher
	subject string
}

// NewPublishWriter publishes on subject; an empty subject uses the
// publisher's default.
func NewPublishWriter(pub Publisher, subject string) *PublishWriter {
	return &PublishWriter{pub: pub, subject: subject}
}

// WriteRows publishes rows as a single batch.
func (w *PublishWriter) WriteRows(ctx context.Context, logTime time.Time, rows []Row) error {
	return w.pub.Publish(ctx, w.subject, Batch{
		LogTime: FormatLogTime(logTime),
		Count:   len(rows),
		Rows:    rows,
	})
}
