package record

import (
	"context"
	"errors"
	"time"
)

// ErrAlreadyExported is returned when a handler is exported a second time.
var ErrAlreadyExported = errors.New("record already exported")

// Handler assembles one record from one or more payload chunks.
type Handler interface {
	// Append adds the data of a continuation payload.
	Append(data []byte)
	// Export finalizes the record and hands it to the per-type decoder.
	Export(ctx context.Context) error
}

// Constructor creates a handler seeded with the data of the record's first payload.
type Constructor func(initial []byte) (Handler, error)

// Record is the byte concatenation of every payload that made up one record.
type Record struct {
	Type       uint16
	Data       []byte
	Chunks     int
	CapturedAt time.Time
}

// ExportFunc consumes a completed record.
type ExportFunc func(ctx context.Context, rec Record) error

// Accumulator is the base Handler. It keeps every chunk it is given and passes
// the concatenation to an ExportFunc exactly once.
type Accumulator struct {
	typ        uint16
	chunks     [][]byte
	size       int
	capturedAt time.Time
	export     ExportFunc
	exported   bool
}

var _ Handler = (*Accumulator)(nil)

// NewAccumulator returns an accumulator for payload type typ seeded with initial.
func NewAccumulator(typ uint16, initial []byte, export ExportFunc) *Accumulator {
	a := &Accumulator{
		typ:        typ,
		capturedAt: time.Now().UTC(),
		export:     export,
	}
	a.Append(initial)
	return a
}

// Accumulate returns a Constructor producing accumulators that export through fn.
func Accumulate(typ uint16, fn ExportFunc) Constructor {
	return func(initial []byte) (Handler, error) {
		return NewAccumulator(typ, initial, fn), nil
	}
}

// Append copies data into the accumulator.
func (a *Accumulator) Append(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	a.chunks = append(a.chunks, chunk)
	a.size += len(chunk)
}

// Record returns the record assembled so far.
func (a *Accumulator) Record() Record {
	data := make([]byte, 0, a.size)
	for _, c := range a.chunks {
		data = append(data, c...)
	}
	return Record{
		Type:       a.typ,
		Data:       data,
		Chunks:     len(a.chunks),
		CapturedAt: a.capturedAt,
	}
}

// Export hands the assembled record to the export function.
func (a *Accumulator) Export(ctx context.Context) error {
	if a.exported {
		return ErrAlreadyExported
	}
	a.exported = true

	if a.export == nil {
		return nil
	}
	return a.export(ctx, a.Record())
}
