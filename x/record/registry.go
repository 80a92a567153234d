package record

import (
	"fmt"
	"sort"
)

// Entry binds a payload type to the constructor of its record handler.
type Entry struct {
	Type uint16
	Name string
	New  Constructor
}

// Registry is a read-only mapping from payload type to handler constructor.
type Registry interface {
	// Lookup returns the constructor for t, if t is a known type.
	Lookup(t uint16) (Constructor, bool)
	// Entries returns the registered entries ordered by type.
	Entries() []Entry
}

// registry implements Registry; it is never mutated after construction, so it
// can be shared by every connection without locking.
type registry struct {
	entries map[uint16]Entry
}

// NewRegistry builds a registry from entries. Duplicate types and nil
// constructors are rejected.
func NewRegistry(entries ...Entry) (Registry, error) {
	r := &registry{
		entries: make(map[uint16]Entry, len(entries)),
	}

	for _, e := range entries {
		if e.New == nil {
			return nil, fmt.Errorf("payload type 0x%04x has no constructor", e.Type)
		}
		if _, exists := r.entries[e.Type]; exists {
			return nil, fmt.Errorf("payload type 0x%04x registered twice", e.Type)
		}
		r.entries[e.Type] = e
	}

	return r, nil
}

// Lookup retrieves a constructor by payload type
func (r *registry) Lookup(t uint16) (Constructor, bool) {
	e, ok := r.entries[t]
	if !ok {
		return nil, false
	}
	return e.New, true
}

// Entries returns a copy of the registrations for inspection
func (r *registry) Entries() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
