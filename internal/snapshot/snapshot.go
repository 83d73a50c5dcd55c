// Package snapshot materialises immutable, ordered views of simulation state
// for the inspector.
package snapshot

import (
	"strconv"

	"github.com/signalsfoundry/synaptic-view/model"
)

// Display keys of the aggregate view, in their fixed order.
const (
	KeyTick   = "Tick Count"
	KeyRate   = "Tick Rate"
	KeyCount  = "Total Entities"
	KeyStatus = "System Status"
)

// Kind tells what a snapshot shows.
type Kind int

const (
	KindAggregate Kind = iota
	KindEntity
)

func (k Kind) String() string {
	switch k {
	case KindAggregate:
		return "aggregate"
	case KindEntity:
		return "entity"
	default:
		return "unknown"
	}
}

// Entry is one display row.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Snapshot is a point-in-time ordered mapping of display keys to display
// values. It has no mutators and every accessor returns a copy, so a
// snapshot can be handed to another goroutine freely.
type Snapshot struct {
	kind    Kind
	entity  model.EntityID
	tick    uint64
	entries []Entry
}

// FromMetrics builds the aggregate view.
func FromMetrics(m model.AggregateMetrics) Snapshot {
	return Snapshot{
		kind: KindAggregate,
		tick: m.Tick,
		entries: []Entry{
			{Key: KeyTick, Value: strconv.FormatUint(m.Tick, 10)},
			{Key: KeyRate, Value: strconv.FormatFloat(m.Rate, 'f', 1, 64)},
			{Key: KeyCount, Value: strconv.Itoa(m.Count)},
			{Key: KeyStatus, Value: m.Status},
		},
	}
}

// FromEntity builds the single-entity view: template keys first, then the
// entity's extension attributes in insertion order.
func FromEntity(e model.Entity, tick uint64) Snapshot {
	attrs := e.Attributes()
	entries := make([]Entry, 0, attrs.Len())
	attrs.Range(func(key string, value any) bool {
		entries = append(entries, Entry{Key: key, Value: model.FormatValue(value)})
		return true
	})
	return Snapshot{
		kind:    KindEntity,
		entity:  e.ID,
		tick:    tick,
		entries: entries,
	}
}

// Kind reports what the snapshot shows.
func (s Snapshot) Kind() Kind { return s.kind }

// EntityID returns the entity shown, or 0 for the aggregate view.
func (s Snapshot) EntityID() model.EntityID { return s.entity }

// Tick is the simulation tick the snapshot was taken at.
func (s Snapshot) Tick() uint64 { return s.tick }

// Len returns the number of rows.
func (s Snapshot) Len() int { return len(s.entries) }

// IsZero reports whether s is the zero Snapshot (never published).
func (s Snapshot) IsZero() bool { return s.entries == nil }

// Entries returns a copy of the rows in display order.
func (s Snapshot) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Keys returns the display keys in order.
func (s Snapshot) Keys() []string {
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Key
	}
	return out
}

// Get returns the display value for key.
func (s Snapshot) Get(key string) (string, bool) {
	for _, e := range s.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Equal reports whether s and o show the same rows for the same subject.
// The tick is not compared.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.kind != o.kind || s.entity != o.entity || len(s.entries) != len(o.entries) {
		return false
	}
	for i := range s.entries {
		if s.entries[i] != o.entries[i] {
			return false
		}
	}
	return true
}
