// Package selection carries the inspector's choice of what to observe back
// to the simulation.
package selection

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/signalsfoundry/synaptic-view/model"
)

// AggregateLabel is how the aggregate option is presented to users.
const AggregateLabel = "Game Metrics"

// ErrInvalidSelection is returned by Parse for labels that name neither the
// aggregate view nor an entity.
var ErrInvalidSelection = errors.New("invalid selection")

// Selection is either the aggregate view or a single entity. The zero value
// is the aggregate view.
type Selection struct {
	id model.EntityID
}

// Aggregate selects the aggregate metrics view.
func Aggregate() Selection { return Selection{} }

// Entity selects a single entity. Entity(0) is the aggregate view, since 0
// is never issued as an identity.
func Entity(id model.EntityID) Selection { return Selection{id: id} }

// IsAggregate reports whether s is the aggregate view.
func (s Selection) IsAggregate() bool { return s.id == 0 }

// EntityID returns the selected identity and whether one is selected.
func (s Selection) EntityID() (model.EntityID, bool) {
	return s.id, s.id != 0
}

// String returns the dropdown label for s.
func (s Selection) String() string {
	if s.IsAggregate() {
		return AggregateLabel
	}
	return s.id.String()
}

// Parse is the inverse of String. It also accepts "aggregate" and the empty
// string for the aggregate view.
func Parse(label string) (Selection, error) {
	label = strings.TrimSpace(label)
	switch {
	case label == "", label == AggregateLabel, strings.EqualFold(label, "aggregate"):
		return Aggregate(), nil
	}
	n, err := strconv.ParseUint(label, 10, 64)
	if err != nil {
		return Selection{}, fmt.Errorf("%w: %q", ErrInvalidSelection, label)
	}
	return Entity(model.EntityID(n)), nil
}

// Channel is the inspector → simulation selection signal. Set may be called
// from any goroutine; Load never observes a partially written value.
type Channel struct {
	current atomic.Uint64
	version atomic.Uint64

	// changed holds at most one pending notification.
	changed chan struct{}
}

// NewChannel returns a channel initialised to the aggregate view.
func NewChannel() *Channel {
	return &Channel{changed: make(chan struct{}, 1)}
}

// Set records s as the current selection.
func (c *Channel) Set(s Selection) {
	old := c.current.Swap(uint64(s.id))
	if old != uint64(s.id) {
		c.bump()
	}
}

// Load returns the current selection.
func (c *Channel) Load() Selection {
	return Selection{id: model.EntityID(c.current.Load())}
}

// RevertIfSelected switches back to the aggregate view only if id is still
// the current selection, so a newer choice made concurrently is kept. It
// reports whether the selection changed.
func (c *Channel) RevertIfSelected(id model.EntityID) bool {
	if id == 0 {
		return false
	}
	if !c.current.CompareAndSwap(uint64(id), 0) {
		return false
	}
	c.bump()
	return true
}

// Changes is signalled after the selection changes. Notifications coalesce:
// several changes between receives produce a single signal.
func (c *Channel) Changes() <-chan struct{} { return c.changed }

// Version increments on every effective change.
func (c *Channel) Version() uint64 { return c.version.Load() }

func (c *Channel) bump() {
	c.version.Add(1)
	select {
	case c.changed <- struct{}{}:
	default:
	}
}
