// Package handoff provides the single-slot, latest-wins mailbox used to pass
// values between the simulation and inspection goroutines.
//
// Publish never blocks: a value the consumer has not drained yet is simply
// replaced, and the replacement is counted as an overrun. A consumer that
// falls behind therefore only ever sees the newest value.
package handoff

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Take once the mailbox is closed and drained.
var ErrClosed = errors.New("mailbox closed")

// OverrunRecorder is notified every time an undrained value is overwritten.
type OverrunRecorder interface {
	IncHandoffOverrun(mailbox string)
}

// Mailbox is a guarded single slot. The zero value is not usable; construct
// one with New.
type Mailbox[T any] struct {
	name string

	mu     sync.Mutex
	value  T
	full   bool
	closed bool

	// ready holds at most one token; it is signalled when the slot goes from
	// empty to full.
	ready chan struct{}
	done  chan struct{}

	published atomic.Uint64
	taken     atomic.Uint64
	overruns  atomic.Uint64

	recorder OverrunRecorder
}

// Option customises a Mailbox.
type Option func(*options)

type options struct {
	recorder OverrunRecorder
}

// WithOverrunRecorder reports overruns to r.
func WithOverrunRecorder(r OverrunRecorder) Option {
	return func(o *options) { o.recorder = r }
}

// New constructs an empty mailbox. name labels overrun metrics.
func New[T any](name string, opts ...Option) *Mailbox[T] {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Mailbox[T]{
		name:     name,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		recorder: o.recorder,
	}
}

// Name returns the label given at construction.
func (m *Mailbox[T]) Name() string { return m.name }

// Publish stores v, replacing any value still waiting. It reports whether a
// waiting value was overwritten. Publishing to a closed mailbox is a no-op.
func (m *Mailbox[T]) Publish(v T) (overrun bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	overrun = m.full
	m.value = v
	m.full = true
	m.mu.Unlock()

	m.published.Add(1)
	if overrun {
		m.overruns.Add(1)
		if m.recorder != nil {
			m.recorder.IncHandoffOverrun(m.name)
		}
		return true
	}

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return false
}

// TryTake removes and returns the waiting value, if any.
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if !m.full {
		return zero, false
	}
	v := m.value
	m.value = zero
	m.full = false
	m.taken.Add(1)
	return v, true
}

// Take waits for a value. It returns ctx.Err() if ctx ends first and
// ErrClosed once the mailbox is closed with nothing left to drain.
func (m *Mailbox[T]) Take(ctx context.Context) (T, error) {
	for {
		if v, ok := m.TryTake(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-m.done:
			if v, ok := m.TryTake(); ok {
				return v, nil
			}
			var zero T
			return zero, ErrClosed
		case <-m.ready:
		}
	}
}

// Ready is signalled when a value becomes available. A receive from Ready
// does not guarantee TryTake succeeds; another consumer may win the race.
func (m *Mailbox[T]) Ready() <-chan struct{} { return m.ready }

// Done is closed by Close.
func (m *Mailbox[T]) Done() <-chan struct{} { return m.done }

// Close stops accepting values. A value already waiting can still be taken.
// Close is idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

// Stats is a point-in-time view of mailbox counters.
type Stats struct {
	Published uint64
	Taken     uint64
	Overruns  uint64
}

// Stats returns the mailbox counters.
func (m *Mailbox[T]) Stats() Stats {
	return Stats{
		Published: m.published.Load(),
		Taken:     m.taken.Load(),
		Overruns:  m.overruns.Load(),
	}
}
