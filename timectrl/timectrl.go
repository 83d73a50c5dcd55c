package timectrl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrInvalidRate is returned for tick rates that are not positive and finite.
var ErrInvalidRate = errors.New("invalid tick rate")

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime paces ticks against the wall clock.
	RealTime Mode = iota
	// Accelerated runs ticks back to back, still stepping simulation time
	// by Interval each tick.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Tick describes one completed step.
type Tick struct {
	// N counts ticks from 1.
	N       uint64
	SimTime time.Time
}

// Listener is invoked once per tick on the controller's goroutine. A non-nil
// error stops the controller and is returned from Run.
type Listener func(ctx context.Context, t Tick) error

// TimeController drives simulation time and notifies registered listeners.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Interval  time.Duration
	Mode      Mode

	currentTime time.Time
	ticks       uint64

	listeners []Listener
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, interval time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Interval:    interval,
		Mode:        mode,
		currentTime: start,
	}
}

// IntervalForRate converts a rate in ticks per second into a tick interval.
func IntervalForRate(rate float64) (time.Duration, error) {
	if !(rate > 0) || math.IsInf(rate, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidRate, rate)
	}
	d := time.Duration(float64(time.Second) / rate)
	if d <= 0 {
		return 0, fmt.Errorf("%w: %v ticks/s is faster than the clock resolution", ErrInvalidRate, rate)
	}
	return d, nil
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// Ticks returns the number of completed ticks.
func (tc *TimeController) Ticks() uint64 {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.ticks
}

// AddListener registers a callback invoked on every tick, in registration
// order.
func (tc *TimeController) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Run ticks until ctx is done, maxTicks ticks have completed (0 means no
// limit) or a listener fails. Cancellation is not an error.
func (tc *TimeController) Run(ctx context.Context, maxTicks uint64) error {
	if tc.Interval <= 0 {
		return fmt.Errorf("%w: interval %s", ErrInvalidRate, tc.Interval)
	}

	tc.mu.Lock()
	simTime := tc.currentTime
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.Unlock()

	var ticker *time.Ticker
	if tc.Mode == RealTime {
		ticker = time.NewTicker(tc.Interval)
		defer ticker.Stop()
	}

	for n := uint64(1); maxTicks == 0 || n <= maxTicks; n++ {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		simTime = simTime.Add(tc.Interval)

		tc.mu.Lock()
		tc.currentTime = simTime
		tc.ticks = n
		tc.mu.Unlock()

		t := Tick{N: n, SimTime: simTime}
		for _, fn := range listeners {
			if err := fn(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}
