// Package sim runs the fixed-rate simulation schedule. The loop is the only
// writer of the entity store and of the aggregate metrics; everything it
// hands to observers goes through handoff mailboxes.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/synaptic-view/core"
	"github.com/signalsfoundry/synaptic-view/internal/config"
	"github.com/signalsfoundry/synaptic-view/internal/handoff"
	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/internal/selection"
	"github.com/signalsfoundry/synaptic-view/internal/snapshot"
	"github.com/signalsfoundry/synaptic-view/model"
	"github.com/signalsfoundry/synaptic-view/timectrl"
)

// Store is the part of kb.EntityStore the loop drives.
type Store interface {
	ListIdentities() []model.EntityID
	Get(id model.EntityID) (model.Entity, bool)
	Update(id model.EntityID, p model.Patch) bool
	Remove(id model.EntityID) bool
	Len() int
	Verify() error
}

// MetricsRecorder receives per-tick counters. *observability.SimCollector
// satisfies it.
type MetricsRecorder interface {
	snapshot.MetricsRecorder
	ObserveTick(d time.Duration)
	SetTickRate(rate float64)
	IncBehaviorFault()
	IncIdentityRefresh()
}

// TickObserver is called on the loop goroutine after every tick with the
// freshly computed metrics. It must not block.
type TickObserver func(ctx context.Context, m model.AggregateMetrics)

// LoopConfig is the schedule the loop runs on.
type LoopConfig struct {
	TickRate             float64
	SnapshotEvery        int
	IdentityRefreshEvery int
	MaxTicks             uint64
	Accelerated          bool
}

// LoopConfigFrom extracts the loop schedule from the application config.
func LoopConfigFrom(c config.SimulationConfig) LoopConfig {
	return LoopConfig{
		TickRate:             c.TickRate,
		SnapshotEvery:        c.SnapshotEvery,
		IdentityRefreshEvery: c.IdentityRefreshEvery,
		MaxTicks:             c.MaxTicks,
		Accelerated:          c.Accelerated,
	}
}

// Validate rejects non-positive rates and cadences.
func (c LoopConfig) Validate() error {
	var errs []error
	if _, err := timectrl.IntervalForRate(c.TickRate); err != nil {
		errs = append(errs, fmt.Errorf("%w: tick rate: %v", config.ErrInvalid, err))
	}
	if c.SnapshotEvery <= 0 {
		errs = append(errs, fmt.Errorf("%w: snapshot cadence must be positive, got %d", config.ErrInvalid, c.SnapshotEvery))
	}
	if c.IdentityRefreshEvery <= 0 {
		errs = append(errs, fmt.Errorf("%w: identity refresh cadence must be positive, got %d", config.ErrInvalid, c.IdentityRefreshEvery))
	}
	return errors.Join(errs...)
}

// Option customises a Loop.
type Option func(*Loop)

// WithBehavior sets the movement rule. The default is core.Static.
func WithBehavior(b core.Behavior) Option {
	return func(l *Loop) {
		if b != nil {
			l.behavior = b
		}
	}
}

// WithSelection attaches the channel the inspector writes selections to.
// Without one every snapshot is the aggregate view.
func WithSelection(sel *selection.Channel) Option {
	return func(l *Loop) { l.selection = sel }
}

// WithSnapshotSink sets the mailbox snapshots are published to.
func WithSnapshotSink(m *handoff.Mailbox[snapshot.Snapshot]) Option {
	return func(l *Loop) { l.snapshots = m }
}

// WithIdentitySink sets the mailbox live identity lists are published to.
func WithIdentitySink(m *handoff.Mailbox[[]model.EntityID]) Option {
	return func(l *Loop) { l.identities = m }
}

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// WithMetricsRecorder attaches Prometheus counters.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithClock replaces the wall clock used to measure the tick rate.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// WithTickObserver registers fn to run after every tick.
func WithTickObserver(fn TickObserver) Option {
	return func(l *Loop) {
		if fn != nil {
			l.observers = append(l.observers, fn)
		}
	}
}

// Loop advances every entity once per tick and publishes what observers need.
type Loop struct {
	store      Store
	cfg        LoopConfig
	behavior   core.Behavior
	selection  *selection.Channel
	snapshots  *handoff.Mailbox[snapshot.Snapshot]
	identities *handoff.Mailbox[[]model.EntityID]
	log        logging.Logger
	metrics    MetricsRecorder
	now        func() time.Time
	observers  []TickObserver

	publisher *snapshot.Publisher
	meter     rateMeter

	mu      sync.RWMutex
	current model.AggregateMetrics
	faults  uint64
}

// NewLoop validates cfg and builds a loop over store.
func NewLoop(store Store, cfg LoopConfig, opts ...Option) (*Loop, error) {
	if store == nil {
		return nil, errors.New("sim: nil store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loop{
		store:    store,
		cfg:      cfg,
		behavior: core.Static{},
		log:      logging.Noop(),
		now:      time.Now,
		current:  model.AggregateMetrics{Status: model.SystemRunning, Count: store.Len()},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	pubOpts := []snapshot.PublisherOption{snapshot.WithLogger(l.log)}
	if l.metrics != nil {
		pubOpts = append(pubOpts, snapshot.WithMetricsRecorder(l.metrics))
	}
	l.publisher = snapshot.NewPublisher(store, l.selection, pubOpts...)
	return l, nil
}

// Metrics returns a copy of the latest aggregate metrics. Safe from any
// goroutine.
func (l *Loop) Metrics() model.AggregateMetrics {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Faults reports how many behaviour faults have been isolated so far.
func (l *Loop) Faults() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.faults
}

// Run blocks until ctx is cancelled, MaxTicks ticks have run or the store is
// found inconsistent. Only the last case returns an error.
func (l *Loop) Run(ctx context.Context) error {
	interval, err := timectrl.IntervalForRate(l.cfg.TickRate)
	if err != nil {
		return err
	}
	mode := timectrl.RealTime
	if l.cfg.Accelerated {
		mode = timectrl.Accelerated
	}

	tc := timectrl.NewTimeController(l.now(), interval, mode)
	tc.AddListener(l.step)

	l.setStatus(model.SystemRunning)

	l.log.Info(ctx, "simulation loop starting",
		logging.Float64("tick_rate", l.cfg.TickRate),
		logging.String("mode", mode.String()),
		logging.Int("snapshot_every", l.cfg.SnapshotEvery),
		logging.Int("identity_refresh_every", l.cfg.IdentityRefreshEvery),
		logging.Uint64("max_ticks", l.cfg.MaxTicks),
		logging.Int("entities", l.store.Len()),
	)

	runErr := tc.Run(ctx, l.cfg.MaxTicks)

	l.setStatus(model.SystemStopping)
	final := l.Metrics()
	if runErr != nil {
		l.log.Error(ctx, "simulation loop halted on error",
			logging.Uint64("tick", final.Tick),
			logging.Err(runErr),
		)
	} else {
		l.log.Info(ctx, "simulation loop stopped",
			logging.Uint64("tick", tc.Ticks()),
			logging.String("sim_elapsed", tc.Now().Sub(tc.StartTime).String()),
			logging.Int("entities", final.Count),
		)
	}
	l.setStatus(model.SystemHalted)
	return runErr
}

func (l *Loop) setStatus(s string) {
	l.mu.Lock()
	l.current.Status = s
	l.mu.Unlock()
}

// step runs one tick: advance, recompute metrics, then publish.
func (l *Loop) step(ctx context.Context, t timectrl.Tick) error {
	started := l.now()

	for _, id := range l.store.ListIdentities() {
		if err := l.advance(id, t.N); err != nil {
			l.recordFault(ctx, err)
		}
	}

	m, err := l.computeMetrics(ctx, t.N, started)
	if err != nil {
		return err
	}

	if t.N%uint64(l.cfg.IdentityRefreshEvery) == 0 && l.identities != nil {
		l.identities.Publish(l.store.ListIdentities())
		if l.metrics != nil {
			l.metrics.IncIdentityRefresh()
		}
	}

	if t.N%uint64(l.cfg.SnapshotEvery) == 0 && l.snapshots != nil {
		l.snapshots.Publish(l.publisher.Publish(ctx, t.N, m))
	}

	for _, fn := range l.observers {
		fn(ctx, m)
	}

	if l.metrics != nil {
		l.metrics.ObserveTick(l.now().Sub(started))
	}
	return nil
}

// advance applies the behaviour to one entity. A failing or panicking
// behaviour leaves the entity untouched.
func (l *Loop) advance(id model.EntityID, tick uint64) (err error) {
	e, ok := l.store.Get(id)
	if !ok {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = &BehaviorFaultError{ID: id, Tick: tick, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	delta, bErr := l.behavior.Advance(e, tick)
	if bErr != nil {
		return &BehaviorFaultError{ID: id, Tick: tick, Err: bErr}
	}
	if delta.Remove {
		l.store.Remove(id)
		return nil
	}
	if err := delta.Patch.Validate(); err != nil {
		return &BehaviorFaultError{ID: id, Tick: tick, Err: err}
	}
	if !delta.Patch.IsZero() {
		l.store.Update(id, delta.Patch)
	}
	return nil
}

func (l *Loop) recordFault(ctx context.Context, err error) {
	var fault *BehaviorFaultError
	fields := []logging.Field{logging.Err(err)}
	if errors.As(err, &fault) {
		fields = append(fields, logging.Uint64("entity_id", uint64(fault.ID)), logging.Uint64("tick", fault.Tick))
	}
	l.log.Warn(ctx, "behavior fault isolated", fields...)

	l.mu.Lock()
	l.faults++
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.IncBehaviorFault()
	}
}

func (l *Loop) computeMetrics(ctx context.Context, tick uint64, now time.Time) (model.AggregateMetrics, error) {
	if err := l.store.Verify(); err != nil {
		return model.AggregateMetrics{}, err
	}

	l.meter.observe(now)

	l.mu.Lock()
	prev := l.current
	next := model.AggregateMetrics{
		Tick:   tick,
		Rate:   prev.Rate,
		Count:  l.store.Len(),
		Status: model.SystemRunning,
	}
	l.mu.Unlock()

	rate, ok, err := l.meter.rate()
	switch {
	case err != nil:
		l.log.Debug(ctx, "keeping previous tick rate",
			logging.Uint64("tick", tick),
			logging.Err(err),
		)
	case ok:
		next.Rate = rate
		if l.metrics != nil {
			l.metrics.SetTickRate(rate)
		}
	}

	l.mu.Lock()
	l.current = next
	l.mu.Unlock()
	return next, nil
}
