package sim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/synaptic-view/core"
	"github.com/signalsfoundry/synaptic-view/internal/config"
	"github.com/signalsfoundry/synaptic-view/internal/handoff"
	"github.com/signalsfoundry/synaptic-view/internal/selection"
	"github.com/signalsfoundry/synaptic-view/internal/snapshot"
	"github.com/signalsfoundry/synaptic-view/kb"
	"github.com/signalsfoundry/synaptic-view/model"
)

func acceleratedConfig(maxTicks uint64) LoopConfig {
	return LoopConfig{
		TickRate:             60,
		SnapshotEvery:        15,
		IdentityRefreshEvery: 60,
		MaxTicks:             maxTicks,
		Accelerated:          true,
	}
}

func seedAgents(t *testing.T, store *kb.EntityStore, g core.Grid) (model.EntityID, model.EntityID) {
	t.Helper()
	x1, y1 := g.GridToScreenCenter(3, 5)
	x2, y2 := g.GridToScreenCenter(10, 8)
	first := store.Create(model.PatchPosition(x1, y1).WithStatus(model.StatusSpawned).WithExtra("name", "First Agent"))
	second := store.Create(model.PatchPosition(x2, y2).WithStatus(model.StatusSpawned).WithExtra("name", "Second Agent"))
	return first, second
}

func TestLoopRunsFixedScenario(t *testing.T) {
	store := kb.NewEntityStore()
	g := core.DefaultGrid()
	seedAgents(t, store, g)

	snaps := handoff.New[snapshot.Snapshot]("snapshots")
	ids := handoff.New[[]model.EntityID]("identities")

	var (
		mu     sync.Mutex
		counts []int
	)
	observer := func(_ context.Context, m model.AggregateMetrics) {
		mu.Lock()
		counts = append(counts, m.Count)
		mu.Unlock()
	}

	loop, err := NewLoop(store, acceleratedConfig(120),
		WithBehavior(core.NewDrift(g)),
		WithSelection(selection.NewChannel()),
		WithSnapshotSink(snaps),
		WithIdentitySink(ids),
		WithTickObserver(observer),
	)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	m := loop.Metrics()
	if m.Tick != 120 {
		t.Fatalf("tick = %d, want 120", m.Tick)
	}
	if m.Count != 2 {
		t.Fatalf("count = %d, want 2", m.Count)
	}
	if m.Status != model.SystemHalted {
		t.Fatalf("status = %q, want %q", m.Status, model.SystemHalted)
	}
	if len(counts) != 120 {
		t.Fatalf("observer saw %d ticks, want 120", len(counts))
	}
	for i, c := range counts {
		if c != 2 {
			t.Fatalf("tick %d count = %d, want 2", i+1, c)
		}
	}

	if got := snaps.Stats().Published; got != 8 {
		t.Fatalf("snapshots published = %d, want 8", got)
	}
	if got := ids.Stats().Published; got != 2 {
		t.Fatalf("identity lists published = %d, want 2", got)
	}

	last, ok := snaps.TryTake()
	if !ok {
		t.Fatal("expected a pending snapshot")
	}
	if last.Kind() != snapshot.KindAggregate || last.Tick() != 120 {
		t.Fatalf("last snapshot = %v@%d, want aggregate@120", last.Kind(), last.Tick())
	}
	if v, _ := last.Get(snapshot.KeyCount); v != "2" {
		t.Fatalf("Total Entities = %q, want 2", v)
	}
}

func TestLoopDeliversEverySnapshotToAKeepingUpConsumer(t *testing.T) {
	store := kb.NewEntityStore()
	seedAgents(t, store, core.DefaultGrid())
	snaps := handoff.New[snapshot.Snapshot]("snapshots")

	// Every snapshot is drained before the loop is allowed to continue.
	var delivered []uint64
	loop, err := NewLoop(store, acceleratedConfig(120),
		WithSnapshotSink(snaps),
		WithTickObserver(func(context.Context, model.AggregateMetrics) {
			if s, ok := snaps.TryTake(); ok {
				delivered = append(delivered, s.Tick())
			}
		}),
	)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(delivered) < 8 {
		t.Fatalf("delivered %d snapshots, want at least 8", len(delivered))
	}
	for i, tick := range delivered {
		if want := uint64(15 * (i + 1)); tick != want {
			t.Fatalf("snapshot %d at tick %d, want %d", i, tick, want)
		}
	}
	if got := snaps.Stats().Overruns; got != 0 {
		t.Fatalf("overruns = %d, want 0", got)
	}
}

func TestLoopPublishesSelectedEntity(t *testing.T) {
	store := kb.NewEntityStore()
	_, second := seedAgents(t, store, core.DefaultGrid())

	sel := selection.NewChannel()
	sel.Set(selection.Entity(second))
	snaps := handoff.New[snapshot.Snapshot]("snapshots")

	loop, err := NewLoop(store, acceleratedConfig(15), WithSelection(sel), WithSnapshotSink(snaps))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s, ok := snaps.TryTake()
	if !ok {
		t.Fatal("no snapshot published")
	}
	if s.Kind() != snapshot.KindEntity || s.EntityID() != second {
		t.Fatalf("snapshot = %v/%d, want entity/%d", s.Kind(), s.EntityID(), second)
	}
	if v, _ := s.Get("name"); v != "Second Agent" {
		t.Fatalf("name = %q, want Second Agent", v)
	}
	if v, _ := s.Get(model.KeyStatus); v != string(model.StatusSpawned) {
		t.Fatalf("status = %q, want Spawned", v)
	}
}

func TestLoopSelectThenRemoveFallsBackToAggregate(t *testing.T) {
	store := kb.NewEntityStore()
	first, second := seedAgents(t, store, core.DefaultGrid())

	sel := selection.NewChannel()
	sel.Set(selection.Entity(second))
	snaps := handoff.New[snapshot.Snapshot]("snapshots")

	retire := core.BehaviorFunc(func(e model.Entity, tick uint64) (core.Delta, error) {
		if e.ID == second && tick == 5 {
			return core.Delta{Remove: true}, nil
		}
		return core.Delta{}, nil
	})

	cfg := acceleratedConfig(10)
	cfg.SnapshotEvery = 10
	loop, err := NewLoop(store, cfg, WithBehavior(retire), WithSelection(sel), WithSnapshotSink(snaps))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	s, ok := snaps.TryTake()
	if !ok {
		t.Fatal("no snapshot published")
	}
	if s.Kind() != snapshot.KindAggregate {
		t.Fatalf("snapshot kind = %v, want aggregate", s.Kind())
	}
	if v, _ := s.Get(snapshot.KeyCount); v != "1" {
		t.Fatalf("Total Entities = %q, want 1", v)
	}
	if !sel.Load().IsAggregate() {
		t.Fatalf("selection = %v, want aggregate", sel.Load())
	}
	if !store.Contains(first) || store.Contains(second) {
		t.Fatalf("store identities = %v, want only %d", store.ListIdentities(), first)
	}
}

func TestLoopIsolatesBehaviorFaults(t *testing.T) {
	store := kb.NewEntityStore()
	failing := store.Create(model.PatchPosition(10, 10))
	panicking := store.Create(model.PatchPosition(20, 20))
	healthy := store.Create(model.PatchPosition(30, 30))

	boom := errors.New("boom")
	behavior := core.BehaviorFunc(func(e model.Entity, tick uint64) (core.Delta, error) {
		switch e.ID {
		case failing:
			return core.Delta{}, boom
		case panicking:
			panic("bad brain")
		default:
			return core.Delta{Patch: model.PatchPosition(e.Position.X+1, e.Position.Y)}, nil
		}
	})

	loop, err := NewLoop(store, acceleratedConfig(3), WithBehavior(behavior))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := loop.Faults(); got != 6 {
		t.Fatalf("faults = %d, want 6", got)
	}
	if e, _ := store.Get(failing); e.Position.X != 10 {
		t.Fatalf("failing entity moved to %v", e.Position)
	}
	if e, _ := store.Get(panicking); e.Position.X != 20 {
		t.Fatalf("panicking entity moved to %v", e.Position)
	}
	if e, _ := store.Get(healthy); e.Position.X != 33 {
		t.Fatalf("healthy entity at %v, want x=33", e.Position)
	}
	if got := loop.Metrics().Count; got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
}

func TestLoopTreatsEmptyStatusAsBehaviorFault(t *testing.T) {
	store := kb.NewEntityStore()
	target := store.Create(model.PatchPosition(10, 10).WithStatus(model.StatusSpawned))
	other := store.Create(model.PatchPosition(30, 30))

	behavior := core.BehaviorFunc(func(e model.Entity, tick uint64) (core.Delta, error) {
		if e.ID == target && tick == 3 {
			return core.Delta{Patch: model.PatchPosition(99, 99).WithStatus("")}, nil
		}
		return core.Delta{Patch: model.PatchPosition(e.Position.X+1, e.Position.Y)}, nil
	})

	loop, err := NewLoop(store, acceleratedConfig(10), WithBehavior(behavior))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want the run to finish", err)
	}

	if got := loop.Metrics().Tick; got != 10 {
		t.Fatalf("tick = %d, want 10", got)
	}
	if got := loop.Faults(); got != 1 {
		t.Fatalf("faults = %d, want 1", got)
	}
	e, ok := store.Get(target)
	if !ok {
		t.Fatal("faulting entity was removed")
	}
	if e.Status != model.StatusSpawned {
		t.Fatalf("status = %q, want Spawned", e.Status)
	}
	// Ticks 1-2 and 4-10 moved it; tick 3 left it untouched.
	if e.Position.X != 19 || e.Position.Y != 10 {
		t.Fatalf("position = %+v, want (19, 10)", e.Position)
	}
	if o, _ := store.Get(other); o.Position.X != 40 {
		t.Fatalf("other entity at %v, want x=40", o.Position)
	}
}

func TestBehaviorFaultErrorUnwraps(t *testing.T) {
	cause := errors.New("cause")
	err := error(&BehaviorFaultError{ID: 4, Tick: 9, Err: cause})
	if !errors.Is(err, ErrBehaviorFault) || !errors.Is(err, cause) {
		t.Fatalf("errors.Is failed for %v", err)
	}
}

type corruptStore struct {
	*kb.EntityStore
	corruptAt int
	calls     int
}

func (s *corruptStore) Verify() error {
	s.calls++
	if s.calls >= s.corruptAt {
		return &kb.StoreInconsistencyError{ID: 7, Reason: "key does not match entity id"}
	}
	return nil
}

func TestLoopHaltsOnStoreInconsistency(t *testing.T) {
	store := &corruptStore{EntityStore: kb.NewEntityStore(), corruptAt: 4}
	store.Create(model.Patch{})

	loop, err := NewLoop(store, acceleratedConfig(100))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	err = loop.Run(context.Background())
	if !errors.Is(err, kb.ErrStoreInconsistency) {
		t.Fatalf("Run = %v, want store inconsistency", err)
	}
	var inc *kb.StoreInconsistencyError
	if !errors.As(err, &inc) || inc.ID != 7 {
		t.Fatalf("Run = %v, want inconsistency for entity 7", err)
	}
	m := loop.Metrics()
	if m.Tick != 3 {
		t.Fatalf("last good tick = %d, want 3", m.Tick)
	}
	if m.Status != model.SystemHalted {
		t.Fatalf("status = %q, want Halted", m.Status)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	store := kb.NewEntityStore()
	store.Create(model.Patch{})

	cfg := acceleratedConfig(0)
	cfg.Accelerated = false
	cfg.TickRate = 500

	var ticks atomic.Uint64
	loop, err := NewLoop(store, cfg, WithTickObserver(func(_ context.Context, m model.AggregateMetrics) {
		ticks.Store(m.Tick)
	}))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for ticks.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("loop did not tick")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	if loop.Metrics().Status != model.SystemHalted {
		t.Fatalf("status = %q, want Halted", loop.Metrics().Status)
	}
}

func TestLoopWithoutSinks(t *testing.T) {
	store := kb.NewEntityStore()
	store.Create(model.Patch{})
	loop, err := NewLoop(store, acceleratedConfig(60))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := loop.Metrics().Tick; got != 60 {
		t.Fatalf("tick = %d, want 60", got)
	}
}

func TestNewLoopRejectsInvalidConfig(t *testing.T) {
	cases := map[string]LoopConfig{
		"zero rate":      {TickRate: 0, SnapshotEvery: 1, IdentityRefreshEvery: 1},
		"zero snapshot":  {TickRate: 60, SnapshotEvery: 0, IdentityRefreshEvery: 1},
		"negative ident": {TickRate: 60, SnapshotEvery: 1, IdentityRefreshEvery: -2},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := NewLoop(kb.NewEntityStore(), cfg); !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("NewLoop err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoopConfigFrom(t *testing.T) {
	cfg := LoopConfigFrom(config.Default().Simulation)
	if cfg.TickRate != 60 || cfg.SnapshotEvery != 15 || cfg.IdentityRefreshEvery != 60 {
		t.Fatalf("LoopConfigFrom(defaults) = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoopKeepsPreviousRateWhenClockStalls(t *testing.T) {
	store := kb.NewEntityStore()
	frozen := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	loop, err := NewLoop(store, acceleratedConfig(20), WithClock(func() time.Time { return frozen }))
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run = %v, want nil despite stalled clock", err)
	}
	if got := loop.Metrics(); got.Rate != 0 || got.Tick != 20 {
		t.Fatalf("metrics = %+v, want rate 0 at tick 20", got)
	}
}

func TestRateMeterAveragesLastTenIntervals(t *testing.T) {
	var r rateMeter
	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)

	if _, ok, err := r.rate(); ok || err != nil {
		t.Fatalf("empty meter rate ok=%v err=%v", ok, err)
	}

	// Ten slow intervals, then ten at 60 Hz: only the recent ones count.
	at := base
	for i := 0; i < 10; i++ {
		r.observe(at)
		at = at.Add(time.Second)
	}
	for i := 0; i <= 10; i++ {
		r.observe(at)
		at = at.Add(time.Second / 60)
	}

	rate, ok, err := r.rate()
	if err != nil || !ok {
		t.Fatalf("rate ok=%v err=%v", ok, err)
	}
	if rate < 59.9 || rate > 60.1 {
		t.Fatalf("rate = %v, want ~60", rate)
	}
}

func TestRateMeterReportsStalledClock(t *testing.T) {
	var r rateMeter
	now := time.Now()
	r.observe(now)
	r.observe(now)
	if _, ok, err := r.rate(); ok || !errors.Is(err, errRateUnavailable) {
		t.Fatalf("rate ok=%v err=%v, want errRateUnavailable", ok, err)
	}
}
