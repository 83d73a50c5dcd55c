package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/synaptic-view/core"
	"github.com/signalsfoundry/synaptic-view/internal/config"
	"github.com/signalsfoundry/synaptic-view/internal/handoff"
	"github.com/signalsfoundry/synaptic-view/internal/inspector"
	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/internal/observability"
	"github.com/signalsfoundry/synaptic-view/internal/selection"
	"github.com/signalsfoundry/synaptic-view/internal/sim"
	"github.com/signalsfoundry/synaptic-view/internal/snapshot"
	"github.com/signalsfoundry/synaptic-view/kb"
	"github.com/signalsfoundry/synaptic-view/model"
)

// app is one fully wired synaptic-view process.
type app struct {
	cfg  *config.Config
	log  logging.Logger
	out  io.Writer
	grid core.Grid

	store      *kb.EntityStore
	selection  *selection.Channel
	snapshots  *handoff.Mailbox[snapshot.Snapshot]
	identities *handoff.Mailbox[[]model.EntityID]
	loop       *sim.Loop
	panel      *inspector.Panel

	unwatchStore func()

	registry    *prometheus.Registry
	simMetrics  *observability.SimCollector
	inspMetrics *observability.InspectorCollector

	httpLis    net.Listener
	grpcLis    net.Listener
	metricsLis net.Listener
}

// newApp builds every component and binds the configured listeners.
func newApp(cfg *config.Config, log logging.Logger, out io.Writer) (*app, error) {
	if log == nil {
		log = logging.Noop()
	}
	a := &app{
		cfg:  cfg,
		log:  log,
		out:  out,
		grid: core.Grid{Width: cfg.Grid.Width, Height: cfg.Grid.Height, CellSize: cfg.Grid.CellSize},
	}
	if err := a.grid.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var err error
	if a.simMetrics, err = observability.NewSimCollector(a.registry); err != nil {
		return nil, err
	}
	if a.inspMetrics, err = observability.NewInspectorCollector(a.registry); err != nil {
		return nil, err
	}

	a.store = kb.NewEntityStore(kb.WithLogger(log), kb.WithCountRecorder(a.simMetrics))
	a.selection = selection.NewChannel()
	a.unwatchStore = a.store.Subscribe(a.onStoreEvent)
	seedAgents(a.store, a.grid)

	a.snapshots = handoff.New[snapshot.Snapshot]("snapshots", handoff.WithOverrunRecorder(a.simMetrics))
	a.identities = handoff.New[[]model.EntityID]("identities", handoff.WithOverrunRecorder(a.simMetrics))

	behavior, err := behaviorFor(cfg.Simulation.Behavior, a.grid)
	if err != nil {
		return nil, err
	}

	loopOpts := []sim.Option{
		sim.WithBehavior(behavior),
		sim.WithSelection(a.selection),
		sim.WithSnapshotSink(a.snapshots),
		sim.WithIdentitySink(a.identities),
		sim.WithLogger(log.With(logging.String("component", "sim"))),
		sim.WithMetricsRecorder(a.simMetrics),
	}
	if cfg.Inspector.RenderEvery > 0 {
		loopOpts = append(loopOpts, sim.WithTickObserver(a.renderEvery(cfg.Inspector.RenderEvery)))
	}
	if a.loop, err = sim.NewLoop(a.store, sim.LoopConfigFrom(cfg.Simulation), loopOpts...); err != nil {
		return nil, err
	}

	a.panel = inspector.NewPanel(a.snapshots, a.identities, a.selection,
		inspector.WithRenderer(inspector.LogRenderer{Log: log.With(logging.String("component", "inspector"))}),
		inspector.WithPanelLogger(log),
	)

	if err := a.listen(); err != nil {
		a.closeListeners()
		a.unwatchStore()
		return nil, err
	}
	return a, nil
}

// onStoreEvent reverts a selection whose entity has just been removed, so the
// next snapshot is already the aggregate view.
func (a *app) onStoreEvent(ev kb.Event) {
	if ev.Type != kb.EventEntityRemoved {
		return
	}
	if a.selection.RevertIfSelected(ev.ID) {
		a.log.Info(context.Background(), "selected entity removed; showing aggregate view",
			logging.Uint64("entity_id", uint64(ev.ID)),
		)
	}
}

func (a *app) listen() error {
	var err error
	if addr := a.cfg.Inspector.HTTPAddr; addr != "" {
		if a.httpLis, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen http %s: %w", addr, err)
		}
	}
	if addr := a.cfg.Inspector.GRPCAddr; addr != "" {
		if a.grpcLis, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen grpc %s: %w", addr, err)
		}
	}
	if addr := a.cfg.Metrics.Addr; addr != "" {
		if a.metricsLis, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen metrics %s: %w", addr, err)
		}
	}
	return nil
}

func (a *app) closeListeners() {
	for _, l := range []net.Listener{a.httpLis, a.grpcLis, a.metricsLis} {
		if l != nil {
			_ = l.Close()
		}
	}
}

// run serves the inspector surfaces and blocks on the simulation loop. The
// panel runs on its own context so either side can stop first.
func (a *app) run(ctx context.Context) error {
	defer a.unwatchStore()
	var wg sync.WaitGroup

	var httpSrv, metricsSrv *http.Server
	if a.httpLis != nil {
		httpSrv = &http.Server{
			Handler: inspector.NewHTTPServer(a.panel,
				inspector.WithHTTPLogger(a.log),
				inspector.WithCollector(a.inspMetrics),
			),
			ReadHeaderTimeout: 5 * time.Second,
		}
		a.serveHTTP(&wg, "inspector http", httpSrv, a.httpLis)
	}
	if a.metricsLis != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.inspMetrics.Handler())
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		a.serveHTTP(&wg, "metrics", metricsSrv, a.metricsLis)
	}

	var grpcSrv *grpc.Server
	if a.grpcLis != nil {
		grpcSrv = inspector.NewGRPCServer(a.panel, a.log, a.inspMetrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.log.Info(ctx, "serving inspector gRPC", logging.String("addr", a.grpcLis.Addr().String()))
			if err := grpcSrv.Serve(a.grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				a.log.Warn(ctx, "inspector gRPC server exited", logging.Err(err))
			}
		}()
	}

	panelCtx, stopPanel := context.WithCancel(context.Background())
	defer stopPanel()
	panelDone := make(chan error, 1)
	go func() { panelDone <- a.panel.Run(panelCtx) }()

	loopErr := a.loop.Run(ctx)

	// The last values published are still drained by the panel.
	a.snapshots.Close()
	a.identities.Close()
	select {
	case <-panelDone:
	case <-time.After(2 * time.Second):
		stopPanel()
		<-panelDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	for _, srv := range []*http.Server{httpSrv, metricsSrv} {
		if srv != nil {
			_ = srv.Shutdown(shutdownCtx)
		}
	}
	wg.Wait()

	final := a.loop.Metrics()
	a.log.Info(context.Background(), "synaptic-view stopped",
		logging.Uint64("ticks", final.Tick),
		logging.Int("entities", final.Count),
		logging.String("status", final.Status),
	)
	return loopErr
}

func (a *app) serveHTTP(wg *sync.WaitGroup, name string, srv *http.Server, lis net.Listener) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.log.Info(context.Background(), "serving "+name, logging.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn(context.Background(), name+" server exited", logging.Err(err))
		}
	}()
}

// renderEvery draws the board every n ticks on the loop goroutine, where
// reading the store is race-free.
func (a *app) renderEvery(n int) sim.TickObserver {
	surface := core.TextSurface{Grid: a.grid, Out: a.out}
	return func(ctx context.Context, m model.AggregateMetrics) {
		if m.Tick%uint64(n) != 0 {
			return
		}
		highlighted, _ := a.selection.Load().EntityID()
		fmt.Fprintf(a.out, "tick %d  entities %d  rate %.1f/s\n", m.Tick, m.Count, m.Rate)
		if err := surface.Draw(a.store, highlighted); err != nil {
			a.log.Warn(ctx, "render failed", logging.Err(err))
		}
	}
}

// runApp wires and runs a process for cfg until ctx ends or the loop stops.
func runApp(ctx context.Context, cfg *config.Config, log logging.Logger, out io.Writer) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFrom(cfg.Tracing), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	a, err := newApp(cfg, log, out)
	if err != nil {
		return err
	}
	return a.run(ctx)
}

// seedAgents creates the two starting agents at the centres of cells (3,5)
// and (10,8).
func seedAgents(store *kb.EntityStore, g core.Grid) []model.EntityID {
	seeds := []struct {
		name     string
		col, row int
	}{
		{"First Agent", 3, 5},
		{"Second Agent", 10, 8},
	}
	ids := make([]model.EntityID, 0, len(seeds))
	for _, s := range seeds {
		x, y := g.GridToScreenCenter(s.col, s.row)
		ids = append(ids, store.Create(model.PatchPosition(x, y).
			WithStatus(model.StatusSpawned).
			WithExtra("name", s.name).
			WithExtra("manual_spawn", true)))
	}
	return ids
}

func behaviorFor(name string, g core.Grid) (core.Behavior, error) {
	switch strings.ToLower(name) {
	case "", "drift":
		return core.NewDrift(g), nil
	case "bounce":
		return core.Bounce{Grid: g, Speed: 1.5}, nil
	case "static":
		return core.Static{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown behavior %q", config.ErrInvalid, name)
	}
}
