package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SimCollector exposes simulation-loop and handoff Prometheus metrics.
type SimCollector struct {
	TicksTotal         prometheus.Counter
	TickDuration       prometheus.Histogram
	TickRate           prometheus.Gauge
	Entities           prometheus.Gauge
	SnapshotsPublished *prometheus.CounterVec
	IdentityRefreshes  prometheus.Counter
	BehaviorFaults     prometheus.Counter
	StaleSelections    prometheus.Counter
	HandoffOverruns    *prometheus.CounterVec
}

// NewSimCollector registers simulation metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	ticks, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_ticks_total",
		Help: "Number of completed simulation ticks.",
	}), "sim_ticks_total")
	if err != nil {
		return nil, err
	}

	duration, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall-clock time spent processing one simulation tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.025, 0.05, 0.1},
	}), "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	rate, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_tick_rate",
		Help: "Measured simulation ticks per second.",
	}), "sim_tick_rate")
	if err != nil {
		return nil, err
	}

	entities, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_entities",
		Help: "Current number of live entities in the entity store.",
	}), "sim_entities")
	if err != nil {
		return nil, err
	}

	snapshots, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_snapshots_published_total",
		Help: "Snapshots handed to the inspector, labeled by kind (aggregate or entity).",
	}, []string{"kind"}), "sim_snapshots_published_total")
	if err != nil {
		return nil, err
	}

	refreshes, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_identity_refreshes_total",
		Help: "Live identity lists handed to the inspector.",
	}), "sim_identity_refreshes_total")
	if err != nil {
		return nil, err
	}

	faults, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_behavior_faults_total",
		Help: "Per-entity behaviour failures isolated by the simulation loop.",
	}), "sim_behavior_faults_total")
	if err != nil {
		return nil, err
	}

	stale, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sim_stale_selections_total",
		Help: "Selections reverted to the aggregate view because the entity was removed.",
	}), "sim_stale_selections_total")
	if err != nil {
		return nil, err
	}

	overruns, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_handoff_overruns_total",
		Help: "Published values overwritten before the consumer drained them, labeled by mailbox.",
	}, []string{"mailbox"}), "sim_handoff_overruns_total")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		TicksTotal:         ticks,
		TickDuration:       duration,
		TickRate:           rate,
		Entities:           entities,
		SnapshotsPublished: snapshots,
		IdentityRefreshes:  refreshes,
		BehaviorFaults:     faults,
		StaleSelections:    stale,
		HandoffOverruns:    overruns,
	}, nil
}

// ObserveTick records one completed tick and how long it took.
func (c *SimCollector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	if c.TicksTotal != nil {
		c.TicksTotal.Inc()
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(d.Seconds())
	}
}

// SetTickRate updates the measured rate gauge.
func (c *SimCollector) SetTickRate(rate float64) {
	if c == nil || c.TickRate == nil {
		return
	}
	c.TickRate.Set(rate)
}

// SetEntityCount satisfies kb.CountRecorder.
func (c *SimCollector) SetEntityCount(n int) {
	if c == nil || c.Entities == nil {
		return
	}
	c.Entities.Set(float64(n))
}

// IncSnapshotPublished counts one published snapshot of the given kind.
func (c *SimCollector) IncSnapshotPublished(kind string) {
	if c == nil || c.SnapshotsPublished == nil {
		return
	}
	c.SnapshotsPublished.WithLabelValues(kind).Inc()
}

// IncIdentityRefresh counts one identity list push.
func (c *SimCollector) IncIdentityRefresh() {
	if c == nil || c.IdentityRefreshes == nil {
		return
	}
	c.IdentityRefreshes.Inc()
}

// IncBehaviorFault counts one isolated behaviour failure.
func (c *SimCollector) IncBehaviorFault() {
	if c == nil || c.BehaviorFaults == nil {
		return
	}
	c.BehaviorFaults.Inc()
}

// IncStaleSelection counts one selection reverted to aggregate.
func (c *SimCollector) IncStaleSelection() {
	if c == nil || c.StaleSelections == nil {
		return
	}
	c.StaleSelections.Inc()
}

// IncHandoffOverrun satisfies handoff.OverrunRecorder.
func (c *SimCollector) IncHandoffOverrun(mailbox string) {
	if c == nil || c.HandoffOverruns == nil {
		return
	}
	c.HandoffOverruns.WithLabelValues(mailbox).Inc()
}
