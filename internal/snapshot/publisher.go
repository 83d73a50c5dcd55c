package snapshot

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/internal/selection"
	"github.com/signalsfoundry/synaptic-view/model"
)

const tracerName = "github.com/signalsfoundry/synaptic-view/internal/snapshot"

// EntityReader is the subset of the entity store the publisher reads.
type EntityReader interface {
	Get(id model.EntityID) (model.Entity, bool)
}

// MetricsRecorder receives publication counters.
type MetricsRecorder interface {
	IncSnapshotPublished(kind string)
	IncStaleSelection()
}

// Publisher turns the current selection into a Snapshot.
type Publisher struct {
	store     EntityReader
	selection *selection.Channel
	log       logging.Logger
	metrics   MetricsRecorder
	tracer    trace.Tracer
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) PublisherOption {
	return func(p *Publisher) {
		if log != nil {
			p.log = log
		}
	}
}

// WithMetricsRecorder attaches publication counters.
func WithMetricsRecorder(m MetricsRecorder) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// NewPublisher builds a publisher over store, filtered by sel. A nil sel
// always yields the aggregate view.
func NewPublisher(store EntityReader, sel *selection.Channel, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		store:     store,
		selection: sel,
		log:       logging.Noop(),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Publish produces exactly one snapshot for the current selection. When the
// selected entity no longer exists the aggregate view is returned and the
// selection is reverted to aggregate.
func (p *Publisher) Publish(ctx context.Context, tick uint64, metrics model.AggregateMetrics) Snapshot {
	_, span := p.tracer.Start(ctx, "snapshot.publish", trace.WithAttributes(
		attribute.Int64("sim.tick", int64(tick)),
	))
	defer span.End()

	snap := p.materialise(ctx, tick, metrics)

	span.SetAttributes(
		attribute.String("snapshot.kind", snap.Kind().String()),
		attribute.Int("snapshot.rows", snap.Len()),
	)
	if p.metrics != nil {
		p.metrics.IncSnapshotPublished(snap.Kind().String())
	}
	return snap
}

func (p *Publisher) materialise(ctx context.Context, tick uint64, metrics model.AggregateMetrics) Snapshot {
	if p.selection == nil || p.store == nil {
		return FromMetrics(metrics)
	}

	id, ok := p.selection.Load().EntityID()
	if !ok {
		return FromMetrics(metrics)
	}

	if e, found := p.store.Get(id); found {
		return FromEntity(e, tick)
	}

	if p.selection.RevertIfSelected(id) {
		p.log.Debug(ctx, "selected entity no longer exists; reverting to aggregate view",
			logging.Uint64("entity_id", uint64(id)),
			logging.Uint64("tick", tick),
		)
		if p.metrics != nil {
			p.metrics.IncStaleSelection()
		}
	}
	return FromMetrics(metrics)
}
