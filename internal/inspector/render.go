package inspector

import (
	"context"
	"strings"

	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/internal/selection"
	"github.com/signalsfoundry/synaptic-view/internal/snapshot"
	"github.com/signalsfoundry/synaptic-view/model"
)

// LogRenderer writes every snapshot and identity list through a structured
// logger. It is the headless stand-in for a windowed panel.
type LogRenderer struct {
	Log logging.Logger
}

// RenderSnapshot logs one line per snapshot with every row as a field.
func (r LogRenderer) RenderSnapshot(ctx context.Context, s snapshot.Snapshot) error {
	log := r.logger()
	fields := []logging.Field{
		logging.String("view", s.Kind().String()),
		logging.Uint64("tick", s.Tick()),
	}
	if s.Kind() == snapshot.KindEntity {
		fields = append(fields, logging.Uint64("entity_id", uint64(s.EntityID())))
	}
	for _, e := range s.Entries() {
		fields = append(fields, logging.String(fieldKey(e.Key), e.Value))
	}
	log.Info(ctx, "inspector snapshot", fields...)
	return nil
}

// RenderIdentities logs the selectable identities.
func (r LogRenderer) RenderIdentities(ctx context.Context, ids []model.EntityID) error {
	labels := make([]string, len(ids))
	for i, id := range ids {
		labels[i] = id.String()
	}
	r.logger().Debug(ctx, "inspector identities",
		logging.Int("count", len(ids)),
		logging.String("ids", strings.Join(labels, ",")),
	)
	return nil
}

// RenderSelection logs which view the inspector now shows.
func (r LogRenderer) RenderSelection(ctx context.Context, s selection.Selection) error {
	r.logger().Info(ctx, "inspector selection", logging.String("selection", s.String()))
	return nil
}

func (r LogRenderer) logger() logging.Logger {
	if r.Log == nil {
		return logging.Noop()
	}
	return r.Log
}

// fieldKey turns a display key such as "Tick Count" into tick_count.
func fieldKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(k)), " ", "_")
}
