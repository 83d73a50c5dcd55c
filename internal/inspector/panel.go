// Package inspector is the observing side of synaptic-view. The Panel drains
// the snapshot and identity mailboxes filled by the simulation loop and
// writes selection changes back; HTTP, websocket and gRPC surfaces are built
// on the panel and never touch the entity store.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/signalsfoundry/synaptic-view/internal/handoff"
	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/internal/selection"
	"github.com/signalsfoundry/synaptic-view/internal/snapshot"
	"github.com/signalsfoundry/synaptic-view/model"
)

// ErrUnknownEntity is returned when selecting an entity that is not in the
// most recent identity list.
var ErrUnknownEntity = errors.New("unknown entity")

// Renderer presents what the panel receives.
type Renderer interface {
	RenderSnapshot(ctx context.Context, s snapshot.Snapshot) error
	RenderIdentities(ctx context.Context, ids []model.EntityID) error
}

// SelectionRenderer is implemented by renderers that also show the current
// selection. The panel calls it after every change, including reverts.
type SelectionRenderer interface {
	RenderSelection(ctx context.Context, s selection.Selection) error
}

// PanelOption customises a Panel.
type PanelOption func(*Panel)

// WithRenderer adds a renderer. Renderers run on the panel goroutine in
// registration order.
func WithRenderer(r Renderer) PanelOption {
	return func(p *Panel) {
		if r != nil {
			p.renderers = append(p.renderers, r)
		}
	}
}

// WithPanelLogger attaches a structured logger.
func WithPanelLogger(log logging.Logger) PanelOption {
	return func(p *Panel) {
		if log != nil {
			p.log = log
		}
	}
}

// Panel holds the latest snapshot and identity list and owns the inspector
// end of the selection channel.
type Panel struct {
	snapshots  *handoff.Mailbox[snapshot.Snapshot]
	identities *handoff.Mailbox[[]model.EntityID]
	selection  *selection.Channel
	renderers  []Renderer
	log        logging.Logger

	mu       sync.RWMutex
	latest   snapshot.Snapshot
	ids      []model.EntityID
	haveIDs  bool
	subs     map[int]*handoff.Mailbox[snapshot.Snapshot]
	nextSub  int
	stopped  bool
	rendered uint64
}

// NewPanel builds a panel over the two mailboxes and the selection channel.
// Any of them may be nil; the corresponding feature is then inert.
func NewPanel(snaps *handoff.Mailbox[snapshot.Snapshot], ids *handoff.Mailbox[[]model.EntityID], sel *selection.Channel, opts ...PanelOption) *Panel {
	p := &Panel{
		snapshots:  snaps,
		identities: ids,
		selection:  sel,
		log:        logging.Noop(),
		subs:       make(map[int]*handoff.Mailbox[snapshot.Snapshot]),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run drains both mailboxes until ctx is done or both are closed and empty.
// It also follows selection changes. Stopping the panel has no effect on the
// simulation.
func (p *Panel) Run(ctx context.Context) error {
	var snapReady, snapDone, idReady, idDone, selChanged <-chan struct{}
	if p.selection != nil {
		selChanged = p.selection.Changes()
	}
	if p.snapshots != nil {
		snapReady, snapDone = p.snapshots.Ready(), p.snapshots.Done()
	}
	if p.identities != nil {
		idReady, idDone = p.identities.Ready(), p.identities.Done()
	}

	defer p.closeSubscribers()

	for snapReady != nil || idReady != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-snapReady:
			p.drainSnapshot(ctx)
		case <-idReady:
			p.drainIdentities(ctx)
		case <-snapDone:
			p.drainSnapshot(ctx)
			snapReady, snapDone = nil, nil
		case <-idDone:
			p.drainIdentities(ctx)
			idReady, idDone = nil, nil
		case <-selChanged:
			p.renderSelection(ctx)
		}
	}
	p.log.Debug(ctx, "inspector mailboxes closed")
	return nil
}

func (p *Panel) drainSnapshot(ctx context.Context) {
	s, ok := p.snapshots.TryTake()
	if !ok {
		return
	}

	p.mu.Lock()
	p.latest = s
	p.rendered++
	subs := make([]*handoff.Mailbox[snapshot.Snapshot], 0, len(p.subs))
	for _, m := range p.subs {
		subs = append(subs, m)
	}
	p.mu.Unlock()

	for _, m := range subs {
		m.Publish(s)
	}
	for _, r := range p.renderers {
		if err := r.RenderSnapshot(ctx, s); err != nil {
			p.log.Warn(ctx, "snapshot render failed", logging.Err(err))
		}
	}
}

func (p *Panel) drainIdentities(ctx context.Context) {
	ids, ok := p.identities.TryTake()
	if !ok {
		return
	}
	ids = slices.Clone(ids)

	p.mu.Lock()
	p.ids = ids
	p.haveIDs = true
	p.mu.Unlock()

	if p.selection != nil {
		if id, selected := p.selection.Load().EntityID(); selected && !slices.Contains(ids, id) {
			if p.selection.RevertIfSelected(id) {
				p.log.Info(ctx, "selected entity left the identity list; showing aggregate view",
					logging.Uint64("entity_id", uint64(id)),
				)
			}
		}
	}

	for _, r := range p.renderers {
		if err := r.RenderIdentities(ctx, ids); err != nil {
			p.log.Warn(ctx, "identity render failed", logging.Err(err))
		}
	}
}

func (p *Panel) renderSelection(ctx context.Context) {
	s := p.selection.Load()
	p.log.Debug(ctx, "selection observed", logging.String("selection", s.String()))
	for _, r := range p.renderers {
		sr, ok := r.(SelectionRenderer)
		if !ok {
			continue
		}
		if err := sr.RenderSelection(ctx, s); err != nil {
			p.log.Warn(ctx, "selection render failed", logging.Err(err))
		}
	}
}

// Select writes s to the selection channel. Entity selections are checked
// against the latest identity list once one has arrived.
func (p *Panel) Select(ctx context.Context, s selection.Selection) error {
	if p.selection == nil {
		return fmt.Errorf("%w: no selection channel", selection.ErrInvalidSelection)
	}
	if id, ok := s.EntityID(); ok {
		p.mu.RLock()
		known := !p.haveIDs || slices.Contains(p.ids, id)
		p.mu.RUnlock()
		if !known {
			return fmt.Errorf("%w: %d", ErrUnknownEntity, id)
		}
	}
	p.selection.Set(s)
	logging.LoggerFromContext(ctx, p.log).Debug(ctx, "selection changed", logging.String("selection", s.String()))
	return nil
}

// Selected returns the current selection.
func (p *Panel) Selected() selection.Selection {
	if p.selection == nil {
		return selection.Aggregate()
	}
	return p.selection.Load()
}

// Latest returns the most recent snapshot; ok is false before the first one.
func (p *Panel) Latest() (snapshot.Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, !p.latest.IsZero()
}

// Identities returns the most recent identity list, which also forms the
// selectable options after the aggregate entry.
func (p *Panel) Identities() []model.EntityID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.ids)
}

// Options returns the selector labels: the aggregate entry followed by every
// known identity.
func (p *Panel) Options() []string {
	ids := p.Identities()
	out := make([]string, 0, len(ids)+1)
	out = append(out, selection.AggregateLabel)
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// Rendered reports how many snapshots the panel has taken.
func (p *Panel) Rendered() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rendered
}

// Subscribe returns a latest-wins mailbox receiving every snapshot the panel
// takes from now on, and a function that ends the subscription. Once Run has
// returned the mailbox comes back already closed.
func (p *Panel) Subscribe(name string, opts ...handoff.Option) (*handoff.Mailbox[snapshot.Snapshot], func()) {
	m := handoff.New[snapshot.Snapshot](name, opts...)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		m.Close()
		return m, func() {}
	}
	key := p.nextSub
	p.nextSub++
	p.subs[key] = m
	p.mu.Unlock()

	return m, func() {
		p.mu.Lock()
		delete(p.subs, key)
		p.mu.Unlock()
		m.Close()
	}
}

func (p *Panel) closeSubscribers() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[int]*handoff.Mailbox[snapshot.Snapshot])
	p.stopped = true
	p.mu.Unlock()
	for _, m := range subs {
		m.Close()
	}
}
