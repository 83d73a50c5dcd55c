package kb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/synaptic-view/internal/logging"
	"github.com/signalsfoundry/synaptic-view/model"
)

// ErrStoreInconsistency indicates the store can no longer guarantee its
// identity invariants. It is fatal for the simulation.
var ErrStoreInconsistency = errors.New("entity store inconsistency")

// StoreInconsistencyError names the identity that broke an invariant.
type StoreInconsistencyError struct {
	ID     model.EntityID
	Reason string
}

func (e *StoreInconsistencyError) Error() string {
	return fmt.Sprintf("%s: entity %d: %s", ErrStoreInconsistency, e.ID, e.Reason)
}

func (e *StoreInconsistencyError) Unwrap() error { return ErrStoreInconsistency }

// EventType indicates what kind of change happened in the store.
type EventType int

const (
	EventEntityCreated EventType = iota
	EventEntityRemoved
)

func (t EventType) String() string {
	switch t {
	case EventEntityCreated:
		return "created"
	case EventEntityRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers after a structural change.
type Event struct {
	Type EventType
	ID   model.EntityID
}

// CountRecorder receives the live entity count after every structural change.
type CountRecorder interface {
	SetEntityCount(n int)
}

// Option customises EntityStore construction.
type Option func(*EntityStore)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(s *EntityStore) {
		if log != nil {
			s.log = log
		}
	}
}

// WithCountRecorder attaches a recorder for the live entity gauge.
func WithCountRecorder(r CountRecorder) Option {
	return func(s *EntityStore) {
		s.metrics = r
	}
}

// EntityStore is the canonical, thread-safe mapping of identity to entity.
// Identities are allocated from a counter that only grows, so a removed
// identity is never handed out again.
type EntityStore struct {
	mu sync.RWMutex

	entities map[model.EntityID]*model.Entity
	nextID   model.EntityID

	subs    map[int]func(Event)
	nextSub int

	log     logging.Logger
	metrics CountRecorder
}

// NewEntityStore constructs an empty store whose first identity is 1.
func NewEntityStore(opts ...Option) *EntityStore {
	s := &EntityStore{
		entities: make(map[model.EntityID]*model.Entity),
		nextID:   1,
		subs:     make(map[int]func(Event)),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create allocates the next identity, merges init over the default template
// and inserts the result. An empty status in init is dropped and the template
// status kept.
func (s *EntityStore) Create(init model.Patch) model.EntityID {
	if err := init.Validate(); err != nil {
		s.log.Warn(context.Background(), "ignoring invalid create attributes", logging.Err(err))
		init.Status = nil
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++

	e := model.DefaultEntity(id)
	e.Apply(init)
	s.entities[id] = &e
	count := len(s.entities)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.recordCount(count)
	s.log.Debug(context.Background(), "entity created", logging.Uint64("entity_id", uint64(id)))
	s.notify(subs, Event{Type: EventEntityCreated, ID: id})
	return id
}

// Update merges p into the entity. It reports false when id is not live,
// which is not an error, or when p fails Validate, in which case the entity
// is left as it was.
func (s *EntityStore) Update(id model.EntityID, p model.Patch) bool {
	if err := p.Validate(); err != nil {
		s.log.Warn(context.Background(), "rejected entity update",
			logging.Uint64("entity_id", uint64(id)),
			logging.Err(err),
		)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entities[id]
	if !ok {
		return false
	}
	e.Apply(p)
	return true
}

// Get returns a copy of the entity with the given identity.
func (s *EntityStore) Get(id model.EntityID) (model.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[id]
	if !ok {
		return model.Entity{}, false
	}
	return e.Clone(), true
}

// Contains reports whether id is live.
func (s *EntityStore) Contains(id model.EntityID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entities[id]
	return ok
}

// ListIdentities returns every live identity in ascending order.
func (s *EntityStore) ListIdentities() []model.EntityID {
	s.mu.RLock()
	ids := make([]model.EntityID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Remove deletes the entity. The identity is retired for good.
func (s *EntityStore) Remove(id model.EntityID) bool {
	s.mu.Lock()
	if _, ok := s.entities[id]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entities, id)
	count := len(s.entities)
	subs := s.subscribersLocked()
	s.mu.Unlock()

	s.recordCount(count)
	s.log.Debug(context.Background(), "entity removed", logging.Uint64("entity_id", uint64(id)))
	s.notify(subs, Event{Type: EventEntityRemoved, ID: id})
	return true
}

// Len returns the number of live entities.
func (s *EntityStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

// NextID returns the identity the next Create will allocate.
func (s *EntityStore) NextID() model.EntityID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

// Verify checks the identity invariants and that every entity still carries
// its template fields. The first violation found is returned as a
// *StoreInconsistencyError.
func (s *EntityStore) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, e := range s.entities {
		switch {
		case e == nil:
			return &StoreInconsistencyError{ID: key, Reason: "nil entity record"}
		case e.ID != key:
			return &StoreInconsistencyError{ID: key, Reason: fmt.Sprintf("record carries identity %d", e.ID)}
		case key == 0 || key >= s.nextID:
			return &StoreInconsistencyError{ID: key, Reason: fmt.Sprintf("identity outside allocated range [1, %d)", s.nextID)}
		case e.Status == "":
			return &StoreInconsistencyError{ID: key, Reason: "missing template field status"}
		}
	}
	return nil
}

// Subscribe registers a callback for store events. Callbacks run on the
// mutating goroutine after the store lock is released. It returns an
// unsubscribe function.
func (s *EntityStore) Subscribe(fn func(Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.nextSub
	s.nextSub++
	s.subs[key] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, key)
	}
}

func (s *EntityStore) subscribersLocked() []func(Event) {
	if len(s.subs) == 0 {
		return nil
	}
	keys := make([]int, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	subs := make([]func(Event), 0, len(keys))
	for _, k := range keys {
		subs = append(subs, s.subs[k])
	}
	return subs
}

func (s *EntityStore) notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}

func (s *EntityStore) recordCount(n int) {
	if s.metrics != nil {
		s.metrics.SetEntityCount(n)
	}
}
