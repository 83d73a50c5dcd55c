package model

import (
	"errors"
	"fmt"
	"strconv"
)

// EntityID identifies an entity for its whole lifetime. IDs are issued
// starting at 1; the zero value never names a live entity.
type EntityID uint64

// String renders the ID in decimal, matching how inspectors list it.
func (id EntityID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Status is the coarse lifecycle state of an entity. Any non-empty value is
// accepted so collaborators can introduce their own.
type Status string

const (
	StatusExisting  Status = "Existing"
	StatusSpawned   Status = "Spawned"
	StatusMoving    Status = "Moving"
	StatusIdle      Status = "Idle"
	StatusDespawned Status = "Despawned"
)

// Position is a point on the simulation plane, in screen units.
type Position struct {
	X float64
	Y float64
}

// Template attribute keys, in display order. They are reserved and never
// stored as extension attributes.
const (
	KeyID             = "id"
	KeyX              = "x"
	KeyY              = "y"
	KeyStatus         = "status"
	KeyBehaviorActive = "brain_active"
)

var templateKeys = []string{KeyID, KeyX, KeyY, KeyStatus, KeyBehaviorActive}

// TemplateKeys returns the reserved template keys in display order.
func TemplateKeys() []string {
	out := make([]string, len(templateKeys))
	copy(out, templateKeys)
	return out
}

// IsTemplateKey reports whether key is one of the reserved template keys.
func IsTemplateKey(key string) bool {
	for _, k := range templateKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Entity is the full attribute set of one simulated entity.
type Entity struct {
	ID             EntityID
	Position       Position
	Status         Status
	BehaviorActive bool

	// Extra holds caller-supplied attributes beyond the template.
	Extra Attributes
}

// DefaultEntity returns the template every new entity starts from.
func DefaultEntity(id EntityID) Entity {
	return Entity{
		ID:       id,
		Position: Position{X: 0, Y: 0},
		Status:   StatusExisting,
	}
}

// Clone returns a copy that shares no mutable state with e.
func (e Entity) Clone() Entity {
	e.Extra = e.Extra.Clone()
	return e
}

// Apply merges p into e. Fields p leaves unset are untouched and extension
// keys not mentioned by p are preserved.
func (e *Entity) Apply(p Patch) {
	if p.X != nil {
		e.Position.X = *p.X
	}
	if p.Y != nil {
		e.Position.Y = *p.Y
	}
	if p.Status != nil {
		e.Status = *p.Status
	}
	if p.BehaviorActive != nil {
		e.BehaviorActive = *p.BehaviorActive
	}
	p.Extra.Range(func(key string, value any) bool {
		if !IsTemplateKey(key) {
			e.Extra.Set(key, value)
		}
		return true
	})
}

// Attributes returns the entity's full display mapping: template keys first,
// then extension attributes in insertion order.
func (e Entity) Attributes() Attributes {
	var out Attributes
	out.Set(KeyID, uint64(e.ID))
	out.Set(KeyX, e.Position.X)
	out.Set(KeyY, e.Position.Y)
	out.Set(KeyStatus, string(e.Status))
	out.Set(KeyBehaviorActive, e.BehaviorActive)
	e.Extra.Range(func(key string, value any) bool {
		out.Set(key, value)
		return true
	})
	return out
}

// Patch is a partial entity update. Nil fields are left alone.
type Patch struct {
	X              *float64
	Y              *float64
	Status         *Status
	BehaviorActive *bool
	Extra          Attributes
}

// PatchPosition is shorthand for a patch that only moves the entity.
func PatchPosition(x, y float64) Patch {
	return Patch{X: &x, Y: &y}
}

// WithStatus returns a copy of p that also sets the status.
func (p Patch) WithStatus(s Status) Patch {
	p.Status = &s
	return p
}

// WithBehaviorActive returns a copy of p that also sets the behaviour flag.
func (p Patch) WithBehaviorActive(active bool) Patch {
	p.BehaviorActive = &active
	return p
}

// WithExtra returns a copy of p that also sets an extension attribute.
func (p Patch) WithExtra(key string, value any) Patch {
	p.Extra = p.Extra.Clone()
	p.Extra.Set(key, value)
	return p
}

// ErrEmptyStatus rejects a patch that would clear the status field.
var ErrEmptyStatus = errors.New("status must not be empty")

// Validate reports whether p keeps every template field populated.
func (p Patch) Validate() error {
	if p.Status != nil && *p.Status == "" {
		return ErrEmptyStatus
	}
	return nil
}

// IsZero reports whether applying p would change nothing.
func (p Patch) IsZero() bool {
	return p.X == nil && p.Y == nil && p.Status == nil && p.BehaviorActive == nil && p.Extra.Len() == 0
}

// FormatValue renders an attribute value for display.
func FormatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case bool:
		if val {
			return "True"
		}
		return "False"
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
