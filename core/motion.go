package core

import (
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/synaptic-view/model"
)

// ErrInvalidPosition is returned by behaviours asked to move an entity whose
// coordinates are not finite.
var ErrInvalidPosition = errors.New("invalid entity position")

// Extension attribute keys written by the built-in behaviours.
const (
	AttrGridCol = "grid_col"
	AttrGridRow = "grid_row"
	AttrHeading = "heading"
)

// Delta is what a behaviour wants done to one entity for one tick.
type Delta struct {
	Patch model.Patch
	// Remove asks the simulation to retire the entity after this tick.
	Remove bool
}

// Behavior advances a single entity by one tick. It receives a copy of the
// entity and must not retain it.
type Behavior interface {
	Advance(e model.Entity, tick uint64) (Delta, error)
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(e model.Entity, tick uint64) (Delta, error)

// Advance calls f.
func (f BehaviorFunc) Advance(e model.Entity, tick uint64) (Delta, error) {
	return f(e, tick)
}

// Static leaves every entity where it is.
type Static struct{}

// Advance for Static does nothing.
func (Static) Advance(model.Entity, uint64) (Delta, error) {
	return Delta{}, nil
}

// Drift moves entities right by Speed per tick. An entity reaching the last
// column re-enters from the left edge. The grid cell it lands in is recorded
// as grid_col / grid_row.
type Drift struct {
	Grid  Grid
	Speed float64
}

// NewDrift returns the default drift behaviour for g.
func NewDrift(g Grid) Drift {
	return Drift{Grid: g, Speed: 1.5}
}

// Advance implements Behavior.
func (d Drift) Advance(e model.Entity, _ uint64) (Delta, error) {
	if err := checkFinite(e); err != nil {
		return Delta{}, err
	}

	limit := d.Grid.PixelWidth() - d.Grid.CellSize
	x := e.Position.X + d.Speed
	if e.Position.X >= limit {
		x = d.Speed
	}
	return d.Grid.moveTo(x, e.Position.Y), nil
}

// Bounce moves entities horizontally and reverses direction at either edge
// of the grid. The current direction is kept in the heading attribute
// (+1 or -1).
type Bounce struct {
	Grid  Grid
	Speed float64
}

// Advance implements Behavior.
func (b Bounce) Advance(e model.Entity, _ uint64) (Delta, error) {
	if err := checkFinite(e); err != nil {
		return Delta{}, err
	}

	heading := 1.0
	if v, ok := e.Extra.Get(AttrHeading); ok {
		if h, ok := v.(float64); ok && h < 0 {
			heading = -1
		}
	}

	lo := b.Grid.CellSize / 2
	hi := b.Grid.PixelWidth() - b.Grid.CellSize/2
	x := e.Position.X + heading*b.Speed
	if x >= hi {
		x = hi - (x - hi)
		heading = -1
	} else if x <= lo {
		x = lo + (lo - x)
		heading = 1
	}

	delta := b.Grid.moveTo(x, e.Position.Y)
	delta.Patch.Extra.Set(AttrHeading, heading)
	return delta, nil
}

func (g Grid) moveTo(x, y float64) Delta {
	col, row := g.ScreenToGrid(x, y)
	p := model.PatchPosition(x, y).
		WithExtra(AttrGridCol, col).
		WithExtra(AttrGridRow, row)
	return Delta{Patch: p}
}

func checkFinite(e model.Entity) error {
	for _, v := range []float64{e.Position.X, e.Position.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: entity %d at (%v, %v)", ErrInvalidPosition, e.ID, e.Position.X, e.Position.Y)
		}
	}
	return nil
}
