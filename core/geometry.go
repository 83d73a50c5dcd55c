package core

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidGrid indicates grid dimensions that cannot be drawn.
var ErrInvalidGrid = errors.New("invalid grid")

// Grid is the checkerboard the entities move on. Width and Height count
// cells; CellSize is the side of one cell in screen units.
type Grid struct {
	Width    int
	Height   int
	CellSize float64
}

// DefaultGrid is a 20x15 board of 40-unit cells (an 800x600 screen).
func DefaultGrid() Grid {
	return Grid{Width: 20, Height: 15, CellSize: 40}
}

// Validate checks that the grid has a positive size.
func (g Grid) Validate() error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: %dx%d cells", ErrInvalidGrid, g.Width, g.Height)
	}
	if !(g.CellSize > 0) || math.IsInf(g.CellSize, 0) {
		return fmt.Errorf("%w: cell size %v", ErrInvalidGrid, g.CellSize)
	}
	return nil
}

// PixelWidth is the screen width covered by the grid.
func (g Grid) PixelWidth() float64 { return float64(g.Width) * g.CellSize }

// PixelHeight is the screen height covered by the grid.
func (g Grid) PixelHeight() float64 { return float64(g.Height) * g.CellSize }

// ScreenToGrid converts continuous screen coordinates to cell indices.
func (g Grid) ScreenToGrid(x, y float64) (col, row int) {
	return int(math.Floor(x / g.CellSize)), int(math.Floor(y / g.CellSize))
}

// GridToScreenCenter returns the screen coordinates of a cell's centre.
func (g Grid) GridToScreenCenter(col, row int) (x, y float64) {
	return float64(col)*g.CellSize + g.CellSize/2, float64(row)*g.CellSize + g.CellSize/2
}

// Contains reports whether the cell lies on the board.
func (g Grid) Contains(col, row int) bool {
	return col >= 0 && col < g.Width && row >= 0 && row < g.Height
}
