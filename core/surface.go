package core

import (
	"bufio"
	"fmt"
	"io"

	"github.com/signalsfoundry/synaptic-view/model"
)

// EntitySource is everything a render surface may read from the simulation:
// the live identities and each entity's position and status.
type EntitySource interface {
	ListIdentities() []model.EntityID
	Get(id model.EntityID) (model.Entity, bool)
}

// Surface draws the current population.
type Surface interface {
	Draw(src EntitySource, highlighted model.EntityID) error
}

// TextSurface draws the grid as a character checkerboard. Entities are 'o',
// the highlighted entity is '@' and a despawned entity is 'x'. Entities off
// the board are listed beneath it.
type TextSurface struct {
	Grid Grid
	Out  io.Writer
}

// Draw implements Surface.
func (s TextSurface) Draw(src EntitySource, highlighted model.EntityID) error {
	if err := s.Grid.Validate(); err != nil {
		return err
	}

	cells := make([][]byte, s.Grid.Height)
	for row := range cells {
		cells[row] = make([]byte, s.Grid.Width)
		for col := range cells[row] {
			if (row+col)%2 == 0 {
				cells[row][col] = '.'
			} else {
				cells[row][col] = ':'
			}
		}
	}

	var offBoard []model.Entity
	for _, id := range src.ListIdentities() {
		e, ok := src.Get(id)
		if !ok {
			continue
		}
		col, row := s.Grid.ScreenToGrid(e.Position.X, e.Position.Y)
		if !s.Grid.Contains(col, row) {
			offBoard = append(offBoard, e)
			continue
		}
		cells[row][col] = glyph(e, highlighted)
	}

	w := bufio.NewWriter(s.Out)
	for _, line := range cells {
		if _, err := w.Write(line); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	for _, e := range offBoard {
		if _, err := fmt.Fprintf(w, "off-board: %d (%.1f, %.1f) %s\n", e.ID, e.Position.X, e.Position.Y, e.Status); err != nil {
			return err
		}
	}
	return w.Flush()
}

func glyph(e model.Entity, highlighted model.EntityID) byte {
	switch {
	case e.ID == highlighted:
		return '@'
	case e.Status == model.StatusDespawned:
		return 'x'
	default:
		return 'o'
	}
}
