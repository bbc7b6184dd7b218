// Package maze holds the maze document model and the predicates the
// engine uses to validate submissions and resolve moves. Everything in
// here is pure; persistence and transport live elsewhere.
package maze

import (
	"errors"
	"fmt"
)

// Wall orientation values as stored in the match document.
const (
	WallHorizontal = "horizontal"
	WallVertical   = "vertical"
)

// Validation errors.
var (
	ErrGridMismatch  = errors.New("maze grid size does not match the configured size")
	ErrOutOfBounds   = errors.New("coordinate out of bounds")
	ErrDuplicateWall = errors.New("duplicate wall")
	ErrWallBudget    = errors.New("wall count does not match the budget")
	ErrUnreachable   = errors.New("no path from start to goal")
)

// Position is a cell coordinate, row first.
type Position struct {
	R int `json:"r"`
	C int `json:"c"`
}

// Direction of a single-step move.
type Direction string

const (
	DirUp    Direction = "up"
	DirDown  Direction = "down"
	DirLeft  Direction = "left"
	DirRight Direction = "right"
)

// Delta returns the row/column offset of the direction. Unknown
// directions return ok=false.
func (d Direction) Delta() (dr, dc int, ok bool) {
	switch d {
	case DirUp:
		return -1, 0, true
	case DirDown:
		return 1, 0, true
	case DirLeft:
		return 0, -1, true
	case DirRight:
		return 0, 1, true
	}
	return 0, 0, false
}

// Wall is one interior edge of the grid. A horizontal wall keyed at
// (r,c) separates (r,c) from (r+1,c); a vertical wall keyed at (r,c)
// separates (r,c) from (r,c+1). The key is always the top cell for
// horizontal walls and the left cell for vertical walls, so every edge
// has exactly one representation.
type Wall struct {
	Type string `json:"type"`
	R    int    `json:"r"`
	C    int    `json:"c"`
}

// Maze is one participant's submission. Immutable once accepted.
type Maze struct {
	GridSize int      `json:"gridSize"`
	Start    Position `json:"start"`
	Goal     Position `json:"goal"`
	Walls    []Wall   `json:"walls"`
}

// InBounds reports whether p is a cell of the maze grid.
func (m *Maze) InBounds(p Position) bool {
	return p.R >= 0 && p.R < m.GridSize && p.C >= 0 && p.C < m.GridSize
}

// EdgeWall returns the canonical wall that would separate from and the
// adjacent cell in the given direction. ok is false if the direction is
// unknown.
func EdgeWall(from Position, dir Direction) (Wall, bool) {
	switch dir {
	case DirUp:
		return Wall{Type: WallHorizontal, R: from.R - 1, C: from.C}, true
	case DirDown:
		return Wall{Type: WallHorizontal, R: from.R, C: from.C}, true
	case DirLeft:
		return Wall{Type: WallVertical, R: from.R, C: from.C - 1}, true
	case DirRight:
		return Wall{Type: WallVertical, R: from.R, C: from.C}, true
	}
	return Wall{}, false
}

// HasWall reports whether the given wall is part of the maze.
func (m *Maze) HasWall(w Wall) bool {
	for _, have := range m.Walls {
		if have == w {
			return true
		}
	}
	return false
}

// IsBlocked reports whether a single-step move from the given cell is
// impossible: the target lies outside the grid, or the shared edge
// carries a wall. Both sides of an edge resolve to the same canonical
// wall, so the check is symmetric regardless of travel direction.
func (m *Maze) IsBlocked(from Position, dir Direction) bool {
	dr, dc, ok := dir.Delta()
	if !ok {
		return true
	}
	to := Position{R: from.R + dr, C: from.C + dc}
	if !m.InBounds(to) {
		return true
	}
	w, _ := EdgeWall(from, dir)
	return m.HasWall(w)
}

// Validate checks a submitted maze against the configured grid size and
// wall budget, and verifies that the goal is reachable from the start.
func (m *Maze) Validate(gridSize, wallBudget int) error {
	if m.GridSize != gridSize {
		return fmt.Errorf("%w: got %d, want %d", ErrGridMismatch, m.GridSize, gridSize)
	}
	if !m.InBounds(m.Start) {
		return fmt.Errorf("start %v: %w", m.Start, ErrOutOfBounds)
	}
	if !m.InBounds(m.Goal) {
		return fmt.Errorf("goal %v: %w", m.Goal, ErrOutOfBounds)
	}
	if m.Start == m.Goal {
		return fmt.Errorf("start and goal coincide at %v: %w", m.Start, ErrOutOfBounds)
	}
	if len(m.Walls) != wallBudget {
		return fmt.Errorf("%w: got %d walls, budget is %d", ErrWallBudget, len(m.Walls), wallBudget)
	}

	seen := make(map[Wall]struct{}, len(m.Walls))
	for _, w := range m.Walls {
		if err := m.checkWallPlacement(w); err != nil {
			return err
		}
		if _, dup := seen[w]; dup {
			return fmt.Errorf("%w: %s at (%d,%d)", ErrDuplicateWall, w.Type, w.R, w.C)
		}
		seen[w] = struct{}{}
	}

	if !m.reachable() {
		return fmt.Errorf("start %v to goal %v: %w", m.Start, m.Goal, ErrUnreachable)
	}
	return nil
}

// checkWallPlacement verifies that a wall sits on an interior edge.
func (m *Maze) checkWallPlacement(w Wall) error {
	switch w.Type {
	case WallHorizontal:
		// Between (r,c) and (r+1,c): the keyed row must have a row below it.
		if w.R < 0 || w.R >= m.GridSize-1 || w.C < 0 || w.C >= m.GridSize {
			return fmt.Errorf("horizontal wall (%d,%d): %w", w.R, w.C, ErrOutOfBounds)
		}
	case WallVertical:
		// Between (r,c) and (r,c+1): the keyed column must have a column to its right.
		if w.R < 0 || w.R >= m.GridSize || w.C < 0 || w.C >= m.GridSize-1 {
			return fmt.Errorf("vertical wall (%d,%d): %w", w.R, w.C, ErrOutOfBounds)
		}
	default:
		return fmt.Errorf("wall type %q: %w", w.Type, ErrOutOfBounds)
	}
	return nil
}

// reachable runs a breadth-first search over the 4-neighbour grid graph
// treating walls as impassable edges.
func (m *Maze) reachable() bool {
	visited := make(map[Position]bool, m.GridSize*m.GridSize)
	queue := []Position{m.Start}
	visited[m.Start] = true

	dirs := []Direction{DirUp, DirDown, DirLeft, DirRight}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == m.Goal {
			return true
		}
		for _, dir := range dirs {
			if m.IsBlocked(cur, dir) {
				continue
			}
			dr, dc, _ := dir.Delta()
			next := Position{R: cur.R + dr, C: cur.C + dc}
			if visited[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}
	return false
}
