// Package projection derives the per-viewer visible slice of a match.
// This is the fog-of-war boundary: a client only ever receives what its
// participant is allowed to know, so the full wall set of a foreign
// maze never leaves the server.
package projection

import (
	"fmt"
	"time"

	"github.com/wfunc/labyrinth/maze"
	"github.com/wfunc/labyrinth/models"
	"github.com/wfunc/labyrinth/state"
)

// AssignedMaze is the viewer's knowledge of the maze they are solving:
// geometry and endpoints are public, walls only as far as the viewer
// has bumped into them.
type AssignedMaze struct {
	OwnerID       string        `json:"ownerId"`
	GridSize      int           `json:"gridSize"`
	Start         maze.Position `json:"start"`
	Goal          maze.Position `json:"goal"`
	RevealedWalls []maze.Wall   `json:"revealedWalls"`
}

// Opponent is the scoreboard entry for another participant.
type Opponent struct {
	ID        string         `json:"id"`
	Submitted bool           `json:"submitted"`
	Position  *maze.Position `json:"position,omitempty"`
	Score     int            `json:"score"`
	GoalTime  *time.Time     `json:"goalTime,omitempty"`
	Rank      int            `json:"rank,omitempty"`
}

// View is everything one participant may see of a match.
type View struct {
	MatchID             string              `json:"matchId"`
	Viewer              string              `json:"viewer"`
	Participants        []string            `json:"participants"`
	Phase               models.Phase        `json:"phase"`
	TurnNumber          int64               `json:"turnNumber"`
	GoalCounter         int                 `json:"goalCounter"`
	CurrentTurnPlayerID string              `json:"currentTurnPlayerId,omitempty"`
	Self                *models.PlayerState `json:"self,omitempty"`
	DesignedMaze        *maze.Maze          `json:"designedMaze,omitempty"`
	AssignedMaze        *AssignedMaze       `json:"assignedMaze,omitempty"`
	Opponents           []Opponent          `json:"opponents"`
}

// Build computes the viewer's projection of the match. It is a pure
// function of its inputs: the same document and viewer always produce
// the same view.
func Build(m *models.Match, viewer string) (*View, error) {
	if !m.HasParticipant(viewer) {
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownParticipant, viewer)
	}

	v := &View{
		MatchID:             m.ID,
		Viewer:              viewer,
		Participants:        append([]string(nil), m.Participants...),
		Phase:               m.Phase,
		TurnNumber:          m.TurnNumber,
		GoalCounter:         m.GoalCounter,
		CurrentTurnPlayerID: m.CurrentTurnPlayerID,
	}

	// The maze the viewer designed is theirs to see in full, including
	// every wall. It is the maze an opponent is solving, never the
	// viewer's own challenge.
	if own, ok := m.Mazes[viewer]; ok {
		cp := *own
		cp.Walls = append([]maze.Wall(nil), own.Walls...)
		v.DesignedMaze = &cp
	}

	if ps, ok := m.PlayerStates[viewer]; ok && ps != nil {
		v.Self = cloneState(ps)
	}

	if ownerID, ok := m.Assignment[viewer]; ok {
		if target, ok := m.Mazes[ownerID]; ok {
			am := &AssignedMaze{
				OwnerID:       ownerID,
				GridSize:      target.GridSize,
				Start:         target.Start,
				Goal:          target.Goal,
				RevealedWalls: []maze.Wall{},
			}
			if v.Self != nil {
				am.RevealedWalls = append([]maze.Wall(nil), v.Self.RevealedWalls...)
			}
			v.AssignedMaze = am
		}
	}

	// Scoreboard for everyone else: position, score, goal, rank. Their
	// revealed sets and the walls of the mazes they solve stay hidden.
	for _, p := range m.Participants {
		if p == viewer {
			continue
		}
		_, submitted := m.Mazes[p]
		op := Opponent{ID: p, Submitted: submitted}
		if ps, ok := m.PlayerStates[p]; ok && ps != nil {
			pos := ps.Position
			op.Position = &pos
			op.Score = ps.Score
			op.Rank = ps.Rank
			if ps.GoalTime != nil {
				t := *ps.GoalTime
				op.GoalTime = &t
			}
		}
		v.Opponents = append(v.Opponents, op)
	}
	return v, nil
}

func cloneState(ps *models.PlayerState) *models.PlayerState {
	cp := *ps
	cp.RevealedWalls = append([]maze.Wall(nil), ps.RevealedWalls...)
	cp.RevealedCells = make(map[string]bool, len(ps.RevealedCells))
	for k, val := range ps.RevealedCells {
		cp.RevealedCells[k] = val
	}
	if ps.GoalTime != nil {
		t := *ps.GoalTime
		cp.GoalTime = &t
	}
	return &cp
}
