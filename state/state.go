// Package state implements the match state machine as pure functions
// over the Match document. Every operation takes the current document,
// mutates it to the next consistent state, and returns the events the
// caller should publish after commit. Nothing in this package performs
// I/O; the store transaction in services re-runs these functions on a
// fresh document whenever a commit conflicts.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/labyrinth/maze"
	"github.com/wfunc/labyrinth/models"
)

// State machine errors.
var (
	ErrWrongPhase              = errors.New("operation not allowed in current phase")
	ErrNotYourTurn             = errors.New("not this player's turn")
	ErrAlreadyGoaled           = errors.New("player has already reached the goal")
	ErrAlreadySubmitted        = errors.New("player has already submitted a maze")
	ErrUnknownParticipant      = errors.New("unknown participant")
	ErrIllegalAssignment       = errors.New("illegal maze assignment")
	ErrIllegalParticipantCount = errors.New("participant count must be 2 or 4")
	ErrNoActivePlayer          = errors.New("no non-goaled player left to take a turn")
)

// Rules carries the configured maze constraints the state machine
// validates submissions against.
type Rules struct {
	GridSize   int
	WallBudget int
}

// MoveOutcome describes what a single accepted move did.
type MoveOutcome struct {
	Moved       bool          `json:"moved"`
	Blocked     bool          `json:"blocked"`
	Position    maze.Position `json:"position"`
	ScoreGained int           `json:"scoreGained"`
	ReachedGoal bool          `json:"reachedGoal"`
	Finished    bool          `json:"finished"`
	TurnNumber  int64         `json:"turnNumber"`
	NextPlayer  string        `json:"nextPlayer,omitempty"`
}

// NewMatch builds the initial document: AwaitingMazes, no player states,
// no assignment. Participant order is fixed here and never changes; it
// is also the turn rotation order.
func NewMatch(id string, participants []string, now time.Time) (*models.Match, error) {
	if len(participants) != 2 && len(participants) != 4 {
		return nil, fmt.Errorf("%w: got %d", ErrIllegalParticipantCount, len(participants))
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p == "" || seen[p] {
			return nil, fmt.Errorf("%w: duplicate or empty participant %q", ErrIllegalAssignment, p)
		}
		seen[p] = true
	}
	return &models.Match{
		ID:           id,
		Participants: append([]string(nil), participants...),
		Phase:        models.PhaseAwaitingMazes,
		Mazes:        make(map[string]*maze.Maze),
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// SubmitMaze records a participant's maze. Submissions are write-once.
// When the last maze arrives the match transitions to InPlay: player
// states are materialized at the start cell of the maze each player was
// assigned, and the first participant in rotation becomes active.
func SubmitMaze(m *models.Match, playerID string, mz *maze.Maze, rules Rules, now time.Time) ([]Event, error) {
	if m.Phase != models.PhaseAwaitingMazes {
		return nil, fmt.Errorf("submit in phase %s: %w", m.Phase, ErrWrongPhase)
	}
	if !m.HasParticipant(playerID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, playerID)
	}
	if _, dup := m.Mazes[playerID]; dup {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubmitted, playerID)
	}
	if err := mz.Validate(rules.GridSize, rules.WallBudget); err != nil {
		return nil, err
	}

	m.Mazes[playerID] = mz
	m.UpdatedAt = now

	events := []Event{newEvent(m.ID, playerID, EventMazeSubmitted, now, "", map[string]any{
		"submitted": len(m.Mazes),
		"expected":  len(m.Participants),
	})}

	if len(m.Mazes) == len(m.Participants) {
		startEvents, err := startPlay(m, now)
		if err != nil {
			return nil, err
		}
		events = append(events, startEvents...)
	}
	return events, nil
}

// startPlay moves the match from AwaitingMazes to InPlay.
func startPlay(m *models.Match, now time.Time) ([]Event, error) {
	assignment := Derange(m.Participants)
	if err := CheckDerangement(m.Participants, assignment); err != nil {
		return nil, err
	}
	m.Assignment = assignment

	m.PlayerStates = make(map[string]*models.PlayerState, len(m.Participants))
	for _, p := range m.Participants {
		target := m.Mazes[assignment[p]]
		start := target.Start
		m.PlayerStates[p] = &models.PlayerState{
			Position:      start,
			RevealedCells: map[string]bool{models.CellKey(start): true},
			RevealedWalls: []maze.Wall{},
			LastMoveTime:  now,
		}
	}

	m.Phase = models.PhaseInPlay
	m.CurrentTurnPlayerID = m.Participants[0]
	m.TurnNumber = 1
	m.UpdatedAt = now

	ev := newEvent(m.ID, "", EventPhaseChanged, now,
		"全ての迷路が揃いました。ゲーム開始！", map[string]any{
			"phase":             string(models.PhaseInPlay),
			"currentTurnPlayer": m.CurrentTurnPlayerID,
		})
	return []Event{ev}, nil
}

// Move validates and applies one step for the active player. A blocked
// attempt is not an error: the wall becomes part of the player's
// revealed walls and the turn is consumed, matching the turn-per-action
// rule. Out-of-grid attempts fail without mutating anything.
func Move(m *models.Match, playerID string, dir maze.Direction, now time.Time) (*MoveOutcome, []Event, error) {
	if m.Phase != models.PhaseInPlay {
		return nil, nil, fmt.Errorf("move in phase %s: %w", m.Phase, ErrWrongPhase)
	}
	if !m.HasParticipant(playerID) {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownParticipant, playerID)
	}
	if m.CurrentTurnPlayerID != playerID {
		return nil, nil, fmt.Errorf("%w: active is %s", ErrNotYourTurn, m.CurrentTurnPlayerID)
	}
	ps := m.PlayerStates[playerID]
	if ps.GoalTime != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyGoaled, playerID)
	}

	ownerID, ok := m.Assignment[playerID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no maze assigned to %s", ErrIllegalAssignment, playerID)
	}
	mz, ok := m.Mazes[ownerID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: assigned maze of %s missing", ErrIllegalAssignment, ownerID)
	}

	dr, dc, ok := dir.Delta()
	if !ok {
		return nil, nil, fmt.Errorf("direction %q: %w", dir, maze.ErrOutOfBounds)
	}
	from := ps.Position
	to := maze.Position{R: from.R + dr, C: from.C + dc}
	if !mz.InBounds(to) {
		return nil, nil, fmt.Errorf("move to (%d,%d): %w", to.R, to.C, maze.ErrOutOfBounds)
	}

	var events []Event
	outcome := &MoveOutcome{Position: from}

	if wall, _ := maze.EdgeWall(from, dir); mz.HasWall(wall) {
		// Bumped into a hidden wall. The player learns the wall, the
		// turn is still consumed.
		outcome.Blocked = true
		if !hasWall(ps.RevealedWalls, wall) {
			ps.RevealedWalls = append(ps.RevealedWalls, wall)
		}
		ps.LastMoveTime = now
		events = append(events, newEvent(m.ID, playerID, EventMoveBlocked, now,
			"壁に阻まれて移動できません。", map[string]any{
				"wall": wall,
				"from": from,
			}))
	} else {
		outcome.Moved = true
		outcome.Position = to
		ps.Position = to
		if key := models.CellKey(to); !ps.RevealedCells[key] {
			ps.RevealedCells[key] = true
			ps.Score++
			outcome.ScoreGained = 1
		}
		ps.LastMoveTime = now

		if to == mz.Goal && ps.GoalTime == nil {
			goalAt := now
			ps.GoalTime = &goalAt
			m.GoalCounter++
			outcome.ReachedGoal = true
			events = append(events, newEvent(m.ID, playerID, EventGoalReached, now,
				"ゴール達成！", map[string]any{"goalTime": goalAt}))
		}
	}

	m.TurnNumber++
	m.UpdatedAt = now
	outcome.TurnNumber = m.TurnNumber

	if goaledCount(m) >= TerminationThreshold(len(m.Participants)) {
		events = append(events, finish(m, now)...)
		outcome.Finished = true
		return outcome, events, nil
	}

	next, err := NextPlayer(m)
	if err != nil {
		return nil, nil, err
	}
	m.CurrentTurnPlayerID = next
	outcome.NextPlayer = next
	return outcome, events, nil
}

// Abandon administratively terminates the match. Already finished
// matches are left untouched. Ranks fall back to the standard
// comparator, which for an unfinished match orders by score.
func Abandon(m *models.Match, now time.Time) ([]Event, error) {
	if m.Phase == models.PhaseFinished {
		return nil, nil
	}
	if m.PlayerStates == nil {
		// Abandoned before play started; materialize empty states so
		// ranks have somewhere to live.
		m.PlayerStates = make(map[string]*models.PlayerState, len(m.Participants))
		for _, p := range m.Participants {
			m.PlayerStates[p] = &models.PlayerState{RevealedCells: map[string]bool{}}
		}
	}
	events := finish(m, now)
	m.UpdatedAt = now
	return events, nil
}

// finish flips the phase to Finished and assigns ranks atomically with
// the transition.
func finish(m *models.Match, now time.Time) []Event {
	m.Phase = models.PhaseFinished
	m.CurrentTurnPlayerID = ""
	assignRanks(m)
	m.UpdatedAt = now

	ranks := make(map[string]any, len(m.Participants))
	for _, p := range m.Participants {
		ranks[p] = m.PlayerStates[p].Rank
	}
	return []Event{
		newEvent(m.ID, "", EventPhaseChanged, now, "ゲーム終了！", map[string]any{
			"phase": string(models.PhaseFinished),
		}),
		newEvent(m.ID, "", EventMatchFinished, now, "", map[string]any{
			"ranks": ranks,
		}),
	}
}

// assignRanks orders participants by goal time ascending (players who
// never goaled sort last), then score descending, then participant
// order, and writes rank 1..n.
func assignRanks(m *models.Match) {
	idx := make([]int, len(m.Participants))
	for i := range idx {
		idx[i] = i
	}
	key := func(i int) (int64, int) {
		ps := m.PlayerStates[m.Participants[i]]
		gt := int64(1<<62 - 1)
		if ps.GoalTime != nil {
			gt = ps.GoalTime.UnixMilli()
		}
		return gt, ps.Score
	}
	// Insertion sort keeps the participant-order tie break implicit:
	// equal keys never swap.
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0; j-- {
			gtA, scA := key(idx[j-1])
			gtB, scB := key(idx[j])
			if gtB < gtA || (gtB == gtA && scB > scA) {
				idx[j-1], idx[j] = idx[j], idx[j-1]
			} else {
				break
			}
		}
	}
	for rank, i := range idx {
		m.PlayerStates[m.Participants[i]].Rank = rank + 1
	}
}

func hasWall(walls []maze.Wall, w maze.Wall) bool {
	for _, have := range walls {
		if have == w {
			return true
		}
	}
	return false
}

func goaledCount(m *models.Match) int {
	n := 0
	for _, p := range m.Participants {
		if ps := m.PlayerStates[p]; ps != nil && ps.GoalTime != nil {
			n++
		}
	}
	return n
}
