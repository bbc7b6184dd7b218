package state

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds emitted by the state machine.
const (
	EventMazeSubmitted = "maze_submitted"
	EventPhaseChanged  = "phase_changed"
	EventMoveBlocked   = "move_blocked"
	EventGoalReached   = "goal_reached"
	EventMatchFinished = "match_finished"
)

// Event is a user-visible occurrence inside a match. Delivery is
// at-least-once; consumers deduplicate on ID. Message, when non-empty,
// is the human-readable system chat line for the event.
type Event struct {
	ID        string         `json:"id"`
	MatchID   string         `json:"matchId"`
	PlayerID  string         `json:"playerId,omitempty"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func newEvent(matchID, playerID, kind string, at time.Time, message string, payload map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		MatchID:   matchID,
		PlayerID:  playerID,
		Kind:      kind,
		Message:   message,
		Payload:   payload,
		Timestamp: at,
	}
}
