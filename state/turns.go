package state

import (
	"github.com/wfunc/labyrinth/models"
)

// TerminationThreshold returns how many goaled players end the match:
// first to goal wins a duel, four-player matches run until only the
// last place is undecided.
func TerminationThreshold(participants int) int {
	if participants == 2 {
		return 1
	}
	return participants - 1
}

// NextPlayer returns the participant after the active one in list
// order, skipping anyone who already reached the goal, wrapping around.
// If every other participant has goaled the match should have
// terminated before this is called.
func NextPlayer(m *models.Match) (string, error) {
	cur := -1
	for i, p := range m.Participants {
		if p == m.CurrentTurnPlayerID {
			cur = i
			break
		}
	}
	if cur < 0 {
		return "", ErrNoActivePlayer
	}
	n := len(m.Participants)
	for step := 1; step <= n; step++ {
		candidate := m.Participants[(cur+step)%n]
		if ps := m.PlayerStates[candidate]; ps == nil || ps.GoalTime == nil {
			return candidate, nil
		}
	}
	return "", ErrNoActivePlayer
}
