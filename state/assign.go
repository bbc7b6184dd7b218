package state

import (
	"fmt"
	"math/rand"
)

// Derange maps every participant to the owner of the maze they must
// solve: a permutation with no fixed points. Two players simply swap;
// larger matches shuffle until no player draws their own maze
// (Fisher-Yates, redrawn on fixed points — four elements leave a
// derangement on over a third of draws, so the loop is short).
func Derange(participants []string) map[string]string {
	n := len(participants)
	out := make(map[string]string, n)
	if n == 2 {
		out[participants[0]] = participants[1]
		out[participants[1]] = participants[0]
		return out
	}
	perm := make([]int, n)
	for {
		for i := range perm {
			perm[i] = i
		}
		rand.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		ok := true
		for i, p := range perm {
			if i == p {
				ok = false
				break
			}
		}
		if ok {
			break
		}
	}
	for i, p := range perm {
		out[participants[i]] = participants[p]
	}
	return out
}

// CheckDerangement verifies an assignment is a fixed-point-free
// permutation of the participants.
func CheckDerangement(participants []string, assignment map[string]string) error {
	if len(assignment) != len(participants) {
		return fmt.Errorf("%w: %d assignments for %d participants", ErrIllegalAssignment, len(assignment), len(participants))
	}
	used := make(map[string]bool, len(participants))
	for _, p := range participants {
		target, ok := assignment[p]
		if !ok {
			return fmt.Errorf("%w: %s has no assignment", ErrIllegalAssignment, p)
		}
		if target == p {
			return fmt.Errorf("%w: %s assigned their own maze", ErrIllegalAssignment, p)
		}
		if used[target] {
			return fmt.Errorf("%w: maze of %s assigned twice", ErrIllegalAssignment, target)
		}
		used[target] = true
	}
	return nil
}
