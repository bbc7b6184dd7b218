package state

import (
	"errors"
	"testing"
	"time"

	"github.com/wfunc/labyrinth/maze"
	"github.com/wfunc/labyrinth/models"
)

var testRules = Rules{GridSize: 5, WallBudget: 8}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// clearStartMaze leaves the border path right 4, down 4 from (0,0) to
// (4,4) completely open.
func clearStartMaze() *maze.Maze {
	return &maze.Maze{
		GridSize: 5,
		Start:    maze.Position{R: 0, C: 0},
		Goal:     maze.Position{R: 4, C: 4},
		Walls: []maze.Wall{
			{Type: maze.WallHorizontal, R: 0, C: 1},
			{Type: maze.WallHorizontal, R: 1, C: 3},
			{Type: maze.WallHorizontal, R: 2, C: 0},
			{Type: maze.WallHorizontal, R: 3, C: 2},
			{Type: maze.WallVertical, R: 1, C: 1},
			{Type: maze.WallVertical, R: 2, C: 3},
			{Type: maze.WallVertical, R: 3, C: 0},
			{Type: maze.WallVertical, R: 4, C: 2},
		},
	}
}

// blockedStartMaze carries a wall directly below the start cell.
func blockedStartMaze() *maze.Maze {
	m := clearStartMaze()
	m.Walls[0] = maze.Wall{Type: maze.WallHorizontal, R: 0, C: 0}
	return m
}

// borderPath walks the open border route of clearStartMaze.
var borderPath = []maze.Direction{
	maze.DirRight, maze.DirRight, maze.DirRight, maze.DirRight,
	maze.DirDown, maze.DirDown, maze.DirDown, maze.DirDown,
}

func duelInPlay(t *testing.T, mzAlice, mzBob *maze.Maze) *models.Match {
	t.Helper()
	m, err := NewMatch("m1", []string{"alice", "bob"}, t0)
	if err != nil {
		t.Fatalf("NewMatch: %v", err)
	}
	if _, err := SubmitMaze(m, "alice", mzAlice, testRules, t0); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if _, err := SubmitMaze(m, "bob", mzBob, testRules, t0); err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	return m
}

// fourPlayerInPlay builds an InPlay document by hand so the assignment
// is deterministic: every player solves the next player's maze.
func fourPlayerInPlay() *models.Match {
	participants := []string{"alice", "bob", "carol", "dave"}
	m := &models.Match{
		ID:           "m4",
		Participants: participants,
		Phase:        models.PhaseInPlay,
		Mazes:        make(map[string]*maze.Maze, 4),
		Assignment:   make(map[string]string, 4),
		PlayerStates: make(map[string]*models.PlayerState, 4),
		TurnNumber:   1,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
	for i, p := range participants {
		m.Mazes[p] = clearStartMaze()
		m.Assignment[p] = participants[(i+1)%4]
	}
	for _, p := range participants {
		start := m.Mazes[m.Assignment[p]].Start
		m.PlayerStates[p] = &models.PlayerState{
			Position:      start,
			RevealedCells: map[string]bool{models.CellKey(start): true},
			RevealedWalls: []maze.Wall{},
			LastMoveTime:  t0,
		}
	}
	m.CurrentTurnPlayerID = participants[0]
	return m
}

func TestNewMatch_ParticipantCount(t *testing.T) {
	for _, n := range []int{0, 1, 3, 5} {
		players := make([]string, n)
		for i := range players {
			players[i] = string(rune('a' + i))
		}
		if _, err := NewMatch("m", players, t0); !errors.Is(err, ErrIllegalParticipantCount) {
			t.Errorf("%d players: expected ErrIllegalParticipantCount, got %v", n, err)
		}
	}

	if _, err := NewMatch("m", []string{"alice", "alice"}, t0); !errors.Is(err, ErrIllegalAssignment) {
		t.Errorf("duplicate participant: expected ErrIllegalAssignment, got %v", err)
	}
}

func TestSubmitMaze_StartsPlayWhenComplete(t *testing.T) {
	m, err := NewMatch("m1", []string{"alice", "bob"}, t0)
	if err != nil {
		t.Fatalf("NewMatch: %v", err)
	}

	events, err := SubmitMaze(m, "alice", clearStartMaze(), testRules, t0)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventMazeSubmitted {
		t.Fatalf("expected one maze_submitted event, got %+v", events)
	}
	if m.Phase != models.PhaseAwaitingMazes {
		t.Fatalf("phase changed after a single submission: %s", m.Phase)
	}

	events, err = SubmitMaze(m, "bob", clearStartMaze(), testRules, t0)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if len(events) != 2 || events[1].Kind != EventPhaseChanged {
		t.Fatalf("expected maze_submitted + phase_changed, got %+v", events)
	}

	if m.Phase != models.PhaseInPlay {
		t.Errorf("expected in_play, got %s", m.Phase)
	}
	if m.CurrentTurnPlayerID != "alice" {
		t.Errorf("first participant should be active, got %s", m.CurrentTurnPlayerID)
	}
	if m.TurnNumber != 1 {
		t.Errorf("expected turn 1, got %d", m.TurnNumber)
	}
	if m.Assignment["alice"] != "bob" || m.Assignment["bob"] != "alice" {
		t.Errorf("two players should swap mazes, got %v", m.Assignment)
	}
	for _, p := range m.Participants {
		ps := m.PlayerStates[p]
		if ps == nil {
			t.Fatalf("no state for %s", p)
		}
		start := m.Mazes[m.Assignment[p]].Start
		if ps.Position != start {
			t.Errorf("%s should start at %v, got %v", p, start, ps.Position)
		}
		if !ps.RevealedCells[models.CellKey(start)] {
			t.Errorf("%s start cell should be pre-revealed", p)
		}
		if ps.Score != 0 {
			t.Errorf("%s pre-revealed start should not score, got %d", p, ps.Score)
		}
	}
}

func TestSubmitMaze_Guards(t *testing.T) {
	m, _ := NewMatch("m1", []string{"alice", "bob"}, t0)

	if _, err := SubmitMaze(m, "mallory", clearStartMaze(), testRules, t0); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("expected ErrUnknownParticipant, got %v", err)
	}

	bad := clearStartMaze()
	bad.Walls = bad.Walls[:5]
	if _, err := SubmitMaze(m, "alice", bad, testRules, t0); !errors.Is(err, maze.ErrWallBudget) {
		t.Errorf("expected wall budget error, got %v", err)
	}
	if _, ok := m.Mazes["alice"]; ok {
		t.Error("rejected maze must not be recorded")
	}

	if _, err := SubmitMaze(m, "alice", clearStartMaze(), testRules, t0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := SubmitMaze(m, "alice", clearStartMaze(), testRules, t0); !errors.Is(err, ErrAlreadySubmitted) {
		t.Errorf("expected ErrAlreadySubmitted, got %v", err)
	}

	if _, err := SubmitMaze(m, "bob", clearStartMaze(), testRules, t0); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := SubmitMaze(m, "bob", clearStartMaze(), testRules, t0); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("expected ErrWrongPhase after play started, got %v", err)
	}
}

func TestMove_FirstToGoalWinsDuel(t *testing.T) {
	m := duelInPlay(t, clearStartMaze(), clearStartMaze())

	step := map[string]int{}
	var last *MoveOutcome
	var lastEvents []Event
	for i := 0; m.Phase == models.PhaseInPlay; i++ {
		if i > 32 {
			t.Fatal("match did not terminate")
		}
		p := m.CurrentTurnPlayerID
		out, events, err := Move(m, p, borderPath[step[p]], t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("move %d by %s: %v", i, p, err)
		}
		step[p]++
		last, lastEvents = out, events
	}

	// alice goes first, so she completes the 8-step route first.
	if step["alice"] != 8 || step["bob"] != 7 {
		t.Errorf("expected alice 8 / bob 7 moves, got %d / %d", step["alice"], step["bob"])
	}
	if !last.ReachedGoal || !last.Finished {
		t.Errorf("final outcome should carry goal and finish, got %+v", last)
	}
	if m.Phase != models.PhaseFinished {
		t.Errorf("expected finished, got %s", m.Phase)
	}
	if m.CurrentTurnPlayerID != "" {
		t.Errorf("finished match should have no active player, got %q", m.CurrentTurnPlayerID)
	}
	if m.GoalCounter != 1 {
		t.Errorf("expected goal counter 1, got %d", m.GoalCounter)
	}
	if m.PlayerStates["alice"].Rank != 1 || m.PlayerStates["bob"].Rank != 2 {
		t.Errorf("expected alice 1st / bob 2nd, got %d / %d",
			m.PlayerStates["alice"].Rank, m.PlayerStates["bob"].Rank)
	}

	kinds := make([]string, len(lastEvents))
	for i, ev := range lastEvents {
		kinds[i] = ev.Kind
	}
	want := []string{EventGoalReached, EventPhaseChanged, EventMatchFinished}
	if len(kinds) != len(want) {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, kinds)
		}
	}
}

func TestMove_ExplorationBonusOncePerCell(t *testing.T) {
	m := duelInPlay(t, clearStartMaze(), clearStartMaze())

	out, _, err := Move(m, "alice", maze.DirRight, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !out.Moved || out.ScoreGained != 1 {
		t.Fatalf("first visit should score 1, got %+v", out)
	}

	if _, _, err := Move(m, "bob", maze.DirRight, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("move: %v", err)
	}

	// Back to the pre-revealed start cell: no bonus.
	out, _, err = Move(m, "alice", maze.DirLeft, t0.Add(3*time.Second))
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if !out.Moved || out.ScoreGained != 0 {
		t.Fatalf("revisit should not score, got %+v", out)
	}
	if got := m.PlayerStates["alice"].Score; got != 1 {
		t.Errorf("expected score 1 after revisit, got %d", got)
	}
	if got := len(m.PlayerStates["alice"].RevealedCells); got != 2 {
		t.Errorf("expected 2 revealed cells, got %d", got)
	}
}

func TestMove_BlockedConsumesTurn(t *testing.T) {
	// bob's maze has a wall below the start cell; alice solves it.
	m := duelInPlay(t, clearStartMaze(), blockedStartMaze())

	out, events, err := Move(m, "alice", maze.DirDown, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("blocked move should not be an error: %v", err)
	}
	if out.Moved || !out.Blocked {
		t.Fatalf("expected blocked outcome, got %+v", out)
	}
	ps := m.PlayerStates["alice"]
	if ps.Position != (maze.Position{R: 0, C: 0}) {
		t.Errorf("position must not change on a blocked move, got %v", ps.Position)
	}
	if len(ps.RevealedWalls) != 1 || ps.RevealedWalls[0] != (maze.Wall{Type: maze.WallHorizontal, R: 0, C: 0}) {
		t.Errorf("blocking wall should be revealed, got %v", ps.RevealedWalls)
	}
	if out.NextPlayer != "bob" {
		t.Errorf("blocked move must consume the turn, next is %q", out.NextPlayer)
	}
	if len(events) != 1 || events[0].Kind != EventMoveBlocked {
		t.Errorf("expected a single move_blocked event, got %+v", events)
	}

	// Bump the same wall again: still blocked, not revealed twice.
	if _, _, err := Move(m, "bob", maze.DirRight, t0.Add(2*time.Second)); err != nil {
		t.Fatalf("move: %v", err)
	}
	if _, _, err := Move(m, "alice", maze.DirDown, t0.Add(3*time.Second)); err != nil {
		t.Fatalf("move: %v", err)
	}
	if got := len(m.PlayerStates["alice"].RevealedWalls); got != 1 {
		t.Errorf("wall revealed twice: %d entries", got)
	}
}

func TestMove_OutOfBoundsDoesNotMutate(t *testing.T) {
	m := duelInPlay(t, clearStartMaze(), clearStartMaze())

	before := m.TurnNumber
	if _, _, err := Move(m, "alice", maze.DirUp, t0.Add(time.Second)); !errors.Is(err, maze.ErrOutOfBounds) {
		t.Fatalf("expected ErrOutOfBounds, got %v", err)
	}
	if m.TurnNumber != before {
		t.Error("failed move must not consume the turn")
	}
	if m.CurrentTurnPlayerID != "alice" {
		t.Errorf("failed move must not rotate the turn, active is %s", m.CurrentTurnPlayerID)
	}

	if _, _, err := Move(m, "alice", maze.Direction("sideways"), t0.Add(time.Second)); !errors.Is(err, maze.ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds for unknown direction, got %v", err)
	}
}

func TestMove_Guards(t *testing.T) {
	m, _ := NewMatch("m1", []string{"alice", "bob"}, t0)
	if _, _, err := Move(m, "alice", maze.DirRight, t0); !errors.Is(err, ErrWrongPhase) {
		t.Errorf("expected ErrWrongPhase before play, got %v", err)
	}

	m = duelInPlay(t, clearStartMaze(), clearStartMaze())
	if _, _, err := Move(m, "bob", maze.DirRight, t0); !errors.Is(err, ErrNotYourTurn) {
		t.Errorf("expected ErrNotYourTurn, got %v", err)
	}
	if _, _, err := Move(m, "mallory", maze.DirRight, t0); !errors.Is(err, ErrUnknownParticipant) {
		t.Errorf("expected ErrUnknownParticipant, got %v", err)
	}

	m4 := fourPlayerInPlay()
	goaled := t0
	m4.PlayerStates["alice"].GoalTime = &goaled
	if _, _, err := Move(m4, "alice", maze.DirRight, t0); !errors.Is(err, ErrAlreadyGoaled) {
		t.Errorf("expected ErrAlreadyGoaled, got %v", err)
	}
}

func TestMove_FourPlayerRunsUntilThreeGoal(t *testing.T) {
	m := fourPlayerInPlay()

	step := map[string]int{}
	var last *MoveOutcome
	for i := 0; m.Phase == models.PhaseInPlay; i++ {
		if i > 64 {
			t.Fatal("match did not terminate")
		}
		p := m.CurrentTurnPlayerID
		out, _, err := Move(m, p, borderPath[step[p]], t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("move %d by %s: %v", i, p, err)
		}
		step[p]++
		last = out
	}

	if !last.Finished {
		t.Error("final move should report the finish")
	}
	if m.GoalCounter != 3 {
		t.Errorf("four players finish at the third goal, counter is %d", m.GoalCounter)
	}
	wantRanks := map[string]int{"alice": 1, "bob": 2, "carol": 3, "dave": 4}
	for p, want := range wantRanks {
		if got := m.PlayerStates[p].Rank; got != want {
			t.Errorf("%s: expected rank %d, got %d", p, want, got)
		}
	}
	if m.PlayerStates["dave"].GoalTime != nil {
		t.Error("the last-place player never reached the goal")
	}
}

func TestNextPlayer_SkipsGoaled(t *testing.T) {
	m := fourPlayerInPlay()
	goaled := t0
	m.PlayerStates["bob"].GoalTime = &goaled
	m.CurrentTurnPlayerID = "alice"

	next, err := NextPlayer(m)
	if err != nil {
		t.Fatalf("NextPlayer: %v", err)
	}
	if next != "carol" {
		t.Errorf("expected carol (bob goaled), got %s", next)
	}

	m.CurrentTurnPlayerID = "ghost"
	if _, err := NextPlayer(m); !errors.Is(err, ErrNoActivePlayer) {
		t.Errorf("expected ErrNoActivePlayer, got %v", err)
	}
}

func TestTerminationThreshold(t *testing.T) {
	if got := TerminationThreshold(2); got != 1 {
		t.Errorf("duel threshold: got %d", got)
	}
	if got := TerminationThreshold(4); got != 3 {
		t.Errorf("four-player threshold: got %d", got)
	}
}

func TestDerange(t *testing.T) {
	two := []string{"alice", "bob"}
	got := Derange(two)
	if got["alice"] != "bob" || got["bob"] != "alice" {
		t.Errorf("two players must swap, got %v", got)
	}

	four := []string{"alice", "bob", "carol", "dave"}
	for i := 0; i < 100; i++ {
		if err := CheckDerangement(four, Derange(four)); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
	}
}

func TestCheckDerangement(t *testing.T) {
	four := []string{"alice", "bob", "carol", "dave"}
	cases := []struct {
		name       string
		assignment map[string]string
	}{
		{"fixed point", map[string]string{"alice": "alice", "bob": "carol", "carol": "dave", "dave": "bob"}},
		{"missing entry", map[string]string{"alice": "bob", "bob": "alice", "carol": "dave"}},
		{"target reused", map[string]string{"alice": "bob", "bob": "alice", "carol": "bob", "dave": "carol"}},
	}
	for _, tc := range cases {
		if err := CheckDerangement(four, tc.assignment); !errors.Is(err, ErrIllegalAssignment) {
			t.Errorf("%s: expected ErrIllegalAssignment, got %v", tc.name, err)
		}
	}
}

func TestAbandon_RanksByScoreThenOrder(t *testing.T) {
	m := fourPlayerInPlay()
	m.PlayerStates["alice"].Score = 2
	m.PlayerStates["bob"].Score = 2
	m.PlayerStates["carol"].Score = 5
	m.PlayerStates["dave"].Score = 0

	events, err := Abandon(m, t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if m.Phase != models.PhaseFinished {
		t.Fatalf("expected finished, got %s", m.Phase)
	}
	if len(events) != 2 || events[0].Kind != EventPhaseChanged || events[1].Kind != EventMatchFinished {
		t.Errorf("expected phase_changed + match_finished, got %+v", events)
	}

	// No goal times: score descending, then participant order.
	wantRanks := map[string]int{"carol": 1, "alice": 2, "bob": 3, "dave": 4}
	for p, want := range wantRanks {
		if got := m.PlayerStates[p].Rank; got != want {
			t.Errorf("%s: expected rank %d, got %d", p, want, got)
		}
	}

	// Already finished: nothing to do.
	events, err = Abandon(m, t0.Add(2*time.Minute))
	if err != nil || events != nil {
		t.Errorf("second abandon should be a no-op, got %v %v", events, err)
	}
}

func TestAbandon_GoalTimeBeatsScore(t *testing.T) {
	m := fourPlayerInPlay()
	goaled := t0.Add(time.Second)
	m.PlayerStates["bob"].GoalTime = &goaled
	m.PlayerStates["bob"].Score = 1
	m.PlayerStates["carol"].Score = 5

	if _, err := Abandon(m, t0.Add(time.Minute)); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if got := m.PlayerStates["bob"].Rank; got != 1 {
		t.Errorf("a goaled player outranks any score, bob got %d", got)
	}
	if got := m.PlayerStates["carol"].Rank; got != 2 {
		t.Errorf("expected carol 2nd on score, got %d", got)
	}
}

func TestAbandon_BeforePlayStarts(t *testing.T) {
	m, _ := NewMatch("m1", []string{"alice", "bob"}, t0)
	if _, err := Abandon(m, t0.Add(time.Minute)); err != nil {
		t.Fatalf("Abandon: %v", err)
	}
	if m.Phase != models.PhaseFinished {
		t.Fatalf("expected finished, got %s", m.Phase)
	}
	for _, p := range m.Participants {
		if m.PlayerStates[p] == nil {
			t.Fatalf("no state materialized for %s", p)
		}
		if m.PlayerStates[p].Rank == 0 {
			t.Errorf("%s should carry a rank", p)
		}
	}
}
