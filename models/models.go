package models

import (
	"fmt"
	"time"

	"github.com/wfunc/labyrinth/maze"
)

// Phase 比赛生命周期阶段
type Phase string

const (
	PhaseAwaitingMazes Phase = "awaiting_mazes"
	PhaseInPlay        Phase = "in_play"
	PhaseFinished      Phase = "finished"
)

// PlayerState is the per-participant progress inside the maze they were
// assigned. RevealedCells is keyed "r-c" (the layout the original
// client document used); RevealedWalls holds the canonical walls the
// player has bumped into. Both are append-only. GoalTime is write-once.
type PlayerState struct {
	Position      maze.Position   `json:"position"`
	RevealedCells map[string]bool `json:"revealedCells"`
	RevealedWalls []maze.Wall     `json:"revealedWalls"`
	Score         int             `json:"score"`
	GoalTime      *time.Time      `json:"goalTime,omitempty"`
	Rank          int             `json:"rank,omitempty"`
	LastMoveTime  time.Time       `json:"lastMoveTime"`
}

// Match 比赛文档，存储中的唯一共享可变对象
type Match struct {
	ID                  string                  `json:"id"`
	Participants        []string                `json:"participants"`
	Phase               Phase                   `json:"phase"`
	Mazes               map[string]*maze.Maze   `json:"mazes"`
	Assignment          map[string]string       `json:"assignment"`
	PlayerStates        map[string]*PlayerState `json:"playerStates"`
	CurrentTurnPlayerID string                  `json:"currentTurnPlayerId"`
	TurnNumber          int64                   `json:"turnNumber"`
	GoalCounter         int                     `json:"goalCounter"`
	CreatedAt           time.Time               `json:"createdAt"`
	UpdatedAt           time.Time               `json:"updatedAt"`
}

// CellKey builds the RevealedCells map key for a position.
func CellKey(p maze.Position) string {
	return fmt.Sprintf("%d-%d", p.R, p.C)
}

// HasParticipant reports whether id is part of the match.
func (m *Match) HasParticipant(id string) bool {
	for _, p := range m.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the match. Stores hand out clones so a
// subscriber or a failed transaction can never mutate the committed
// document.
func (m *Match) Clone() *Match {
	if m == nil {
		return nil
	}
	out := &Match{
		ID:                  m.ID,
		Participants:        append([]string(nil), m.Participants...),
		Phase:               m.Phase,
		CurrentTurnPlayerID: m.CurrentTurnPlayerID,
		TurnNumber:          m.TurnNumber,
		GoalCounter:         m.GoalCounter,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	if m.Mazes != nil {
		out.Mazes = make(map[string]*maze.Maze, len(m.Mazes))
		for id, mz := range m.Mazes {
			cp := *mz
			cp.Walls = append([]maze.Wall(nil), mz.Walls...)
			out.Mazes[id] = &cp
		}
	}
	if m.Assignment != nil {
		out.Assignment = make(map[string]string, len(m.Assignment))
		for k, v := range m.Assignment {
			out.Assignment[k] = v
		}
	}
	if m.PlayerStates != nil {
		out.PlayerStates = make(map[string]*PlayerState, len(m.PlayerStates))
		for id, ps := range m.PlayerStates {
			out.PlayerStates[id] = ps.clone()
		}
	}
	return out
}

func (ps *PlayerState) clone() *PlayerState {
	if ps == nil {
		return nil
	}
	cp := *ps
	cp.RevealedWalls = append([]maze.Wall(nil), ps.RevealedWalls...)
	if ps.RevealedCells != nil {
		cp.RevealedCells = make(map[string]bool, len(ps.RevealedCells))
		for k, v := range ps.RevealedCells {
			cp.RevealedCells[k] = v
		}
	}
	if ps.GoalTime != nil {
		t := *ps.GoalTime
		cp.GoalTime = &t
	}
	return &cp
}

// ChatMessage 聊天与系统消息记录（追加写，不参与比赛事务）
type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemSenderID is the sender id system messages are recorded under.
const SystemSenderID = "system"
