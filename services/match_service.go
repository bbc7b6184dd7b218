// services/match_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wfunc/labyrinth/broadcast"
	"github.com/wfunc/labyrinth/config"
	"github.com/wfunc/labyrinth/logger"
	"github.com/wfunc/labyrinth/maze"
	"github.com/wfunc/labyrinth/models"
	"github.com/wfunc/labyrinth/monitor"
	"github.com/wfunc/labyrinth/persistence"
	"github.com/wfunc/labyrinth/projection"
	"github.com/wfunc/labyrinth/state"
	"github.com/wfunc/labyrinth/timer"
)

// MatchService is the engine API. Every mutation runs inside a store
// transaction: the state functions see a fresh document, the commit is
// conditional on the version read, and events are published only after
// the commit succeeded. The service itself holds no match state beyond
// the ids it created (for the idle sweep).
type MatchService struct {
	store    persistence.Store
	cfg      config.GameConfig
	notifier broadcast.Notifier
	monitor  *monitor.Monitor

	mu   sync.Mutex
	live map[string]bool // match ids created by this process, for the sweep
}

func NewMatchService(store persistence.Store, cfg config.GameConfig, notifier broadcast.Notifier, mon *monitor.Monitor) *MatchService {
	return &MatchService{
		store:    store,
		cfg:      cfg,
		notifier: notifier,
		monitor:  mon,
		live:     make(map[string]bool),
	}
}

// CreateMatch starts a new match in AwaitingMazes for 2 or 4 players.
func (s *MatchService) CreateMatch(ctx context.Context, participants []string) (string, error) {
	id := uuid.New().String()
	m, err := state.NewMatch(id, participants, time.Now())
	if err != nil {
		return "", err
	}
	if err := s.store.Create(ctx, m); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.live[id] = true
	s.mu.Unlock()
	if s.monitor != nil {
		s.monitor.IncActiveMatches()
	}

	s.appendSystemMessage(ctx, id, "対戦を作成しました。迷路の提出をお待ちください。")
	logger.Log.Infof("match %s created with %d participants", id, len(participants))
	return id, nil
}

// SubmitMaze records one participant's maze; the last submission flips
// the match to InPlay.
func (s *MatchService) SubmitMaze(ctx context.Context, matchID, playerID string, mz *maze.Maze) error {
	rules := state.Rules{
		GridSize:   s.cfg.GridSize,
		WallBudget: s.cfg.WallBudget(mz.GridSize),
	}

	var events []state.Event
	_, err := s.store.Transact(ctx, matchID, func(m *models.Match) error {
		var err error
		events, err = state.SubmitMaze(m, playerID, mz, rules, time.Now())
		return err
	})
	if err != nil {
		return s.mapStoreErr(err)
	}
	s.publish(ctx, matchID, events)
	return nil
}

// Move applies one step for the active player.
func (s *MatchService) Move(ctx context.Context, matchID, playerID string, dir maze.Direction) (*state.MoveOutcome, error) {
	started := time.Now()

	var outcome *state.MoveOutcome
	var events []state.Event
	_, err := s.store.Transact(ctx, matchID, func(m *models.Match) error {
		var err error
		outcome, events, err = state.Move(m, playerID, dir, time.Now())
		return err
	})
	if err != nil {
		return nil, s.mapStoreErr(err)
	}

	if s.monitor != nil {
		s.monitor.IncMoves()
		if outcome.Blocked {
			s.monitor.IncBlockedMoves()
		}
		s.monitor.ObserveMoveLatency(time.Since(started))
	}
	if outcome.Finished {
		s.retire(matchID)
	}
	s.publish(ctx, matchID, events)
	return outcome, nil
}

// Abandon administratively finishes a match; ranks fall back to score.
func (s *MatchService) Abandon(ctx context.Context, matchID string) error {
	var events []state.Event
	_, err := s.store.Transact(ctx, matchID, func(m *models.Match) error {
		var err error
		events, err = state.Abandon(m, time.Now())
		return err
	})
	if err != nil {
		return s.mapStoreErr(err)
	}
	if len(events) > 0 {
		s.retire(matchID)
	}
	s.publish(ctx, matchID, events)
	return nil
}

// SendChat appends a participant's chat line and pushes it to watchers.
// Chat does not participate in the match transaction.
func (s *MatchService) SendChat(ctx context.Context, matchID, playerID, text string) error {
	m, err := s.store.Get(ctx, matchID)
	if err != nil {
		return s.mapStoreErr(err)
	}
	if !m.HasParticipant(playerID) {
		return fmt.Errorf("%w: %s", state.ErrUnknownParticipant, playerID)
	}

	msg := models.ChatMessage{
		ID:         uuid.New().String(),
		SenderID:   playerID,
		SenderName: shortName(playerID),
		Text:       text,
		Timestamp:  time.Now(),
	}
	doc, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.store.Append(ctx, matchID, persistence.ChannelChat, doc); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyChat(matchID, msg)
	}
	return nil
}

// ChatHistory returns the latest chat records in append order.
func (s *MatchService) ChatHistory(ctx context.Context, matchID string, limit int) ([]models.ChatMessage, error) {
	docs, err := s.store.History(ctx, matchID, persistence.ChannelChat, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChatMessage, 0, len(docs))
	for _, doc := range docs {
		var msg models.ChatMessage
		if err := json.Unmarshal(doc, &msg); err != nil {
			logger.Log.Warnf("skipping undecodable chat record in match %s: %v", matchID, err)
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// GetMatch returns the raw document. Admin/RPC use; clients go through
// Observe and only ever see projections.
func (s *MatchService) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	m, err := s.store.Get(ctx, matchID)
	if err != nil {
		return nil, s.mapStoreErr(err)
	}
	return m, nil
}

// Observe streams the viewer's projection: one view immediately, then
// one per committed mutation, in commit order. The returned cancel
// function stops the stream and closes the channel; cancelling ctx
// does the same.
func (s *MatchService) Observe(ctx context.Context, matchID, viewer string) (<-chan *projection.View, func(), error) {
	current, err := s.store.Get(ctx, matchID)
	if err != nil {
		return nil, nil, s.mapStoreErr(err)
	}
	first, err := projection.Build(current, viewer)
	if err != nil {
		return nil, nil, err
	}

	updates, cancel := s.store.Subscribe(matchID)
	out := make(chan *projection.View, 16)

	go func() {
		defer close(out)
		out <- first
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case m, ok := <-updates:
				if !ok {
					return
				}
				view, err := projection.Build(m, viewer)
				if err != nil {
					logger.Log.Errorf("projection for %s in match %s: %v", viewer, matchID, err)
					continue
				}
				select {
				case out <- view:
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// StartSweeper schedules the periodic idle-match sweep on the given
// timer manager and returns the task id.
func (s *MatchService) StartSweeper(tm *timer.Manager, checkEvery time.Duration) int64 {
	return tm.Schedule(checkEvery, checkEvery, s.sweepIdleMatches)
}

// sweepIdleMatches abandons matches nobody has touched for longer than
// the configured idle timeout.
func (s *MatchService) sweepIdleMatches() {
	timeout := s.cfg.MatchIdleTimeout()
	if timeout <= 0 {
		return
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, id := range ids {
		m, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, persistence.ErrMatchNotFound) {
				s.retire(id)
			}
			continue
		}
		if m.Phase == models.PhaseFinished {
			s.retire(id)
			continue
		}
		if time.Since(m.UpdatedAt) > timeout {
			logger.Log.Infof("abandoning idle match %s (last update %s)", id, m.UpdatedAt)
			if err := s.Abandon(ctx, id); err != nil {
				logger.Log.Errorf("abandon idle match %s: %v", id, err)
			}
		}
	}
}

// publish persists events and pushes them to connected watchers. The
// commit already happened; append failures are logged, not surfaced.
func (s *MatchService) publish(ctx context.Context, matchID string, events []state.Event) {
	for _, ev := range events {
		doc, err := json.Marshal(ev)
		if err != nil {
			logger.Log.Errorf("marshal event %s: %v", ev.ID, err)
			continue
		}
		if err := s.store.Append(ctx, matchID, persistence.ChannelEvents, doc); err != nil {
			logger.Log.Errorf("append event %s to match %s: %v", ev.ID, matchID, err)
		}
		if ev.Message != "" {
			s.appendSystemMessage(ctx, matchID, ev.Message)
		}
		if s.notifier != nil {
			s.notifier.NotifyEvent(matchID, ev)
		}
		if ev.Kind == state.EventMatchFinished && s.monitor != nil {
			s.monitor.IncMatchesFinished()
		}
	}
}

func (s *MatchService) appendSystemMessage(ctx context.Context, matchID, text string) {
	msg := models.ChatMessage{
		ID:         uuid.New().String(),
		SenderID:   models.SystemSenderID,
		SenderName: "システム",
		Text:       text,
		Timestamp:  time.Now(),
	}
	doc, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.store.Append(ctx, matchID, persistence.ChannelChat, doc); err != nil {
		logger.Log.Errorf("append system message to match %s: %v", matchID, err)
	}
	if s.notifier != nil {
		s.notifier.NotifyChat(matchID, msg)
	}
}

func (s *MatchService) retire(matchID string) {
	s.mu.Lock()
	if s.live[matchID] {
		delete(s.live, matchID)
		if s.monitor != nil {
			s.monitor.DecActiveMatches()
		}
	}
	s.mu.Unlock()
}

func (s *MatchService) mapStoreErr(err error) error {
	if errors.Is(err, persistence.ErrTransient) && s.monitor != nil {
		s.monitor.IncTransientErrors()
	}
	return err
}

// shortName matches the original client's display convention for
// player ids.
func shortName(playerID string) string {
	if len(playerID) <= 8 {
		return playerID
	}
	return playerID[:8] + "..."
}
