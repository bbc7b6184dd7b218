package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/wfunc/labyrinth/models"
)

func newTestStore() *MemoryStore {
	return NewMemoryStore(3, 2*time.Second)
}

func seedMatch(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	m := &models.Match{
		ID:           id,
		Participants: []string{"alice", "bob"},
		Phase:        models.PhaseAwaitingMazes,
	}
	if err := s.Create(context.Background(), m); err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestMemoryStore_GetReturnsClone(t *testing.T) {
	s := newTestStore()
	seedMatch(t, s, "m1")

	first, err := s.Get(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	first.Phase = models.PhaseFinished
	first.Participants[0] = "mallory"

	second, err := s.Get(context.Background(), "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if second.Phase != models.PhaseAwaitingMazes || second.Participants[0] != "alice" {
		t.Error("mutating a returned document must not affect the store")
	}

	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrMatchNotFound) {
		t.Errorf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := newTestStore()
	seedMatch(t, s, "m1")
	if err := s.Create(context.Background(), &models.Match{ID: "m1"}); err == nil {
		t.Error("expected duplicate create to fail")
	}
}

func TestMemoryStore_TransactCommits(t *testing.T) {
	s := newTestStore()
	seedMatch(t, s, "m1")

	committed, err := s.Transact(context.Background(), "m1", func(m *models.Match) error {
		m.TurnNumber = 7
		return nil
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if committed.TurnNumber != 7 {
		t.Errorf("expected committed turn 7, got %d", committed.TurnNumber)
	}

	got, _ := s.Get(context.Background(), "m1")
	if got.TurnNumber != 7 {
		t.Errorf("commit not visible to Get: %d", got.TurnNumber)
	}
}

func TestMemoryStore_TransactFnErrorAborts(t *testing.T) {
	s := newTestStore()
	seedMatch(t, s, "m1")

	boom := errors.New("boom")
	if _, err := s.Transact(context.Background(), "m1", func(m *models.Match) error {
		m.TurnNumber = 99
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected fn error to pass through, got %v", err)
	}

	got, _ := s.Get(context.Background(), "m1")
	if got.TurnNumber != 0 {
		t.Error("aborted transaction must not be visible")
	}
}

func TestMemoryStore_TransactRetriesOnConflict(t *testing.T) {
	s := newTestStore()
	seedMatch(t, s, "m1")

	calls := 0
	committed, err := s.Transact(context.Background(), "m1", func(m *models.Match) error {
		calls++
		if calls == 1 {
			// A concurrent writer bumps the version between our read
			// and our commit.
			if _, err := s.Transact(context.Background(), "m1", func(inner *models.Match) error {
				inner.GoalCounter++
				return nil
			}); err != nil {
				return err
			}
		}
		m.TurnNumber++
		return nil
	})
	if err != nil {
		t.Fatalf("Transact: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected fn to re-run once after the conflict, ran %d times", calls)
	}
	if committed.GoalCounter != 1 || committed.TurnNumber != 1 {
		t.Errorf("retry must see the concurrent write: %+v", committed)
	}
}

func TestMemoryStore_TransactExhaustsRetries(t *testing.T) {
	s := NewMemoryStore(1, 2*time.Second)
	seedMatch(t, s, "m1")

	_, err := s.Transact(context.Background(), "m1", func(m *models.Match) error {
		if _, err := s.Transact(context.Background(), "m1", func(inner *models.Match) error {
			inner.GoalCounter++
			return nil
		}); err != nil {
			return err
		}
		m.TurnNumber++
		return nil
	})
	if !errors.Is(err, ErrTransient) {
		t.Errorf("expected ErrTransient after retry exhaustion, got %v", err)
	}
}

func TestMemoryStore_TransactMissingMatch(t *testing.T) {
	s := newTestStore()
	if _, err := s.Transact(context.Background(), "nope", func(m *models.Match) error {
		return nil
	}); !errors.Is(err, ErrMatchNotFound) {
		t.Errorf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestMemoryStore_SubscribeDeliversInCommitOrder(t *testing.T) {
	s := newTestStore()
	seedMatch(t, s, "m1")

	updates, cancel := s.Subscribe("m1")
	defer cancel()

	for i := int64(1); i <= 3; i++ {
		turn := i
		if _, err := s.Transact(context.Background(), "m1", func(m *models.Match) error {
			m.TurnNumber = turn
			return nil
		}); err != nil {
			t.Fatalf("Transact %d: %v", i, err)
		}
	}

	for want := int64(1); want <= 3; want++ {
		select {
		case m := <-updates:
			if m.TurnNumber != want {
				t.Fatalf("out of order: expected turn %d, got %d", want, m.TurnNumber)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for update %d", want)
		}
	}
}

func TestMemoryStore_CancelledSubscriberSkipped(t *testing.T) {
	s := newTestStore()
	seedMatch(t, s, "m1")

	updates, cancel := s.Subscribe("m1")
	cancel()
	cancel() // idempotent

	if _, err := s.Transact(context.Background(), "m1", func(m *models.Match) error {
		m.TurnNumber = 1
		return nil
	}); err != nil {
		t.Fatalf("Transact: %v", err)
	}

	select {
	case m, ok := <-updates:
		if ok {
			t.Fatalf("cancelled subscriber received an update: %+v", m)
		}
	default:
	}
}

func TestMemoryStore_ConcurrentCommitsDeliverInOrder(t *testing.T) {
	s := NewMemoryStore(1000, time.Minute)
	seedMatch(t, s, "m1")

	updates, cancel := s.Subscribe("m1")
	defer cancel()

	const writers = 8
	const perWriter = 20
	total := writers * perWriter

	// Every transaction increments the turn, so delivery must be the
	// exact sequence 1..total.
	var orderErr error
	received := make(chan struct{})
	go func() {
		defer close(received)
		last := int64(0)
		for i := 0; i < total; i++ {
			m := <-updates
			if orderErr == nil && m.TurnNumber != last+1 {
				orderErr = fmt.Errorf("turn %d delivered after %d", m.TurnNumber, last)
			}
			last = m.TurnNumber
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := s.Transact(context.Background(), "m1", func(m *models.Match) error {
					m.TurnNumber++
					return nil
				}); err != nil {
					t.Errorf("Transact: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive every commit")
	}
	if orderErr != nil {
		t.Fatalf("out-of-order delivery: %v", orderErr)
	}

	got, _ := s.Get(context.Background(), "m1")
	if got.TurnNumber != int64(total) {
		t.Errorf("expected final turn %d, got %d", total, got.TurnNumber)
	}
}

func TestMemoryStore_CancelClosesSubscription(t *testing.T) {
	s := newTestStore()
	seedMatch(t, s, "m1")

	updates, cancel := s.Subscribe("m1")
	cancel()

	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("expected the channel to be closed, got an update")
		}
	case <-time.After(time.Second):
		t.Fatal("cancel did not close the subscription channel")
	}
}

func TestMemoryStore_TransactCancelledContext(t *testing.T) {
	s := newTestStore()
	seedMatch(t, s, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Transact(ctx, "m1", func(m *models.Match) error {
		m.TurnNumber++
		return nil
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if errors.Is(err, ErrTransient) {
		t.Error("caller cancellation must not look retryable")
	}

	got, _ := s.Get(context.Background(), "m1")
	if got.TurnNumber != 0 {
		t.Error("cancelled transaction must not commit")
	}
}

func TestMemoryStore_AppendHistory(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		if err := s.Append(ctx, "m1", ChannelChat, []byte(text)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := s.Append(ctx, "m1", ChannelEvents, []byte("other channel")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	records, err := s.History(ctx, "m1", ChannelChat, 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected last 3 records, got %d", len(records))
	}
	for i, want := range []string{"three", "four", "five"} {
		if string(records[i]) != want {
			t.Errorf("record %d: expected %q, got %q", i, want, records[i])
		}
	}

	all, err := s.History(ctx, "m1", ChannelChat, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 5 {
		t.Errorf("expected all 5 records without a limit, got %d", len(all))
	}
}
