package persistence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/labyrinth/models"
)

// MemoryStore 内存实现，单进程部署与测试用。
// 与数据库实现相同的乐观并发语义：版本号条件提交、冲突重试。
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]*memoryDoc
	appends map[string][][]byte // key: matchID + "/" + channel
	hub     *subscriberHub

	retries  int
	deadline time.Duration
}

type memoryDoc struct {
	match   *models.Match
	version int64
}

// NewMemoryStore creates an empty in-memory store. retries bounds the
// optimistic retry loop; deadline is the per-transaction wall clock.
func NewMemoryStore(retries int, deadline time.Duration) *MemoryStore {
	if retries < 1 {
		retries = 1
	}
	return &MemoryStore{
		docs:     make(map[string]*memoryDoc),
		appends:  make(map[string][][]byte),
		hub:      newSubscriberHub(),
		retries:  retries,
		deadline: deadline,
	}
}

func (s *MemoryStore) Get(ctx context.Context, matchID string) (*models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[matchID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", matchID, ErrMatchNotFound)
	}
	return doc.match.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, m *models.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[m.ID]; exists {
		return fmt.Errorf("match %s already exists", m.ID)
	}
	s.docs[m.ID] = &memoryDoc{match: m.Clone(), version: 1}
	return nil
}

func (s *MemoryStore) Transact(ctx context.Context, matchID string, fn TxFunc) (*models.Match, error) {
	if s.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.deadline)
		defer cancel()
	}

	for attempt := 0; attempt < s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, mapCtxErr(err)
		}

		s.mu.Lock()
		doc, ok := s.docs[matchID]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("%s: %w", matchID, ErrMatchNotFound)
		}
		working := doc.match.Clone()
		readVersion := doc.version
		s.mu.Unlock()

		if err := fn(working); err != nil {
			return nil, err
		}

		// The commit lock stays held through publish so a concurrent
		// committer cannot slip its publish in between.
		commitMu := s.hub.commitLock(matchID)
		commitMu.Lock()
		s.mu.Lock()
		doc, ok = s.docs[matchID]
		if !ok {
			s.mu.Unlock()
			commitMu.Unlock()
			return nil, fmt.Errorf("%s: %w", matchID, ErrMatchNotFound)
		}
		if doc.version != readVersion {
			s.mu.Unlock()
			commitMu.Unlock()
			continue // conflict, re-run fn on a fresh copy
		}
		doc.match = working.Clone()
		doc.version++
		committed := doc.match
		s.mu.Unlock()

		s.hub.publish(matchID, committed)
		commitMu.Unlock()
		return committed.Clone(), nil
	}
	return nil, fmt.Errorf("%d conflicts: %w", s.retries, ErrTransient)
}

func (s *MemoryStore) Subscribe(matchID string) (<-chan *models.Match, func()) {
	return s.hub.subscribe(matchID)
}

func (s *MemoryStore) Append(ctx context.Context, matchID, channel string, doc []byte) error {
	key := matchID + "/" + channel
	cp := append([]byte(nil), doc...)
	s.mu.Lock()
	s.appends[key] = append(s.appends[key], cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) History(ctx context.Context, matchID, channel string, limit int) ([][]byte, error) {
	key := matchID + "/" + channel
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.appends[key]
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([][]byte, len(records))
	for i, r := range records {
		out[i] = append([]byte(nil), r...)
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
