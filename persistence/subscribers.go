package persistence

import (
	"sync"

	"github.com/wfunc/labyrinth/models"
)

// subscriberHub 按比赛分发已提交的文档，所有存储实现共用。
// publish 持有锁，保证订阅者按提交顺序收到每一次变更。
type subscriberHub struct {
	mu    sync.Mutex
	subs  map[string][]*subscriber
	locks map[string]*sync.Mutex
}

type subscriber struct {
	ch   chan *models.Match
	done chan struct{}
}

func newSubscriberHub() *subscriberHub {
	return &subscriberHub{
		subs:  make(map[string][]*subscriber),
		locks: make(map[string]*sync.Mutex),
	}
}

// commitLock returns the per-match mutex a store must hold from its
// conditional write until after publish. Two committers on the same
// match otherwise race between commit and publish, and subscribers
// would observe mutations out of commit order.
func (h *subscriberHub) commitLock(matchID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[matchID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[matchID] = l
	}
	return l
}

// subscribe registers a listener for the match. The returned cancel
// unregisters it and closes the channel, so a range over the channel
// terminates on cancel alone.
func (h *subscriberHub) subscribe(matchID string) (<-chan *models.Match, func()) {
	sub := &subscriber{
		ch:   make(chan *models.Match, 16),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[matchID] = append(h.subs[matchID], sub)
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Unblock any in-flight publish first; it holds h.mu while
			// delivering, so once we get the lock no send can race the
			// close below.
			close(sub.done)
			h.mu.Lock()
			list := h.subs[matchID]
			for i, s := range list {
				if s == sub {
					h.subs[matchID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(h.subs[matchID]) == 0 {
				delete(h.subs, matchID)
			}
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// publish delivers a committed document to every subscriber of the
// match. Each subscriber gets its own clone. A cancelled subscriber is
// skipped; a slow one blocks delivery rather than losing or reordering
// a mutation.
func (h *subscriberHub) publish(matchID string, m *models.Match) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[matchID] {
		select {
		case <-sub.done:
		case sub.ch <- m.Clone():
		}
	}
}
