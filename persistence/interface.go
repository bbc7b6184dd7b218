// persistence/interface.go
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/wfunc/labyrinth/models"
)

// 存储错误定义
var (
	ErrMatchNotFound = errors.New("match not found")
	// ErrConflict 乐观锁冲突，内部重试，不对外暴露
	ErrConflict = errors.New("transaction conflict")
	// ErrTransient 重试耗尽或事务超时后对调用方暴露
	ErrTransient = errors.New("transient storage failure, retry later")
	// ErrCancelled 调用方主动取消，不可重试
	ErrCancelled = errors.New("transaction cancelled by caller")
)

// mapCtxErr distinguishes the caller giving up from the transaction
// running out of time: a cancelled context is not retryable, an expired
// deadline is.
func mapCtxErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("transaction aborted: %w", ErrCancelled)
	}
	return fmt.Errorf("transaction deadline: %w", ErrTransient)
}

// TxFunc runs inside a transaction against a fresh copy of the match
// document. It must be idempotent: the store re-runs it on every
// optimistic-concurrency conflict. Mutations made to the document are
// committed if and only if the function returns nil.
type TxFunc func(m *models.Match) error

// Store 比赛文档存储接口
//
// 每场比赛一个文档；所有引擎变更都经过 Transact 串行化。
// Append 是独立的追加写通道（聊天/系统消息），不参与比赛事务。
type Store interface {
	// Get returns a copy of the current document.
	Get(ctx context.Context, matchID string) (*models.Match, error)

	// Create inserts the initial document for a new match.
	Create(ctx context.Context, m *models.Match) error

	// Transact re-reads the document, runs fn, and commits the result
	// conditionally on the version read. Conflicts are retried a bounded
	// number of times; exhaustion and deadline both surface ErrTransient.
	// On success the committed document is returned and delivered to
	// subscribers in commit order.
	Transact(ctx context.Context, matchID string, fn TxFunc) (*models.Match, error)

	// Subscribe delivers every committed mutation of the match in commit
	// order. The returned cancel function stops delivery and closes the
	// channel.
	Subscribe(matchID string) (<-chan *models.Match, func())

	// Append writes a record to an append-only per-match channel.
	Append(ctx context.Context, matchID, channel string, doc []byte) error

	// History returns the most recent records of a channel in append
	// order, at most limit entries.
	History(ctx context.Context, matchID, channel string, limit int) ([][]byte, error)

	Close() error
}

// Channel names used with Append.
const (
	ChannelChat   = "chat"
	ChannelEvents = "events"
)
