// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// PostgreSQL 驱动
	_ "github.com/lib/pq"

	"github.com/wfunc/labyrinth/models"
)

// PostgreSQL 原生 database/sql 存储实现，与GORM实现语义一致
type PostgreSQL struct {
	db  *sql.DB
	hub *subscriberHub

	retries  int
	deadline time.Duration
}

// NewPostgreSQL 创建 PostgreSQL 存储连接
func NewPostgreSQL(host string, port int, user, password, dbname string, retries int, deadline time.Duration) (*PostgreSQL, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	// 设置连接池参数
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initTables(db); err != nil {
		return nil, err
	}

	if retries < 1 {
		retries = 1
	}
	return &PostgreSQL{
		db:       db,
		hub:      newSubscriberHub(),
		retries:  retries,
		deadline: deadline,
	}, nil
}

// initTables 初始化数据库表结构
func initTables(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS match_docs (
            id SERIAL PRIMARY KEY,
            match_id VARCHAR(255) UNIQUE NOT NULL,
            doc JSONB NOT NULL,
            version BIGINT NOT NULL DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE TABLE IF NOT EXISTS match_events (
            id SERIAL PRIMARY KEY,
            match_id VARCHAR(255) NOT NULL,
            channel VARCHAR(100) NOT NULL,
            doc JSONB NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
        CREATE INDEX IF NOT EXISTS idx_match_events_match_channel
        ON match_events (match_id, channel, id)
    `)
	return err
}

func (p *PostgreSQL) Get(ctx context.Context, matchID string) (*models.Match, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM match_docs WHERE match_id = $1`, matchID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", matchID, ErrMatchNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeMatch(doc)
}

func (p *PostgreSQL) Create(ctx context.Context, m *models.Match) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO match_docs (match_id, doc, version) VALUES ($1, $2, 1)`,
		m.ID, doc)
	return err
}

func (p *PostgreSQL) Transact(ctx context.Context, matchID string, fn TxFunc) (*models.Match, error) {
	if p.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	for attempt := 0; attempt < p.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, mapCtxErr(err)
		}

		var doc []byte
		var version int64
		err := p.db.QueryRowContext(ctx,
			`SELECT doc, version FROM match_docs WHERE match_id = $1`, matchID).
			Scan(&doc, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", matchID, ErrMatchNotFound)
		}
		if err != nil {
			return nil, err
		}

		working, err := decodeMatch(doc)
		if err != nil {
			return nil, err
		}
		if err := fn(working); err != nil {
			return nil, err
		}

		next, err := json.Marshal(working)
		if err != nil {
			return nil, err
		}

		// 条件提交。提交锁覆盖写入和发布，保证发布顺序等于提交顺序
		commitMu := p.hub.commitLock(matchID)
		commitMu.Lock()
		res, err := p.db.ExecContext(ctx,
			`UPDATE match_docs
             SET doc = $1, version = version + 1, updated_at = CURRENT_TIMESTAMP
             WHERE match_id = $2 AND version = $3`,
			next, matchID, version)
		if err != nil {
			commitMu.Unlock()
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			commitMu.Unlock()
			return nil, err
		}
		if affected == 0 {
			commitMu.Unlock()
			continue // 冲突，重读重试
		}

		p.hub.publish(matchID, working)
		commitMu.Unlock()
		return working, nil
	}
	return nil, fmt.Errorf("%d conflicts: %w", p.retries, ErrTransient)
}

func (p *PostgreSQL) Subscribe(matchID string) (<-chan *models.Match, func()) {
	return p.hub.subscribe(matchID)
}

func (p *PostgreSQL) Append(ctx context.Context, matchID, channel string, doc []byte) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO match_events (match_id, channel, doc) VALUES ($1, $2, $3)`,
		matchID, channel, doc)
	return err
}

func (p *PostgreSQL) History(ctx context.Context, matchID, channel string, limit int) ([][]byte, error) {
	query := `SELECT doc FROM (
                SELECT id, doc FROM match_events
                WHERE match_id = $1 AND channel = $2
                ORDER BY id DESC LIMIT $3
              ) latest ORDER BY id ASC`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, query, matchID, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (p *PostgreSQL) Close() error {
	return p.db.Close()
}
