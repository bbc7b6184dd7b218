// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wfunc/labyrinth/models"
)

// GormPostgreSQL 使用GORM的PostgreSQL存储实现。
// 比赛文档整行JSONB存储，version 列做乐观并发控制。
type GormPostgreSQL struct {
	db  *gorm.DB
	hub *subscriberHub

	retries  int
	deadline time.Duration
}

// NewGormPostgreSQL 创建GORM PostgreSQL存储
func NewGormPostgreSQL(host string, port int, user, password, dbname string, retries int, deadline time.Duration) (*GormPostgreSQL, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	// 配置GORM日志
	gl := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold: time.Second,
			LogLevel:      gormlogger.Silent,
			Colorful:      false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gl})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// 设置连接池
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// 自动迁移表结构
	if err := db.AutoMigrate(&models.GormMatchDoc{}, &models.GormMatchEvent{}); err != nil {
		return nil, err
	}

	if retries < 1 {
		retries = 1
	}
	return &GormPostgreSQL{
		db:       db,
		hub:      newSubscriberHub(),
		retries:  retries,
		deadline: deadline,
	}, nil
}

func (p *GormPostgreSQL) Get(ctx context.Context, matchID string) (*models.Match, error) {
	var row models.GormMatchDoc
	err := p.db.WithContext(ctx).Where("match_id = ?", matchID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s: %w", matchID, ErrMatchNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeMatch(row.Doc)
}

func (p *GormPostgreSQL) Create(ctx context.Context, m *models.Match) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	row := models.GormMatchDoc{MatchID: m.ID, Doc: doc, Version: 1}
	return p.db.WithContext(ctx).Create(&row).Error
}

func (p *GormPostgreSQL) Transact(ctx context.Context, matchID string, fn TxFunc) (*models.Match, error) {
	if p.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.deadline)
		defer cancel()
	}

	for attempt := 0; attempt < p.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, mapCtxErr(err)
		}

		var row models.GormMatchDoc
		err := p.db.WithContext(ctx).Where("match_id = ?", matchID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s: %w", matchID, ErrMatchNotFound)
		}
		if err != nil {
			return nil, err
		}

		working, err := decodeMatch(row.Doc)
		if err != nil {
			return nil, err
		}
		if err := fn(working); err != nil {
			return nil, err
		}

		doc, err := json.Marshal(working)
		if err != nil {
			return nil, err
		}

		// 条件提交：version 没变才能写入。
		// 提交锁覆盖写入和发布，订阅者才能按提交顺序收到变更。
		commitMu := p.hub.commitLock(matchID)
		commitMu.Lock()
		res := p.db.WithContext(ctx).Model(&models.GormMatchDoc{}).
			Where("match_id = ? AND version = ?", matchID, row.Version).
			Updates(map[string]interface{}{
				"doc":     doc,
				"version": row.Version + 1,
			})
		if res.Error != nil {
			commitMu.Unlock()
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			commitMu.Unlock()
			continue // 冲突，重读重试
		}

		p.hub.publish(matchID, working)
		commitMu.Unlock()
		return working, nil
	}
	return nil, fmt.Errorf("%d conflicts: %w", p.retries, ErrTransient)
}

func (p *GormPostgreSQL) Subscribe(matchID string) (<-chan *models.Match, func()) {
	return p.hub.subscribe(matchID)
}

func (p *GormPostgreSQL) Append(ctx context.Context, matchID, channel string, doc []byte) error {
	row := models.GormMatchEvent{MatchID: matchID, Channel: channel, Doc: doc}
	return p.db.WithContext(ctx).Create(&row).Error
}

func (p *GormPostgreSQL) History(ctx context.Context, matchID, channel string, limit int) ([][]byte, error) {
	var rows []models.GormMatchEvent
	q := p.db.WithContext(ctx).
		Where("match_id = ? AND channel = ?", matchID, channel).
		Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	// 倒序查询取最新N条，再翻回追加顺序
	out := make([][]byte, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.Doc
	}
	return out, nil
}

func (p *GormPostgreSQL) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func decodeMatch(doc []byte) (*models.Match, error) {
	var m models.Match
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode match doc: %w", err)
	}
	return &m, nil
}
