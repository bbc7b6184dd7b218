package models

import (
	"gorm.io/gorm"
)

// GormMatchDoc 比赛文档行：整个 Match 序列化为 JSONB，
// version 列用于乐观并发控制
type GormMatchDoc struct {
	gorm.Model
	MatchID string `gorm:"uniqueIndex;not null"`
	Doc     []byte `gorm:"type:jsonb;not null"`
	Version int64  `gorm:"not null;default:0"`
}

// GormMatchEvent 追加写的事件/聊天行，自增主键即提交顺序
type GormMatchEvent struct {
	gorm.Model
	MatchID string `gorm:"index;not null"`
	Channel string `gorm:"index;not null"`
	Doc     []byte `gorm:"type:jsonb;not null"`
}
