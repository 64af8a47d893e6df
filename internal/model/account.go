package model

import (
	"time"
)

// Account 用户书币账户表
// 记录用户的书币余额和经验值，是整个积分体系的核心数据
type Account struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID     int64     `gorm:"uniqueIndex;not null" json:"user_id"`  // 用户ID，业务方传入
	Balance    int64     `gorm:"not null;default:0" json:"balance"`    // 可用书币余额
	Experience int64     `gorm:"not null;default:0" json:"experience"` // 经验值，随奖励发放累加
	Version    int       `gorm:"not null;default:0" json:"version"`    // 乐观锁版本号
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "coin_account"
}
