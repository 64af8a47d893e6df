package model

import (
	"time"
)

// RewardGrant 奖励发放记录表
//
// 【关键点】唯一索引 (user_id, source, grant_day, book_id) 是"每日一次"
// 的线性化点：并发签到时只有一条 INSERT 能成功，冲突的一方拿到
// "今日已发放"的结果而不是系统错误。
//
// grant_day 取账本时区下的日历日（格式 2006-01-02）；
// 注册奖励是一次性的，grant_day 固定为空串；
// 与图书无关的来源 book_id 固定为空串。
type RewardGrant struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    int64     `gorm:"uniqueIndex:uk_grant,priority:1;not null" json:"user_id"`
	Source    string    `gorm:"type:varchar(32);uniqueIndex:uk_grant,priority:2;not null" json:"source"`
	GrantDay  string    `gorm:"type:varchar(10);uniqueIndex:uk_grant,priority:3;not null;default:''" json:"grant_day"`
	BookID    string    `gorm:"type:varchar(64);uniqueIndex:uk_grant,priority:4;not null;default:''" json:"book_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (RewardGrant) TableName() string {
	return "reward_grant"
}
