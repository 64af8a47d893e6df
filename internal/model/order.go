package model

import (
	"time"
)

const (
	OrderStatusCreated   = "CREATED"
	OrderStatusPaying    = "PAYING"
	OrderStatusPaid      = "PAID"
	OrderStatusFailed    = "FAILED"
	OrderStatusClosed    = "CLOSED"
	OrderStatusCancelled = "CANCELLED"
	OrderStatusRefunding = "REFUNDING"
	OrderStatusRefunded  = "REFUNDED"
)

var ValidStatusTransitions = map[string][]string{
	OrderStatusCreated:   {OrderStatusPaying, OrderStatusClosed, OrderStatusCancelled},
	OrderStatusPaying:    {OrderStatusPaid, OrderStatusFailed},
	OrderStatusPaid:      {OrderStatusRefunding},
	OrderStatusRefunding: {OrderStatusRefunded},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

const (
	OrderTypeExchange = "EXCHANGE" // 图书置换
	OrderTypeRead     = "READ"     // 付费阅读解锁
)

// ExchangeOrder 图书置换/付费阅读订单表
// 扣币动作由订单驱动：同一 request_id 只会产生一个订单，
// 重复提交在订单层被拒绝，这是扣费幂等的边界
type ExchangeOrder struct {
	ID        int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo   string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	RequestID string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等ID，客户端生成
	UserID    int64      `gorm:"index;not null" json:"user_id"`
	BookID    string     `gorm:"type:varchar(64);not null" json:"book_id"`
	Amount    int64      `gorm:"not null" json:"amount"`
	OrderType string     `gorm:"type:varchar(32);not null" json:"order_type"` // EXCHANGE / READ
	Status    string     `gorm:"type:varchar(20);index;not null" json:"status"`
	ExpiredAt time.Time  `gorm:"not null" json:"expired_at"`
	PaidAt    *time.Time `json:"paid_at"`
	CreatedAt time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ExchangeOrder) TableName() string {
	return "exchange_order"
}
