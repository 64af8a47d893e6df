package model

import (
	"time"
)

// ============================================================================
// 流水方向与来源常量
// ============================================================================

const (
	DirectionEarn  = "EARN"  // 入账
	DirectionSpend = "SPEND" // 出账
)

const (
	SourceRegister         = "REGISTER"           // 注册奖励
	SourceDailyCheckIn     = "DAILY_CHECKIN"      // 每日签到奖励
	SourceDailyRead        = "DAILY_READ"         // 每日阅读奖励
	SourceCarouselFreeRead = "CAROUSEL_FREE_READ" // 轮播推广图书免费阅读奖励
	SourceExchange         = "EXCHANGE"           // 图书置换扣费
	SourceRead             = "READ"               // 付费阅读扣费
	SourceExchangeRefund   = "EXCHANGE_REFUND"    // 置换失败退币
	SourceSystem           = "SYSTEM"             // 系统调整
)

// ValidSources 合法的流水来源集合，入参校验用
var ValidSources = map[string]string{
	SourceRegister:         DirectionEarn,
	SourceDailyCheckIn:     DirectionEarn,
	SourceDailyRead:        DirectionEarn,
	SourceCarouselFreeRead: DirectionEarn,
	SourceExchange:         DirectionSpend,
	SourceRead:             DirectionSpend,
	SourceExchangeRefund:   DirectionEarn,
	SourceSystem:           DirectionEarn,
}

// IsSpendSource 判断来源是否为扣费类
func IsSpendSource(source string) bool {
	return ValidSources[source] == DirectionSpend
}

// ============================================================================
// 书币流水实体
// ============================================================================

// CoinTransaction 书币流水表
// 记录账户的每一笔书币变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 金额恒为正数，方向由 direction 表达 —— 余额恒等于流水的带符号和
// 3. 记录交易前后余额 —— 便于校验余额一致性
type CoinTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        int64     `gorm:"index:idx_user_source_time,priority:1;not null" json:"user_id"`
	OrderNo       string    `gorm:"type:varchar(64);index" json:"order_no,omitempty"` // 关联订单号，奖励类流水为空
	BookID        string    `gorm:"type:varchar(64)" json:"book_id,omitempty"`        // 关联图书ID，非图书流水为空
	Amount        int64     `gorm:"not null" json:"amount"`                           // 变动数额，恒为正
	Direction     string    `gorm:"type:varchar(10);not null" json:"direction"`       // EARN / SPEND
	Source        string    `gorm:"type:varchar(32);index:idx_user_source_time,priority:2;not null" json:"source"`
	Description   string    `gorm:"type:varchar(256)" json:"description"` // 展示给用户的说明
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`       // 变动前余额
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`        // 变动后余额
	CreatedAt     time.Time `gorm:"autoCreateTime;index:idx_user_source_time,priority:3" json:"created_at"`
}

func (CoinTransaction) TableName() string {
	return "coin_transaction"
}

// SignedAmount 带符号金额，入账为正出账为负
func (t *CoinTransaction) SignedAmount() int64 {
	if t.Direction == DirectionSpend {
		return -t.Amount
	}
	return t.Amount
}
