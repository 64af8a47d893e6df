package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTransitions(t *testing.T) {
	// 正常支付链路
	assert.True(t, CanTransitionTo(OrderStatusCreated, OrderStatusPaying))
	assert.True(t, CanTransitionTo(OrderStatusPaying, OrderStatusPaid))
	assert.True(t, CanTransitionTo(OrderStatusPaying, OrderStatusFailed))

	// 未支付可关闭/取消
	assert.True(t, CanTransitionTo(OrderStatusCreated, OrderStatusClosed))
	assert.True(t, CanTransitionTo(OrderStatusCreated, OrderStatusCancelled))

	// 已支付只能走退币
	assert.True(t, CanTransitionTo(OrderStatusPaid, OrderStatusRefunding))
	assert.True(t, CanTransitionTo(OrderStatusRefunding, OrderStatusRefunded))
	assert.False(t, CanTransitionTo(OrderStatusPaid, OrderStatusCancelled))
	assert.False(t, CanTransitionTo(OrderStatusPaid, OrderStatusPaying))

	// 终态不可再迁移
	assert.False(t, CanTransitionTo(OrderStatusClosed, OrderStatusPaying))
	assert.False(t, CanTransitionTo(OrderStatusRefunded, OrderStatusPaying))

	// 不可跳级
	assert.False(t, CanTransitionTo(OrderStatusCreated, OrderStatusPaid))
}

func TestSignedAmount(t *testing.T) {
	earn := &CoinTransaction{Amount: 50, Direction: DirectionEarn}
	assert.Equal(t, int64(50), earn.SignedAmount())

	spend := &CoinTransaction{Amount: 30, Direction: DirectionSpend}
	assert.Equal(t, int64(-30), spend.SignedAmount())
}

func TestSourceDirectionTable(t *testing.T) {
	assert.Equal(t, DirectionEarn, ValidSources[SourceRegister])
	assert.Equal(t, DirectionEarn, ValidSources[SourceDailyCheckIn])
	assert.Equal(t, DirectionSpend, ValidSources[SourceExchange])
	assert.Equal(t, DirectionSpend, ValidSources[SourceRead])

	assert.True(t, IsSpendSource(SourceExchange))
	assert.False(t, IsSpendSource(SourceDailyCheckIn))
	assert.False(t, IsSpendSource("UNKNOWN"))
}
