package service

import (
	"context"
	"testing"

	"bookcoin/internal/config"
	"bookcoin/internal/model"
	"bookcoin/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestExchange(t *testing.T) (*ExchangeService, *LedgerService, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	cfg := config.Default()
	cfg.Kafka.Topic.CoinResult = "coin_result"

	ledger := NewLedgerService(db, nil, cfg)
	return NewExchangeService(db, nil, cfg, ledger), ledger, db
}

func TestExchangePaysAndRecords(t *testing.T) {
	exchange, ledger, db := newTestExchange(t)
	ctx := context.Background()

	_, err := ledger.SystemGrant(ctx, 1, 100, "初始化")
	require.NoError(t, err)

	resp, err := exchange.Exchange(ctx, &ExchangeRequest{
		RequestID: "req-1",
		UserID:    1,
		BookID:    "bk-1",
		OrderType: model.OrderTypeExchange,
		Amount:    30,
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, resp.Status)
	assert.Equal(t, int64(70), resp.Balance)

	order, err := exchange.GetOrder(ctx, resp.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, order.Status)

	// 扣费流水挂在订单号上
	trans, err := repository.NewTransactionRepository(db).GetByOrderNo(ctx, resp.OrderNo)
	require.NoError(t, err)
	require.NotNil(t, trans)
	assert.Equal(t, int64(30), trans.Amount)
	assert.Equal(t, model.SourceExchange, trans.Source)
}

func TestExchangeIdempotentByRequestID(t *testing.T) {
	exchange, ledger, _ := newTestExchange(t)
	ctx := context.Background()

	_, err := ledger.SystemGrant(ctx, 1, 100, "初始化")
	require.NoError(t, err)

	req := &ExchangeRequest{
		RequestID: "req-dup",
		UserID:    1,
		BookID:    "bk-1",
		OrderType: model.OrderTypeRead,
		Amount:    20,
	}

	first, err := exchange.Exchange(ctx, req)
	require.NoError(t, err)

	// 同一幂等键重复提交：返回已有订单，不重复扣费
	second, err := exchange.Exchange(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderNo, second.OrderNo)
	assert.Equal(t, "订单已存在", second.Message)

	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(80), account.Balance)
}

func TestExchangeInsufficientBalanceLeavesNoOrder(t *testing.T) {
	exchange, ledger, _ := newTestExchange(t)
	ctx := context.Background()

	_, err := ledger.SystemGrant(ctx, 1, 10, "初始化")
	require.NoError(t, err)

	_, err = exchange.Exchange(ctx, &ExchangeRequest{
		RequestID: "req-poor",
		UserID:    1,
		BookID:    "bk-1",
		OrderType: model.OrderTypeExchange,
		Amount:    50,
	})
	var insufficient *repository.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(40), insufficient.Shortfall)

	// 订单连同扣费一起回滚，幂等键可以重新使用
	order, err := exchange.GetOrderByRequestID(ctx, "req-poor")
	require.NoError(t, err)
	assert.Nil(t, order)

	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)

	ok, err := ledger.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExchangeRejectsBadOrderType(t *testing.T) {
	exchange, _, _ := newTestExchange(t)

	_, err := exchange.Exchange(context.Background(), &ExchangeRequest{
		RequestID: "req-bad",
		UserID:    1,
		BookID:    "bk-1",
		OrderType: "GIFT",
		Amount:    10,
	})
	assert.ErrorIs(t, err, repository.ErrInvalidArgument)
}

func TestRefundRestoresBalanceOnce(t *testing.T) {
	exchange, ledger, _ := newTestExchange(t)
	ctx := context.Background()

	_, err := ledger.SystemGrant(ctx, 1, 100, "初始化")
	require.NoError(t, err)

	resp, err := exchange.Exchange(ctx, &ExchangeRequest{
		RequestID: "req-rf",
		UserID:    1,
		BookID:    "bk-1",
		OrderType: model.OrderTypeExchange,
		Amount:    30,
	})
	require.NoError(t, err)

	refund, err := exchange.Refund(ctx, &RefundRequest{
		RequestID: "rfreq-1",
		OrderNo:   resp.OrderNo,
		Reason:    "图书已被他人换走",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, refund.Status)
	assert.Equal(t, int64(30), refund.Amount)
	assert.Equal(t, int64(100), refund.Balance)
	assert.NotEmpty(t, refund.RefundNo)

	// 重复退币：原样返回，不二次入账
	again, err := exchange.Refund(ctx, &RefundRequest{
		RequestID: "rfreq-2",
		OrderNo:   resp.OrderNo,
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, again.Status)
	assert.Equal(t, "已退币，请勿重复操作", again.Message)

	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(100), account.Balance)

	ok, err := ledger.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRefundMissingOrder(t *testing.T) {
	exchange, _, _ := newTestExchange(t)

	_, err := exchange.Refund(context.Background(), &RefundRequest{
		RequestID: "rfreq-x",
		OrderNo:   "EXC00000000000000000000",
	})
	assert.ErrorIs(t, err, repository.ErrOrderNotFound)
}

func TestCancelOrderOnlyBeforePaid(t *testing.T) {
	exchange, ledger, _ := newTestExchange(t)
	ctx := context.Background()

	_, err := ledger.SystemGrant(ctx, 1, 100, "初始化")
	require.NoError(t, err)

	resp, err := exchange.Exchange(ctx, &ExchangeRequest{
		RequestID: "req-paid",
		UserID:    1,
		BookID:    "bk-1",
		OrderType: model.OrderTypeExchange,
		Amount:    30,
	})
	require.NoError(t, err)

	// 已支付订单不允许取消
	err = exchange.CancelOrder(ctx, resp.OrderNo)
	assert.ErrorIs(t, err, repository.ErrOrderStatusInvalid)
}
