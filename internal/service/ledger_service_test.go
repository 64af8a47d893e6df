package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"bookcoin/internal/config"
	"bookcoin/internal/infrastructure/database"
	"bookcoin/internal/model"
	"bookcoin/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 单连接：内存库只有一份，也避免并发写锁冲突
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestLedger(t *testing.T) (*LedgerService, *gorm.DB) {
	t.Helper()

	db := newTestDB(t)
	cfg := config.Default()
	cfg.Kafka.Topic.CoinResult = "coin_result"
	cfg.Business.SpendRetries = 10

	// redis 传空：锁只是减少冲突，正确性由数据库约束保证
	return NewLedgerService(db, nil, cfg), db
}

func countRows(t *testing.T, db *gorm.DB, userID int64, m interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(m).Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func TestRegister(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	result, err := ledger.Register(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, result.Outcome)
	assert.Equal(t, int64(50), result.Amount)
	assert.Equal(t, int64(50), result.Balance)

	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)

	history, total, err := ledger.GetHistory(ctx, 1, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, history, 1)
	assert.Equal(t, int64(50), history[0].Amount)
	assert.Equal(t, model.DirectionEarn, history[0].Direction)
	assert.Equal(t, model.SourceRegister, history[0].Source)

	// 重复发放：防御性错误，余额与流水不变
	_, err = ledger.Register(ctx, 1)
	assert.ErrorIs(t, err, ErrAlreadyGranted)
	assert.Equal(t, int64(1), countRows(t, db, 1, &model.CoinTransaction{}))
}

func TestCheckInTwiceSameDay(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Register(ctx, 1)
	require.NoError(t, err)

	result, err := ledger.CheckIn(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, result.Outcome)
	assert.Equal(t, int64(10), result.Amount)
	assert.Equal(t, int64(5), result.Experience)
	assert.Equal(t, int64(60), result.Balance)

	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), account.Balance)
	assert.Equal(t, int64(5), account.Experience)

	// 当日重复签到：信息态结果，不改动任何状态
	again, err := ledger.CheckIn(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCheckedIn, again.Outcome)
	assert.Equal(t, int64(0), again.Amount)
	assert.Equal(t, int64(60), again.Balance)

	assert.Equal(t, int64(2), countRows(t, db, 1, &model.CoinTransaction{}))

	account, err = ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(60), account.Balance)
	assert.Equal(t, int64(5), account.Experience)
}

func TestPromotionalReadRewardOnce(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Register(ctx, 1)
	require.NoError(t, err)

	result, err := ledger.ReadPromotional(ctx, 1, "bk-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, result.Outcome)
	assert.Equal(t, int64(5), result.Amount)
	assert.Equal(t, int64(2), result.Experience)
	assert.True(t, result.AccessGranted)

	// 当日重读同一本书：不再奖励，但阅读权限始终放行
	for i := 0; i < 3; i++ {
		again, err := ledger.ReadPromotional(ctx, 1, "bk-1")
		require.NoError(t, err)
		assert.Equal(t, OutcomeAlreadyRewarded, again.Outcome)
		assert.True(t, again.AccessGranted)
		assert.Equal(t, int64(0), again.Amount)
	}

	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(55), account.Balance)
	assert.Equal(t, int64(2), account.Experience)

	// 另一本书可以再奖励
	other, err := ledger.ReadPromotional(ctx, 1, "bk-2")
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, other.Outcome)
	assert.Equal(t, int64(60), other.Balance)

	assert.Equal(t, int64(3), countRows(t, db, 1, &model.CoinTransaction{}))
}

func TestSpendInsufficientBalance(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.SystemGrant(ctx, 1, 10, "初始化")
	require.NoError(t, err)

	_, err = ledger.Spend(ctx, 1, 20, model.SourceExchange, "", "置换《活着》")
	var insufficient *repository.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(10), insufficient.Shortfall)
	assert.Equal(t, int64(10), insufficient.Balance)
	assert.Equal(t, int64(20), insufficient.Amount)

	// 失败的扣费不留任何痕迹
	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), account.Balance)
	assert.Equal(t, int64(1), countRows(t, db, 1, &model.CoinTransaction{}))
}

func TestSpendSuccess(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.SystemGrant(ctx, 1, 30, "初始化")
	require.NoError(t, err)

	result, err := ledger.Spend(ctx, 1, 20, model.SourceRead, "", "付费阅读《围城》")
	require.NoError(t, err)
	assert.Equal(t, int64(10), result.Balance)
	assert.NotEmpty(t, result.TransactionNo)

	history, _, err := ledger.GetHistory(ctx, 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.DirectionSpend, history[0].Direction)
	assert.Equal(t, int64(20), history[0].Amount)
	assert.Equal(t, int64(30), history[0].BalanceBefore)
	assert.Equal(t, int64(10), history[0].BalanceAfter)

	// 每笔流水都带出事件
	assert.Equal(t, int64(2), countOutbox(t, db))
}

func TestSpendValidation(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Spend(ctx, 1, 0, model.SourceRead, "", "")
	assert.ErrorIs(t, err, repository.ErrInvalidArgument)

	// 入账来源不能用于扣费
	_, err = ledger.Spend(ctx, 1, 10, model.SourceDailyCheckIn, "", "")
	assert.ErrorIs(t, err, repository.ErrInvalidArgument)

	_, err = ledger.Spend(ctx, 99, 10, model.SourceRead, "", "")
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)

	_, err = ledger.GetBalance(ctx, 99)
	assert.ErrorIs(t, err, repository.ErrAccountNotFound)
}

func TestConcurrentSpendsNeverOverdraw(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.SystemGrant(ctx, 1, 50, "初始化")
	require.NoError(t, err)

	// 5 笔并发扣费各 20，单独看都够扣，合计会透支
	const workers = 5
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.Spend(ctx, 1, 20, model.SourceExchange, "", "并发置换")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var insufficient *repository.InsufficientBalanceError
		if !errors.As(err, &insufficient) && !errors.Is(err, repository.ErrOptimisticLock) {
			t.Fatalf("意外错误: %v", err)
		}
	}
	assert.LessOrEqual(t, succeeded, 2)

	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50-20*succeeded), account.Balance)
	assert.GreaterOrEqual(t, account.Balance, int64(0))

	ok, err := ledger.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedgerInvariant(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Register(ctx, 1)
	require.NoError(t, err)
	_, err = ledger.CheckIn(ctx, 1)
	require.NoError(t, err)
	_, err = ledger.ReadPromotional(ctx, 1, "bk-1")
	require.NoError(t, err)
	_, err = ledger.Spend(ctx, 1, 40, model.SourceExchange, "", "置换")
	require.NoError(t, err)

	// 一次失败的扣费不应破坏不变量
	_, err = ledger.Spend(ctx, 1, 1000, model.SourceRead, "", "")
	var insufficient *repository.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)

	// 余额 == 流水带符号和
	ok, err := ledger.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50+10+5-40), account.Balance)
}

// failingCreate 在指定表的 INSERT 前注入存储故障
func failingCreate(t *testing.T, db *gorm.DB, table string) func() {
	t.Helper()
	err := db.Callback().Create().Before("gorm:create").Register("inject_fail", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == table {
			tx.AddError(errors.New("存储故障注入"))
		}
	})
	require.NoError(t, err)
	return func() {
		require.NoError(t, db.Callback().Create().Remove("inject_fail"))
	}
}

func TestAtomicityWhenTransactionInsertFails(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Register(ctx, 1)
	require.NoError(t, err)

	// 入账已执行、流水插入失败：整个签到必须回滚得无影无踪
	restore := failingCreate(t, db, "coin_transaction")
	_, err = ledger.CheckIn(ctx, 1)
	require.Error(t, err)
	restore()

	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)
	assert.Equal(t, int64(0), account.Experience)
	assert.Equal(t, int64(1), countRows(t, db, 1, &model.CoinTransaction{}))

	// 发放记录也必须回滚：否则今天就再也签不了到了
	result, err := ledger.CheckIn(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, result.Outcome)
	assert.Equal(t, int64(60), result.Balance)
}

func TestAtomicityWhenOutboxInsertFails(t *testing.T) {
	ledger, db := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Register(ctx, 1)
	require.NoError(t, err)

	restore := failingCreate(t, db, "outbox_message")
	_, err = ledger.Spend(ctx, 1, 20, model.SourceRead, "", "付费阅读")
	require.Error(t, err)
	restore()

	// 扣款与流水一起回滚，没有"余额少了流水没记"的中间态
	account, err := ledger.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Balance)
	assert.Equal(t, int64(1), countRows(t, db, 1, &model.CoinTransaction{}))

	ok, err := ledger.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func countOutbox(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&n).Error)
	return n
}
