package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookcoin/internal/config"
	"bookcoin/internal/infrastructure/lock"
	"bookcoin/internal/model"
	"bookcoin/internal/repository"
	"bookcoin/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ============================================================================
// 书币账本门面
// ============================================================================
//
// 应用其余部分只通过这里读写书币：注册奖励、每日签到、推广阅读奖励、
// 扣费、查余额、查流水。
//
// 【关键点】每个写动作都是一个 db.Transaction 闭包：
// 发放记录、余额变更、流水追加、事件发件箱要么全部落库，要么全部回滚，
// 绝不会出现"余额改了流水没记"的中间状态。
//
// ============================================================================

const (
	OutcomeGranted          = "GRANTED"                // 本次发放成功
	OutcomeAlreadyCheckedIn = "ALREADY_CHECKED_IN"     // 今日已签到，未发放
	OutcomeAlreadyRewarded  = "ALREADY_REWARDED_TODAY" // 今日该书已奖励过，未发放
)

// ErrAlreadyGranted 注册奖励重复发放（正常流程不应触发，防御性错误）
var ErrAlreadyGranted = errors.New("注册奖励已发放，请勿重复操作")

// RewardResult 奖励发放结果
// Outcome 为 Already* 时不是错误，调用方据此展示"明天再来"类提示
type RewardResult struct {
	UserID        int64  `json:"user_id"`
	Outcome       string `json:"outcome"`
	Amount        int64  `json:"amount"`         // 本次发放的书币数，未发放时为 0
	Experience    int64  `json:"experience"`     // 本次发放的经验值，未发放时为 0
	Balance       int64  `json:"balance"`        // 当前余额
	TransactionNo string `json:"transaction_no,omitempty"`
	AccessGranted bool   `json:"access_granted"` // 推广阅读：无论是否发放，阅读权限都放行
}

// SpendResult 扣费结果
type SpendResult struct {
	UserID        int64  `json:"user_id"`
	Amount        int64  `json:"amount"`
	Balance       int64  `json:"balance"` // 扣费后余额
	TransactionNo string `json:"transaction_no"`
}

type LedgerService struct {
	db          *gorm.DB
	redisClient *redis.Client // 允许为空：锁只是减少冲突，正确性由数据库约束保证
	cfg         *config.Config
	loc         *time.Location

	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	grantRepo       *repository.GrantRepository
	outboxRepo      *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:              db,
		redisClient:     redisClient,
		cfg:             cfg,
		loc:             cfg.Reward.Location(),
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		grantRepo:       repository.NewGrantRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
	}
}

// today 账本时区下的日历日，奖励资格按它切分
func (s *LedgerService) today() string {
	return time.Now().In(s.loc).Format("2006-01-02")
}

// ----------------------------------------------------------------------------
// 奖励发放
// ----------------------------------------------------------------------------

// Register 发放注册奖励
// 注册流程在创建用户记录后同步调用一次；重复调用返回 ErrAlreadyGranted
func (s *LedgerService) Register(ctx context.Context, userID int64) (*RewardResult, error) {
	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, fmt.Errorf("创建账户失败: %w", err)
	}

	grant := &model.RewardGrant{
		UserID: userID,
		Source: model.SourceRegister,
		// grant_day 为空：注册奖励一次性，不按日重置
	}
	result, err := s.grantReward(ctx, grant, s.cfg.Reward.RegisterBonus, 0, "新用户注册奖励")
	if err != nil {
		return nil, err
	}
	if result.Outcome != OutcomeGranted {
		return nil, ErrAlreadyGranted
	}
	return result, nil
}

// CheckIn 每日签到
// 同一日历日内重复调用返回 AlreadyCheckedIn 结果，不改动任何状态
func (s *LedgerService) CheckIn(ctx context.Context, userID int64) (*RewardResult, error) {
	today := s.today()

	// 快速路径：已签到直接返回，省掉锁和事务
	exists, err := s.grantRepo.ExistsOnDay(ctx, userID, model.SourceDailyCheckIn, today, "")
	if err != nil {
		return nil, err
	}
	if exists {
		return s.alreadyResult(ctx, userID, OutcomeAlreadyCheckedIn)
	}

	if s.redisClient != nil {
		rewardLock := lock.NewRewardLock(s.redisClient, userID, model.SourceDailyCheckIn, today)
		if err := rewardLock.Lock(ctx, 50*time.Millisecond, 20); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer rewardLock.Unlock(ctx)
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}

	grant := &model.RewardGrant{
		UserID:   userID,
		Source:   model.SourceDailyCheckIn,
		GrantDay: today,
	}
	result, err := s.grantReward(ctx, grant, s.cfg.Reward.CheckInBonus, s.cfg.Reward.CheckInExp, "每日签到奖励")
	if err != nil {
		return nil, err
	}
	if result.Outcome != OutcomeGranted {
		result.Outcome = OutcomeAlreadyCheckedIn
	}
	return result, nil
}

// ReadPromotional 推广图书免费阅读
// 每人每书每日最多奖励一次；当日重读不再奖励，但阅读权限始终放行
func (s *LedgerService) ReadPromotional(ctx context.Context, userID int64, bookID string) (*RewardResult, error) {
	if bookID == "" {
		return nil, repository.ErrInvalidArgument
	}
	today := s.today()

	exists, err := s.grantRepo.ExistsOnDay(ctx, userID, model.SourceCarouselFreeRead, today, bookID)
	if err != nil {
		return nil, err
	}
	if exists {
		result, err := s.alreadyResult(ctx, userID, OutcomeAlreadyRewarded)
		if err != nil {
			return nil, err
		}
		result.AccessGranted = true
		return result, nil
	}

	if s.redisClient != nil {
		rewardLock := lock.NewRewardLock(s.redisClient, userID, model.SourceCarouselFreeRead, today)
		if err := rewardLock.Lock(ctx, 50*time.Millisecond, 20); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer rewardLock.Unlock(ctx)
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}

	grant := &model.RewardGrant{
		UserID:   userID,
		Source:   model.SourceCarouselFreeRead,
		GrantDay: today,
		BookID:   bookID,
	}
	result, err := s.grantReward(ctx, grant, s.cfg.Reward.PromoBonus, s.cfg.Reward.PromoExp,
		fmt.Sprintf("推广图书阅读奖励-%s", bookID))
	if err != nil {
		return nil, err
	}
	if result.Outcome != OutcomeGranted {
		result.Outcome = OutcomeAlreadyRewarded
	}
	result.AccessGranted = true
	return result, nil
}

// grantReward 发放奖励的公共事务
//
// 发放记录插入是整个发放的线性化点：唯一索引冲突（RowsAffected==0）
// 说明奖励已被并发请求或历史请求发放，直接返回 Already 结果；
// 只有抢到插入的那一次才执行入账和流水追加。
func (s *LedgerService) grantReward(ctx context.Context, grant *model.RewardGrant, amount, exp int64, description string) (*RewardResult, error) {
	var trans *model.CoinTransaction
	granted := false

	err := s.db.Transaction(func(tx *gorm.DB) error {
		inserted, err := s.grantRepo.TryInsert(ctx, tx, grant)
		if err != nil {
			return fmt.Errorf("写入发放记录失败: %w", err)
		}
		if !inserted {
			return nil // 已发放，不做任何变更
		}
		granted = true

		if err := s.accountRepo.Credit(ctx, tx, grant.UserID, amount, exp); err != nil {
			return fmt.Errorf("入账失败: %w", err)
		}

		account, err := s.getAccountTx(ctx, tx, grant.UserID)
		if err != nil {
			return err
		}

		trans = &model.CoinTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        grant.UserID,
			BookID:        grant.BookID,
			Amount:        amount,
			Direction:     model.DirectionEarn,
			Source:        grant.Source,
			Description:   description,
			BalanceBefore: account.Balance - amount,
			BalanceAfter:  account.Balance,
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return s.enqueueEvent(ctx, tx, trans)
	})
	if err != nil {
		return nil, err
	}

	if !granted {
		return s.alreadyResult(ctx, grant.UserID, "")
	}

	logrus.WithFields(logrus.Fields{
		"user_id": grant.UserID,
		"source":  grant.Source,
		"amount":  amount,
	}).Info("奖励发放成功")

	return &RewardResult{
		UserID:        grant.UserID,
		Outcome:       OutcomeGranted,
		Amount:        amount,
		Experience:    exp,
		Balance:       trans.BalanceAfter,
		TransactionNo: trans.TransactionNo,
	}, nil
}

// alreadyResult 组装"已发放"结果，带上当前余额便于展示
func (s *LedgerService) alreadyResult(ctx context.Context, userID int64, outcome string) (*RewardResult, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &RewardResult{
		UserID:  userID,
		Outcome: outcome,
		Balance: account.Balance,
	}, nil
}

// SystemGrant 系统调整入账（运营补偿、活动发放等）
// 不做每日限制，幂等由调用方负责
func (s *LedgerService) SystemGrant(ctx context.Context, userID, amount int64, description string) (*RewardResult, error) {
	if amount <= 0 {
		return nil, repository.ErrInvalidArgument
	}
	if _, err := s.accountRepo.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}

	var trans *model.CoinTransaction
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Credit(ctx, tx, userID, amount, 0); err != nil {
			return fmt.Errorf("入账失败: %w", err)
		}

		account, err := s.getAccountTx(ctx, tx, userID)
		if err != nil {
			return err
		}

		trans = &model.CoinTransaction{
			TransactionNo: idgen.GenerateTransactionNo(),
			UserID:        userID,
			Amount:        amount,
			Direction:     model.DirectionEarn,
			Source:        model.SourceSystem,
			Description:   description,
			BalanceBefore: account.Balance - amount,
			BalanceAfter:  account.Balance,
		}
		if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return s.enqueueEvent(ctx, tx, trans)
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id": userID,
		"amount":  amount,
	}).Info("系统入账成功")

	return &RewardResult{
		UserID:        userID,
		Outcome:       OutcomeGranted,
		Amount:        amount,
		Balance:       trans.BalanceAfter,
		TransactionNo: trans.TransactionNo,
	}, nil
}

// ----------------------------------------------------------------------------
// 扣费
// ----------------------------------------------------------------------------

// Spend 扣费
//
// 余额校验与扣减是同一条条件 UPDATE，并发扣费不会把余额扣成负数；
// 余额不足返回带差额的 InsufficientBalanceError，且不产生任何变更。
// 本方法不提供幂等：调用方（如置换下单）须用自己的幂等键挡住重复提交。
func (s *LedgerService) Spend(ctx context.Context, userID, amount int64, source, orderNo, description string) (*SpendResult, error) {
	if amount <= 0 || !model.IsSpendSource(source) {
		return nil, repository.ErrInvalidArgument
	}

	var trans *model.CoinTransaction
	var err error

	// 乐观锁冲突时有限次重试；余额不足和账户不存在不重试
	retries := s.cfg.Business.SpendRetries
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			trans, err = s.SpendTx(ctx, tx, userID, amount, source, orderNo, description)
			return err
		})
		if !errors.Is(err, repository.ErrOptimisticLock) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"user_id": userID,
		"source":  source,
		"amount":  amount,
	}).Info("扣费成功")

	return &SpendResult{
		UserID:        userID,
		Amount:        amount,
		Balance:       trans.BalanceAfter,
		TransactionNo: trans.TransactionNo,
	}, nil
}

// RefundTx 在调用方事务内退币并追加流水
// 退币不受每日限制，幂等由调用方的订单状态机保证
func (s *LedgerService) RefundTx(ctx context.Context, tx *gorm.DB, userID, amount int64, orderNo, description string) (*model.CoinTransaction, error) {
	if amount <= 0 {
		return nil, repository.ErrInvalidArgument
	}

	if err := s.accountRepo.Credit(ctx, tx, userID, amount, 0); err != nil {
		return nil, fmt.Errorf("退币入账失败: %w", err)
	}

	account, err := s.getAccountTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	trans := &model.CoinTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		OrderNo:       orderNo,
		Amount:        amount,
		Direction:     model.DirectionEarn,
		Source:        model.SourceExchangeRefund,
		Description:   description,
		BalanceBefore: account.Balance - amount,
		BalanceAfter:  account.Balance,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	if err := s.enqueueEvent(ctx, tx, trans); err != nil {
		return nil, err
	}

	return trans, nil
}

// SpendTx 在调用方事务内扣费并追加流水
// 置换下单在自己的事务里组合订单状态机和扣费时使用
func (s *LedgerService) SpendTx(ctx context.Context, tx *gorm.DB, userID, amount int64, source, orderNo, description string) (*model.CoinTransaction, error) {
	if amount <= 0 || !model.IsSpendSource(source) {
		return nil, repository.ErrInvalidArgument
	}

	account, err := s.getAccountTx(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	if err := s.accountRepo.Deduct(ctx, tx, userID, amount, account.Version); err != nil {
		return nil, err
	}

	trans := &model.CoinTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        userID,
		OrderNo:       orderNo,
		Amount:        amount,
		Direction:     model.DirectionSpend,
		Source:        source,
		Description:   description,
		BalanceBefore: account.Balance,
		BalanceAfter:  account.Balance - amount,
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("记录流水失败: %w", err)
	}

	if err := s.enqueueEvent(ctx, tx, trans); err != nil {
		return nil, err
	}

	return trans, nil
}

// ----------------------------------------------------------------------------
// 只读查询
// ----------------------------------------------------------------------------

// GetBalance 查询余额与经验值
// 瞬时存储故障做有限次重试；账户不存在按业务错误直接返回
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (*model.Account, error) {
	var account *model.Account
	err := s.withReadRetry(ctx, func() error {
		var err error
		account, err = s.accountRepo.GetByUserID(ctx, userID)
		return err
	})
	return account, err
}

// GetHistory 分页查询流水，按时间倒序
func (s *LedgerService) GetHistory(ctx context.Context, userID int64, page, pageSize int) ([]*model.CoinTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var transactions []*model.CoinTransaction
	var total int64
	err := s.withReadRetry(ctx, func() error {
		var err error
		transactions, total, err = s.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
		return err
	})
	return transactions, total, err
}

// Reconcile 对账：校验余额与流水带符号和是否一致
// 注意流水和余额不在同一时刻读取，仅作离线巡检用
func (s *LedgerService) Reconcile(ctx context.Context, userID int64) (bool, error) {
	account, err := s.accountRepo.GetByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	sum, err := s.transactionRepo.SumSignedByUserID(ctx, userID)
	if err != nil {
		return false, err
	}
	if account.Balance != sum {
		logrus.WithFields(logrus.Fields{
			"user_id":  userID,
			"balance":  account.Balance,
			"flow_sum": sum,
		}).Error("账实不符")
		return false, nil
	}
	return true, nil
}

// withReadRetry 只读操作的瞬时故障重试
// 【关键点】写操作绝不在这里重试，避免重复入账/扣费
func (s *LedgerService) withReadRetry(ctx context.Context, fn func() error) error {
	retries := s.cfg.Business.ReadRetries
	var err error
	for i := 0; i <= retries; i++ {
		err = fn()
		if err == nil || errors.Is(err, repository.ErrAccountNotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return err
}

// ----------------------------------------------------------------------------
// 内部辅助
// ----------------------------------------------------------------------------

func (s *LedgerService) getAccountTx(ctx context.Context, tx *gorm.DB, userID int64) (*model.Account, error) {
	var account model.Account
	err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// enqueueEvent 把书币变动事件写入发件箱，与账本同事务提交
func (s *LedgerService) enqueueEvent(ctx context.Context, tx *gorm.DB, trans *model.CoinTransaction) error {
	topic := s.cfg.Kafka.Topic.CoinResult
	if topic == "" {
		return nil // 未配置事件主题（如测试环境）
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"transaction_no": trans.TransactionNo,
		"user_id":        trans.UserID,
		"amount":         trans.Amount,
		"direction":      trans.Direction,
		"source":         trans.Source,
		"order_no":       trans.OrderNo,
		"book_id":        trans.BookID,
		"balance_after":  trans.BalanceAfter,
	})

	msg := &model.OutboxMessage{
		MessageKey: trans.TransactionNo,
		Topic:      topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入事件消息失败: %w", err)
	}
	return nil
}
