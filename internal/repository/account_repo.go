package repository

import (
	"context"
	"errors"
	"fmt"

	"bookcoin/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("账户不存在")
	ErrOptimisticLock  = errors.New("乐观锁冲突，请重试")
)

// InsufficientBalanceError 余额不足
// 携带差额，便于前端提示"还差多少书币"
type InsufficientBalanceError struct {
	Balance   int64 // 当前余额
	Amount    int64 // 本次需要扣减的数额
	Shortfall int64 // 差额 = Amount - Balance
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("书币余额不足，还差 %d", e.Shortfall)
}

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, account *model.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.Account, error) {
	var account model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// Deduct 条件扣减余额
//
// 【关键点】WHERE balance >= amount 把"查余额"和"扣余额"合并为
// 一条原子 UPDATE，并发扣费不可能把余额扣成负数；
// RowsAffected == 0 时再查一次账户，区分余额不足和版本号冲突。
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, userID int64, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND balance >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 在同一事务内重读，区分余额不足和版本号冲突
		var account model.Account
		err := tx.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}
		if account.Balance < amount {
			return &InsufficientBalanceError{
				Balance:   account.Balance,
				Amount:    amount,
				Shortfall: amount - account.Balance,
			}
		}
		return ErrOptimisticLock
	}

	return nil
}

// Credit 入账，余额与经验值在同一条 UPDATE 里变更
func (r *AccountRepository) Credit(ctx context.Context, tx *gorm.DB, userID int64, amount int64, expDelta int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"experience": gorm.Expr("experience + ?", expDelta),
			"version":    gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// GetOrCreate 获取账户，不存在则创建零余额账户
// 并发创建通过 user_id 唯一索引 + DoNothing 兜底
func (r *AccountRepository) GetOrCreate(ctx context.Context, userID int64) (*model.Account, error) {
	account, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return account, nil
	}

	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{
		UserID:  userID,
		Balance: 0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}
