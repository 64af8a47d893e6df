package repository

import (
	"context"
	"errors"

	"bookcoin/internal/model"

	"gorm.io/gorm"
)

var ErrInvalidArgument = errors.New("流水参数非法")

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create 追加一条流水
// 金额必须为正数，方向必须与来源匹配；流水只增不改
func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.CoinTransaction) error {
	if trans.Amount <= 0 {
		return ErrInvalidArgument
	}
	direction, ok := model.ValidSources[trans.Source]
	if !ok || trans.Direction != direction {
		return ErrInvalidArgument
	}
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) GetByOrderNo(ctx context.Context, orderNo string) (*model.CoinTransaction, error) {
	var trans model.CoinTransaction
	err := r.db.WithContext(ctx).Where("order_no = ?", orderNo).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// GetByOrderNoAndSource 按订单号与来源查询流水，不存在返回 nil
// 同一订单号下扣费与退币各有一条流水，退款幂等检查用
func (r *TransactionRepository) GetByOrderNoAndSource(ctx context.Context, orderNo, source string) (*model.CoinTransaction, error) {
	var trans model.CoinTransaction
	err := r.db.WithContext(ctx).Where("order_no = ? AND source = ?", orderNo, source).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// ListByUserID 分页查询用户流水，按时间倒序
func (r *TransactionRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.CoinTransaction, int64, error) {
	var transactions []*model.CoinTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.CoinTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}

// SumSignedByUserID 计算用户流水的带符号和，对账用
// 账户余额恒等于该值，是账本最重要的不变量
func (r *TransactionRepository) SumSignedByUserID(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := r.db.WithContext(ctx).
		Model(&model.CoinTransaction{}).
		Select("COALESCE(SUM(CASE WHEN direction = ? THEN amount ELSE -amount END), 0)", model.DirectionEarn).
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	return sum, nil
}
