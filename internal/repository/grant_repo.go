package repository

import (
	"context"

	"bookcoin/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GrantRepository struct {
	db *gorm.DB
}

func NewGrantRepository(db *gorm.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

// TryInsert 尝试插入发放记录，返回是否发放成功
//
// 【关键点】这里是"每日一次"约束的唯一裁决处：
// 唯一索引冲突时 DoNothing 使 RowsAffected 为 0，
// 调用方据此返回"今日已发放"，而不会把冲突当作系统错误。
func (r *GrantRepository) TryInsert(ctx context.Context, tx *gorm.DB, grant *model.RewardGrant) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"}, {Name: "source"}, {Name: "grant_day"}, {Name: "book_id"},
			},
			DoNothing: true,
		}).
		Create(grant)

	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected > 0, nil
}

// ExistsOnDay 查询某来源在给定日历日是否已发放
// 只读快速路径，最终裁决仍以 TryInsert 的唯一索引为准
func (r *GrantRepository) ExistsOnDay(ctx context.Context, userID int64, source, grantDay, bookID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.RewardGrant{}).
		Where("user_id = ? AND source = ? AND grant_day = ? AND book_id = ?", userID, source, grantDay, bookID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
