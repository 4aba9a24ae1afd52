package repository

import (
	"context"
	"errors"

	"shopwallet/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrProfileNotFound  = errors.New("用户资料不存在")
	ErrBalanceNotEnough = errors.New("余额不足")
	ErrOptimisticLock   = errors.New("乐观锁冲突，请重试")
)

type ProfileRepository struct {
	db *gorm.DB
}

func NewProfileRepository(db *gorm.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

func (r *ProfileRepository) Create(ctx context.Context, profile *model.UserProfile) error {
	return r.db.WithContext(ctx).Create(profile).Error
}

func (r *ProfileRepository) GetByUserID(ctx context.Context, userID string) (*model.UserProfile, error) {
	return r.getByUserID(ctx, r.db, userID)
}

func (r *ProfileRepository) getByUserID(ctx context.Context, db *gorm.DB, userID string) (*model.UserProfile, error) {
	var profile model.UserProfile
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	return &profile, nil
}

// Debit 条件扣款：余额够且版本号没变才会扣
//
// 【关键点】check-and-update 必须是一条原子 UPDATE。
// 先 SELECT 再无条件 UPDATE 的写法，两个并发请求会读到同一份余额，
// 各扣各的，合计超出真实余额（经典双花）。WHERE 里同时带上
// balance >= ? 和 version = ?，数据库保证同一时刻只有一个请求生效。
func (r *ProfileRepository) Debit(ctx context.Context, tx *gorm.DB, userID string, amount float64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.UserProfile{}).
		Where("user_id = ? AND balance >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("ROUND(balance - ?, 2)", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		// 没扣成，区分是余额不足还是版本号过期
		// 重读必须走同一个 tx：事务持有连接时另开连接会死等
		profile, err := r.getByUserID(ctx, tx, userID)
		if err != nil {
			return err
		}
		if profile.Balance < amount {
			return ErrBalanceNotEnough
		}
		return ErrOptimisticLock
	}

	return nil
}

// Credit 条件入账：入账不校验余额，但同样带版本号
// 保证 balance_after 快照对应的是本次写入时刻的真实余额
func (r *ProfileRepository) Credit(ctx context.Context, tx *gorm.DB, userID string, amount float64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.UserProfile{}).
		Where("user_id = ? AND version = ?", userID, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("ROUND(balance + ?, 2)", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.getByUserID(ctx, tx, userID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}

func (r *ProfileRepository) GetOrCreate(ctx context.Context, userID string) (*model.UserProfile, error) {
	profile, err := r.GetByUserID(ctx, userID)
	if err == nil {
		return profile, nil
	}

	if !errors.Is(err, ErrProfileNotFound) {
		return nil, err
	}

	newProfile := &model.UserProfile{
		UserID:  userID,
		Balance: 0,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(newProfile).Error

	if err != nil {
		return nil, err
	}

	return r.GetByUserID(ctx, userID)
}

// List 按主键分页遍历全部用户资料，供审计任务批量巡检使用
func (r *ProfileRepository) List(ctx context.Context, afterID int64, limit int) ([]*model.UserProfile, error) {
	var profiles []*model.UserProfile
	err := r.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&profiles).Error
	return profiles, err
}
