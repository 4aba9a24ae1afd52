package repository

import (
	"context"

	"shopwallet/internal/model"

	"gorm.io/gorm"
)

// TransactionRepository 余额流水仓储
// 流水只追加：这里只有 Create 和各类查询，没有 Update/Delete
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, trans *model.BalanceTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(trans).Error
}

func (r *TransactionRepository) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.BalanceTransaction, error) {
	var trans model.BalanceTransaction
	err := r.db.WithContext(ctx).Where("transaction_no = ?", transactionNo).First(&trans).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// GetByOrderRef 按用户+订单号+类型查流水，幂等判断的依据
// 同一订单允许既有 purchase 又有 refund 两条流水，所以要带类型过滤
func (r *TransactionRepository) GetByOrderRef(ctx context.Context, userID, orderRef, txType string) (*model.BalanceTransaction, error) {
	var trans model.BalanceTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND order_ref = ? AND type = ?", userID, orderRef, txType).
		First(&trans).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &trans, nil
}

// ListByUserIDAsc 全量流水按时间升序返回，对账重放专用
// created_at 同毫秒时按自增ID兜底排序，保证重放顺序稳定
func (r *TransactionRepository) ListByUserIDAsc(ctx context.Context, userID string) ([]*model.BalanceTransaction, error) {
	var transactions []*model.BalanceTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&transactions).Error
	return transactions, err
}

func (r *TransactionRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.BalanceTransaction, int64, error) {
	var transactions []*model.BalanceTransaction
	var total int64

	query := r.db.WithContext(ctx).Model(&model.BalanceTransaction{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&transactions).Error

	return transactions, total, err
}
