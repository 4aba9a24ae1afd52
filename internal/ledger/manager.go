package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"shopwallet/internal/config"
	"shopwallet/internal/model"
	"shopwallet/internal/repository"
	"shopwallet/pkg/idgen"

	"gorm.io/gorm"
)

// ============================================================================
// 余额管理器
// ============================================================================
//
// 【为什么所有余额变更必须走这里？】
//
// 余额字段是流水的派生缓存。任何绕过管理器直接 UPDATE user_profile.balance
// 的写法，都会让缓存和流水脱节，产生对不上账的差异（discrepancy）。
// 管理器是余额字段和流水表的唯一合法写入方。
//
// 【并发模型】
//
// 同一用户的两次并发扣款不允许都读到同一份余额然后都成功（双花）。
// 两层防线：
//   1. 每用户互斥锁（Redis 分布式锁或进程内锁）—— 把同一用户的变更串行化
//   2. 数据库条件更新（balance >= ? AND version = ?）—— 权威判断，
//      锁失效、锁过期等异常情况下依然兜得住
//
// 【崩溃恢复】
//
// 余额写入、流水追加、事件落库在同一个数据库事务里，要么全部生效要么
// 全部回滚，中途崩溃不会凭空多钱或少记一笔。事务结果不确定时，
// 进程内缓存做失效处理而不是回写。

type BalanceManager struct {
	db              *gorm.DB
	profileRepo     *repository.ProfileRepository
	transactionRepo *repository.TransactionRepository
	outboxRepo      *repository.OutboxRepository
	cache           BalanceCache
	locks           LockFactory
	maxRetries      int
	eventTopic      string
}

// NewBalanceManager 创建余额管理器
// 依赖全部显式注入，不持有任何全局单例
func NewBalanceManager(db *gorm.DB, cache BalanceCache, locks LockFactory, cfg *config.Config) *BalanceManager {
	maxRetries := cfg.Business.ApplyMaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &BalanceManager{
		db:              db,
		profileRepo:     repository.NewProfileRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		outboxRepo:      repository.NewOutboxRepository(db),
		cache:           cache,
		locks:           locks,
		maxRetries:      maxRetries,
		eventTopic:      cfg.Kafka.Topic.BalanceEvents,
	}
}

// MutationRequest 一次余额变更请求
// Amount 永远是正数，方向由 Type 决定，调用方不传带符号金额
type MutationRequest struct {
	UserID      string
	Amount      float64
	Type        string
	Description string
	OrderRef    string // 幂等标识：同一 (userID, orderRef, type) 只会生效一次
}

// MutationResult 变更成功的结果
type MutationResult struct {
	TransactionNo string
	NewBalance    float64
	Duplicate     bool // true 表示命中幂等，返回的是已有流水的结果
}

// ApplyMutation 应用一次余额变更
//
// 校验顺序（快速失败）：
//  1. 入参形状 -> ErrInvalidInput
//  2. 幂等检查（有 OrderRef 时）
//  3. 用户资料 -> ErrProfileNotFound
//  4. 出账预检余额，权威判断在条件更新上 -> ErrInsufficientBalance
//
// 失败时保证没有任何状态变更。
func (m *BalanceManager) ApplyMutation(ctx context.Context, req *MutationRequest) (*MutationResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	// 串行化同一用户的余额变更
	userLock := m.locks.ForUser(req.UserID)
	if err := userLock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("%w: 获取用户锁失败: %v", ErrPersistence, err)
	}
	defer userLock.Unlock(ctx)

	// 幂等：同一订单同一类型的流水已存在，直接返回当时的结果，不再扣/加一次
	if req.OrderRef != "" {
		existing, err := m.transactionRepo.GetByOrderRef(ctx, req.UserID, req.OrderRef, req.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: 查询流水失败: %v", ErrPersistence, err)
		}
		if existing != nil {
			return &MutationResult{
				TransactionNo: existing.TransactionNo,
				NewBalance:    existing.BalanceAfter,
				Duplicate:     true,
			}, nil
		}
	}

	profile, err := m.profileRepo.GetByUserID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("%w: 查询用户资料失败: %v", ErrPersistence, err)
	}

	// 乐观锁冲突时重读余额再试，冲突意味着别的请求改了余额
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		result, err := m.applyOnce(ctx, req, profile)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, repository.ErrOptimisticLock) {
			return nil, err
		}

		profile, err = m.profileRepo.GetByUserID(ctx, req.UserID)
		if err != nil {
			return nil, fmt.Errorf("%w: 重读用户资料失败: %v", ErrPersistence, err)
		}
	}

	log.Printf("[BalanceManager] 乐观锁重试耗尽: userID=%s, type=%s, amount=%.2f",
		req.UserID, req.Type, req.Amount)
	return nil, fmt.Errorf("%w: 并发冲突，重试次数耗尽", ErrPersistence)
}

// applyOnce 以 profile 携带的版本号尝试提交一次变更
func (m *BalanceManager) applyOnce(ctx context.Context, req *MutationRequest, profile *model.UserProfile) (*MutationResult, error) {
	amount := round2(req.Amount)
	debit := model.IsDebitType(req.Type)

	if debit && profile.Balance < amount {
		return nil, &InsufficientBalanceError{
			UserID:    req.UserID,
			Available: profile.Balance,
			Requested: amount,
		}
	}

	var newBalance float64
	if debit {
		newBalance = round2(profile.Balance - amount)
	} else {
		newBalance = round2(profile.Balance + amount)
	}
	// 尾差钳制：只吸收浮点误差产生的微小负值，绝不是放行透支的通道。
	// 真正的透支在上面的预检和条件更新里已经被拦下了。
	if newBalance < 0 {
		newBalance = 0
	}

	trans := &model.BalanceTransaction{
		TransactionNo: idgen.GenerateTransactionNo(),
		UserID:        req.UserID,
		OrderRef:      req.OrderRef,
		Type:          req.Type,
		Amount:        model.SignedAmount(req.Type, amount),
		Description:   req.Description,
		BalanceAfter:  newBalance,
	}

	err := m.db.Transaction(func(tx *gorm.DB) error {
		if debit {
			if err := m.profileRepo.Debit(ctx, tx, req.UserID, amount, profile.Version); err != nil {
				return err
			}
		} else {
			if err := m.profileRepo.Credit(ctx, tx, req.UserID, amount, profile.Version); err != nil {
				return err
			}
		}

		if err := m.transactionRepo.Create(ctx, tx, trans); err != nil {
			return fmt.Errorf("记录流水失败: %w", err)
		}

		return m.enqueueBalanceEvent(ctx, tx, trans)
	})

	if err != nil {
		switch {
		case errors.Is(err, repository.ErrBalanceNotEnough):
			// 条件更新兜住了并发窗口里的双花，此刻 profile.Balance 已过期
			return nil, &InsufficientBalanceError{
				UserID:    req.UserID,
				Available: profile.Balance,
				Requested: amount,
			}
		case errors.Is(err, repository.ErrOptimisticLock):
			return nil, err
		case errors.Is(err, repository.ErrProfileNotFound):
			return nil, ErrProfileNotFound
		default:
			// 事务结果不确定（可能已提交可能没有），缓存只能失效，不能回写
			m.cache.Invalidate(ctx, req.UserID)
			log.Printf("[BalanceManager] 变更落库失败: userID=%s, type=%s, amount=%.2f, err=%v",
				req.UserID, req.Type, req.Amount, err)
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}

	// 两处写入都已提交，才允许更新缓存
	m.cache.Set(ctx, req.UserID, newBalance)

	return &MutationResult{
		TransactionNo: trans.TransactionNo,
		NewBalance:    newBalance,
	}, nil
}

// enqueueBalanceEvent 余额事件与业务写入同事务落入 outbox
func (m *BalanceManager) enqueueBalanceEvent(ctx context.Context, tx *gorm.DB, trans *model.BalanceTransaction) error {
	payload, _ := json.Marshal(map[string]interface{}{
		"event":          model.EventBalanceUpdated,
		"user_id":        trans.UserID,
		"transaction_no": trans.TransactionNo,
		"type":           trans.Type,
		"amount":         trans.Amount,
		"balance_after":  trans.BalanceAfter,
		"order_ref":      trans.OrderRef,
		"occurred_at":    time.Now().Format(time.RFC3339),
	})

	msg := &model.OutboxMessage{
		MessageKey: trans.UserID,
		Topic:      m.eventTopic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	if err := m.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入事件失败: %w", err)
	}
	return nil
}

// ============================================================================
// 类型固定的便捷入口，不带任何额外逻辑
// ============================================================================

func (m *BalanceManager) ProcessPurchase(ctx context.Context, userID string, amount float64, description, orderRef string) (*MutationResult, error) {
	return m.ApplyMutation(ctx, &MutationRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        model.TransactionTypePurchase,
		Description: description,
		OrderRef:    orderRef,
	})
}

func (m *BalanceManager) ProcessDeposit(ctx context.Context, userID string, amount float64, description, txRef string) (*MutationResult, error) {
	return m.ApplyMutation(ctx, &MutationRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        model.TransactionTypeDeposit,
		Description: description,
		OrderRef:    txRef,
	})
}

func (m *BalanceManager) ProcessRefund(ctx context.Context, userID string, amount float64, description, orderRef string) (*MutationResult, error) {
	return m.ApplyMutation(ctx, &MutationRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        model.TransactionTypeRefund,
		Description: description,
		OrderRef:    orderRef,
	})
}

func (m *BalanceManager) ProcessWithdrawal(ctx context.Context, userID string, amount float64, description, txRef string) (*MutationResult, error) {
	return m.ApplyMutation(ctx, &MutationRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        model.TransactionTypeWithdrawal,
		Description: description,
		OrderRef:    txRef,
	})
}

func (m *BalanceManager) GrantReferralBonus(ctx context.Context, userID string, amount float64, description, refID string) (*MutationResult, error) {
	return m.ApplyMutation(ctx, &MutationRequest{
		UserID:      userID,
		Amount:      amount,
		Type:        model.TransactionTypeReferralBonus,
		Description: description,
		OrderRef:    refID,
	})
}

// ============================================================================
// 查询
// ============================================================================

// GetBalance 查余额，缓存命中直接返回，未命中回源并回填
func (m *BalanceManager) GetBalance(ctx context.Context, userID string) (float64, error) {
	if cached, ok := m.cache.Get(ctx, userID); ok {
		return cached, nil
	}

	profile, err := m.profileRepo.GetOrCreate(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	m.cache.Set(ctx, userID, profile.Balance)
	return profile.Balance, nil
}

// ListTransactions 分页查询流水，展示用
func (m *BalanceManager) ListTransactions(ctx context.Context, userID string, page, pageSize int) ([]*model.BalanceTransaction, int64, error) {
	transactions, total, err := m.transactionRepo.ListByUserID(ctx, userID, page, pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return transactions, total, nil
}

// ============================================================================
// 内部工具
// ============================================================================

func validateRequest(req *MutationRequest) error {
	if req == nil {
		return fmt.Errorf("%w: 请求为空", ErrInvalidInput)
	}
	if req.UserID == "" {
		return fmt.Errorf("%w: userID 不能为空", ErrInvalidInput)
	}
	if math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) || req.Amount <= 0 {
		return fmt.Errorf("%w: 金额必须是正的有限数", ErrInvalidInput)
	}
	if !model.IsValidTransactionType(req.Type) {
		return fmt.Errorf("%w: 未知交易类型 %q", ErrInvalidInput, req.Type)
	}
	return nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
