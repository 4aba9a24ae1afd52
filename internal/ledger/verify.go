package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"shopwallet/internal/repository"
)

// DiscrepancyTolerance 对账容差
// 余额用两位小数存储，超过一分钱的偏差就是真实差异，不是浮点噪声
const DiscrepancyTolerance = 0.01

// IntegrityReport 对账结果
type IntegrityReport struct {
	UserID            string     `json:"user_id"`
	IsValid           bool       `json:"is_valid"`
	CachedBalance     float64    `json:"cached_balance"`     // user_profile.balance 当前值
	CalculatedBalance float64    `json:"calculated_balance"` // 全量流水重放得到的余额
	Discrepancy       float64    `json:"discrepancy"`        // cached - calculated，带符号
	TransactionCount  int        `json:"transaction_count"`
	LastTransactionAt *time.Time `json:"last_transaction_at,omitempty"`
}

// VerifyIntegrity 对账：重放全量流水，和缓存余额比对
//
// 纯读操作，无论对账结果如何都不写任何状态。
//
// 【重放规则】流水按 created_at 升序累加带符号金额，每一步都把负值
// 钳制回零 —— 和线上 ApplyMutation 的逐笔钳制保持同一套口径。
// 历史教训：早年校验逻辑只在累加完"整段历史"后钳一次零，
// 一旦某笔历史扣款曾把中间余额打成负数、后面又有入账，两种口径
// 会算出不同的结果，自动修正拿错口径的值回写，把余额越修越大。
func (m *BalanceManager) VerifyIntegrity(ctx context.Context, userID string) (*IntegrityReport, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userID 不能为空", ErrInvalidInput)
	}

	profile, err := m.profileRepo.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrProfileNotFound) {
			return nil, ErrProfileNotFound
		}
		return nil, fmt.Errorf("%w: 查询用户资料失败: %v", ErrPersistence, err)
	}

	transactions, err := m.transactionRepo.ListByUserIDAsc(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: 查询流水失败: %v", ErrPersistence, err)
	}

	calculated := 0.0
	for _, trans := range transactions {
		calculated = round2(calculated + trans.Amount)
		if calculated < 0 {
			calculated = 0
		}
	}

	discrepancy := round2(profile.Balance - calculated)

	report := &IntegrityReport{
		UserID:            userID,
		IsValid:           math.Abs(discrepancy) < DiscrepancyTolerance,
		CachedBalance:     profile.Balance,
		CalculatedBalance: calculated,
		Discrepancy:       discrepancy,
		TransactionCount:  len(transactions),
	}
	if n := len(transactions); n > 0 {
		last := transactions[n-1].CreatedAt
		report.LastTransactionAt = &last
	}

	return report, nil
}

// FixDiscrepancy 自动修正余额 —— 已永久停用
//
// 线上曾发生过该操作把余额"修"大的事故（重放口径和线上口径不一致，
// 见 VerifyIntegrity 的说明）。在重放算法重新证明正确之前，
// 这里必须保持拒绝：固定返回 ErrFixDisabled，对任何输入都不做任何写入。
// 发现差异后唯一的修复通道是人工核对流水后的带外管理操作。
func (m *BalanceManager) FixDiscrepancy(ctx context.Context, userID string) error {
	log.Printf("[BalanceManager] 收到已停用的 FixDiscrepancy 调用: userID=%s", userID)
	return ErrFixDisabled
}
