package model

import (
	"math"
	"time"
)

// ============================================================================
// 交易类型常量
// ============================================================================

const (
	TransactionTypeDeposit       = "deposit"        // 充值
	TransactionTypeWithdrawal    = "withdrawal"     // 提现
	TransactionTypePurchase      = "purchase"       // 购买（扣款）
	TransactionTypeRefund        = "refund"         // 退款
	TransactionTypeReferralBonus = "referral_bonus" // 邀请奖励
)

// 五种交易类型是封闭集合，不允许其他取值
var validTransactionTypes = map[string]bool{
	TransactionTypeDeposit:       true,
	TransactionTypeWithdrawal:    true,
	TransactionTypePurchase:      true,
	TransactionTypeRefund:        true,
	TransactionTypeReferralBonus: true,
}

func IsValidTransactionType(t string) bool {
	return validTransactionTypes[t]
}

// IsCreditType 入账类型（增加余额）
func IsCreditType(t string) bool {
	return t == TransactionTypeDeposit ||
		t == TransactionTypeRefund ||
		t == TransactionTypeReferralBonus
}

// IsDebitType 出账类型（减少余额）
func IsDebitType(t string) bool {
	return t == TransactionTypePurchase || t == TransactionTypeWithdrawal
}

// SignedAmount 按符号约定生成落库金额：入账为正，出账为负
// 符号只在这里赋值，调用方永远传正数，杜绝散落各处的 abs/取反
func SignedAmount(txType string, amount float64) float64 {
	abs := math.Abs(amount)
	if IsDebitType(txType) {
		return -abs
	}
	return abs
}

// ============================================================================
// 余额流水实体
// ============================================================================

// BalanceTransaction 余额流水表
// 记录每一笔余额变动，是对账的核心依据
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 流水才是资金的最终事实来源
// 2. 金额带符号落库：入账为正、出账为负，校验逻辑依赖这一约定
// 3. 记录交易后余额快照（balance_after）—— 审计时无需重放全量历史
type BalanceTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"` // 流水号（全局唯一）
	UserID        string    `gorm:"type:varchar(64);index;not null" json:"user_id"`              // 用户ID
	OrderRef      string    `gorm:"type:varchar(64);index" json:"order_ref"`                     // 关联订单号，幂等去重依据
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`                       // 交易类型，五种之一
	Amount        float64   `gorm:"type:decimal(15,2);not null" json:"amount"`                   // 带符号金额
	Description   string    `gorm:"type:varchar(256)" json:"description"`                        // 变动原因
	BalanceAfter  float64   `gorm:"type:decimal(15,2);not null" json:"balance_after"`            // 交易后余额快照
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`                      // 重放按此字段排序
}

func (BalanceTransaction) TableName() string {
	return "balance_transaction"
}
