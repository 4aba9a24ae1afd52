package ledger

import (
	"errors"
	"fmt"
)

// ============================================================================
// 错误分类
// ============================================================================
//
// 余额管理器对外只暴露下面这几类错误，底层 gorm/redis 的原始错误一律
// 包装成 ErrPersistence，不允许泄漏给调用方。
// 调用方用 errors.Is 判断类别，展示层再翻译成用户文案。

var (
	// ErrInvalidInput 入参不合法（空 userID、非正金额、未知交易类型）
	// 调用方自己能修复，永远不该自动重试
	ErrInvalidInput = errors.New("入参不合法")

	// ErrInsufficientBalance 出账金额超过当前余额，未发生任何状态变更
	ErrInsufficientBalance = errors.New("余额不足")

	// ErrProfileNotFound userID 对应的用户资料不存在，本次调用直接失败
	ErrProfileNotFound = errors.New("用户资料不存在")

	// ErrPersistence 底层存储读写失败
	// 管理器自身不做重试（避免掩盖部分失败状态）；
	// 调用方只有在能保证幂等（带 orderRef）时才可以整体重试
	ErrPersistence = errors.New("存储操作失败")

	// ErrFixDisabled 自动修正余额已永久停用，见 FixDiscrepancy 的说明
	ErrFixDisabled = errors.New("余额自动修正已停用（安全原因）")
)

// InsufficientBalanceError 余额不足的结构化明细，方便展示层提示差额
type InsufficientBalanceError struct {
	UserID    string
	Available float64
	Requested float64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("余额不足: 可用 %.2f, 需要 %.2f", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}
