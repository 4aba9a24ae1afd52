package handler

import (
	"errors"
	"log"
	"strconv"

	"shopwallet/internal/audit"
	"shopwallet/internal/ledger"
	"shopwallet/internal/repository"
	"shopwallet/internal/service"
	"shopwallet/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，依赖由 main 显式注入
type Handler struct {
	manager         *ledger.BalanceManager
	purchaseService *service.PurchaseService
	refundService   *service.RefundService
	reporter        *audit.Reporter
}

func NewHandler(manager *ledger.BalanceManager, purchaseService *service.PurchaseService, refundService *service.RefundService, reporter *audit.Reporter) *Handler {
	return &Handler{
		manager:         manager,
		purchaseService: purchaseService,
		refundService:   refundService,
		reporter:        reporter,
	}
}

// writeError 把错误分类翻译成响应码
// 余额不足给出可操作的提示；其余内部错误只记日志，对外统一文案，
// 不把底层存储细节漏给调用方
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		response.ParamError(c, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		response.BusinessError(c, response.CodeInsufficientBalance, "余额不足，请先充值")
	case errors.Is(err, ledger.ErrProfileNotFound):
		response.BusinessError(c, response.CodeProfileNotFound, "用户不存在")
	case errors.Is(err, ledger.ErrFixDisabled):
		response.BusinessError(c, response.CodeFixDisabled, "余额自动修正已停用（安全原因），请联系管理员人工处理")
	case errors.Is(err, repository.ErrOrderNotFound):
		response.BusinessError(c, response.CodeOrderNotFound, "订单不存在")
	case errors.Is(err, repository.ErrOrderStatusInvalid):
		response.BusinessError(c, response.CodeOrderStatusInvalid, "订单状态不允许该操作")
	default:
		log.Printf("[Handler] 内部错误: %v", err)
		response.ServerError(c, "系统繁忙，请稍后重试")
	}
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/wallet/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	balance, err := h.manager.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"user_id": userID,
		"balance": balance,
	})
}

// DepositRequest 充值入账请求（支付渠道回调确认后调用）
type DepositRequest struct {
	UserID      string  `json:"user_id" binding:"required"`
	Amount      float64 `json:"amount" binding:"required,gt=0"`
	TxRef       string  `json:"tx_ref" binding:"required"` // 渠道流水号，幂等依据
	Description string  `json:"description"`
}

// Deposit 充值
// POST /api/v1/wallet/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	desc := req.Description
	if desc == "" {
		desc = "充值-" + req.TxRef
	}

	result, err := h.manager.ProcessDeposit(c.Request.Context(), req.UserID, req.Amount, desc, req.TxRef)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_no": result.TransactionNo,
		"new_balance":    result.NewBalance,
		"duplicate":      result.Duplicate,
	})
}

// WithdrawRequest 提现请求
type WithdrawRequest struct {
	UserID      string  `json:"user_id" binding:"required"`
	Amount      float64 `json:"amount" binding:"required,gt=0"`
	TxRef       string  `json:"tx_ref" binding:"required"`
	Description string  `json:"description"`
}

// Withdraw 提现
// POST /api/v1/wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	desc := req.Description
	if desc == "" {
		desc = "提现-" + req.TxRef
	}

	result, err := h.manager.ProcessWithdrawal(c.Request.Context(), req.UserID, req.Amount, desc, req.TxRef)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_no": result.TransactionNo,
		"new_balance":    result.NewBalance,
		"duplicate":      result.Duplicate,
	})
}

// ReferralBonusRequest 邀请奖励发放请求
type ReferralBonusRequest struct {
	UserID      string  `json:"user_id" binding:"required"`
	Amount      float64 `json:"amount" binding:"required,gt=0"`
	RefID       string  `json:"ref_id" binding:"required"` // 邀请事件ID，幂等依据
	Description string  `json:"description"`
}

// GrantReferralBonus 发放邀请奖励
// POST /api/v1/wallet/referral-bonus
func (h *Handler) GrantReferralBonus(c *gin.Context) {
	var req ReferralBonusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	desc := req.Description
	if desc == "" {
		desc = "邀请奖励-" + req.RefID
	}

	result, err := h.manager.GrantReferralBonus(c.Request.Context(), req.UserID, req.Amount, desc, req.RefID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transaction_no": result.TransactionNo,
		"new_balance":    result.NewBalance,
		"duplicate":      result.Duplicate,
	})
}

// ListTransactions 查询余额流水
// GET /api/v1/wallet/transactions?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	transactions, total, err := h.manager.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 对账相关接口
// ============================================================

// VerifyIntegrity 按需对账
// GET /api/v1/wallet/verify?user_id=xxx
func (h *Handler) VerifyIntegrity(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	report, err := h.manager.VerifyIntegrity(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, report)
}

// FixDiscrepancy 余额自动修正 —— 永久停用，固定返回失败
// POST /api/v1/wallet/fix
func (h *Handler) FixDiscrepancy(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	err := h.manager.FixDiscrepancy(c.Request.Context(), req.UserID)
	// 该操作只有失败一种结果
	writeError(c, err)
}

// AuditStatus 巡检任务状态与最近发现的差异
// GET /api/v1/wallet/audit
func (h *Handler) AuditStatus(c *gin.Context) {
	response.Success(c, gin.H{
		"state":         h.reporter.CurrentState(),
		"last_outcome":  h.reporter.LastOutcome(),
		"last_cycle_at": h.reporter.LastCycleAt(),
		"findings":      h.reporter.Findings(),
	})
}

// ============================================================
// 购买/退款相关接口
// ============================================================

// Purchase 下单并用余额支付
// POST /api/v1/purchase/execute
//
// 【关键点】购买是最核心的扣款路径，必须保证：
// 1. 幂等性：相同 request_id 只会扣一次款
// 2. 原子性：余额扣减和流水记录同时成功或同时失败
// 3. 并发安全：同一用户的并发购买不能双花
func (h *Handler) Purchase(c *gin.Context) {
	var req service.PurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.purchaseService.Purchase(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// GetOrder 查询订单详情
// GET /api/v1/order/detail?order_no=xxx
func (h *Handler) GetOrder(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		response.ParamError(c, "order_no 参数不能为空")
		return
	}

	order, err := h.purchaseService.GetOrder(c.Request.Context(), orderNo)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, order)
}

// ListOrders 查询用户订单列表
// GET /api/v1/order/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListOrders(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.ParamError(c, "user_id 参数不能为空")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	orders, total, err := h.purchaseService.ListUserOrders(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      orders,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// Refund 退款
// POST /api/v1/refund/execute
func (h *Handler) Refund(c *gin.Context) {
	var req service.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.refundService.Refund(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}
