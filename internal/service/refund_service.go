package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"shopwallet/internal/config"
	"shopwallet/internal/ledger"
	"shopwallet/internal/model"
	"shopwallet/internal/repository"
	"shopwallet/pkg/idgen"

	"gorm.io/gorm"
)

type RefundService struct {
	db        *gorm.DB
	manager   *ledger.BalanceManager
	orderRepo *repository.OrderRepository
	cfg       *config.Config
}

func NewRefundService(db *gorm.DB, manager *ledger.BalanceManager, cfg *config.Config) *RefundService {
	return &RefundService{
		db:        db,
		manager:   manager,
		orderRepo: repository.NewOrderRepository(db),
		cfg:       cfg,
	}
}

type RefundRequest struct {
	OrderNo string `json:"order_no" binding:"required"`
	Reason  string `json:"reason"`
}

type RefundResponse struct {
	RefundNo   string  `json:"refund_no,omitempty"`
	OrderNo    string  `json:"order_no"`
	Amount     float64 `json:"amount"`
	Status     string  `json:"status"`
	NewBalance float64 `json:"new_balance,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Refund 全额退款
//
// 支持 PAID 订单退款，REFUNDING 订单续推。入账先行、状态随后：
// ProcessRefund 按 orderRef 幂等，重试不会退两次钱；
// 上一次调用在 REFUNDING 之后崩溃的话，重试命中幂等、
// 跳过 PAID->REFUNDING，直接把状态补到 REFUNDED。
func (s *RefundService) Refund(ctx context.Context, req *RefundRequest) (*RefundResponse, error) {
	order, err := s.orderRepo.GetByOrderNo(ctx, req.OrderNo)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}

	switch order.Status {
	case model.OrderStatusRefunded:
		return &RefundResponse{
			OrderNo: order.OrderNo,
			Amount:  order.Amount,
			Status:  model.OrderStatusRefunded,
			Message: "已退款，请勿重复操作",
		}, nil
	case model.OrderStatusPaid, model.OrderStatusRefunding:
		// 继续执行
	default:
		return nil, fmt.Errorf("%w: 当前状态 %s 不允许退款", repository.ErrOrderStatusInvalid, order.Status)
	}

	refundNo := idgen.GenerateRefundNo()
	description := fmt.Sprintf("退款-%s-%s", refundNo, req.Reason)

	result, err := s.manager.ProcessRefund(ctx, order.UserID, order.Amount, description, order.OrderNo)
	if err != nil {
		return nil, err
	}

	if order.Status == model.OrderStatusPaid {
		if err := s.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusPaid, model.OrderStatusRefunding); err != nil {
			log.Printf("[RefundService] 订单状态推进失败(PAID->REFUNDING): orderNo=%s, err=%v", order.OrderNo, err)
			return nil, fmt.Errorf("更新订单状态失败: %w", err)
		}
	}
	if err := s.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusRefunding, model.OrderStatusRefunded); err != nil {
		log.Printf("[RefundService] 订单状态推进失败(REFUNDING->REFUNDED): orderNo=%s, err=%v", order.OrderNo, err)
		return nil, fmt.Errorf("更新订单状态失败: %w", err)
	}

	if result.Duplicate {
		log.Printf("[RefundService] 命中幂等，补推订单状态: orderNo=%s", order.OrderNo)
	} else {
		log.Printf("[RefundService] 退款成功: refundNo=%s, orderNo=%s, amount=%.2f",
			refundNo, order.OrderNo, order.Amount)
	}

	return &RefundResponse{
		RefundNo:   refundNo,
		OrderNo:    order.OrderNo,
		Amount:     order.Amount,
		Status:     model.OrderStatusRefunded,
		NewBalance: result.NewBalance,
		Message:    "退款成功",
	}, nil
}
