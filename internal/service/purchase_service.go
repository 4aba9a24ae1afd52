package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"shopwallet/internal/config"
	"shopwallet/internal/ledger"
	"shopwallet/internal/model"
	"shopwallet/internal/repository"
	"shopwallet/pkg/idgen"

	"gorm.io/gorm"
)

// PurchaseService 购买流程：订单是余额扣款的上游调用方
// 扣款一律通过 BalanceManager，服务本身绝不直接碰余额字段
type PurchaseService struct {
	db        *gorm.DB
	manager   *ledger.BalanceManager
	orderRepo *repository.OrderRepository
	cfg       *config.Config
}

func NewPurchaseService(db *gorm.DB, manager *ledger.BalanceManager, cfg *config.Config) *PurchaseService {
	return &PurchaseService{
		db:        db,
		manager:   manager,
		orderRepo: repository.NewOrderRepository(db),
		cfg:       cfg,
	}
}

type PurchaseRequest struct {
	RequestID   string  `json:"request_id" binding:"required"` // 幂等ID，客户端生成
	UserID      string  `json:"user_id" binding:"required"`
	Amount      float64 `json:"amount" binding:"required,gt=0"`
	ProductType string  `json:"product_type" binding:"required"`
	ProductID   string  `json:"product_id" binding:"required"`
}

type PurchaseResponse struct {
	OrderNo    string  `json:"order_no"`
	Status     string  `json:"status"`
	Amount     float64 `json:"amount"`
	NewBalance float64 `json:"new_balance,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Purchase 下单并用余额支付
//
// 幂等性双保险：
//   1. 订单表 request_id 唯一索引，重复提交返回已有订单
//   2. BalanceManager 内部按 orderRef 去重，重试不会二次扣款
func (s *PurchaseService) Purchase(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error) {
	existingOrder, err := s.orderRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询订单失败: %w", err)
	}
	if existingOrder != nil {
		return &PurchaseResponse{
			OrderNo: existingOrder.OrderNo,
			Status:  existingOrder.Status,
			Amount:  existingOrder.Amount,
			Message: "订单已存在",
		}, nil
	}

	orderNo := idgen.GenerateOrderNo()
	expiredAt := time.Now().Add(time.Duration(s.cfg.Business.OrderTimeoutMinutes) * time.Minute)

	order := &model.PurchaseOrder{
		OrderNo:     orderNo,
		RequestID:   req.RequestID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		ProductType: req.ProductType,
		ProductID:   req.ProductID,
		Status:      model.OrderStatusCreated,
		ExpiredAt:   expiredAt,
	}

	if err := s.orderRepo.Create(ctx, nil, order); err != nil {
		// 并发重复提交会撞 request_id 唯一索引，回查已有订单
		if dup, dupErr := s.orderRepo.GetByRequestID(ctx, req.RequestID); dupErr == nil && dup != nil {
			return &PurchaseResponse{
				OrderNo: dup.OrderNo,
				Status:  dup.Status,
				Amount:  dup.Amount,
				Message: "订单已存在",
			}, nil
		}
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}

	if err := s.orderRepo.UpdateStatus(ctx, nil, orderNo, model.OrderStatusCreated, model.OrderStatusPaying); err != nil {
		return nil, fmt.Errorf("更新订单状态失败: %w", err)
	}

	description := fmt.Sprintf("购买-%s-%s", req.ProductType, req.ProductID)
	result, err := s.manager.ProcessPurchase(ctx, req.UserID, req.Amount, description, orderNo)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) ||
			errors.Is(err, ledger.ErrProfileNotFound) ||
			errors.Is(err, ledger.ErrInvalidInput) {
			// 明确失败：扣款未发生，订单直接置为失败
			if stErr := s.orderRepo.UpdateStatus(ctx, nil, orderNo, model.OrderStatusPaying, model.OrderStatusFailed); stErr != nil {
				log.Printf("[PurchaseService] 订单置失败状态失败: orderNo=%s, err=%v", orderNo, stErr)
			}
			return nil, err
		}
		// 存储层失败结果不确定：订单留在 PAYING，由补偿任务根据流水裁决
		log.Printf("[PurchaseService] 扣款结果不确定，留待补偿: orderNo=%s, err=%v", orderNo, err)
		return nil, err
	}

	if err := s.orderRepo.UpdateStatus(ctx, nil, orderNo, model.OrderStatusPaying, model.OrderStatusPaid); err != nil {
		// 钱已扣、状态没推到 PAID：补偿任务会根据已存在的 purchase 流水补状态
		log.Printf("[PurchaseService] 扣款成功但订单状态更新失败: orderNo=%s, err=%v", orderNo, err)
		return nil, fmt.Errorf("更新订单状态失败: %w", err)
	}

	log.Printf("[PurchaseService] 购买成功: orderNo=%s, userID=%s, amount=%.2f, newBalance=%.2f",
		orderNo, req.UserID, req.Amount, result.NewBalance)

	return &PurchaseResponse{
		OrderNo:    orderNo,
		Status:     model.OrderStatusPaid,
		Amount:     req.Amount,
		NewBalance: result.NewBalance,
		Message:    "支付成功",
	}, nil
}

func (s *PurchaseService) GetOrder(ctx context.Context, orderNo string) (*model.PurchaseOrder, error) {
	return s.orderRepo.GetByOrderNo(ctx, orderNo)
}

func (s *PurchaseService) ListUserOrders(ctx context.Context, userID string, page, pageSize int) ([]*model.PurchaseOrder, int64, error) {
	return s.orderRepo.ListByUserID(ctx, userID, page, pageSize)
}
