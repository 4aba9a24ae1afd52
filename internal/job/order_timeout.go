package job

import (
	"context"
	"log"
	"time"

	"shopwallet/internal/config"
	"shopwallet/internal/model"
	"shopwallet/internal/repository"

	"gorm.io/gorm"
)

// OrderTimeoutJob 定期关闭超时未支付的订单
type OrderTimeoutJob struct {
	db        *gorm.DB
	orderRepo *repository.OrderRepository
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewOrderTimeoutJob(db *gorm.DB, cfg *config.Config) *OrderTimeoutJob {
	return &OrderTimeoutJob{
		db:        db,
		orderRepo: repository.NewOrderRepository(db),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  10 * time.Second,
		batchSize: 100,
	}
}

func (j *OrderTimeoutJob) Start(ctx context.Context) {
	log.Println("[OrderTimeoutJob] 订单超时任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OrderTimeoutJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OrderTimeoutJob] 任务停止")
			return
		case <-ticker.C:
			j.closeExpiredOrders(ctx)
		}
	}
}

func (j *OrderTimeoutJob) Stop() {
	close(j.stopCh)
}

func (j *OrderTimeoutJob) closeExpiredOrders(ctx context.Context) {
	orders, err := j.orderRepo.GetExpiredOrders(ctx, j.batchSize)
	if err != nil {
		log.Printf("[OrderTimeoutJob] 查询超时订单失败: %v", err)
		return
	}

	if len(orders) == 0 {
		return
	}

	closedCount := 0
	for _, order := range orders {
		err := j.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusCreated, model.OrderStatusClosed)
		if err != nil {
			log.Printf("[OrderTimeoutJob] 关闭订单失败: orderNo=%s, err=%v", order.OrderNo, err)
			continue
		}
		closedCount++
	}

	log.Printf("[OrderTimeoutJob] 本次关闭 %d 个超时订单", closedCount)
}

// PayingOrderCompensateJob 裁决卡在 PAYING 状态的订单
//
// 扣款请求发出后结果不确定（进程崩溃、网络抖动）时，订单会停在
// PAYING。裁决依据是流水：purchase 流水存在说明钱已扣，补状态到
// PAID；流水不存在且订单已超时，标记 FAILED。流水是唯一事实来源。
type PayingOrderCompensateJob struct {
	db              *gorm.DB
	orderRepo       *repository.OrderRepository
	transactionRepo *repository.TransactionRepository
	cfg             *config.Config
	stopCh          chan struct{}
	interval        time.Duration
	batchSize       int
}

func NewPayingOrderCompensateJob(db *gorm.DB, cfg *config.Config) *PayingOrderCompensateJob {
	return &PayingOrderCompensateJob{
		db:              db,
		orderRepo:       repository.NewOrderRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		cfg:             cfg,
		stopCh:          make(chan struct{}),
		interval:        30 * time.Second,
		batchSize:       50,
	}
}

func (j *PayingOrderCompensateJob) Start(ctx context.Context) {
	log.Println("[PayingOrderCompensateJob] 补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[PayingOrderCompensateJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[PayingOrderCompensateJob] 任务停止")
			return
		case <-ticker.C:
			j.compensatePayingOrders(ctx)
		}
	}
}

func (j *PayingOrderCompensateJob) Stop() {
	close(j.stopCh)
}

func (j *PayingOrderCompensateJob) compensatePayingOrders(ctx context.Context) {
	beforeTime := time.Now().Add(-5 * time.Minute)
	orders, err := j.orderRepo.GetPayingOrders(ctx, beforeTime, j.batchSize)
	if err != nil {
		log.Printf("[PayingOrderCompensateJob] 查询订单失败: %v", err)
		return
	}

	for _, order := range orders {
		j.compensateOrder(ctx, order)
	}
}

func (j *PayingOrderCompensateJob) compensateOrder(ctx context.Context, order *model.PurchaseOrder) {
	trans, err := j.transactionRepo.GetByOrderRef(ctx, order.UserID, order.OrderNo, model.TransactionTypePurchase)
	if err != nil {
		log.Printf("[PayingOrderCompensateJob] 查询流水失败: orderNo=%s, err=%v", order.OrderNo, err)
		return
	}

	if trans != nil {
		// 钱已扣、状态没推完，补状态
		err := j.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusPaying, model.OrderStatusPaid)
		if err != nil {
			log.Printf("[PayingOrderCompensateJob] 补偿更新订单状态失败: orderNo=%s, err=%v", order.OrderNo, err)
		} else {
			log.Printf("[PayingOrderCompensateJob] 补偿成功，订单状态已更新为 PAID: orderNo=%s", order.OrderNo)
		}
		return
	}

	orderTimeout := time.Duration(j.cfg.Business.OrderTimeoutMinutes) * time.Minute
	if time.Since(order.CreatedAt) > orderTimeout {
		err := j.orderRepo.UpdateStatus(ctx, nil, order.OrderNo, model.OrderStatusPaying, model.OrderStatusFailed)
		if err != nil {
			log.Printf("[PayingOrderCompensateJob] 关闭订单失败: orderNo=%s, err=%v", order.OrderNo, err)
		} else {
			log.Printf("[PayingOrderCompensateJob] 订单无扣款流水且已超时，标记为失败: orderNo=%s", order.OrderNo)
		}
	}
}
