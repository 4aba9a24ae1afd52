package job

import (
	"context"
	"testing"
	"time"

	"shopwallet/internal/config"
	"shopwallet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.PurchaseOrder{},
		&model.BalanceTransaction{},
	))
	return db
}

func orderStatus(t *testing.T, db *gorm.DB, orderNo string) string {
	t.Helper()
	var order model.PurchaseOrder
	require.NoError(t, db.Where("order_no = ?", orderNo).First(&order).Error)
	return order.Status
}

func TestCloseExpiredOrders(t *testing.T) {
	db := newTestDB(t)
	cfg := &config.Config{Business: config.BusinessConfig{OrderTimeoutMinutes: 15}}
	j := NewOrderTimeoutJob(db, cfg)
	ctx := context.Background()

	expired := &model.PurchaseOrder{
		OrderNo:   "ORD-expired",
		RequestID: "req-1",
		UserID:    "u1",
		Amount:    10,
		Status:    model.OrderStatusCreated,
		ExpiredAt: time.Now().Add(-time.Minute),
	}
	alive := &model.PurchaseOrder{
		OrderNo:   "ORD-alive",
		RequestID: "req-2",
		UserID:    "u1",
		Amount:    10,
		Status:    model.OrderStatusCreated,
		ExpiredAt: time.Now().Add(15 * time.Minute),
	}
	require.NoError(t, db.Create(expired).Error)
	require.NoError(t, db.Create(alive).Error)

	j.closeExpiredOrders(ctx)

	assert.Equal(t, model.OrderStatusClosed, orderStatus(t, db, "ORD-expired"))
	assert.Equal(t, model.OrderStatusCreated, orderStatus(t, db, "ORD-alive"))
}

// 卡在 PAYING 的订单按流水裁决：有 purchase 流水说明钱已扣，补到 PAID
func TestCompensateOrder_TransactionExists_PromotesToPaid(t *testing.T) {
	db := newTestDB(t)
	cfg := &config.Config{Business: config.BusinessConfig{OrderTimeoutMinutes: 15}}
	j := NewPayingOrderCompensateJob(db, cfg)
	ctx := context.Background()

	order := &model.PurchaseOrder{
		OrderNo:   "ORD-stuck",
		RequestID: "req-1",
		UserID:    "u1",
		Amount:    30,
		Status:    model.OrderStatusPaying,
		ExpiredAt: time.Now().Add(15 * time.Minute),
	}
	require.NoError(t, db.Create(order).Error)
	require.NoError(t, db.Create(&model.BalanceTransaction{
		TransactionNo: "T-1",
		UserID:        "u1",
		OrderRef:      "ORD-stuck",
		Type:          model.TransactionTypePurchase,
		Amount:        -30,
		BalanceAfter:  70,
	}).Error)

	j.compensateOrder(ctx, order)

	assert.Equal(t, model.OrderStatusPaid, orderStatus(t, db, "ORD-stuck"))
}

// 没有流水且已超时：扣款确实没发生，订单标记失败
func TestCompensateOrder_NoTransactionAfterTimeout_MarksFailed(t *testing.T) {
	db := newTestDB(t)
	// 超时时间设为 0，订单创建即视为超时
	cfg := &config.Config{Business: config.BusinessConfig{OrderTimeoutMinutes: 0}}
	j := NewPayingOrderCompensateJob(db, cfg)
	ctx := context.Background()

	order := &model.PurchaseOrder{
		OrderNo:   "ORD-stuck",
		RequestID: "req-1",
		UserID:    "u1",
		Amount:    30,
		Status:    model.OrderStatusPaying,
		ExpiredAt: time.Now().Add(15 * time.Minute),
	}
	require.NoError(t, db.Create(order).Error)

	var loaded model.PurchaseOrder
	require.NoError(t, db.Where("order_no = ?", "ORD-stuck").First(&loaded).Error)
	j.compensateOrder(ctx, &loaded)

	assert.Equal(t, model.OrderStatusFailed, orderStatus(t, db, "ORD-stuck"))
}

// 没有流水但还没超时：不动，留给下一轮
func TestCompensateOrder_NoTransactionWithinTimeout_LeavesPaying(t *testing.T) {
	db := newTestDB(t)
	cfg := &config.Config{Business: config.BusinessConfig{OrderTimeoutMinutes: 15}}
	j := NewPayingOrderCompensateJob(db, cfg)
	ctx := context.Background()

	order := &model.PurchaseOrder{
		OrderNo:   "ORD-stuck",
		RequestID: "req-1",
		UserID:    "u1",
		Amount:    30,
		Status:    model.OrderStatusPaying,
		ExpiredAt: time.Now().Add(15 * time.Minute),
	}
	require.NoError(t, db.Create(order).Error)

	var loaded model.PurchaseOrder
	require.NoError(t, db.Where("order_no = ?", "ORD-stuck").First(&loaded).Error)
	j.compensateOrder(ctx, &loaded)

	assert.Equal(t, model.OrderStatusPaying, orderStatus(t, db, "ORD-stuck"))
}
