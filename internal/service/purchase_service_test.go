package service

import (
	"context"
	"testing"

	"shopwallet/internal/config"
	"shopwallet/internal/ledger"
	"shopwallet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	db       *gorm.DB
	manager  *ledger.BalanceManager
	purchase *PurchaseService
	refund   *RefundService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.UserProfile{},
		&model.BalanceTransaction{},
		&model.PurchaseOrder{},
		&model.OutboxMessage{},
	))

	cfg := &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{BalanceEvents: "wallet.balance.events"},
		},
		Business: config.BusinessConfig{
			ApplyMaxRetries:     3,
			OrderTimeoutMinutes: 15,
		},
	}

	manager := ledger.NewBalanceManager(db, ledger.NewMemoryCache(), ledger.NewLocalLockFactory(), cfg)
	return &testEnv{
		db:       db,
		manager:  manager,
		purchase: NewPurchaseService(db, manager, cfg),
		refund:   NewRefundService(db, manager, cfg),
	}
}

func (e *testEnv) seedBalance(t *testing.T, userID string, balance float64) {
	t.Helper()
	require.NoError(t, e.db.Create(&model.UserProfile{UserID: userID, Balance: balance}).Error)
}

func (e *testEnv) balance(t *testing.T, userID string) float64 {
	t.Helper()
	var profile model.UserProfile
	require.NoError(t, e.db.Where("user_id = ?", userID).First(&profile).Error)
	return profile.Balance
}

func TestPurchase_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "u1", 100)

	resp, err := env.purchase.Purchase(ctx, &PurchaseRequest{
		RequestID:   "req-1",
		UserID:      "u1",
		Amount:      29.9,
		ProductType: model.ProductTypeESIM,
		ProductID:   "esim-EU-10GB",
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, resp.Status)
	assert.Equal(t, 70.1, resp.NewBalance)
	assert.NotEmpty(t, resp.OrderNo)

	assert.Equal(t, 70.1, env.balance(t, "u1"))

	order, err := env.purchase.GetOrder(ctx, resp.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, order.Status)
}

func TestPurchase_InsufficientBalance_OrderFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "u1", 10)

	_, err := env.purchase.Purchase(ctx, &PurchaseRequest{
		RequestID:   "req-1",
		UserID:      "u1",
		Amount:      50,
		ProductType: model.ProductTypeVPN,
		ProductID:   "vpn-1m",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	// 余额没动，订单落在 FAILED 终态
	assert.Equal(t, 10.0, env.balance(t, "u1"))

	var order model.PurchaseOrder
	require.NoError(t, env.db.Where("request_id = ?", "req-1").First(&order).Error)
	assert.Equal(t, model.OrderStatusFailed, order.Status)
}

func TestPurchase_DuplicateRequestID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "u1", 100)

	req := &PurchaseRequest{
		RequestID:   "req-1",
		UserID:      "u1",
		Amount:      30,
		ProductType: model.ProductTypeSMSNumber,
		ProductID:   "sms-us-1",
	}

	first, err := env.purchase.Purchase(ctx, req)
	require.NoError(t, err)

	// 同一 request_id 重复提交：返回已有订单，不再扣款
	second, err := env.purchase.Purchase(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.OrderNo, second.OrderNo)
	assert.Equal(t, 70.0, env.balance(t, "u1"))

	var count int64
	require.NoError(t, env.db.Model(&model.PurchaseOrder{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRefund_FullCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "u1", 100)

	purchase, err := env.purchase.Purchase(ctx, &PurchaseRequest{
		RequestID:   "req-1",
		UserID:      "u1",
		Amount:      40,
		ProductType: model.ProductTypeRDP,
		ProductID:   "rdp-de-1",
	})
	require.NoError(t, err)
	require.Equal(t, 60.0, env.balance(t, "u1"))

	resp, err := env.refund.Refund(ctx, &RefundRequest{OrderNo: purchase.OrderNo, Reason: "测试退款"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, resp.Status)
	assert.Equal(t, 100.0, resp.NewBalance)
	assert.Equal(t, 100.0, env.balance(t, "u1"))

	// 退完之后账是平的
	report, err := env.manager.VerifyIntegrity(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
}

func TestRefund_AlreadyRefunded_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "u1", 100)

	purchase, err := env.purchase.Purchase(ctx, &PurchaseRequest{
		RequestID:   "req-1",
		UserID:      "u1",
		Amount:      40,
		ProductType: model.ProductTypeGiftCard,
		ProductID:   "gc-steam-50",
	})
	require.NoError(t, err)

	_, err = env.refund.Refund(ctx, &RefundRequest{OrderNo: purchase.OrderNo})
	require.NoError(t, err)

	// 第二次退款：幂等返回，不再入账
	resp, err := env.refund.Refund(ctx, &RefundRequest{OrderNo: purchase.OrderNo})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, resp.Status)
	assert.Equal(t, 100.0, env.balance(t, "u1"))
}

// 上一次退款在 REFUNDING 之后、REFUNDED 之前崩溃：
// 钱已退到账（流水存在），订单卡在 REFUNDING。
// 重试必须命中幂等、不再二次入账，并把状态补推到 REFUNDED。
func TestRefund_ResumesStuckRefunding(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "u1", 100)

	purchase, err := env.purchase.Purchase(ctx, &PurchaseRequest{
		RequestID:   "req-1",
		UserID:      "u1",
		Amount:      40,
		ProductType: model.ProductTypeESIM,
		ProductID:   "esim-EU-10GB",
	})
	require.NoError(t, err)
	require.Equal(t, 60.0, env.balance(t, "u1"))

	// 重现崩溃现场：退款入账已完成，状态只推到了 REFUNDING
	_, err = env.manager.ProcessRefund(ctx, "u1", 40, "退款", purchase.OrderNo)
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&model.PurchaseOrder{}).
		Where("order_no = ?", purchase.OrderNo).
		Update("status", model.OrderStatusRefunding).Error)

	resp, err := env.refund.Refund(ctx, &RefundRequest{OrderNo: purchase.OrderNo})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRefunded, resp.Status)

	var order model.PurchaseOrder
	require.NoError(t, env.db.Where("order_no = ?", purchase.OrderNo).First(&order).Error)
	assert.Equal(t, model.OrderStatusRefunded, order.Status)

	// 只有一笔退款流水，余额没有被退第二次
	assert.Equal(t, 100.0, env.balance(t, "u1"))
	var refundCount int64
	require.NoError(t, env.db.Model(&model.BalanceTransaction{}).
		Where("user_id = ? AND order_ref = ? AND type = ?", "u1", purchase.OrderNo, model.TransactionTypeRefund).
		Count(&refundCount).Error)
	assert.EqualValues(t, 1, refundCount)
}

func TestRefund_OnlyPaidOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedBalance(t, "u1", 10)

	// 余额不足导致订单 FAILED，对失败订单退款必须被拒绝
	_, err := env.purchase.Purchase(ctx, &PurchaseRequest{
		RequestID:   "req-1",
		UserID:      "u1",
		Amount:      50,
		ProductType: model.ProductTypeVPN,
		ProductID:   "vpn-1m",
	})
	require.Error(t, err)

	var order model.PurchaseOrder
	require.NoError(t, env.db.Where("request_id = ?", "req-1").First(&order).Error)

	_, err = env.refund.Refund(ctx, &RefundRequest{OrderNo: order.OrderNo})
	require.Error(t, err)
	assert.Equal(t, 10.0, env.balance(t, "u1"))
}
