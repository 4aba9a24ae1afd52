package audit

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

func newTestReporter(t *testing.T) (*Reporter, *ledger.BalanceManager, *gorm.DB) {
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
		&model.OutboxMessage{},
	))

	cfg := &config.Config{
		Kafka: config.KafkaConfig{
			Topic: config.KafkaTopicConfig{BalanceEvents: "wallet.balance.events"},
		},
		Business: config.BusinessConfig{
			ApplyMaxRetries:      3,
			AuditIntervalSeconds: 300,
			AuditBatchSize:       2, // 压小批次，让巡检至少翻一页
		},
	}

	manager := ledger.NewBalanceManager(db, ledger.NewMemoryCache(), ledger.NewLocalLockFactory(), cfg)
	return NewReporter(db, manager, cfg), manager, db
}

func seedUser(t *testing.T, db *gorm.DB, manager *ledger.BalanceManager, userID string, deposit float64) {
	t.Helper()
	require.NoError(t, db.Create(&model.UserProfile{UserID: userID}).Error)
	if deposit > 0 {
		_, err := manager.ProcessDeposit(context.Background(), userID, deposit, "seed", "seed-"+userID)
		require.NoError(t, err)
	}
}

func TestRunCycle_AllValid(t *testing.T) {
	reporter, manager, db := newTestReporter(t)
	ctx := context.Background()

	seedUser(t, db, manager, "u1", 10)
	seedUser(t, db, manager, "u2", 20)
	seedUser(t, db, manager, "u3", 0)

	assert.Equal(t, StateIdle, reporter.CurrentState())

	reporter.RunCycle(ctx)

	assert.Equal(t, StateIdle, reporter.CurrentState())
	assert.Equal(t, StateValid, reporter.LastOutcome())
	assert.Empty(t, reporter.Findings())
	assert.False(t, reporter.LastCycleAt().IsZero())
}

func TestRunCycle_ReportsDiscrepancy(t *testing.T) {
	reporter, manager, db := newTestReporter(t)
	ctx := context.Background()

	seedUser(t, db, manager, "u1", 10)
	seedUser(t, db, manager, "u2", 20)

	// 把 u2 的余额改坏
	require.NoError(t, db.Model(&model.UserProfile{}).
		Where("user_id = ?", "u2").
		Update("balance", 120).Error)

	reporter.RunCycle(ctx)

	assert.Equal(t, StateIdle, reporter.CurrentState())
	assert.Equal(t, StateDiscrepancyDetected, reporter.LastOutcome())

	findings := reporter.Findings()
	require.Len(t, findings, 1)
	assert.Equal(t, "u2", findings[0].UserID)
	assert.Equal(t, 100.0, findings[0].Discrepancy)

	// 差异以事件形式落入 outbox
	var msg model.OutboxMessage
	require.NoError(t, db.Where("message_key = ? AND payload LIKE ?",
		"u2", "%"+model.EventBalanceDiscrepancy+"%").First(&msg).Error)
	assert.Equal(t, model.OutboxStatusPending, msg.Status)
}

func TestRunCycle_NeverMutatesBalances(t *testing.T) {
	reporter, manager, db := newTestReporter(t)
	ctx := context.Background()

	seedUser(t, db, manager, "u1", 10)
	require.NoError(t, db.Model(&model.UserProfile{}).
		Where("user_id = ?", "u1").
		Update("balance", 999).Error)

	reporter.RunCycle(ctx)
	require.Equal(t, StateDiscrepancyDetected, reporter.LastOutcome())

	// 巡检只上报，坏余额必须原样留着等人工处理
	var profile model.UserProfile
	require.NoError(t, db.Where("user_id = ?", "u1").First(&profile).Error)
	assert.Equal(t, 999.0, profile.Balance)

	// 下一轮还能再发现同一处差异
	reporter.RunCycle(ctx)
	assert.Equal(t, StateDiscrepancyDetected, reporter.LastOutcome())
	assert.Len(t, reporter.Findings(), 1)
}

func TestRunCycle_FindingsResetAfterManualFix(t *testing.T) {
	reporter, manager, db := newTestReporter(t)
	ctx := context.Background()

	seedUser(t, db, manager, "u1", 10)
	require.NoError(t, db.Model(&model.UserProfile{}).
		Where("user_id = ?", "u1").
		Update("balance", 50).Error)

	reporter.RunCycle(ctx)
	require.Len(t, reporter.Findings(), 1)

	// 模拟人工带外修正
	require.NoError(t, db.Model(&model.UserProfile{}).
		Where("user_id = ?", "u1").
		Update("balance", 10).Error)

	reporter.RunCycle(ctx)
	assert.Equal(t, StateValid, reporter.LastOutcome())
	assert.Empty(t, reporter.Findings())
}
