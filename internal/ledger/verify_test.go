package ledger

import (
	"context"
	"testing"
	"time"

	"shopwallet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func snapshotState(t *testing.T, db *gorm.DB, userID string) (*model.UserProfile, []model.BalanceTransaction) {
	t.Helper()
	profile := loadProfile(t, db, userID)
	var transactions []model.BalanceTransaction
	require.NoError(t, db.Where("user_id = ?", userID).Order("id ASC").Find(&transactions).Error)
	return profile, transactions
}

func TestVerifyIntegrity_CleanHistory(t *testing.T) {
	manager, db := newTestManager(t)
	ctx := context.Background()
	seedProfile(t, db, "u1", 0)

	_, err := manager.ProcessDeposit(ctx, "u1", 100, "top-up", "dep-1")
	require.NoError(t, err)
	_, err = manager.ProcessPurchase(ctx, "u1", 35.5, "order", "ord-1")
	require.NoError(t, err)
	_, err = manager.GrantReferralBonus(ctx, "u1", 5, "invite", "ref-1")
	require.NoError(t, err)

	report, err := manager.VerifyIntegrity(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, 69.5, report.CachedBalance)
	assert.Equal(t, 69.5, report.CalculatedBalance)
	assert.Equal(t, 0.0, report.Discrepancy)
	assert.Equal(t, 3, report.TransactionCount)
	require.NotNil(t, report.LastTransactionAt)
}

func TestVerifyIntegrity_DetectsCorruptedBalance(t *testing.T) {
	manager, db := newTestManager(t)
	ctx := context.Background()
	seedProfile(t, db, "u1", 0)

	_, err := manager.ProcessDeposit(ctx, "u1", 40, "top-up", "dep-1")
	require.NoError(t, err)

	// 绕过管理器直接改余额，制造脱节
	require.NoError(t, db.Model(&model.UserProfile{}).
		Where("user_id = ?", "u1").
		Update("balance", 140).Error)

	report, err := manager.VerifyIntegrity(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	assert.Equal(t, 140.0, report.CachedBalance)
	assert.Equal(t, 40.0, report.CalculatedBalance)
	assert.Equal(t, 100.0, report.Discrepancy) // cached - calculated，带符号
}

func TestVerifyIntegrity_EmptyHistoryZeroBalance(t *testing.T) {
	manager, db := newTestManager(t)
	ctx := context.Background()
	seedProfile(t, db, "u1", 0)

	report, err := manager.VerifyIntegrity(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, 0, report.TransactionCount)
	assert.Nil(t, report.LastTransactionAt)
}

func TestVerifyIntegrity_ProfileNotFound(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.VerifyIntegrity(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	_, err = manager.VerifyIntegrity(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// 重放口径：每一步都把负值钳回零，而不是累加完整段历史后钳一次。
// 历史上 -50 之后又 +30 的账，两种口径会分别算出 30 和 0，
// 这里钉死逐笔口径。
func TestVerifyIntegrity_ClampsAfterEachStep(t *testing.T) {
	manager, db := newTestManager(t)
	ctx := context.Background()
	seedProfile(t, db, "u1", 30)

	base := time.Now().Add(-time.Hour)
	history := []model.BalanceTransaction{
		{
			TransactionNo: "T-legacy-1",
			UserID:        "u1",
			Type:          model.TransactionTypePurchase,
			Amount:        -50,
			BalanceAfter:  0,
			CreatedAt:     base,
		},
		{
			TransactionNo: "T-legacy-2",
			UserID:        "u1",
			Type:          model.TransactionTypeDeposit,
			Amount:        30,
			BalanceAfter:  30,
			CreatedAt:     base.Add(time.Minute),
		},
	}
	for i := range history {
		require.NoError(t, db.Create(&history[i]).Error)
	}

	report, err := manager.VerifyIntegrity(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, report.CalculatedBalance)
	assert.True(t, report.IsValid)
}

func TestVerifyIntegrity_IsPureRead(t *testing.T) {
	manager, db := newTestManager(t)
	ctx := context.Background()
	seedProfile(t, db, "u1", 0)

	_, err := manager.ProcessDeposit(ctx, "u1", 40, "top-up", "dep-1")
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.UserProfile{}).
		Where("user_id = ?", "u1").
		Update("balance", 999).Error)

	profileBefore, transBefore := snapshotState(t, db, "u1")

	report, err := manager.VerifyIntegrity(ctx, "u1")
	require.NoError(t, err)
	require.False(t, report.IsValid)

	// 即使对出了差异，对账本身也不许写任何东西
	profileAfter, transAfter := snapshotState(t, db, "u1")
	assert.Equal(t, profileBefore.Balance, profileAfter.Balance)
	assert.Equal(t, profileBefore.Version, profileAfter.Version)
	assert.Equal(t, len(transBefore), len(transAfter))
}

func TestFixDiscrepancy_DisabledAndWritesNothing(t *testing.T) {
	manager, db := newTestManager(t)
	ctx := context.Background()
	seedProfile(t, db, "u1", 0)

	_, err := manager.ProcessDeposit(ctx, "u1", 40, "top-up", "dep-1")
	require.NoError(t, err)
	require.NoError(t, db.Model(&model.UserProfile{}).
		Where("user_id = ?", "u1").
		Update("balance", 999).Error)

	profileBefore, transBefore := snapshotState(t, db, "u1")

	err = manager.FixDiscrepancy(ctx, "u1")
	assert.ErrorIs(t, err, ErrFixDisabled)

	profileAfter, transAfter := snapshotState(t, db, "u1")
	assert.Equal(t, profileBefore.Balance, profileAfter.Balance)
	assert.Equal(t, len(transBefore), len(transAfter))

	// 差异依然在，等人工处理
	report, err := manager.VerifyIntegrity(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, report.IsValid)
}
