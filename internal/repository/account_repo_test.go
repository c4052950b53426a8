package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"cardbatch/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.CreditAccount{},
		&model.CreditTransaction{},
		&model.BatchJob{},
		&model.OutboxMessage{},
	))
	return db
}

func TestCreateIfAbsent(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	created, err := repo.CreateIfAbsent(ctx, nil, &model.CreditAccount{UserID: 1, Balance: 10, Tier: model.TierFree})
	require.NoError(t, err)
	require.True(t, created)

	// 并发创建只成功一次
	created, err = repo.CreateIfAbsent(ctx, nil, &model.CreditAccount{UserID: 1, Balance: 99, Tier: model.TierGold})
	require.NoError(t, err)
	require.False(t, created)

	account, err := repo.GetByUserID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(10), account.Balance)
	require.Equal(t, model.TierFree, account.Tier)
}

func TestGetByUserIDNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db)

	_, err := repo.GetByUserID(context.Background(), 404)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestDeductDistinguishesFailures(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	_, err := repo.CreateIfAbsent(ctx, nil, &model.CreditAccount{UserID: 2, Balance: 10})
	require.NoError(t, err)
	account, err := repo.GetByUserID(ctx, 2)
	require.NoError(t, err)

	// 正常扣减：余额减少、版本递增
	require.NoError(t, repo.Deduct(ctx, nil, 2, 4, account.Version))
	after, err := repo.GetByUserID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(6), after.Balance)
	require.Equal(t, account.Version+1, after.Version)

	// 旧版本号扣减：余额其实足够，报乐观锁冲突
	err = repo.Deduct(ctx, nil, 2, 4, account.Version)
	require.ErrorIs(t, err, ErrOptimisticLock)

	// 余额不足：版本对但扣不动，报积分不足
	err = repo.Deduct(ctx, nil, 2, 100, after.Version)
	require.ErrorIs(t, err, ErrInsufficientCredit)

	// 两次失败都不改余额
	final, err := repo.GetByUserID(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(6), final.Balance)
}

func TestIncreaseVersioned(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	_, err := repo.CreateIfAbsent(ctx, nil, &model.CreditAccount{UserID: 3, Balance: 5})
	require.NoError(t, err)
	account, err := repo.GetByUserID(ctx, 3)
	require.NoError(t, err)

	require.NoError(t, repo.Increase(ctx, nil, 3, 7, account.Version))
	after, err := repo.GetByUserID(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, int64(12), after.Balance)

	// 旧版本号入账同样冲突
	require.ErrorIs(t, repo.Increase(ctx, nil, 3, 7, account.Version), ErrOptimisticLock)
}

func TestIncreaseWithClaimUpdatesClaimTime(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	_, err := repo.CreateIfAbsent(ctx, nil, &model.CreditAccount{UserID: 4, Balance: 0})
	require.NoError(t, err)
	account, err := repo.GetByUserID(ctx, 4)
	require.NoError(t, err)
	require.Nil(t, account.LastDailyClaim)

	claimedAt := time.Now()
	require.NoError(t, repo.IncreaseWithClaim(ctx, nil, 4, 10, claimedAt, account.Version))

	after, err := repo.GetByUserID(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, int64(10), after.Balance)
	require.NotNil(t, after.LastDailyClaim)
	require.WithinDuration(t, claimedAt, *after.LastDailyClaim, time.Second)
}
