package service

import (
	"fmt"
	"testing"

	"cardbatch/internal/config"
	"cardbatch/internal/infrastructure/lock"
	"cardbatch/internal/model"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB 按测试名隔离的内存库，避免跨测试串台
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// sqlite 内存库不支持并发写，单连接串行化
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

func testConfig() *config.Config {
	return &config.Config{
		Pricing: map[string]config.PricingConfig{
			"default": {Approved: 5, Live: 2},
		},
		Health: config.HealthConfig{
			ConsecutiveFailures: 3,
			MinSamples:          10,
			FailureRate:         0.8,
		},
		Business: config.BusinessConfig{
			StarterCredits: 10,
			CASMaxRetries:  20,
			CASBackoffMs:   1,
		},
	}
}

func newTestCreditService(t *testing.T, cfg *config.Config) (*CreditService, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	if cfg == nil {
		cfg = testConfig()
	}
	tiers := NewTierPolicy(cfg.Tiers)
	return NewCreditService(db, cfg, lock.NewLocalLocker(), tiers), db
}
