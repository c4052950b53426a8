package repository

import (
	"context"
	"errors"
	"time"

	"cardbatch/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound    = errors.New("账户不存在")
	ErrInsufficientCredit = errors.New("积分不足")
	ErrOptimisticLock     = errors.New("乐观锁冲突，请重试")
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByUserID(ctx context.Context, userID int64) (*model.CreditAccount, error) {
	var account model.CreditAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CreateIfAbsent 不存在则创建，返回是否确实新建
// 依赖 user_id 唯一索引，并发创建只会成功一次
func (r *AccountRepository) CreateIfAbsent(ctx context.Context, tx *gorm.DB, account *model.CreditAccount) (bool, error) {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(account)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Deduct 条件扣减：余额充足且版本号未变时才生效
// 扣减失败时回查余额，区分"积分不足"与"乐观锁冲突"
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, userID int64, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND balance >= ? AND version = ?", userID, amount, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		account, err := r.GetByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if account.Balance < amount {
			return ErrInsufficientCredit
		}
		return ErrOptimisticLock
	}

	return nil
}

// Increase 条件入账：版本号未变时才生效
// 入账同样走乐观锁，保证流水上的 BalanceAfter 快照准确
func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, userID int64, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND version = ?", userID, version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, userID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}

// IncreaseWithClaim 入账并刷新每日领取时间，与 Increase 同样的乐观锁语义
func (r *AccountRepository) IncreaseWithClaim(ctx context.Context, tx *gorm.DB, userID int64, amount int64, claimedAt time.Time, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.CreditAccount{}).
		Where("user_id = ? AND version = ?", userID, version).
		Updates(map[string]interface{}{
			"balance":          gorm.Expr("balance + ?", amount),
			"version":          gorm.Expr("version + 1"),
			"last_daily_claim": claimedAt,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetByUserID(ctx, userID); err != nil {
			return err
		}
		return ErrOptimisticLock
	}

	return nil
}
