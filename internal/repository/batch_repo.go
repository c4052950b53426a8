package repository

import (
	"context"
	"errors"
	"time"

	"cardbatch/internal/model"

	"gorm.io/gorm"
)

var (
	ErrBatchNotFound      = errors.New("批次不存在")
	ErrBatchStatusInvalid = errors.New("批次状态不合法")
)

type BatchRepository struct {
	db *gorm.DB
}

func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) Create(ctx context.Context, tx *gorm.DB, batch *model.BatchJob) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(batch).Error
}

func (r *BatchRepository) GetByBatchNo(ctx context.Context, batchNo string) (*model.BatchJob, error) {
	var batch model.BatchJob
	err := r.db.WithContext(ctx).Where("batch_no = ?", batchNo).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// FinishStats 批次终态写入的统计字段
type FinishStats struct {
	Processed       int
	Approved        int
	Live            int
	Declined        int
	Errors          int
	CreditsDeducted int64
	StopReason      string
}

// Finish 将批次从 fromStatus 流转到终态并落盘统计
// 条件更新保证状态机不被并发破坏：只有仍处于 fromStatus 的行才会被改写
func (r *BatchRepository) Finish(ctx context.Context, batchNo string, fromStatus, toStatus string, stats *FinishStats) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrBatchStatusInvalid
	}

	now := time.Now()
	updates := map[string]interface{}{
		"status":           toStatus,
		"processed":        stats.Processed,
		"approved":         stats.Approved,
		"live":             stats.Live,
		"declined":         stats.Declined,
		"errors":           stats.Errors,
		"credits_deducted": stats.CreditsDeducted,
		"stop_reason":      stats.StopReason,
		"finished_at":      &now,
	}

	result := r.db.WithContext(ctx).
		Model(&model.BatchJob{}).
		Where("batch_no = ? AND status = ?", batchNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBatchStatusInvalid
	}
	return nil
}

// GetStaleRunning 查询长时间未更新的 RUNNING 批次（进程崩溃遗留）
func (r *BatchRepository) GetStaleRunning(ctx context.Context, before time.Time, limit int) ([]*model.BatchJob, error) {
	var batches []*model.BatchJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.BatchStatusRunning, before).
		Limit(limit).
		Find(&batches).Error
	return batches, err
}

func (r *BatchRepository) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.BatchJob, int64, error) {
	var batches []*model.BatchJob
	var total int64

	query := r.db.WithContext(ctx).Model(&model.BatchJob{}).Where("user_id = ?", userID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&batches).Error

	return batches, total, err
}
