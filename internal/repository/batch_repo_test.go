package repository

import (
	"context"
	"testing"
	"time"

	"cardbatch/internal/model"

	"github.com/stretchr/testify/require"
)

func newRunningBatch(batchNo string, userID int64) *model.BatchJob {
	return &model.BatchJob{
		BatchNo:   batchNo,
		RunID:     "run-" + batchNo,
		UserID:    userID,
		GatewayID: "default",
		Tier:      model.TierFree,
		Total:     10,
		Status:    model.BatchStatusRunning,
		StartedAt: time.Now(),
	}
}

func TestBatchFinishTransition(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBatchRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newRunningBatch("BAT-1", 1)))

	stats := &FinishStats{
		Processed:       10,
		Approved:        2,
		Live:            3,
		Declined:        5,
		CreditsDeducted: 16,
		StopReason:      model.StopReasonCompleted,
	}
	require.NoError(t, repo.Finish(ctx, "BAT-1", model.BatchStatusRunning, model.BatchStatusCompleted, stats))

	batch, err := repo.GetByBatchNo(ctx, "BAT-1")
	require.NoError(t, err)
	require.Equal(t, model.BatchStatusCompleted, batch.Status)
	require.Equal(t, 10, batch.Processed)
	require.Equal(t, 2, batch.Approved)
	require.Equal(t, int64(16), batch.CreditsDeducted)
	require.NotNil(t, batch.FinishedAt)

	// 终态批次不允许再次流转
	err = repo.Finish(ctx, "BAT-1", model.BatchStatusRunning, model.BatchStatusAborted, stats)
	require.ErrorIs(t, err, ErrBatchStatusInvalid)
}

func TestBatchFinishRejectsIllegalTransition(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBatchRepository(db)

	err := repo.Finish(context.Background(), "BAT-x", model.BatchStatusCompleted, model.BatchStatusRunning, &FinishStats{})
	require.ErrorIs(t, err, ErrBatchStatusInvalid)
}

func TestGetBatchNotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBatchRepository(db)

	_, err := repo.GetByBatchNo(context.Background(), "BAT-nope")
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestGetStaleRunning(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBatchRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, nil, newRunningBatch("BAT-old", 1)))
	require.NoError(t, repo.Create(ctx, nil, newRunningBatch("BAT-new", 1)))

	// 把旧批次的更新时间拨回一小时前
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&model.BatchJob{}).
		Where("batch_no = ?", "BAT-old").Update("updated_at", past).Error)

	stale, err := repo.GetStaleRunning(ctx, time.Now().Add(-30*time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "BAT-old", stale[0].BatchNo)

	// 已完结批次不算僵死
	require.NoError(t, repo.Finish(ctx, "BAT-old", model.BatchStatusRunning, model.BatchStatusAborted, &FinishStats{
		StopReason: model.StopReasonError,
	}))
	stale, err = repo.GetStaleRunning(ctx, time.Now().Add(-30*time.Minute), 100)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestListBatchesPaged(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBatchRepository(db)
	ctx := context.Background()

	for _, no := range []string{"BAT-a", "BAT-b", "BAT-c"} {
		require.NoError(t, repo.Create(ctx, nil, newRunningBatch(no, 7)))
	}
	require.NoError(t, repo.Create(ctx, nil, newRunningBatch("BAT-other", 8)))

	batches, total, err := repo.ListByUserID(ctx, 7, 1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, batches, 2)
}
