package job

import (
	"context"
	"log"
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/model"
	"cardbatch/internal/repository"

	"gorm.io/gorm"
)

// StaleBatchChecker 僵死批次检查任务
// 进程崩溃后遗留的 RUNNING 批次需要被扫描并流转到 ABORTED，
// 否则会永远占着"进行中"状态
type StaleBatchChecker struct {
	batchRepo *repository.BatchRepository
	cfg       *config.Config
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewStaleBatchChecker(db *gorm.DB, cfg *config.Config) *StaleBatchChecker {
	return &StaleBatchChecker{
		batchRepo: repository.NewBatchRepository(db),
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		interval:  time.Minute,
		batchSize: 100,
	}
}

func (c *StaleBatchChecker) Start(ctx context.Context) {
	log.Println("[StaleBatchChecker] 僵死批次检查任务启动")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StaleBatchChecker] 收到停止信号，任务退出")
			return
		case <-c.stopCh:
			log.Println("[StaleBatchChecker] 任务停止")
			return
		case <-ticker.C:
			c.checkStaleBatches(ctx)
		}
	}
}

func (c *StaleBatchChecker) Stop() {
	close(c.stopCh)
}

func (c *StaleBatchChecker) checkStaleBatches(ctx context.Context) {
	staleMinutes := c.cfg.Business.BatchStaleMinutes
	if staleMinutes <= 0 {
		staleMinutes = 30
	}
	before := time.Now().Add(-time.Duration(staleMinutes) * time.Minute)

	batches, err := c.batchRepo.GetStaleRunning(ctx, before, c.batchSize)
	if err != nil {
		log.Printf("[StaleBatchChecker] 查询僵死批次失败: %v", err)
		return
	}
	if len(batches) == 0 {
		return
	}

	log.Printf("[StaleBatchChecker] 发现 %d 个僵死批次", len(batches))

	for _, batch := range batches {
		stats := &repository.FinishStats{
			Processed:  batch.Processed,
			StopReason: model.StopReasonError,
		}
		if err := c.batchRepo.Finish(ctx, batch.BatchNo, model.BatchStatusRunning, model.BatchStatusAborted, stats); err != nil {
			// 可能刚被正常完成的批次抢先流转，跳过即可
			log.Printf("[StaleBatchChecker] 批次流转失败: batch_no=%s, err=%v", batch.BatchNo, err)
			continue
		}
		log.Printf("[StaleBatchChecker] 僵死批次已中止: batch_no=%s, user_id=%d", batch.BatchNo, batch.UserID)
	}
}
