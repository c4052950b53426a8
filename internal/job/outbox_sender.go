package job

import (
	"context"
	"errors"
	"log"
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/infrastructure/mq"
	"cardbatch/internal/repository"

	"gorm.io/gorm"
)

// OutboxSender 发件箱投递任务
// 轮询 PENDING 消息投递到 Kafka，超过重试上限标记 FAILED
type OutboxSender struct {
	outboxRepo *repository.OutboxRepository
	cfg        *config.Config
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewOutboxSender(db *gorm.DB, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		outboxRepo: repository.NewOutboxRepository(db),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		interval:   time.Second,
		batchSize:  100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Println("[OutboxSender] 消息投递任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.GetPendingMessages(ctx, s.batchSize)
	if err != nil {
		log.Printf("[OutboxSender] 查询消息失败: %v", err)
		return
	}

	for _, msg := range messages {
		if err := mq.SendMessage(msg.Topic, msg.MessageKey, msg.Payload); err != nil {
			// Kafka 未启用不消耗重试次数，消息保持 PENDING 等待生产者就绪
			if errors.Is(err, mq.ErrProducerNotReady) {
				return
			}
			log.Printf("[OutboxSender] 消息投递失败: id=%d, err=%v", msg.ID, err)
			maxRetries := s.cfg.Business.MaxRetryCount
			if maxRetries <= 0 {
				maxRetries = 5
			}
			if err := s.outboxRepo.RecordFailure(ctx, msg.ID, msg.RetryCount, maxRetries); err != nil {
				log.Printf("[OutboxSender] 更新重试计数失败: id=%d, err=%v", msg.ID, err)
			}
			continue
		}

		if err := s.outboxRepo.MarkSent(ctx, msg.ID); err != nil {
			log.Printf("[OutboxSender] 更新消息状态失败: id=%d, err=%v", msg.ID, err)
			continue
		}
		log.Printf("[OutboxSender] 消息投递成功: id=%d, topic=%s, key=%s", msg.ID, msg.Topic, msg.MessageKey)
	}
}
