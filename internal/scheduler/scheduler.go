package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cardbatch/internal/model"
)

// ============================================================================
// 限速并发调度器
// ============================================================================
//
// 在并发上限与最小启动间隔约束下执行一组相互独立的检测任务：
//   - 同时在途的任务不超过 Concurrency
//   - 第 i 个工作槽延迟 i×Delay 错峰启动，之后同一槽位两次任务启动间隔不小于 Delay
//   - 每个任务最多被调用一次；已启动的任务必然交付一条结果
//   - 取消后不再启动新任务，在途任务正常完成并照常交付
//   - 任务内部的 panic 被转换为 ERROR 结果，不会中断批次
//
// 调度器本身不做重试，重试是检测能力内部的职责。

// Task 一次检测任务，返回值为 nil 时由调度器补一条 ERROR 结果
type Task func(ctx context.Context) *model.ValidationResult

// Limits 并发上限与最小启动间隔
type Limits struct {
	Concurrency int
	Delay       time.Duration
}

// Stats 运行状态快照，纯观测，无副作用
type Stats struct {
	Dispatched int           `json:"dispatched"` // 已启动的任务数
	Completed  int           `json:"completed"`  // 已完成的任务数
	InFlight   int           `json:"in_flight"`  // 在途任务数
	Elapsed    time.Duration `json:"elapsed"`
}

// Scheduler 批次执行调度器，一次 Run 对应一个批次
type Scheduler struct {
	limits Limits

	cancelCh   chan struct{}
	cancelOnce sync.Once

	mu         sync.Mutex
	dispatched int
	completed  int
	inFlight   int
	startedAt  time.Time

	// 结果交付串行化，保证进度计数单调且每任务恰好一条结果
	deliverMu sync.Mutex
}

func New(limits Limits) *Scheduler {
	if limits.Concurrency < 1 {
		limits.Concurrency = 1
	}
	if limits.Delay < 0 {
		limits.Delay = 0
	}
	return &Scheduler{
		limits:   limits,
		cancelCh: make(chan struct{}),
	}
}

// Run 执行全部任务，阻塞直到所有已启动任务交付完毕
// onResult 对每个已启动任务恰好调用一次，携带原始下标；
// onProgress 在每条结果交付后调用，completed 单调不减
func (s *Scheduler) Run(ctx context.Context, tasks []Task, onProgress func(completed, total int), onResult func(result *model.ValidationResult, index int)) {
	total := len(tasks)

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	if total == 0 {
		return
	}

	// 下标分发通道：取消后停止供给，未派发的任务被放弃
	next := make(chan int)
	go func() {
		defer close(next)
		for i := range tasks {
			select {
			case next <- i:
			case <-s.cancelCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	workers := s.limits.Concurrency
	if workers > total {
		workers = total
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(slot int) {
			defer wg.Done()
			s.workLoop(ctx, slot, tasks, next, total, onProgress, onResult)
		}(w)
	}
	wg.Wait()
}

func (s *Scheduler) workLoop(ctx context.Context, slot int, tasks []Task, next <-chan int, total int, onProgress func(int, int), onResult func(*model.ValidationResult, int)) {
	// 错峰启动：第 i 个槽位延迟 i×Delay
	if !s.sleep(ctx, time.Duration(slot)*s.limits.Delay) {
		return
	}

	for {
		var idx int
		var ok bool
		select {
		case idx, ok = <-next:
			if !ok {
				return
			}
		case <-s.cancelCh:
			return
		case <-ctx.Done():
			return
		}

		// 分发与取消同时就绪时 select 可能选中分发，这里再拦一次，
		// 保证取消之后不产生新的任务启动
		if s.Cancelled() || ctx.Err() != nil {
			return
		}

		startedAt := time.Now()
		s.runOne(ctx, tasks[idx], idx, total, onProgress, onResult)

		// 距本槽位上一次任务启动至少间隔 Delay
		if rest := s.limits.Delay - time.Since(startedAt); rest > 0 {
			if !s.sleep(ctx, rest) {
				return
			}
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, task Task, idx, total int, onProgress func(int, int), onResult func(*model.ValidationResult, int)) {
	s.mu.Lock()
	s.dispatched++
	s.inFlight++
	s.mu.Unlock()

	result := s.invoke(ctx, task, idx)

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.inFlight--
	s.completed++
	completed := s.completed
	s.mu.Unlock()

	if onResult != nil {
		onResult(result, idx)
	}
	if onProgress != nil {
		onProgress(completed, total)
	}
}

// invoke 执行任务并吸收 panic，批次绝不因单个任务崩溃
func (s *Scheduler) invoke(ctx context.Context, task Task, idx int) (result *model.ValidationResult) {
	defer func() {
		if r := recover(); r != nil {
			result = &model.ValidationResult{
				Index:   idx,
				Status:  model.StatusError,
				Message: fmt.Sprintf("任务执行异常: %v", r),
			}
		}
	}()

	result = task(ctx)
	if result == nil {
		result = &model.ValidationResult{
			Index:   idx,
			Status:  model.StatusError,
			Message: "任务未返回结果",
		}
	}
	return result
}

// Cancel 协作式取消，幂等：不再启动新任务，在途任务正常完成并交付
func (s *Scheduler) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelCh)
	})
}

// Cancelled 是否已取消
func (s *Scheduler) Cancelled() bool {
	select {
	case <-s.cancelCh:
		return true
	default:
		return false
	}
}

// GetStats 返回运行状态快照
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var elapsed time.Duration
	if !s.startedAt.IsZero() {
		elapsed = time.Since(s.startedAt)
	}
	return Stats{
		Dispatched: s.dispatched,
		Completed:  s.completed,
		InFlight:   s.inFlight,
		Elapsed:    elapsed,
	}
}

// sleep 可中断等待，返回 false 表示等待期间被取消
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.cancelCh:
		return false
	case <-ctx.Done():
		return false
	}
}
