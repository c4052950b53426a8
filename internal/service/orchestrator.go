package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/gateway"
	"cardbatch/internal/model"
	"cardbatch/internal/repository"
	"cardbatch/internal/scheduler"
	"cardbatch/pkg/idgen"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ============================================================================
// 批次编排器
// ============================================================================
//
// 一次端到端批次的组装点：
//   可用性检查 → 积分预检 → 限速调度执行 → 逐卡扣费/健康统计 → 终态结算
//
// 每次 ProcessBatch 产生一个独立的 BatchRun，取消状态、计数器、事件通道
// 都挂在该对象上，同一编排器上的并发批次互不干扰。

var ErrBatchNotActive = errors.New("批次不存在或已结束")

// Orchestrator 批次编排器
type Orchestrator struct {
	cfg       *config.Config
	credits   *CreditService
	health    *HealthTracker
	tiers     *TierPolicy
	validator gateway.Validator
	batchRepo *repository.BatchRepository

	mu     sync.Mutex
	active map[string]*BatchRun // batchNo → 运行中的批次
}

func NewOrchestrator(db *gorm.DB, cfg *config.Config, credits *CreditService, health *HealthTracker, tiers *TierPolicy, validator gateway.Validator) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		credits:   credits,
		health:    health,
		tiers:     tiers,
		validator: validator,
		batchRepo: repository.NewBatchRepository(db),
		active:    make(map[string]*BatchRun),
	}
}

// BatchRequest 一次批次请求
type BatchRequest struct {
	UserID    int64
	GatewayID string
	Lines     []string // 原始输入行，逐行解析为工作项
}

// BatchRun 单次批次的运行上下文
// 事件通道容量覆盖全部可能的事件量，生产侧永不阻塞；
// 消费者缺席不会拖垮批次执行
type BatchRun struct {
	BatchNo   string
	RunID     string
	UserID    int64
	GatewayID string
	Total     int

	events chan *model.BatchEvent
	sched  *scheduler.Scheduler
	done   chan struct{}

	mu              sync.Mutex
	results         map[int]*model.ValidationResult
	stats           model.BatchStats
	creditsDeducted int64
	stopReason      string
	summary         *model.BatchSummary
}

// Events 批次事件流：progress/result 若干，complete 恰好一条，之后通道关闭
func (r *BatchRun) Events() <-chan *model.BatchEvent {
	return r.events
}

// Done 批次终态信号
func (r *BatchRun) Done() <-chan struct{} {
	return r.done
}

// Summary 终态汇总，批次结束前返回 nil
func (r *BatchRun) Summary() *model.BatchSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

// Stats 调度器运行状态快照
func (r *BatchRun) Stats() scheduler.Stats {
	return r.sched.GetStats()
}

// Stop 协作式停止，幂等；首个原因生效
// 已启动的检测正常完成并照常交付，之后不再派发新任务
func (r *BatchRun) Stop(reason string) {
	r.mu.Lock()
	if r.stopReason == "" {
		r.stopReason = reason
	}
	r.mu.Unlock()
	r.sched.Cancel()
}

func (r *BatchRun) emit(ev *model.BatchEvent) {
	select {
	case r.events <- ev:
	default:
		// 容量按事件总量预置，到达此分支说明有 bug，丢事件并留痕
		log.Printf("[BatchRun] 事件通道溢出: batchNo=%s, type=%s", r.BatchNo, ev.Type)
	}
}

// ============================================================
// 批次入口
// ============================================================

// ProcessBatch 启动一个批次，立即返回运行句柄，执行在后台进行
//
// 配置错误（定价缺失）与积分不足都在任何一张卡被处理之前暴露；
// 网关不可用时批次以 UNAVAILABLE 终态立即完结，完成事件照常发出，
// 等待批次结束信号的调用方不会被悬挂
func (o *Orchestrator) ProcessBatch(ctx context.Context, req *BatchRequest) (*BatchRun, error) {
	if len(req.Lines) == 0 {
		return nil, errors.New("批次不能为空")
	}

	// 配置错误快速失败，绝不在部分扣费之后才暴露
	if _, err := pricingFor(o.cfg.Pricing, req.GatewayID); err != nil {
		return nil, err
	}

	account, err := o.credits.GetOrCreateAccount(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	total := len(req.Lines)
	run := &BatchRun{
		BatchNo:   idgen.GenerateBatchNo(),
		RunID:     uuid.NewString(),
		UserID:    req.UserID,
		GatewayID: req.GatewayID,
		Total:     total,
		events:    make(chan *model.BatchEvent, 2*total+4),
		sched:     scheduler.New(o.tiers.Limits(account.Tier)),
		done:      make(chan struct{}),
		results:   make(map[int]*model.ValidationResult, total),
	}

	// 网关不可用：立即以 UNAVAILABLE 完结，不触碰任何一张卡
	if reason := o.health.GetUnavailabilityReason(req.GatewayID); reason != nil {
		if err := o.batchRepo.Create(ctx, nil, &model.BatchJob{
			BatchNo:    run.BatchNo,
			RunID:      run.RunID,
			UserID:     req.UserID,
			GatewayID:  req.GatewayID,
			Tier:       account.Tier,
			Total:      total,
			Status:     model.BatchStatusUnavailable,
			StopReason: model.StopReasonGatewayUnavailable,
			StartedAt:  time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("创建批次失败: %w", err)
		}

		summary := &model.BatchSummary{
			BatchNo:         run.BatchNo,
			GatewayID:       req.GatewayID,
			Results:         []*model.ValidationResult{},
			Total:           total,
			Unavailable:     true,
			StopReason:      model.StopReasonGatewayUnavailable,
			UnavailableCode: reason.Code,
		}
		run.mu.Lock()
		run.summary = summary
		run.mu.Unlock()
		run.emit(&model.BatchEvent{Type: model.EventTypeComplete, Summary: summary})
		close(run.events)
		close(run.done)
		return run, nil
	}

	// 积分预检：按最高单价保守估算
	sufficiency, err := o.credits.CheckSufficientCredits(ctx, req.UserID, req.GatewayID, total)
	if err != nil {
		return nil, err
	}
	if !sufficiency.Sufficient {
		return nil, &InsufficientCreditsError{
			CurrentBalance:  sufficiency.CurrentBalance,
			RequiredCredits: sufficiency.RequiredCredits,
		}
	}

	if err := o.batchRepo.Create(ctx, nil, &model.BatchJob{
		BatchNo:   run.BatchNo,
		RunID:     run.RunID,
		UserID:    req.UserID,
		GatewayID: req.GatewayID,
		Tier:      account.Tier,
		Total:     total,
		Status:    model.BatchStatusRunning,
		StartedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("创建批次失败: %w", err)
	}

	tasks := o.buildTasks(req)

	o.mu.Lock()
	o.active[run.BatchNo] = run
	o.mu.Unlock()

	// 批次生命周期长于发起请求，执行挂在独立的后台上下文上
	go o.execute(context.Background(), run, tasks)

	return run, nil
}

// buildTasks 将输入行编译为调度任务
// 解析失败的行不发起检测，直接产出 INVALID_FORMAT 终态结果
func (o *Orchestrator) buildTasks(req *BatchRequest) []scheduler.Task {
	tasks := make([]scheduler.Task, len(req.Lines))
	for i, line := range req.Lines {
		index := i
		item, parseErr := model.ParseWorkItem(line, index)
		if parseErr != nil {
			tasks[index] = func(ctx context.Context) *model.ValidationResult {
				return model.NewInvalidFormatResult(index)
			}
			continue
		}
		tasks[index] = func(ctx context.Context) *model.ValidationResult {
			return o.validator.Validate(ctx, item)
		}
	}
	return tasks
}

// execute 驱动调度器直到终态，完成事件发出后关闭事件通道
func (o *Orchestrator) execute(ctx context.Context, run *BatchRun, tasks []scheduler.Task) {
	start := time.Now()

	onResult := func(result *model.ValidationResult, index int) {
		o.recordHealth(run.GatewayID, result)
		o.billResult(ctx, run, result)

		run.mu.Lock()
		run.results[index] = result
		run.stats.Add(result.Status)
		run.mu.Unlock()

		run.emit(&model.BatchEvent{Type: model.EventTypeResult, Result: result})
	}

	onProgress := func(completed, total int) {
		run.emit(&model.BatchEvent{
			Type:     model.EventTypeProgress,
			Progress: &model.BatchProgress{Completed: completed, Total: total},
		})
	}

	run.sched.Run(ctx, tasks, onProgress, onResult)

	o.finish(ctx, run, time.Since(start))
}

// recordHealth 将单条结果计入网关健康统计
// 网络错误按类别记失败；INVALID_FORMAT 未触达网关，不计入
func (o *Orchestrator) recordHealth(gatewayID string, result *model.ValidationResult) {
	switch {
	case result.Status == model.StatusInvalidFormat:
	case result.IsNetworkError:
		o.health.RecordFailure(gatewayID, result.Message, result.ErrorCategory)
	case result.Status == model.StatusError:
		o.health.RecordFailure(gatewayID, result.Message, model.FailureCategoryUnknown)
	default:
		o.health.RecordSuccess(gatewayID, result.Latency)
	}
}

// billResult 计费状态逐卡实时扣费
// 积分耗尽触发批次停止；其他账本错误同样停止派发，
// 不能继续处理用户已经付不起的卡
func (o *Orchestrator) billResult(ctx context.Context, run *BatchRun, result *model.ValidationResult) {
	if !model.IsBillableStatus(result.Status) {
		return
	}

	deduct, err := o.credits.DeductSingleCardCredit(ctx, run.UserID, run.GatewayID, result.Status)
	if err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			log.Printf("[Orchestrator] 积分耗尽，停止批次: batchNo=%s, balance=%d, required=%d",
				run.BatchNo, insufficient.CurrentBalance, insufficient.RequiredCredits)
			run.Stop(model.StopReasonCreditExhausted)
			return
		}
		log.Printf("[Orchestrator] 扣费失败，停止批次: batchNo=%s, err=%v", run.BatchNo, err)
		run.Stop(model.StopReasonError)
		return
	}

	run.mu.Lock()
	run.creditsDeducted += deduct.CreditsDeducted
	run.mu.Unlock()
}

// finish 批次终态处理：落盘统计、写汇总流水、发完成事件、注销运行句柄
// 即使被中止，终态事件与账本结算也必须完整走完
func (o *Orchestrator) finish(ctx context.Context, run *BatchRun, duration time.Duration) {
	run.mu.Lock()
	stopReason := run.stopReason
	stats := run.stats
	creditsDeducted := run.creditsDeducted
	results := make([]*model.ValidationResult, 0, len(run.results))
	for i := 0; i < run.Total; i++ {
		if r, ok := run.results[i]; ok {
			results = append(results, r)
		}
	}
	run.mu.Unlock()

	aborted := run.sched.Cancelled()
	if stopReason == "" {
		if aborted {
			stopReason = model.StopReasonError
		} else {
			stopReason = model.StopReasonCompleted
		}
	}

	status := model.BatchStatusCompleted
	if aborted {
		status = model.BatchStatusAborted
	}

	summary := &model.BatchSummary{
		BatchNo:         run.BatchNo,
		GatewayID:       run.GatewayID,
		Results:         results,
		Stats:           stats,
		Total:           run.Total,
		Processed:       len(results),
		DurationMs:      duration.Milliseconds(),
		Aborted:         aborted,
		StopReason:      stopReason,
		CreditsDeducted: creditsDeducted,
	}

	if err := o.batchRepo.Finish(ctx, run.BatchNo, model.BatchStatusRunning, status, &repository.FinishStats{
		Processed:       summary.Processed,
		Approved:        stats.Approved,
		Live:            stats.Live,
		Declined:        stats.Declined,
		Errors:          stats.Errors,
		CreditsDeducted: creditsDeducted,
		StopReason:      stopReason,
	}); err != nil {
		log.Printf("[Orchestrator] 批次终态落盘失败: batchNo=%s, err=%v", run.BatchNo, err)
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("批次状态落盘失败: %v", err))
	}

	ledger, err := o.credits.RecordBatchTransaction(ctx, run.UserID, run.GatewayID, BatchLedgerStats{
		BatchNo:              run.BatchNo,
		TotalCards:           run.Total,
		ProcessedCards:       summary.Processed,
		WasStopped:           aborted,
		StopReason:           stopReason,
		TotalCreditsDeducted: creditsDeducted,
	})
	if err != nil {
		log.Printf("[Orchestrator] 批次结算失败: batchNo=%s, err=%v", run.BatchNo, err)
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("批次结算失败: %v", err))
	} else {
		summary.Warnings = append(summary.Warnings, ledger.Warnings...)
	}

	run.mu.Lock()
	run.summary = summary
	run.mu.Unlock()

	run.emit(&model.BatchEvent{Type: model.EventTypeComplete, Summary: summary})
	close(run.events)
	close(run.done)

	o.mu.Lock()
	delete(o.active, run.BatchNo)
	o.mu.Unlock()

	log.Printf("[Orchestrator] 批次结束: batchNo=%s, status=%s, processed=%d/%d, deducted=%d",
		run.BatchNo, status, summary.Processed, run.Total, creditsDeducted)
}

// ============================================================
// 运行中批次管理
// ============================================================

// GetRun 查询运行中的批次
func (o *Orchestrator) GetRun(batchNo string) (*BatchRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run, ok := o.active[batchNo]
	return run, ok
}

// StopBatch 用户主动停止批次
func (o *Orchestrator) StopBatch(batchNo string) error {
	run, ok := o.GetRun(batchNo)
	if !ok {
		return ErrBatchNotActive
	}
	run.Stop(model.StopReasonUserCancelled)
	return nil
}

// GetBatch 查询批次记录（含已结束批次）
func (o *Orchestrator) GetBatch(ctx context.Context, batchNo string) (*model.BatchJob, error) {
	return o.batchRepo.GetByBatchNo(ctx, batchNo)
}

// ListBatches 分页查询用户批次
func (o *Orchestrator) ListBatches(ctx context.Context, userID int64, page, pageSize int) ([]*model.BatchJob, int64, error) {
	return o.batchRepo.ListByUserID(ctx, userID, page, pageSize)
}
