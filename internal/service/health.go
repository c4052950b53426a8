package service

import (
	"fmt"
	"sync"
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/model"
)

// ============================================================================
// 网关健康跟踪
// ============================================================================
//
// 进程内累积计数，重启即清零（无衰减策略）。
// 网关一旦判定不可用，编排器将拒绝向其派发新批次并上报原因，
// 而不是让每张卡各自失败一遍。

const (
	UnavailableCodeConsecutiveFailures = "consecutive_failures"
	UnavailableCodeFailureRate         = "failure_rate"
)

// UnavailabilityReason 不可用原因
type UnavailabilityReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type gatewayHealth struct {
	success        int64
	failures       map[string]int64 // 按类别：timeout/auth/rate_limit/unknown
	totalLatencyMs int64
	consecutive    int
	lastError      string
}

func (g *gatewayHealth) failureTotal() int64 {
	var total int64
	for _, n := range g.failures {
		total += n
	}
	return total
}

// HealthTracker 网关健康跟踪器，可并发访问
type HealthTracker struct {
	mu      sync.RWMutex
	cfg     config.HealthConfig
	records map[string]*gatewayHealth
}

func NewHealthTracker(cfg config.HealthConfig) *HealthTracker {
	if cfg.ConsecutiveFailures <= 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 20
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.8
	}
	return &HealthTracker{
		cfg:     cfg,
		records: make(map[string]*gatewayHealth),
	}
}

func (t *HealthTracker) record(gatewayID string) *gatewayHealth {
	g, ok := t.records[gatewayID]
	if !ok {
		g = &gatewayHealth{failures: make(map[string]int64)}
		t.records[gatewayID] = g
	}
	return g
}

// RecordSuccess 记录一次成功调用，连续失败计数清零（恢复路径）
func (t *HealthTracker) RecordSuccess(gatewayID string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.record(gatewayID)
	g.success++
	g.totalLatencyMs += latency.Milliseconds()
	g.consecutive = 0
}

// RecordFailure 记录一次失败调用
func (t *HealthTracker) RecordFailure(gatewayID, message, category string) {
	if category == "" {
		category = model.FailureCategoryUnknown
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.record(gatewayID)
	g.failures[category]++
	g.consecutive++
	g.lastError = message
}

// IsAvailable 网关是否可用
// 未知网关视为可用（尚无任何样本）
func (t *HealthTracker) IsAvailable(gatewayID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.records[gatewayID]
	if !ok {
		return true
	}
	return t.availability(g) == nil
}

// GetUnavailabilityReason 查询不可用原因，可用时返回 nil
func (t *HealthTracker) GetUnavailabilityReason(gatewayID string) *UnavailabilityReason {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.records[gatewayID]
	if !ok {
		return nil
	}
	return t.availability(g)
}

func (t *HealthTracker) availability(g *gatewayHealth) *UnavailabilityReason {
	if g.consecutive >= t.cfg.ConsecutiveFailures {
		return &UnavailabilityReason{
			Code:    UnavailableCodeConsecutiveFailures,
			Message: fmt.Sprintf("连续失败 %d 次，最近错误: %s", g.consecutive, g.lastError),
		}
	}

	failures := g.failureTotal()
	total := g.success + failures
	if total >= int64(t.cfg.MinSamples) {
		rate := float64(failures) / float64(total)
		if rate >= t.cfg.FailureRate {
			return &UnavailabilityReason{
				Code:    UnavailableCodeFailureRate,
				Message: fmt.Sprintf("失败率 %.0f%% 超过阈值，最近错误: %s", rate*100, g.lastError),
			}
		}
	}
	return nil
}

// GatewayHealthView 健康状态快照（对外展示）
type GatewayHealthView struct {
	GatewayID    string           `json:"gateway_id"`
	Success      int64            `json:"success"`
	Failures     map[string]int64 `json:"failures"`
	AvgLatencyMs int64            `json:"avg_latency_ms"`
	Available    bool             `json:"available"`
	Reason       string           `json:"reason,omitempty"`
}

// Snapshot 全部网关的健康快照
func (t *HealthTracker) Snapshot() []GatewayHealthView {
	t.mu.RLock()
	defer t.mu.RUnlock()

	views := make([]GatewayHealthView, 0, len(t.records))
	for id, g := range t.records {
		view := GatewayHealthView{
			GatewayID: id,
			Success:   g.success,
			Failures:  make(map[string]int64, len(g.failures)),
		}
		for cat, n := range g.failures {
			view.Failures[cat] = n
		}
		if g.success > 0 {
			view.AvgLatencyMs = g.totalLatencyMs / g.success
		}
		if reason := t.availability(g); reason != nil {
			view.Available = false
			view.Reason = reason.Message
		} else {
			view.Available = true
		}
		views = append(views, view)
	}
	return views
}
