package model

import (
	"time"
)

// ============================================================================
// 批次状态机
// ============================================================================

const (
	BatchStatusRunning     = "RUNNING"
	BatchStatusCompleted   = "COMPLETED"
	BatchStatusAborted     = "ABORTED"
	BatchStatusUnavailable = "UNAVAILABLE" // 网关不可用，批次未执行任何检测
)

// ValidBatchTransitions 合法的批次状态流转
// UNAVAILABLE 批次直接以该状态创建，不参与流转
var ValidBatchTransitions = map[string][]string{
	BatchStatusRunning: {BatchStatusCompleted, BatchStatusAborted},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidBatchTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ============================================================================
// 停止原因常量
// ============================================================================

const (
	StopReasonCompleted          = "completed"
	StopReasonUserCancelled      = "user_cancelled"
	StopReasonCreditExhausted    = "credit_exhausted"
	StopReasonError              = "error"
	StopReasonGatewayUnavailable = "gateway_unavailable"
)

// BatchJob 检测批次表
// 每次 processBatch 调用产生一行，记录批次的全程状态与最终统计
type BatchJob struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchNo   string `gorm:"type:varchar(64);uniqueIndex;not null" json:"batch_no"`
	RunID     string `gorm:"type:varchar(64);not null" json:"run_id"` // 本次运行的唯一标识
	UserID    int64  `gorm:"index;not null" json:"user_id"`
	GatewayID string `gorm:"type:varchar(64);not null" json:"gateway_id"`
	Tier      string `gorm:"type:varchar(20);not null" json:"tier"`

	Total     int `gorm:"not null" json:"total"`
	Processed int `gorm:"not null;default:0" json:"processed"`
	Approved  int `gorm:"not null;default:0" json:"approved"`
	Live      int `gorm:"not null;default:0" json:"live"`
	Declined  int `gorm:"not null;default:0" json:"declined"`
	Errors    int `gorm:"not null;default:0" json:"errors"`

	CreditsDeducted int64  `gorm:"not null;default:0" json:"credits_deducted"`
	Status          string `gorm:"type:varchar(20);index;not null" json:"status"`
	StopReason      string `gorm:"type:varchar(32)" json:"stop_reason,omitempty"`

	StartedAt  time.Time  `gorm:"not null" json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BatchJob) TableName() string {
	return "batch_job"
}
