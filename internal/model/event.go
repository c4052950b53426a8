package model

// ============================================================================
// 批次事件流
// ============================================================================
//
// 批次执行过程通过一条事件通道对外暴露，事件为带类型标签的联合体：
//   progress — 进度快照，Completed 单调不减
//   result   — 每个已派发的工作项恰好产生一条
//   complete — 终态事件，之后通道关闭

const (
	EventTypeProgress = "progress"
	EventTypeResult   = "result"
	EventTypeComplete = "complete"
)

// BatchProgress 进度快照
type BatchProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// BatchStats 批次统计，按状态归类
// THREE_DS_REQUIRED 计入 Live，INVALID_FORMAT 计入 Errors
type BatchStats struct {
	Approved int `json:"approved"`
	Live     int `json:"live"`
	Declined int `json:"declined"`
	Errors   int `json:"errors"`
}

// Add 将一条结果计入统计
func (s *BatchStats) Add(status string) {
	switch status {
	case StatusApproved:
		s.Approved++
	case StatusLive, StatusThreeDS:
		s.Live++
	case StatusDeclined:
		s.Declined++
	default:
		s.Errors++
	}
}

// Sum 已统计的结果总数
func (s *BatchStats) Sum() int {
	return s.Approved + s.Live + s.Declined + s.Errors
}

// BatchSummary 批次终态汇总，交付给调用方
type BatchSummary struct {
	BatchNo         string              `json:"batch_no"`
	GatewayID       string              `json:"gateway_id"`
	Results         []*ValidationResult `json:"results"` // 按输入顺序排列，仅含已派发项
	Stats           BatchStats          `json:"stats"`
	Total           int                 `json:"total"`
	Processed       int                 `json:"processed"`
	DurationMs      int64               `json:"duration_ms"`
	Aborted         bool                `json:"aborted,omitempty"`
	Unavailable     bool                `json:"unavailable,omitempty"`
	StopReason      string              `json:"stop_reason"`
	UnavailableCode string              `json:"unavailable_code,omitempty"`
	CreditsDeducted int64               `json:"credits_deducted"`
	Warnings        []string            `json:"warnings,omitempty"`
}

// BatchEvent 批次事件（带类型标签的联合体）
type BatchEvent struct {
	Type     string            `json:"type"`
	Progress *BatchProgress    `json:"progress,omitempty"`
	Result   *ValidationResult `json:"result,omitempty"`
	Summary  *BatchSummary     `json:"summary,omitempty"`
}
