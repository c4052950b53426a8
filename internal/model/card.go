package model

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// 检测结果状态常量
// ============================================================================

const (
	StatusApproved      = "APPROVED"
	StatusDeclined      = "DECLINED"
	StatusLive          = "LIVE"
	StatusThreeDS       = "THREE_DS_REQUIRED"
	StatusError         = "ERROR"
	StatusInvalidFormat = "INVALID_FORMAT" // 输入行格式非法，未发起检测
)

// IsBillableStatus 是否计费状态
// APPROVED 按 approved 单价计费，LIVE 与 THREE_DS_REQUIRED 按 live 单价计费，
// 其余状态（含 ERROR / DECLINED / INVALID_FORMAT）一律免费
func IsBillableStatus(status string) bool {
	switch status {
	case StatusApproved, StatusLive, StatusThreeDS:
		return true
	}
	return false
}

// ============================================================================
// 网络错误分类常量（供网关健康统计使用）
// ============================================================================

const (
	FailureCategoryTimeout   = "timeout"
	FailureCategoryAuth      = "auth"
	FailureCategoryRateLimit = "rate_limit"
	FailureCategoryUnknown   = "unknown"
)

// ============================================================================
// 工作项与检测结果
// ============================================================================

var ErrInvalidCardFormat = errors.New("卡片格式非法")

// WorkItem 一条待检测卡片，解析完成后不再修改
// Index 保留输入顺序，结果乱序返回时据此还原
type WorkItem struct {
	Index    int    `json:"index"`
	Raw      string `json:"-"`
	Number   string `json:"number"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	CVC      string `json:"cvc"`
}

// ParseWorkItem 解析一行输入，格式：卡号|月|年|CVC
// 两位年份按 20xx 处理
func ParseWorkItem(raw string, index int) (*WorkItem, error) {
	fields := strings.Split(strings.TrimSpace(raw), "|")
	if len(fields) != 4 {
		return nil, ErrInvalidCardFormat
	}

	number := strings.TrimSpace(fields[0])
	if len(number) < 12 || len(number) > 19 || !isDigits(number) {
		return nil, ErrInvalidCardFormat
	}

	month, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil || month < 1 || month > 12 {
		return nil, ErrInvalidCardFormat
	}

	year, err := strconv.Atoi(strings.TrimSpace(fields[2]))
	if err != nil || year < 0 {
		return nil, ErrInvalidCardFormat
	}
	if year < 100 {
		year += 2000
	}
	if year < 2000 || year > 2099 {
		return nil, ErrInvalidCardFormat
	}

	cvc := strings.TrimSpace(fields[3])
	if len(cvc) < 3 || len(cvc) > 4 || !isDigits(cvc) {
		return nil, ErrInvalidCardFormat
	}

	return &WorkItem{
		Index:    index,
		Raw:      raw,
		Number:   number,
		ExpMonth: month,
		ExpYear:  year,
		CVC:      cvc,
	}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// CardEnrichment 卡片归属信息（卡组织/发卡行/国家）
type CardEnrichment struct {
	Brand   string `json:"brand,omitempty"`
	Bank    string `json:"bank,omitempty"`
	Country string `json:"country,omitempty"`
}

// ValidationResult 一次检测的结果，创建后不再修改
// （归属信息可在交付给调用方之前补充一次）
type ValidationResult struct {
	Index          int             `json:"index"`
	Status         string          `json:"status"`
	Message        string          `json:"message,omitempty"`
	DeclineCode    string          `json:"decline_code,omitempty"`
	Enrichment     *CardEnrichment `json:"enrichment,omitempty"`
	Latency        time.Duration   `json:"-"`
	LatencyMs      int64           `json:"latency_ms"`
	IsNetworkError bool            `json:"is_network_error,omitempty"` // 基础设施失败，可重试；区别于卡片的最终结论
	ErrorCategory  string          `json:"error_category,omitempty"`   // 仅网络错误填写
}

// NewErrorResult 将底层错误转换为 ERROR 结果
func NewErrorResult(index int, message, category string) *ValidationResult {
	return &ValidationResult{
		Index:          index,
		Status:         StatusError,
		Message:        message,
		IsNetworkError: true,
		ErrorCategory:  category,
	}
}

// NewInvalidFormatResult 格式非法的终态结果，不会发起检测
func NewInvalidFormatResult(index int) *ValidationResult {
	return &ValidationResult{
		Index:   index,
		Status:  StatusInvalidFormat,
		Message: "卡片格式非法",
	}
}
