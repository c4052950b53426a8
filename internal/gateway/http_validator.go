package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/model"
)

// HTTPValidator 通过 HTTP 调用上游检测服务的 Validator 实现
// 每次调用独立建立请求，不跨调用复用会话状态
type HTTPValidator struct {
	gatewayID  string
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
}

func NewHTTPValidator(cfg *config.ValidatorConfig, gatewayID string) *HTTPValidator {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	retry := DefaultRetryPolicy()
	if cfg.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryBackoffMs > 0 {
		retry.Backoff = time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	}

	return &HTTPValidator{
		gatewayID: gatewayID,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		retry: retry,
	}
}

type checkRequest struct {
	Gateway  string `json:"gateway"`
	Number   string `json:"number"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
	CVC      string `json:"cvc"`
}

type checkResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	DeclineCode string `json:"decline_code"`
	Brand       string `json:"brand"`
	Bank        string `json:"bank"`
	Country     string `json:"country"`
}

// Validate 执行一次检测，网络错误按策略有界重试
func (v *HTTPValidator) Validate(ctx context.Context, card *model.WorkItem) *model.ValidationResult {
	start := time.Now()

	result := v.retry.Do(ctx, func(attempt int) (*model.ValidationResult, bool) {
		res, category, err := v.doRequest(ctx, card)
		if err != nil {
			return model.NewErrorResult(card.Index,
				fmt.Sprintf("检测请求失败(第%d次): %v", attempt, err), category), true
		}
		return res, false
	})

	result.Index = card.Index
	result.Latency = time.Since(start)
	result.LatencyMs = result.Latency.Milliseconds()
	return result
}

func (v *HTTPValidator) doRequest(ctx context.Context, card *model.WorkItem) (*model.ValidationResult, string, error) {
	payload, err := json.Marshal(&checkRequest{
		Gateway:  v.gatewayID,
		Number:   card.Number,
		ExpMonth: card.ExpMonth,
		ExpYear:  card.ExpYear,
		CVC:      card.CVC,
	})
	if err != nil {
		return nil, model.FailureCategoryUnknown, err
	}

	url := v.baseURL + "/api/v1/check"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, model.FailureCategoryUnknown, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, model.FailureCategoryTimeout, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, model.FailureCategoryRateLimit, fmt.Errorf("上游限流: %d", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, model.FailureCategoryAuth, fmt.Errorf("上游鉴权失败: %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, model.FailureCategoryUnknown, fmt.Errorf("上游返回状态码 %d", resp.StatusCode)
	}

	var body checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, model.FailureCategoryUnknown, fmt.Errorf("解析响应失败: %w", err)
	}

	result := &model.ValidationResult{
		Status:      normalizeStatus(body.Status),
		Message:     body.Message,
		DeclineCode: body.DeclineCode,
	}
	if body.Brand != "" || body.Bank != "" || body.Country != "" {
		result.Enrichment = &model.CardEnrichment{
			Brand:   body.Brand,
			Bank:    body.Bank,
			Country: body.Country,
		}
	}
	return result, "", nil
}

// normalizeStatus 上游状态归一化，未知状态按 ERROR 处理
func normalizeStatus(status string) string {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case model.StatusApproved, "CHARGED":
		return model.StatusApproved
	case model.StatusLive, "CVV_LIVE":
		return model.StatusLive
	case model.StatusThreeDS, "3DS", "THREE_DS":
		return model.StatusThreeDS
	case model.StatusDeclined, "DEAD":
		return model.StatusDeclined
	default:
		return model.StatusError
	}
}
