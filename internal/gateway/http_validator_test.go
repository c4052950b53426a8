package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/model"

	"github.com/stretchr/testify/require"
)

func testCard() *model.WorkItem {
	return &model.WorkItem{
		Index:    3,
		Number:   "4242424242424242",
		ExpMonth: 12,
		ExpYear:  2027,
		CVC:      "123",
	}
}

func newValidator(baseURL string, maxAttempts int) *HTTPValidator {
	return NewHTTPValidator(&config.ValidatorConfig{
		BaseURL:          baseURL,
		TimeoutSeconds:   2,
		RetryMaxAttempts: maxAttempts,
		RetryBackoffMs:   1,
	}, "default")
}

func TestValidateApproved(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/check", r.URL.Path)

		var req checkRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "default", req.Gateway)
		require.Equal(t, "4242424242424242", req.Number)

		json.NewEncoder(w).Encode(checkResponse{
			Status:  "CHARGED",
			Message: "approved",
			Brand:   "VISA",
			Country: "US",
		})
	}))
	defer server.Close()

	result := newValidator(server.URL, 1).Validate(context.Background(), testCard())
	require.Equal(t, model.StatusApproved, result.Status)
	require.Equal(t, 3, result.Index)
	require.False(t, result.IsNetworkError)
	require.NotNil(t, result.Enrichment)
	require.Equal(t, "VISA", result.Enrichment.Brand)
	require.GreaterOrEqual(t, result.LatencyMs, int64(0))
}

func TestValidateDeclinedIsNotRetried(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		json.NewEncoder(w).Encode(checkResponse{Status: "DEAD", DeclineCode: "05"})
	}))
	defer server.Close()

	result := newValidator(server.URL, 3).Validate(context.Background(), testCard())
	require.Equal(t, model.StatusDeclined, result.Status)
	require.Equal(t, "05", result.DeclineCode)

	// 卡片终态绝不重试
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestValidateRetriesNetworkErrors(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(checkResponse{Status: "CVV_LIVE"})
	}))
	defer server.Close()

	result := newValidator(server.URL, 3).Validate(context.Background(), testCard())
	require.Equal(t, model.StatusLive, result.Status)
	require.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestValidateRetryExhaustionReturnsError(t *testing.T) {
	var calls int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	result := newValidator(server.URL, 2).Validate(context.Background(), testCard())
	require.Equal(t, model.StatusError, result.Status)
	require.True(t, result.IsNetworkError)
	require.Equal(t, model.FailureCategoryRateLimit, result.ErrorCategory)
	require.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestValidateAuthFailureCategory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	result := newValidator(server.URL, 1).Validate(context.Background(), testCard())
	require.Equal(t, model.StatusError, result.Status)
	require.Equal(t, model.FailureCategoryAuth, result.ErrorCategory)
}

func TestValidateUnreachableUpstream(t *testing.T) {
	result := newValidator("http://127.0.0.1:1", 1).Validate(context.Background(), testCard())
	require.Equal(t, model.StatusError, result.Status)
	require.True(t, result.IsNetworkError)
	require.Equal(t, model.FailureCategoryTimeout, result.ErrorCategory)
}

func TestValidateUnknownStatusBecomesError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(checkResponse{Status: "CAPTCHA"})
	}))
	defer server.Close()

	result := newValidator(server.URL, 1).Validate(context.Background(), testCard())
	require.Equal(t, model.StatusError, result.Status)
	require.False(t, result.IsNetworkError)
}

func TestNormalizeStatus(t *testing.T) {
	require.Equal(t, model.StatusApproved, normalizeStatus("charged"))
	require.Equal(t, model.StatusApproved, normalizeStatus(" APPROVED "))
	require.Equal(t, model.StatusLive, normalizeStatus("cvv_live"))
	require.Equal(t, model.StatusThreeDS, normalizeStatus("3ds"))
	require.Equal(t, model.StatusDeclined, normalizeStatus("dead"))
	require.Equal(t, model.StatusError, normalizeStatus("whatever"))
}

func TestRetryPolicyContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, Backoff: 10 * time.Second}

	start := time.Now()
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result := policy.Do(ctx, func(attempt int) (*model.ValidationResult, bool) {
		return model.NewErrorResult(0, "超时", model.FailureCategoryTimeout), true
	})

	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, model.StatusError, result.Status)
}
