package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cardbatch/internal/config"
	"cardbatch/internal/infrastructure/lock"
	"cardbatch/internal/model"
	"cardbatch/internal/service"
	"cardbatch/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stubValidator 全部返回 DECLINED 的检测桩
type stubValidator struct{}

func (stubValidator) Validate(ctx context.Context, card *model.WorkItem) *model.ValidationResult {
	return &model.ValidationResult{Index: card.Index, Status: model.StatusDeclined, DeclineCode: "05"}
}

func setupRouterWithDB(t *testing.T) *gin.Engine {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&model.CreditAccount{},
		&model.CreditTransaction{},
		&model.BatchJob{},
		&model.OutboxMessage{},
	))

	cfg := &config.Config{
		Pricing: map[string]config.PricingConfig{
			"default": {Approved: 5, Live: 2},
		},
		Tiers: map[string]config.TierConfig{
			model.TierFree: {Concurrency: 2, DelayMs: 0, DailyClaim: 10},
		},
		Business: config.BusinessConfig{StarterCredits: 10, CASMaxRetries: 20, CASBackoffMs: 1},
	}

	tiers := service.NewTierPolicy(cfg.Tiers)
	health := service.NewHealthTracker(cfg.Health)
	credits := service.NewCreditService(db, cfg, lock.NewLocalLocker(), tiers)
	orch := service.NewOrchestrator(db, cfg, credits, health, tiers, stubValidator{})

	return SetupRouter(credits, orch, health)
}

func httpDo(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		req = httptest.NewRequest(method, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) (int, map[string]interface{}) {
	t.Helper()
	var resp struct {
		Code    int                    `json:"code"`
		Message string                 `json:"message"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Code, resp.Data
}

func TestGetBalanceCreatesAccount(t *testing.T) {
	r := setupRouterWithDB(t)

	w := httpDo(r, "GET", "/api/v1/account/balance?user_id=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	code, data := decodeEnvelope(t, w)
	require.Equal(t, response.CodeSuccess, code)
	require.Equal(t, float64(10), data["balance"]) // 初始积分
	require.Equal(t, model.TierFree, data["tier"])
}

func TestGetBalanceBadParam(t *testing.T) {
	r := setupRouterWithDB(t)

	w := httpDo(r, "GET", "/api/v1/account/balance?user_id=abc", nil)
	code, _ := decodeEnvelope(t, w)
	require.Equal(t, response.CodeParamError, code)
}

func TestRechargeIdempotency(t *testing.T) {
	r := setupRouterWithDB(t)

	body := gin.H{"user_id": 2, "amount": 50, "idempotency_key": "order-1"}
	w := httpDo(r, "POST", "/api/v1/account/recharge", body)
	code, data := decodeEnvelope(t, w)
	require.Equal(t, response.CodeSuccess, code)
	require.Equal(t, float64(60), data["new_balance"])
	require.Equal(t, false, data["duplicate"])
	txnNo := data["transaction_no"]

	// 同一个幂等键重放
	w = httpDo(r, "POST", "/api/v1/account/recharge", body)
	code, data = decodeEnvelope(t, w)
	require.Equal(t, response.CodeSuccess, code)
	require.Equal(t, true, data["duplicate"])
	require.Equal(t, txnNo, data["transaction_no"])
}

func TestRechargeRequiresIdempotencyKey(t *testing.T) {
	r := setupRouterWithDB(t)

	w := httpDo(r, "POST", "/api/v1/account/recharge", gin.H{"user_id": 2, "amount": 50})
	code, _ := decodeEnvelope(t, w)
	require.Equal(t, response.CodeParamError, code)
}

func TestClaimDaily(t *testing.T) {
	r := setupRouterWithDB(t)

	w := httpDo(r, "POST", "/api/v1/account/claim", gin.H{"user_id": 3})
	code, data := decodeEnvelope(t, w)
	require.Equal(t, response.CodeSuccess, code)
	require.Equal(t, float64(10), data["amount"])
	require.Equal(t, float64(20), data["new_balance"])

	// 冷却期内再领
	w = httpDo(r, "POST", "/api/v1/account/claim", gin.H{"user_id": 3})
	code, data = decodeEnvelope(t, w)
	require.Equal(t, response.CodeAlreadyClaimed, code)
	require.Contains(t, data, "next_claim_available")
}

func TestStartBatchAndDetail(t *testing.T) {
	r := setupRouterWithDB(t)

	// 充值保证预检通过
	httpDo(r, "POST", "/api/v1/account/recharge", gin.H{"user_id": 4, "amount": 100, "idempotency_key": "k1"})

	w := httpDo(r, "POST", "/api/v1/batch/start", gin.H{
		"user_id":    4,
		"gateway_id": "default",
		"cards":      []string{"4242424242424242|12|2027|123", "4000000000000002|1|28|999"},
	})
	code, data := decodeEnvelope(t, w)
	require.Equal(t, response.CodeSuccess, code)
	batchNo, ok := data["batch_no"].(string)
	require.True(t, ok)
	require.NotEmpty(t, batchNo)
	require.Equal(t, float64(2), data["total"])

	// 轮询批次终态
	require.Eventually(t, func() bool {
		w := httpDo(r, "GET", "/api/v1/batch/detail?batch_no="+batchNo, nil)
		code, data := decodeEnvelope(t, w)
		if code != response.CodeSuccess {
			return false
		}
		return data["status"] == model.BatchStatusCompleted
	}, 10*time.Second, 20*time.Millisecond)

	w = httpDo(r, "GET", "/api/v1/batch/detail?batch_no="+batchNo, nil)
	_, data = decodeEnvelope(t, w)
	require.Equal(t, float64(2), data["processed"])
	require.Equal(t, float64(2), data["declined"])
	require.Equal(t, float64(0), data["credits_deducted"])

	// 批次列表
	w = httpDo(r, "GET", "/api/v1/batch/list?user_id=4", nil)
	code, data = decodeEnvelope(t, w)
	require.Equal(t, response.CodeSuccess, code)
	require.Equal(t, float64(1), data["total"])
}

func TestStartBatchInsufficientCredits(t *testing.T) {
	r := setupRouterWithDB(t)

	// 新账户余额 10，5 张卡预估 25
	cards := make([]string, 5)
	for i := range cards {
		cards[i] = "4242424242424242|12|2027|123"
	}
	w := httpDo(r, "POST", "/api/v1/batch/start", gin.H{
		"user_id": 5, "gateway_id": "default", "cards": cards,
	})
	code, data := decodeEnvelope(t, w)
	require.Equal(t, response.CodeCreditInsufficient, code)
	require.Equal(t, float64(10), data["current_balance"])
	require.Equal(t, float64(25), data["required_credits"])
}

func TestStartBatchUnknownGateway(t *testing.T) {
	r := setupRouterWithDB(t)

	w := httpDo(r, "POST", "/api/v1/batch/start", gin.H{
		"user_id": 6, "gateway_id": "ghost", "cards": []string{"4242424242424242|12|2027|123"},
	})
	code, _ := decodeEnvelope(t, w)
	require.Equal(t, response.CodePricingMissing, code)
}

func TestStopBatchNotFound(t *testing.T) {
	r := setupRouterWithDB(t)

	w := httpDo(r, "POST", "/api/v1/batch/stop", gin.H{"batch_no": "BAT-nope"})
	code, _ := decodeEnvelope(t, w)
	require.Equal(t, response.CodeBatchNotFound, code)
}

func TestGatewayHealthEndpoint(t *testing.T) {
	r := setupRouterWithDB(t)

	w := httpDo(r, "GET", "/api/v1/gateway/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Code int                         `json:"code"`
		Data []service.GatewayHealthView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, response.CodeSuccess, resp.Code)
	require.Empty(t, resp.Data) // 尚无任何网关样本
}

func TestHealthCheck(t *testing.T) {
	r := setupRouterWithDB(t)

	w := httpDo(r, "GET", "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
}
