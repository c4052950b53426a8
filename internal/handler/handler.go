package handler

import (
	"errors"
	"io"
	"strconv"

	"cardbatch/internal/model"
	"cardbatch/internal/repository"
	"cardbatch/internal/service"
	"cardbatch/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	creditService *service.CreditService
	orchestrator  *service.Orchestrator
	health        *service.HealthTracker
}

// NewHandler 创建处理器实例
func NewHandler(creditService *service.CreditService, orchestrator *service.Orchestrator, health *service.HealthTracker) *Handler {
	return &Handler{
		creditService: creditService,
		orchestrator:  orchestrator,
		health:        health,
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询账户余额
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	account, err := h.creditService.GetOrCreateAccount(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"user_id":          account.UserID,
		"balance":          account.Balance,
		"tier":             account.Tier,
		"last_daily_claim": account.LastDailyClaim,
	})
}

// RechargeRequest 购买积分请求
type RechargeRequest struct {
	UserID         int64  `json:"user_id" binding:"required"`
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"` // 幂等键，客户端生成
	Description    string `json:"description"`
}

// Recharge 购买积分（简化版，实际应走支付渠道回调）
// POST /api/v1/account/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.AddCredits(c.Request.Context(), req.UserID, req.Amount,
		model.TransactionTypePurchase, service.AddCreditsOptions{
			Description:    req.Description,
			IdempotencyKey: req.IdempotencyKey,
		})
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// ClaimDaily 领取每日积分
// POST /api/v1/account/claim
func (h *Handler) ClaimDaily(c *gin.Context) {
	var req struct {
		UserID int64 `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.creditService.ClaimDailyCredits(c.Request.Context(), req.UserID)
	if err != nil {
		var claimed *service.AlreadyClaimedError
		if errors.As(err, &claimed) {
			response.ErrorWithData(c, response.CodeAlreadyClaimed, err.Error(), gin.H{
				"next_claim_available": claimed.NextClaimAvailable,
			})
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// ListTransactions 查询积分流水
// GET /api/v1/account/transactions?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	transactions, total, err := h.creditService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      transactions,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 批次相关接口
// ============================================================

// StartBatchRequest 启动批次请求
type StartBatchRequest struct {
	UserID    int64    `json:"user_id" binding:"required"`
	GatewayID string   `json:"gateway_id" binding:"required"`
	Cards     []string `json:"cards" binding:"required,min=1"` // 卡号|月|年|CVC，每行一条
}

// StartBatch 启动批次检测
// POST /api/v1/batch/start
//
// 批次在后台执行，本接口立即返回批次号；
// 进度与结果通过 /batch/stream 的事件流获取
func (h *Handler) StartBatch(c *gin.Context) {
	var req StartBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	run, err := h.orchestrator.ProcessBatch(c.Request.Context(), &service.BatchRequest{
		UserID:    req.UserID,
		GatewayID: req.GatewayID,
		Lines:     req.Cards,
	})
	if err != nil {
		var insufficient *service.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			response.ErrorWithData(c, response.CodeCreditInsufficient, err.Error(), gin.H{
				"current_balance":  insufficient.CurrentBalance,
				"required_credits": insufficient.RequiredCredits,
			})
			return
		}
		if errors.Is(err, service.ErrPricingNotConfigured) {
			response.BusinessError(c, response.CodePricingMissing, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	data := gin.H{
		"batch_no": run.BatchNo,
		"run_id":   run.RunID,
		"total":    run.Total,
	}
	// 不可用短路：批次已完结，直接携带汇总返回
	if summary := run.Summary(); summary != nil && summary.Unavailable {
		data["summary"] = summary
	}
	response.Success(c, data)
}

// StreamBatch 批次事件流（SSE）
// GET /api/v1/batch/stream?batch_no=xxx
//
// 每个已派发的工作项恰好一条 result 事件，progress 单调递增，
// 终态 complete 事件之后流关闭
func (h *Handler) StreamBatch(c *gin.Context) {
	batchNo := c.Query("batch_no")
	if batchNo == "" {
		response.ParamError(c, "batch_no 参数不能为空")
		return
	}

	run, ok := h.orchestrator.GetRun(batchNo)
	if !ok {
		response.BusinessError(c, response.CodeBatchNotFound, "批次不存在或已结束")
		return
	}

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-run.Events():
			if !open {
				return false
			}
			c.SSEvent(ev.Type, ev)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// StopBatch 停止批次
// POST /api/v1/batch/stop
func (h *Handler) StopBatch(c *gin.Context) {
	var req struct {
		BatchNo string `json:"batch_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.orchestrator.StopBatch(req.BatchNo); err != nil {
		response.BusinessError(c, response.CodeBatchNotFound, err.Error())
		return
	}

	response.Success(c, gin.H{"message": "停止指令已下发"})
}

// GetBatch 查询批次详情
// GET /api/v1/batch/detail?batch_no=xxx
func (h *Handler) GetBatch(c *gin.Context) {
	batchNo := c.Query("batch_no")
	if batchNo == "" {
		response.ParamError(c, "batch_no 参数不能为空")
		return
	}

	batch, err := h.orchestrator.GetBatch(c.Request.Context(), batchNo)
	if err != nil {
		if errors.Is(err, repository.ErrBatchNotFound) {
			response.BusinessError(c, response.CodeBatchNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, batch)
}

// ListBatches 查询用户批次列表
// GET /api/v1/batch/list?user_id=xxx&page=1&page_size=10
func (h *Handler) ListBatches(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	batches, total, err := h.orchestrator.ListBatches(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":      batches,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 网关健康接口
// ============================================================

// GatewayHealth 查询全部网关健康状态
// GET /api/v1/gateway/health
func (h *Handler) GatewayHealth(c *gin.Context) {
	response.Success(c, h.health.Snapshot())
}
