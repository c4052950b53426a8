package handler

import (
	"cardbatch/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(creditService *service.CreditService, orchestrator *service.Orchestrator, health *service.HealthTracker) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(creditService, orchestrator, health)

	api := r.Group("/api/v1")
	{
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.POST("/recharge", h.Recharge)
			account.POST("/claim", h.ClaimDaily)
			account.GET("/transactions", h.ListTransactions)
		}

		batch := api.Group("/batch")
		{
			batch.POST("/start", h.StartBatch)
			batch.GET("/stream", h.StreamBatch)
			batch.POST("/stop", h.StopBatch)
			batch.GET("/detail", h.GetBatch)
			batch.GET("/list", h.ListBatches)
		}

		gateway := api.Group("/gateway")
		{
			gateway.GET("/health", h.GatewayHealth)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
