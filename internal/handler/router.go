package handler

import (
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		wallet := api.Group("/wallet")
		{
			wallet.GET("/balance", h.GetBalance)
			wallet.GET("/transactions", h.ListTransactions)
			wallet.POST("/deposit", h.Deposit)
			wallet.POST("/withdraw", h.Withdraw)
			wallet.POST("/referral-bonus", h.GrantReferralBonus)
			wallet.GET("/verify", h.VerifyIntegrity)
			wallet.POST("/fix", h.FixDiscrepancy)
			wallet.GET("/audit", h.AuditStatus)
		}

		purchase := api.Group("/purchase")
		{
			purchase.POST("/execute", h.Purchase)
		}

		order := api.Group("/order")
		{
			order.GET("/detail", h.GetOrder)
			order.GET("/list", h.ListOrders)
		}

		refund := api.Group("/refund")
		{
			refund.POST("/execute", h.Refund)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
