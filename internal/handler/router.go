package handler

import (
	"bookcoin/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(db, rdb, cfg)

	api := r.Group("/api/v1")
	{
		// 账户相关
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/history", h.GetHistory)
			account.POST("/register", h.Register)
		}

		// 奖励相关
		reward := api.Group("/reward")
		{
			reward.POST("/checkin", h.CheckIn)
			reward.POST("/read", h.PromotionalRead)
		}

		// 扣费相关
		coin := api.Group("/coin")
		{
			coin.POST("/spend", h.Spend)
			coin.POST("/grant", h.SystemGrant)
		}

		// 置换订单相关
		exchange := api.Group("/exchange")
		{
			exchange.POST("/create", h.CreateExchange)
			exchange.GET("/detail", h.GetExchangeOrder)
			exchange.GET("/list", h.ListExchangeOrders)
			exchange.POST("/refund", h.RefundExchangeOrder)
			exchange.POST("/cancel", h.CancelExchangeOrder)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
