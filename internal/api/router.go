package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jengzang/hospital-bulk-go/internal/config"
	"github.com/jengzang/hospital-bulk-go/internal/handler"
	"github.com/jengzang/hospital-bulk-go/internal/middleware"
)

// SetupRouter 设置路由
func SetupRouter(cfg *config.Config, bulk *handler.BulkHandler, limiter *middleware.RateLimiter) *gin.Engine {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger())
	r.MaxMultipartMemory = handler.MaxUploadBytes

	// CORS 中间件
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": cfg.AppName,
			"version": cfg.AppVersion,
		})
	})

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"message":   cfg.AppName + " is running",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := middleware.RequireAdmin(cfg.JWTSecret)

	// 批量导入接口
	hospitals := r.Group("/hospitals")
	hospitals.Use(middleware.RateLimit(limiter))
	{
		hospitals.POST("/bulk", bulk.BulkCreate)
		hospitals.GET("/bulk/progress/:batch_id", bulk.GetProgress)
		hospitals.DELETE("/bulk/progress", admin, bulk.Cleanup)
		hospitals.GET("/bulk/resumable", bulk.ListResumable)
		hospitals.POST("/bulk/resume/:batch_id", bulk.Resume)
		hospitals.DELETE("/bulk/resumable/:batch_id", admin, bulk.Abandon)
		hospitals.GET("/batch/:batch_id", bulk.GetBatchHospitals)
	}

	return r
}
