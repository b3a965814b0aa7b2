package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fitroom/internal/api"
	"fitroom/internal/config"
	"fitroom/internal/gen"
	"fitroom/internal/metrics"
	"fitroom/internal/model"
	"fitroom/internal/service"
	"fitroom/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	// .env 仅本地开发使用，生产环境直接注入环境变量
	_ = godotenv.Load()

	// 初始化配置
	cfg, err := config.ParseConfig()
	if err != nil {
		logrus.WithError(err).Error("Failed to parse config")
		return
	}

	// 初始化logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
	logrus.SetFormatter(&logrus.JSONFormatter{})

	repo, err := model.InitRepository(&cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise repository")
		return
	}

	store, err := storage.NewStorage(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise storage")
		return
	}

	genSvc, err := gen.NewService(cfg)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise generation service")
		return
	}

	httpHandler, err := api.NewHTTPHandler(cfg, repo, store, genSvc)
	if err != nil {
		logrus.WithError(err).Error("failed to initialise http handler")
		return
	}

	// 兜底对账：processing 里卡住的任务定期重新对账
	reaper := service.NewReaper(repo, httpHandler.TryOnService(),
		time.Duration(cfg.ReaperIntervalMinutes)*time.Minute,
		time.Duration(cfg.ReaperDeadlineMinutes)*time.Minute)
	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go reaper.Run(reaperCtx)

	// 设置Gin模式
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// 添加中间件
	r.Use(LoggingMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiGroup := r.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.GET("/status", httpHandler.AuthStatus)
	authGroup.POST("/register", httpHandler.Register)
	authGroup.POST("/login", httpHandler.Login)
	authGroup.GET("/me", httpHandler.AuthMiddleware(), httpHandler.Me)

	protected := apiGroup.Group("")
	protected.Use(httpHandler.AuthMiddleware())

	protected.POST("/tryon", httpHandler.SubmitTryOn)
	protected.POST("/generations", httpHandler.SubmitGeneration)
	protected.GET("/jobs", httpHandler.ListJobs)
	protected.GET("/jobs/:id", httpHandler.GetJob)
	protected.GET("/jobs/:id/status", httpHandler.CheckStatus)
	protected.DELETE("/jobs/:id", httpHandler.DeleteJob)

	protected.POST("/assets", httpHandler.CreateAsset)
	protected.GET("/assets", httpHandler.ListAssets)
	protected.GET("/assets/:id", httpHandler.GetAsset)
	protected.PATCH("/assets/:id", httpHandler.UpdateAsset)
	protected.DELETE("/assets/:id", httpHandler.DeleteAsset)

	protected.GET("/credits", httpHandler.GetCreditBalance)
	protected.GET("/credits/entries", httpHandler.ListCreditEntries)

	protected.GET("/events", httpHandler.StreamJobEvents)

	userAdmin := protected.Group("/users")
	userAdmin.Use(httpHandler.RequireAdmin())
	userAdmin.GET("", httpHandler.ListUsers)
	userAdmin.POST("", httpHandler.CreateUser)
	userAdmin.PATCH(":id", httpHandler.UpdateUser)
	userAdmin.DELETE(":id", httpHandler.DeleteUser)

	creditAdmin := protected.Group("/credits")
	creditAdmin.Use(httpHandler.RequireAdmin())
	creditAdmin.POST("/grant", httpHandler.GrantCredits)

	if localProvider, ok := store.(storage.LocalBaseDirProvider); ok {
		publicPrefix := strings.TrimSpace(cfg.StoragePublicBaseURL)
		if publicPrefix == "" {
			publicPrefix = "/files"
		}
		if !strings.HasPrefix(publicPrefix, "http://") && !strings.HasPrefix(publicPrefix, "https://") {
			if !strings.HasPrefix(publicPrefix, "/") {
				publicPrefix = "/" + publicPrefix
			}
			r.Static(publicPrefix, localProvider.LocalBaseDir())
		}
	}

	serverHost := fmt.Sprintf("0.0.0.0:%s", cfg.HTTPPort)
	logger.WithField("host", serverHost).Info("服务器启动")
	// 创建HTTP服务器
	httpServer := &http.Server{
		Addr:         serverHost,
		Handler:      r,
		ReadTimeout:  900 * time.Second,
		WriteTimeout: 900 * time.Second,
		IdleTimeout:  1200 * time.Second,
	}
	err = httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("服务器启动失败")
	}
}

// CORSMiddleware CORS跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggingMiddleware 日志记录中间件
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		// 处理请求
		c.Next()
		// 记录请求结束
		duration := time.Since(start)
		logrus.WithFields(logrus.Fields{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"duration":  duration.String(),
			"size":      c.Writer.Size(),
			"client_ip": c.ClientIP(),
		}).Info("http_request")
	}
}

// MetricsMiddleware 按路由模板（而非原始路径）记录请求指标，避免标签基数爆炸。
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}
