package api

import (
	"strings"
	"sync"
	"time"

	"fitroom/internal/auth"
	"fitroom/internal/config"
	"fitroom/internal/credit"
	"fitroom/internal/gen"
	"fitroom/internal/model"
	"fitroom/internal/service"
	"fitroom/internal/storage"

	"github.com/gin-gonic/gin"
)

// HTTPHandler HTTP 请求处理器
type HTTPHandler struct {
	cfg               config.Config
	repo              model.Repository
	storage           storage.Storage
	storagePublicBase string
	authManager       *auth.Manager

	// 服务层
	ledger       *credit.Ledger
	tryOnService *service.TryOnService
	assetService *service.AssetService

	// SSE 客户端管理
	sseClients map[string][]chan sseMessage
	sseMu      sync.Mutex
}

// NewHTTPHandler 创建 HTTP 处理器实例
func NewHTTPHandler(cfg config.Config, repo model.Repository, store storage.Storage, genSvc gen.Service) (*HTTPHandler, error) {
	expiry := time.Duration(cfg.JWTExpirationMinutes) * time.Minute
	authManager, err := auth.NewManager(cfg.JWTSecret, cfg.JWTIssuer, expiry)
	if err != nil {
		return nil, err
	}

	publicBase := normalisePublicBase(cfg.StoragePublicBaseURL)
	ledger := credit.NewLedger(repo)
	tryOnSvc := service.NewTryOnService(repo, store, genSvc, ledger, publicBase)
	assetSvc := service.NewAssetService(repo, store, tryOnSvc)

	handler := &HTTPHandler{
		cfg:               cfg,
		repo:              repo,
		storage:           store,
		storagePublicBase: publicBase,
		authManager:       authManager,
		ledger:            ledger,
		tryOnService:      tryOnSvc,
		assetService:      assetSvc,
		sseClients:        make(map[string][]chan sseMessage),
	}

	// 设置 SSE 通知回调
	tryOnSvc.SetNotifyFunc(handler.notifyJobComplete)

	return handler, nil
}

// TryOnService 暴露任务编排服务，供 reaper 等后台组件复用。
func (h *HTTPHandler) TryOnService() *service.TryOnService {
	return h.tryOnService
}

// normalisePublicBase 规范化公共 URL 基础路径
func normalisePublicBase(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		trimmed = "/files"
	}
	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		return strings.TrimRight(trimmed, "/")
	}
	if !strings.HasPrefix(trimmed, "/") {
		trimmed = "/" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}

// notifyJobComplete 通知任务完成（用于 SSE 推送）
func (h *HTTPHandler) notifyJobComplete(clientID string, jobID uint, status string, errMsg string) {
	if strings.TrimSpace(clientID) == "" {
		return
	}
	payload := gin.H{
		"job_id": jobID,
		"status": status,
	}
	if trimmed := strings.TrimSpace(errMsg); trimmed != "" {
		payload["error"] = trimmed
	}
	h.publishSSEMessage(clientID, sseMessage{
		event: "job_completed",
		data:  payload,
	})
}
