package gen

import (
	"context"
	"fmt"

	"fitroom/internal/config"
)

// Status 是远端任务状态归一化之后的内部表示。
type Status string

const (
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// SubmitRequest 描述一次生成请求。
type SubmitRequest struct {
	Prompt    string
	Size      string
	Seed      *int64
	Format    string
	ImageURLs []string // 编辑类请求的源图引用（人物、服装、场景）
}

// Submission 是远端接受任务后的回执。
type Submission struct {
	ExternalJobID string
	PollingHandle string
}

// StatusResult 是单次状态查询的归一化结果。
type StatusResult struct {
	Status      Status
	ResultURL   string // 仅在 succeeded 时有值
	ErrorDetail string // 仅在 failed 时有值
}

// Service 封装远端异步图像生成 API：提交任务与按句柄查询状态。
// 两个操作都只做网络调用，不落任何本地状态。
type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (*Submission, error)
	FetchStatus(ctx context.Context, pollingHandle string) (*StatusResult, error)
}

// NewService 根据配置创建生成服务客户端。
func NewService(cfg config.Config) (Service, error) {
	switch cfg.GenDriver {
	case "", DriverHTTPAPI:
		return NewHTTPAPIService(cfg)
	case DriverVolcengine:
		return NewVolcengineService(cfg)
	default:
		return nil, fmt.Errorf("unsupported generation driver: %s", cfg.GenDriver)
	}
}

const (
	DriverHTTPAPI    = "httpapi"
	DriverVolcengine = "volcengine"
)
