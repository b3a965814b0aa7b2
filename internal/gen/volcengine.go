package gen

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"fitroom/internal/config"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/volcengine/volcengine-go-sdk/service/arkruntime"
	volcModel "github.com/volcengine/volcengine-go-sdk/service/arkruntime/model"
	"github.com/volcengine/volcengine-go-sdk/volcengine"
)

// 文档:https://www.volcengine.com/docs/82379/1824121

const volcengineTaskTimeout = 10 * time.Minute

// volcengineTask 是进程内任务注册表中的一条记录。
// arkruntime 是同步流式接口，这里把它包装成提交/轮询语义。
type volcengineTask struct {
	status      Status
	resultURL   string
	errorDetail string
}

// VolcengineService 通过火山引擎 arkruntime 实现生成服务。
type VolcengineService struct {
	apiKey string
	model  string

	mu    sync.Mutex
	tasks map[string]*volcengineTask
}

// NewVolcengineService 创建火山引擎客户端。
func NewVolcengineService(cfg config.Config) (*VolcengineService, error) {
	if strings.TrimSpace(cfg.VolcengineAPIKey) == "" {
		return nil, errors.New("volcengine api key is not configured")
	}
	model := strings.TrimSpace(cfg.VolcengineModel)
	if model == "" {
		model = "doubao-seedream-4-0-250828"
	}

	return &VolcengineService{
		apiKey: strings.TrimSpace(cfg.VolcengineAPIKey),
		model:  model,
		tasks:  make(map[string]*volcengineTask),
	}, nil
}

// Submit 注册任务并在后台执行流式生成。立即返回可轮询的句柄。
func (v *VolcengineService) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if v == nil {
		return nil, errors.New("generation service not initialised")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}

	taskID := uuid.NewString()

	v.mu.Lock()
	v.tasks[taskID] = &volcengineTask{status: StatusProcessing}
	v.mu.Unlock()

	// 后台执行不继承请求超时，任务生命周期独立于提交请求。
	go v.run(taskID, req)

	logrus.WithFields(logrus.Fields{
		"task_id":             taskID,
		"model":               v.model,
		"reference_image_cnt": len(req.ImageURLs),
	}).Info("volcengine task submitted")

	return &Submission{
		ExternalJobID: taskID,
		PollingHandle: taskID,
	}, nil
}

// FetchStatus 查询注册表中的任务状态。
func (v *VolcengineService) FetchStatus(_ context.Context, pollingHandle string) (*StatusResult, error) {
	if v == nil {
		return nil, errors.New("generation service not initialised")
	}

	v.mu.Lock()
	task, ok := v.tasks[pollingHandle]
	if !ok {
		v.mu.Unlock()
		return nil, &RequestError{StatusCode: 404, Body: fmt.Sprintf("unknown task %s", pollingHandle)}
	}
	result := &StatusResult{
		Status:      task.status,
		ResultURL:   task.resultURL,
		ErrorDetail: task.errorDetail,
	}
	// 终态记录被读走后即可回收。
	if task.status.Terminal() {
		delete(v.tasks, pollingHandle)
	}
	v.mu.Unlock()

	return result, nil
}

func (v *VolcengineService) run(taskID string, req SubmitRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), volcengineTaskTimeout)
	defer cancel()

	resultURL, errDetail := v.generate(ctx, req)

	v.mu.Lock()
	task, ok := v.tasks[taskID]
	if ok {
		if resultURL != "" {
			task.status = StatusSucceeded
			task.resultURL = resultURL
		} else {
			task.status = StatusFailed
			if errDetail == "" {
				errDetail = "volcengine returned no image"
			}
			task.errorDetail = errDetail
		}
	}
	v.mu.Unlock()
}

func (v *VolcengineService) generate(ctx context.Context, req SubmitRequest) (resultURL, errDetail string) {
	client := arkruntime.NewClientWithApiKey(v.apiKey)

	size := strings.TrimSpace(req.Size)
	if size == "" {
		size = "2K"
	}
	var sequentialImageGeneration volcModel.SequentialImageGeneration = "disabled"

	generateReq := volcModel.GenerateImagesRequest{
		Model:                     v.model,
		Prompt:                    req.Prompt,
		Image:                     req.ImageURLs,
		Size:                      volcengine.String(size),
		ResponseFormat:            volcengine.String(volcModel.GenerateImagesResponseFormatURL),
		Watermark:                 volcengine.Bool(false),
		SequentialImageGeneration: &sequentialImageGeneration,
	}

	stream, err := client.GenerateImagesStreaming(ctx, generateReq)
	if err != nil {
		logrus.WithError(err).Warn("volcengine stream start failed")
		return "", err.Error()
	}
	defer stream.Close()

	for {
		recv, recvErr := stream.Recv()
		if recvErr == io.EOF {
			break
		}
		if recvErr != nil {
			logrus.WithError(recvErr).Warn("volcengine stream recv failed")
			if errDetail == "" {
				errDetail = recvErr.Error()
			}
			break
		}
		switch recv.Type {
		case "image_generation.partial_failed":
			if recv.Error != nil {
				errDetail = recv.Error.Message
				if strings.EqualFold(recv.Error.Code, "InternalServiceError") {
					return resultURL, errDetail
				}
			}
		case "image_generation.partial_succeeded":
			if recv.Error == nil && recv.Url != nil {
				resultURL = *recv.Url
			}
		}
	}
	return resultURL, errDetail
}

var _ Service = (*VolcengineService)(nil)
