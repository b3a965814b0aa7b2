package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fitroom/internal/config"

	"github.com/sirupsen/logrus"
)

const (
	// 提交调用的连接与响应超时。
	submitTimeout = 30 * time.Second

	maxErrorBodyBytes = 2048
)

// HTTPAPIService 对接提交/轮询式的异步生成 HTTP API。
type HTTPAPIService struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAPIService 创建 HTTP API 客户端。
func NewHTTPAPIService(cfg config.Config) (*HTTPAPIService, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.GenBaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("generation api base url is not configured")
	}
	if strings.TrimSpace(cfg.GenAPIKey) == "" {
		return nil, errors.New("generation api key is not configured")
	}

	return &HTTPAPIService{
		apiKey:  strings.TrimSpace(cfg.GenAPIKey),
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: submitTimeout,
		},
	}, nil
}

type httpapiSubmitPayload struct {
	Prompt    string   `json:"prompt"`
	Size      string   `json:"size,omitempty"`
	Seed      *int64   `json:"seed,omitempty"`
	Format    string   `json:"format,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
}

type httpapiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type httpapiTaskData struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	ResultURL string `json:"result_url"`
	FailMsg   string `json:"fail_msg"`
}

// Submit 提交一次生成任务。纯网络调用，不落本地状态。
func (s *HTTPAPIService) Submit(ctx context.Context, req SubmitRequest) (*Submission, error) {
	if s == nil {
		return nil, errors.New("generation service not initialised")
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}

	payload := httpapiSubmitPayload{
		Prompt:    prompt,
		Size:      strings.TrimSpace(req.Size),
		Seed:      req.Seed,
		Format:    strings.TrimSpace(req.Format),
		ImageURLs: req.ImageURLs,
	}

	data, err := s.roundTrip(ctx, http.MethodPost, "/api/v1/tasks", payload)
	if err != nil {
		return nil, err
	}

	var task httpapiTaskData
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	if task.TaskID == "" {
		return nil, errors.New("submission response missing task id")
	}

	logrus.WithFields(logrus.Fields{
		"task_id":             task.TaskID,
		"reference_image_cnt": len(req.ImageURLs),
	}).Info("generation task submitted")

	return &Submission{
		ExternalJobID: task.TaskID,
		PollingHandle: task.TaskID,
	}, nil
}

// FetchStatus 查询一次任务状态并归一化远端词表。
func (s *HTTPAPIService) FetchStatus(ctx context.Context, pollingHandle string) (*StatusResult, error) {
	if s == nil {
		return nil, errors.New("generation service not initialised")
	}
	handle := strings.TrimSpace(pollingHandle)
	if handle == "" {
		return nil, errors.New("polling handle is required")
	}

	data, err := s.roundTrip(ctx, http.MethodGet, "/api/v1/tasks/"+url.PathEscape(handle), nil)
	if err != nil {
		return nil, err
	}

	var task httpapiTaskData
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode task status: %w", err)
	}

	status, err := NormalizeRemoteStatus(task.Status)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{Status: status}
	switch status {
	case StatusSucceeded:
		result.ResultURL = strings.TrimSpace(task.ResultURL)
	case StatusFailed:
		result.ErrorDetail = strings.TrimSpace(task.FailMsg)
	}
	return result, nil
}

func (s *HTTPAPIService) roundTrip(ctx context.Context, method, path string, payload interface{}) (json.RawMessage, error) {
	var body io.Reader
	if payload != nil {
		bs, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(bs)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generation api request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Body:       truncateBody(raw),
		}
	}

	var envelope httpapiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if envelope.Code != 0 && envelope.Code != 200 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Body:       fmt.Sprintf("code=%d msg=%s", envelope.Code, envelope.Msg),
		}
	}
	return envelope.Data, nil
}

func truncateBody(raw []byte) string {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) > maxErrorBodyBytes {
		return trimmed[:maxErrorBodyBytes] + "..."
	}
	return trimmed
}

var _ Service = (*HTTPAPIService)(nil)
