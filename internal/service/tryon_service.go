package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fitroom/internal/credit"
	"fitroom/internal/entity"
	"fitroom/internal/gen"
	"fitroom/internal/metrics"
	"fitroom/internal/model"
	"fitroom/internal/storage"
	"fitroom/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrJobNotFound 任务不存在或对请求用户不可见。
	ErrJobNotFound = errors.New("job not found")
	// ErrAssetNotAvailable 素材不存在、类型不符或对请求用户不可见。
	ErrAssetNotAvailable = errors.New("asset not available")
	// ErrJobNotTerminal 任务尚未到达终态，不允许删除。
	ErrJobNotTerminal = errors.New("job is still processing")
)

// 单个任务从提交到对账完成的总时限。
const reconcileTimeout = 30 * time.Minute

// TryOnService 试穿与生成任务编排服务。
//
// 提交路径同步完成远端受理与积分扣减，对账（轮询到终态、落盘结果、
// 失败退款）在后台进行。所有终态迁移都经过带条件的状态更新，并发
// 对账时只有赢家执行补偿动作，退款因此不会重复。
type TryOnService struct {
	repo    model.Repository
	storage storage.Storage
	gen     gen.Service
	ledger  *credit.Ledger

	pollCfg       gen.PollConfig
	publicBaseURL string

	// notifyFunc 用于通知任务完成事件（由调用方设置）
	notifyFunc func(clientID string, jobID uint, status string, errMsg string)
}

// NewTryOnService 创建任务编排服务实例。
func NewTryOnService(repo model.Repository, store storage.Storage, genSvc gen.Service, ledger *credit.Ledger, publicBaseURL string) *TryOnService {
	return &TryOnService{
		repo:          repo,
		storage:       store,
		gen:           genSvc,
		ledger:        ledger,
		pollCfg:       gen.DefaultPollConfig,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

// SetNotifyFunc 设置通知函数（用于 SSE 推送）
func (s *TryOnService) SetNotifyFunc(fn func(clientID string, jobID uint, status string, errMsg string)) {
	s.notifyFunc = fn
}

// SetPollConfig 覆盖默认轮询配置。
func (s *TryOnService) SetPollConfig(cfg gen.PollConfig) {
	s.pollCfg = cfg
}

// SubmitTryOn 提交一次虚拟试穿任务。
func (s *TryOnService) SubmitTryOn(ctx context.Context, userID uint, req entity.TryOnSubmitRequest) (*entity.JobSubmitResponse, error) {
	person, err := s.visibleAsset(ctx, userID, req.PersonAssetID, entity.AssetKindPerson)
	if err != nil {
		return nil, err
	}
	garment, err := s.visibleAsset(ctx, userID, req.GarmentAssetID, entity.AssetKindGarment)
	if err != nil {
		return nil, err
	}

	imageURLs := []string{s.AssetURL(person.Path), s.AssetURL(garment.Path)}
	job := &entity.DbJob{
		UserID:         userID,
		Kind:           entity.JobKindTryOn,
		PersonAssetID:  &person.ID,
		GarmentAssetID: &garment.ID,
	}

	if req.SceneAssetID != 0 {
		scene, err := s.visibleAsset(ctx, userID, req.SceneAssetID, entity.AssetKindScene)
		if err != nil {
			return nil, err
		}
		imageURLs = append(imageURLs, s.AssetURL(scene.Path))
		job.SceneAssetID = &scene.ID
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = "Dress the person from the first image in the garment from the second image, keeping pose and identity."
	}
	job.Prompt = prompt

	return s.submit(ctx, job, entity.CreditActionTryOn, gen.SubmitRequest{
		Prompt:    prompt,
		ImageURLs: imageURLs,
	}, req.ClientID)
}

// SubmitGeneration 提交一次人物或场景生成任务。
func (s *TryOnService) SubmitGeneration(ctx context.Context, userID uint, req entity.GenerationSubmitRequest) (*entity.JobSubmitResponse, error) {
	var action string
	switch req.Kind {
	case entity.JobKindModelGeneration:
		action = entity.CreditActionModelGeneration
	case entity.JobKindSceneGeneration:
		action = entity.CreditActionSceneGeneration
	default:
		return nil, fmt.Errorf("unsupported generation kind: %s", req.Kind)
	}

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}

	job := &entity.DbJob{
		UserID: userID,
		Kind:   req.Kind,
		Prompt: prompt,
	}
	if size := strings.TrimSpace(req.Size); size != "" {
		job.Parameters = entity.JSONMap{"size": size}
	}

	return s.submit(ctx, job, action, gen.SubmitRequest{
		Prompt: prompt,
		Size:   strings.TrimSpace(req.Size),
	}, req.ClientID)
}

// submit 是所有任务类型共享的提交路径：余额预检、远端受理、落库、
// 扣减积分，然后交给后台对账。
func (s *TryOnService) submit(ctx context.Context, job *entity.DbJob, action string, genReq gen.SubmitRequest, clientID string) (*entity.JobSubmitResponse, error) {
	cost, ok := credit.CostForAction(action)
	if !ok {
		return nil, fmt.Errorf("no cost defined for action: %s", action)
	}

	// 预检只是快速失败，真正的扣减仍然是条件原子操作。
	user, err := s.repo.GetUserByID(ctx, job.UserID)
	if err != nil {
		return nil, err
	}
	if user.Credits < cost {
		metrics.DebitsRejectedTotal.Inc()
		return nil, credit.ErrInsufficientCredits
	}

	submission, err := s.gen.Submit(ctx, genReq)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": job.UserID,
			"kind":    job.Kind,
		}).Error("remote submission failed")
		return nil, fmt.Errorf("submit generation job: %w", err)
	}

	job.Status = entity.JobStatusProcessing
	job.RequestID = uuid.NewString()
	job.ExternalJobID = submission.ExternalJobID
	job.PollingHandle = submission.PollingHandle
	job.CreditsCost = cost

	if err := s.repo.CreateJob(ctx, job); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id":         job.UserID,
			"external_job_id": job.ExternalJobID,
		}).Error("persist job failed")
		return nil, err
	}

	// 远端已受理但扣减失败：任务直接判失败，不退款（从未扣成功过）。
	if err := s.ledger.Debit(ctx, job.UserID, action, cost, job.RequestID, entity.JSONMap{"job_id": job.ID}); err != nil {
		if errors.Is(err, credit.ErrInsufficientCredits) {
			metrics.DebitsRejectedTotal.Inc()
		}
		s.failJob(ctx, job, "credit debit failed: "+err.Error(), "debit_failed", false)
		return nil, err
	}
	metrics.CreditsDebitedTotal.WithLabelValues(action).Add(float64(cost))
	metrics.JobsSubmittedTotal.WithLabelValues(job.Kind).Inc()

	logrus.WithFields(logrus.Fields{
		"job_id":          job.ID,
		"user_id":         job.UserID,
		"kind":            job.Kind,
		"external_job_id": job.ExternalJobID,
		"credits_cost":    cost,
	}).Info("job submitted")

	go s.reconcile(*job, clientID)

	return &entity.JobSubmitResponse{
		JobID:         job.ID,
		Status:        job.Status,
		ExternalJobID: job.ExternalJobID,
	}, nil
}

// Reconcile 对一个仍在 processing 的任务启动后台对账。
// 提交路径和 reaper 都从这里进入。
func (s *TryOnService) Reconcile(job entity.DbJob) {
	go s.reconcile(job, "")
}

func (s *TryOnService) reconcile(job entity.DbJob, clientID string) {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	if strings.TrimSpace(job.PollingHandle) == "" {
		// 没有可轮询的句柄，任务无从对账，直接判失败退款。
		s.finishFailed(ctx, &job, "job has no polling handle", "no_polling_handle", clientID)
		return
	}

	result, err := gen.PollUntilTerminal(ctx, s.gen, job.PollingHandle, s.pollCfg)
	if err != nil {
		s.finishFailed(ctx, &job, err.Error(), failureReason(err), clientID)
		return
	}

	s.finishCompleted(ctx, &job, result.ResultURL, clientID)
}

// CheckStatus 查询任务状态。对仍在处理中的任务顺带做一次远端查询，
// 查到终态就地对账，让客户端主动查询也能推进状态机。
func (s *TryOnService) CheckStatus(ctx context.Context, userID uint, jobID uint) (*entity.JobStatusResponse, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	if !entity.JobStatusTerminal(job.Status) && strings.TrimSpace(job.PollingHandle) != "" {
		result, fetchErr := s.gen.FetchStatus(ctx, job.PollingHandle)
		switch {
		case fetchErr != nil:
			var remoteFailed *gen.RemoteJobFailed
			var protoErr *gen.ProtocolError
			switch {
			case errors.As(fetchErr, &remoteFailed):
				s.finishFailed(ctx, job, remoteFailed.Detail, "remote_failed", "")
			case errors.As(fetchErr, &protoErr):
				// 后台轮询遇到协议错误会判失败，手动查询走同一条路。
				s.finishFailed(ctx, job, fetchErr.Error(), "protocol_error", "")
			default:
				// 瞬时错误不影响查询，后台轮询会继续推进。
				logrus.WithError(fetchErr).WithField("job_id", job.ID).Debug("status probe failed")
			}
		case result.Status == gen.StatusSucceeded:
			s.finishCompleted(ctx, job, result.ResultURL, "")
		case result.Status == gen.StatusFailed:
			s.finishFailed(ctx, job, result.ErrorDetail, "remote_failed", "")
		}

		job, err = s.ownedJob(ctx, userID, jobID)
		if err != nil {
			return nil, err
		}
	}

	resp := &entity.JobStatusResponse{
		JobID:        job.ID,
		Status:       job.Status,
		ResultPath:   job.ResultPath,
		ErrorMessage: job.ErrorMessage,
	}
	if job.ResultPath != "" {
		resp.ResultURL = s.AssetURL(job.ResultPath)
	}
	return resp, nil
}

// GetJob 返回用户自己的任务。
func (s *TryOnService) GetJob(ctx context.Context, userID uint, jobID uint) (*entity.DbJob, error) {
	return s.ownedJob(ctx, userID, jobID)
}

// ListJobs 返回用户自己的任务分页列表。
func (s *TryOnService) ListJobs(ctx context.Context, userID uint, params *entity.JobQuery) (*entity.JobListResponse, error) {
	if params == nil {
		params = &entity.JobQuery{}
	}
	params.UserID = userID

	jobs, meta, err := s.repo.ListJobs(ctx, params)
	if err != nil {
		return nil, err
	}

	items := make([]entity.JobItem, 0, len(jobs))
	for _, job := range jobs {
		item := entity.JobItem{
			ID:           job.ID,
			Kind:         job.Kind,
			Status:       job.Status,
			Prompt:       job.Prompt,
			CreditsCost:  job.CreditsCost,
			ResultPath:   job.ResultPath,
			ErrorMessage: job.ErrorMessage,
			CreatedAt:    job.CreatedAt,
			CompletedAt:  job.CompletedAt,
		}
		if job.ResultPath != "" {
			item.ResultURL = s.AssetURL(job.ResultPath)
		}
		items = append(items, item)
	}
	return &entity.JobListResponse{Jobs: items, Meta: meta}, nil
}

// DeleteJob 删除一个已终态的任务，连同其结果文件。
func (s *TryOnService) DeleteJob(ctx context.Context, userID uint, jobID uint) error {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if !entity.JobStatusTerminal(job.Status) {
		return ErrJobNotTerminal
	}

	if job.ResultPath != "" && !utils.IsRemoteURL(job.ResultPath) {
		if err := s.storage.Delete(ctx, job.ResultPath); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"job_id":      job.ID,
				"result_path": job.ResultPath,
			}).Warn("delete job result file failed")
		}
	}

	return s.repo.DeleteJob(ctx, job.ID)
}

// AssetURL 把存储相对路径转换为可访问的公开地址，已是绝对地址的原样返回。
func (s *TryOnService) AssetURL(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if utils.IsRemoteURL(trimmed) {
		return trimmed
	}
	return s.publicBaseURL + "/" + strings.TrimLeft(trimmed, "/")
}

// finishCompleted 落盘结果并把任务迁移到 completed。
// 结果持久化失败等同于任务失败：用户拿不到产物就不该被扣积分。
func (s *TryOnService) finishCompleted(ctx context.Context, job *entity.DbJob, resultURL string, clientID string) {
	resultPath, err := s.persistResult(ctx, job, resultURL)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"job_id":     job.ID,
			"result_url": resultURL,
		}).Error("persist job result failed")
		s.finishFailed(ctx, job, "persist result: "+err.Error(), "persist_failed", clientID)
		return
	}

	now := time.Now().UTC()
	status := entity.JobStatusCompleted
	won, err := s.repo.UpdateJobIfStatus(ctx, job.ID, entity.JobStatusProcessing, entity.JobUpdates{
		Status:      &status,
		ResultPath:  &resultPath,
		CompletedAt: &now,
	})
	if err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Error("complete job transition failed")
		return
	}
	if !won {
		// 另一个对账者已经把任务推到终态，这里什么都不做。
		logrus.WithField("job_id", job.ID).Debug("job already terminal, completion skipped")
		return
	}

	metrics.JobsCompletedTotal.WithLabelValues(job.Kind).Inc()
	metrics.JobDuration.WithLabelValues(job.Kind).Observe(now.Sub(job.CreatedAt).Seconds())

	logrus.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"user_id":     job.UserID,
		"kind":        job.Kind,
		"result_path": resultPath,
	}).Info("job completed")

	s.notifyComplete(clientID, job.ID, "success", "")
}

// finishFailed 把任务迁移到 failed 并退款。只有赢得状态迁移的调用者
// 才执行退款，同一任务的退款因此至多发生一次。
func (s *TryOnService) finishFailed(ctx context.Context, job *entity.DbJob, errMsg, reason, clientID string) {
	if s.failJob(ctx, job, errMsg, reason, true) {
		s.notifyComplete(clientID, job.ID, "failure", errMsg)
	}
}

func (s *TryOnService) failJob(ctx context.Context, job *entity.DbJob, errMsg, reason string, refund bool) bool {
	// completed_at 只属于成功终态，失败任务不写完成时间。
	status := entity.JobStatusFailed
	won, err := s.repo.UpdateJobIfStatus(ctx, job.ID, entity.JobStatusProcessing, entity.JobUpdates{
		Status:       &status,
		ErrorMessage: &errMsg,
	})
	if err != nil {
		logrus.WithError(err).WithField("job_id", job.ID).Error("fail job transition failed")
		return false
	}
	if !won {
		logrus.WithField("job_id", job.ID).Debug("job already terminal, failure skipped")
		return false
	}

	metrics.JobsFailedTotal.WithLabelValues(job.Kind, reason).Inc()

	logrus.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"user_id": job.UserID,
		"kind":    job.Kind,
		"reason":  reason,
		"error":   errMsg,
	}).Warn("job failed")

	if refund && job.CreditsCost > 0 {
		if err := s.ledger.Refund(ctx, job.UserID, job.CreditsCost, job.RequestID, entity.JSONMap{
			"job_id": job.ID,
			"reason": reason,
		}); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"job_id":  job.ID,
				"user_id": job.UserID,
			}).Error("refund failed")
		} else {
			metrics.CreditsRefundedTotal.Add(float64(job.CreditsCost))
		}
	}
	return true
}

// persistResult 下载远端结果并写入存储，返回存储相对路径。
func (s *TryOnService) persistResult(ctx context.Context, job *entity.DbJob, resultURL string) (string, error) {
	trimmed := strings.TrimSpace(resultURL)
	if trimmed == "" {
		return "", errors.New("remote job succeeded without result url")
	}

	var (
		data []byte
		ext  string
		err  error
	)
	if utils.IsRemoteURL(trimmed) {
		data, ext, err = utils.DownloadMedia(ctx, trimmed)
	} else {
		data, ext, err = utils.DecodeMediaPayload(trimmed)
	}
	if err != nil {
		return "", err
	}

	return s.storage.Save(ctx, data, storage.SaveOptions{
		Category:  storage.CategoryResults,
		Extension: ext,
		BaseName:  job.RequestID,
	})
}

func (s *TryOnService) visibleAsset(ctx context.Context, userID uint, assetID uint, kind string) (*entity.DbAsset, error) {
	asset, err := s.repo.GetAsset(ctx, assetID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssetNotAvailable
		}
		return nil, err
	}
	if asset.Kind != kind || !asset.VisibleTo(userID) {
		return nil, ErrAssetNotAvailable
	}
	return asset, nil
}

func (s *TryOnService) ownedJob(ctx context.Context, userID uint, jobID uint) (*entity.DbJob, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// notifyComplete 通知任务完成
func (s *TryOnService) notifyComplete(clientID string, jobID uint, status string, errMsg string) {
	if s.notifyFunc != nil && strings.TrimSpace(clientID) != "" {
		s.notifyFunc(clientID, jobID, status, errMsg)
	}
}

// failureReason 把对账错误映射为指标与日志里的失败原因标签。
func failureReason(err error) string {
	var remoteFailed *gen.RemoteJobFailed
	if errors.As(err, &remoteFailed) {
		return "remote_failed"
	}
	var timeout *gen.PollTimeoutError
	if errors.As(err, &timeout) {
		return "poll_timeout"
	}
	var protoErr *gen.ProtocolError
	if errors.As(err, &protoErr) {
		return "protocol_error"
	}
	var reqErr *gen.RequestError
	if errors.As(err, &reqErr) {
		return "request_rejected"
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "reconcile_timeout"
	}
	return "unknown"
}
