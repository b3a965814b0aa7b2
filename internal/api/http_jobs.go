package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fitroom/internal/credit"
	"fitroom/internal/entity"
	"fitroom/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 提交窗口只覆盖远端受理，不等待生成完成。
const jobSubmitTimeout = 60 * time.Second

func (h *HTTPHandler) SubmitTryOn(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var req entity.TryOnSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), jobSubmitTimeout)
	defer cancel()

	resp, err := h.tryOnService.SubmitTryOn(ctx, requestUser.ID, req)
	if err != nil {
		h.respondSubmitError(c, requestUser.ID, "try_on", err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *HTTPHandler) SubmitGeneration(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var req entity.GenerationSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}
	if req.Kind != entity.JobKindModelGeneration && req.Kind != entity.JobKindSceneGeneration {
		BadRequest(c, ErrCodeInvalidRequest, "kind must be model_generation or scene_generation")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), jobSubmitTimeout)
	defer cancel()

	resp, err := h.tryOnService.SubmitGeneration(ctx, requestUser.ID, req)
	if err != nil {
		h.respondSubmitError(c, requestUser.ID, req.Kind, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *HTTPHandler) respondSubmitError(c *gin.Context, userID uint, kind string, err error) {
	switch {
	case errors.Is(err, credit.ErrInsufficientCredits):
		PaymentRequired(c, "not enough credits for this job")
	case errors.Is(err, service.ErrAssetNotAvailable):
		NotFound(c, ErrCodeAssetNotFound, "asset not found")
	default:
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"kind":    kind,
		}).Error("job submission failed")
		ErrorResponse(c, http.StatusBadGateway, ErrCodeSubmissionFailed, "generation service rejected the job")
	}
}

func (h *HTTPHandler) GetJob(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	job, err := h.tryOnService.GetJob(ctx, requestUser.ID, id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			NotFound(c, ErrCodeJobNotFound, "job not found")
			return
		}
		logrus.WithError(err).WithField("job_id", id).Error("load job failed")
		InternalError(c, "failed to load job")
		return
	}

	// 该任务在账本上的净扣费：失败任务退款后归零，成功任务等于原始扣减。
	creditsNet, err := h.repo.SumCreditEntriesByRequestID(ctx, job.RequestID)
	if err != nil {
		logrus.WithError(err).WithField("job_id", id).Warn("sum ledger entries failed")
	}

	c.JSON(http.StatusOK, gin.H{
		"id":            job.ID,
		"kind":          job.Kind,
		"status":        job.Status,
		"prompt":        job.Prompt,
		"parameters":    job.Parameters,
		"credits_cost":  job.CreditsCost,
		"credits_net":   creditsNet,
		"result_path":   job.ResultPath,
		"result_url":    h.tryOnService.AssetURL(job.ResultPath),
		"error_message": job.ErrorMessage,
		"created_at":    job.CreatedAt,
		"completed_at":  job.CompletedAt,
	})
}

// CheckStatus 除了返回当前状态，还会在后台对账落后时就地探测一次远端。
func (h *HTTPHandler) CheckStatus(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	resp, err := h.tryOnService.CheckStatus(ctx, requestUser.ID, id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			NotFound(c, ErrCodeJobNotFound, "job not found")
			return
		}
		logrus.WithError(err).WithField("job_id", id).Error("check job status failed")
		InternalError(c, "failed to check job status")
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *HTTPHandler) ListJobs(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var query entity.JobQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "invalid query parameters")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response, err := h.tryOnService.ListJobs(ctx, requestUser.ID, &query)
	if err != nil {
		logrus.WithError(err).WithField("user_id", requestUser.ID).Error("list jobs failed")
		InternalError(c, "failed to load jobs")
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *HTTPHandler) DeleteJob(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	if err := h.tryOnService.DeleteJob(ctx, requestUser.ID, id); err != nil {
		switch {
		case errors.Is(err, service.ErrJobNotFound):
			NotFound(c, ErrCodeJobNotFound, "job not found")
		case errors.Is(err, service.ErrJobNotTerminal):
			Conflict(c, ErrCodeJobNotTerminal, "job is still running")
		default:
			logrus.WithError(err).WithField("job_id", id).Error("delete job failed")
			InternalError(c, "failed to delete job")
		}
		return
	}

	c.Status(http.StatusNoContent)
}
