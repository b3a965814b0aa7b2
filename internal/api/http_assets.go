package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"fitroom/internal/entity"
	"fitroom/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 素材上传允许的最长处理时间（含远端下载）。
const assetUploadTimeout = 2 * time.Minute

func (h *HTTPHandler) CreateAsset(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var req entity.AssetCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}
	if !entity.ValidAssetKind(req.Kind) {
		BadRequest(c, ErrCodeInvalidRequest, "kind must be person, garment or scene")
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		MissingField(c, "payload")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), assetUploadTimeout)
	defer cancel()

	asset, err := h.assetService.CreateAsset(ctx, requestUser.ID, req)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": requestUser.ID,
			"kind":    req.Kind,
		}).Warn("create asset failed")
		BadRequest(c, ErrCodeInvalidRequest, err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        asset.ID,
		"kind":      asset.Kind,
		"name":      asset.Name,
		"path":      asset.Path,
		"url":       h.tryOnService.AssetURL(asset.Path),
		"is_public": asset.IsPublic,
	})
}

func (h *HTTPHandler) ListAssets(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var query entity.AssetQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "invalid query parameters")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response, err := h.assetService.ListAssets(ctx, requestUser.ID, &query)
	if err != nil {
		logrus.WithError(err).WithField("user_id", requestUser.ID).Error("list assets failed")
		InternalError(c, "failed to load assets")
		return
	}

	c.JSON(http.StatusOK, response)
}

func (h *HTTPHandler) GetAsset(c *gin.Context) {
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

	asset, err := h.assetService.GetAsset(ctx, requestUser.ID, id)
	if err != nil {
		if errors.Is(err, service.ErrAssetNotAvailable) {
			NotFound(c, ErrCodeAssetNotFound, "asset not found")
			return
		}
		logrus.WithError(err).WithField("asset_id", id).Error("load asset failed")
		InternalError(c, "failed to load asset")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         asset.ID,
		"kind":       asset.Kind,
		"name":       asset.Name,
		"path":       asset.Path,
		"url":        h.tryOnService.AssetURL(asset.Path),
		"is_public":  asset.IsPublic,
		"owner_id":   asset.UserID,
		"created_at": asset.CreatedAt,
	})
}

func (h *HTTPHandler) UpdateAsset(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req struct {
		Name     *string `json:"name,omitempty"`
		IsPublic *bool   `json:"is_public,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	var updates entity.AssetUpdates
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		updates.Name = &name
	}
	updates.IsPublic = req.IsPublic

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.assetService.UpdateAsset(ctx, requestUser.ID, id, updates); err != nil {
		if errors.Is(err, service.ErrAssetNotAvailable) {
			NotFound(c, ErrCodeAssetNotFound, "asset not found")
			return
		}
		logrus.WithError(err).WithField("asset_id", id).Error("update asset failed")
		InternalError(c, "failed to update asset")
		return
	}

	c.Status(http.StatusNoContent)
}

func (h *HTTPHandler) DeleteAsset(c *gin.Context) {
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

	if err := h.assetService.DeleteAsset(ctx, requestUser.ID, id); err != nil {
		if errors.Is(err, service.ErrAssetNotAvailable) {
			NotFound(c, ErrCodeAssetNotFound, "asset not found")
			return
		}
		logrus.WithError(err).WithField("asset_id", id).Error("delete asset failed")
		InternalError(c, "failed to delete asset")
		return
	}

	c.Status(http.StatusNoContent)
}
