package api

import (
	"context"
	"net/http"
	"time"

	"fitroom/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func (h *HTTPHandler) GetCreditBalance(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	balance, err := h.ledger.Balance(ctx, requestUser.ID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", requestUser.ID).Error("load credit balance failed")
		InternalError(c, "failed to load credit balance")
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (h *HTTPHandler) ListCreditEntries(c *gin.Context) {
	requestUser := CurrentUser(c)
	if requestUser == nil {
		Unauthorized(c, "authentication required")
		return
	}

	var query entity.CreditEntryQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "invalid query parameters")
		return
	}
	// 账本只对本人可见，忽略请求里的任何用户过滤。
	query.UserID = requestUser.ID

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response, err := h.ledger.Entries(ctx, &query)
	if err != nil {
		logrus.WithError(err).WithField("user_id", requestUser.ID).Error("list credit entries failed")
		InternalError(c, "failed to load credit entries")
		return
	}

	c.JSON(http.StatusOK, response)
}

// GrantCredits 管理员给指定用户充值，走账本记一笔贷记。
func (h *HTTPHandler) GrantCredits(c *gin.Context) {
	var req entity.CreditGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	target, err := h.repo.GetUserByID(ctx, req.UserID)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			NotFound(c, ErrCodeUserNotFound, "user not found")
			return
		}
		logrus.WithError(err).WithField("user_id", req.UserID).Error("load user failed")
		InternalError(c, "failed to load user")
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "manual grant"
	}

	if err := h.ledger.Grant(ctx, target.ID, req.Amount, reason); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"user_id": target.ID,
			"amount":  req.Amount,
		}).Error("grant credits failed")
		InternalError(c, "failed to grant credits")
		return
	}

	balance, err := h.ledger.Balance(ctx, target.ID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", target.ID).Error("load credit balance failed")
		InternalError(c, "failed to load credit balance")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": target.ID,
		"credits": balance.Credits,
	})
}
