package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fitroom/internal/auth"
	"fitroom/internal/entity"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func (h *HTTPHandler) ListUsers(c *gin.Context) {
	var query entity.UserQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		BadRequest(c, ErrCodeInvalidRequest, "invalid query parameters")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	users, meta, err := h.repo.ListUsers(ctx, &query)
	if err != nil {
		logrus.WithError(err).Error("failed to list users")
		InternalError(c, "failed to load users")
		return
	}

	response := entity.UserListResponse{
		Users: make([]entity.UserSummary, 0, len(users)),
		Meta:  meta,
	}
	for idx := range users {
		response.Users = append(response.Users, makeUserSummary(&users[idx]))
	}

	c.JSON(http.StatusOK, response)
}

func (h *HTTPHandler) CreateUser(c *gin.Context) {
	requestUser := CurrentUser(c)

	var req entity.UserCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		MissingField(c, "email")
		return
	}

	role := sanitizeRole(req.Role)
	if role == "" {
		BadRequest(c, ErrCodeInvalidRequest, "invalid role")
		return
	}
	if role == entity.UserRoleSuperAdmin {
		BadRequest(c, ErrCodeInvalidRequest, "cannot create super admin")
		return
	}
	if role == entity.UserRoleAdmin && !requestUser.IsSuperAdmin() {
		Forbidden(c, "only super admin can create admin users")
		return
	}
	if req.Credits < 0 {
		BadRequest(c, ErrCodeInvalidRequest, "credits must not be negative")
		return
	}

	password := strings.TrimSpace(req.Password)
	if password == "" {
		MissingField(c, "password")
		return
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		logrus.WithError(err).Error("failed to hash password for new user")
		InternalError(c, "failed to create user")
		return
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	user := &entity.DbUser{
		Email:        email,
		DisplayName:  strings.TrimSpace(req.DisplayName),
		PasswordHash: hash,
		Role:         role,
		IsActive:     isActive,
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if err := h.repo.CreateUser(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			BadRequest(c, ErrCodeEmailExists, "email already registered")
			return
		}
		logrus.WithError(err).Error("failed to create user")
		InternalError(c, "failed to create user")
		return
	}

	// 初始积分走账本，保持余额与账本一致。
	if req.Credits > 0 {
		if err := h.ledger.Grant(ctx, user.ID, req.Credits, "initial grant"); err != nil {
			logrus.WithError(err).WithField("user_id", user.ID).Error("failed to grant initial credits")
		}
		if refreshed, err := h.repo.GetUserByID(ctx, user.ID); err == nil {
			user = refreshed
		}
	}

	c.JSON(http.StatusCreated, makeUserSummary(user))
}

func (h *HTTPHandler) UpdateUser(c *gin.Context) {
	requestUser := CurrentUser(c)

	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	var req entity.UserUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		InvalidPayload(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbUser, err := h.repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, ErrCodeUserNotFound, "user not found")
			return
		}
		logrus.WithError(err).Error("failed to load user for update")
		InternalError(c, "failed to update user")
		return
	}

	if dbUser.Role == entity.UserRoleSuperAdmin && requestUser.ID != dbUser.ID {
		Forbidden(c, "super admin cannot be modified")
		return
	}

	var updates entity.UserUpdates

	if req.DisplayName != nil {
		displayName := strings.TrimSpace(*req.DisplayName)
		updates.DisplayName = &displayName
	}

	if req.Password != nil {
		password := strings.TrimSpace(*req.Password)
		if password == "" {
			BadRequest(c, ErrCodeInvalidRequest, "password must not be empty")
			return
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			logrus.WithError(err).Error("failed to hash password for update")
			InternalError(c, "failed to update user")
			return
		}
		updates.PasswordHash = &hash
	}

	if req.Role != nil {
		if !requestUser.IsSuperAdmin() {
			Forbidden(c, "only super admin can change roles")
			return
		}
		targetRole := sanitizeRole(*req.Role)
		if targetRole == "" || targetRole == entity.UserRoleSuperAdmin {
			BadRequest(c, ErrCodeInvalidRequest, "invalid role")
			return
		}
		updates.Role = &targetRole
	}

	if req.IsActive != nil {
		if dbUser.Role == entity.UserRoleSuperAdmin {
			BadRequest(c, ErrCodeInvalidRequest, "super admin must remain active")
			return
		}
		if dbUser.Role == entity.UserRoleAdmin && !requestUser.IsSuperAdmin() {
			Forbidden(c, "only super admin can change admin status")
			return
		}
		updates.IsActive = req.IsActive
	}

	if updates.IsEmpty() {
		c.JSON(http.StatusOK, makeUserSummary(dbUser))
		return
	}

	if err := h.repo.UpdateUser(ctx, dbUser.ID, updates); err != nil {
		logrus.WithError(err).Error("failed to update user")
		InternalError(c, "failed to update user")
		return
	}

	updated, err := h.repo.GetUserByID(ctx, dbUser.ID)
	if err != nil {
		logrus.WithError(err).Error("failed to reload user after update")
		InternalError(c, "failed to load updated user")
		return
	}

	c.JSON(http.StatusOK, makeUserSummary(updated))
}

func (h *HTTPHandler) DeleteUser(c *gin.Context) {
	requestUser := CurrentUser(c)

	id, ok := parseIDParam(c)
	if !ok {
		return
	}

	if requestUser.ID == id {
		BadRequest(c, ErrCodeCannotDeleteSelf, "cannot delete current user")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbUser, err := h.repo.GetUserByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			NotFound(c, ErrCodeUserNotFound, "user not found")
			return
		}
		logrus.WithError(err).Error("failed to load user for deletion")
		InternalError(c, "failed to delete user")
		return
	}

	if dbUser.Role == entity.UserRoleSuperAdmin {
		Forbidden(c, "super admin cannot be deleted")
		return
	}
	if dbUser.Role == entity.UserRoleAdmin && !requestUser.IsSuperAdmin() {
		Forbidden(c, "only super admin can delete admin users")
		return
	}

	if err := h.repo.DeleteUser(ctx, id); err != nil {
		logrus.WithError(err).Error("failed to delete user")
		InternalError(c, "failed to delete user")
		return
	}

	c.Status(http.StatusNoContent)
}

func makeUserSummary(user *entity.DbUser) entity.UserSummary {
	if user == nil {
		return entity.UserSummary{}
	}
	return entity.UserSummary{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		IsActive:    user.IsActive,
		Credits:     user.Credits,
		CreatedAt:   user.CreatedAt,
		UpdatedAt:   user.UpdatedAt,
	}
}

func sanitizeRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case entity.UserRoleUser:
		return entity.UserRoleUser
	case entity.UserRoleAdmin:
		return entity.UserRoleAdmin
	case entity.UserRoleSuperAdmin:
		return entity.UserRoleSuperAdmin
	default:
		return ""
	}
}

func parseIDParam(c *gin.Context) (uint, bool) {
	idValue := strings.TrimSpace(c.Param("id"))
	id, err := strconv.ParseUint(idValue, 10, 64)
	if err != nil || id == 0 {
		BadRequest(c, ErrCodeInvalidRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}
