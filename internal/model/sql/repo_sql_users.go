package sql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fitroom/internal/entity"

	"gorm.io/gorm"
)

// CreateUser persists a new user record.
func (r *GormRepository) CreateUser(ctx context.Context, user *entity.DbUser) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if user == nil {
		return fmt.Errorf("user is nil")
	}
	return r.db.WithContext(ctx).Create(user).Error
}

// UpdateUser updates an existing user entry.
func (r *GormRepository) UpdateUser(ctx context.Context, id uint, updates entity.UserUpdates) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid user")
	}
	if updates.IsEmpty() {
		return nil
	}
	return r.db.WithContext(ctx).Model(&entity.DbUser{}).Where("id = ?", id).Updates(updates.ToMap()).Error
}

// GetUserByEmail loads a user by email.
func (r *GormRepository) GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return nil, fmt.Errorf("email is empty")
	}

	var user entity.DbUser
	if err := r.db.WithContext(ctx).Where("LOWER(email) = ?", strings.ToLower(trimmed)).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserByID loads a user by ID.
func (r *GormRepository) GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return nil, fmt.Errorf("invalid user id")
	}
	var user entity.DbUser
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// ListUsers returns paginated users.
func (r *GormRepository) ListUsers(ctx context.Context, params *entity.UserQuery) ([]entity.DbUser, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbUser{})
	if params != nil {
		if trimmed := strings.TrimSpace(params.Role); trimmed != "" {
			query = query.Where("role = ?", trimmed)
		}
		if keyword := strings.TrimSpace(params.Keyword); keyword != "" {
			kw := "%" + strings.ToLower(keyword) + "%"
			query = query.Where("LOWER(email) LIKE ? OR LOWER(display_name) LIKE ?", kw, kw)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, nil, err
	}

	var baseParams *entity.BaseParams
	if params != nil {
		baseParams = &params.BaseParams
	}
	page, pageSize, offset := normalisePage(baseParams)

	var users []entity.DbUser
	if err := query.Order("id DESC").Offset(offset).Limit(pageSize).Find(&users).Error; err != nil {
		return nil, nil, err
	}

	meta := r.calculatePagination(total, page, pageSize)
	return users, meta, nil
}

// DeleteUser removes a user by ID.
func (r *GormRepository) DeleteUser(ctx context.Context, id uint) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid user id")
	}
	result := r.db.WithContext(ctx).Delete(&entity.DbUser{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountUsers returns total user count.
func (r *GormRepository) CountUsers(ctx context.Context) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("repository not initialised")
	}
	var count int64
	if err := r.db.WithContext(ctx).Model(&entity.DbUser{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DebitCreditsIf 扣减积分，仅当余额充足时生效。
// 条件更新在存储层完成，余额不会被并发扣成负数。
func (r *GormRepository) DebitCreditsIf(ctx context.Context, userID uint, cost int) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return false, fmt.Errorf("invalid user id")
	}
	if cost <= 0 {
		return false, fmt.Errorf("invalid debit amount: %d", cost)
	}

	result := r.db.WithContext(ctx).Model(&entity.DbUser{}).
		Where("id = ? AND credits >= ?", userID, cost).
		UpdateColumns(map[string]interface{}{
			"credits":    gorm.Expr("credits - ?", cost),
			"total_used": gorm.Expr("total_used + ?", cost),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// RefundCredits 恢复余额并回退 total_used。
func (r *GormRepository) RefundCredits(ctx context.Context, userID uint, amount int) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return fmt.Errorf("invalid user id")
	}
	if amount <= 0 {
		return fmt.Errorf("invalid refund amount: %d", amount)
	}

	result := r.db.WithContext(ctx).Model(&entity.DbUser{}).
		Where("id = ?", userID).
		UpdateColumns(map[string]interface{}{
			"credits":    gorm.Expr("credits + ?", amount),
			"total_used": gorm.Expr("total_used - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// GrantCredits 充值：余额与 total_purchased 原子增加，并记录最近一次充值。
func (r *GormRepository) GrantCredits(ctx context.Context, userID uint, amount int, reason string) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if userID == 0 {
		return fmt.Errorf("invalid user id")
	}
	if amount <= 0 {
		return fmt.Errorf("invalid grant amount: %d", amount)
	}

	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&entity.DbUser{}).
		Where("id = ?", userID).
		UpdateColumns(map[string]interface{}{
			"credits":              gorm.Expr("credits + ?", amount),
			"total_purchased":      gorm.Expr("total_purchased + ?", amount),
			"last_purchase_amount": amount,
			"last_purchase_reason": strings.TrimSpace(reason),
			"last_purchase_at":     now,
			"updated_at":           now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
