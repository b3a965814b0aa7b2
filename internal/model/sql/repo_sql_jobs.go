package sql

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fitroom/internal/entity"

	"gorm.io/gorm"
)

// CreateJob inserts a new job row.
func (r *GormRepository) CreateJob(ctx context.Context, job *entity.DbJob) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	return r.db.WithContext(ctx).Create(job).Error
}

// GetJob loads a single job by ID.
func (r *GormRepository) GetJob(ctx context.Context, id uint) (*entity.DbJob, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return nil, fmt.Errorf("invalid job id")
	}
	var job entity.DbJob
	if err := r.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns paginated jobs.
func (r *GormRepository) ListJobs(ctx context.Context, params *entity.JobQuery) ([]entity.DbJob, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbJob{})
	if params != nil {
		if trimmed := strings.TrimSpace(params.Kind); trimmed != "" {
			query = query.Where("kind = ?", trimmed)
		}
		if trimmed := strings.TrimSpace(params.Status); trimmed != "" {
			query = query.Where("status = ?", trimmed)
		}
		if params.UserID > 0 {
			query = query.Where("user_id = ?", params.UserID)
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

	var jobs []entity.DbJob
	if err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&jobs).Error; err != nil {
		return nil, nil, err
	}

	meta := r.calculatePagination(total, page, pageSize)
	return jobs, meta, nil
}

// DeleteJob removes a job row by ID. Ledger history is retained.
func (r *GormRepository) DeleteJob(ctx context.Context, id uint) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid job id")
	}
	result := r.db.WithContext(ctx).Delete(&entity.DbJob{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// UpdateJobIfStatus 仅当当前状态等于 expected 时应用更新。
// 返回 false 表示另一个写入者已经完成了状态迁移（或任务已被删除），
// 调用方应将其视为空操作。
func (r *GormRepository) UpdateJobIfStatus(ctx context.Context, id uint, expected string, updates entity.JobUpdates) (bool, error) {
	if r == nil || r.db == nil {
		return false, fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return false, fmt.Errorf("invalid job id")
	}
	if updates.IsEmpty() {
		return false, fmt.Errorf("no updates provided")
	}

	result := r.db.WithContext(ctx).Model(&entity.DbJob{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates.ToMap())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListStalledJobs 返回 updated_at 早于 deadline 且仍为 processing 的任务。
func (r *GormRepository) ListStalledJobs(ctx context.Context, deadline time.Time, limit int) ([]entity.DbJob, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	var jobs []entity.DbJob
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", entity.JobStatusProcessing, deadline).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}
