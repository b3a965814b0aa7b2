package sql

import (
	"context"
	"fmt"
	"strings"

	"fitroom/internal/entity"

	"gorm.io/gorm"
)

// CreateAsset inserts a new asset row.
func (r *GormRepository) CreateAsset(ctx context.Context, asset *entity.DbAsset) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if asset == nil {
		return fmt.Errorf("asset is nil")
	}
	return r.db.WithContext(ctx).Create(asset).Error
}

// GetAsset loads a single asset by ID.
func (r *GormRepository) GetAsset(ctx context.Context, id uint) (*entity.DbAsset, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return nil, fmt.Errorf("invalid asset id")
	}
	var asset entity.DbAsset
	if err := r.db.WithContext(ctx).First(&asset, id).Error; err != nil {
		return nil, err
	}
	return &asset, nil
}

// UpdateAsset applies partial updates to an asset.
func (r *GormRepository) UpdateAsset(ctx context.Context, id uint, updates entity.AssetUpdates) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid asset id")
	}
	if updates.IsEmpty() {
		return nil
	}
	return r.db.WithContext(ctx).Model(&entity.DbAsset{}).Where("id = ?", id).Updates(updates.ToMap()).Error
}

// ListAssets returns paginated assets visible to the querying user.
func (r *GormRepository) ListAssets(ctx context.Context, params *entity.AssetQuery) ([]entity.DbAsset, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbAsset{})
	if params != nil {
		if trimmed := strings.TrimSpace(params.Kind); trimmed != "" {
			query = query.Where("kind = ?", trimmed)
		}
		if params.UserID > 0 {
			if params.IncludePublic {
				query = query.Where("user_id = ? OR is_public = ?", params.UserID, true)
			} else {
				query = query.Where("user_id = ?", params.UserID)
			}
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

	var assets []entity.DbAsset
	if err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&assets).Error; err != nil {
		return nil, nil, err
	}

	meta := r.calculatePagination(total, page, pageSize)
	return assets, meta, nil
}

// DeleteAsset removes an asset row by ID.
func (r *GormRepository) DeleteAsset(ctx context.Context, id uint) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if id == 0 {
		return fmt.Errorf("invalid asset id")
	}
	result := r.db.WithContext(ctx).Delete(&entity.DbAsset{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
