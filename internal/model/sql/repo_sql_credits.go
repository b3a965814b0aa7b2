package sql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fitroom/internal/entity"
)

// AppendCreditEntry 追加一条账本条目。账本是只追加的，没有更新或删除路径。
func (r *GormRepository) AppendCreditEntry(ctx context.Context, entry *entity.DbCreditEntry) error {
	if r == nil || r.db == nil {
		return fmt.Errorf("repository not initialised")
	}
	if entry == nil {
		return fmt.Errorf("entry is nil")
	}
	if entry.UserID == 0 {
		return fmt.Errorf("entry missing user id")
	}
	if entry.CreditsUsed == 0 {
		return fmt.Errorf("entry has zero credit delta")
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

// ListCreditEntries returns paginated ledger entries.
func (r *GormRepository) ListCreditEntries(ctx context.Context, params *entity.CreditEntryQuery) ([]entity.DbCreditEntry, *entity.Meta, error) {
	if r == nil || r.db == nil {
		return nil, nil, fmt.Errorf("repository not initialised")
	}

	query := r.db.WithContext(ctx).Model(&entity.DbCreditEntry{})
	if params != nil {
		if trimmed := strings.TrimSpace(params.Action); trimmed != "" {
			query = query.Where("action = ?", trimmed)
		}
		if trimmed := strings.TrimSpace(params.RequestID); trimmed != "" {
			query = query.Where("request_id = ?", trimmed)
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

	var entries []entity.DbCreditEntry
	if err := query.Order("created_at DESC, id DESC").Offset(offset).Limit(pageSize).Find(&entries).Error; err != nil {
		return nil, nil, err
	}

	meta := r.calculatePagination(total, page, pageSize)
	return entries, meta, nil
}

// SumCreditEntriesByRequestID 计算某个任务关联的所有账本条目的净和。
// 失败任务应归零，成功任务应等于原始扣减额。
func (r *GormRepository) SumCreditEntriesByRequestID(ctx context.Context, requestID string) (int, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("repository not initialised")
	}
	trimmed := strings.TrimSpace(requestID)
	if trimmed == "" {
		return 0, fmt.Errorf("request id is empty")
	}

	var sum sql.NullInt64
	err := r.db.WithContext(ctx).Model(&entity.DbCreditEntry{}).
		Where("request_id = ?", trimmed).
		Select("SUM(credits_used)").
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if !sum.Valid {
		return 0, nil
	}
	return int(sum.Int64), nil
}
