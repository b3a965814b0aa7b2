package entity

import "time"

// UserUpdates 用户更新字段
type UserUpdates struct {
	DisplayName  *string
	Role         *string
	PasswordHash *string
	IsActive     *bool
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u UserUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.DisplayName != nil {
		updates["display_name"] = *u.DisplayName
	}
	if u.Role != nil {
		updates["role"] = *u.Role
	}
	if u.PasswordHash != nil {
		updates["password_hash"] = *u.PasswordHash
	}
	if u.IsActive != nil {
		updates["is_active"] = *u.IsActive
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u UserUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}

// JobUpdates 任务更新字段。状态迁移总是通过 UpdateJobIfStatus
// 带条件写入，这里只描述写什么，不描述写入条件。
type JobUpdates struct {
	Status        *string
	ExternalJobID *string
	PollingHandle *string
	ResultPath    *string
	ErrorMessage  *string
	CompletedAt   *time.Time
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u JobUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.Status != nil {
		updates["status"] = *u.Status
	}
	if u.ExternalJobID != nil {
		updates["external_job_id"] = *u.ExternalJobID
	}
	if u.PollingHandle != nil {
		updates["polling_handle"] = *u.PollingHandle
	}
	if u.ResultPath != nil {
		updates["result_path"] = *u.ResultPath
	}
	if u.ErrorMessage != nil {
		updates["error_message"] = *u.ErrorMessage
	}
	if u.CompletedAt != nil {
		updates["completed_at"] = *u.CompletedAt
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u JobUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}

// AssetUpdates 素材更新字段
type AssetUpdates struct {
	Name     *string
	IsPublic *bool
}

// ToMap 转换为 GORM 更新 map（内部使用）
func (u AssetUpdates) ToMap() map[string]interface{} {
	updates := make(map[string]interface{})
	if u.Name != nil {
		updates["name"] = *u.Name
	}
	if u.IsPublic != nil {
		updates["is_public"] = *u.IsPublic
	}
	return updates
}

// IsEmpty 检查是否没有任何更新字段
func (u AssetUpdates) IsEmpty() bool {
	return len(u.ToMap()) == 0
}
