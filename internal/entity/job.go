package entity

import "time"

// 任务状态机：pending -> processing -> completed | failed。
// 终态不再迁移；对已终态任务的再次对账是幂等的空操作。
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

const (
	JobKindModelGeneration = "model_generation"
	JobKindTryOn           = "try_on"
	JobKindSceneGeneration = "scene_generation"
)

// JobStatusTerminal 判断状态是否为终态。
func JobStatusTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// ValidJobKind 检查任务类型是否合法。
func ValidJobKind(kind string) bool {
	switch kind {
	case JobKindModelGeneration, JobKindTryOn, JobKindSceneGeneration:
		return true
	default:
		return false
	}
}

// DbJob 表示一次生成或试穿任务，从提交跟踪到终态。
type DbJob struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint    `gorm:"column:user_id;index;not null" json:"user_id"`
	User   *DbUser `gorm:"foreignKey:UserID" json:"-"`

	Kind   string `gorm:"column:kind;type:varchar(32);index;not null" json:"kind"`
	Status string `gorm:"column:status;type:varchar(32);index;not null" json:"status"`

	// RequestID 关联账本条目与任务，提交时生成，全局唯一。
	RequestID string `gorm:"column:request_id;type:varchar(64);uniqueIndex;not null" json:"request_id"`

	PersonAssetID  *uint `gorm:"column:person_asset_id" json:"person_asset_id,omitempty"`
	GarmentAssetID *uint `gorm:"column:garment_asset_id" json:"garment_asset_id,omitempty"`
	SceneAssetID   *uint `gorm:"column:scene_asset_id" json:"scene_asset_id,omitempty"`

	Prompt     string  `gorm:"column:prompt;type:text" json:"prompt"`
	Parameters JSONMap `gorm:"column:parameters;type:json" json:"parameters"`

	ExternalJobID string `gorm:"column:external_job_id;type:varchar(255)" json:"external_job_id"`
	PollingHandle string `gorm:"column:polling_handle;type:varchar(512)" json:"-"`

	CreditsCost int `gorm:"column:credits_cost;not null" json:"credits_cost"`

	ResultPath   string `gorm:"column:result_path;type:varchar(512)" json:"result_path,omitempty"`
	ErrorMessage string `gorm:"column:error_message;type:text" json:"error_message,omitempty"`

	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

// TableName 指定表名
func (DbJob) TableName() string {
	return "jobs"
}

type TryOnSubmitRequest struct {
	PersonAssetID  uint   `json:"person_asset_id" binding:"required"`
	GarmentAssetID uint   `json:"garment_asset_id" binding:"required"`
	SceneAssetID   uint   `json:"scene_asset_id"`
	Prompt         string `json:"prompt"`
	ClientID       string `json:"client_id"`
}

type GenerationSubmitRequest struct {
	Kind     string `json:"kind" binding:"required"` // model_generation 或 scene_generation
	Prompt   string `json:"prompt" binding:"required"`
	Size     string `json:"size"`
	ClientID string `json:"client_id"`
}

type JobSubmitResponse struct {
	JobID         uint   `json:"job_id"`
	Status        string `json:"status"`
	ExternalJobID string `json:"external_job_id"`
}

type JobStatusResponse struct {
	JobID        uint   `json:"job_id"`
	Status       string `json:"status"`
	ResultPath   string `json:"result_path,omitempty"`
	ResultURL    string `json:"result_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

type JobQuery struct {
	BaseParams
	Kind   string `json:"kind" form:"kind" query:"kind"`
	Status string `json:"status" form:"status" query:"status"`
	UserID uint   `json:"-" form:"-" query:"-"`
}

type JobItem struct {
	ID           uint       `json:"id"`
	Kind         string     `json:"kind"`
	Status       string     `json:"status"`
	Prompt       string     `json:"prompt"`
	CreditsCost  int        `json:"credits_cost"`
	ResultPath   string     `json:"result_path,omitempty"`
	ResultURL    string     `json:"result_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

type JobListResponse struct {
	Jobs []JobItem `json:"jobs"`
	Meta *Meta     `json:"meta"`
}
