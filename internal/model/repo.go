package model

import (
	"context"
	"time"

	"fitroom/internal/entity"
)

// Repository 定义数据库操作接口
type Repository interface {
	// 用户管理
	CreateUser(ctx context.Context, user *entity.DbUser) error
	UpdateUser(ctx context.Context, id uint, updates entity.UserUpdates) error
	GetUserByEmail(ctx context.Context, email string) (*entity.DbUser, error)
	GetUserByID(ctx context.Context, id uint) (*entity.DbUser, error)
	ListUsers(ctx context.Context, params *entity.UserQuery) ([]entity.DbUser, *entity.Meta, error)
	DeleteUser(ctx context.Context, id uint) error
	CountUsers(ctx context.Context) (int64, error)

	// 积分余额：所有余额变更都是存储层原子操作，不做内存读改写。
	// DebitCreditsIf 仅在 credits >= cost 时扣减，返回是否生效。
	DebitCreditsIf(ctx context.Context, userID uint, cost int) (bool, error)
	// RefundCredits 恢复余额并回退 total_used。
	RefundCredits(ctx context.Context, userID uint, amount int) error
	// GrantCredits 充值：余额与 total_purchased 增加，并记录最近一次充值。
	GrantCredits(ctx context.Context, userID uint, amount int, reason string) error

	// 素材
	CreateAsset(ctx context.Context, asset *entity.DbAsset) error
	GetAsset(ctx context.Context, id uint) (*entity.DbAsset, error)
	UpdateAsset(ctx context.Context, id uint, updates entity.AssetUpdates) error
	ListAssets(ctx context.Context, params *entity.AssetQuery) ([]entity.DbAsset, *entity.Meta, error)
	DeleteAsset(ctx context.Context, id uint) error

	// 任务
	CreateJob(ctx context.Context, job *entity.DbJob) error
	GetJob(ctx context.Context, id uint) (*entity.DbJob, error)
	ListJobs(ctx context.Context, params *entity.JobQuery) ([]entity.DbJob, *entity.Meta, error)
	DeleteJob(ctx context.Context, id uint) error
	// UpdateJobIfStatus 仅当当前状态等于 expected 时应用更新，返回是否生效。
	// 并发对账时最多一个写入者获胜，落败方视为空操作。
	UpdateJobIfStatus(ctx context.Context, id uint, expected string, updates entity.JobUpdates) (bool, error)
	// ListStalledJobs 返回 updated_at 早于 deadline 且仍为 processing 的任务。
	ListStalledJobs(ctx context.Context, deadline time.Time, limit int) ([]entity.DbJob, error)

	// 用量账本（只追加）
	AppendCreditEntry(ctx context.Context, entry *entity.DbCreditEntry) error
	ListCreditEntries(ctx context.Context, params *entity.CreditEntryQuery) ([]entity.DbCreditEntry, *entity.Meta, error)
	SumCreditEntriesByRequestID(ctx context.Context, requestID string) (int, error)
}
