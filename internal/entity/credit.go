package entity

import "time"

// 账本动作枚举。refund 与 grant 为贷记，其余为借记。
const (
	CreditActionModelGeneration = "model_generation"
	CreditActionTryOn           = "try_on"
	CreditActionSceneGeneration = "scene_generation"
	CreditActionRefund          = "refund"
	CreditActionGrant           = "grant"
)

// DbCreditEntry 是只追加的用量账本条目，写入后不再修改或删除。
//
// CreditsUsed 为有符号数：正数表示扣减，负数表示退款或充值。
// 对同一任务（以 RequestID 关联）的条目求和，失败任务归零，
// 成功任务等于原始扣减额。
type DbCreditEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	UserID uint    `gorm:"column:user_id;index;not null" json:"user_id"`
	User   *DbUser `gorm:"foreignKey:UserID" json:"-"`

	Action      string `gorm:"column:action;type:varchar(32);index;not null" json:"action"`
	CreditsUsed int    `gorm:"column:credits_used;not null" json:"credits_used"`

	// RequestID 关联到任务的 request_id；充值条目为空。
	RequestID string `gorm:"column:request_id;type:varchar(64);index" json:"request_id,omitempty"`

	Details JSONMap `gorm:"column:details;type:json" json:"details"`
}

// TableName 指定表名
func (DbCreditEntry) TableName() string {
	return "credit_entries"
}

type CreditEntryQuery struct {
	BaseParams
	Action    string `json:"action" form:"action" query:"action"`
	RequestID string `json:"request_id" form:"request_id" query:"request_id"`
	UserID    uint   `json:"-" form:"-" query:"-"`
}

type CreditBalanceResponse struct {
	Credits        int `json:"credits"`
	TotalPurchased int `json:"total_purchased"`
	TotalUsed      int `json:"total_used"`
}

type CreditGrantRequest struct {
	UserID uint   `json:"user_id" binding:"required"`
	Amount int    `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason"`
}

type CreditEntryItem struct {
	ID          uint      `json:"id"`
	Action      string    `json:"action"`
	CreditsUsed int       `json:"credits_used"`
	RequestID   string    `json:"request_id,omitempty"`
	Details     JSONMap   `json:"details"`
	CreatedAt   time.Time `json:"created_at"`
}

type CreditEntryListResponse struct {
	Entries []CreditEntryItem `json:"entries"`
	Meta    *Meta             `json:"meta"`
}
