package entity

import "time"

const (
	AssetKindPerson  = "person"
	AssetKindGarment = "garment"
	AssetKindScene   = "scene"
)

// DbAsset 表示用户上传或生成的图片素材（人物、服装、场景）。
type DbAsset struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID uint    `gorm:"column:user_id;index;not null" json:"user_id"`
	User   *DbUser `gorm:"foreignKey:UserID" json:"-"`

	Kind     string `gorm:"column:kind;type:varchar(32);index;not null" json:"kind"`
	Name     string `gorm:"column:name;type:varchar(255)" json:"name"`
	Path     string `gorm:"column:path;type:varchar(512);not null" json:"path"`
	IsPublic bool   `gorm:"column:is_public;not null;default:false" json:"is_public"`
}

// TableName 指定表名
func (DbAsset) TableName() string {
	return "assets"
}

// VisibleTo 判断素材对给定用户是否可见：公开素材或本人素材。
func (a *DbAsset) VisibleTo(userID uint) bool {
	if a == nil {
		return false
	}
	return a.IsPublic || a.UserID == userID
}

// ValidAssetKind 检查素材类型是否合法。
func ValidAssetKind(kind string) bool {
	switch kind {
	case AssetKindPerson, AssetKindGarment, AssetKindScene:
		return true
	default:
		return false
	}
}

type AssetCreateRequest struct {
	Kind     string `json:"kind" binding:"required"`
	Name     string `json:"name"`
	Payload  string `json:"payload" binding:"required"` // URL 或 base64 图片数据
	IsPublic bool   `json:"is_public"`
}

type AssetQuery struct {
	BaseParams
	Kind          string `json:"kind" form:"kind" query:"kind"`
	UserID        uint   `json:"-" form:"-" query:"-"`
	IncludePublic bool   `json:"include_public" form:"include_public" query:"include_public"`
}

type AssetItem struct {
	ID        uint      `json:"id"`
	Kind      string    `json:"kind"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	IsPublic  bool      `json:"is_public"`
	OwnerID   uint      `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

type AssetListResponse struct {
	Assets []AssetItem `json:"assets"`
	Meta   *Meta       `json:"meta"`
}
