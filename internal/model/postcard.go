package model

import "time"

// MaxPostcardImages 每张明信片最多关联的图片数。
const MaxPostcardImages = 4

// Postcard 表示用户保存的一张明信片回忆。
//
// Images 保存对象存储中的 key，以 JSON 数组形式落库。
type Postcard struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UserID      uint     `gorm:"not null;index" json:"user_id"`           // 所属用户 ID
	Title       string   `gorm:"type:varchar(255);not null" json:"title"` // 标题
	Description string   `gorm:"type:text" json:"description"`            // 描述
	Date        string   `gorm:"type:varchar(10);not null" json:"date"`   // YYYY-MM-DD
	Images      []string `gorm:"serializer:json" json:"images"`           // 图片对象 key
}
