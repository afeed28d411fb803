package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/thumbnailer/internal/thumbnail"
)

// MediaAsset is an uploaded image with an automatically maintained
// thumbnail.
type MediaAsset struct {
	ID      uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID uuid.UUID `gorm:"type:uuid;index" json:"owner_id"`

	thumbnail.Guard `gorm:"-" json:"-"`

	Title string `gorm:"column:title" json:"title"`

	Image      thumbnail.ImageRef `gorm:"embedded;embeddedPrefix:image_" json:"image"`
	ImageThumb thumbnail.ImageRef `gorm:"embedded;embeddedPrefix:image_thumb_" json:"image_thumb"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (MediaAsset) TableName() string { return "media_asset" }

func (MediaAsset) ThumbnailDeclarations() []thumbnail.Declaration {
	return []thumbnail.Declaration{
		{Field: "ImageThumb", SourceField: "Image"},
	}
}
