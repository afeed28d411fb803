package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/thumbnailer/internal/thumbnail"
)

// UserProfile carries a user avatar; the thumbnail is cropped to an
// exact square for grid views.
type UserProfile struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	thumbnail.Guard `gorm:"-" json:"-"`

	Email       string `gorm:"uniqueIndex;not null" json:"email"`
	DisplayName string `gorm:"column:display_name" json:"display_name"`

	Avatar      thumbnail.ImageRef `gorm:"embedded;embeddedPrefix:avatar_" json:"avatar"`
	AvatarThumb thumbnail.ImageRef `gorm:"embedded;embeddedPrefix:avatar_thumb_" json:"avatar_thumb"`

	Preferences datatypes.JSON `gorm:"column:preferences;type:jsonb" json:"preferences"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (UserProfile) TableName() string { return "user_profile" }

func (UserProfile) ThumbnailDeclarations() []thumbnail.Declaration {
	return []thumbnail.Declaration{
		{
			Field:        "AvatarThumb",
			SourceField:  "Avatar",
			Size:         thumbnail.Size{Width: 128, Height: 128},
			ResizeMethod: thumbnail.ResizeFill,
		},
	}
}
