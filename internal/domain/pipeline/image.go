package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Image is a canonical image artifact extracted from a document page and
// persisted by the storage stage after image_processing produces a
// caption/diagram classification for it.
type Image struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`

	Page      int    `gorm:"column:page;not null;index" json:"page"`
	ObjectKey string `gorm:"column:object_key;not null" json:"object_key"`

	Caption   string         `gorm:"column:caption;type:text" json:"caption,omitempty"`
	Kind      string         `gorm:"column:kind;index" json:"kind,omitempty"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Image) TableName() string { return "pipeline_image" }
