package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LinkKind distinguishes the destinations link_extraction can discover.
type LinkKind string

const (
	LinkExternal LinkKind = "external_url"
	LinkVideo    LinkKind = "video"
	LinkCrossRef LinkKind = "cross_reference"
)

// Link is a canonical reference discovered by link_extraction: a bare
// URL, a cross-reference to another section/manual, or a video pointer
// that video_intelligence can later enrich.
type Link struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`

	Kind   LinkKind `gorm:"column:kind;not null;index" json:"kind"`
	URL    string   `gorm:"column:url" json:"url,omitempty"`
	Target string   `gorm:"column:target" json:"target,omitempty"`

	Page     *int           `gorm:"column:page" json:"page,omitempty"`
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Link) TableName() string { return "pipeline_link" }
