package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EntityKind is the closed set of domain entities metadata_extraction
// recognizes within technical documentation.
type EntityKind string

const (
	EntityErrorCode EntityKind = "error_code"
	EntityPartNum   EntityKind = "part_number"
	EntityProduct   EntityKind = "product"
	EntityVersion   EntityKind = "version"
)

// Entity is a canonical structured fact pulled out of a document by
// metadata_extraction, independent of the free-form Document.Metadata
// blob (which carries manufacturer/document_type classification output).
type Entity struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`

	Kind  EntityKind `gorm:"column:kind;not null;index" json:"kind"`
	Value string     `gorm:"column:value;not null" json:"value"`

	Page     *int           `gorm:"column:page" json:"page,omitempty"`
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Entity) TableName() string { return "pipeline_entity" }
