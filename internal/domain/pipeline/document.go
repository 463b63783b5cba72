package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DocumentStatus is the closed set of lifecycle states a Document passes
// through. Transitions never go backward within a single pipeline
// invocation: pending -> running -> (completed | failed).
type DocumentStatus string

const (
	DocumentPending   DocumentStatus = "pending"
	DocumentRunning   DocumentStatus = "running"
	DocumentCompleted DocumentStatus = "completed"
	DocumentFailed    DocumentStatus = "failed"
)

// Document is one ingested technical PDF (or other source file) tracked
// through the stage pipeline. ContentHash is the dedupe key used by the
// upload stage.
type Document struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	SourceFilename string `gorm:"column:source_filename;not null" json:"source_filename"`
	ContentHash    string `gorm:"column:content_hash;not null;uniqueIndex" json:"content_hash"`

	Manufacturer string `gorm:"column:manufacturer;index" json:"manufacturer,omitempty"`
	DocumentType string `gorm:"column:document_type;index" json:"document_type,omitempty"`

	Status       DocumentStatus `gorm:"column:status;not null;default:'pending';index" json:"status"`
	SearchReady  bool           `gorm:"column:search_ready;not null;default:false;index" json:"search_ready"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Document) TableName() string { return "pipeline_document" }
