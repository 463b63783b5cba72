package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// CompletionMarker records that a stage succeeded at least once for a
// document, keyed by the content hash of the inputs it consumed. It is
// the core of the idempotency/replay-safety contract.
type CompletionMarker struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	DocumentID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_completion_marker_doc_stage,unique,priority:1" json:"document_id"`
	StageName  string    `gorm:"column:stage_name;not null;index:idx_completion_marker_doc_stage,unique,priority:2" json:"stage_name"`

	CompletedAt time.Time      `gorm:"column:completed_at;not null" json:"completed_at"`
	DataHash    string         `gorm:"column:data_hash;not null" json:"data_hash"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (CompletionMarker) TableName() string { return "pipeline_completion_marker" }
