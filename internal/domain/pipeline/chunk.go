package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Chunk is a canonical semantic chunk produced by the chunking stage and
// persisted by the storage stage. Embedding is populated by the
// embedding stage once vectors are computed.
type Chunk struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_pipeline_chunk_doc_index,unique,priority:1" json:"document_id"`

	Index     int            `gorm:"column:index;not null;index:idx_pipeline_chunk_doc_index,unique,priority:2" json:"index"`
	Text      string         `gorm:"column:text;type:text;not null" json:"text"`
	Embedding datatypes.JSON `gorm:"column:embedding;type:jsonb" json:"embedding,omitempty"`

	Page     *int           `gorm:"column:page;index" json:"page,omitempty"`
	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Chunk) TableName() string { return "pipeline_chunk" }
