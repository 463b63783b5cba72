package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ArtifactKind is the closed set of artifact shapes the Storage Queue
// Processor knows how to drain.
type ArtifactKind string

const (
	ArtifactImage     ArtifactKind = "image"
	ArtifactChunk     ArtifactKind = "chunk"
	ArtifactEmbedding ArtifactKind = "embedding"
	ArtifactLink      ArtifactKind = "link"
	ArtifactVideo     ArtifactKind = "video"
)

// ArtifactQueueEntry is an ephemeral row produced by an upstream stage and
// consumed by the storage stage. Payload carries the canonical row draft;
// BlobRef optionally points at a temp object-store key for byte payloads
// too large to inline as JSON (e.g. raw page images).
type ArtifactQueueEntry struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	Kind           ArtifactKind `gorm:"column:kind;not null;index" json:"kind"`
	DocumentID     uuid.UUID    `gorm:"type:uuid;not null;index" json:"document_id"`
	ProducingStage string       `gorm:"column:producing_stage;not null;index" json:"producing_stage"`

	Payload datatypes.JSON `gorm:"column:payload;type:jsonb;not null;default:'{}'" json:"payload"`
	BlobRef string         `gorm:"column:blob_ref" json:"blob_ref,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (ArtifactQueueEntry) TableName() string { return "pipeline_artifact_queue" }
