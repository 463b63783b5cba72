package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// PipelineErrorStatus tracks the lifecycle of one recorded failure event.
type PipelineErrorStatus string

const (
	PipelineErrorPending  PipelineErrorStatus = "pending"
	PipelineErrorRetrying PipelineErrorStatus = "retrying"
	PipelineErrorResolved PipelineErrorStatus = "resolved"
	PipelineErrorFailed   PipelineErrorStatus = "failed"
)

// PipelineError is one row per failure event observed by the Retry
// Orchestrator. retry_attempt is monotonically increasing within one
// correlation chain.
type PipelineError struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	DocumentID uuid.UUID `gorm:"type:uuid;not null;index" json:"document_id"`
	StageName  string    `gorm:"column:stage_name;not null;index" json:"stage_name"`

	ErrorType string `gorm:"column:error_type;not null" json:"error_type"`
	Category  string `gorm:"column:category;not null;index" json:"category"`
	Message   string `gorm:"column:message;type:text;not null" json:"message"`
	Stack     string `gorm:"column:stack;type:text" json:"stack,omitempty"`

	RetryAttempt int `gorm:"column:retry_attempt;not null;default:0" json:"retry_attempt"`
	MaxRetries   int `gorm:"column:max_retries;not null;default:0" json:"max_retries"`

	Status        PipelineErrorStatus `gorm:"column:status;not null;default:'pending';index" json:"status"`
	CorrelationID string              `gorm:"column:correlation_id;not null;index" json:"correlation_id"`
	NextRetryAt   *time.Time          `gorm:"column:next_retry_at;index" json:"next_retry_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (PipelineError) TableName() string { return "pipeline_error" }
