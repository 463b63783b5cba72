package pipeline

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StageExecStatus is the lifecycle status of one (document, stage) pair.
// Absence of a row is treated as "not yet attempted" by the scheduler.
type StageExecStatus string

const (
	StageExecPending   StageExecStatus = "pending"
	StageExecRunning   StageExecStatus = "running"
	StageExecCompleted StageExecStatus = "completed"
	StageExecFailed    StageExecStatus = "failed"
	StageExecSkipped   StageExecStatus = "skipped"
)

// StageStatusRow is the per-(document, stage) state record the Stage
// Tracker owns. Progress is always stored on a 0-100 scale.
type StageStatusRow struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	DocumentID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_stage_status_doc_stage,unique,priority:1" json:"document_id"`
	StageName  string    `gorm:"column:stage_name;not null;index:idx_stage_status_doc_stage,unique,priority:2" json:"stage_name"`

	Status   StageExecStatus `gorm:"column:status;not null;default:'pending';index" json:"status"`
	Progress int             `gorm:"column:progress;not null;default:0" json:"progress"`

	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	LastError string         `gorm:"column:last_error" json:"last_error,omitempty"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	Attempts  int            `gorm:"column:attempts;not null;default:0" json:"attempts"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (StageStatusRow) TableName() string { return "pipeline_stage_status" }
