// Package temporalrun is the durable alternative to the database-poll
// sweeper for background stage retries: one long-lived workflow per
// (document, stage) retry chain, ticking an activity that re-invokes
// the Retry Orchestrator at the next scheduled attempt.
package temporalrun

import (
	"time"

	"github.com/google/uuid"
)

const (
	WorkflowName  = "pipeline_stage_retry"
	ActivityTick  = "pipeline_stage_retry_tick"
	SignalCancel  = "pipeline_stage_retry_cancel"
)

// RetryWorkflowInput starts or resumes a retry chain for one stage
// execution; Attempt is the attempt number the first tick should run.
type RetryWorkflowInput struct {
	DocumentID uuid.UUID `json:"document_id"`
	StageName  string    `json:"stage_name"`
	RequestID  string    `json:"request_id"`
	Attempt    int       `json:"attempt"`
}

// TickResult is what one activity invocation reports back to the
// workflow loop.
type TickResult struct {
	Status    string     `json:"status"` // success | skipped | retrying | permanent_failure
	Attempt   int        `json:"attempt"`
	RunAt     *time.Time `json:"run_at,omitempty"`
	ErrorText string     `json:"error_text,omitempty"`
}
