package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// RetryPolicyRow is a persisted retry policy, scoped to a service and
// optionally further narrowed to one stage. Lookup resolution order is
// owned by the retrypolicy package, not by this model.
type RetryPolicyRow struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	ServiceName string  `gorm:"column:service_name;not null;index:idx_retry_policy_service_stage,unique,priority:1" json:"service_name"`
	StageName   *string `gorm:"column:stage_name;index:idx_retry_policy_service_stage,unique,priority:2" json:"stage_name,omitempty"`

	MaxRetries      int     `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	BaseDelaySecs   float64 `gorm:"column:base_delay_seconds;not null;default:1" json:"base_delay_seconds"`
	MaxDelaySecs    float64 `gorm:"column:max_delay_seconds;not null;default:60" json:"max_delay_seconds"`
	ExponentialBase float64 `gorm:"column:exponential_base;not null;default:2" json:"exponential_base"`
	JitterEnabled   bool    `gorm:"column:jitter_enabled;not null;default:true" json:"jitter_enabled"`

	// Optional circuit-breaker parameters. The Retry Orchestrator does
	// not require these to be set to function.
	CircuitFailureThreshold   int `gorm:"column:circuit_failure_threshold;default:0" json:"circuit_failure_threshold,omitempty"`
	CircuitResetTimeoutSecs   int `gorm:"column:circuit_reset_timeout_seconds;default:0" json:"circuit_reset_timeout_seconds,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (RetryPolicyRow) TableName() string { return "pipeline_retry_policy" }
