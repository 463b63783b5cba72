package retryorch

import (
	"context"
	"fmt"
	"strings"
	"time"

	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// SweeperRepo is the persistence boundary Sweeper needs to claim due
// background retries. The same pipeline_error repo passed to New as
// ErrorRepo satisfies it.
type SweeperRepo interface {
	ClaimNextDue(dbc dbctx.Context) (*types.PipelineError, error)
}

// Sweeper is the default, non-Temporal continuation for BackgroundRetry:
// it polls for pipeline_error rows whose next_retry_at has elapsed and
// resumes their chain through the Orchestrator. Execute/handleFailure
// only ever durably record that a retry is owed (next_retry_at); nothing
// else in this package re-enters the chain on its own.
type Sweeper struct {
	repo     SweeperRepo
	registry *stage.Registry
	orch     *Orchestrator
	log      *logger.Logger
	interval time.Duration
}

func NewSweeper(repo SweeperRepo, registry *stage.Registry, orch *Orchestrator, baseLog *logger.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{
		repo:     repo,
		registry: registry,
		orch:     orch,
		log:      baseLog.With("component", "RetrySweeper"),
		interval: interval,
	}
}

// Run polls on Sweeper's interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain claims and resumes every due retry in one pass rather than one
// per tick, so a backlog built up while the sweeper was down (or busy)
// doesn't linger an extra full interval per row.
func (s *Sweeper) drain(ctx context.Context) {
	for {
		row, err := s.repo.ClaimNextDue(dbctx.Context{Ctx: ctx})
		if err != nil {
			s.log.Warn("claim next due retry failed", "error", err)
			return
		}
		if row == nil {
			return
		}
		s.resume(ctx, row)
	}
}

func (s *Sweeper) resume(ctx context.Context, row *types.PipelineError) {
	descriptor, ok := s.registry.Get(row.StageName)
	if !ok {
		s.log.Warn("claimed a due retry for an unknown stage, dropping", "stage", row.StageName, "document_id", row.DocumentID)
		return
	}
	attempt := row.RetryAttempt + 1
	// The row's correlation id is "<request>.stage_<name>.retry_<n>";
	// resume the chain under the original request id.
	requestID := strings.TrimSuffix(row.CorrelationID, fmt.Sprintf(".stage_%s.retry_%d", row.StageName, row.RetryAttempt))
	result := s.orch.ResumeAttempt(ctx, row.DocumentID, descriptor, requestID, attempt)
	s.log.Info("resumed background retry", "document_id", row.DocumentID, "stage", row.StageName, "attempt", attempt, "result", result.Kind)
}
