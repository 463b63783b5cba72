// Package retryorch wraps a single stage execution with idempotency
// checks, advisory-lock acquisition, classification, synchronous and
// background retry, and correlation-id threading.
package retryorch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/classifier"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/errorlog"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/idempotency"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/lock"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/retrypolicy"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/tracker"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// ResultKind is the terminal shape the scheduler interprets.
type ResultKind string

const (
	ResultSuccess           ResultKind = "success"
	ResultSkipped           ResultKind = "skipped"
	ResultRetrying          ResultKind = "retrying"
	ResultPermanentFailure  ResultKind = "permanent_failure"
)

// Result is returned to the scheduler. It never carries a panic or an
// unclassified error — every exit path has already been normalized.
type Result struct {
	Kind     ResultKind
	Metadata map[string]any
	Err      error
}

// ErrorRepo is the subset of the pipeline_error persistence boundary
// the orchestrator needs directly, beyond what errorlog.Logger writes:
// scheduling a background retry requires updating next_retry_at on the
// row errorlog just created.
type ErrorRepo interface {
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

// ProgressSink adapts tracker.Tracker into stage.ProgressSink for one
// (document, stage) pair.
type trackerProgressSink struct {
	tr         *tracker.Tracker
	documentID uuid.UUID
	stageName  string
}

func (s *trackerProgressSink) Report(ctx context.Context, progress float64) {
	_ = s.tr.UpdateProgress(ctx, s.documentID, s.stageName, progress)
}

// Orchestrator is the retry-critical-section coordinator for one
// stage execution. One Orchestrator instance is shared across all
// documents and stages; it holds no per-call mutable state.
type Orchestrator struct {
	policies   *retrypolicy.Registry
	idempotent *idempotency.Store
	locks      lock.Manager
	errLog     *errorlog.Logger
	errRepo    ErrorRepo
	tr         *tracker.Tracker
	log        *logger.Logger

	// now is overridable for deterministic tests.
	now func() time.Time
	// sleep is overridable so tests don't block on real sync retry delays.
	sleep func(context.Context, time.Duration)
	// rand01 returns a uniform float in [0,1) and is overridable for
	// deterministic jitter assertions.
	rand01 func() float64
}

func New(
	policies *retrypolicy.Registry,
	idempotent *idempotency.Store,
	locks lock.Manager,
	errLog *errorlog.Logger,
	errRepo ErrorRepo,
	tr *tracker.Tracker,
	baseLog *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		policies:   policies,
		idempotent: idempotent,
		locks:      locks,
		errLog:     errLog,
		errRepo:    errRepo,
		tr:         tr,
		log:        baseLog.With("component", "RetryOrchestrator"),
		now:        time.Now,
		sleep: func(ctx context.Context, d time.Duration) {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
		},
		rand01: rand.Float64,
	}
}

// BackgroundRetry is a durable record of a retry owed to one stage
// attempt chain, persisted via the pipeline_error row's next_retry_at.
// Sweeper polls for rows whose next_retry_at has elapsed and calls
// ResumeAttempt with the next attempt number — the spawner here never
// awaits it directly. Temporal's workflow is the alternative path that
// drives the same resumption durably instead of by DB poll.
type BackgroundRetry struct {
	DocumentID    uuid.UUID
	Descriptor    *stage.Descriptor
	RequestID     string
	NextAttempt   int
	CorrelationID string
	RunAt         time.Time
}

// Execute runs one stage for one document end to end: idempotency
// short-circuit, lock acquisition, handler invocation, classification,
// and the synchronous/background retry decision tree. It returns once
// the document either reached a terminal result for this stage or a
// background retry has been durably scheduled.
func (o *Orchestrator) Execute(ctx context.Context, documentID uuid.UUID, descriptor *stage.Descriptor, requestID string) Result {
	policy, err := o.policies.GetPolicy(ctx, descriptor.ServiceName, descriptor.Name)
	if err != nil {
		return Result{Kind: ResultPermanentFailure, Err: fmt.Errorf("load retry policy: %w", err)}
	}
	return o.executeAttempt(ctx, documentID, descriptor, requestID, policy, 0)
}

// ResumeAttempt re-enters the retry loop at a specific attempt number,
// used by the background sweeper to continue a chain whose delay has
// elapsed. It does not re-run earlier attempts.
func (o *Orchestrator) ResumeAttempt(ctx context.Context, documentID uuid.UUID, descriptor *stage.Descriptor, requestID string, attempt int) Result {
	policy, err := o.policies.GetPolicy(ctx, descriptor.ServiceName, descriptor.Name)
	if err != nil {
		return Result{Kind: ResultPermanentFailure, Err: fmt.Errorf("load retry policy: %w", err)}
	}
	return o.executeAttempt(ctx, documentID, descriptor, requestID, policy, attempt)
}

func (o *Orchestrator) executeAttempt(ctx context.Context, documentID uuid.UUID, descriptor *stage.Descriptor, requestID string, policy retrypolicy.Policy, attempt int) Result {
	for ; attempt <= policy.MaxRetries; attempt++ {
		correlationID := fmt.Sprintf("%s.stage_%s.retry_%d", requestID, descriptor.Name, attempt)

		currentHash, hashErr := descriptor.Handler.InputHash(ctx, documentID)
		if hashErr != nil {
			return Result{Kind: ResultPermanentFailure, Err: fmt.Errorf("compute input hash: %w", hashErr)}
		}

		upToDate, marker, idemErr := o.idempotent.IsUpToDate(ctx, documentID, descriptor.Name, currentHash)
		if idemErr != nil {
			return Result{Kind: ResultPermanentFailure, Err: fmt.Errorf("check idempotency marker: %w", idemErr)}
		}
		if upToDate {
			return Result{Kind: ResultSuccess, Metadata: map[string]any{"reused": true}}
		}

		token, acquired, lockErr := o.locks.TryAcquire(ctx, documentID, descriptor.Name)
		if lockErr != nil {
			return Result{Kind: ResultPermanentFailure, Err: fmt.Errorf("acquire advisory lock: %w", lockErr)}
		}
		if !acquired {
			o.log.Debug("advisory lock held by another worker, yielding", "document_id", documentID, "stage", descriptor.Name)
			return Result{Kind: ResultRetrying}
		}

		// A marker with a different hash means the stage's inputs changed:
		// drop the stale marker and the outputs it vouched for before re-running.
		if marker != nil {
			cleanupErr := o.idempotent.ClearMarker(ctx, documentID, descriptor.Name)
			if cleanupErr == nil {
				cleanupErr = descriptor.Handler.CleanupOutputs(ctx, documentID)
			}
			if cleanupErr != nil {
				_ = o.locks.Release(ctx, token)
				return Result{Kind: ResultPermanentFailure, Err: fmt.Errorf("clear stale stage outputs: %w", cleanupErr)}
			}
		}

		result, done := o.runOnce(ctx, documentID, descriptor, requestID, correlationID, currentHash, policy, attempt)
		releaseErr := o.locks.Release(ctx, token)
		if releaseErr != nil {
			o.log.Warn("failed to release advisory lock", "error", releaseErr, "document_id", documentID, "stage", descriptor.Name)
		}
		if done {
			return result
		}
		// result.Kind == ResultRetrying with the synchronous-retry path:
		// loop continues to attempt+1.
	}
	return Result{Kind: ResultPermanentFailure, Err: fmt.Errorf("retry budget exhausted for stage %q", descriptor.Name)}
}

// runOnce executes the handler exactly once under the held lock and
// decides the synchronous-retry-vs-background-retry-vs-terminal
// outcome. done=false means the caller's loop should immediately retry
// attempt+1 without returning to the scheduler (the attempt==0 fast
// synchronous-recovery path); any other outcome has done=true.
func (o *Orchestrator) runOnce(ctx context.Context, documentID uuid.UUID, descriptor *stage.Descriptor, requestID, correlationID, currentHash string, policy retrypolicy.Policy, attempt int) (Result, bool) {
	if err := o.tr.Start(ctx, documentID, descriptor.Name); err != nil {
		o.log.Warn("failed to record stage start", "error", err, "document_id", documentID, "stage", descriptor.Name)
	}
	_ = o.tr.IncrementAttempt(ctx, documentID, descriptor.Name)

	input, prepErr := descriptor.Handler.Prepare(ctx, documentID)
	if prepErr != nil {
		return o.handleFailure(ctx, documentID, descriptor, requestID, correlationID, policy, attempt, prepErr)
	}

	sink := &trackerProgressSink{tr: o.tr, documentID: documentID, stageName: descriptor.Name}
	outcome := descriptor.Handler.Execute(ctx, input, sink)

	switch outcome.Kind {
	case stage.OutcomeSuccess:
		if err := o.idempotent.SetMarker(ctx, documentID, descriptor.Name, currentHash, nil); err != nil {
			return Result{Kind: ResultPermanentFailure, Err: fmt.Errorf("persist completion marker: %w", err)}, true
		}
		if err := o.tr.Complete(ctx, documentID, descriptor.Name, nil); err != nil {
			o.log.Warn("failed to persist stage completion", "error", err, "document_id", documentID, "stage", descriptor.Name)
		}
		return Result{Kind: ResultSuccess, Metadata: outcome.Metadata}, true
	case stage.OutcomeSkipped:
		if err := o.tr.Skip(ctx, documentID, descriptor.Name, outcome.Reason); err != nil {
			o.log.Warn("failed to persist stage skip", "error", err, "document_id", documentID, "stage", descriptor.Name)
		}
		return Result{Kind: ResultSkipped}, true
	case stage.OutcomeTransientFailure, stage.OutcomePermanentFailure:
		return o.handleFailure(ctx, documentID, descriptor, requestID, correlationID, policy, attempt, outcome.Err)
	default:
		return Result{Kind: ResultPermanentFailure, Err: fmt.Errorf("handler returned unrecognized outcome kind %q", outcome.Kind)}, true
	}
}

func (o *Orchestrator) handleFailure(ctx context.Context, documentID uuid.UUID, descriptor *stage.Descriptor, requestID, correlationID string, policy retrypolicy.Policy, attempt int, handlerErr error) (Result, bool) {
	if handlerErr == nil {
		handlerErr = errors.New("stage failed with no error detail")
	}
	classification := classifier.Classify(handlerErr)

	errorID := o.errLog.Log(ctx, errorlog.Entry{
		DocumentID:     documentID,
		StageName:      descriptor.Name,
		Classification: classification,
		Message:        handlerErr.Error(),
		RetryAttempt:   attempt,
		MaxRetries:     policy.MaxRetries,
		CorrelationID:  correlationID,
	})

	permanent := !classification.IsTransient
	exhausted := attempt >= policy.MaxRetries

	if permanent || exhausted {
		if err := o.tr.Fail(ctx, documentID, descriptor.Name, handlerErr.Error()); err != nil {
			o.log.Warn("failed to persist stage failure", "error", err, "document_id", documentID, "stage", descriptor.Name)
		}
		if o.errRepo != nil {
			status := types.PipelineErrorFailed
			_ = o.errRepo.UpdateFields(dbctx.Context{Ctx: ctx}, errorID, map[string]interface{}{"status": status})
		}
		return Result{Kind: ResultPermanentFailure, Err: handlerErr}, true
	}

	if attempt == 0 {
		o.sleep(ctx, policy.BaseDelay)
		return Result{}, false
	}

	delay := o.computeBackoff(policy, attempt)
	runAt := o.now().Add(delay)
	if o.errRepo != nil {
		_ = o.errRepo.UpdateFields(dbctx.Context{Ctx: ctx}, errorID, map[string]interface{}{
			"next_retry_at": runAt,
		})
	}
	o.log.Info("scheduling background retry", "document_id", documentID, "stage", descriptor.Name, "attempt", attempt+1, "run_at", runAt)
	return Result{Kind: ResultRetrying}, true
}

// computeBackoff returns min(base * exponential_base^attempt, max),
// multiplied by a uniform jitter factor in [0.5, 1.5] when enabled and
// then capped at max again.
func (o *Orchestrator) computeBackoff(policy retrypolicy.Policy, attempt int) time.Duration {
	base := float64(policy.BaseDelay)
	exp := policy.ExponentialBase
	if exp <= 0 {
		exp = 2.0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= exp
	}
	if maxDelay := float64(policy.MaxDelay); maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	if policy.JitterEnabled {
		factor := 0.5 + o.rand01()
		delay *= factor
		if maxDelay := float64(policy.MaxDelay); maxDelay > 0 && delay > maxDelay {
			delay = maxDelay
		}
	}
	return time.Duration(delay)
}
