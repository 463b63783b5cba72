// Package tracker maintains the per-(document, stage) StageStatus
// record: status, progress, timestamps, and the last error message.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Repo is the persistence boundary for stage_status rows.
type Repo interface {
	GetOrCreate(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.StageStatusRow, error)
	GetByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.StageStatusRow, error)
	UpdateFields(dbc dbctx.Context, documentID uuid.UUID, stageName string, updates map[string]interface{}) error
}

// Tracker persists stage lifecycle transitions. Progress updates are
// not required to hit the store on every call; this implementation
// writes on every call (the simplest cadence that still satisfies the
// "final update on terminal transitions" guarantee), but callers doing
// high-frequency reporting should throttle at the call site.
type Tracker struct {
	repo Repo
	log  *logger.Logger

	mu               sync.Mutex
	warnedFractional map[string]struct{}
}

func New(repo Repo, baseLog *logger.Logger) *Tracker {
	return &Tracker{
		repo:             repo,
		log:              baseLog.With("component", "StageTracker"),
		warnedFractional: make(map[string]struct{}),
	}
}

func (t *Tracker) Start(ctx context.Context, documentID uuid.UUID, stageName string) error {
	if _, err := t.repo.GetOrCreate(dbctx.Context{Ctx: ctx}, documentID, stageName); err != nil {
		return err
	}
	now := time.Now().UTC()
	return t.repo.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, stageName, map[string]interface{}{
		"status":     types.StageExecRunning,
		"started_at": now,
	})
}

// UpdateProgress accepts p on either the 0–100 or 0–1 scale. A value in
// (0, 1] is ambiguous with a small 0–100 value, so the auto-scale rule
// only applies when p is a float in (0, 1) exclusive of the integers 0
// and 1; canonical scale is 0–100 and a warning is emitted exactly once
// per (document, stage) pair the first time a fractional value is seen.
func (t *Tracker) UpdateProgress(ctx context.Context, documentID uuid.UUID, stageName string, p float64) error {
	progress := p
	if p > 0 && p < 1 {
		progress = p * 100
		t.warnFractionalOnce(documentID, stageName, p)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return t.repo.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, stageName, map[string]interface{}{
		"progress": int(progress),
	})
}

func (t *Tracker) warnFractionalOnce(documentID uuid.UUID, stageName string, raw float64) {
	key := documentID.String() + ":" + stageName
	t.mu.Lock()
	_, warned := t.warnedFractional[key]
	if !warned {
		t.warnedFractional[key] = struct{}{}
	}
	t.mu.Unlock()
	if !warned {
		t.log.Warn("progress reported on 0-1 scale, auto-scaling to 0-100", "document_id", documentID, "stage", stageName, "raw_value", raw)
	}
}

func (t *Tracker) Complete(ctx context.Context, documentID uuid.UUID, stageName string, metadata []byte) error {
	now := time.Now().UTC()
	return t.repo.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, stageName, map[string]interface{}{
		"status":       types.StageExecCompleted,
		"progress":     100,
		"completed_at": now,
		"metadata":     metadata,
		"last_error":   "",
	})
}

func (t *Tracker) Fail(ctx context.Context, documentID uuid.UUID, stageName string, errorMessage string) error {
	now := time.Now().UTC()
	return t.repo.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, stageName, map[string]interface{}{
		"status":       types.StageExecFailed,
		"completed_at": now,
		"last_error":   errorMessage,
	})
}

func (t *Tracker) Skip(ctx context.Context, documentID uuid.UUID, stageName string, reason string) error {
	now := time.Now().UTC()
	return t.repo.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, stageName, map[string]interface{}{
		"status":       types.StageExecSkipped,
		"completed_at": now,
		"last_error":   reason,
	})
}

// ListStatus returns every StageStatus row recorded for a document, in
// the order the scheduler first touched each stage. The scheduler reads
// it once per run, in every mode, to look up optional prerequisites'
// statuses.
func (t *Tracker) ListStatus(ctx context.Context, documentID uuid.UUID) ([]*types.StageStatusRow, error) {
	return t.repo.GetByDocument(dbctx.Context{Ctx: ctx}, documentID)
}

// IncrementAttempt bumps the attempt counter, called once per handler
// invocation (not per retry classification decision).
func (t *Tracker) IncrementAttempt(ctx context.Context, documentID uuid.UUID, stageName string) error {
	return t.repo.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, stageName, map[string]interface{}{
		"attempts": gorm.Expr("attempts + 1"),
	})
}
