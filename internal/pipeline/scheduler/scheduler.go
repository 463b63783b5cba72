// Package scheduler drives one document through the stage DAG: mode
// selection (run all, run a named subset, or smart-resume), per-stage
// prerequisite verification, delegation to the retry orchestrator, and
// interpretation of its outcome into the document's lifecycle status.
package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/idempotency"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/retryorch"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/tracker"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Mode selects how the scheduler chooses which stages of the registry
// to run for one document invocation.
type Mode string

const (
	ModeRunAll    Mode = "run_all"
	ModeRunSubset Mode = "run_subset"
	ModeSmart     Mode = "smart"
)

// StageOutcome is the closed set of per-stage results a scheduler
// invocation reports back to its caller.
type StageOutcome string

const (
	StageOutcomeSuccess              StageOutcome = "success"
	StageOutcomeSkipped              StageOutcome = "skipped"
	StageOutcomeReused               StageOutcome = "reused"
	StageOutcomeRetrying             StageOutcome = "retrying"
	StageOutcomePermanentOptional    StageOutcome = "permanent_failure_optional"
	StageOutcomePermanentRequired    StageOutcome = "permanent_failure_required"
	StageOutcomePrerequisiteMissing  StageOutcome = "prerequisite_missing"
)

// PerStageResult records what happened when the scheduler considered
// one stage for one document.
type PerStageResult struct {
	StageName string
	Outcome   StageOutcome
	Err       error
}

// Result is returned from one Run invocation.
type Result struct {
	DocumentStatus types.DocumentStatus
	PerStage       []PerStageResult
	RequestID      string
}

// DocumentRepo is the persistence boundary the scheduler needs for
// document lifecycle transitions.
type DocumentRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Document, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

// Orchestrator is the subset of retryorch.Orchestrator the scheduler
// calls; declared as an interface so tests can substitute a fake.
type Orchestrator interface {
	Execute(ctx context.Context, documentID uuid.UUID, descriptor *stage.Descriptor, requestID string) retryorch.Result
}

// Scheduler is single-threaded per document: Run must not be called
// concurrently for the same documentID. The Batch Controller is
// responsible for running independent documents in parallel.
type Scheduler struct {
	registry     *stage.Registry
	orchestrator Orchestrator
	idempotent   *idempotency.Store
	tr           *tracker.Tracker
	docs         DocumentRepo
	log          *logger.Logger
}

func New(registry *stage.Registry, orchestrator Orchestrator, idempotent *idempotency.Store, tr *tracker.Tracker, docs DocumentRepo, baseLog *logger.Logger) *Scheduler {
	return &Scheduler{
		registry:     registry,
		orchestrator: orchestrator,
		idempotent:   idempotent,
		tr:           tr,
		docs:         docs,
		log:          baseLog.With("component", "Scheduler"),
	}
}

// Run selects the stage set named by mode, then advances documentID
// through it, stopping at the first stage that yields a retrying or a
// required-stage permanent-failure result. stages is only consulted
// when mode is ModeRunSubset.
func (s *Scheduler) Run(ctx context.Context, documentID uuid.UUID, mode Mode, stages []string) (Result, error) {
	requestID := uuid.New().String()

	selected, warnings, err := s.selectStages(ctx, documentID, mode, stages)
	if err != nil {
		return Result{RequestID: requestID}, err
	}
	for _, w := range warnings {
		s.log.Warn("stage excluded from run_subset selection", "document_id", documentID, "reason", w)
	}

	if err := s.docs.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, map[string]interface{}{
		"status": types.DocumentRunning,
	}); err != nil {
		return Result{RequestID: requestID}, fmt.Errorf("transition document to running: %w", err)
	}

	statusByStage, err := s.statusIndex(ctx, documentID)
	if err != nil {
		return Result{RequestID: requestID}, fmt.Errorf("load stage status index: %w", err)
	}

	var perStage []PerStageResult
	reachedSearchIndexing := false

	for _, desc := range selected {
		ok, missingReason, err := s.prerequisitesSatisfied(ctx, documentID, desc, statusByStage)
		if err != nil {
			return Result{RequestID: requestID, PerStage: perStage}, fmt.Errorf("check prerequisites for stage %q: %w", desc.Name, err)
		}
		if !ok {
			perStage = append(perStage, PerStageResult{StageName: desc.Name, Outcome: StageOutcomePrerequisiteMissing})
			if mode == ModeRunSubset {
				s.log.Warn("skipping stage with incomplete prerequisites in run_subset", "document_id", documentID, "stage", desc.Name, "reason", missingReason)
				continue
			}
			return Result{RequestID: requestID, PerStage: perStage}, fmt.Errorf("stage %q missing prerequisite: %s", desc.Name, missingReason)
		}

		result := s.orchestrator.Execute(ctx, documentID, desc, requestID)
		statusByStage[desc.Name] = inferredTerminalStatus(result)

		switch result.Kind {
		case retryorch.ResultSuccess:
			outcome := StageOutcomeSuccess
			if reused, _ := result.Metadata["reused"].(bool); reused {
				outcome = StageOutcomeReused
			}
			perStage = append(perStage, PerStageResult{StageName: desc.Name, Outcome: outcome})
			if desc.Name == stage.SearchIndexing {
				reachedSearchIndexing = true
			}
		case retryorch.ResultSkipped:
			perStage = append(perStage, PerStageResult{StageName: desc.Name, Outcome: StageOutcomeSkipped})

		case retryorch.ResultRetrying:
			perStage = append(perStage, PerStageResult{StageName: desc.Name, Outcome: StageOutcomeRetrying})
			return Result{DocumentStatus: types.DocumentRunning, PerStage: perStage, RequestID: requestID}, nil

		case retryorch.ResultPermanentFailure:
			if desc.Optional {
				perStage = append(perStage, PerStageResult{StageName: desc.Name, Outcome: StageOutcomePermanentOptional, Err: result.Err})
				continue
			}
			perStage = append(perStage, PerStageResult{StageName: desc.Name, Outcome: StageOutcomePermanentRequired, Err: result.Err})
			if err := s.docs.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, map[string]interface{}{
				"status": types.DocumentFailed,
			}); err != nil {
				s.log.Warn("failed to persist document failure", "error", err, "document_id", documentID)
			}
			return Result{DocumentStatus: types.DocumentFailed, PerStage: perStage, RequestID: requestID}, nil

		default:
			return Result{RequestID: requestID, PerStage: perStage}, fmt.Errorf("orchestrator returned unrecognized result kind %q for stage %q", result.Kind, desc.Name)
		}
	}

	updates := map[string]interface{}{"status": types.DocumentCompleted}
	if reachedSearchIndexing {
		updates["search_ready"] = true
	}
	if err := s.docs.UpdateFields(dbctx.Context{Ctx: ctx}, documentID, updates); err != nil {
		return Result{RequestID: requestID, PerStage: perStage}, fmt.Errorf("transition document to completed: %w", err)
	}

	return Result{DocumentStatus: types.DocumentCompleted, PerStage: perStage, RequestID: requestID}, nil
}

func inferredTerminalStatus(result retryorch.Result) types.StageExecStatus {
	switch result.Kind {
	case retryorch.ResultSuccess:
		return types.StageExecCompleted
	case retryorch.ResultSkipped:
		return types.StageExecSkipped
	case retryorch.ResultPermanentFailure:
		return types.StageExecFailed
	default:
		return types.StageExecRunning
	}
}

// selectStages resolves the ordered descriptor set for mode. For
// ModeSmart it additionally drops stages already up to date (completion
// marker present and its data_hash equal to the stage's current input
// hash), so the orchestrator is never invoked for work that would only
// reuse prior output.
func (s *Scheduler) selectStages(ctx context.Context, documentID uuid.UUID, mode Mode, names []string) ([]*stage.Descriptor, []string, error) {
	switch mode {
	case ModeRunAll:
		return s.registry.Ordered(), nil, nil

	case ModeRunSubset:
		descs, missing := s.registry.Subset(names)
		var warnings []string
		for _, m := range missing {
			warnings = append(warnings, fmt.Sprintf("unknown stage name %q", m))
		}
		return descs, warnings, nil

	case ModeSmart:
		all := s.registry.Ordered()
		out := make([]*stage.Descriptor, 0, len(all))
		for _, desc := range all {
			currentHash, err := desc.Handler.InputHash(ctx, documentID)
			if err != nil {
				return nil, nil, fmt.Errorf("compute input hash for stage %q: %w", desc.Name, err)
			}
			upToDate, _, err := s.idempotent.IsUpToDate(ctx, documentID, desc.Name, currentHash)
			if err != nil {
				return nil, nil, fmt.Errorf("check idempotency marker for stage %q: %w", desc.Name, err)
			}
			if upToDate {
				continue
			}
			out = append(out, desc)
		}
		return out, nil, nil

	default:
		return nil, nil, fmt.Errorf("unrecognized scheduler mode %q", mode)
	}
}

func (s *Scheduler) statusIndex(ctx context.Context, documentID uuid.UUID) (map[string]types.StageExecStatus, error) {
	rows, err := s.tr.ListStatus(ctx, documentID)
	if err != nil {
		return nil, err
	}
	index := make(map[string]types.StageExecStatus, len(rows))
	for _, row := range rows {
		index[row.StageName] = row.Status
	}
	return index, nil
}

// prerequisitesSatisfied checks the hard (completion-marker) prerequisite
// gate documented on stage.Descriptor. desc.OptionalPrereqs are consulted
// against statusByStage when present but never gate scheduling either
// way: an optional prerequisite that was never attempted (a fresh
// document, or an inter-run resume that skipped it) simply has nothing
// to consult, and that is not an error — it is ignored and the stage
// proceeds.
func (s *Scheduler) prerequisitesSatisfied(ctx context.Context, documentID uuid.UUID, desc *stage.Descriptor, statusByStage map[string]types.StageExecStatus) (bool, string, error) {
	for _, name := range desc.Prereqs {
		marker, err := s.idempotent.GetMarker(ctx, documentID, name)
		if err != nil {
			return false, "", err
		}
		if marker == nil {
			return false, fmt.Sprintf("required prerequisite %q has no completion marker", name), nil
		}
	}
	for _, name := range desc.OptionalPrereqs {
		if status, seen := statusByStage[name]; seen {
			s.log.Debug("optional prerequisite consulted", "document_id", documentID, "stage", desc.Name, "prerequisite", name, "status", status)
		}
	}
	return true, "", nil
}
