// Package stage declares the stage registry and the polymorphic
// handler contract every concrete extractor implements.
package stage

import (
	"context"

	"github.com/google/uuid"
)

// InputHandle is the opaque result of Handler.Prepare: whatever a
// handler needs from the store to execute, gathered without mutation.
// Concrete handlers type-assert it to their own input struct.
type InputHandle interface{}

// ProgressSink receives progress updates in [0, 100] (or the 0-1 scale,
// auto-scaled by the tracker that backs it) while a handler executes.
type ProgressSink interface {
	Report(ctx context.Context, progress float64)
}

// OutcomeKind is the closed set of ways a handler execution can end.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeSkipped          OutcomeKind = "skipped"
	OutcomeTransientFailure OutcomeKind = "transient_failure"
	OutcomePermanentFailure OutcomeKind = "permanent_failure"
)

// Outcome is the result of one Handler.Execute invocation. The
// orchestrator classifies Err itself when Kind is one of the failure
// kinds; a handler that already knows its failure is permanent (e.g. a
// validation failure) should still return the error so the classifier
// sees it, but callers may also trust Kind directly to skip reclassification.
type Outcome struct {
	Kind     OutcomeKind
	Metadata map[string]any
	Reason   string
	Err      error
}

func Success(metadata map[string]any) Outcome {
	return Outcome{Kind: OutcomeSuccess, Metadata: metadata}
}

func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

func TransientFailure(err error) Outcome {
	return Outcome{Kind: OutcomeTransientFailure, Err: err}
}

func PermanentFailure(err error) Outcome {
	return Outcome{Kind: OutcomePermanentFailure, Err: err}
}

// Handler implements the four operations of a stage's contract. The
// handler never manages retries or locks — that is the orchestrator's
// responsibility; Handler only ever reports what happened for a single
// execution attempt.
type Handler interface {
	Prepare(ctx context.Context, documentID uuid.UUID) (InputHandle, error)
	Execute(ctx context.Context, input InputHandle, progress ProgressSink) Outcome
	CleanupOutputs(ctx context.Context, documentID uuid.UUID) error
	InputHash(ctx context.Context, documentID uuid.UUID) (string, error)
}
