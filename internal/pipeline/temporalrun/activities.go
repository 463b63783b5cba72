package temporalrun

import (
	"context"
	"fmt"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/retryorch"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
)

// Activities bundles the dependencies a worker registers ActivityTick
// against: the stage registry (to resolve a descriptor by name) and the
// orchestrator (to actually run the attempt).
type Activities struct {
	Registry     *stage.Registry
	Orchestrator *retryorch.Orchestrator
}

func New(registry *stage.Registry, orchestrator *retryorch.Orchestrator) *Activities {
	return &Activities{Registry: registry, Orchestrator: orchestrator}
}

// Tick runs exactly one attempt of the named stage's retry chain and
// translates the orchestrator's Result into the workflow-facing
// TickResult shape; it never returns an error for a normal failed
// attempt, only for a configuration problem (unknown stage name).
func (a *Activities) Tick(ctx context.Context, in RetryWorkflowInput) (TickResult, error) {
	descriptor, ok := a.Registry.Get(in.StageName)
	if !ok {
		return TickResult{}, fmt.Errorf("temporalrun: unknown stage %q", in.StageName)
	}

	result := a.Orchestrator.ResumeAttempt(ctx, in.DocumentID, descriptor, in.RequestID, in.Attempt)

	switch result.Kind {
	case retryorch.ResultSuccess:
		return TickResult{Status: "success", Attempt: in.Attempt}, nil
	case retryorch.ResultSkipped:
		return TickResult{Status: "skipped", Attempt: in.Attempt}, nil
	case retryorch.ResultRetrying:
		return TickResult{Status: "retrying", Attempt: in.Attempt + 1}, nil
	case retryorch.ResultPermanentFailure:
		errText := ""
		if result.Err != nil {
			errText = result.Err.Error()
		}
		return TickResult{Status: "permanent_failure", Attempt: in.Attempt, ErrorText: errText}, nil
	default:
		return TickResult{}, fmt.Errorf("temporalrun: unrecognized orchestrator result kind %q", result.Kind)
	}
}
