package temporalrun

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"
)

const (
	defaultRetryPollInterval = 5 * time.Second
	continueTickLimit        = 2000
	continueHistoryLimit     = 15000
)

// Workflow drives one (document, stage) retry chain to a terminal
// outcome: it ticks ActivityTick, and for a "retrying" result it sleeps
// until the tick's RunAt, or defaultRetryPollInterval when RunAt is unset
// (or a cancel signal arrives), before ticking again at the next attempt.
// Activities.Tick does not set RunAt, so the wait between ticks is
// defaultRetryPollInterval, not the orchestrator's backoff. History growth is
// bounded with ContinueAsNew rather than letting an unlucky stage retry
// forever in one run.
func Workflow(ctx workflow.Context, in RetryWorkflowInput) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Hour,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy:         nil, // stage-level retry is handled by the Retry Orchestrator, not Temporal
	})

	cancelCh := workflow.GetSignalChannel(ctx, SignalCancel)
	tickCount := 0

	for {
		tickCount++
		var out TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, in).Get(ctx, &out); err != nil {
			return err
		}

		switch out.Status {
		case "success", "skipped":
			return nil
		case "permanent_failure":
			return fmt.Errorf("pipeline stage %q permanently failed (document=%s): %s", in.StageName, in.DocumentID, out.ErrorText)
		case "retrying":
			if canceled := waitForCancelOrBackoff(ctx, cancelCh, out.RunAt); canceled {
				return nil
			}
			in.Attempt = out.Attempt
			if shouldContinueAsNew(ctx, tickCount) {
				return workflow.NewContinueAsNewError(ctx, Workflow, in)
			}
		default:
			return fmt.Errorf("temporalrun: unrecognized tick status %q", out.Status)
		}
	}
}

// waitForCancelOrBackoff blocks until runAt (or a default poll interval,
// if the orchestrator didn't report one) elapses, or SignalCancel
// arrives first. It reports whether the wait ended via cancellation.
func waitForCancelOrBackoff(ctx workflow.Context, cancelCh workflow.ReceiveChannel, runAt *time.Time) bool {
	timer := workflow.NewTimer(ctx, backoffWait(ctx, runAt))
	sel := workflow.NewSelector(ctx)
	canceled := false
	sel.AddReceive(cancelCh, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
		canceled = true
	})
	sel.AddFuture(timer, func(f workflow.Future) {})
	sel.Select(ctx)
	return canceled
}

func backoffWait(ctx workflow.Context, runAt *time.Time) time.Duration {
	if runAt == nil || runAt.IsZero() {
		return defaultRetryPollInterval
	}
	now := workflow.Now(ctx)
	d := runAt.Sub(now)
	if d <= 0 {
		return defaultRetryPollInterval
	}
	return d
}

func shouldContinueAsNew(ctx workflow.Context, ticks int) bool {
	if ticks >= continueTickLimit {
		return true
	}
	info := workflow.GetInfo(ctx)
	return info != nil && info.GetCurrentHistoryLength() >= continueHistoryLimit
}
