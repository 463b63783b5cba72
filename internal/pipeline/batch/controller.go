// Package batch dispatches a set of documents to the scheduler under
// bounded concurrency and aggregates the resulting statistics.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/scheduler"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Scheduler is the subset of scheduler.Scheduler the controller calls.
type Scheduler interface {
	Run(ctx context.Context, documentID uuid.UUID, mode scheduler.Mode, stages []string) (scheduler.Result, error)
}

// Stats aggregates the outcome of one batch run across every document
// and every stage it touched.
type Stats struct {
	Total          int
	ByStatus       map[types.DocumentStatus]int
	DurationSecs   float64
	PerStageStats  map[string]StagePerf
	Errors         map[uuid.UUID]error
}

// StagePerf tracks, per stage, how many documents' results listed the
// stage and the running average of those documents' whole scheduler-run
// durations. The time spent in the individual stage is not measured.
type StagePerf struct {
	Count       int
	AvgDuration time.Duration
}

// Controller drives a fixed-size worker pool over an ordered set of
// documents, running the scheduler for each independently.
type Controller struct {
	sched   Scheduler
	log     *logger.Logger
	nowFunc func() time.Time
}

func New(sched Scheduler, baseLog *logger.Logger) *Controller {
	return &Controller{
		sched:   sched,
		log:     baseLog.With("component", "BatchController"),
		nowFunc: time.Now,
	}
}

// Run dispatches every document in documentIDs to the scheduler with at
// most concurrency workers active at once, in mode, using stages only
// when mode is scheduler.ModeRunSubset. It never returns an error
// itself — a single document's scheduler failure is recorded in
// Stats.Errors and does not stop the rest of the batch.
func (c *Controller) Run(ctx context.Context, documentIDs []uuid.UUID, mode scheduler.Mode, stages []string, concurrency int) Stats {
	if concurrency <= 0 {
		concurrency = 1
	}
	start := c.nowFunc()

	var mu sync.Mutex
	byStatus := make(map[types.DocumentStatus]int)
	stagePerf := make(map[string]StagePerf)
	errs := make(map[uuid.UUID]error)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range documentIDs {
		documentID := id
		g.Go(func() error {
			docStart := c.nowFunc()
			result, err := c.sched.Run(gctx, documentID, mode, stages)
			elapsed := c.nowFunc().Sub(docStart)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn("scheduler invocation failed for document", "error", err, "document_id", documentID)
				errs[documentID] = err
				byStatus[types.DocumentFailed]++
				return nil
			}
			byStatus[result.DocumentStatus]++
			for _, ps := range result.PerStage {
				perf := stagePerf[ps.StageName]
				total := time.Duration(perf.Count)*perf.AvgDuration + elapsed
				perf.Count++
				perf.AvgDuration = total / time.Duration(perf.Count)
				stagePerf[ps.StageName] = perf
			}
			return nil
		})
	}
	// errgroup.Go's tasks never return a non-nil error above, so Wait
	// only ever reports context cancellation; the goroutines' own
	// failures are already captured per-document in errs.
	_ = g.Wait()

	return Stats{
		Total:         len(documentIDs),
		ByStatus:      byStatus,
		DurationSecs:  c.nowFunc().Sub(start).Seconds(),
		PerStageStats: stagePerf,
		Errors:        errs,
	}
}
