package storagequeue

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
)

// drainedKinds are the artifact kinds the storage stage itself is
// responsible for. Embedding entries are excluded: they are only ever
// enqueued by the embedding stage, which runs after storage and drains
// its own kind directly through the same Processor.
var drainedKinds = []types.ArtifactKind{
	types.ArtifactChunk,
	types.ArtifactImage,
	types.ArtifactLink,
	types.ArtifactVideo,
}

const defaultDrainBatchSize = 200

// Handler adapts Processor to stage.Handler for the storage stage.
// ClaimBatch is queue-wide rather than per-document — there is no
// "this document's queue" to select from a SKIP LOCKED claim — so one
// invocation opportunistically drains whatever is currently queued for
// any document rather than only the document the scheduler invoked it
// for. Running it again for the same document is always safe: a
// drained entry is deleted, and anything left behind (or enqueued
// later) is picked up by the next invocation, for this document or
// another one.
type Handler struct {
	processor *Processor
	batchSize int
}

func NewHandler(processor *Processor, batchSize int) *Handler {
	if batchSize <= 0 {
		batchSize = defaultDrainBatchSize
	}
	return &Handler{processor: processor, batchSize: batchSize}
}

func (h *Handler) Prepare(_ context.Context, _ uuid.UUID) (stage.InputHandle, error) {
	return nil, nil
}

// Execute drains every non-embedding kind until each reports no more
// claimed entries, reporting progress per kind completed. A kind that
// fails outright is treated as a transient failure: the queue state
// that caused it (a bad connection, a locked row) is exactly the kind
// of thing a retry resolves.
func (h *Handler) Execute(ctx context.Context, _ stage.InputHandle, progress stage.ProgressSink) stage.Outcome {
	totals := Result{}
	for i, kind := range drainedKinds {
		for {
			res, err := h.processor.DrainKind(ctx, kind, h.batchSize)
			if err != nil {
				return stage.TransientFailure(fmt.Errorf("drain artifact kind %q: %w", kind, err))
			}
			totals.Claimed += res.Claimed
			totals.Persisted += res.Persisted
			totals.Failed += res.Failed
			if res.Claimed < h.batchSize {
				break
			}
		}
		if progress != nil {
			progress.Report(ctx, float64(i+1)/float64(len(drainedKinds))*100)
		}
	}
	return stage.Success(map[string]any{
		"claimed":   totals.Claimed,
		"persisted": totals.Persisted,
		"failed":    totals.Failed,
	})
}

// CleanupOutputs is a no-op: persisted rows are the stage's durable
// output and a drained queue entry is deleted on success, so there is
// nothing left in-flight for a retry to undo.
func (h *Handler) CleanupOutputs(_ context.Context, _ uuid.UUID) error {
	return nil
}

// InputHash always returns a fresh value: the storage stage has no
// stable per-document input to hash against, since what it drains is
// whatever upstream stages across every document have queued since its
// last run. Returning a unique value every call means the idempotency
// marker never reports "up to date", so the scheduler always gives the
// queue a chance to drain instead of skipping the stage outright.
func (h *Handler) InputHash(_ context.Context, _ uuid.UUID) (string, error) {
	return uuid.New().String(), nil
}
