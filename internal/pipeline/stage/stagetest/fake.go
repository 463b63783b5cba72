// Package stagetest provides a scriptable fake Handler for exercising
// the retry orchestrator and scheduler without a real extractor.
package stagetest

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
)

// FakeHandler lets a test script a sequence of outcomes: the first
// call to Execute returns Outcomes[0], the second Outcomes[1], and so
// on; the last entry repeats once the sequence is exhausted.
type FakeHandler struct {
	Outcomes []stage.Outcome
	Hash     string
	calls    int32
}

func (f *FakeHandler) Prepare(_ context.Context, _ uuid.UUID) (stage.InputHandle, error) {
	return nil, nil
}

func (f *FakeHandler) Execute(_ context.Context, _ stage.InputHandle, progress stage.ProgressSink) stage.Outcome {
	idx := int(atomic.AddInt32(&f.calls, 1)) - 1
	if progress != nil {
		progress.Report(context.Background(), 50)
	}
	if idx >= len(f.Outcomes) {
		idx = len(f.Outcomes) - 1
	}
	if idx < 0 {
		return stage.Success(nil)
	}
	return f.Outcomes[idx]
}

func (f *FakeHandler) CleanupOutputs(_ context.Context, _ uuid.UUID) error {
	return nil
}

func (f *FakeHandler) InputHash(_ context.Context, _ uuid.UUID) (string, error) {
	return f.Hash, nil
}

// CallCount returns how many times Execute has been invoked.
func (f *FakeHandler) CallCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

// RecordingProgressSink captures every progress value reported to it,
// for assertions that a handler reported monotonic or bounded progress.
type RecordingProgressSink struct {
	Values []float64
}

func (s *RecordingProgressSink) Report(_ context.Context, progress float64) {
	s.Values = append(s.Values, progress)
}
