package tracker

import (
	"context"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

type fakeRepo struct {
	rows    map[string]*types.StageStatusRow
	updates []map[string]interface{}
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: make(map[string]*types.StageStatusRow)}
}

func (f *fakeRepo) key(documentID uuid.UUID, stageName string) string {
	return documentID.String() + ":" + stageName
}

func (f *fakeRepo) GetOrCreate(_ dbctx.Context, documentID uuid.UUID, stageName string) (*types.StageStatusRow, error) {
	k := f.key(documentID, stageName)
	if row, ok := f.rows[k]; ok {
		return row, nil
	}
	row := &types.StageStatusRow{DocumentID: documentID, StageName: stageName, Status: types.StageExecPending}
	f.rows[k] = row
	return row, nil
}

func (f *fakeRepo) GetByDocument(_ dbctx.Context, documentID uuid.UUID) ([]*types.StageStatusRow, error) {
	var out []*types.StageStatusRow
	for _, row := range f.rows {
		if row.DocumentID == documentID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpdateFields(_ dbctx.Context, documentID uuid.UUID, stageName string, updates map[string]interface{}) error {
	f.updates = append(f.updates, updates)
	row := f.rows[f.key(documentID, stageName)]
	if row == nil {
		return nil
	}
	if status, ok := updates["status"].(types.StageExecStatus); ok {
		row.Status = status
	}
	if progress, ok := updates["progress"].(int); ok {
		row.Progress = progress
	}
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func TestTracker_StartThenComplete(t *testing.T) {
	repo := newFakeRepo()
	tr := New(repo, testLogger(t))
	documentID := uuid.New()

	if err := tr.Start(context.Background(), documentID, "chunking"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Complete(context.Background(), documentID, "chunking", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	row := repo.rows[repo.key(documentID, "chunking")]
	if row.Status != types.StageExecCompleted {
		t.Fatalf("expected completed status, got %q", row.Status)
	}
	if row.Progress != 100 {
		t.Fatalf("expected progress 100 on completion, got %d", row.Progress)
	}
}

func TestTracker_ProgressCanonicalScale(t *testing.T) {
	repo := newFakeRepo()
	tr := New(repo, testLogger(t))
	documentID := uuid.New()
	_ = tr.Start(context.Background(), documentID, "embedding")

	if err := tr.UpdateProgress(context.Background(), documentID, "embedding", 45); err != nil {
		t.Fatalf("UpdateProgress (0-100 scale): %v", err)
	}
	row := repo.rows[repo.key(documentID, "embedding")]
	if row.Progress != 45 {
		t.Fatalf("expected progress 45, got %d", row.Progress)
	}
}

func TestTracker_ProgressAutoScalesFractionalInput(t *testing.T) {
	repo := newFakeRepo()
	tr := New(repo, testLogger(t))
	documentID := uuid.New()
	_ = tr.Start(context.Background(), documentID, "embedding")

	if err := tr.UpdateProgress(context.Background(), documentID, "embedding", 0.5); err != nil {
		t.Fatalf("UpdateProgress (0-1 scale): %v", err)
	}
	row := repo.rows[repo.key(documentID, "embedding")]
	if row.Progress != 50 {
		t.Fatalf("expected auto-scaled progress 50, got %d", row.Progress)
	}
}

func TestTracker_ProgressClampedToValidRange(t *testing.T) {
	repo := newFakeRepo()
	tr := New(repo, testLogger(t))
	documentID := uuid.New()
	_ = tr.Start(context.Background(), documentID, "embedding")

	if err := tr.UpdateProgress(context.Background(), documentID, "embedding", 150); err != nil {
		t.Fatalf("UpdateProgress (over 100): %v", err)
	}
	row := repo.rows[repo.key(documentID, "embedding")]
	if row.Progress != 100 {
		t.Fatalf("expected progress clamped to 100, got %d", row.Progress)
	}
}

func TestTracker_FailAndSkip(t *testing.T) {
	repo := newFakeRepo()
	tr := New(repo, testLogger(t))
	documentID := uuid.New()

	_ = tr.Start(context.Background(), documentID, "image_processing")
	if err := tr.Fail(context.Background(), documentID, "image_processing", "permanent failure"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if repo.rows[repo.key(documentID, "image_processing")].Status != types.StageExecFailed {
		t.Fatalf("expected failed status")
	}

	_ = tr.Start(context.Background(), documentID, "link_extraction")
	if err := tr.Skip(context.Background(), documentID, "link_extraction", "no links found"); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	if repo.rows[repo.key(documentID, "link_extraction")].Status != types.StageExecSkipped {
		t.Fatalf("expected skipped status")
	}
}

func TestTracker_ListStatus(t *testing.T) {
	repo := newFakeRepo()
	tr := New(repo, testLogger(t))
	documentID := uuid.New()

	_ = tr.Start(context.Background(), documentID, "text_extraction")
	_ = tr.Start(context.Background(), documentID, "classification")

	all, err := tr.ListStatus(context.Background(), documentID)
	if err != nil {
		t.Fatalf("ListStatus: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 stage statuses, got %d", len(all))
	}
}
