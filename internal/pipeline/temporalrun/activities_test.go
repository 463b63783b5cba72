package temporalrun

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/errorlog"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/idempotency"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/lock"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/retrypolicy"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/retryorch"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage/stagetest"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/tracker"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

type fakeIdemRepo struct {
	mu      sync.Mutex
	markers map[string]*types.CompletionMarker
}

func newFakeIdemRepo() *fakeIdemRepo {
	return &fakeIdemRepo{markers: make(map[string]*types.CompletionMarker)}
}

func (f *fakeIdemRepo) key(documentID uuid.UUID, stageName string) string {
	return documentID.String() + ":" + stageName
}

func (f *fakeIdemRepo) GetByDocAndStage(_ dbctx.Context, documentID uuid.UUID, stageName string) (*types.CompletionMarker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markers[f.key(documentID, stageName)], nil
}

func (f *fakeIdemRepo) Upsert(_ dbctx.Context, marker *types.CompletionMarker) (*types.CompletionMarker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[f.key(marker.DocumentID, marker.StageName)] = marker
	return marker, nil
}

func (f *fakeIdemRepo) Delete(_ dbctx.Context, documentID uuid.UUID, stageName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.markers, f.key(documentID, stageName))
	return nil
}

type fakePolicyStore struct{ policy *types.RetryPolicyRow }

func (f *fakePolicyStore) GetForStage(_ dbctx.Context, _, _ string) (*types.RetryPolicyRow, error) {
	return f.policy, nil
}

type fakeTrackerRepo struct {
	mu   sync.Mutex
	rows map[string]*types.StageStatusRow
}

func newFakeTrackerRepo() *fakeTrackerRepo {
	return &fakeTrackerRepo{rows: make(map[string]*types.StageStatusRow)}
}

func (f *fakeTrackerRepo) key(documentID uuid.UUID, stageName string) string {
	return documentID.String() + ":" + stageName
}

func (f *fakeTrackerRepo) GetOrCreate(_ dbctx.Context, documentID uuid.UUID, stageName string) (*types.StageStatusRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(documentID, stageName)
	row, ok := f.rows[k]
	if !ok {
		row = &types.StageStatusRow{ID: uuid.New(), DocumentID: documentID, StageName: stageName}
		f.rows[k] = row
	}
	return row, nil
}

func (f *fakeTrackerRepo) GetByDocument(_ dbctx.Context, documentID uuid.UUID) ([]*types.StageStatusRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.StageStatusRow
	for _, row := range f.rows {
		if row.DocumentID == documentID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeTrackerRepo) UpdateFields(_ dbctx.Context, documentID uuid.UUID, stageName string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(documentID, stageName)
	if _, ok := f.rows[k]; !ok {
		f.rows[k] = &types.StageStatusRow{ID: uuid.New(), DocumentID: documentID, StageName: stageName}
	}
	return nil
}

type fakeErrorLogRepo struct {
	mu   sync.Mutex
	rows []*types.PipelineError
}

func (f *fakeErrorLogRepo) Create(_ dbctx.Context, row *types.PipelineError) (*types.PipelineError, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, row)
	return row, nil
}

type fakeErrRepo struct {
	mu      sync.Mutex
	updates map[uuid.UUID]map[string]interface{}
}

func newFakeErrRepo() *fakeErrRepo {
	return &fakeErrRepo{updates: make(map[uuid.UUID]map[string]interface{})}
}

func (f *fakeErrRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = updates
	return nil
}

func newTestActivities(t *testing.T, maxRetries int, handler stage.Handler) *Activities {
	t.Helper()
	baseLog, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	policyStore := &fakePolicyStore{policy: &types.RetryPolicyRow{
		MaxRetries: maxRetries, BaseDelaySecs: 0, MaxDelaySecs: 0, ExponentialBase: 2.0, JitterEnabled: false,
	}}
	orchestrator := retryorch.New(
		retrypolicy.New(policyStore, time.Minute),
		idempotency.New(newFakeIdemRepo()),
		lock.NewInMemoryManager(),
		errorlog.New(&fakeErrorLogRepo{}, baseLog, ""),
		newFakeErrRepo(),
		tracker.New(newFakeTrackerRepo(), baseLog),
		baseLog,
	)

	descriptor := &stage.Descriptor{Name: "chunking", Ordinal: 1, ServiceName: "chunking", Handler: handler}
	registry, err := stage.NewRegistry([]*stage.Descriptor{descriptor})
	if err != nil {
		t.Fatalf("stage.NewRegistry: %v", err)
	}

	return New(registry, orchestrator)
}

func TestActivities_TickReportsSuccess(t *testing.T) {
	handler := &stagetest.FakeHandler{Outcomes: []stage.Outcome{stage.Success(nil)}, Hash: "h1"}
	a := newTestActivities(t, 3, handler)

	out, err := a.Tick(context.Background(), RetryWorkflowInput{
		DocumentID: uuid.New(), StageName: "chunking", RequestID: "req-1", Attempt: 0,
	})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != "success" {
		t.Fatalf("expected status success, got %+v", out)
	}
}

func TestActivities_TickUnknownStageIsAConfigurationError(t *testing.T) {
	handler := &stagetest.FakeHandler{Outcomes: []stage.Outcome{stage.Success(nil)}, Hash: "h1"}
	a := newTestActivities(t, 3, handler)

	_, err := a.Tick(context.Background(), RetryWorkflowInput{
		DocumentID: uuid.New(), StageName: "does_not_exist", RequestID: "req-2", Attempt: 0,
	})
	if err == nil {
		t.Fatalf("expected an error for an unknown stage name")
	}
}

func TestActivities_TickReportsPermanentFailureWithErrorText(t *testing.T) {
	handler := &stagetest.FakeHandler{
		Outcomes: []stage.Outcome{stage.PermanentFailure(context.DeadlineExceeded)},
		Hash:     "h1",
	}
	a := newTestActivities(t, 3, handler)

	out, err := a.Tick(context.Background(), RetryWorkflowInput{
		DocumentID: uuid.New(), StageName: "chunking", RequestID: "req-3", Attempt: 0,
	})
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if out.Status != "permanent_failure" || out.ErrorText == "" {
		t.Fatalf("expected a permanent_failure status with error text, got %+v", out)
	}
}
