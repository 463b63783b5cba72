package retryorch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/classifier"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/errorlog"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/idempotency"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/lock"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/retrypolicy"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage/stagetest"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/tracker"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// --- fakes ---

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

type fakePolicyStore struct {
	policy *types.RetryPolicyRow
}

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

// UpdateFields mirrors the real stageStatusRepo: a bare "where, update"
// that silently matches zero rows when GetOrCreate was never called for
// this (documentID, stageName) pair. It must NOT auto-vivify a row, or
// this fake stops being able to catch a caller that forgets to call
// Tracker.Start before reporting progress/attempts/terminal state.
func (f *fakeTrackerRepo) UpdateFields(_ dbctx.Context, documentID uuid.UUID, stageName string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(documentID, stageName)
	row, ok := f.rows[k]
	if !ok {
		return nil
	}
	if status, ok := updates["status"].(types.StageExecStatus); ok {
		row.Status = status
	}
	if _, ok := updates["attempts"]; ok {
		row.Attempts++
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

// --- harness ---

func newTestOrchestrator(t *testing.T, maxRetries int) (*Orchestrator, *fakeIdemRepo, lock.Manager) {
	t.Helper()
	baseLog, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}

	idemRepo := newFakeIdemRepo()
	policyStore := &fakePolicyStore{policy: &types.RetryPolicyRow{
		MaxRetries: maxRetries, BaseDelaySecs: 0, MaxDelaySecs: 0, ExponentialBase: 2.0, JitterEnabled: false,
	}}
	trackerRepo := newFakeTrackerRepo()
	errLogRepo := &fakeErrorLogRepo{}
	errRepo := newFakeErrRepo()
	lockMgr := lock.NewInMemoryManager()

	o := New(
		retrypolicy.New(policyStore, time.Minute),
		idempotency.New(idemRepo),
		lockMgr,
		errorlog.New(errLogRepo, baseLog, ""),
		errRepo,
		tracker.New(trackerRepo, baseLog),
		baseLog,
	)
	o.sleep = func(context.Context, time.Duration) {}
	return o, idemRepo, lockMgr
}

func TestOrchestrator_ExecuteCreatesStageStatusRowBeforeReportingAttempt(t *testing.T) {
	baseLog, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	idemRepo := newFakeIdemRepo()
	policyStore := &fakePolicyStore{policy: &types.RetryPolicyRow{MaxRetries: 3, ExponentialBase: 2.0}}
	trackerRepo := newFakeTrackerRepo()
	o := New(
		retrypolicy.New(policyStore, time.Minute),
		idempotency.New(idemRepo),
		lock.NewInMemoryManager(),
		errorlog.New(&fakeErrorLogRepo{}, baseLog, ""),
		newFakeErrRepo(),
		tracker.New(trackerRepo, baseLog),
		baseLog,
	)
	o.sleep = func(context.Context, time.Duration) {}

	documentID := uuid.New()
	handler := &stagetest.FakeHandler{Outcomes: []stage.Outcome{stage.Success(nil)}, Hash: "h1"}
	result := o.Execute(context.Background(), documentID, testDescriptor(handler), "req-start")
	if result.Kind != ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}

	rows, err := trackerRepo.GetByDocument(dbctx.Context{}, documentID)
	if err != nil {
		t.Fatalf("GetByDocument: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected Execute to have created exactly one stage_status row via Start, got %d", len(rows))
	}
	if rows[0].Status != types.StageExecCompleted {
		t.Fatalf("expected the row's status updates (attempt increment, completion) to have landed on the row Start created, got status=%q attempts=%d", rows[0].Status, rows[0].Attempts)
	}
	if rows[0].Attempts != 1 {
		t.Fatalf("expected IncrementAttempt to have landed on the row Start created, got attempts=%d", rows[0].Attempts)
	}
}

func testDescriptor(handler stage.Handler) *stage.Descriptor {
	return &stage.Descriptor{Name: "chunking", Ordinal: 1, ServiceName: "chunking", Handler: handler}
}

func TestOrchestrator_SuccessOnFirstAttempt(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 3)
	handler := &stagetest.FakeHandler{Outcomes: []stage.Outcome{stage.Success(nil)}, Hash: "h1"}
	result := o.Execute(context.Background(), uuid.New(), testDescriptor(handler), "req-1")
	if result.Kind != ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if handler.CallCount() != 1 {
		t.Fatalf("expected exactly one handler invocation, got %d", handler.CallCount())
	}
}

func TestOrchestrator_IdempotentReplaySkipsHandler(t *testing.T) {
	o, idemRepo, _ := newTestOrchestrator(t, 3)
	documentID := uuid.New()
	_, _ = idemRepo.Upsert(dbctx.Context{}, &types.CompletionMarker{
		ID: uuid.New(), DocumentID: documentID, StageName: "chunking", DataHash: "h1",
	})

	handler := &stagetest.FakeHandler{Outcomes: []stage.Outcome{stage.Success(nil)}, Hash: "h1"}
	result := o.Execute(context.Background(), documentID, testDescriptor(handler), "req-2")
	if result.Kind != ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if handler.CallCount() != 0 {
		t.Fatalf("expected handler to be skipped on up-to-date replay, got %d calls", handler.CallCount())
	}
}

func TestOrchestrator_ChangedInputHashReRuns(t *testing.T) {
	o, idemRepo, _ := newTestOrchestrator(t, 3)
	documentID := uuid.New()
	_, _ = idemRepo.Upsert(dbctx.Context{}, &types.CompletionMarker{
		ID: uuid.New(), DocumentID: documentID, StageName: "chunking", DataHash: "stale-hash",
	})

	handler := &stagetest.FakeHandler{Outcomes: []stage.Outcome{stage.Success(nil)}, Hash: "fresh-hash"}
	result := o.Execute(context.Background(), documentID, testDescriptor(handler), "req-3")
	if result.Kind != ResultSuccess {
		t.Fatalf("expected success, got %+v", result)
	}
	if handler.CallCount() != 1 {
		t.Fatalf("expected handler to re-run when the input hash changed, got %d calls", handler.CallCount())
	}
}

func TestOrchestrator_PermanentFailureDoesNotRetry(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 3)
	handler := &stagetest.FakeHandler{
		Outcomes: []stage.Outcome{stage.PermanentFailure(&classifier.ValidationError{Msg: "bad input"})},
		Hash:     "h1",
	}
	result := o.Execute(context.Background(), uuid.New(), testDescriptor(handler), "req-4")
	if result.Kind != ResultPermanentFailure {
		t.Fatalf("expected permanent failure, got %+v", result)
	}
	if handler.CallCount() != 1 {
		t.Fatalf("expected exactly one attempt for a permanently-classified error, got %d", handler.CallCount())
	}
}

func TestOrchestrator_TransientFailureThenSuccessRetriesSynchronouslyOnAttemptZero(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 3)
	handler := &stagetest.FakeHandler{
		Outcomes: []stage.Outcome{
			stage.TransientFailure(&classifier.RateLimitError{Msg: "rate limited"}),
			stage.Success(nil),
		},
		Hash: "h1",
	}
	result := o.Execute(context.Background(), uuid.New(), testDescriptor(handler), "req-5")
	if result.Kind != ResultSuccess {
		t.Fatalf("expected success after synchronous recovery, got %+v", result)
	}
	if handler.CallCount() != 2 {
		t.Fatalf("expected two handler invocations, got %d", handler.CallCount())
	}
}

func TestOrchestrator_TransientFailureAfterAttemptZeroSchedulesBackgroundRetry(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 3)
	handler := &stagetest.FakeHandler{
		Outcomes: []stage.Outcome{
			stage.TransientFailure(&classifier.RateLimitError{Msg: "rate limited"}),
			stage.TransientFailure(&classifier.RateLimitError{Msg: "rate limited again"}),
		},
		Hash: "h1",
	}
	result := o.Execute(context.Background(), uuid.New(), testDescriptor(handler), "req-6")
	if result.Kind != ResultRetrying {
		t.Fatalf("expected a background retry to be scheduled, got %+v", result)
	}
	if handler.CallCount() != 2 {
		t.Fatalf("expected two handler invocations before yielding to background retry, got %d", handler.CallCount())
	}
}

func TestOrchestrator_RetryBudgetExhaustedIsPermanent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 1)
	handler := &stagetest.FakeHandler{
		Outcomes: []stage.Outcome{
			stage.TransientFailure(&classifier.RateLimitError{Msg: "rate limited"}),
			stage.TransientFailure(&classifier.RateLimitError{Msg: "still rate limited"}),
		},
		Hash: "h1",
	}
	result := o.Execute(context.Background(), uuid.New(), testDescriptor(handler), "req-7")
	if result.Kind != ResultPermanentFailure {
		t.Fatalf("expected permanent failure once max_retries is exhausted, got %+v", result)
	}
	if handler.CallCount() != 2 {
		t.Fatalf("expected attempts 0 and 1 (max_retries=1), got %d calls", handler.CallCount())
	}
}

func TestOrchestrator_LockHeldElsewhereYieldsWithoutCallingHandler(t *testing.T) {
	o, _, lockMgr := newTestOrchestrator(t, 3)
	documentID := uuid.New()
	token, ok, err := lockMgr.TryAcquire(context.Background(), documentID, "chunking")
	if err != nil || !ok {
		t.Fatalf("setup: failed to pre-acquire lock: ok=%v err=%v", ok, err)
	}
	defer func() { _ = lockMgr.Release(context.Background(), token) }()

	handler := &stagetest.FakeHandler{Outcomes: []stage.Outcome{stage.Success(nil)}, Hash: "h1"}
	result := o.Execute(context.Background(), documentID, testDescriptor(handler), "req-8")
	if result.Kind != ResultRetrying {
		t.Fatalf("expected retrying result when the lock is held elsewhere, got %+v", result)
	}
	if handler.CallCount() != 0 {
		t.Fatalf("expected the handler to never run while the lock is contended, got %d calls", handler.CallCount())
	}
}

func TestOrchestrator_SkippedOutcomePropagates(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 3)
	handler := &stagetest.FakeHandler{Outcomes: []stage.Outcome{stage.Skipped("already covered by upstream stage")}, Hash: "h1"}
	result := o.Execute(context.Background(), uuid.New(), testDescriptor(handler), "req-9")
	if result.Kind != ResultSkipped {
		t.Fatalf("expected skipped, got %+v", result)
	}
}

func TestOrchestrator_ResumeAttemptContinuesTheChain(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 3)
	handler := &stagetest.FakeHandler{Outcomes: []stage.Outcome{stage.Success(nil)}, Hash: "h1"}
	result := o.ResumeAttempt(context.Background(), uuid.New(), testDescriptor(handler), "req-10", 2)
	if result.Kind != ResultSuccess {
		t.Fatalf("expected success when resuming at attempt 2, got %+v", result)
	}
	if handler.CallCount() != 1 {
		t.Fatalf("expected exactly one invocation on resume, got %d", handler.CallCount())
	}
}

func TestComputeBackoff_MonotonicAndCapped(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, 5)
	o.rand01 = func() float64 { return 0 } // disable jitter's randomness for a deterministic floor
	policy := retrypolicy.Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, ExponentialBase: 2.0, JitterEnabled: false}

	d0 := o.computeBackoff(policy, 0)
	d1 := o.computeBackoff(policy, 1)
	d2 := o.computeBackoff(policy, 2)
	d5 := o.computeBackoff(policy, 5)

	if !(d0 < d1 && d1 < d2) {
		t.Fatalf("expected strictly increasing backoff, got d0=%v d1=%v d2=%v", d0, d1, d2)
	}
	if d5 > policy.MaxDelay {
		t.Fatalf("expected backoff to be capped at MaxDelay=%v, got %v", policy.MaxDelay, d5)
	}
}
