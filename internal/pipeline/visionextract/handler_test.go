package visionextract

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	"github.com/yungbote/neurobridge-backend/internal/clients/openai"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

type fakeVision struct {
	fail bool
}

func (f *fakeVision) OCRImageBytes(_ context.Context, _ []byte, _ string) (*gcp.VisionOCRResult, error) {
	if f.fail {
		return nil, errFake
	}
	return &gcp.VisionOCRResult{PrimaryText: "ocr text"}, nil
}
func (f *fakeVision) OCRFileInGCS(context.Context, string, string, string, int) (*gcp.VisionOCRResult, error) {
	return nil, nil
}
func (f *fakeVision) Close() error { return nil }

type fakeCaption struct {
	fail bool
}

func (f *fakeCaption) DescribeImage(context.Context, openai.CaptionRequest) (*openai.CaptionResult, error) {
	if f.fail {
		return nil, errFake
	}
	return &openai.CaptionResult{Summary: "a diagram"}, nil
}

var errFake = &fakeErr{"fake failure"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

type fakeDocRepo struct {
	doc *types.Document
}

func (f *fakeDocRepo) GetByID(_ dbctx.Context, _ uuid.UUID) (*types.Document, error) {
	return f.doc, nil
}

type fakeQueueRepo struct {
	entries []*types.ArtifactQueueEntry
}

func (f *fakeQueueRepo) Enqueue(_ dbctx.Context, entry *types.ArtifactQueueEntry) (*types.ArtifactQueueEntry, error) {
	f.entries = append(f.entries, entry)
	return entry, nil
}

type fakeObjectStore struct {
	blobs map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore { return &fakeObjectStore{blobs: map[string][]byte{}} }

func (f *fakeObjectStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.blobs[key]
	return ok, nil
}
func (f *fakeObjectStore) PutIfAbsent(_ context.Context, key string, content io.Reader) (bool, error) {
	if _, ok := f.blobs[key]; ok {
		return true, nil
	}
	b, _ := io.ReadAll(content)
	f.blobs[key] = b
	return false, nil
}
func (f *fakeObjectStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(f.blobs[key]))), nil
}
func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	delete(f.blobs, key)
	return nil
}
func (f *fakeObjectStore) PublicURL(key string) string { return "https://example.test/" + key }

func docWithSourceImages(t *testing.T, refs ...SourceImageRef) *types.Document {
	t.Helper()
	meta, err := json.Marshal(documentMetadata{SourceImages: refs})
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	return &types.Document{ID: uuid.New(), Metadata: meta}
}

func newTestHandler(t *testing.T, vision gcp.Vision, caption openai.Caption, docs DocumentRepo, queue QueueRepo, objects *fakeObjectStore) *Handler {
	t.Helper()
	baseLog, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return NewHandler(vision, caption, docs, queue, objects, baseLog)
}

func TestHandler_ExecuteQueuesOneEntryPerSourceImage(t *testing.T) {
	doc := docWithSourceImages(t, SourceImageRef{Page: 1, SourceKey: "src/1.png", Mime: "image/png"}, SourceImageRef{Page: 2, SourceKey: "src/2.png", Mime: "image/png"})
	objects := newFakeObjectStore()
	objects.blobs["src/1.png"] = []byte("page one bytes")
	objects.blobs["src/2.png"] = []byte("page two bytes")
	queue := &fakeQueueRepo{}
	h := newTestHandler(t, &fakeVision{}, &fakeCaption{}, &fakeDocRepo{doc: doc}, queue, objects)

	input, err := h.Prepare(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	outcome := h.Execute(context.Background(), input, nil)
	if outcome.Kind != stage.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if len(queue.entries) != 2 {
		t.Fatalf("expected 2 queued image artifacts, got %d", len(queue.entries))
	}
	for _, e := range queue.entries {
		if e.Kind != types.ArtifactImage {
			t.Fatalf("expected ArtifactImage kind, got %q", e.Kind)
		}
		if e.ProducingStage != stage.ImageProcessing {
			t.Fatalf("expected producing_stage image_processing, got %q", e.ProducingStage)
		}
	}
}

func TestHandler_ExecuteSkipsWhenNoSourceImages(t *testing.T) {
	doc := docWithSourceImages(t)
	h := newTestHandler(t, &fakeVision{}, &fakeCaption{}, &fakeDocRepo{doc: doc}, &fakeQueueRepo{}, newFakeObjectStore())

	input, err := h.Prepare(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	outcome := h.Execute(context.Background(), input, nil)
	if outcome.Kind != stage.OutcomeSkipped {
		t.Fatalf("expected skipped, got %+v", outcome)
	}
}

func TestHandler_ExecuteEveryPageFailingIsTransient(t *testing.T) {
	doc := docWithSourceImages(t, SourceImageRef{Page: 1, SourceKey: "src/1.png", Mime: "image/png"}, SourceImageRef{Page: 2, SourceKey: "src/2.png", Mime: "image/png"})
	objects := newFakeObjectStore()
	objects.blobs["src/1.png"] = []byte("page one bytes")
	objects.blobs["src/2.png"] = []byte("page two bytes")
	queue := &fakeQueueRepo{}
	h := newTestHandler(t, &fakeVision{fail: true}, &fakeCaption{}, &fakeDocRepo{doc: doc}, queue, objects)
	// OCR fails on every page; the handler must report a transient failure.
	_ = queue

	input, err := h.Prepare(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	outcome := h.Execute(context.Background(), input, nil)
	if outcome.Kind != stage.OutcomeTransientFailure {
		t.Fatalf("expected transient failure when every page fails OCR, got %+v", outcome)
	}
}

func TestHandler_InputHashChangesWithSourceImageList(t *testing.T) {
	docA := docWithSourceImages(t, SourceImageRef{Page: 1, SourceKey: "src/1.png", Mime: "image/png"})
	docB := docWithSourceImages(t, SourceImageRef{Page: 1, SourceKey: "src/1.png", Mime: "image/png"}, SourceImageRef{Page: 2, SourceKey: "src/2.png", Mime: "image/png"})

	hA := newTestHandler(t, &fakeVision{}, &fakeCaption{}, &fakeDocRepo{doc: docA}, &fakeQueueRepo{}, newFakeObjectStore())
	hB := newTestHandler(t, &fakeVision{}, &fakeCaption{}, &fakeDocRepo{doc: docB}, &fakeQueueRepo{}, newFakeObjectStore())

	hashA, err := hA.InputHash(context.Background(), docA.ID)
	if err != nil {
		t.Fatalf("InputHash: %v", err)
	}
	hashB, err := hB.InputHash(context.Background(), docB.ID)
	if err != nil {
		t.Fatalf("InputHash: %v", err)
	}
	if hashA == hashB {
		t.Fatalf("expected different source-image lists to hash differently")
	}
}
