package metadatax

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	"github.com/yungbote/neurobridge-backend/internal/clients/openai"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

type fakeClient struct {
	openai.Client
	result map[string]any
	err    error
}

func (f *fakeClient) GenerateJSON(context.Context, string, string, string, map[string]any) (map[string]any, error) {
	return f.result, f.err
}

type fakeSpeech struct {
	gcp.Speech
	result *gcp.SpeechResult
	err    error
}

func (f *fakeSpeech) TranscribeAudioGCS(context.Context, string, gcp.SpeechConfig) (*gcp.SpeechResult, error) {
	return f.result, f.err
}

type fakeDocRepo struct {
	doc *types.Document
}

func (f *fakeDocRepo) GetByID(_ dbctx.Context, _ uuid.UUID) (*types.Document, error) {
	return f.doc, nil
}

type fakeEntityRepo struct {
	created []*types.Entity
}

func (f *fakeEntityRepo) CreateEntities(_ dbctx.Context, entities []*types.Entity) error {
	f.created = append(f.created, entities...)
	return nil
}

func docWithMetadata(t *testing.T, meta documentMetadata) *types.Document {
	t.Helper()
	b, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	return &types.Document{ID: uuid.New(), Metadata: b}
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func TestHandler_ExecutePersistsExtractedEntities(t *testing.T) {
	doc := docWithMetadata(t, documentMetadata{ExtractedText: "Error E104 indicates a clogged filter on the X200 unit."})
	client := &fakeClient{result: map[string]any{
		"entities": []map[string]any{
			{"kind": "error_code", "value": "E104"},
			{"kind": "product", "value": "X200"},
		},
	}}
	entityRepo := &fakeEntityRepo{}
	h := NewHandler(client, &fakeSpeech{}, &fakeDocRepo{doc: doc}, entityRepo, newTestLogger(t))

	input, err := h.Prepare(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	outcome := h.Execute(context.Background(), input, nil)
	if outcome.Kind != stage.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if len(entityRepo.created) != 2 {
		t.Fatalf("expected 2 persisted entities, got %d", len(entityRepo.created))
	}
}

func TestHandler_ExecuteSkipsWhenNoTextOrAudio(t *testing.T) {
	doc := docWithMetadata(t, documentMetadata{})
	h := NewHandler(&fakeClient{}, &fakeSpeech{}, &fakeDocRepo{doc: doc}, &fakeEntityRepo{}, newTestLogger(t))

	input, err := h.Prepare(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	outcome := h.Execute(context.Background(), input, nil)
	if outcome.Kind != stage.OutcomeSkipped {
		t.Fatalf("expected skipped, got %+v", outcome)
	}
}

func TestHandler_ExecuteFoldsNarratedAudioIntoExtractionInput(t *testing.T) {
	doc := docWithMetadata(t, documentMetadata{SourceAudio: "gs://bucket/narration.flac", SourceAudioHz: 16000})
	client := &fakeClient{result: map[string]any{"entities": []map[string]any{{"kind": "product", "value": "Z10"}}}}
	speech := &fakeSpeech{result: &gcp.SpeechResult{PrimaryText: "this walkthrough covers the Z10 unit"}}
	entityRepo := &fakeEntityRepo{}
	h := NewHandler(client, speech, &fakeDocRepo{doc: doc}, entityRepo, newTestLogger(t))

	input, err := h.Prepare(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	outcome := h.Execute(context.Background(), input, nil)
	if outcome.Kind != stage.OutcomeSuccess {
		t.Fatalf("expected success, got %+v", outcome)
	}
	if len(entityRepo.created) != 1 {
		t.Fatalf("expected 1 persisted entity, got %d", len(entityRepo.created))
	}
}

func TestHandler_InputHashChangesWithExtractedText(t *testing.T) {
	docA := docWithMetadata(t, documentMetadata{ExtractedText: "alpha"})
	docB := docWithMetadata(t, documentMetadata{ExtractedText: "beta"})
	hA := NewHandler(&fakeClient{}, &fakeSpeech{}, &fakeDocRepo{doc: docA}, &fakeEntityRepo{}, newTestLogger(t))
	hB := NewHandler(&fakeClient{}, &fakeSpeech{}, &fakeDocRepo{doc: docB}, &fakeEntityRepo{}, newTestLogger(t))

	hashA, err := hA.InputHash(context.Background(), docA.ID)
	if err != nil {
		t.Fatalf("InputHash: %v", err)
	}
	hashB, err := hB.InputHash(context.Background(), docB.ID)
	if err != nil {
		t.Fatalf("InputHash: %v", err)
	}
	if hashA == hashB {
		t.Fatalf("expected different extracted text to hash differently")
	}
}
