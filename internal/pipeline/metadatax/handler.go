// Package metadatax adapts the OpenAI client and the GCP Speech client
// into a concrete stage.Handler for the metadata_extraction stage. Like
// visionextract, it is an optional extractor: bootstrap.go leaves
// metadata_extraction to the caller, but a caller with an OpenAI key
// configured can wire NewHandler's result in directly instead of
// writing its own entity-extraction logic from scratch.
package metadatax

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/clients/gcp"
	"github.com/yungbote/neurobridge-backend/internal/clients/openai"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// documentMetadata is the subset of Document.Metadata this handler
// reads. ExtractedText is written by the text_extraction stage;
// SourceAudio is optionally written by upload for manuals that ship a
// narrated walkthrough alongside the document proper.
type documentMetadata struct {
	ExtractedText string `json:"extracted_text"`
	SourceAudio   string `json:"source_audio,omitempty"`
	SourceAudioHz int     `json:"source_audio_hz,omitempty"`
}

// DocumentRepo is the persistence boundary this handler needs to read a
// document's extracted text and optional narrated-audio reference.
type DocumentRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Document, error)
}

// EntityRepo is the persistence boundary this handler needs to persist
// extracted entities. Unlike images/chunks/links, entities never pass
// through the artifact queue — there is no dedup or content-addressing
// concern for them, so metadata_extraction writes them directly.
type EntityRepo interface {
	CreateEntities(dbc dbctx.Context, entities []*types.Entity) error
}

var entitySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"entities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"kind":  map[string]any{"type": "string", "enum": []string{"error_code", "part_number", "product", "version"}},
					"value": map[string]any{"type": "string"},
					"page":  map[string]any{"type": "integer"},
				},
				"required": []string{"kind", "value"},
			},
		},
	},
	"required": []string{"entities"},
}

type extractedEntity struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
	Page  *int   `json:"page,omitempty"`
}

// Handler runs structured entity extraction over a document's extracted
// text (optionally augmented with a narrated-audio transcript) and
// persists the result.
type Handler struct {
	client  openai.Client
	speech  gcp.Speech
	docs    DocumentRepo
	entities EntityRepo
	log     *logger.Logger
}

func NewHandler(client openai.Client, speech gcp.Speech, docs DocumentRepo, entities EntityRepo, baseLog *logger.Logger) *Handler {
	return &Handler{
		client:   client,
		speech:   speech,
		docs:     docs,
		entities: entities,
		log:      baseLog.With("component", "MetadataExtractHandler"),
	}
}

type inputHandle struct {
	documentID uuid.UUID
	text       string
	audioKey   string
	audioHz    int
}

func (h *Handler) Prepare(ctx context.Context, documentID uuid.UUID) (stage.InputHandle, error) {
	doc, err := h.docs.GetByID(dbctx.Context{Ctx: ctx}, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	meta, err := h.readMetadata(doc)
	if err != nil {
		return nil, err
	}
	return &inputHandle{documentID: documentID, text: meta.ExtractedText, audioKey: meta.SourceAudio, audioHz: meta.SourceAudioHz}, nil
}

func (h *Handler) readMetadata(doc *types.Document) (documentMetadata, error) {
	var meta documentMetadata
	if len(doc.Metadata) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(doc.Metadata, &meta); err != nil {
		return meta, fmt.Errorf("unmarshal document metadata: %w", err)
	}
	return meta, nil
}

// Execute transcribes any narrated audio, folds it into the document's
// extracted text, and extracts a structured entity list from the
// result via a JSON-schema-constrained completion.
func (h *Handler) Execute(ctx context.Context, input stage.InputHandle, progress stage.ProgressSink) stage.Outcome {
	in, ok := input.(*inputHandle)
	if !ok {
		return stage.PermanentFailure(fmt.Errorf("metadatax: unexpected input handle type %T", input))
	}

	text := strings.TrimSpace(in.text)
	if in.audioKey != "" {
		transcript, err := h.speech.TranscribeAudioGCS(ctx, in.audioKey, gcp.SpeechConfig{
			LanguageCode:               "en-US",
			EnableAutomaticPunctuation: true,
			SampleRateHertz:            in.audioHz,
		})
		if err != nil {
			h.log.Warn("narrated-audio transcription failed, continuing with document text only", "error", err, "document_id", in.documentID)
		} else {
			text = strings.TrimSpace(text + "\n\n" + transcript.PrimaryText)
		}
	}
	if progress != nil {
		progress.Report(ctx, 50)
	}

	if text == "" {
		return stage.Skipped("document has no extracted text to mine for entities")
	}

	raw, err := h.client.GenerateJSON(ctx,
		"You extract structured entities (error codes, part numbers, product names, firmware/hardware versions) from technical documentation. Only report entities explicitly present in the text.",
		text, "entity_extraction", entitySchema)
	if err != nil {
		return stage.TransientFailure(fmt.Errorf("generate entities: %w", err))
	}

	entities, err := parseEntities(in.documentID, raw)
	if err != nil {
		return stage.PermanentFailure(fmt.Errorf("parse entity extraction result: %w", err))
	}
	if len(entities) > 0 {
		if err := h.entities.CreateEntities(dbctx.Context{Ctx: ctx}, entities); err != nil {
			return stage.TransientFailure(fmt.Errorf("persist entities: %w", err))
		}
	}
	if progress != nil {
		progress.Report(ctx, 100)
	}
	return stage.Success(map[string]any{"entities": len(entities)})
}

func parseEntities(documentID uuid.UUID, raw map[string]any) ([]*types.Entity, error) {
	encoded, err := json.Marshal(raw["entities"])
	if err != nil {
		return nil, err
	}
	var parsed []extractedEntity
	if err := json.Unmarshal(encoded, &parsed); err != nil {
		return nil, err
	}
	out := make([]*types.Entity, 0, len(parsed))
	for _, e := range parsed {
		value := strings.TrimSpace(e.Value)
		if value == "" {
			continue
		}
		out = append(out, &types.Entity{
			DocumentID: documentID,
			Kind:       types.EntityKind(e.Kind),
			Value:      value,
			Page:       e.Page,
		})
	}
	return out, nil
}

// CleanupOutputs is a no-op: a retried attempt calls CreateEntities
// again, which only ever appends, so there is nothing to roll back
// short of a richer per-attempt tagging scheme this stage doesn't need.
func (h *Handler) CleanupOutputs(_ context.Context, _ uuid.UUID) error {
	return nil
}

// InputHash hashes the extracted text and audio reference: the stage is
// up to date exactly when neither has changed since the last run.
func (h *Handler) InputHash(ctx context.Context, documentID uuid.UUID) (string, error) {
	doc, err := h.docs.GetByID(dbctx.Context{Ctx: ctx}, documentID)
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	meta, err := h.readMetadata(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(meta.ExtractedText + "|" + meta.SourceAudio))
	return hex.EncodeToString(sum[:]), nil
}
