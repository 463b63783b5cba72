// Package visionextract adapts the GCP Vision OCR client and the OpenAI
// captioning client into a concrete stage.Handler for the image_processing
// stage. It is an optional extractor: bootstrap.go never wires it in on
// its own (image_processing is a caller-supplied stage like every other
// extractor), but a caller that has GOOGLE_APPLICATION_CREDENTIALS and an
// OpenAI key configured can plug NewHandler's result straight into its
// stage.Descriptor for image_processing instead of writing its own.
package visionextract

import (
	"bytes"
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
	"github.com/yungbote/neurobridge-backend/internal/pipeline/external"
	"github.com/yungbote/neurobridge-backend/internal/pipeline/stage"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// SourceImageRef is one page image text_extraction (or upload) recorded
// on Document.Metadata for image_processing to pick up. There is no
// dedicated table for this — the source image already lives in the
// object store under SourceKey, and image_processing's job is to turn
// it into an annotated artifact_queue entry, not to own its storage.
type SourceImageRef struct {
	Page      int    `json:"page"`
	SourceKey string `json:"source_key"`
	Mime      string `json:"mime"`
}

type documentMetadata struct {
	SourceImages []SourceImageRef `json:"source_images"`
}

// DocumentRepo is the persistence boundary this handler needs to find a
// document's recorded source images.
type DocumentRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Document, error)
}

// QueueRepo is the persistence boundary this handler needs to hand its
// annotated images to the storage stage.
type QueueRepo interface {
	Enqueue(dbc dbctx.Context, entry *types.ArtifactQueueEntry) (*types.ArtifactQueueEntry, error)
}

// Handler runs OCR and vision-language captioning over every source
// image recorded on a document and queues one ArtifactImage entry per
// page for the storage stage to persist.
type Handler struct {
	vision  gcp.Vision
	caption openai.Caption
	docs    DocumentRepo
	queue   QueueRepo
	objects external.ObjectStore
	log     *logger.Logger
}

func NewHandler(vision gcp.Vision, caption openai.Caption, docs DocumentRepo, queue QueueRepo, objects external.ObjectStore, baseLog *logger.Logger) *Handler {
	return &Handler{
		vision:  vision,
		caption: caption,
		docs:    docs,
		queue:   queue,
		objects: objects,
		log:     baseLog.With("component", "VisionExtractHandler"),
	}
}

type inputHandle struct {
	documentID uuid.UUID
	images     []SourceImageRef
}

// Prepare reads the document's recorded source images without mutating
// anything, so a retried attempt always recomputes the same plan.
func (h *Handler) Prepare(ctx context.Context, documentID uuid.UUID) (stage.InputHandle, error) {
	doc, err := h.docs.GetByID(dbctx.Context{Ctx: ctx}, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	var meta documentMetadata
	if len(doc.Metadata) > 0 {
		if err := json.Unmarshal(doc.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal document metadata: %w", err)
		}
	}
	return &inputHandle{documentID: documentID, images: meta.SourceImages}, nil
}

// Execute OCRs and captions each source image, then enqueues the result
// as an ArtifactImage entry. A page that fails OCR or captioning does
// not fail the whole stage — a document with one corrupt scanned page
// still gets the rest of its pages indexed — but it is recorded as a
// warning in the outcome metadata so the caller can see what was lost.
func (h *Handler) Execute(ctx context.Context, input stage.InputHandle, progress stage.ProgressSink) stage.Outcome {
	in, ok := input.(*inputHandle)
	if !ok {
		return stage.PermanentFailure(fmt.Errorf("visionextract: unexpected input handle type %T", input))
	}
	if len(in.images) == 0 {
		return stage.Skipped("document has no recorded source images")
	}

	queued := 0
	var warnings []string
	for i, ref := range in.images {
		if err := h.processOne(ctx, in.documentID, ref); err != nil {
			warnings = append(warnings, fmt.Sprintf("page %d: %v", ref.Page, err))
		} else {
			queued++
		}
		if progress != nil {
			progress.Report(ctx, float64(i+1)/float64(len(in.images))*100)
		}
	}

	if queued == 0 {
		return stage.TransientFailure(fmt.Errorf("visionextract: every page failed: %s", strings.Join(warnings, "; ")))
	}
	return stage.Success(map[string]any{"queued": queued, "warnings": warnings})
}

func (h *Handler) processOne(ctx context.Context, documentID uuid.UUID, ref SourceImageRef) error {
	rc, err := h.objects.Download(ctx, ref.SourceKey)
	if err != nil {
		return fmt.Errorf("download source image: %w", err)
	}
	defer rc.Close()

	buf := make([]byte, 0, 1<<20)
	chunk := make([]byte, 64*1024)
	for {
		n, rerr := rc.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			break
		}
	}

	ocr, err := h.vision.OCRImageBytes(ctx, buf, ref.Mime)
	if err != nil {
		return fmt.Errorf("vision OCR: %w", err)
	}

	noted, err := h.caption.DescribeImage(ctx, openai.CaptionRequest{
		Task:       "image_notes",
		ImageBytes: buf,
		ImageMime:  ref.Mime,
	})
	if err != nil {
		return fmt.Errorf("caption: %w", err)
	}

	sum := sha256.Sum256(buf)
	contentHash := hex.EncodeToString(sum[:])
	tempKey := "tmp/image_processing/" + uuid.New().String()
	if _, err := h.objects.PutIfAbsent(ctx, tempKey, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("stage blob: %w", err)
	}

	payload, err := json.Marshal(map[string]any{
		"page":         ref.Page,
		"content_hash": contentHash,
		"ext":          extFromMime(ref.Mime),
		"caption":      noted.Summary,
		"kind":         "page_image",
		"ocr_text":     ocr.PrimaryText,
	})
	if err != nil {
		return fmt.Errorf("marshal image payload: %w", err)
	}

	_, err = h.queue.Enqueue(dbctx.Context{Ctx: ctx}, &types.ArtifactQueueEntry{
		Kind:           types.ArtifactImage,
		DocumentID:     documentID,
		ProducingStage: stage.ImageProcessing,
		Payload:        payload,
		BlobRef:        tempKey,
	})
	if err != nil {
		return fmt.Errorf("enqueue image artifact: %w", err)
	}
	return nil
}

// CleanupOutputs has nothing to remove: a retried attempt re-downloads
// and re-queues rather than leaving a stale entry behind, and the
// storage stage is responsible for any row it already persisted from a
// prior queue entry.
func (h *Handler) CleanupOutputs(_ context.Context, _ uuid.UUID) error {
	return nil
}

// InputHash hashes the ordered list of source-image keys: the stage is
// up to date exactly when that list hasn't changed since the last run.
func (h *Handler) InputHash(ctx context.Context, documentID uuid.UUID) (string, error) {
	doc, err := h.docs.GetByID(dbctx.Context{Ctx: ctx}, documentID)
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}
	var meta documentMetadata
	if len(doc.Metadata) > 0 {
		if err := json.Unmarshal(doc.Metadata, &meta); err != nil {
			return "", fmt.Errorf("unmarshal document metadata: %w", err)
		}
	}
	h2 := sha256.New()
	for _, ref := range meta.SourceImages {
		fmt.Fprintf(h2, "%d:%s:%s;", ref.Page, ref.SourceKey, ref.Mime)
	}
	return hex.EncodeToString(h2.Sum(nil)), nil
}

func extFromMime(mime string) string {
	switch mime {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}
