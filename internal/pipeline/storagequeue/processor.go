// Package storagequeue drains the ephemeral artifact queue the earlier
// stages write to and turns each entry into a canonical relational row
// (and, for images, a deduplicated object-store blob), removing the
// queue entry only once persistence succeeds.
package storagequeue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/external"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// QueueRepo is the persistence boundary for artifact_queue rows.
type QueueRepo interface {
	ClaimBatch(dbc dbctx.Context, kind types.ArtifactKind, limit int) ([]*types.ArtifactQueueEntry, error)
	DeleteBatch(dbc dbctx.Context, ids []uuid.UUID) error
}

// OutputRepo is the persistence boundary for the canonical output tables.
type OutputRepo interface {
	UpsertChunks(dbc dbctx.Context, chunks []*types.Chunk) error
	SetChunkEmbedding(dbc dbctx.Context, chunkID uuid.UUID, embedding []byte) error
	CreateImages(dbc dbctx.Context, images []*types.Image) error
	CreateLinks(dbc dbctx.Context, links []*types.Link) error
}

// ImagePayload is the artifact_queue.payload shape for ArtifactImage
// entries: the raw bytes live at BlobRef under a temporary key until
// the processor confirms or dedups them into their content-addressed
// final key.
type ImagePayload struct {
	Page        int    `json:"page"`
	ContentHash string `json:"content_hash"`
	Ext         string `json:"ext"`
	Caption     string `json:"caption"`
	Kind        string `json:"kind"`
}

// ChunkPayload mirrors the fields of types.Chunk the chunking stage
// produces; DocumentID comes from the queue entry, not the payload.
type ChunkPayload struct {
	Index    int             `json:"index"`
	Text     string          `json:"text"`
	Page     *int            `json:"page,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// EmbeddingPayload carries a chunk's computed embedding vector.
type EmbeddingPayload struct {
	ChunkID   uuid.UUID `json:"chunk_id"`
	Embedding []float32 `json:"embedding"`
}

// LinkPayload mirrors types.Link.
type LinkPayload struct {
	Kind     types.LinkKind  `json:"kind"`
	URL      string          `json:"url,omitempty"`
	Target   string          `json:"target,omitempty"`
	Page     *int            `json:"page,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Result reports what one DrainKind call accomplished.
type Result struct {
	Claimed   int
	Persisted int
	Failed    int
}

// Processor drains one ArtifactKind at a time. It is safe to call
// DrainKind for different kinds concurrently; ClaimBatch's SKIP LOCKED
// semantics make it safe to run several processor instances against
// the same kind too.
type Processor struct {
	queue   QueueRepo
	outputs OutputRepo
	objects external.ObjectStore
	log     *logger.Logger
}

func New(queue QueueRepo, outputs OutputRepo, objects external.ObjectStore, baseLog *logger.Logger) *Processor {
	return &Processor{
		queue:   queue,
		outputs: outputs,
		objects: objects,
		log:     baseLog.With("component", "StorageQueueProcessor"),
	}
}

// DrainKind claims up to batchSize queued entries of kind, persists each
// into its canonical table, and deletes only the entries that persisted
// successfully. A malformed or failing entry is left in the queue for a
// later retry and counted in Result.Failed rather than aborting the batch.
func (p *Processor) DrainKind(ctx context.Context, kind types.ArtifactKind, batchSize int) (Result, error) {
	entries, err := p.queue.ClaimBatch(dbctx.Context{Ctx: ctx}, kind, batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("claim artifact queue batch for kind %q: %w", kind, err)
	}
	if len(entries) == 0 {
		return Result{}, nil
	}

	var persistedIDs []uuid.UUID
	failed := 0

	for _, entry := range entries {
		if err := p.persistOne(ctx, entry); err != nil {
			p.log.Warn("failed to persist artifact queue entry, leaving it queued", "error", err, "artifact_id", entry.ID, "kind", kind, "document_id", entry.DocumentID)
			failed++
			continue
		}
		persistedIDs = append(persistedIDs, entry.ID)
	}

	if len(persistedIDs) > 0 {
		if err := p.queue.DeleteBatch(dbctx.Context{Ctx: ctx}, persistedIDs); err != nil {
			return Result{}, fmt.Errorf("delete persisted artifact queue entries: %w", err)
		}
	}

	return Result{Claimed: len(entries), Persisted: len(persistedIDs), Failed: failed}, nil
}

func (p *Processor) persistOne(ctx context.Context, entry *types.ArtifactQueueEntry) error {
	switch entry.Kind {
	case types.ArtifactChunk:
		return p.persistChunk(ctx, entry)
	case types.ArtifactEmbedding:
		return p.persistEmbedding(ctx, entry)
	case types.ArtifactImage:
		return p.persistImage(ctx, entry)
	case types.ArtifactLink, types.ArtifactVideo:
		return p.persistLink(ctx, entry)
	default:
		return fmt.Errorf("unrecognized artifact kind %q", entry.Kind)
	}
}

func (p *Processor) persistChunk(ctx context.Context, entry *types.ArtifactQueueEntry) error {
	var payload ChunkPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal chunk payload: %w", err)
	}
	chunk := &types.Chunk{
		ID:         uuid.New(),
		DocumentID: entry.DocumentID,
		Index:      payload.Index,
		Text:       payload.Text,
		Page:       payload.Page,
		Metadata:   datatypes.JSON(payload.Metadata),
	}
	return p.outputs.UpsertChunks(dbctx.Context{Ctx: ctx}, []*types.Chunk{chunk})
}

func (p *Processor) persistEmbedding(ctx context.Context, entry *types.ArtifactQueueEntry) error {
	var payload EmbeddingPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal embedding payload: %w", err)
	}
	encoded, err := json.Marshal(payload.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding vector: %w", err)
	}
	return p.outputs.SetChunkEmbedding(dbctx.Context{Ctx: ctx}, payload.ChunkID, encoded)
}

// persistImage dedups by content hash: if an object already exists
// under the final key, the temporary blob is discarded and only the
// relational row is written.
func (p *Processor) persistImage(ctx context.Context, entry *types.ArtifactQueueEntry) error {
	var payload ImagePayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal image payload: %w", err)
	}
	if payload.ContentHash == "" {
		return fmt.Errorf("image payload missing content_hash")
	}
	finalKey := payload.ContentHash + "." + payload.Ext

	if entry.BlobRef != "" {
		existed, err := p.putImageBlob(ctx, entry.BlobRef, finalKey)
		if err != nil {
			return err
		}
		if existed {
			p.log.Debug("image content already stored, skipping upload", "final_key", finalKey, "document_id", entry.DocumentID)
		}
	}

	image := &types.Image{
		ID:         uuid.New(),
		DocumentID: entry.DocumentID,
		Page:       payload.Page,
		ObjectKey:  finalKey,
		Caption:    payload.Caption,
		Kind:       payload.Kind,
	}
	return p.outputs.CreateImages(dbctx.Context{Ctx: ctx}, []*types.Image{image})
}

func (p *Processor) putImageBlob(ctx context.Context, tempKey, finalKey string) (bool, error) {
	existed, err := p.objects.Exists(ctx, finalKey)
	if err != nil {
		return false, fmt.Errorf("check existing object %q: %w", finalKey, err)
	}
	if existed {
		_ = p.objects.Delete(ctx, tempKey)
		return true, nil
	}

	reader, err := p.objects.Download(ctx, tempKey)
	if err != nil {
		return false, fmt.Errorf("download staged blob %q: %w", tempKey, err)
	}
	defer reader.Close()

	if _, err := p.objects.PutIfAbsent(ctx, finalKey, reader); err != nil {
		return false, fmt.Errorf("upload object %q: %w", finalKey, err)
	}
	_ = p.objects.Delete(ctx, tempKey)
	return false, nil
}

func (p *Processor) persistLink(ctx context.Context, entry *types.ArtifactQueueEntry) error {
	var payload LinkPayload
	if err := json.Unmarshal(entry.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal link payload: %w", err)
	}
	link := &types.Link{
		ID:         uuid.New(),
		DocumentID: entry.DocumentID,
		Kind:       payload.Kind,
		URL:        payload.URL,
		Target:     payload.Target,
		Page:       payload.Page,
		Metadata:   datatypes.JSON(payload.Metadata),
	}
	return p.outputs.CreateLinks(dbctx.Context{Ctx: ctx}, []*types.Link{link})
}
