// Package idempotency persists per-(document, stage) completion
// markers keyed by an input-content hash, and exposes the hash
// comparison the scheduler uses to decide whether a stage can be
// skipped on replay.
package idempotency

import (
	"context"
	"time"

	"github.com/google/uuid"

	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
)

// Repo is the persistence boundary for completion markers.
type Repo interface {
	GetByDocAndStage(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.CompletionMarker, error)
	Upsert(dbc dbctx.Context, marker *types.CompletionMarker) (*types.CompletionMarker, error)
	Delete(dbc dbctx.Context, documentID uuid.UUID, stageName string) error
}

type Store struct {
	repo Repo
}

func New(repo Repo) *Store {
	return &Store{repo: repo}
}

// GetMarker returns the stored completion marker, or nil if the stage
// has never succeeded for this document.
func (s *Store) GetMarker(ctx context.Context, documentID uuid.UUID, stageName string) (*types.CompletionMarker, error) {
	return s.repo.GetByDocAndStage(dbctx.Context{Ctx: ctx}, documentID, stageName)
}

// SetMarker upserts the completion marker for (documentID, stageName).
func (s *Store) SetMarker(ctx context.Context, documentID uuid.UUID, stageName, dataHash string, metadata []byte) error {
	_, err := s.repo.Upsert(dbctx.Context{Ctx: ctx}, &types.CompletionMarker{
		ID:          uuid.New(),
		DocumentID:  documentID,
		StageName:   stageName,
		CompletedAt: time.Now().UTC(),
		DataHash:    dataHash,
		Metadata:    metadata,
	})
	return err
}

// ClearMarker removes the completion marker, used when the retry
// orchestrator detects the stage's own input hash changed.
func (s *Store) ClearMarker(ctx context.Context, documentID uuid.UUID, stageName string) error {
	return s.repo.Delete(dbctx.Context{Ctx: ctx}, documentID, stageName)
}

// IsUpToDate reports whether a stored marker's data_hash matches
// currentHash — an equal hash means the stage can be skipped and its
// previous outputs reused.
func (s *Store) IsUpToDate(ctx context.Context, documentID uuid.UUID, stageName, currentHash string) (bool, *types.CompletionMarker, error) {
	marker, err := s.GetMarker(ctx, documentID, stageName)
	if err != nil {
		return false, nil, err
	}
	if marker == nil {
		return false, nil, nil
	}
	return marker.DataHash == currentHash, marker, nil
}
