package pipeline

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

type ArtifactQueueRepo interface {
	Enqueue(dbc dbctx.Context, entry *types.ArtifactQueueEntry) (*types.ArtifactQueueEntry, error)
	// ClaimBatch locks and returns up to limit queued entries for a
	// single kind, skipping rows a concurrent drainer already holds.
	ClaimBatch(dbc dbctx.Context, kind types.ArtifactKind, limit int) ([]*types.ArtifactQueueEntry, error)
	Delete(dbc dbctx.Context, id uuid.UUID) error
	DeleteBatch(dbc dbctx.Context, ids []uuid.UUID) error
}

type artifactQueueRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArtifactQueueRepo(db *gorm.DB, baseLog *logger.Logger) ArtifactQueueRepo {
	return &artifactQueueRepo{
		db:  db,
		log: baseLog.With("repo", "ArtifactQueueRepo"),
	}
}

func (r *artifactQueueRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *artifactQueueRepo) Enqueue(dbc dbctx.Context, entry *types.ArtifactQueueEntry) (*types.ArtifactQueueEntry, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *artifactQueueRepo) ClaimBatch(dbc dbctx.Context, kind types.ArtifactKind, limit int) ([]*types.ArtifactQueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	transaction := r.tx(dbc)
	var claimed []*types.ArtifactQueueEntry
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var rows []*types.ArtifactQueueEntry
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("kind = ?", kind).
			Order("created_at ASC").
			Limit(limit).
			Find(&rows).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *artifactQueueRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Delete(&types.ArtifactQueueEntry{}, "id = ?", id).Error
}

func (r *artifactQueueRepo) DeleteBatch(dbc dbctx.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Delete(&types.ArtifactQueueEntry{}, "id IN ?", ids).Error
}
