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

type CompletionMarkerRepo interface {
	Upsert(dbc dbctx.Context, marker *types.CompletionMarker) (*types.CompletionMarker, error)
	GetByDocAndStage(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.CompletionMarker, error)
	Delete(dbc dbctx.Context, documentID uuid.UUID, stageName string) error
}

type completionMarkerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCompletionMarkerRepo(db *gorm.DB, baseLog *logger.Logger) CompletionMarkerRepo {
	return &completionMarkerRepo{
		db:  db,
		log: baseLog.With("repo", "CompletionMarkerRepo"),
	}
}

func (r *completionMarkerRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// Upsert writes a completion marker, replacing any prior marker for the
// same (document_id, stage_name) pair. A stage is allowed to complete
// more than once across replays — the idempotency layer compares
// data_hash on the fetched row, not on row existence alone.
func (r *completionMarkerRepo) Upsert(dbc dbctx.Context, marker *types.CompletionMarker) (*types.CompletionMarker, error) {
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "document_id"}, {Name: "stage_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"completed_at", "data_hash", "metadata", "updated_at",
			}),
		}).
		Create(marker).Error
	if err != nil {
		return nil, err
	}
	return marker, nil
}

func (r *completionMarkerRepo) GetByDocAndStage(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.CompletionMarker, error) {
	var row types.CompletionMarker
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("document_id = ? AND stage_name = ?", documentID, stageName).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *completionMarkerRepo) Delete(dbc dbctx.Context, documentID uuid.UUID, stageName string) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Where("document_id = ? AND stage_name = ?", documentID, stageName).
		Delete(&types.CompletionMarker{}).Error
}
