package pipeline

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

type StageStatusRepo interface {
	GetOrCreate(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.StageStatusRow, error)
	GetByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.StageStatusRow, error)
	GetByDocAndStage(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.StageStatusRow, error)
	UpdateFields(dbc dbctx.Context, documentID uuid.UUID, stageName string, updates map[string]interface{}) error
}

type stageStatusRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStageStatusRepo(db *gorm.DB, baseLog *logger.Logger) StageStatusRepo {
	return &stageStatusRepo{
		db:  db,
		log: baseLog.With("repo", "StageStatusRepo"),
	}
}

func (r *stageStatusRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// GetOrCreate returns the existing stage-status row for (documentID,
// stageName), creating a pending one if none exists yet. The insert
// is conflict-tolerant on the unique (document_id, stage_name) index
// so concurrent schedulers racing to first-touch a stage never error.
func (r *stageStatusRepo) GetOrCreate(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.StageStatusRow, error) {
	row := &types.StageStatusRow{
		DocumentID: documentID,
		StageName:  stageName,
		Status:     types.StageExecPending,
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "stage_name"}},
			DoNothing: true,
		}).
		Create(row).Error
	if err != nil {
		return nil, err
	}
	return r.GetByDocAndStage(dbc, documentID, stageName)
}

func (r *stageStatusRepo) GetByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.StageStatusRow, error) {
	var out []*types.StageStatusRow
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageStatusRepo) GetByDocAndStage(dbc dbctx.Context, documentID uuid.UUID, stageName string) (*types.StageStatusRow, error) {
	var row types.StageStatusRow
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

func (r *stageStatusRepo) UpdateFields(dbc dbctx.Context, documentID uuid.UUID, stageName string, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.StageStatusRow{}).
		Where("document_id = ? AND stage_name = ?", documentID, stageName).
		Updates(updates).Error
}
