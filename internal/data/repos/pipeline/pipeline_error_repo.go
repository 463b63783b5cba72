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

type PipelineErrorRepo interface {
	Create(dbc dbctx.Context, row *types.PipelineError) (*types.PipelineError, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// ClaimNextDue locks and returns the oldest error row eligible for a
	// background retry attempt right now, skipping rows already locked
	// by a concurrent sweeper. Returns nil, nil when nothing is due.
	ClaimNextDue(dbc dbctx.Context) (*types.PipelineError, error)
	ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.PipelineError, error)
}

type pipelineErrorRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineErrorRepo(db *gorm.DB, baseLog *logger.Logger) PipelineErrorRepo {
	return &pipelineErrorRepo{
		db:  db,
		log: baseLog.With("repo", "PipelineErrorRepo"),
	}
}

func (r *pipelineErrorRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *pipelineErrorRepo) Create(dbc dbctx.Context, row *types.PipelineError) (*types.PipelineError, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *pipelineErrorRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.PipelineError{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *pipelineErrorRepo) ClaimNextDue(dbc dbctx.Context) (*types.PipelineError, error) {
	transaction := r.tx(dbc)
	now := time.Now()
	var claimed *types.PipelineError
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var row types.PipelineError
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", types.PipelineErrorRetrying, now).
			Order("next_retry_at ASC").
			First(&row).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.PipelineError{}).
			Where("id = ?", row.ID).
			Updates(map[string]interface{}{
				"next_retry_at": nil,
				"updated_at":    now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *pipelineErrorRepo) ListByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.PipelineError, error) {
	var out []*types.PipelineError
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
