package pipeline

import (
	"errors"

	"gorm.io/gorm"

	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

type RetryPolicyRepo interface {
	GetForStage(dbc dbctx.Context, serviceName, stageName string) (*types.RetryPolicyRow, error)
	GetDefault(dbc dbctx.Context, serviceName string) (*types.RetryPolicyRow, error)
	Upsert(dbc dbctx.Context, row *types.RetryPolicyRow) (*types.RetryPolicyRow, error)
}

type retryPolicyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRetryPolicyRepo(db *gorm.DB, baseLog *logger.Logger) RetryPolicyRepo {
	return &retryPolicyRepo{
		db:  db,
		log: baseLog.With("repo", "RetryPolicyRepo"),
	}
}

func (r *retryPolicyRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// GetForStage resolves the stage-specific override first, falling back
// to the service-wide default (stage_name IS NULL) when no override is
// registered. Callers needing only the default should use GetDefault.
func (r *retryPolicyRepo) GetForStage(dbc dbctx.Context, serviceName, stageName string) (*types.RetryPolicyRow, error) {
	var row types.RetryPolicyRow
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("service_name = ? AND stage_name = ?", serviceName, stageName).
		Take(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return r.GetDefault(dbc, serviceName)
}

func (r *retryPolicyRepo) GetDefault(dbc dbctx.Context, serviceName string) (*types.RetryPolicyRow, error) {
	var row types.RetryPolicyRow
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("service_name = ? AND stage_name IS NULL", serviceName).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *retryPolicyRepo) Upsert(dbc dbctx.Context, row *types.RetryPolicyRow) (*types.RetryPolicyRow, error) {
	if row.StageName == nil {
		err := r.tx(dbc).WithContext(dbc.Ctx).
			Where("service_name = ? AND stage_name IS NULL", row.ServiceName).
			Assign(*row).
			FirstOrCreate(row).Error
		if err != nil {
			return nil, err
		}
		return row, nil
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("service_name = ? AND stage_name = ?", row.ServiceName, *row.StageName).
		Assign(*row).
		FirstOrCreate(row).Error
	if err != nil {
		return nil, err
	}
	return row, nil
}
