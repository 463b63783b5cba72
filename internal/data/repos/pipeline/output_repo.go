package pipeline

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// OutputRepo persists the canonical rows the storage stage writes once
// per document: chunks, images, links, and extracted entities. These
// share one upsert shape, so one repo backs all four tables rather
// than four near-identical ones.
type OutputRepo interface {
	UpsertChunks(dbc dbctx.Context, chunks []*types.Chunk) error
	SetChunkEmbedding(dbc dbctx.Context, chunkID uuid.UUID, embedding []byte) error
	GetChunksByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.Chunk, error)

	CreateImages(dbc dbctx.Context, images []*types.Image) error
	CreateLinks(dbc dbctx.Context, links []*types.Link) error
	CreateEntities(dbc dbctx.Context, entities []*types.Entity) error
}

type outputRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewOutputRepo(db *gorm.DB, baseLog *logger.Logger) OutputRepo {
	return &outputRepo{
		db:  db,
		log: baseLog.With("repo", "OutputRepo"),
	}
}

func (r *outputRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// UpsertChunks replaces chunk text/metadata on (document_id, index)
// conflict, which is what a re-run of the chunking stage for a document
// whose source content changed needs: the chunk set is rebuilt in
// place rather than accumulating stale rows alongside fresh ones.
func (r *outputRepo) UpsertChunks(dbc dbctx.Context, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "document_id"}, {Name: "index"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"text", "page", "metadata", "updated_at",
			}),
		}).
		Create(&chunks).Error
}

func (r *outputRepo) SetChunkEmbedding(dbc dbctx.Context, chunkID uuid.UUID, embedding []byte) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&types.Chunk{}).
		Where("id = ?", chunkID).
		Update("embedding", embedding).Error
}

func (r *outputRepo) GetChunksByDocument(dbc dbctx.Context, documentID uuid.UUID) ([]*types.Chunk, error) {
	var out []*types.Chunk
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("document_id = ?", documentID).
		Order("index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *outputRepo) CreateImages(dbc dbctx.Context, images []*types.Image) error {
	if len(images) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Create(&images).Error
}

func (r *outputRepo) CreateLinks(dbc dbctx.Context, links []*types.Link) error {
	if len(links) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Create(&links).Error
}

func (r *outputRepo) CreateEntities(dbc dbctx.Context, entities []*types.Entity) error {
	if len(entities) == 0 {
		return nil
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Create(&entities).Error
}
