package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline/testutil"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
)

func TestCompletionMarkerRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewCompletionMarkerRepo(db, testutil.Logger(t))
	documentID := uuid.New()

	marker := &types.CompletionMarker{
		ID:          uuid.New(),
		DocumentID:  documentID,
		StageName:   "text_extraction",
		CompletedAt: time.Now().UTC(),
		DataHash:    "hash-v1",
		Metadata:    datatypes.JSON([]byte("{}")),
	}
	if _, err := repo.Upsert(dbc, marker); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	fetched, err := repo.GetByDocAndStage(dbc, documentID, "text_extraction")
	if err != nil {
		t.Fatalf("GetByDocAndStage: %v", err)
	}
	if fetched == nil || fetched.DataHash != "hash-v1" {
		t.Fatalf("GetByDocAndStage: expected hash-v1, got %+v", fetched)
	}

	// Re-running the stage with new input content re-upserts the same
	// row with a new data hash rather than creating a second marker.
	marker2 := &types.CompletionMarker{
		ID:          uuid.New(),
		DocumentID:  documentID,
		StageName:   "text_extraction",
		CompletedAt: time.Now().UTC(),
		DataHash:    "hash-v2",
		Metadata:    datatypes.JSON([]byte("{}")),
	}
	if _, err := repo.Upsert(dbc, marker2); err != nil {
		t.Fatalf("Upsert (replay): %v", err)
	}

	fetched2, err := repo.GetByDocAndStage(dbc, documentID, "text_extraction")
	if err != nil {
		t.Fatalf("GetByDocAndStage (replay): %v", err)
	}
	if fetched2.DataHash != "hash-v2" {
		t.Fatalf("GetByDocAndStage (replay): expected hash-v2, got %q", fetched2.DataHash)
	}

	if err := repo.Delete(dbc, documentID, "text_extraction"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	gone, err := repo.GetByDocAndStage(dbc, documentID, "text_extraction")
	if err != nil {
		t.Fatalf("GetByDocAndStage (after delete): %v", err)
	}
	if gone != nil {
		t.Fatalf("GetByDocAndStage (after delete): expected nil, got %+v", gone)
	}
}
