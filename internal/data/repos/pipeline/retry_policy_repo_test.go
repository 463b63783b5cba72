package pipeline

import (
	"context"
	"testing"

	"github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline/testutil"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
)

func TestRetryPolicyRepo(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewRetryPolicyRepo(db, testutil.Logger(t))

	defaultPolicy := &types.RetryPolicyRow{
		ServiceName:     "document_ai",
		MaxRetries:      3,
		BaseDelaySecs:   1,
		MaxDelaySecs:    30,
		ExponentialBase: 2,
		JitterEnabled:   true,
	}
	if _, err := repo.Upsert(dbc, defaultPolicy); err != nil {
		t.Fatalf("Upsert (default): %v", err)
	}

	stageName := "image_processing"
	stagePolicy := &types.RetryPolicyRow{
		ServiceName:   "document_ai",
		StageName:     &stageName,
		MaxRetries:    5,
		BaseDelaySecs: 2,
		MaxDelaySecs:  120,
	}
	if _, err := repo.Upsert(dbc, stagePolicy); err != nil {
		t.Fatalf("Upsert (stage override): %v", err)
	}

	resolved, err := repo.GetForStage(dbc, "document_ai", "image_processing")
	if err != nil {
		t.Fatalf("GetForStage: %v", err)
	}
	if resolved == nil || resolved.MaxRetries != 5 {
		t.Fatalf("GetForStage: expected stage override (5 retries), got %+v", resolved)
	}

	fallback, err := repo.GetForStage(dbc, "document_ai", "classification")
	if err != nil {
		t.Fatalf("GetForStage (fallback): %v", err)
	}
	if fallback == nil || fallback.MaxRetries != 3 {
		t.Fatalf("GetForStage (fallback): expected default (3 retries), got %+v", fallback)
	}

	none, err := repo.GetForStage(dbc, "unregistered_service", "classification")
	if err != nil {
		t.Fatalf("GetForStage (unregistered): %v", err)
	}
	if none != nil {
		t.Fatalf("GetForStage (unregistered): expected nil, got %+v", none)
	}
}
