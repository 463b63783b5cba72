package lock

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/data/repos/pipeline/testutil"
)

// TestPostgresManager_MutualExclusion exercises the real
// pg_try_advisory_xact_lock path: two separate transactions racing
// for the same (document, stage) key, one of which must lose.
func TestPostgresManager_MutualExclusion(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	documentID := uuid.New()

	txA := db.Begin()
	if txA.Error != nil {
		t.Fatalf("begin txA: %v", txA.Error)
	}
	defer txA.Rollback()

	txB := db.Begin()
	if txB.Error != nil {
		t.Fatalf("begin txB: %v", txB.Error)
	}
	defer txB.Rollback()

	mgr := NewPostgresManager(db)

	_, okA, err := mgr.TryAcquireTx(ctx, txA, documentID, "embedding")
	if err != nil {
		t.Fatalf("TryAcquireTx (A): %v", err)
	}
	if !okA {
		t.Fatalf("TryAcquireTx (A): expected success")
	}

	_, okB, err := mgr.TryAcquireTx(ctx, txB, documentID, "embedding")
	if err != nil {
		t.Fatalf("TryAcquireTx (B): %v", err)
	}
	if okB {
		t.Fatalf("TryAcquireTx (B): expected failure while A holds the lock")
	}

	if err := txA.Rollback().Error; err != nil {
		t.Fatalf("rollback txA: %v", err)
	}

	txC := db.Begin()
	if txC.Error != nil {
		t.Fatalf("begin txC: %v", txC.Error)
	}
	defer txC.Rollback()

	_, okC, err := mgr.TryAcquireTx(ctx, txC, documentID, "embedding")
	if err != nil {
		t.Fatalf("TryAcquireTx (C): %v", err)
	}
	if !okC {
		t.Fatalf("TryAcquireTx (C): expected success once A's transaction released the lock")
	}
}
