// Package lock implements the non-blocking advisory lock used to
// serialize concurrent workers attempting the same (document, stage).
package lock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Token is returned by a successful TryAcquire and passed back to
// Release. For the Postgres manager it carries no state beyond
// identifying the transaction the lock lives in — release follows the
// transaction's commit/rollback, but callers still call Release
// explicitly so manager implementations that do need explicit unlock
// (e.g. an in-memory manager) behave uniformly.
type Token struct {
	key  int64
	name string
}

// Manager acquires and releases a non-blocking named lock keyed by
// (documentID, stageName).
type Manager interface {
	TryAcquire(ctx context.Context, documentID uuid.UUID, stageName string) (*Token, bool, error)
	Release(ctx context.Context, token *Token) error
}

// PostgresManager uses pg_try_advisory_xact_lock, scoping the lock to
// the caller's transaction: it is released automatically on commit or
// rollback, and Release is a no-op kept only to satisfy Manager.
type PostgresManager struct {
	db *gorm.DB
}

func NewPostgresManager(db *gorm.DB) *PostgresManager {
	return &PostgresManager{db: db}
}

// TryAcquireTx attempts pg_try_advisory_xact_lock within tx (required:
// the lock's scope is the enclosing transaction). Returns ok=false,
// not an error, when another session already holds the lock — the
// caller treats that as "another worker is handling this stage",
// never as a failure.
func (m *PostgresManager) TryAcquireTx(ctx context.Context, tx *gorm.DB, documentID uuid.UUID, stageName string) (*Token, bool, error) {
	key := advisoryKey64(documentID, stageName)
	var acquired bool
	if err := tx.WithContext(ctx).
		Raw("SELECT pg_try_advisory_xact_lock(?)", key).
		Scan(&acquired).Error; err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return &Token{key: key}, true, nil
}

func (m *PostgresManager) TryAcquire(ctx context.Context, documentID uuid.UUID, stageName string) (*Token, bool, error) {
	return m.TryAcquireTx(ctx, m.db, documentID, stageName)
}

// Release is a no-op for PostgresManager: the lock is transaction
// scoped and releases on commit/rollback of the transaction it was
// acquired under.
func (m *PostgresManager) Release(ctx context.Context, token *Token) error {
	return nil
}

func advisoryKey64(documentID uuid.UUID, stageName string) int64 {
	h := fnv.New64a()
	_, _ = h.Write(documentID[:])
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(stageName))
	return int64(h.Sum64())
}

// InMemoryManager is a single-process lock used by tests and by any
// deployment that does not coordinate through Postgres. It is not
// fork-safe across processes; use PostgresManager for real multi-
// worker coordination.
type InMemoryManager struct {
	mu      sync.Mutex
	holders map[string]struct{}
}

func NewInMemoryManager() *InMemoryManager {
	return &InMemoryManager{holders: make(map[string]struct{})}
}

func (m *InMemoryManager) lockName(documentID uuid.UUID, stageName string) string {
	return documentID.String() + ":" + stageName
}

func (m *InMemoryManager) TryAcquire(_ context.Context, documentID uuid.UUID, stageName string) (*Token, bool, error) {
	name := m.lockName(documentID, stageName)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.holders[name]; held {
		return nil, false, nil
	}
	m.holders[name] = struct{}{}
	return &Token{key: int64(len(name)), name: name}, true, nil
}

func (m *InMemoryManager) Release(_ context.Context, token *Token) error {
	if token == nil || token.name == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holders, token.name)
	return nil
}
