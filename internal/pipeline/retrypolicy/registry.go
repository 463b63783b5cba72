// Package retrypolicy resolves per-service/per-stage retry parameters,
// cached with a bounded TTL in front of the persisted registry.
package retrypolicy

import (
	"context"
	"sync"
	"time"

	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
)

// Policy is the in-memory shape handed to callers. It mirrors
// types.RetryPolicyRow but is decoupled from the persistence model so
// the compiled-in default never needs a database row to exist.
type Policy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterEnabled   bool
}

// Default is returned when neither a stage-specific nor a service-wide
// policy row is registered.
var Default = Policy{
	MaxRetries:      3,
	BaseDelay:       1 * time.Second,
	MaxDelay:        60 * time.Second,
	ExponentialBase: 2.0,
	JitterEnabled:   true,
}

// Store is the persistence boundary the registry reads through.
type Store interface {
	GetForStage(dbc dbctx.Context, serviceName, stageName string) (*types.RetryPolicyRow, error)
}

// RemoteCache is an optional cross-process second tier in front of
// Store: when set on a Registry, a local cache miss checks here first,
// and a Store read is mirrored back into it, so several pipeline worker
// processes converge on one cached policy instead of each hammering the
// retry_policy table independently.
type RemoteCache interface {
	Get(ctx context.Context, key string) (Policy, bool, error)
	Set(ctx context.Context, key string, policy Policy, ttl time.Duration) error
}

type cacheKey struct {
	service string
	stage   string
}

type cacheEntry struct {
	policy    Policy
	expiresAt time.Time
}

// Registry is a read-mostly, single-writer-refresh TTL cache in front
// of the persisted retry_policy table. Concurrent reads never block
// each other; a cache miss or expiry triggers one store read under a
// write lock.
type Registry struct {
	store  Store
	ttl    time.Duration
	remote RemoteCache

	mu    sync.RWMutex
	cache map[cacheKey]cacheEntry
}

func New(store Store, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		store: store,
		ttl:   ttl,
		cache: make(map[cacheKey]cacheEntry),
	}
}

// WithRemoteCache attaches an optional cross-process second tier; it
// returns the same Registry for chaining at construction time.
func (r *Registry) WithRemoteCache(remote RemoteCache) *Registry {
	r.remote = remote
	return r
}

func (k cacheKey) String() string { return k.service + "|" + k.stage }

// GetPolicy resolves the effective policy for (serviceName, stageName).
// Resolution order: (a) unexpired cache entry; (b) persisted row
// matching service+stage; (c) persisted row matching service with no
// stage; (d) compiled-in default. The store-side fallback from (b) to
// (c) is handled by Store.GetForStage itself.
func (r *Registry) GetPolicy(ctx context.Context, serviceName, stageName string) (Policy, error) {
	key := cacheKey{service: serviceName, stage: stageName}

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.policy, nil
	}

	if r.remote != nil {
		if policy, found, err := r.remote.Get(ctx, key.String()); err == nil && found {
			r.mu.Lock()
			r.cache[key] = cacheEntry{policy: policy, expiresAt: time.Now().Add(r.ttl)}
			r.mu.Unlock()
			return policy, nil
		}
	}

	policy := Default
	if r.store != nil {
		row, err := r.store.GetForStage(dbctx.Context{Ctx: ctx}, serviceName, stageName)
		if err != nil {
			return Policy{}, err
		}
		if row != nil {
			policy = fromRow(row)
		}
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{policy: policy, expiresAt: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	if r.remote != nil {
		_ = r.remote.Set(ctx, key.String(), policy, r.ttl)
	}

	return policy, nil
}

func fromRow(row *types.RetryPolicyRow) Policy {
	return Policy{
		MaxRetries:      row.MaxRetries,
		BaseDelay:       time.Duration(row.BaseDelaySecs * float64(time.Second)),
		MaxDelay:        time.Duration(row.MaxDelaySecs * float64(time.Second)),
		ExponentialBase: row.ExponentialBase,
		JitterEnabled:   row.JitterEnabled,
	}
}
