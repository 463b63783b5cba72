package retrypolicy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// RedisCache is the cross-process RemoteCache implementation: a thin
// Get/Set wrapper around a shared redis instance, so every pipeline
// worker process resolves the same policy for a given service/stage
// key without each one reading the retry_policy table independently.
type RedisCache struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
}

// NewRedisCache dials addr and pings it before returning, matching the
// construction discipline used elsewhere in this codebase for redis
// clients: fail fast at startup rather than on the first cache read.
func NewRedisCache(log *logger.Logger, addr string) (*RedisCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{
		log:    log.With("service", "RetryPolicyRedisCache"),
		rdb:    rdb,
		prefix: "retry_policy:",
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (Policy, bool, error) {
	raw, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err == goredis.Nil {
		return Policy{}, false, nil
	}
	if err != nil {
		return Policy{}, false, err
	}
	var policy Policy
	if err := json.Unmarshal(raw, &policy); err != nil {
		c.log.Warn("bad cached retry policy payload", "key", key, "error", err)
		return Policy{}, false, nil
	}
	return policy, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, policy Policy, ttl time.Duration) error {
	raw, err := json.Marshal(policy)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.prefix+key, raw, ttl).Err()
}

func (c *RedisCache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
