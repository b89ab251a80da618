// README: Redis-backed shared path cache and sweeper lock for multi-replica deployments.
package matching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"carpool/internal/types"
)

// PathCache shares sampled paths between replicas.
type PathCache interface {
	Get(ctx context.Context, offerID types.ID) ([]types.Point, bool, error)
	Set(ctx context.Context, offerID types.ID, path []types.Point) error
	Delete(ctx context.Context, offerID types.ID) error
}

// Locker grants a lease that expires on its own after ttl.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type RedisPathCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPathCache(rdb *redis.Client, ttl time.Duration) *RedisPathCache {
	return &RedisPathCache{rdb: rdb, ttl: ttl}
}

func routeKey(offerID types.ID) string {
	return "carpool:route:" + string(offerID)
}

func (c *RedisPathCache) Get(ctx context.Context, offerID types.ID) ([]types.Point, bool, error) {
	raw, err := c.rdb.Get(ctx, routeKey(offerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var path []types.Point
	if err := json.Unmarshal(raw, &path); err != nil {
		return nil, false, fmt.Errorf("decode cached path: %w", err)
	}
	return path, true, nil
}

func (c *RedisPathCache) Set(ctx context.Context, offerID types.ID, path []types.Point) error {
	raw, err := json.Marshal(path)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, routeKey(offerID), raw, c.ttl).Err()
}

func (c *RedisPathCache) Delete(ctx context.Context, offerID types.ID) error {
	return c.rdb.Del(ctx, routeKey(offerID)).Err()
}

// RedisLocker takes leases with SET NX. Leases are never released early; the ttl must be
// shorter than the interval between attempts.
type RedisLocker struct {
	rdb   *redis.Client
	owner string
}

func NewRedisLocker(rdb *redis.Client, owner string) *RedisLocker {
	return &RedisLocker{rdb: rdb, owner: owner}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, "carpool:lock:"+key, l.owner, ttl).Result()
}
