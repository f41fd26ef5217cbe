package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type resultValue struct {
	ProviderRef string    `json:"providerRef"`
	CompletedAt time.Time `json:"completedAt"`
}

func (c *RedisCache) StoreResult(ctx context.Context, reminderID, providerRef string, completedAt time.Time) error {
	key := fmt.Sprintf("reminder:%s", reminderID)
	val := resultValue{
		ProviderRef: providerRef,
		CompletedAt: completedAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}
