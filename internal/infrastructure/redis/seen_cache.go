package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisSeenCache deduplicates listing ids across reconnects, so a replayed
// feed notification does not re-trigger the pipeline.
type RedisSeenCache struct {
	client *redis.Client
}

func NewSeenCache(client *redis.Client) *RedisSeenCache {
	return &RedisSeenCache{client: client}
}

// MarkSeen returns true the first time a listing id is observed within the
// TTL window.
func (r *RedisSeenCache) MarkSeen(ctx context.Context, listingID string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("sniper:seen:%s", listingID)
	return r.client.SetNX(ctx, key, 1, ttl).Result()
}
