package redis

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

const cooldownKey = "sniper:travel_cooldown"

// RedisCooldownCache gates automated travels: TryAcquire succeeds at most
// once per cooldown window.
type RedisCooldownCache struct {
	client *redis.Client
}

func NewCooldownCache(client *redis.Client) *RedisCooldownCache {
	return &RedisCooldownCache{client: client}
}

func (r *RedisCooldownCache) TryAcquire(ctx context.Context, cooldown time.Duration) (bool, error) {
	if cooldown <= 0 {
		return true, nil
	}
	return r.client.SetNX(ctx, cooldownKey, time.Now().Unix(), cooldown).Result()
}
