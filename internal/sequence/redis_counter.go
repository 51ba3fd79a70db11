package sequence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisCounter keeps counters as Redis integers and relies on INCR for atomicity.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, prefix: "portal:seq:"}
}

func (c *RedisCounter) Next(ctx context.Context, scope Scope, seed SeedFunc) (int64, error) {
	key := c.prefix + scope.Key

	exists, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check sequence %s: %w", key, err)
	}
	if exists == 0 {
		var start int64
		if seed != nil {
			if start, err = seed(ctx); err != nil {
				return 0, fmt.Errorf("failed to seed sequence %s: %w", key, err)
			}
		}
		// SETNX keeps whichever seed landed first.
		if err := c.client.SetNX(ctx, key, start, scope.TTL).Err(); err != nil {
			return 0, fmt.Errorf("failed to create sequence %s: %w", key, err)
		}
	}

	value, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence %s: %w", key, err)
	}
	return value, nil
}
