package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownRepository reserves short-lived keys in Redis to throttle repeated actions.
type CooldownRepository struct {
	client *redis.Client
	prefix string
}

// NewCooldownRepository constructs a cooldown repository. A nil client disables throttling.
func NewCooldownRepository(client *redis.Client, prefix string) *CooldownRepository {
	return &CooldownRepository{client: client, prefix: prefix}
}

// Acquire reserves key for ttl. When the key is already held it returns false
// together with the remaining time.
func (r *CooldownRepository) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error) {
	if r == nil || r.client == nil || ttl <= 0 {
		return true, 0, nil
	}
	fullKey := r.prefix + key

	ok, err := r.client.SetNX(ctx, fullKey, time.Now().UTC().Unix(), ttl).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis setnx %s: %w", fullKey, err)
	}
	if ok {
		return true, 0, nil
	}

	remaining, err := r.client.PTTL(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis pttl %s: %w", fullKey, err)
	}
	if remaining < 0 {
		remaining = ttl
	}
	return false, remaining, nil
}

// Release drops a reservation so the action can be retried immediately.
func (r *CooldownRepository) Release(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return nil
	}
	fullKey := r.prefix + key
	if err := r.client.Del(ctx, fullKey).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", fullKey, err)
	}
	return nil
}
