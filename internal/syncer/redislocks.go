package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// lockLease bounds how long a crashed holder can block a tenant before the
// key expires on its own.
const lockLease = 2 * time.Minute

// RedisLocks is the LockService for multi-instance deployments. The hold lock
// and the rate limit are separate keys: releasing the hold must not reset the
// minimum interval.
type RedisLocks struct {
	client      *redis.Client
	minInterval time.Duration
}

func NewRedisLocks(client *redis.Client, minInterval time.Duration) *RedisLocks {
	return &RedisLocks{client: client, minInterval: minInterval}
}

func (l *RedisLocks) holdKey(tenantID, source string) string {
	return fmt.Sprintf("dispatch-sync:hold:%s:%s", tenantID, source)
}

func (l *RedisLocks) intervalKey(tenantID, source string) string {
	return fmt.Sprintf("dispatch-sync:interval:%s:%s", tenantID, source)
}

func (l *RedisLocks) TryAcquire(ctx context.Context, tenantID, source string) (bool, error) {
	granted, err := l.client.SetNX(ctx, l.intervalKey(tenantID, source), 1, l.minInterval).Result()
	if err != nil {
		return false, fmt.Errorf("acquire interval key: %w", err)
	}
	if !granted {
		return false, nil
	}

	held, err := l.client.SetNX(ctx, l.holdKey(tenantID, source), 1, lockLease).Result()
	if err != nil {
		return false, fmt.Errorf("acquire hold key: %w", err)
	}
	return held, nil
}

func (l *RedisLocks) Release(ctx context.Context, tenantID, source string) error {
	if err := l.client.Del(ctx, l.holdKey(tenantID, source)).Err(); err != nil {
		return fmt.Errorf("release hold key: %w", err)
	}
	return nil
}
