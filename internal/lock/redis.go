package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/your-org/fpmatch/internal/config"
)

const (
	keyPrefix    = "fpmatch:lock:"
	pollInterval = 25 * time.Millisecond
)

// releaseScript deletes the key only while it still holds our token, so a
// lock that expired and was re-taken is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(ctx context.Context, cfg config.RedisConfig) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisLocker{client: client, ttl: cfg.LockTTL}, nil
}

// Lock polls until the lock is free or ctx is done. The lock expires after
// the configured TTL even if release is never called.
func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := keyPrefix + name
	token := uuid.NewString()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, name, ctx.Err())
			}
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return func() {
				// The request context may already be cancelled.
				relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := releaseScript.Run(relCtx, l.client, []string{key}, token).Err(); err != nil {
					slog.Warn("release lock", "name", name, "error", err)
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
