package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so
// an expired lock re-acquired by someone else is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker across processes sharing a Redis.
type RedisLocker struct {
	rdb         *redis.Client
	ttl         time.Duration
	prefix      string
	maxInterval time.Duration
	log         *slog.Logger
}

// NewRedisLocker creates a distributed locker. Locks expire after ttl
// if the holder dies.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		rdb:         rdb,
		ttl:         ttl,
		prefix:      "lock:",
		maxInterval: time.Second,
		log:         logger.With("component", "lock"),
	}
}

// Lock retries SET NX with exponential backoff until acquired or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	k := l.prefix + key
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = l.maxInterval

	for {
		ok, err := l.rdb.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", k, err)
		}
		if ok {
			break
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = l.maxInterval
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", k, ctx.Err())
		case <-time.After(sleep):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even when the caller's context is already done.
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.rdb, []string{k}, token).Err(); err != nil {
				l.log.Warn("release lock", "key", k, "err", err)
			}
		})
	}, nil
}
