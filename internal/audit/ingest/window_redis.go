package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const failureKeyPrefix = "audit:failures:"

// observeScript drops failures at or before the cutoff, adds the new failure and
// returns the count in one round trip so concurrent instances agree.
var observeScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return redis.call("ZCARD", KEYS[1])
`)

type windowClient interface {
	redis.Scripter
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisWindow shares failure streaks across instances using one sorted set
// per key, scored by failure time in microseconds.
type RedisWindow struct {
	client windowClient
	size   time.Duration
}

// NewRedisWindow creates a Redis-backed window. A non-positive size uses
// FailureWindowSize.
func NewRedisWindow(client windowClient, size time.Duration) *RedisWindow {
	if size <= 0 {
		size = FailureWindowSize
	}
	return &RedisWindow{client: client, size: size}
}

func (w *RedisWindow) Observe(ctx context.Context, key string, at time.Time) (int, error) {
	score := at.UnixMicro()
	cutoff := at.Add(-w.size).UnixMicro()
	n, err := observeScript.Run(ctx, w.client,
		[]string{failureKeyPrefix + key},
		score,
		cutoff,
		uuid.NewString(),
		w.size.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("observe failure window: %w", err)
	}
	return n, nil
}

func (w *RedisWindow) Reset(ctx context.Context, key string) error {
	if err := w.client.Del(ctx, failureKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("reset failure window: %w", err)
	}
	return nil
}
