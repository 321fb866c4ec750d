package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter counts attempts in fixed one-minute windows shared across
// all dispatcher processes. Keys expire on their own; Redis being down
// fails open, since limiting is not a correctness guarantee.
type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb}
}

func (l *RedisLimiter) TryAcquire(ctx context.Context, webhookID uuid.UUID, perMinute int) bool {
	if perMinute <= 0 {
		return false
	}

	window := time.Now().Unix() / 60
	key := fmt.Sprintf("hookline:ratelimit:%s:%d", webhookID, window)

	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("rate limiter redis error, failing open", "error", err, "webhook_id", webhookID)
		return true
	}

	return incr.Val() <= int64(perMinute)
}
