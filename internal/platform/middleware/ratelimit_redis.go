package middleware

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is a fixed-window counter shared by every replica. Each key
// gets ceil(rps) * window requests per window.
type RedisLimiter struct {
	rdb    redis.UniversalClient
	limit  int64
	window time.Duration
	prefix string
}

func NewRedisLimiter(rdb redis.UniversalClient, cfg RateLimitConfig, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Second
	}
	limit := int64(math.Ceil(cfg.RequestsPerSecond * window.Seconds()))
	if b := int64(cfg.BurstSize); b > limit {
		limit = b
	}
	if limit < 1 {
		limit = 1
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, prefix: "ratelimit:"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	slot := time.Now().UnixNano() / int64(l.window)
	k := fmt.Sprintf("%s%s:%d", l.prefix, key, slot)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate limit counter: %w", err)
	}

	if incr.Val() > l.limit {
		next := time.Duration((slot + 1) * int64(l.window))
		return false, time.Until(time.Unix(0, int64(next))), nil
	}
	return true, 0, nil
}
