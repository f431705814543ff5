package utils

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis accepts either a redis:// URL or host:port.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RateLimiter 基于 Redis 的固定窗口限流
type RateLimiter struct {
	client *redis.Client
	prefix string
	max    int64
	window time.Duration
}

func NewRateLimiter(client *redis.Client, prefix string, max int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: client, prefix: prefix, max: int64(max), window: window}
}

// Allow counts one hit for key and reports whether it is within the window limit,
// plus the time until the window resets.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	redisKey := fmt.Sprintf("ratelimit:%s:%s", l.prefix, key)

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, 0, err
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return true, 0, err
		}
	}

	ttl, err := l.client.TTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		// key lost its expiry, e.g. a crash between INCR and EXPIRE
		l.client.Expire(ctx, redisKey, l.window)
		ttl = l.window
	}
	return count <= l.max, ttl, nil
}
