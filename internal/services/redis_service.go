package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisService wraps the shared Redis client used for rate-limit counters
// and the worker queue plumbing.
type RedisService struct {
	client *redis.Client
}

// NewRedisService connects to Redis and verifies the connection.
func NewRedisService(redisURL string) (*RedisService, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.PoolSize = 20
	opts.MinIdleConns = 5
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Println("✅ Connected to Redis")
	return &RedisService{client: client}, nil
}

// Client exposes the raw client for services that need pub/sub or lists.
func (r *RedisService) Client() *redis.Client {
	return r.client
}

// CheckRateLimit implements a fixed-window counter. The first hit in a
// window sets the expiry; the call reports whether the action is allowed.
func (r *RedisService) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit incr failed: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return false, fmt.Errorf("rate limit expire failed: %w", err)
		}
	}
	return count <= int64(limit), nil
}

// ExpensiveOpLimiter counts expensive handler invocations per session key
// in fixed one-minute windows, shared across server instances through
// Redis.
type ExpensiveOpLimiter struct {
	redis     *RedisService
	perMinute int
}

// NewExpensiveOpLimiter builds a limiter allowing perMinute operations.
func NewExpensiveOpLimiter(redis *RedisService, perMinute int) *ExpensiveOpLimiter {
	return &ExpensiveOpLimiter{redis: redis, perMinute: perMinute}
}

// Allow reports whether the session identified by key may run another
// expensive operation this minute.
func (l *ExpensiveOpLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return l.redis.CheckRateLimit(ctx, "rl:expensive:"+key, l.perMinute, time.Minute)
}

// Ping verifies the connection is alive.
func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisService) Close() error {
	return r.client.Close()
}
