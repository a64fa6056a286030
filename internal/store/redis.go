// redis.go -- go-redis client and the attempt-counting rate limiter.
//
// Counters live under ratelimit:count:<key> with a TTL of the policy window.
// Hitting the limit writes ratelimit:lock:<key>, which blocks further attempts
// until it expires. If Redis is not configured, NoopRateLimiter allows everything.
package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to Redis and pings it before returning.
// Call once at startup from main.go...returned client is safe for concurrent use.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	// Parse redisURL to get option values, if err return it
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// incrScript bumps the counter and starts its window on the first attempt.
// KEYS[1] = counter key, ARGV[1] = window in milliseconds.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// RedisRateLimiter counts attempts per key in Redis.
type RedisRateLimiter struct {
	rdb *redis.Client
}

func NewRedisRateLimiter(rdb *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{rdb: rdb}
}

// Allow records one attempt for key under policy p.
// Returns ErrRateLimitExceeded when locked out or when this attempt crosses MaxAttempts.
func (l *RedisRateLimiter) Allow(ctx context.Context, key string, p RateLimit) error {
	if p.MaxAttempts <= 0 {
		return nil
	}
	lockKey := "ratelimit:lock:" + key

	locked, err := l.rdb.Exists(ctx, lockKey).Result()
	if err != nil {
		return fmt.Errorf("checking lockout: %w", err)
	}
	if locked > 0 {
		return ErrRateLimitExceeded
	}

	n, err := incrScript.Run(ctx, l.rdb,
		[]string{"ratelimit:count:" + key}, p.Window.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("counting attempt: %w", err)
	}
	if n <= int64(p.MaxAttempts) {
		return nil
	}

	// Over the limit, lock out and reset the counter so the next window starts clean
	pipe := l.rdb.TxPipeline()
	if p.LockoutTTL > 0 {
		pipe.Set(ctx, lockKey, 1, p.LockoutTTL)
	}
	pipe.Del(ctx, "ratelimit:count:"+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("setting lockout: %w", err)
	}
	return ErrRateLimitExceeded
}

// Reset clears the counter and any lockout for key, e.g. after a successful login.
func (l *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return l.rdb.Del(ctx, "ratelimit:count:"+key, "ratelimit:lock:"+key).Err()
}

func (l *RedisRateLimiter) CheckHealth(ctx context.Context) error {
	return l.rdb.Ping(ctx).Err()
}

// NoopRateLimiter is used when Redis is not configured.
type NoopRateLimiter struct{}

func (NoopRateLimiter) Allow(context.Context, string, RateLimit) error { return nil }

func (NoopRateLimiter) Reset(context.Context, string) error { return nil }

func (NoopRateLimiter) CheckHealth(context.Context) error { return ErrCacheDisabled }
