package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the client used by the rate limiter. Timeouts are
// short because a slow Redis must not hold up ingestion; the limiter fails
// open instead.
type RedisConfig struct {
	Addr     string
	PoolSize int

	// OpTimeout bounds dial, read and write individually.
	OpTimeout   time.Duration
	PingTimeout time.Duration
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 500 * time.Millisecond
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 2 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		PoolSize:        cfg.PoolSize, // 0 lets go-redis size by GOMAXPROCS
		DialTimeout:     cfg.OpTimeout,
		ReadTimeout:     cfg.OpTimeout,
		WriteTimeout:    cfg.OpTimeout,
		PoolTimeout:     2 * cfg.OpTimeout,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

var fixedWindowScript = redis.NewScript(`
-- KEYS[1] = window counter key
-- ARGV[1] = limit (int)
-- ARGV[2] = window_ms (int)
--
-- Returns {allowed, count, pttl}
--  allowed = 1 if the request fits in the window, 0 otherwise
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end

local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  -- Key lost its TTL; restart the window.
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end

if current > tonumber(ARGV[1]) then
  return {0, current, ttl}
end
return {1, current, ttl}
`)

// RateDecision is the outcome of one AllowRate call.
type RateDecision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// AllowRate counts one request against key in a fixed window of the given
// length and reports whether it is within limit.
//
// Safety properties:
// - Atomic increment and expiry using Lua.
// - TTL bounds every counter, so keys never outlive their window.
func AllowRate(ctx context.Context, rdb redis.Scripter, key string, limit int, window time.Duration) (RateDecision, error) {
	if rdb == nil {
		return RateDecision{}, fmt.Errorf("redis client is nil")
	}
	if key == "" {
		return RateDecision{}, fmt.Errorf("key is required")
	}
	if limit <= 0 {
		return RateDecision{}, fmt.Errorf("limit must be > 0")
	}
	if window <= 0 {
		return RateDecision{}, fmt.Errorf("window must be > 0")
	}

	res, err := fixedWindowScript.Run(ctx, rdb, []string{key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return RateDecision{}, err
	}
	if len(res) != 3 {
		return RateDecision{}, fmt.Errorf("unexpected rate script reply %v", res)
	}
	return decodeRate(res, limit), nil
}

func decodeRate(res []int64, limit int) RateDecision {
	remaining := limit - int(res[1])
	if remaining < 0 {
		remaining = 0
	}
	return RateDecision{
		Allowed:   res[0] == 1,
		Remaining: remaining,
		ResetIn:   time.Duration(res[2]) * time.Millisecond,
	}
}

// RateLimiter binds AllowRate to one limit and window.
type RateLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
}

func NewRateLimiter(rdb redis.Scripter, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: limit, window: window}
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (RateDecision, error) {
	return AllowRate(ctx, l.rdb, key, l.limit, l.window)
}

// Fingerprint is a short stable digest for using secrets in key names.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
