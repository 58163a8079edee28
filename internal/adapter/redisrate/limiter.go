// Package redisrate implements the rate limit port on Redis, giving exact
// per-user admission control across multiple orchestrator instances.
package redisrate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/ToolForge/internal/domain"
	"github.com/Strob0t/ToolForge/internal/port/ratelimit"
	"github.com/Strob0t/ToolForge/internal/resilience"
)

// acquireScript performs refill + conditional decrement as a single atomic
// check-and-decrement. Token count and wait are returned as strings because
// Lua→Redis number conversion truncates to integers.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then tokens = capacity end
if ts == nil then ts = now end

tokens = tokens + (now - ts) * rate
if tokens > capacity then tokens = capacity end

local allowed = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  wait = (1 - tokens) / rate
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, math.ceil(capacity / rate) * 2)
return {allowed, tostring(tokens), tostring(wait)}
`)

// Limiter is a shared-store token bucket backed by Redis. A circuit breaker
// keeps a dead Redis from adding a network timeout to every dispatch.
type Limiter struct {
	rdb      *redis.Client
	rate     float64
	capacity float64
	prefix   string
	breaker  *resilience.Breaker
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, url string, perMinute int) (*Limiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if perMinute < 1 {
		perMinute = 1
	}
	return &Limiter{
		rdb:      rdb,
		rate:     float64(perMinute) / 60.0,
		capacity: float64(perMinute),
		prefix:   "toolforge:rate:",
		breaker:  resilience.NewBreaker(5, 30*time.Second),
	}, nil
}

// TryAcquire implements ratelimit.Limiter. Redis failures surface as a
// StorageError; the caller decides whether to retry.
func (l *Limiter) TryAcquire(ctx context.Context, user string) (ratelimit.Decision, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	var res []any
	err := l.breaker.Execute(func() error {
		var runErr error
		res, runErr = acquireScript.Run(ctx, l.rdb,
			[]string{l.prefix + user},
			l.capacity, l.rate, strconv.FormatFloat(now, 'f', 6, 64),
		).Slice()
		return runErr
	})
	if err != nil {
		return ratelimit.Decision{}, &domain.StorageError{Op: "rate acquire", Err: err}
	}
	if len(res) != 3 {
		return ratelimit.Decision{}, &domain.StorageError{
			Op: "rate acquire", Err: fmt.Errorf("unexpected script reply: %v", res),
		}
	}

	allowed, _ := res[0].(int64)
	tokens := parseFloatReply(res[1])
	wait := parseFloatReply(res[2])

	d := ratelimit.Decision{
		Allowed:   allowed == 1,
		Remaining: tokens,
	}
	if !d.Allowed {
		d.RetryAfter = time.Duration(wait * float64(time.Second))
	}
	return d, nil
}

// Close releases the Redis connection.
func (l *Limiter) Close() error {
	return l.rdb.Close()
}

func parseFloatReply(v any) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
