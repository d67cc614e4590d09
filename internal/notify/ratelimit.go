package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds adapter sends with sliding windows shared by all
// workers of a channel. Scopes are either channel-global ("email") or
// per-user ("in_app:u1"). A denied reservation reports how long until the
// window has room, which the engine turns into a deferral, never an attempt.
type RateLimiter interface {
	// Reserve takes n slots in the scope's window. When the window cannot
	// fit n more sends it returns ok=false and the wait until it can.
	Reserve(ctx context.Context, scope string, n, limit int, window time.Duration) (ok bool, retryAfter time.Duration, err error)
}

const keyRatePrefix = "courier:rate:"

// RedisRateLimiter implements RateLimiter with a sorted set per scope:
// members are send reservations scored by their timestamp, trimmed to the
// window on every reservation. The count check and the insert run in one
// Lua script so the decision is made on the same snapshot that takes the
// slots.
type RedisRateLimiter struct {
	client *redis.Client
}

// NewRedisRateLimiter creates a limiter on an existing client.
func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// KEYS[1] scope key
// ARGV[1] now (unix nanos), ARGV[2] window (nanos), ARGV[3] n, ARGV[4] limit,
// ARGV[5] member prefix for the reservations
// Returns {1} on success, {0, oldestScore} on denial.
var reserveScript = redis.NewScript(`
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local n = tonumber(ARGV[3])
	local limit = tonumber(ARGV[4])

	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)

	local count = redis.call("ZCARD", KEYS[1])
	if count + n > limit then
		local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
		local oldestScore = now
		if oldest[2] then oldestScore = tonumber(oldest[2]) end
		return {0, tostring(oldestScore)}
	end

	for i = 1, n do
		redis.call("ZADD", KEYS[1], now, ARGV[5] .. ":" .. i)
	end
	redis.call("PEXPIRE", KEYS[1], math.ceil(window / 1000000))
	return {1}
`)

// Reserve takes n slots in the scope's window.
func (rl *RedisRateLimiter) Reserve(ctx context.Context, scope string, n, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 {
		// Unconfigured scope: no limit.
		return true, 0, nil
	}
	if n > limit {
		// A batch larger than the whole window can never fit; let it
		// through rather than defer forever. Batch sizes are configured
		// below the per-minute limits.
		n = limit
	}

	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String()[:8])

	res, err := reserveScript.Run(ctx, rl.client,
		[]string{keyRatePrefix + scope},
		now.UnixNano(), int64(window), n, limit, member,
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("failed to reserve rate slots: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return false, 0, fmt.Errorf("unexpected rate limiter reply: %v", res)
	}

	allowed, _ := vals[0].(int64)
	if allowed == 1 {
		return true, 0, nil
	}

	// Denied: the window opens when the oldest reservation ages out.
	retryAfter := window
	if len(vals) > 1 {
		if s, ok := vals[1].(string); ok {
			if oldest, err := strconv.ParseFloat(s, 64); err == nil {
				opensAt := time.Unix(0, int64(oldest)).Add(window)
				if wait := time.Until(opensAt); wait > 0 && wait < window {
					retryAfter = wait
				}
			}
		}
	}
	return false, retryAfter, nil
}
