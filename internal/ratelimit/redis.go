package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:"

// allowScript trims the window, admits the request when there is room and
// returns {allowed, count, oldest_ms}.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = now
if oldest[2] then
	first = tonumber(oldest[2])
end
return {allowed, count, first}
`)

type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, orgID string, limit int) (bool, int, time.Time, error) {
	now := time.Now()
	if limit <= 0 {
		return true, 0, now.Add(Window), nil
	}

	vals, err := allowScript.Run(ctx, r.client, []string{keyPrefix + orgID},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(Window.Milliseconds(), 10),
		strconv.Itoa(limit),
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, err
	}

	allowed := vals[0] == 1
	remaining := limit - int(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.UnixMilli(vals[2]).Add(Window)
	return allowed, remaining, resetAt, nil
}
