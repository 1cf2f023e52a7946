package circuitbreaker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Breaker state for one endpoint lives in a single hash, cb:<endpoint key>,
// with fields state, failures, successes and opened_at (unix ms). Times are
// passed in from the caller so every instance shares one notion of "now"
// per call.

// KEYS[1] hash. ARGV: now_ms, timeout_ms. Returns the state after the check.
var allowScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state ~= 'open' then
    return state
end

local openedAt = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
if tonumber(ARGV[1]) - openedAt >= tonumber(ARGV[2]) then
    redis.call('HSET', KEYS[1], 'state', 'half-open', 'successes', 0)
    return 'half-open'
end
return 'open'
`)

// KEYS[1] hash. ARGV: outcome ("success" or "failure"), now_ms,
// failure_threshold, success_threshold, idle_ttl_seconds.
// Returns the state after recording.
var recordScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local updated = state

if ARGV[1] == 'success' then
    if state == 'closed' then
        redis.call('HSET', KEYS[1], 'failures', 0)
    elseif state == 'half-open' then
        local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
        if successes >= tonumber(ARGV[4]) then
            updated = 'closed'
            redis.call('HSET', KEYS[1], 'state', updated, 'failures', 0, 'successes', 0)
        end
    end
else
    if state == 'closed' then
        local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
        if failures >= tonumber(ARGV[3]) then
            updated = 'open'
            redis.call('HSET', KEYS[1], 'state', updated, 'opened_at', ARGV[2])
        end
    elseif state == 'half-open' then
        updated = 'open'
        redis.call('HSET', KEYS[1], 'state', updated, 'opened_at', ARGV[2], 'successes', 0)
    end
end

redis.call('EXPIRE', KEYS[1], tonumber(ARGV[5]))
return updated
`)

// idleTTL drops the state of endpoints that have not been called for a day.
const idleTTL = 24 * time.Hour

// RedisCircuitBreaker keeps breaker state in Redis so that every gateway
// instance sees the same endpoint health. Redis errors fail open.
type RedisCircuitBreaker struct {
	client *redis.Client
	key    string
	config Config
	now    func() time.Time
}

// NewRedis returns a breaker for one endpoint key on a shared client.
func NewRedis(client *redis.Client, key string, cfg Config) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client: client,
		key:    "cb:" + key,
		config: cfg,
		now:    time.Now,
	}
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	state, err := allowScript.Run(ctx, cb.client, []string{cb.key},
		cb.now().UnixMilli(), cb.config.Timeout.Milliseconds()).Text()
	if err != nil {
		return nil
	}

	if state == "open" {
		return domain.ErrCircuitBreakerOpen
	}
	return nil
}

func (cb *RedisCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.record(ctx, "success")
}

func (cb *RedisCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.record(ctx, "failure")
}

func (cb *RedisCircuitBreaker) record(ctx context.Context, outcome string) {
	recordScript.Run(ctx, cb.client, []string{cb.key},
		outcome,
		cb.now().UnixMilli(),
		cb.config.FailureThreshold,
		cb.config.SuccessThreshold,
		int(idleTTL.Seconds()),
	)
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	s, err := cb.client.HGet(ctx, cb.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(s)
}

func (cb *RedisCircuitBreaker) Failures(ctx context.Context) int {
	n, err := cb.client.HGet(ctx, cb.key, "failures").Int()
	if err != nil {
		return 0
	}
	return n
}

// Reset forces the breaker closed.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	return cb.client.Del(ctx, cb.key).Err()
}

func parseState(s string) State {
	switch s {
	case "open":
		return StateOpen
	case "half-open":
		return StateHalfOpen
	default:
		return StateClosed
	}
}
