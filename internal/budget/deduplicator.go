package budget

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator suppresses repeats of an alert level for an organization
// within a window. ClearAlert resets the organization once its balance
// recovers.
type AlertDeduplicator interface {
	ShouldAlert(ctx context.Context, orgID string, level AlertLevel) bool
	ClearAlert(ctx context.Context, orgID string)
}

type InMemoryDeduplicator struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	sent map[string]map[AlertLevel]time.Time
}

// NewInMemoryDeduplicator suppresses repeats until the organization is
// cleared.
func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return NewInMemoryDeduplicatorWindow(0)
}

// NewInMemoryDeduplicatorWindow also lets a level fire again once window
// has passed. Zero means no expiry.
func NewInMemoryDeduplicatorWindow(window time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		window: window,
		now:    time.Now,
		sent:   make(map[string]map[AlertLevel]time.Time),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, orgID string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	levels := d.sent[orgID]
	if at, ok := levels[level]; ok && (d.window == 0 || now.Sub(at) < d.window) {
		return false
	}
	if levels == nil {
		levels = make(map[AlertLevel]time.Time)
		d.sent[orgID] = levels
	}
	levels[level] = now
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, orgID string) {
	d.mu.Lock()
	delete(d.sent, orgID)
	d.mu.Unlock()
}

// Alert state for an organization is one hash, budget:alerts:<org>, mapping
// level to the unix ms until which it stays suppressed.
//
// KEYS[1] hash. ARGV: level, now_ms, window_ms. Returns 1 when the caller
// should send the alert.
var claimAlertScript = redis.NewScript(`
local until_ms = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
local now = tonumber(ARGV[2])
if until_ms > now then
    return 0
end
local window = tonumber(ARGV[3])
redis.call('HSET', KEYS[1], ARGV[1], now + window)
redis.call('PEXPIRE', KEYS[1], window)
return 1
`)

// RedisDeduplicator shares alert state between gateway instances so only
// one of them sends each alert.
type RedisDeduplicator struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
}

func NewRedisDeduplicator(client *redis.Client, window time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, window: window, now: time.Now}
}

func alertsKey(orgID string) string {
	return "budget:alerts:" + orgID
}

// ShouldAlert fails open when Redis is unreachable.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, orgID string, level AlertLevel) bool {
	won, err := claimAlertScript.Run(ctx, d.client, []string{alertsKey(orgID)},
		string(level), d.now().UnixMilli(), d.window.Milliseconds()).Int()
	if err != nil {
		return true
	}
	return won == 1
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, orgID string) {
	d.client.Del(ctx, alertsKey(orgID))
}
