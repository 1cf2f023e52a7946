package circuitbreaker

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/llm-gateway/internal/metrics"
)

// StateChangeHook runs after the breaker for key moves between states.
type StateChangeHook func(key string, from, to State)

// Manager lazily creates one breaker per endpoint key
// ("provider/model@region") and reports their transitions.
type Manager struct {
	config  Config
	newCB   func(key string) CircuitBreaker
	hooks   []StateChangeHook
	mu      sync.Mutex
	entries map[string]*tracked
}

type ManagerOption func(*Manager)

// WithRedisClient keeps breaker state in Redis.
func WithRedisClient(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.newCB = func(key string) CircuitBreaker { return NewRedis(client, key, m.config) }
	}
}

func WithStateChangeHook(hook StateChangeHook) ManagerOption {
	return func(m *Manager) { m.hooks = append(m.hooks, hook) }
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		config:  cfg,
		newCB:   func(string) CircuitBreaker { return NewInMemory(cfg) },
		entries: make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Get(key string) CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.entries[key]
	if !ok {
		t = &tracked{inner: m.newCB(key), key: key, notify: m.changed}
		m.entries[key] = t
	}
	return t
}

// States maps every endpoint key seen so far to its breaker state name.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	entries := make([]*tracked, 0, len(m.entries))
	for _, t := range m.entries {
		entries = append(entries, t)
	}
	m.mu.Unlock()

	ctx := context.Background()
	out := make(map[string]string, len(entries))
	for _, t := range entries {
		out[t.key] = t.inner.State(ctx).String()
	}
	return out
}

func (m *Manager) changed(key string, from, to State) {
	metrics.SetCircuitBreakerState(key, int(to))
	for _, hook := range m.hooks {
		hook(key, from, to)
	}
}

// tracked compares the state around each call and reports any change.
type tracked struct {
	inner  CircuitBreaker
	key    string
	notify func(key string, from, to State)
}

func (t *tracked) around(ctx context.Context, call func()) {
	before := t.inner.State(ctx)
	call()
	if after := t.inner.State(ctx); after != before {
		t.notify(t.key, before, after)
	}
}

func (t *tracked) Allow(ctx context.Context) error {
	var err error
	t.around(ctx, func() { err = t.inner.Allow(ctx) })
	return err
}

func (t *tracked) RecordSuccess(ctx context.Context) {
	t.around(ctx, func() { t.inner.RecordSuccess(ctx) })
}

func (t *tracked) RecordFailure(ctx context.Context) {
	t.around(ctx, func() { t.inner.RecordFailure(ctx) })
}

func (t *tracked) State(ctx context.Context) State {
	return t.inner.State(ctx)
}
