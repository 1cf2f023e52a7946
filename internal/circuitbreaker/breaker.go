// Package circuitbreaker tracks the health of upstream endpoints so the
// dispatcher can skip one that keeps failing.
//
// A breaker starts closed. FailureThreshold consecutive failures open it,
// and an open breaker rejects calls until Timeout has passed. After that it
// is half-open: calls go through, SuccessThreshold successes close it again
// and any failure re-opens it.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// CircuitBreaker guards one endpoint. InMemoryCircuitBreaker serves a single
// instance; RedisCircuitBreaker shares state between instances.
type CircuitBreaker interface {
	// Allow returns domain.ErrCircuitBreakerOpen while the endpoint is
	// being skipped.
	Allow(ctx context.Context) error
	RecordSuccess(ctx context.Context)
	RecordFailure(ctx context.Context)
	State(ctx context.Context) State
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type Config struct {
	FailureThreshold int
	SuccessThreshold int
	// Timeout is how long an open breaker waits before letting a trial request through.
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

type InMemoryCircuitBreaker struct {
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func NewInMemory(cfg Config) *InMemoryCircuitBreaker {
	return &InMemoryCircuitBreaker{config: cfg, now: time.Now}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	if cb.now().Sub(cb.openedAt) < cb.config.Timeout {
		return domain.ErrCircuitBreakerOpen
	}
	cb.state = StateHalfOpen
	cb.successes = 0
	return nil
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes++; cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures, cb.successes = 0, 0
		}
	}
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if cb.failures++; cb.failures >= cb.config.FailureThreshold {
			cb.trip()
		}
	case StateHalfOpen:
		cb.trip()
	}
}

// trip opens the breaker. Callers hold mu.
func (cb *InMemoryCircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.successes = 0
}

func (cb *InMemoryCircuitBreaker) State(ctx context.Context) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures is the count of consecutive failures while closed.
func (cb *InMemoryCircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
