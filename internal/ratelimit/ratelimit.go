// Package ratelimit enforces per-organization requests per minute with a
// sliding window. The in-memory backend serves a single instance; the Redis
// backend is shared by every gateway replica.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const Window = time.Minute

// RateLimiter reports whether a request is allowed, the remaining quota and
// when the window resets. A limit of zero or less means unlimited.
type RateLimiter interface {
	Allow(ctx context.Context, orgID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter keeps the timestamps of accepted requests per
// organization.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	now     func() time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, orgID string, limit int) (bool, int, time.Time, error) {
	now := r.now()
	if limit <= 0 {
		return true, 0, now.Add(Window), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-Window)
	hits := r.windows[orgID]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= limit {
		r.windows[orgID] = hits
		return false, 0, hits[0].Add(Window), nil
	}

	hits = append(hits, now)
	r.windows[orgID] = hits
	return true, limit - len(hits), hits[0].Add(Window), nil
}
