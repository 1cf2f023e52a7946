package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthChecker is one dependency checked by /health/ready.
type HealthChecker interface {
	Check(ctx context.Context) error
	Name() string
}

// CheckFunc adapts a plain function, e.g. a provider health check.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string { return c.CheckName }

func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// NewRedisHealthChecker pings a standalone, sentinel or cluster client.
func NewRedisHealthChecker(client redis.UniversalClient) HealthChecker {
	return CheckFunc{
		CheckName: "redis",
		Fn:        func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// NewPostgresHealthChecker pings a *sql.DB or *sqlx.DB.
func NewPostgresHealthChecker(db pinger) HealthChecker {
	return CheckFunc{CheckName: "postgres", Fn: db.PingContext}
}

type dependencyStatus struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type readinessReport struct {
	Status       string             `json:"status"`
	Version      string             `json:"version,omitempty"`
	Dependencies []dependencyStatus `json:"dependencies"`
}

// checkAll runs every checker concurrently under one deadline and returns the
// results ordered by name.
func checkAll(ctx context.Context, checkers []HealthChecker) []dependencyStatus {
	out := make([]dependencyStatus, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			out[i] = dependencyStatus{
				Name:      c.Name(),
				OK:        err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				out[i].Error = err.Error()
			}
		}()
	}
	wg.Wait()

	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// readinessHandler answers 503 while any dependency is failing.
func readinessHandler(checkers []HealthChecker, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		report := readinessReport{
			Status:       "ready",
			Version:      version,
			Dependencies: checkAll(ctx, checkers),
		}
		code := http.StatusOK
		for _, d := range report.Dependencies {
			if !d.OK {
				report.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, code, report)
	}
}
