// Package health aggregates readiness checks for the metering service's
// backing stores.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// defaultTimeout bounds a single check.
const defaultTimeout = 2 * time.Second

// Status is the health of one dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// PingFunc reports a dependency failure as an error.
type PingFunc func(ctx context.Context) error

// Registry runs named checks on demand.
type Registry struct {
	mu      sync.RWMutex
	checks  []check
	timeout time.Duration
}

type check struct {
	name string
	ping PingFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: defaultTimeout}
}

// Register adds a named dependency check, e.g. db.PingContext or
// func(ctx) error { return rdb.Ping(ctx).Err() }.
func (r *Registry) Register(name string, ping PingFunc) {
	r.mu.Lock()
	r.checks = append(r.checks, check{name: name, ping: ping})
	r.mu.Unlock()
}

// CheckAll runs every check concurrently, each under its own timeout.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checks := make([]check, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c check) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			err := c.ping(cctx)
			statuses[i] = Status{Name: c.name, Healthy: err == nil, Latency: time.Since(start).Round(time.Microsecond).String()}
			if err != nil {
				statuses[i].Detail = err.Error()
			}
		}(i, c)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		healthy = healthy && s.Healthy
	}
	return healthy, statuses
}

// LiveHandler answers GET /health/live. It never touches dependencies.
func LiveHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadyHandler answers GET /health/ready with 503 when any check fails.
func (r *Registry) ReadyHandler(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())
	code, status := http.StatusOK, "ok"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "degraded"
	}
	c.JSON(code, gin.H{"status": status, "checks": statuses})
}
