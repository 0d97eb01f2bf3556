// Package health provides a registry of named subsystem health checkers and
// the liveness/readiness endpoints built on it.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand. It also
// carries the process's readiness flag.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	ready    atomic.Bool
	version  string
	timeout  time.Duration
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry(version string) *Registry {
	return &Registry{version: version, timeout: 5 * time.Second}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// SetReady flips the readiness flag. The server marks itself ready once its
// listener is up and unready when shutdown begins.
func (r *Registry) SetReady(ready bool) {
	r.ready.Store(ready)
}

// Ready reports the readiness flag.
func (r *Registry) Ready() bool {
	return r.ready.Load()
}

// CheckAll runs all registered checkers and returns the aggregate health
// status plus individual subsystem results.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(checkers))

	for i, nc := range checkers {
		statuses[i] = nc.check(ctx)
		if statuses[i].Name == "" {
			statuses[i].Name = nc.name
		}
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}

// Response is the body of GET /health.
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (r *Registry) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", r.HealthHandler)
	router.GET("/health/live", r.LivenessHandler)
	router.GET("/health/ready", r.ReadinessHandler)
}

// HealthHandler runs every checker. Any failure turns the response into a 503.
func (r *Registry) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), r.timeout)
	defer cancel()

	healthy, statuses := r.CheckAll(ctx)
	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, Response{
		Status:    status,
		Version:   r.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// LivenessHandler answers as long as the process can serve HTTP.
func (r *Registry) LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// ReadinessHandler returns 503 until SetReady(true).
func (r *Registry) ReadinessHandler(c *gin.Context) {
	if !r.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// DBCheck pings the database.
func DBCheck(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// SchedulerCheck reports whether the auto-release loop is running.
func SchedulerCheck(running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: "release_scheduler", Healthy: false, Detail: "not running"}
		}
		return Status{Name: "release_scheduler", Healthy: true}
	}
}
