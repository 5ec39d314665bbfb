package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Check reports a component problem as an error.
type Check func(ctx context.Context) error

type HealthChecker struct {
	logger    *slog.Logger
	startTime time.Time

	mu     sync.RWMutex
	checks map[string]Check

	draining atomic.Bool
}

type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type HealthStatus struct {
	Healthy    bool                       `json:"healthy"`
	Status     string                     `json:"status"`
	IsDraining bool                       `json:"is_draining"`
	Uptime     string                     `json:"uptime"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		logger:    logger.With("component", "health-checker"),
		startTime: time.Now(),
		checks:    make(map[string]Check),
	}
}

func (hc *HealthChecker) Register(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// SetDraining marks the process as shutting down. A draining process stays
// healthy but is no longer ready.
func (hc *HealthChecker) SetDraining(draining bool) {
	hc.draining.Store(draining)
}

func (hc *HealthChecker) GetHealth(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(hc.checks))
	for k, v := range hc.checks {
		checks[k] = v
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	status := HealthStatus{
		Healthy:    true,
		Status:     "healthy",
		IsDraining: hc.draining.Load(),
		Uptime:     time.Since(hc.startTime).Round(time.Second).String(),
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]ComponentHealth, len(names)),
	}

	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			hc.logger.Warn("health check failed", "check", name, "error", err)
			status.Components[name] = ComponentHealth{Healthy: false, Error: err.Error()}
			status.Healthy = false
			status.Status = "unhealthy"
			continue
		}
		status.Components[name] = ComponentHealth{Healthy: true}
	}

	if status.IsDraining && status.Healthy {
		status.Status = "draining"
	}
	return status
}

func (hc *HealthChecker) IsReady(ctx context.Context) bool {
	health := hc.GetHealth(ctx)
	return health.Healthy && !health.IsDraining
}
