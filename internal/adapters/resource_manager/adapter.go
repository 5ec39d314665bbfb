package resource_manager

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

type Adapter struct {
	limits       map[string]int
	defaultLimit int
	logger       *slog.Logger

	mu        sync.Mutex
	pools     map[string]*semaphore.Weighted
	executing map[string]int
	total     int
}

// NewAdapter limits task types listed in cfg.MaxConcurrentPerType; other
// types fall back to cfg.DefaultPerTypeLimit, where zero means unlimited.
func NewAdapter(cfg domain.EngineConfig, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	limits := make(map[string]int, len(cfg.MaxConcurrentPerType))
	for taskType, limit := range cfg.MaxConcurrentPerType {
		limits[taskType] = limit
	}
	return &Adapter{
		limits:       limits,
		defaultLimit: cfg.DefaultPerTypeLimit,
		logger:       logger.With("component", "resource-manager"),
		pools:        make(map[string]*semaphore.Weighted),
		executing:    make(map[string]int),
	}
}

// Enabled reports whether any task type is limited at all.
func (rm *Adapter) Enabled() bool {
	return len(rm.limits) > 0 || rm.defaultLimit > 0
}

func (rm *Adapter) Acquire(ctx context.Context, taskType string) error {
	if pool := rm.pool(taskType); pool != nil {
		if err := pool.Acquire(ctx, 1); err != nil {
			rm.logger.Debug("task type slot acquisition abandoned", "task_type", taskType, "error", err)
			return err
		}
	}
	rm.track(taskType, 1)
	return nil
}

func (rm *Adapter) TryAcquire(taskType string) bool {
	if pool := rm.pool(taskType); pool != nil && !pool.TryAcquire(1) {
		return false
	}
	rm.track(taskType, 1)
	return true
}

func (rm *Adapter) Release(taskType string) {
	rm.mu.Lock()
	if rm.executing[taskType] <= 0 {
		rm.mu.Unlock()
		rm.logger.Error("released task type with no executions", "task_type", taskType)
		return
	}
	rm.mu.Unlock()

	rm.track(taskType, -1)
	if pool := rm.pool(taskType); pool != nil {
		pool.Release(1)
	}
}

func (rm *Adapter) Stats() ports.ExecutionStats {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	stats := ports.ExecutionStats{
		TotalExecuting:   rm.total,
		PerTypeExecuting: make(map[string]int, len(rm.executing)),
		PerTypeCapacity:  make(map[string]int, len(rm.limits)),
	}
	for taskType, count := range rm.executing {
		stats.PerTypeExecuting[taskType] = count
		if limit := rm.limitFor(taskType); limit > 0 {
			stats.PerTypeCapacity[taskType] = limit
		}
	}
	for taskType, limit := range rm.limits {
		stats.PerTypeCapacity[taskType] = limit
	}
	return stats
}

func (rm *Adapter) limitFor(taskType string) int {
	if limit, ok := rm.limits[taskType]; ok {
		return limit
	}
	return rm.defaultLimit
}

func (rm *Adapter) pool(taskType string) *semaphore.Weighted {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if pool, ok := rm.pools[taskType]; ok {
		return pool
	}
	limit := rm.limitFor(taskType)
	if limit <= 0 {
		return nil
	}
	pool := semaphore.NewWeighted(int64(limit))
	rm.pools[taskType] = pool
	return pool
}

func (rm *Adapter) track(taskType string, delta int) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.executing[taskType] += delta
	rm.total += delta
	if rm.executing[taskType] == 0 {
		delete(rm.executing, taskType)
	}
}
