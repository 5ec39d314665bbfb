package semaphore

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/eleven-am/weave/internal/domain"
)

// Adapter is a bounded worker pool. Every slot is weighted 1.
type Adapter struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
	logger   *slog.Logger
}

func NewAdapter(capacity int, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity <= 0 {
		capacity = domain.DefaultEngineConfig().WorkerCount
	}

	return &Adapter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
		logger:   logger.With("component", "semaphore"),
	}
}

func (a *Adapter) Acquire(ctx context.Context) error {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		a.logger.Debug("worker slot acquisition abandoned", "in_use", a.InUse(), "error", err)
		return err
	}
	a.inUse.Add(1)
	return nil
}

func (a *Adapter) TryAcquire() bool {
	if !a.sem.TryAcquire(1) {
		return false
	}
	a.inUse.Add(1)
	return true
}

func (a *Adapter) Release() {
	a.inUse.Add(-1)
	a.sem.Release(1)
}

func (a *Adapter) InUse() int {
	return int(a.inUse.Load())
}

func (a *Adapter) Capacity() int {
	return a.capacity
}
