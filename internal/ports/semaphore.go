package ports

import (
	"context"
)

// WorkerPool bounds how many task dispatches run at once.
type WorkerPool interface {
	Acquire(ctx context.Context) error
	TryAcquire() bool
	Release()
	InUse() int
	Capacity() int
}
