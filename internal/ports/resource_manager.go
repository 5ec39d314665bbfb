package ports

import "context"

// ResourceManager caps how many tasks of one type execute at once. Types
// without a limit are only counted.
type ResourceManager interface {
	Acquire(ctx context.Context, taskType string) error
	TryAcquire(taskType string) bool
	Release(taskType string)
	Stats() ExecutionStats
}

type ExecutionStats struct {
	TotalExecuting   int            `json:"total_executing"`
	PerTypeExecuting map[string]int `json:"per_type_executing"`
	PerTypeCapacity  map[string]int `json:"per_type_capacity"`
}
