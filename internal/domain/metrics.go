package domain

import (
	"sync/atomic"
	"time"
)

type ExecutionMetrics struct {
	WorkflowsStarted   int64 `json:"workflows_started"`
	WorkflowsCompleted int64 `json:"workflows_completed"`
	WorkflowsFailed    int64 `json:"workflows_failed"`
	WorkflowsPaused    int64 `json:"workflows_paused"`
	WorkflowsResumed   int64 `json:"workflows_resumed"`
	WorkflowsCancelled int64 `json:"workflows_cancelled"`

	TasksDispatched int64 `json:"tasks_dispatched"`
	TasksSucceeded  int64 `json:"tasks_succeeded"`
	TasksFailed     int64 `json:"tasks_failed"`
	TasksTimedOut   int64 `json:"tasks_timed_out"`
	TasksRetried    int64 `json:"tasks_retried"`
	TasksSkipped    int64 `json:"tasks_skipped"`

	ReviewsRequested int64 `json:"reviews_requested"`

	TotalExecutionTimeNs int64 `json:"total_execution_time_ns"`
	TaskExecutionCount   int64 `json:"task_execution_count"`
}

func NewExecutionMetrics() *ExecutionMetrics {
	return &ExecutionMetrics{}
}

func (m *ExecutionMetrics) IncrementWorkflowsStarted()   { atomic.AddInt64(&m.WorkflowsStarted, 1) }
func (m *ExecutionMetrics) IncrementWorkflowsCompleted() { atomic.AddInt64(&m.WorkflowsCompleted, 1) }
func (m *ExecutionMetrics) IncrementWorkflowsFailed()    { atomic.AddInt64(&m.WorkflowsFailed, 1) }
func (m *ExecutionMetrics) IncrementWorkflowsPaused()    { atomic.AddInt64(&m.WorkflowsPaused, 1) }
func (m *ExecutionMetrics) IncrementWorkflowsResumed()   { atomic.AddInt64(&m.WorkflowsResumed, 1) }
func (m *ExecutionMetrics) IncrementWorkflowsCancelled() { atomic.AddInt64(&m.WorkflowsCancelled, 1) }
func (m *ExecutionMetrics) IncrementTasksDispatched()    { atomic.AddInt64(&m.TasksDispatched, 1) }
func (m *ExecutionMetrics) IncrementTasksSucceeded()     { atomic.AddInt64(&m.TasksSucceeded, 1) }
func (m *ExecutionMetrics) IncrementTasksFailed()        { atomic.AddInt64(&m.TasksFailed, 1) }
func (m *ExecutionMetrics) IncrementTasksTimedOut()      { atomic.AddInt64(&m.TasksTimedOut, 1) }
func (m *ExecutionMetrics) IncrementTasksRetried()       { atomic.AddInt64(&m.TasksRetried, 1) }
func (m *ExecutionMetrics) IncrementTasksSkipped()       { atomic.AddInt64(&m.TasksSkipped, 1) }
func (m *ExecutionMetrics) IncrementReviewsRequested()   { atomic.AddInt64(&m.ReviewsRequested, 1) }

func (m *ExecutionMetrics) AddExecutionTime(duration time.Duration) {
	atomic.AddInt64(&m.TotalExecutionTimeNs, int64(duration))
	atomic.AddInt64(&m.TaskExecutionCount, 1)
}

func (m *ExecutionMetrics) GetSnapshot() ExecutionMetrics {
	return ExecutionMetrics{
		WorkflowsStarted:     atomic.LoadInt64(&m.WorkflowsStarted),
		WorkflowsCompleted:   atomic.LoadInt64(&m.WorkflowsCompleted),
		WorkflowsFailed:      atomic.LoadInt64(&m.WorkflowsFailed),
		WorkflowsPaused:      atomic.LoadInt64(&m.WorkflowsPaused),
		WorkflowsResumed:     atomic.LoadInt64(&m.WorkflowsResumed),
		WorkflowsCancelled:   atomic.LoadInt64(&m.WorkflowsCancelled),
		TasksDispatched:      atomic.LoadInt64(&m.TasksDispatched),
		TasksSucceeded:       atomic.LoadInt64(&m.TasksSucceeded),
		TasksFailed:          atomic.LoadInt64(&m.TasksFailed),
		TasksTimedOut:        atomic.LoadInt64(&m.TasksTimedOut),
		TasksRetried:         atomic.LoadInt64(&m.TasksRetried),
		TasksSkipped:         atomic.LoadInt64(&m.TasksSkipped),
		ReviewsRequested:     atomic.LoadInt64(&m.ReviewsRequested),
		TotalExecutionTimeNs: atomic.LoadInt64(&m.TotalExecutionTimeNs),
		TaskExecutionCount:   atomic.LoadInt64(&m.TaskExecutionCount),
	}
}

func (m *ExecutionMetrics) GetAverageExecutionTime() time.Duration {
	totalNs := atomic.LoadInt64(&m.TotalExecutionTimeNs)
	count := atomic.LoadInt64(&m.TaskExecutionCount)
	if count == 0 {
		return 0
	}
	return time.Duration(totalNs / count)
}
