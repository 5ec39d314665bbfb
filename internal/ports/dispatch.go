package ports

import (
	"context"

	"github.com/eleven-am/weave/internal/domain"
)

// ExecutionContext is what a handler sees of the run it works for.
type ExecutionContext struct {
	RunID           string
	CorrelationID   string
	TaskExecutionID string
	Variables       map[string]string
}

func (c *ExecutionContext) Variable(name string) (string, bool) {
	if c == nil || c.Variables == nil {
		return "", false
	}
	v, ok := c.Variables[name]
	return v, ok
}

type TaskHandler interface {
	TaskType() string
	Execute(ctx context.Context, task domain.TaskDefinition, execCtx *ExecutionContext) (map[string]string, error)
}

type HandlerRegistry interface {
	Register(handler TaskHandler) error
	Get(taskType string) (TaskHandler, bool)
	Types() []string
}

type DispatchResult struct {
	Task *domain.TaskExecution
	Err  error
}

// Dispatcher runs a PENDING task run on the worker pool. The error return
// covers failures to start the dispatch; task failures arrive on the channel
// as a settled task run.
type Dispatcher interface {
	ExecuteAsync(ctx context.Context, taskExecutionID string) (<-chan DispatchResult, error)
}
