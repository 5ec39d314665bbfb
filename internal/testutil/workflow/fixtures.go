// Package workflow holds fixtures shared by the engine, dispatcher and
// scheduler tests.
package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/adapters/memory"
	"github.com/eleven-am/weave/internal/adapters/storage"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// NewStore returns an empty in-memory store closed with the test.
func NewStore(t *testing.T) *storage.WorkflowStore {
	t.Helper()
	s := storage.NewWorkflowStore(memory.NewStorage(nil), nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Task builds a task definition with an explicit execution order.
func Task(id, taskType string, order int) domain.TaskDefinition {
	return domain.TaskDefinition{
		ID:             id,
		Name:           id,
		Type:           taskType,
		ExecutionOrder: domain.Order(order),
		Configuration:  map[string]string{},
	}
}

// SaveDefinition persists a definition built from tasks.
func SaveDefinition(t *testing.T, s ports.Store, strategy domain.StrategyType, tasks ...domain.TaskDefinition) *domain.WorkflowDefinition {
	t.Helper()
	def := &domain.WorkflowDefinition{
		Name:         t.Name(),
		Version:      1,
		StrategyType: strategy,
		Tasks:        tasks,
	}
	require.NoError(t, s.SaveDefinition(context.Background(), def))
	return def
}

// CreateRun persists a CREATED run of def.
func CreateRun(t *testing.T, s ports.Store, def *domain.WorkflowDefinition, vars map[string]string) *domain.WorkflowExecution {
	t.Helper()
	run := &domain.WorkflowExecution{
		WorkflowDefinitionID: def.ID,
		Status:               domain.WorkflowStatusCreated,
		Variables:            domain.CopyStringMap(vars),
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// FuncHandler adapts a function to ports.TaskHandler and counts calls per
// task id.
type FuncHandler struct {
	Type string
	Fn   func(ctx context.Context, task domain.TaskDefinition, execCtx *ports.ExecutionContext) (map[string]string, error)

	mu    sync.Mutex
	calls map[string]int
}

func (h *FuncHandler) TaskType() string {
	return h.Type
}

func (h *FuncHandler) Execute(ctx context.Context, task domain.TaskDefinition, execCtx *ports.ExecutionContext) (map[string]string, error) {
	h.mu.Lock()
	if h.calls == nil {
		h.calls = make(map[string]int)
	}
	h.calls[task.ID]++
	h.mu.Unlock()

	if h.Fn == nil {
		return map[string]string{}, nil
	}
	return h.Fn(ctx, task, execCtx)
}

func (h *FuncHandler) Calls(taskID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[taskID]
}

// Outputs returns a handler that answers each task id with a fixed output
// map, and an error for any id listed in failing.
func Outputs(taskType string, outputs map[string]map[string]string, failing ...string) *FuncHandler {
	fail := make(map[string]bool, len(failing))
	for _, id := range failing {
		fail[id] = true
	}
	return &FuncHandler{
		Type: taskType,
		Fn: func(_ context.Context, task domain.TaskDefinition, _ *ports.ExecutionContext) (map[string]string, error) {
			if fail[task.ID] {
				return nil, domain.NewTaskExecutionError(task.ID+" failed", nil)
			}
			return domain.CopyStringMap(outputs[task.ID]), nil
		},
	}
}

// Recorder captures published events in order.
type Recorder struct {
	mu       sync.Mutex
	workflow []domain.WorkflowEvent
	task     []domain.TaskEvent
}

func (r *Recorder) PublishWorkflowEvent(_ context.Context, event domain.WorkflowEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflow = append(r.workflow, event)
}

func (r *Recorder) PublishTaskEvent(_ context.Context, event domain.TaskEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task = append(r.task, event)
}

func (r *Recorder) WorkflowEvents() []domain.WorkflowEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.WorkflowEvent(nil), r.workflow...)
}

func (r *Recorder) TaskEvents() []domain.TaskEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TaskEvent(nil), r.task...)
}

// WorkflowEventTypes lists the types of recorded workflow events for runID.
func (r *Recorder) WorkflowEventTypes(runID string) []domain.EventType {
	var types []domain.EventType
	for _, e := range r.WorkflowEvents() {
		if e.WorkflowExecutionID == runID {
			types = append(types, e.Type)
		}
	}
	return types
}
