package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/adapters/dispatch"
	"github.com/eleven-am/weave/internal/adapters/expression"
	"github.com/eleven-am/weave/internal/adapters/scheduler"
	"github.com/eleven-am/weave/internal/adapters/semaphore"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/helpers/backoff"
	"github.com/eleven-am/weave/internal/ports"
	wf "github.com/eleven-am/weave/internal/testutil/workflow"
)

const testType = "test"

type harness struct {
	store      ports.Store
	events     *wf.Recorder
	handler    *wf.FuncHandler
	dispatcher *dispatch.Dispatcher
	engine     *Engine

	mu    sync.Mutex
	order []string
}

func newHarness(t *testing.T, fn func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error), opts ...Option) *harness {
	t.Helper()

	h := &harness{
		store:  wf.NewStore(t),
		events: &wf.Recorder{},
	}
	h.handler = &wf.FuncHandler{
		Type: testType,
		Fn: func(ctx context.Context, task domain.TaskDefinition, ec *ports.ExecutionContext) (map[string]string, error) {
			h.mu.Lock()
			h.order = append(h.order, task.ID)
			h.mu.Unlock()
			if fn == nil {
				return map[string]string{}, nil
			}
			return fn(ctx, task, ec)
		},
	}

	registry, err := dispatch.NewRegistry(h.handler)
	require.NoError(t, err)
	h.dispatcher = dispatch.NewDispatcher(h.store, registry, semaphore.NewAdapter(8, nil), h.events, nil,
		dispatch.WithBackoff(backoff.New(domain.DefaultRetryConfig(), backoff.WithRandom(func() float64 { return 0 }))))

	h.engine = NewEngine(h.store, h.dispatcher, h.events, expression.NewEvaluator(), nil, opts...)
	t.Cleanup(func() {
		_ = h.engine.Stop(context.Background())
		h.dispatcher.Wait()
	})
	return h
}

// start creates a run of def, executes it and waits for orchestration to
// come to rest.
func (h *harness) start(t *testing.T, def *domain.WorkflowDefinition, vars map[string]string) *domain.WorkflowExecution {
	t.Helper()
	run := wf.CreateRun(t, h.store, def, vars)
	require.NoError(t, h.engine.ExecuteWorkflow(context.Background(), run.ID))
	h.engine.Wait()
	return h.reload(t, run.ID)
}

// retries returns a retry scheduler whose clock runs an hour ahead, so every
// AWAITING_RETRY task is due on the first tick.
func (h *harness) retries() *scheduler.RetryScheduler {
	return scheduler.NewRetryScheduler(h.store, h.dispatcher, h.engine, domain.DefaultSchedulerConfig(), nil,
		scheduler.WithRetryClock(func() time.Time { return time.Now().Add(time.Hour) }))
}

func (h *harness) reload(t *testing.T, runID string) *domain.WorkflowExecution {
	t.Helper()
	run, err := h.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

// taskRuns returns the latest task run per task definition id.
func (h *harness) taskRuns(t *testing.T, runID string) map[string]*domain.TaskExecution {
	t.Helper()
	all, err := h.store.ListTaskExecutions(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]*domain.TaskExecution, len(all))
	for _, te := range all {
		out[te.TaskDefinitionID] = te
	}
	return out
}

func (h *harness) executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

func task(id string, order int) domain.TaskDefinition {
	return wf.Task(id, testType, order)
}

func outputs(m map[string]map[string]string, failing ...string) func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
	return wf.Outputs(testType, m, failing...).Fn
}
