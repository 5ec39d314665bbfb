package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
	wf "github.com/eleven-am/weave/internal/testutil/workflow"
)

func TestParallelMergesGroupOutputsBeforeNextGroup(t *testing.T) {
	var seenByStore map[string]string
	h := newHarness(t, func(_ context.Context, task domain.TaskDefinition, ec *ports.ExecutionContext) (map[string]string, error) {
		switch task.ID {
		case "fetch":
			return map[string]string{"a": "1"}, nil
		case "process":
			return map[string]string{"b": "2"}, nil
		case "store":
			seenByStore = domain.CopyStringMap(ec.Variables)
		}
		return map[string]string{}, nil
	})
	def := wf.SaveDefinition(t, h.store, domain.StrategyParallel, task("fetch", 0), task("process", 0), task("store", 1))

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, seenByStore)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, run.Variables)
	assert.Equal(t, "store", h.executed()[2])
}

func TestParallelBarrierHoldsNextGroup(t *testing.T) {
	release := make(chan struct{})
	processDone := make(chan struct{})
	h := newHarness(t, func(_ context.Context, task domain.TaskDefinition, _ *ports.ExecutionContext) (map[string]string, error) {
		switch task.ID {
		case "fetch":
			<-release
		case "process":
			defer close(processDone)
		}
		return map[string]string{}, nil
	})
	def := wf.SaveDefinition(t, h.store, domain.StrategyParallel, task("fetch", 0), task("process", 0), task("store", 1))
	ctx := context.Background()

	run := wf.CreateRun(t, h.store, def, nil)
	require.NoError(t, h.engine.ExecuteWorkflow(ctx, run.ID))

	<-processDone
	assert.Eventually(t, func() bool {
		te := h.taskRuns(t, run.ID)["process"]
		return te != nil && te.Status == domain.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotContains(t, h.taskRuns(t, run.ID), "store")

	close(release)
	h.engine.Wait()

	assert.Equal(t, domain.WorkflowStatusCompleted, h.reload(t, run.ID).Status)
	assert.Contains(t, h.taskRuns(t, run.ID), "store")
}

func TestParallelFailureDoesNotAbortSiblings(t *testing.T) {
	h := newHarness(t, outputs(map[string]map[string]string{"b": {"b": "ok"}}, "a"))
	def := wf.SaveDefinition(t, h.store, domain.StrategyParallel, task("a", 0), task("b", 0), task("c", 1))

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusFailed, run.Status)
	assert.Equal(t, parallelFailureMessage, run.ErrorMessage)
	tasks := h.taskRuns(t, run.ID)
	assert.Equal(t, domain.TaskStatusFailed, tasks["a"].Status)
	assert.Equal(t, domain.TaskStatusCompleted, tasks["b"].Status)
	assert.NotContains(t, tasks, "c")
	assert.Empty(t, run.Variables["b"])
}

func TestParallelFailureHandlerSettlesInsideGroup(t *testing.T) {
	h := newHarness(t, outputs(map[string]map[string]string{"cleanup": {"cleaned": "yes"}}, "a"))
	a := task("a", 0)
	a.NextTaskOnFailure = "cleanup"
	def := wf.SaveDefinition(t, h.store, domain.StrategyParallel, a, task("b", 0), task("cleanup", 5))

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, "yes", run.Variables["cleaned"])
	assert.Equal(t, 1, h.handler.Calls("cleanup"))
	assert.Equal(t, "Task failed: a failed", run.ErrorMessage)
}

func TestParallelFallsBackToSequentialForReviewGroup(t *testing.T) {
	h := newHarness(t, nil)
	gated := task("gated", 1)
	gated.RequireUserReview = true
	def := wf.SaveDefinition(t, h.store, domain.StrategyParallel, task("first", 0), gated, task("sibling", 1))

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusAwaitingUserReview, run.Status)
	assert.Equal(t, []string{"first"}, h.executed())
	assert.NotContains(t, h.taskRuns(t, run.ID), "sibling")
}

// failOnce fails task id on its first attempt and answers with out after.
func failOnce(id string, out map[string]map[string]string) func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
	var attempts atomic.Int32
	return func(_ context.Context, task domain.TaskDefinition, _ *ports.ExecutionContext) (map[string]string, error) {
		if task.ID == id && attempts.Add(1) == 1 {
			return nil, domain.NewTaskExecutionError(id+" failed", nil)
		}
		return domain.CopyStringMap(out[task.ID]), nil
	}
}

func TestParallelRetryPendingLeavesRunRunning(t *testing.T) {
	h := newHarness(t, failOnce("a", map[string]map[string]string{"a": {"a": "1"}, "b": {"b": "2"}}))
	a := task("a", 0)
	a.RetryEnabled = true
	a.RetryLimit = 2
	def := wf.SaveDefinition(t, h.store, domain.StrategyParallel, a, task("b", 0), task("c", 1))

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusRunning, run.Status)
	assert.Equal(t, "2", run.Variables["b"])
	assert.NotContains(t, h.taskRuns(t, run.ID), "c")
	assert.Equal(t, domain.TaskStatusAwaitingRetry, h.taskRuns(t, run.ID)["a"].Status)

	retries := h.retries()
	assert.Equal(t, 1, retries.ProcessDueRetries(context.Background()))
	retries.Wait()
	h.engine.Wait()

	run = h.reload(t, run.ID)
	assert.Equal(t, domain.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, run.Variables)
	tasks := h.taskRuns(t, run.ID)
	assert.Equal(t, domain.TaskStatusCompleted, tasks["a"].Status)
	require.Contains(t, tasks, "c")
	assert.Equal(t, domain.TaskStatusCompleted, tasks["c"].Status)
	assert.Equal(t, 1, h.handler.Calls("c"))
}

func TestParallelRetryHandBackDuringBarrierIsNotLost(t *testing.T) {
	release := make(chan struct{})
	settled := failOnce("a", map[string]map[string]string{"a": {"a": "1"}, "b": {"b": "2"}})
	h := newHarness(t, func(ctx context.Context, task domain.TaskDefinition, ec *ports.ExecutionContext) (map[string]string, error) {
		if task.ID == "b" {
			<-release
		}
		return settled(ctx, task, ec)
	})
	a := task("a", 0)
	a.RetryEnabled = true
	a.RetryLimit = 2
	def := wf.SaveDefinition(t, h.store, domain.StrategyParallel, a, task("b", 0), task("c", 1))
	ctx := context.Background()

	run := wf.CreateRun(t, h.store, def, nil)
	require.NoError(t, h.engine.ExecuteWorkflow(ctx, run.ID))

	require.Eventually(t, func() bool {
		te := h.taskRuns(t, run.ID)["a"]
		return te != nil && te.Status == domain.TaskStatusAwaitingRetry
	}, 2*time.Second, 10*time.Millisecond)

	// a settles while the group is still waiting on b, so the hand-back
	// arrives while the run is held.
	retries := h.retries()
	assert.Equal(t, 1, retries.ProcessDueRetries(ctx))
	retries.Wait()
	assert.Equal(t, domain.TaskStatusCompleted, h.taskRuns(t, run.ID)["a"].Status)
	assert.Equal(t, 1, h.engine.ActiveRuns())

	close(release)
	h.engine.Wait()

	got := h.reload(t, run.ID)
	assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got.Variables)
	tasks := h.taskRuns(t, run.ID)
	require.Contains(t, tasks, "c")
	assert.Equal(t, domain.TaskStatusCompleted, tasks["c"].Status)
	assert.Zero(t, h.engine.ActiveRuns())
}

func TestParallelEmptyDefinitionCompletes(t *testing.T) {
	h := newHarness(t, nil)
	def := &domain.WorkflowDefinition{Name: "empty", Version: 1, StrategyType: domain.StrategyParallel}
	require.NoError(t, h.store.SaveDefinition(context.Background(), def))

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusCompleted, run.Status)
	assert.Empty(t, h.taskRuns(t, run.ID))
}

func TestParallelSubsetRunsOnlyNamedTasks(t *testing.T) {
	h := newHarness(t, nil)
	def := wf.SaveDefinition(t, h.store, domain.StrategyParallel, task("a", 0), task("b", 0), task("c", 1))
	ctx := context.Background()

	run := wf.CreateRun(t, h.store, def, nil)
	require.NoError(t, h.engine.ExecuteTaskSubset(ctx, run.ID, []string{"b", "c"}))
	h.engine.Wait()

	assert.Equal(t, domain.WorkflowStatusCompleted, h.reload(t, run.ID).Status)
	assert.ElementsMatch(t, []string{"b", "c"}, h.executed())
}
