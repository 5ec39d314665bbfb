package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/domain"
	wf "github.com/eleven-am/weave/internal/testutil/workflow"
)

func conditional(id string, order int, expr string) domain.TaskDefinition {
	t := task(id, order)
	t.ConditionalExpression = expr
	return t
}

func TestConditionalPredicatesSelectTasks(t *testing.T) {
	h := newHarness(t, outputs(map[string]map[string]string{"initial": {"status": "success"}}))
	def := wf.SaveDefinition(t, h.store, domain.StrategyConditional,
		task("initial", 0),
		conditional("on-success", 1, "#status == 'success'"),
		conditional("on-failure", 1, "#status == 'failure'"),
	)

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, []string{"initial", "on-success"}, h.executed())
	skipped := h.taskRuns(t, run.ID)["on-failure"]
	require.NotNil(t, skipped)
	assert.Equal(t, domain.TaskStatusSkipped, skipped.Status)
	assert.EqualValues(t, 1, h.engine.Metrics().GetSnapshot().TasksSkipped)
}

func TestConditionalStartTaskIgnoresMalformedPredicate(t *testing.T) {
	h := newHarness(t, nil)
	def := wf.SaveDefinition(t, h.store, domain.StrategyConditional,
		conditional("start", 0, "#invalidVariable.someMethod()"),
		conditional("later", 1, "#invalidVariable.someMethod()"),
	)

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, []string{"start"}, h.executed())
	assert.Equal(t, domain.TaskStatusSkipped, h.taskRuns(t, run.ID)["later"].Status)
}

func TestConditionalNumericPredicate(t *testing.T) {
	h := newHarness(t, nil)
	def := wf.SaveDefinition(t, h.store, domain.StrategyConditional,
		task("start", 0),
		conditional("big", 1, "#count != null && int(#count) > 5 && #status == 'active'"),
	)

	run := h.start(t, def, map[string]string{"count": "10", "status": "active"})

	assert.Equal(t, domain.WorkflowStatusCompleted, run.Status)
	assert.Equal(t, []string{"start", "big"}, h.executed())
}

func TestConditionalExplicitBranches(t *testing.T) {
	build := func(h *harness) *domain.WorkflowDefinition {
		first := task("task-1", 0)
		first.NextTaskOnSuccess = "success-task"
		first.NextTaskOnFailure = "failure-task"
		return wf.SaveDefinition(t, h.store, domain.StrategyConditional,
			first,
			conditional("success-task", 1, "false"),
			task("failure-task", 2),
		)
	}

	t.Run("success path bypasses predicate", func(t *testing.T) {
		h := newHarness(t, nil)
		run := h.start(t, build(h), nil)

		assert.Equal(t, domain.WorkflowStatusCompleted, run.Status)
		assert.Equal(t, []string{"task-1", "success-task"}, h.executed())
		assert.NotContains(t, h.taskRuns(t, run.ID), "failure-task")
	})

	t.Run("failure path", func(t *testing.T) {
		h := newHarness(t, outputs(nil, "task-1"))
		run := h.start(t, build(h), nil)

		assert.Equal(t, domain.WorkflowStatusCompleted, run.Status)
		assert.Equal(t, []string{"task-1", "failure-task"}, h.executed())
		assert.NotContains(t, h.taskRuns(t, run.ID), "success-task")
		assert.Contains(t, run.ErrorMessage, "Task failed")
	})
}

func TestConditionalFailureWithoutHandlerFailsRun(t *testing.T) {
	h := newHarness(t, outputs(nil, "task-1"))
	def := wf.SaveDefinition(t, h.store, domain.StrategyConditional, task("task-1", 0), task("next", 1))

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "Task failed")
	assert.Equal(t, []string{"task-1"}, h.executed())
}

func TestConditionalEmptyDefinitionFails(t *testing.T) {
	h := newHarness(t, nil)
	def := &domain.WorkflowDefinition{Name: "empty", Version: 1, StrategyType: domain.StrategyConditional}
	require.NoError(t, h.store.SaveDefinition(context.Background(), def))

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusFailed, run.Status)
	assert.Equal(t, "workflow has no tasks", run.ErrorMessage)
}

func TestConditionalReviewGate(t *testing.T) {
	h := newHarness(t, nil)
	r := task("review", 0)
	r.RequireUserReview = true
	def := wf.SaveDefinition(t, h.store, domain.StrategyConditional, r)

	run := h.start(t, def, nil)

	assert.Equal(t, domain.WorkflowStatusAwaitingUserReview, run.Status)
	assert.Empty(t, h.executed())
}

func TestConditionalSubsetRunsSequentially(t *testing.T) {
	h := newHarness(t, nil)
	def := wf.SaveDefinition(t, h.store, domain.StrategyConditional,
		task("a", 0), conditional("b", 1, "false"), task("c", 2))
	ctx := context.Background()

	run := wf.CreateRun(t, h.store, def, nil)
	require.NoError(t, h.engine.ExecuteTaskSubset(ctx, run.ID, []string{"b", "c"}))
	h.engine.Wait()

	assert.Equal(t, domain.WorkflowStatusCompleted, h.reload(t, run.ID).Status)
	assert.Equal(t, []string{"b", "c"}, h.executed())
}

func TestLevelsExcludeBranchTargets(t *testing.T) {
	first := task("a", 0)
	first.NextTaskOnSuccess = "b"
	def := &domain.WorkflowDefinition{Tasks: []domain.TaskDefinition{first, task("b", 1), task("c", 1), task("d", 2)}}

	got := levels(def)

	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0][0].ID)
	require.Len(t, got[1], 1)
	assert.Equal(t, "c", got[1][0].ID)
	assert.Equal(t, "d", got[2][0].ID)
}
