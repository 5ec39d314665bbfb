// Package storetest holds the behaviour every ports.Store implementation
// must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Run executes the suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ports.Store) {
	t.Run("definitions", func(t *testing.T) { testDefinitions(t, newStore(t)) })
	t.Run("runs", func(t *testing.T) { testRuns(t, newStore(t)) })
	t.Run("run queries", func(t *testing.T) { testRunQueries(t, newStore(t)) })
	t.Run("task executions", func(t *testing.T) { testTaskExecutions(t, newStore(t)) })
	t.Run("status changes move runs between queries", func(t *testing.T) { testRunStatusChanges(t, newStore(t)) })
	t.Run("retry queue follows task state", func(t *testing.T) { testRetryQueue(t, newStore(t)) })
	t.Run("review points", func(t *testing.T) { testReviewPoints(t, newStore(t)) })
	t.Run("delete run cascades", func(t *testing.T) { testDeleteRunCascades(t, newStore(t)) })
}

func sampleDefinition(name string, version int) *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:         name,
		Version:      version,
		StrategyType: domain.StrategySequential,
		Tasks: []domain.TaskDefinition{
			{ID: "fetch", Name: "fetch", Type: "rest-api", ExecutionOrder: domain.Order(1), Configuration: map[string]string{"url": "http://x", "method": "GET"}},
			{ID: "store", Name: "store", Type: "set-variables", ExecutionOrder: domain.Order(2)},
		},
	}
}

func newRun(t *testing.T, s ports.Store, defID string, status domain.WorkflowStatus) *domain.WorkflowExecution {
	t.Helper()
	run := &domain.WorkflowExecution{
		WorkflowDefinitionID: defID,
		Status:               status,
		Variables:            map[string]string{"input": "1"},
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func testDefinitions(t *testing.T, s ports.Store) {
	ctx := context.Background()

	v1 := sampleDefinition("orders", 1)
	require.NoError(t, s.SaveDefinition(ctx, v1))
	require.NotEmpty(t, v1.ID)

	v2 := sampleDefinition("orders", 2)
	require.NoError(t, s.SaveDefinition(ctx, v2))
	require.NoError(t, s.SaveDefinition(ctx, sampleDefinition("orders:archive", 7)))

	got, err := s.GetDefinition(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Name)
	require.Len(t, got.Tasks, 2)
	assert.Equal(t, 1, *got.Tasks[0].ExecutionOrder)
	assert.Equal(t, "http://x", got.Tasks[0].Configuration["url"])

	byVersion, err := s.GetDefinitionByNameVersion(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, byVersion.ID)

	latest, err := s.GetLatestDefinition(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, latest.ID)

	all, err := s.ListDefinitions(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	dup := sampleDefinition("orders", 2)
	assert.ErrorIs(t, s.SaveDefinition(ctx, dup), domain.ErrAlreadyExists)

	v2.Description = "updated"
	require.NoError(t, s.SaveDefinition(ctx, v2))
	got, err = s.GetDefinition(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	require.NoError(t, s.DeleteDefinition(ctx, v2.ID))
	_, err = s.GetDefinition(ctx, v2.ID)
	assert.True(t, domain.IsNotFound(err))

	latest, err = s.GetLatestDefinition(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, latest.ID)

	_, err = s.GetLatestDefinition(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
	assert.True(t, domain.IsNotFound(s.DeleteDefinition(ctx, "missing")))
}

func testRuns(t *testing.T, s ports.Store) {
	ctx := context.Background()

	run := newRun(t, s, "def-1", domain.WorkflowStatusCreated)
	require.NotEmpty(t, run.ID)
	require.NotEmpty(t, run.CorrelationID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCreated, got.Status)
	assert.Equal(t, "1", got.Variables["input"])

	byCorrelation, err := s.GetRunByCorrelationID(ctx, run.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, byCorrelation.ID)

	got.Status = domain.WorkflowStatusRunning
	got.CurrentTaskIndex = 3
	got.StartedAt = domain.TimePtr(time.Now())
	got.Variables["out"] = "x"
	require.NoError(t, s.SaveRun(ctx, got))

	reloaded, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusRunning, reloaded.Status)
	assert.Equal(t, 3, reloaded.CurrentTaskIndex)
	assert.Equal(t, "x", reloaded.Variables["out"])
	require.NotNil(t, reloaded.StartedAt)
	assert.True(t, got.StartedAt.Equal(*reloaded.StartedAt))

	missing := &domain.WorkflowExecution{ID: "nope", Status: domain.WorkflowStatusRunning}
	assert.True(t, domain.IsNotFound(s.SaveRun(ctx, missing)))
	_, err = s.GetRun(ctx, "nope")
	assert.True(t, domain.IsNotFound(err))

	clash := &domain.WorkflowExecution{WorkflowDefinitionID: "def-1", CorrelationID: run.CorrelationID, Status: domain.WorkflowStatusCreated}
	assert.ErrorIs(t, s.CreateRun(ctx, clash), domain.ErrAlreadyExists)
}

func testRunQueries(t *testing.T, s ports.Store) {
	ctx := context.Background()
	now := time.Now()
	old := domain.TimePtr(now.Add(-2 * time.Hour))
	recent := domain.TimePtr(now.Add(-time.Minute))

	stuck := newRun(t, s, "def-1", domain.WorkflowStatusRunning)
	stuck.StartedAt = old
	require.NoError(t, s.SaveRun(ctx, stuck))

	fresh := newRun(t, s, "def-1", domain.WorkflowStatusRunning)
	fresh.StartedAt = recent
	require.NoError(t, s.SaveRun(ctx, fresh))

	paused := newRun(t, s, "def-2", domain.WorkflowStatusPaused)
	paused.StartedAt = old
	require.NoError(t, s.SaveRun(ctx, paused))

	done := newRun(t, s, "def-2", domain.WorkflowStatusCompleted)
	done.CompletedAt = old
	require.NoError(t, s.SaveRun(ctx, done))

	failedRecently := newRun(t, s, "def-2", domain.WorkflowStatusFailed)
	failedRecently.CompletedAt = recent
	require.NoError(t, s.SaveRun(ctx, failedRecently))

	cutoff := now.Add(-time.Hour)

	running, err := s.FindRunsByStatus(ctx, domain.WorkflowStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	stuckRuns, err := s.FindStuckRunsBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, stuckRuns, 1)
	assert.Equal(t, stuck.ID, stuckRuns[0].ID)

	pausedRuns, err := s.FindPausedRunsBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, pausedRuns, 1)
	assert.Equal(t, paused.ID, pausedRuns[0].ID)

	terminal, err := s.FindTerminalRunsBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, done.ID, terminal[0].ID)

	active, err := s.CountActiveRuns(ctx, "def-1")
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	active, err = s.CountActiveRuns(ctx, "def-2")
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func testTaskExecutions(t *testing.T, s ports.Store) {
	ctx := context.Background()
	run := newRun(t, s, "def-1", domain.WorkflowStatusRunning)
	def := sampleDefinition("orders", 1)

	first, err := s.CreateTaskExecution(ctx, run, &def.Tasks[0], map[string]string{"url": "http://x"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, first.Status)
	assert.Equal(t, domain.ExecutionModeAPI, first.ExecutionMode)
	assert.Equal(t, run.ID, first.WorkflowExecutionID)

	second, err := s.CreateTaskExecution(ctx, run, &def.Tasks[1], nil)
	require.NoError(t, err)
	third, err := s.CreateTaskExecution(ctx, run, &def.Tasks[0], nil)
	require.NoError(t, err)

	list, err := s.ListTaskExecutions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{list[0].ID, list[1].ID, list[2].ID})

	now := time.Now()
	first.Status = domain.TaskStatusAwaitingRetry
	first.RetryCount = 1
	first.NextRetryAt = domain.TimePtr(now.Add(-time.Second))
	first.ErrorMessage = "boom"
	require.NoError(t, s.SaveTaskExecution(ctx, first))

	second.Status = domain.TaskStatusAwaitingRetry
	second.NextRetryAt = domain.TimePtr(now.Add(time.Hour))
	require.NoError(t, s.SaveTaskExecution(ctx, second))

	third.Status = domain.TaskStatusCompleted
	third.Outputs = map[string]string{"a": "1"}
	require.NoError(t, s.SaveTaskExecution(ctx, third))

	due, err := s.FindAwaitingRetryBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, first.ID, due[0].ID)
	assert.Equal(t, 1, due[0].RetryCount)
	assert.Equal(t, "boom", due[0].ErrorMessage)

	got, err := s.GetTaskExecution(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, "1", got.Outputs["a"])

	_, err = s.GetTaskExecution(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
	assert.True(t, domain.IsNotFound(s.SaveTaskExecution(ctx, &domain.TaskExecution{ID: "missing", Status: domain.TaskStatusFailed})))
}

func testRunStatusChanges(t *testing.T, s ports.Store) {
	ctx := context.Background()
	run := newRun(t, s, "def-1", domain.WorkflowStatusCreated)

	ids := func(status domain.WorkflowStatus) []string {
		runs, err := s.FindRunsByStatus(ctx, status)
		require.NoError(t, err)
		out := make([]string, 0, len(runs))
		for _, r := range runs {
			out = append(out, r.ID)
		}
		return out
	}

	assert.Equal(t, []string{run.ID}, ids(domain.WorkflowStatusCreated))

	run.Status = domain.WorkflowStatusRunning
	require.NoError(t, s.SaveRun(ctx, run))
	assert.Empty(t, ids(domain.WorkflowStatusCreated))
	assert.Equal(t, []string{run.ID}, ids(domain.WorkflowStatusRunning))

	run.Status = domain.WorkflowStatusPaused
	require.NoError(t, s.SaveRun(ctx, run))
	run.Status = domain.WorkflowStatusPaused
	require.NoError(t, s.SaveRun(ctx, run))
	assert.Empty(t, ids(domain.WorkflowStatusRunning))
	assert.Equal(t, []string{run.ID}, ids(domain.WorkflowStatusPaused))

	active, err := s.CountActiveRuns(ctx, "def-1")
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	run.Status = domain.WorkflowStatusCompleted
	run.CompletedAt = domain.TimePtr(time.Now().Add(-time.Hour))
	require.NoError(t, s.SaveRun(ctx, run))
	assert.Empty(t, ids(domain.WorkflowStatusPaused))

	active, err = s.CountActiveRuns(ctx, "def-1")
	require.NoError(t, err)
	assert.Zero(t, active)

	terminal, err := s.FindTerminalRunsBefore(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, terminal, 1)
	assert.Equal(t, run.ID, terminal[0].ID)

	require.NoError(t, s.DeleteRun(ctx, run.ID))
	assert.Empty(t, ids(domain.WorkflowStatusCompleted))
}

func testRetryQueue(t *testing.T, s ports.Store) {
	ctx := context.Background()
	run := newRun(t, s, "def-1", domain.WorkflowStatusRunning)
	def := sampleDefinition("orders", 1)
	now := time.Now()

	awaiting := func(at time.Time) *domain.TaskExecution {
		te, err := s.CreateTaskExecution(ctx, run, &def.Tasks[0], nil)
		require.NoError(t, err)
		te.Status = domain.TaskStatusAwaitingRetry
		te.NextRetryAt = domain.TimePtr(at)
		require.NoError(t, s.SaveTaskExecution(ctx, te))
		return te
	}
	dueIDs := func() []string {
		due, err := s.FindAwaitingRetryBefore(ctx, now)
		require.NoError(t, err)
		out := make([]string, 0, len(due))
		for _, te := range due {
			out = append(out, te.ID)
		}
		return out
	}

	late := awaiting(now.Add(-time.Second))
	early := awaiting(now.Add(-time.Minute))
	rescheduled := awaiting(now.Add(-30 * time.Second))
	resumed := awaiting(now.Add(-10 * time.Second))

	assert.Equal(t, []string{early.ID, rescheduled.ID, resumed.ID, late.ID}, dueIDs(), "oldest retry first")

	rescheduled.NextRetryAt = domain.TimePtr(now.Add(time.Hour))
	require.NoError(t, s.SaveTaskExecution(ctx, rescheduled))

	resumed.ResetForRetry()
	require.NoError(t, s.SaveTaskExecution(ctx, resumed))

	assert.Equal(t, []string{early.ID, late.ID}, dueIDs())

	resumed.Status = domain.TaskStatusAwaitingRetry
	resumed.NextRetryAt = domain.TimePtr(now.Add(-5 * time.Second))
	require.NoError(t, s.SaveTaskExecution(ctx, resumed))
	assert.Equal(t, []string{early.ID, resumed.ID, late.ID}, dueIDs())

	run.Status = domain.WorkflowStatusCompleted
	require.NoError(t, s.SaveRun(ctx, run))
	require.NoError(t, s.DeleteRun(ctx, run.ID))
	assert.Empty(t, dueIDs())
}

func testReviewPoints(t *testing.T, s ports.Store) {
	ctx := context.Background()
	run := newRun(t, s, "def-1", domain.WorkflowStatusAwaitingUserReview)
	def := sampleDefinition("orders", 1)

	task, err := s.CreateTaskExecution(ctx, run, &def.Tasks[0], nil)
	require.NoError(t, err)

	point, err := s.CreateReviewPoint(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, task.ID, point.TaskExecutionID)
	assert.Equal(t, run.ID, point.WorkflowExecutionID)
	assert.False(t, point.IsResolved())

	_, err = s.CreateReviewPoint(ctx, task)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	byTask, err := s.GetReviewPointForTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, point.ID, byTask.ID)

	pending, err := s.ListPendingReviewPoints(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	point.Decision = domain.ReviewApprove
	point.Reviewer = "alice"
	point.ReviewedAt = domain.TimePtr(time.Now())
	require.NoError(t, s.SaveReviewPoint(ctx, point))

	pending, err = s.ListPendingReviewPoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	forRun, err := s.ListReviewPoints(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, forRun, 1)
	assert.Equal(t, domain.ReviewApprove, forRun[0].Decision)
	assert.Equal(t, "alice", forRun[0].Reviewer)
}

func testDeleteRunCascades(t *testing.T, s ports.Store) {
	ctx := context.Background()
	run := newRun(t, s, "def-1", domain.WorkflowStatusCompleted)
	other := newRun(t, s, "def-1", domain.WorkflowStatusCompleted)
	def := sampleDefinition("orders", 1)

	task, err := s.CreateTaskExecution(ctx, run, &def.Tasks[0], nil)
	require.NoError(t, err)
	_, err = s.CreateReviewPoint(ctx, task)
	require.NoError(t, err)
	otherTask, err := s.CreateTaskExecution(ctx, other, &def.Tasks[0], nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteRun(ctx, run.ID))

	_, err = s.GetRun(ctx, run.ID)
	assert.True(t, domain.IsNotFound(err))
	_, err = s.GetRunByCorrelationID(ctx, run.CorrelationID)
	assert.True(t, domain.IsNotFound(err))
	_, err = s.GetTaskExecution(ctx, task.ID)
	assert.True(t, domain.IsNotFound(err))
	_, err = s.GetReviewPointForTask(ctx, task.ID)
	assert.True(t, domain.IsNotFound(err))

	remaining, err := s.ListTaskExecutions(ctx, other.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, otherTask.ID, remaining[0].ID)

	assert.True(t, domain.IsNotFound(s.DeleteRun(ctx, run.ID)))
}
