package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/adapters/storage"
	"github.com/eleven-am/weave/internal/domain"
	wf "github.com/eleven-am/weave/internal/testutil/workflow"
)

var serviceNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type serviceFixture struct {
	store    *storage.WorkflowStore
	engine   *wf.MockEngine
	recorder *wf.Recorder
	def      *domain.WorkflowDefinition
	service  *ExecutionService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:    wf.NewStore(t),
		engine:   &wf.MockEngine{},
		recorder: &wf.Recorder{},
	}
	definitions := NewDefinitionService(f.store, nil)
	def, err := definitions.Create(context.Background(), &domain.WorkflowDefinition{
		Name: "billing",
		Tasks: []domain.TaskDefinition{
			wf.Task("charge", "test", 0),
			wf.Task("notify", "test", 1),
		},
	})
	require.NoError(t, err)
	f.def = def
	f.service = NewExecutionService(f.store, definitions, f.engine, f.recorder, nil,
		WithServiceClock(func() time.Time { return serviceNow }))
	return f
}

func (f *serviceFixture) run(t *testing.T, status domain.WorkflowStatus) *domain.WorkflowExecution {
	t.Helper()
	run := wf.CreateRun(t, f.store, f.def, nil)
	run.Status = status
	require.NoError(t, f.store.SaveRun(context.Background(), run))
	return run
}

func (f *serviceFixture) taskRun(t *testing.T, run *domain.WorkflowExecution, taskID string, status domain.TaskStatus) *domain.TaskExecution {
	t.Helper()
	ctx := context.Background()
	task, _ := f.def.Task(taskID)
	te, err := f.store.CreateTaskExecution(ctx, run, task, nil)
	require.NoError(t, err)
	te.Status = status
	te.ErrorMessage = "boom"
	te.CompletedAt = domain.TimePtr(serviceNow)
	require.NoError(t, f.store.SaveTaskExecution(ctx, te))
	return te
}

func TestStartCreatesRunAndHandsItToEngine(t *testing.T) {
	f := newServiceFixture(t)
	f.engine.On("ExecuteWorkflow", mock.Anything, mock.AnythingOfType("string")).Return(nil).Once()

	run, err := f.service.Start(context.Background(), "billing", 0, map[string]string{"customer": "42"})

	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCreated, run.Status)
	assert.Equal(t, f.def.ID, run.WorkflowDefinitionID)
	assert.NotEmpty(t, run.CorrelationID)
	assert.Equal(t, 0, run.CurrentTaskIndex)
	assert.Equal(t, "42", run.Variables["customer"])
	assert.True(t, serviceNow.Equal(*run.StartedAt))
	f.engine.AssertCalled(t, "ExecuteWorkflow", mock.Anything, run.ID)

	stored, err := f.service.GetByCorrelationID(context.Background(), run.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, stored.ID)
}

func TestStartUnknownDefinition(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.Start(context.Background(), "billing", 9, nil)
	assert.True(t, domain.IsNotFound(err))
	assert.Contains(t, err.Error(), "billing v9")

	_, err = f.service.Start(context.Background(), "missing", 0, nil)
	assert.True(t, domain.IsNotFound(err))
	f.engine.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything)
}

func TestPauseAndResume(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	run := f.run(t, domain.WorkflowStatusRunning)

	paused, err := f.service.Pause(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusPaused, paused.Status)

	_, err = f.service.Pause(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	f.engine.On("ExecuteWorkflow", mock.Anything, run.ID).Return(nil).Once()
	resumed, err := f.service.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusRunning, resumed.Status)

	_, err = f.service.Resume(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	assert.Equal(t, []domain.EventType{domain.EventWorkflowPaused, domain.EventWorkflowResumed}, f.recorder.WorkflowEventTypes(run.ID))
	f.engine.AssertExpectations(t)
}

func TestCancel(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	for _, status := range []domain.WorkflowStatus{
		domain.WorkflowStatusCreated,
		domain.WorkflowStatusRunning,
		domain.WorkflowStatusPaused,
		domain.WorkflowStatusAwaitingUserReview,
	} {
		t.Run(string(status), func(t *testing.T) {
			run := f.run(t, status)

			got, err := f.service.Cancel(ctx, run.ID)

			require.NoError(t, err)
			assert.Equal(t, domain.WorkflowStatusCancelled, got.Status)
			assert.True(t, serviceNow.Equal(*got.CompletedAt))
		})
	}

	t.Run("terminal", func(t *testing.T) {
		run := f.run(t, domain.WorkflowStatusCompleted)
		_, err := f.service.Cancel(ctx, run.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestRetryResetsFailedTasks(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	run := f.run(t, domain.WorkflowStatusFailed)
	run.ErrorMessage = "Task charge failed"
	run.CompletedAt = domain.TimePtr(serviceNow)
	require.NoError(t, f.store.SaveRun(ctx, run))
	old := f.taskRun(t, run, "charge", domain.TaskStatusFailed)
	latest := f.taskRun(t, run, "charge", domain.TaskStatusFailed)
	f.engine.On("ExecuteWorkflow", mock.Anything, run.ID).Return(nil).Once()

	got, err := f.service.Retry(ctx, run.ID)

	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)

	reset, err := f.store.GetTaskExecution(ctx, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, reset.Status)
	assert.Empty(t, reset.ErrorMessage)
	assert.Nil(t, reset.CompletedAt)

	untouched, err := f.store.GetTaskExecution(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, untouched.Status)

	assert.Equal(t, []domain.EventType{domain.EventWorkflowRetried}, f.recorder.WorkflowEventTypes(run.ID))
	f.engine.AssertExpectations(t)
}

func TestRetryRequiresFailedRun(t *testing.T) {
	f := newServiceFixture(t)
	run := f.run(t, domain.WorkflowStatusPaused)

	_, err := f.service.Retry(context.Background(), run.ID)

	assert.ErrorIs(t, err, domain.ErrInvalidState)
	f.engine.AssertNotCalled(t, "ExecuteWorkflow", mock.Anything, mock.Anything)
}

func TestRetrySubset(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	run := f.run(t, domain.WorkflowStatusPaused)
	charge := f.taskRun(t, run, "charge", domain.TaskStatusCompleted)
	notify := f.taskRun(t, run, "notify", domain.TaskStatusFailed)
	f.engine.On("ExecuteTaskSubset", mock.Anything, run.ID, []string{"notify"}).Return(nil).Once()

	got, err := f.service.RetrySubset(ctx, run.ID, []string{"notify"})

	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusRunning, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	reloaded, err := f.store.GetTaskExecution(ctx, notify.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, reloaded.Status)
	reloaded, err = f.store.GetTaskExecution(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, reloaded.Status)
	f.engine.AssertExpectations(t)
}

func TestRetrySubsetValidation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.RetrySubset(ctx, "any", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	failed := f.run(t, domain.WorkflowStatusFailed)
	_, err = f.service.RetrySubset(ctx, failed.ID, []string{"ghost"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	stored, err := f.store.GetRun(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusFailed, stored.Status)

	running := f.run(t, domain.WorkflowStatusRunning)
	_, err = f.service.RetrySubset(ctx, running.ID, []string{"charge"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	f.engine.AssertNotCalled(t, "ExecuteTaskSubset", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateStatus(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	run := f.run(t, domain.WorkflowStatusRunning)

	got, err := f.service.UpdateStatus(ctx, run.ID, domain.WorkflowStatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, got.Status)
	assert.True(t, serviceNow.Equal(*got.CompletedAt))

	other := f.run(t, domain.WorkflowStatusRunning)
	got, err = f.service.UpdateStatus(ctx, other.ID, domain.WorkflowStatusPaused)
	require.NoError(t, err)
	assert.Nil(t, got.CompletedAt)

	_, err = f.service.UpdateStatus(ctx, run.ID, domain.WorkflowStatus("DONE"))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Equal(t, []domain.EventType{domain.EventWorkflowStatusChanged}, f.recorder.WorkflowEventTypes(run.ID))
}

func TestDeleteOnlyTerminalRuns(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	running := f.run(t, domain.WorkflowStatusRunning)
	done := f.run(t, domain.WorkflowStatusCompleted)
	te := f.taskRun(t, done, "charge", domain.TaskStatusCompleted)

	assert.ErrorIs(t, f.service.Delete(ctx, running.ID), domain.ErrInvalidState)
	require.NoError(t, f.service.Delete(ctx, done.ID))

	_, err := f.service.Get(ctx, done.ID)
	assert.True(t, domain.IsNotFound(err))
	_, err = f.store.GetTaskExecution(ctx, te.ID)
	assert.True(t, domain.IsNotFound(err))
	assert.True(t, domain.IsNotFound(f.service.Delete(ctx, "missing")))
}

func TestListByStatusAndTasks(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	paused := f.run(t, domain.WorkflowStatusPaused)
	f.run(t, domain.WorkflowStatusRunning)
	f.taskRun(t, paused, "charge", domain.TaskStatusCompleted)

	runs, err := f.service.ListByStatus(ctx, domain.WorkflowStatusPaused)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, paused.ID, runs[0].ID)

	_, err = f.service.ListByStatus(ctx, "SLEEPING")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	tasks, err := f.service.Tasks(ctx, paused.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "charge", tasks[0].TaskDefinitionID)

	_, err = f.service.Tasks(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestResumeReportsEngineErrors(t *testing.T) {
	f := newServiceFixture(t)
	run := f.run(t, domain.WorkflowStatusPaused)
	f.engine.On("ExecuteWorkflow", mock.Anything, run.ID).Return(errors.New("engine stopped")).Once()

	_, err := f.service.Resume(context.Background(), run.ID)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine stopped")
}
