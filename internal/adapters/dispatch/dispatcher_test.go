package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/adapters/resource_manager"
	"github.com/eleven-am/weave/internal/adapters/semaphore"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/helpers/backoff"
	"github.com/eleven-am/weave/internal/ports"
	wf "github.com/eleven-am/weave/internal/testutil/workflow"
)

type dispatchFixture struct {
	store    ports.Store
	events   *wf.Recorder
	handler  *wf.FuncHandler
	d        *Dispatcher
	now      time.Time
	def      *domain.WorkflowDefinition
	run      *domain.WorkflowExecution
	taskDefs map[string]*domain.TaskDefinition
}

func newDispatchFixture(t *testing.T, fn func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error), tasks ...domain.TaskDefinition) *dispatchFixture {
	t.Helper()

	f := &dispatchFixture{
		store:   wf.NewStore(t),
		events:  &wf.Recorder{},
		handler: &wf.FuncHandler{Type: "test", Fn: fn},
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	registry, err := NewRegistry(f.handler)
	require.NoError(t, err)

	clock := func() time.Time { return f.now }
	f.d = NewDispatcher(f.store, registry, semaphore.NewAdapter(4, nil), f.events, nil,
		WithClock(clock),
		WithBackoff(backoff.New(domain.DefaultRetryConfig(), backoff.WithRandom(func() float64 { return 0 }))),
	)

	f.def = wf.SaveDefinition(t, f.store, domain.StrategySequential, tasks...)
	f.run = wf.CreateRun(t, f.store, f.def, map[string]string{"region": "eu"})
	f.taskDefs = make(map[string]*domain.TaskDefinition)
	for i := range f.def.Tasks {
		f.taskDefs[f.def.Tasks[i].ID] = &f.def.Tasks[i]
	}
	return f
}

func (f *dispatchFixture) pending(t *testing.T, taskID string, inputs map[string]string) *domain.TaskExecution {
	t.Helper()
	te, err := f.store.CreateTaskExecution(context.Background(), f.run, f.taskDefs[taskID], inputs)
	require.NoError(t, err)
	return te
}

func (f *dispatchFixture) dispatch(t *testing.T, id string) *domain.TaskExecution {
	t.Helper()
	ch, err := f.d.ExecuteAsync(context.Background(), id)
	require.NoError(t, err)

	select {
	case res := <-ch:
		require.NoError(t, res.Err)
		return res.Task
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not settle")
		return nil
	}
}

func TestDispatchCompletesTask(t *testing.T) {
	var seen map[string]string
	f := newDispatchFixture(t, func(_ context.Context, _ domain.TaskDefinition, ec *ports.ExecutionContext) (map[string]string, error) {
		seen = ec.Variables
		return map[string]string{"order": "42"}, nil
	}, wf.Task("a", "test", 1))

	te := f.dispatch(t, f.pending(t, "a", map[string]string{"customer": "c-1"}).ID)

	assert.Equal(t, domain.TaskStatusCompleted, te.Status)
	assert.Equal(t, "42", te.Outputs["order"])
	require.NotNil(t, te.StartedAt)
	require.NotNil(t, te.CompletedAt)
	assert.Equal(t, map[string]string{"region": "eu", "customer": "c-1"}, seen)

	stored, err := f.store.GetTaskExecution(context.Background(), te.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)

	var types []domain.TaskEventType
	for _, e := range f.events.TaskEvents() {
		types = append(types, e.Type)
	}
	assert.Equal(t, []domain.TaskEventType{domain.TaskEventStarted, domain.TaskEventCompleted}, types)

	snap := f.d.Metrics().GetSnapshot()
	assert.EqualValues(t, 1, snap.TasksDispatched)
	assert.EqualValues(t, 1, snap.TasksSucceeded)
}

func TestDispatchSchedulesRetry(t *testing.T) {
	task := wf.Task("a", "test", 1)
	task.RetryEnabled = true
	task.RetryLimit = 2

	f := newDispatchFixture(t, func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
		return nil, errors.New("upstream unavailable")
	}, task)

	te := f.dispatch(t, f.pending(t, "a", nil).ID)

	assert.Equal(t, domain.TaskStatusAwaitingRetry, te.Status)
	assert.Equal(t, 1, te.RetryCount)
	require.NotNil(t, te.NextRetryAt)
	assert.Equal(t, f.now.Add(domain.DefaultRetryDelay), *te.NextRetryAt)
	assert.Nil(t, te.CompletedAt)
	assert.Contains(t, te.ErrorMessage, "upstream unavailable")

	events := f.events.TaskEvents()
	assert.Equal(t, domain.TaskEventRetryScheduled, events[len(events)-1].Type)
	assert.EqualValues(t, 1, f.d.Metrics().GetSnapshot().TasksRetried)
}

func TestDispatchBackoffExceedsConfiguredDelay(t *testing.T) {
	task := wf.Task("a", "test", 1)
	task.RetryEnabled = true
	task.RetryLimit = 5
	task.RetryDelaySeconds = 1

	f := newDispatchFixture(t, func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
		return nil, errors.New("boom")
	}, task)

	te := f.pending(t, "a", nil)
	te.RetryCount = 3
	require.NoError(t, f.store.SaveTaskExecution(context.Background(), te))

	settled := f.dispatch(t, te.ID)

	assert.Equal(t, 4, settled.RetryCount)
	assert.Equal(t, f.now.Add(8*time.Second), *settled.NextRetryAt)
}

func TestDispatchFailsWhenRetriesExhausted(t *testing.T) {
	task := wf.Task("a", "test", 1)
	task.RetryEnabled = true
	task.RetryLimit = 1

	f := newDispatchFixture(t, func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
		return nil, domain.NewTaskExecutionError("HTTP error: 500", nil)
	}, task)

	te := f.pending(t, "a", nil)
	te.RetryCount = 1
	require.NoError(t, f.store.SaveTaskExecution(context.Background(), te))

	settled := f.dispatch(t, te.ID)

	assert.Equal(t, domain.TaskStatusFailed, settled.Status)
	assert.Equal(t, "Task failed: HTTP error: 500", settled.ErrorMessage)
	assert.NotNil(t, settled.CompletedAt)
	assert.Nil(t, settled.NextRetryAt)
	assert.EqualValues(t, 1, f.d.Metrics().GetSnapshot().TasksFailed)
}

func TestDispatchDoesNotRetryConfigurationErrors(t *testing.T) {
	task := wf.Task("a", "test", 1)
	task.RetryEnabled = true
	task.RetryLimit = 3

	f := newDispatchFixture(t, func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
		return nil, domain.NewConfigurationError("url", "missing required configuration parameter: url")
	}, task)

	settled := f.dispatch(t, f.pending(t, "a", nil).ID)

	assert.Equal(t, domain.TaskStatusFailed, settled.Status)
	assert.Equal(t, 0, settled.RetryCount)
	assert.Contains(t, settled.ErrorMessage, "url")
}

func TestDispatchUnknownTaskTypeFails(t *testing.T) {
	f := newDispatchFixture(t, nil, wf.Task("a", "no-such-type", 1))

	settled := f.dispatch(t, f.pending(t, "a", nil).ID)

	assert.Equal(t, domain.TaskStatusFailed, settled.Status)
	assert.Contains(t, settled.ErrorMessage, "no-such-type")
}

func TestDispatchTimesOut(t *testing.T) {
	f := newDispatchFixture(t, func(ctx context.Context, _ domain.TaskDefinition, _ *ports.ExecutionContext) (map[string]string, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, wf.Task("a", "test", 1))
	WithDefaultTimeout(50 * time.Millisecond)(f.d)

	settled := f.dispatch(t, f.pending(t, "a", nil).ID)

	assert.Equal(t, domain.TaskStatusFailed, settled.Status)
	assert.Equal(t, "Task failed: task timed out after 50ms", settled.ErrorMessage)
	assert.EqualValues(t, 1, f.d.Metrics().GetSnapshot().TasksTimedOut)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	f := newDispatchFixture(t, func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
		panic("nil map")
	}, wf.Task("a", "test", 1))

	settled := f.dispatch(t, f.pending(t, "a", nil).ID)

	assert.Equal(t, domain.TaskStatusFailed, settled.Status)
	assert.Contains(t, settled.ErrorMessage, "task handler panicked: nil map")
}

func TestDispatchRejectsNonPendingTask(t *testing.T) {
	f := newDispatchFixture(t, nil, wf.Task("a", "test", 1))

	te := f.pending(t, "a", nil)
	te.Status = domain.TaskStatusCompleted
	require.NoError(t, f.store.SaveTaskExecution(context.Background(), te))

	_, err := f.d.ExecuteAsync(context.Background(), te.ID)
	assert.True(t, domain.IsInvalidState(err))

	_, err = f.d.ExecuteAsync(context.Background(), "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestDispatchGuardsConcurrentDispatchOfSameTask(t *testing.T) {
	release := make(chan struct{})
	f := newDispatchFixture(t, func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
		<-release
		return map[string]string{}, nil
	}, wf.Task("a", "test", 1))

	first := f.pending(t, "a", nil)
	second := f.pending(t, "a", nil)

	ch, err := f.d.ExecuteAsync(context.Background(), first.ID)
	require.NoError(t, err)

	_, err = f.d.ExecuteAsync(context.Background(), second.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	close(release)
	res := <-ch
	assert.Equal(t, domain.TaskStatusCompleted, res.Task.Status)

	f.d.Wait()
	settled := f.dispatch(t, second.ID)
	assert.Equal(t, domain.TaskStatusCompleted, settled.Status)
}

func TestDispatchCancelsTaskWhenRunEndedMeanwhile(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := newDispatchFixture(t, func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
		close(started)
		<-release
		return map[string]string{"late": "yes"}, nil
	}, wf.Task("a", "test", 1))

	ch, err := f.d.ExecuteAsync(context.Background(), f.pending(t, "a", nil).ID)
	require.NoError(t, err)
	<-started

	run, err := f.store.GetRun(context.Background(), f.run.ID)
	require.NoError(t, err)
	run.Status = domain.WorkflowStatusCancelled
	require.NoError(t, f.store.SaveRun(context.Background(), run))
	close(release)

	res := <-ch
	require.NoError(t, res.Err)
	assert.Equal(t, domain.TaskStatusCancelled, res.Task.Status)
	assert.Empty(t, res.Task.Outputs["late"])
}

func TestDispatchSurvivesCallerCancellation(t *testing.T) {
	f := newDispatchFixture(t, func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
		return map[string]string{"ok": "1"}, nil
	}, wf.Task("a", "test", 1))

	ctx, cancel := context.WithCancel(context.Background())
	te := f.pending(t, "a", nil)
	ch, err := f.d.ExecuteAsync(ctx, te.ID)
	require.NoError(t, err)
	res := <-ch
	cancel()

	require.NoError(t, res.Err)
	stored, err := f.store.GetTaskExecution(context.Background(), te.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, stored.Status)
}

func TestDispatchRespectsTaskTypeLimit(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	f := newDispatchFixture(t, func(context.Context, domain.TaskDefinition, *ports.ExecutionContext) (map[string]string, error) {
		n := running.Add(1)
		defer running.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		<-release
		return map[string]string{}, nil
	}, wf.Task("a", "test", 1), wf.Task("b", "test", 2))

	limits := resource_manager.NewAdapter(domain.EngineConfig{MaxConcurrentPerType: map[string]int{"test": 1}}, nil)
	registry, err := NewRegistry(f.handler)
	require.NoError(t, err)
	f.d = NewDispatcher(f.store, registry, semaphore.NewAdapter(4, nil), f.events, nil, WithResourceManager(limits))

	first, err := f.d.ExecuteAsync(context.Background(), f.pending(t, "a", nil).ID)
	require.NoError(t, err)
	second, err := f.d.ExecuteAsync(context.Background(), f.pending(t, "b", nil).ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return running.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, limits.Stats().PerTypeExecuting["test"])

	close(release)
	assert.Equal(t, domain.TaskStatusCompleted, (<-first).Task.Status)
	assert.Equal(t, domain.TaskStatusCompleted, (<-second).Task.Status)
	assert.EqualValues(t, 1, peak.Load())
	assert.Equal(t, 0, limits.Stats().TotalExecuting)
}
