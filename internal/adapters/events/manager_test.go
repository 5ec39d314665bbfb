package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/weave/internal/adapters/memory"
	"github.com/eleven-am/weave/internal/domain"
)

func newTestManager(t *testing.T) (*Manager, *EventStore) {
	t.Helper()
	kv := memory.NewStorage(nil)
	t.Cleanup(func() { _ = kv.Close() })
	history := NewEventStore(kv, nil)
	return NewManager(history, nil), history
}

func TestManager_DeliversWorkflowEvents(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var got []domain.WorkflowEvent
	require.NoError(t, m.OnWorkflowEvent(func(e domain.WorkflowEvent) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	}))

	m.PublishWorkflowEvent(context.Background(), domain.WorkflowEvent{
		Type:                domain.EventWorkflowCompleted,
		WorkflowExecutionID: "run-1",
		Status:              domain.WorkflowStatusCompleted,
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, "run-1", got[0].WorkflowExecutionID)
}

func TestManager_RecordsHistoryInOrder(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	base := time.Now().UTC()

	m.PublishWorkflowEvent(ctx, domain.WorkflowEvent{Type: domain.EventWorkflowStarted, WorkflowExecutionID: "run-1", Timestamp: base})
	m.PublishTaskEvent(ctx, domain.TaskEvent{Type: domain.TaskEventStarted, WorkflowExecutionID: "run-1", TaskExecutionID: "t1", Timestamp: base.Add(time.Millisecond)})
	m.PublishTaskEvent(ctx, domain.TaskEvent{Type: domain.TaskEventCompleted, WorkflowExecutionID: "run-1", TaskExecutionID: "t1", Timestamp: base.Add(2 * time.Millisecond)})
	m.PublishWorkflowEvent(ctx, domain.WorkflowEvent{Type: domain.EventWorkflowStarted, WorkflowExecutionID: "run-2", Timestamp: base})

	records, err := m.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	require.NotNil(t, records[0].Workflow)
	assert.Equal(t, domain.EventWorkflowStarted, records[0].Workflow.Type)
	require.NotNil(t, records[1].Task)
	assert.Equal(t, domain.TaskEventStarted, records[1].Task.Type)
	require.NotNil(t, records[2].Task)
	assert.Equal(t, domain.TaskEventCompleted, records[2].Task.Type)
	assert.Less(t, records[0].Sequence, records[2].Sequence)
}

func TestManager_PatternSubscriptions(t *testing.T) {
	m, _ := newTestManager(t)

	var workflowHits, taskHits atomic.Int32
	_, err := m.Subscribe("workflow.*", func(string, any) { workflowHits.Add(1) })
	require.NoError(t, err)
	id, err := m.Subscribe("task.completed", func(string, any) { taskHits.Add(1) })
	require.NoError(t, err)

	ctx := context.Background()
	m.PublishWorkflowEvent(ctx, domain.WorkflowEvent{Type: domain.EventWorkflowFailed, WorkflowExecutionID: "r"})
	m.PublishTaskEvent(ctx, domain.TaskEvent{Type: domain.TaskEventCompleted, WorkflowExecutionID: "r", TaskExecutionID: "t"})
	m.PublishTaskEvent(ctx, domain.TaskEvent{Type: domain.TaskEventFailed, WorkflowExecutionID: "r", TaskExecutionID: "t"})

	assert.Eventually(t, func() bool {
		return workflowHits.Load() == 1 && taskHits.Load() == 1
	}, time.Second, 10*time.Millisecond)

	m.Unsubscribe(id)
	m.PublishTaskEvent(ctx, domain.TaskEvent{Type: domain.TaskEventCompleted, WorkflowExecutionID: "r", TaskExecutionID: "t"})
	require.NoError(t, m.Stop())
	assert.Equal(t, int32(1), taskHits.Load())
}

func TestManager_PanickingHandlerDoesNotAffectOthers(t *testing.T) {
	m, _ := newTestManager(t)

	var delivered atomic.Bool
	require.NoError(t, m.OnTaskEvent(func(domain.TaskEvent) { panic("boom") }))
	require.NoError(t, m.OnTaskEvent(func(domain.TaskEvent) { delivered.Store(true) }))

	m.PublishTaskEvent(context.Background(), domain.TaskEvent{Type: domain.TaskEventFailed, WorkflowExecutionID: "r", TaskExecutionID: "t"})

	assert.Eventually(t, delivered.Load, time.Second, 10*time.Millisecond)
}

func TestManager_StopDrainsAndRejects(t *testing.T) {
	m, _ := newTestManager(t)

	var calls atomic.Int32
	require.NoError(t, m.OnWorkflowEvent(func(domain.WorkflowEvent) {
		time.Sleep(20 * time.Millisecond)
		calls.Add(1)
	}))

	m.PublishWorkflowEvent(context.Background(), domain.WorkflowEvent{Type: domain.EventWorkflowStarted, WorkflowExecutionID: "r"})
	require.NoError(t, m.Stop())
	assert.Equal(t, int32(1), calls.Load())

	m.PublishWorkflowEvent(context.Background(), domain.WorkflowEvent{Type: domain.EventWorkflowStarted, WorkflowExecutionID: "r"})
	assert.ErrorIs(t, m.Stop(), domain.ErrNotStarted)
	assert.ErrorIs(t, m.OnWorkflowEvent(func(domain.WorkflowEvent) {}), domain.ErrNotStarted)
	assert.Equal(t, int32(1), calls.Load())
}

func TestManager_WithoutHistory(t *testing.T) {
	m := NewManager(nil, nil)
	m.PublishWorkflowEvent(context.Background(), domain.WorkflowEvent{Type: domain.EventWorkflowStarted, WorkflowExecutionID: "r"})

	records, err := m.History(context.Background(), "r")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPatternMatches(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		matches bool
	}{
		{"*", "anything", true},
		{"workflow.*", "workflow.completed", true},
		{"workflow.*", "task.completed", false},
		{"task.completed", "task.completed", true},
		{"task.completed", "task.failed", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.matches, patternMatches(tt.pattern, tt.key), "%s vs %s", tt.pattern, tt.key)
	}
}
