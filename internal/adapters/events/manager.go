package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Manager fans published events out to in-process handlers and records them
// in the run's history. Handlers run on their own goroutine so a slow or
// panicking subscriber never holds up the engine.
type Manager struct {
	history ports.EventHistory
	logger  *slog.Logger

	mu       sync.RWMutex
	stopped  bool
	sequence atomic.Uint64

	workflowHandlers []func(domain.WorkflowEvent)
	taskHandlers     []func(domain.TaskEvent)
	genericHandlers  []genericSubscription

	inflight sync.WaitGroup
}

type genericSubscription struct {
	id      string
	pattern string
	handler func(string, any)
}

// NewManager builds a manager. history may be nil, in which case events are
// only delivered and never recorded.
func NewManager(history ports.EventHistory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		history: history,
		logger:  logger.With("component", "event-manager"),
	}
}

func (m *Manager) PublishWorkflowEvent(ctx context.Context, event domain.WorkflowEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if m.isStopped() {
		m.logger.Debug("dropping workflow event after stop", "type", event.Type, "run_id", event.WorkflowExecutionID)
		return
	}

	m.record(ctx, domain.EventRecord{Timestamp: event.Timestamp, Workflow: &event})

	m.mu.RLock()
	handlers := make([]func(domain.WorkflowEvent), len(m.workflowHandlers))
	copy(handlers, m.workflowHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		m.dispatch(func() { h(event) })
	}
	m.notifyGenericHandlers(string(event.Type), event)
}

func (m *Manager) PublishTaskEvent(ctx context.Context, event domain.TaskEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if m.isStopped() {
		m.logger.Debug("dropping task event after stop", "type", event.Type, "task_execution_id", event.TaskExecutionID)
		return
	}

	m.record(ctx, domain.EventRecord{Timestamp: event.Timestamp, Task: &event})

	m.mu.RLock()
	handlers := make([]func(domain.TaskEvent), len(m.taskHandlers))
	copy(handlers, m.taskHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		m.dispatch(func() { h(event) })
	}
	m.notifyGenericHandlers(TaskEventKey(event.Type), event)
}

// TaskEventKey is the key generic subscribers see for a task event, for
// example task.completed.
func TaskEventKey(t domain.TaskEventType) string {
	return "task." + strings.ToLower(string(t))
}

func (m *Manager) OnWorkflowEvent(handler func(event domain.WorkflowEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return domain.ErrNotStarted
	}
	m.workflowHandlers = append(m.workflowHandlers, handler)
	return nil
}

func (m *Manager) OnTaskEvent(handler func(event domain.TaskEvent)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return domain.ErrNotStarted
	}
	m.taskHandlers = append(m.taskHandlers, handler)
	return nil
}

// Subscribe registers handler for every event whose key matches pattern.
// Workflow events are keyed by their type (workflow.completed), task events
// by TaskEventKey. A trailing * matches any suffix. The returned id is what
// Unsubscribe takes.
func (m *Manager) Subscribe(pattern string, handler func(key string, event any)) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return "", domain.ErrNotStarted
	}

	sub := genericSubscription{
		id:      uuid.NewString(),
		pattern: pattern,
		handler: handler,
	}
	m.genericHandlers = append(m.genericHandlers, sub)
	return sub.id, nil
}

func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filtered := m.genericHandlers[:0]
	for _, sub := range m.genericHandlers {
		if sub.id != id {
			filtered = append(filtered, sub)
		}
	}
	m.genericHandlers = filtered
}

// History returns the recorded events of a run, oldest first.
func (m *Manager) History(ctx context.Context, runID string) ([]domain.EventRecord, error) {
	if m.history == nil {
		return []domain.EventRecord{}, nil
	}
	return m.history.ListForRun(ctx, runID)
}

// Stop refuses further publications and waits for in-flight handlers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return domain.ErrNotStarted
	}
	m.stopped = true
	m.mu.Unlock()

	m.inflight.Wait()
	m.logger.Debug("event manager stopped")
	return nil
}

func (m *Manager) isStopped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopped
}

func (m *Manager) record(ctx context.Context, rec domain.EventRecord) {
	if m.history == nil {
		return
	}
	rec.Sequence = m.sequence.Add(1)
	if err := m.history.Append(ctx, rec); err != nil {
		m.logger.Warn("failed to record event", "run_id", rec.RunID(), "event_id", rec.EventID(), "error", err)
	}
}

func (m *Manager) notifyGenericHandlers(key string, event any) {
	m.mu.RLock()
	var matching []func(string, any)
	for _, sub := range m.genericHandlers {
		if patternMatches(sub.pattern, key) {
			matching = append(matching, sub.handler)
		}
	}
	m.mu.RUnlock()

	for _, handler := range matching {
		h := handler
		m.dispatch(func() { h(key, event) })
	}
}

func patternMatches(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}

func (m *Manager) dispatch(fn func()) {
	m.mu.RLock()
	if m.stopped {
		m.mu.RUnlock()
		return
	}
	m.inflight.Add(1)
	m.mu.RUnlock()

	go func() {
		defer m.inflight.Done()
		m.safeCall(fn)
	}()
}

func (m *Manager) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "panic", r)
		}
	}()
	fn()
}
