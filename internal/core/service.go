package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// ExecutionService owns the run lifecycle outside of orchestration itself:
// starting runs and moving them between statuses on request.
type ExecutionService struct {
	store       ports.Store
	definitions ports.DefinitionService
	engine      ports.WorkflowEngine
	events      ports.EventPublisher
	logger      *slog.Logger
	now         func() time.Time

	mu sync.Mutex
}

type ServiceOption func(*ExecutionService)

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *ExecutionService) { s.now = now }
}

func NewExecutionService(store ports.Store, definitions ports.DefinitionService, engine ports.WorkflowEngine, events ports.EventPublisher, logger *slog.Logger, opts ...ServiceOption) *ExecutionService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ExecutionService{
		store:       store,
		definitions: definitions,
		engine:      engine,
		events:      events,
		logger:      logger.With("component", "executions"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates a CREATED run of the named definition and hands it to the
// engine once it is persisted. A zero version selects the latest one.
func (s *ExecutionService) Start(ctx context.Context, name string, version int, variables map[string]string) (*domain.WorkflowExecution, error) {
	def, err := s.definitions.GetVersion(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("workflow definition %s: %w", describeVersion(name, version), err)
	}

	run := &domain.WorkflowExecution{
		WorkflowDefinitionID: def.ID,
		Status:               domain.WorkflowStatusCreated,
		Variables:            domain.CopyStringMap(variables),
		StartedAt:            domain.TimePtr(s.now()),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run of %s: %w", def.Name, err)
	}
	s.logger.Info("run created", "run_id", run.ID, "correlation_id", run.CorrelationID, "definition", def.Name, "version", def.Version)

	if err := s.engine.ExecuteWorkflow(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("start run %s: %w", run.ID, err)
	}
	return run, nil
}

func (s *ExecutionService) Get(ctx context.Context, id string) (*domain.WorkflowExecution, error) {
	return s.store.GetRun(ctx, id)
}

func (s *ExecutionService) GetByCorrelationID(ctx context.Context, correlationID string) (*domain.WorkflowExecution, error) {
	return s.store.GetRunByCorrelationID(ctx, correlationID)
}

func (s *ExecutionService) ListByStatus(ctx context.Context, status domain.WorkflowStatus) ([]*domain.WorkflowExecution, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown workflow status %q: %w", status, domain.ErrInvalidInput)
	}
	return s.store.FindRunsByStatus(ctx, status)
}

func (s *ExecutionService) Tasks(ctx context.Context, id string) ([]*domain.TaskExecution, error) {
	if _, err := s.store.GetRun(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTaskExecutions(ctx, id)
}

// Pause stops a RUNNING run at the next task boundary.
func (s *ExecutionService) Pause(ctx context.Context, id string) (*domain.WorkflowExecution, error) {
	return s.transition(ctx, id, "pause", func(run *domain.WorkflowExecution) (domain.EventType, error) {
		if run.Status != domain.WorkflowStatusRunning {
			return "", domain.NewStateError("pause", run.ID, run.Status)
		}
		run.Status = domain.WorkflowStatusPaused
		return domain.EventWorkflowPaused, nil
	})
}

func (s *ExecutionService) Resume(ctx context.Context, id string) (*domain.WorkflowExecution, error) {
	run, err := s.transition(ctx, id, "resume", func(run *domain.WorkflowExecution) (domain.EventType, error) {
		if run.Status != domain.WorkflowStatusPaused {
			return "", domain.NewStateError("resume", run.ID, run.Status)
		}
		run.Status = domain.WorkflowStatusRunning
		return domain.EventWorkflowResumed, nil
	})
	if err != nil {
		return nil, err
	}
	return s.reenter(ctx, run)
}

// Cancel moves any non-terminal run to CANCELLED. Tasks already dispatched
// finish, but nothing after them runs.
func (s *ExecutionService) Cancel(ctx context.Context, id string) (*domain.WorkflowExecution, error) {
	return s.transition(ctx, id, "cancel", func(run *domain.WorkflowExecution) (domain.EventType, error) {
		if run.Status.IsTerminal() {
			return "", domain.NewStateError("cancel", run.ID, run.Status)
		}
		run.Status = domain.WorkflowStatusCancelled
		run.CompletedAt = domain.TimePtr(s.now())
		return domain.EventWorkflowCancelled, nil
	})
}

// Retry resumes a FAILED run from its failed tasks. Every failed task run is
// put back to PENDING so the engine dispatches it again.
func (s *ExecutionService) Retry(ctx context.Context, id string) (*domain.WorkflowExecution, error) {
	run, err := s.transition(ctx, id, "retry", func(run *domain.WorkflowExecution) (domain.EventType, error) {
		if run.Status != domain.WorkflowStatusFailed {
			return "", domain.NewStateError("retry", run.ID, run.Status)
		}
		if err := s.resetTasks(ctx, run.ID, func(te *domain.TaskExecution) bool {
			return te.Status == domain.TaskStatusFailed
		}); err != nil {
			return "", err
		}
		s.rearm(run)
		return domain.EventWorkflowRetried, nil
	})
	if err != nil {
		return nil, err
	}
	return s.reenter(ctx, run)
}

// RetrySubset re-runs only taskIDs of a FAILED or PAUSED run.
func (s *ExecutionService) RetrySubset(ctx context.Context, id string, taskIDs []string) (*domain.WorkflowExecution, error) {
	if len(taskIDs) == 0 {
		return nil, fmt.Errorf("no tasks to retry: %w", domain.ErrInvalidInput)
	}

	run, err := s.transition(ctx, id, "retry subset", func(run *domain.WorkflowExecution) (domain.EventType, error) {
		if run.Status != domain.WorkflowStatusFailed && run.Status != domain.WorkflowStatusPaused {
			return "", domain.NewStateError("retry subset", run.ID, run.Status)
		}
		def, err := s.store.GetDefinition(ctx, run.WorkflowDefinitionID)
		if err != nil {
			return "", err
		}
		wanted := make(map[string]bool, len(taskIDs))
		for _, taskID := range taskIDs {
			if t, _ := def.Task(taskID); t == nil {
				return "", fmt.Errorf("task %q is not part of definition %s: %w", taskID, def.Name, domain.ErrInvalidInput)
			}
			wanted[taskID] = true
		}
		if err := s.resetTasks(ctx, run.ID, func(te *domain.TaskExecution) bool {
			return wanted[te.TaskDefinitionID] && te.Status != domain.TaskStatusRunning
		}); err != nil {
			return "", err
		}
		s.rearm(run)
		return domain.EventWorkflowRetried, nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.engine.ExecuteTaskSubset(ctx, run.ID, taskIDs); err != nil {
		return nil, fmt.Errorf("retry tasks of run %s: %w", run.ID, err)
	}
	return s.store.GetRun(ctx, run.ID)
}

// UpdateStatus sets the status directly. It is an operator escape hatch and
// does not touch orchestration.
func (s *ExecutionService) UpdateStatus(ctx context.Context, id string, status domain.WorkflowStatus) (*domain.WorkflowExecution, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown workflow status %q: %w", status, domain.ErrInvalidInput)
	}
	return s.transition(ctx, id, "update status", func(run *domain.WorkflowExecution) (domain.EventType, error) {
		run.Status = status
		if status == domain.WorkflowStatusCompleted || status == domain.WorkflowStatusFailed {
			run.CompletedAt = domain.TimePtr(s.now())
		}
		return domain.EventWorkflowStatusChanged, nil
	})
}

// Delete removes a terminal run with its task runs and review points.
func (s *ExecutionService) Delete(ctx context.Context, id string) error {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if !run.Status.IsTerminal() {
		return domain.NewStateError("delete", run.ID, run.Status)
	}
	if err := s.store.DeleteRun(ctx, id); err != nil {
		return err
	}
	s.logger.Info("run deleted", "run_id", id)
	return nil
}

// transition loads the run, lets apply change it and persists the result
// with one event. Transitions on the same service are serialized.
func (s *ExecutionService) transition(ctx context.Context, id, op string, apply func(run *domain.WorkflowExecution) (domain.EventType, error)) (*domain.WorkflowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	previous := run.Status

	typ, err := apply(run)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("%s run %s: %w", op, id, err)
	}

	s.logger.Info("run status changed", "run_id", run.ID, "op", op, "from", previous, "to", run.Status)
	if s.events != nil {
		s.events.PublishWorkflowEvent(ctx, domain.WorkflowEvent{
			Type:                typ,
			WorkflowExecutionID: run.ID,
			CorrelationID:       run.CorrelationID,
			Status:              run.Status,
			PreviousStatus:      previous,
		})
	}
	return run, nil
}

func (s *ExecutionService) reenter(ctx context.Context, run *domain.WorkflowExecution) (*domain.WorkflowExecution, error) {
	if err := s.engine.ExecuteWorkflow(ctx, run.ID); err != nil {
		return nil, fmt.Errorf("resume run %s: %w", run.ID, err)
	}
	return s.store.GetRun(ctx, run.ID)
}

func (s *ExecutionService) rearm(run *domain.WorkflowExecution) {
	run.Status = domain.WorkflowStatusRunning
	run.RetryCount++
	run.CompletedAt = nil
	run.ErrorMessage = ""
}

// resetTasks puts the latest attempt of each task back to PENDING when match
// accepts it. Older attempts are history and stay as they are.
func (s *ExecutionService) resetTasks(ctx context.Context, runID string, match func(te *domain.TaskExecution) bool) error {
	tasks, err := s.store.ListTaskExecutions(ctx, runID)
	if err != nil {
		return err
	}
	latest := make(map[string]*domain.TaskExecution, len(tasks))
	var order []string
	for _, te := range tasks {
		if _, ok := latest[te.TaskDefinitionID]; !ok {
			order = append(order, te.TaskDefinitionID)
		}
		latest[te.TaskDefinitionID] = te
	}
	for _, taskID := range order {
		te := latest[taskID]
		if !match(te) {
			continue
		}
		te.ResetForRetry()
		te.ErrorMessage = ""
		if err := s.store.SaveTaskExecution(ctx, te); err != nil {
			return fmt.Errorf("reset task run %s: %w", te.ID, err)
		}
	}
	return nil
}

func describeVersion(name string, version int) string {
	if version <= 0 {
		return name + " (latest)"
	}
	return fmt.Sprintf("%s v%d", name, version)
}
