package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

const (
	stuckMessage      = "Workflow execution timed out"
	stuckRetryMessage = "Workflow execution timed out and auto-retry failed: "
)

// WorkflowScheduler runs the run level housekeeping jobs.
type WorkflowScheduler struct {
	store   ports.Store
	engine  ports.WorkflowEngine
	events  ports.EventPublisher
	history ports.EventHistory
	logger  *slog.Logger
	now     func() time.Time
	config  domain.SchedulerConfig

	loops loops
}

type WorkflowOption func(*WorkflowScheduler)

func WithWorkflowClock(now func() time.Time) WorkflowOption {
	return func(s *WorkflowScheduler) { s.now = now }
}

// WithEventHistory prunes the event history together with retained runs.
func WithEventHistory(history ports.EventHistory) WorkflowOption {
	return func(s *WorkflowScheduler) { s.history = history }
}

func NewWorkflowScheduler(store ports.Store, engine ports.WorkflowEngine, events ports.EventPublisher, config domain.SchedulerConfig, logger *slog.Logger, opts ...WorkflowOption) *WorkflowScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WorkflowScheduler{
		store:  store,
		engine: engine,
		events: events,
		logger: logger.With("component", "workflow-scheduler"),
		now:    time.Now,
		config: config,
	}
	s.loops.logger = s.logger
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *WorkflowScheduler) Start(ctx context.Context) error {
	return s.loops.start(ctx,
		job{name: "stuck", interval: s.config.StuckCheckInterval, run: func(ctx context.Context) { s.CheckStuckWorkflows(ctx) }},
		job{name: "retention", interval: s.config.CleanupInterval, run: func(ctx context.Context) { s.CleanupOldWorkflows(ctx) }},
		job{name: "paused-audit", interval: s.config.PausedCheckInterval, run: func(ctx context.Context) { s.AuditPausedWorkflows(ctx) }},
	)
}

func (s *WorkflowScheduler) Stop() error {
	return s.loops.stop()
}

// CheckStuckWorkflows handles RUNNING runs that started longer than the
// stuck timeout ago. It returns the number of runs it acted on.
func (s *WorkflowScheduler) CheckStuckWorkflows(ctx context.Context) int {
	runs, err := s.store.FindStuckRunsBefore(ctx, s.now().Add(-s.config.StuckWorkflowTimeout))
	if err != nil {
		s.logger.Error("failed to find stuck workflows", "error", err)
		return 0
	}

	for _, run := range runs {
		logger := s.logger.With("run_id", run.ID)
		logger.Warn("workflow appears stuck", "started_at", run.StartedAt)

		if !s.config.AutoRetryStuck {
			s.failStuck(ctx, run, stuckMessage)
			continue
		}
		if err := s.engine.ExecuteWorkflow(ctx, run.ID); err != nil {
			logger.Error("auto-retry of stuck workflow failed", "error", err)
			s.failStuck(ctx, run, stuckRetryMessage+err.Error())
			continue
		}
		logger.Info("stuck workflow handed back to the engine")
	}
	return len(runs)
}

func (s *WorkflowScheduler) failStuck(ctx context.Context, run *domain.WorkflowExecution, message string) {
	latest, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		s.logger.Error("failed to reload stuck workflow", "run_id", run.ID, "error", err)
		return
	}
	if latest.Status.IsTerminal() {
		return
	}

	previous := latest.Status
	latest.Status = domain.WorkflowStatusFailed
	latest.ErrorMessage = message
	latest.CompletedAt = domain.TimePtr(s.now())
	if err := s.store.SaveRun(ctx, latest); err != nil {
		s.logger.Error("failed to mark stuck workflow failed", "run_id", run.ID, "error", err)
		return
	}
	if s.events != nil {
		s.events.PublishWorkflowEvent(ctx, domain.WorkflowEvent{
			Type:                domain.EventWorkflowFailed,
			WorkflowExecutionID: latest.ID,
			CorrelationID:       latest.CorrelationID,
			Status:              latest.Status,
			PreviousStatus:      previous,
			Message:             message,
		})
	}
}

// CleanupOldWorkflows deletes terminal runs that completed before the
// retention window. A failed delete does not stop the others.
func (s *WorkflowScheduler) CleanupOldWorkflows(ctx context.Context) int {
	cutoff := s.now().Add(-s.config.CompletedWorkflowRetention)
	runs, err := s.store.FindTerminalRunsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to find workflows past retention", "error", err)
		return 0
	}

	deleted := 0
	for _, run := range runs {
		if err := s.store.DeleteRun(ctx, run.ID); err != nil {
			s.logger.Error("failed to delete workflow", "run_id", run.ID, "error", err)
			continue
		}
		deleted++
	}

	if s.history != nil {
		if pruned, err := s.history.PruneBefore(ctx, cutoff); err != nil {
			s.logger.Error("failed to prune event history", "error", err)
		} else if pruned > 0 {
			s.logger.Debug("pruned event history", "records", pruned)
		}
	}

	if deleted > 0 {
		s.logger.Info("deleted workflows past retention", "count", deleted, "cutoff", cutoff)
	}
	return deleted
}

// AuditPausedWorkflows logs runs that have been paused for longer than the
// paused threshold. It changes nothing.
func (s *WorkflowScheduler) AuditPausedWorkflows(ctx context.Context) int {
	runs, err := s.store.FindPausedRunsBefore(ctx, s.now().Add(-s.config.PausedThreshold))
	if err != nil {
		s.logger.Error("failed to find paused workflows", "error", err)
		return 0
	}
	for _, run := range runs {
		s.logger.Warn("workflow paused for a long time", "run_id", run.ID, "correlation_id", run.CorrelationID, "started_at", run.StartedAt)
	}
	return len(runs)
}
