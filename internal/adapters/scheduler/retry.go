package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// RetryScheduler resumes AWAITING_RETRY task runs whose backoff elapsed.
type RetryScheduler struct {
	store      ports.Store
	dispatcher ports.Dispatcher
	engine     ports.WorkflowEngine
	logger     *slog.Logger
	now        func() time.Time

	interval  time.Duration
	threshold int

	mu       sync.Mutex
	failures map[string]int

	loops   loops
	pending sync.WaitGroup
}

type RetryOption func(*RetryScheduler)

func WithRetryClock(now func() time.Time) RetryOption {
	return func(s *RetryScheduler) { s.now = now }
}

func NewRetryScheduler(store ports.Store, dispatcher ports.Dispatcher, engine ports.WorkflowEngine, config domain.SchedulerConfig, logger *slog.Logger, opts ...RetryOption) *RetryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := config.RetryFailureThreshold
	if threshold <= 0 {
		threshold = domain.DefaultRetryFailureThreshold
	}

	s := &RetryScheduler{
		store:      store,
		dispatcher: dispatcher,
		engine:     engine,
		logger:     logger.With("component", "retry-scheduler"),
		now:        time.Now,
		interval:   config.RetryInterval,
		threshold:  threshold,
		failures:   make(map[string]int),
	}
	s.loops.logger = s.logger
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RetryScheduler) Start(ctx context.Context) error {
	return s.loops.start(ctx, job{name: "retry", interval: s.interval, run: func(ctx context.Context) {
		s.ProcessDueRetries(ctx)
	}})
}

// Stop ends the ticker and waits for resumed tasks that are still being
// followed.
func (s *RetryScheduler) Stop() error {
	err := s.loops.stop()
	s.pending.Wait()
	return err
}

// Wait blocks until every resumed task dispatched so far has settled and
// been handed back to the engine.
func (s *RetryScheduler) Wait() {
	s.pending.Wait()
}

// ProcessDueRetries resumes every task run whose retry time has passed and
// returns how many were handed to the dispatcher.
func (s *RetryScheduler) ProcessDueRetries(ctx context.Context) int {
	due, err := s.store.FindAwaitingRetryBefore(ctx, s.now())
	if err != nil {
		s.logger.Error("failed to find tasks awaiting retry", "error", err)
		return 0
	}

	resumed := 0
	for _, te := range due {
		if ctx.Err() != nil {
			break
		}
		if s.resume(ctx, te) {
			resumed++
		}
	}
	if len(due) > 0 {
		s.logger.Debug("processed due retries", "due", len(due), "resumed", resumed)
	}
	return resumed
}

func (s *RetryScheduler) resume(ctx context.Context, te *domain.TaskExecution) bool {
	logger := s.logger.With("run_id", te.WorkflowExecutionID, "task_execution_id", te.ID)

	run, err := s.store.GetRun(ctx, te.WorkflowExecutionID)
	if err != nil {
		logger.Error("failed to load run for retry", "error", err)
		return false
	}
	if run.Status.IsTerminal() {
		te.Status = domain.TaskStatusCancelled
		te.NextRetryAt = nil
		te.CompletedAt = domain.TimePtr(s.now())
		te.ErrorMessage = "retry abandoned: run is " + run.Status.String()
		if err := s.store.SaveTaskExecution(ctx, te); err != nil {
			logger.Error("failed to cancel retry of terminal run", "error", err)
		}
		return false
	}
	if run.Status != domain.WorkflowStatusRunning {
		logger.Debug("run not running, retry deferred", "run_status", run.Status)
		return false
	}

	nextRetryAt := te.NextRetryAt
	te.ResetForRetry()
	if err := s.store.SaveTaskExecution(ctx, te); err != nil {
		logger.Error("failed to reset task for retry", "error", err)
		return false
	}

	results, err := s.dispatcher.ExecuteAsync(ctx, te.ID)
	if err != nil {
		s.dispatchFailed(ctx, te, nextRetryAt, err)
		return false
	}
	logger.Info("task resumed for retry", "retry_count", te.RetryCount)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.follow(context.WithoutCancel(ctx), run.ID, results)
	}()
	return true
}

// dispatchFailed counts a failed retry dispatch against the run. Below the
// threshold the task goes back to AWAITING_RETRY for the next tick; at the
// threshold it stays PENDING and the engine is asked to resume the run.
func (s *RetryScheduler) dispatchFailed(ctx context.Context, te *domain.TaskExecution, nextRetryAt *time.Time, cause error) {
	runID := te.WorkflowExecutionID
	logger := s.logger.With("run_id", runID, "task_execution_id", te.ID)

	s.mu.Lock()
	s.failures[runID]++
	count := s.failures[runID]
	escalate := count >= s.threshold
	if escalate {
		delete(s.failures, runID)
	}
	s.mu.Unlock()

	logger.Warn("retry dispatch failed", "error", cause, "failures", count)

	if escalate {
		if err := s.engine.ExecuteWorkflow(ctx, runID); err != nil {
			logger.Error("failed to restart workflow after repeated retry failures", "error", err)
			return
		}
		logger.Info("workflow restarted after repeated retry failures", "failures", count)
		return
	}

	te.Status = domain.TaskStatusAwaitingRetry
	te.NextRetryAt = nextRetryAt
	if err := s.store.SaveTaskExecution(ctx, te); err != nil {
		logger.Error("failed to restore task for retry", "error", err)
	}
}

// follow waits for a resumed task to settle and hands the run back to the
// engine so the strategy continues past it.
func (s *RetryScheduler) follow(ctx context.Context, runID string, results <-chan ports.DispatchResult) {
	res, ok := <-results
	if !ok || res.Task == nil {
		return
	}
	if res.Err != nil {
		s.logger.Warn("retried task did not settle", "run_id", runID, "task_execution_id", res.Task.ID, "error", res.Err)
		return
	}

	switch res.Task.Status {
	case domain.TaskStatusCompleted, domain.TaskStatusFailed:
		if err := s.engine.ExecuteWorkflow(ctx, runID); err != nil {
			s.logger.Error("failed to resume workflow after retry", "run_id", runID, "error", err)
		}
	}
}

// FailureCount reports the dispatch failures tracked for runID. A successful
// dispatch does not reset it; only escalation or CleanupRetryTracker does.
func (s *RetryScheduler) FailureCount(runID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[runID]
}

// CleanupRetryTracker forgets every tracked dispatch failure.
func (s *RetryScheduler) CleanupRetryTracker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]int)
}
