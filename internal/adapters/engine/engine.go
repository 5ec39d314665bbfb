// Package engine starts and resumes workflow runs. Each run is orchestrated
// by the strategy its definition names, on a background goroutine owned by
// the Engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

type Engine struct {
	store      ports.Store
	events     ports.EventPublisher
	tracer     ports.Tracer
	runs       ports.WorkerPool
	metrics    *domain.ExecutionMetrics
	logger     *slog.Logger
	now        func() time.Time
	strategies map[domain.StrategyType]ports.ExecutionStrategy

	mu      sync.Mutex
	active  map[string]bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Engine)

func WithTracer(tracer ports.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

func WithMetrics(metrics *domain.ExecutionMetrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRunLimit bounds how many runs are orchestrated at once. Runs over the
// limit wait for a slot on their own goroutine.
func WithRunLimit(pool ports.WorkerPool) Option {
	return func(e *Engine) { e.runs = pool }
}

// WithStrategy replaces the built-in strategy for its type.
func WithStrategy(strategy ports.ExecutionStrategy) Option {
	return func(e *Engine) { e.strategies[strategy.Type()] = strategy }
}

func NewEngine(store ports.Store, dispatcher ports.Dispatcher, events ports.EventPublisher, evaluator ports.PredicateEvaluator, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      store,
		events:     events,
		metrics:    domain.NewExecutionMetrics(),
		logger:     logger.With("component", "engine"),
		now:        time.Now,
		strategies: make(map[domain.StrategyType]ports.ExecutionStrategy),
		active:     make(map[string]bool),
		ctx:        ctx,
		cancel:     cancel,
	}

	r := &runner{
		store:      store,
		dispatcher: dispatcher,
		events:     events,
		logger:     e.logger,
	}
	sequential := NewSequentialStrategy(r)
	e.strategies[domain.StrategySequential] = sequential
	e.strategies[domain.StrategyParallel] = NewParallelStrategy(r, sequential)
	e.strategies[domain.StrategyConditional] = NewConditionalStrategy(r, sequential, evaluator)

	for _, opt := range opts {
		opt(e)
	}
	r.metrics = e.metrics
	r.now = e.now
	return e
}

// ExecuteWorkflow starts or resumes a run. It returns once the run has been
// handed to a background goroutine; a run that is not CREATED or RUNNING is
// left alone. A run that is already being orchestrated is re-entered once the
// current pass lets go of it.
func (e *Engine) ExecuteWorkflow(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsStartable() {
		e.logger.Debug("run not startable, ignoring", "run_id", runID, "status", run.Status)
		return nil
	}

	if !e.claim(runID) {
		if e.requestRerun(runID) {
			e.logger.Debug("run already being orchestrated, re-entry queued", "run_id", runID)
		}
		return nil
	}

	def, strategy, err := e.prepare(ctx, run)
	if err != nil {
		e.release(runID)
		return err
	}

	e.launch(run, func(ctx context.Context) (domain.WorkflowStatus, error) {
		return strategy.Execute(ctx, run, def)
	})
	return nil
}

// ExecuteTaskSubset re-runs only the named tasks of a run.
func (e *Engine) ExecuteTaskSubset(ctx context.Context, runID string, taskIDs []string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.WorkflowStatusCompleted || run.Status == domain.WorkflowStatusCancelled {
		return domain.NewStateError("execute task subset", runID, run.Status)
	}
	if !e.claim(runID) {
		return fmt.Errorf("run %s is already being orchestrated: %w", runID, domain.ErrInvalidState)
	}

	def, strategy, err := e.prepare(ctx, run)
	if err != nil {
		e.release(runID)
		return err
	}

	ids := append([]string(nil), taskIDs...)
	e.launch(run, func(ctx context.Context) (domain.WorkflowStatus, error) {
		return strategy.ExecuteSubset(ctx, run, def, ids)
	})
	return nil
}

// RestartTask puts one task run back to PENDING and resumes the run from
// that task.
func (e *Engine) RestartTask(ctx context.Context, runID, taskExecutionID string) error {
	te, err := e.store.GetTaskExecution(ctx, taskExecutionID)
	if err != nil {
		return err
	}
	if te.WorkflowExecutionID != runID {
		return fmt.Errorf("task run %s does not belong to run %s: %w", taskExecutionID, runID, domain.ErrInvalidInput)
	}
	if te.Status == domain.TaskStatusRunning {
		return domain.NewStateError("restart task", te.ID, te.Status)
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == domain.WorkflowStatusCompleted || run.Status == domain.WorkflowStatusCancelled {
		return domain.NewStateError("restart task", runID, run.Status)
	}
	if e.isActive(runID) {
		return fmt.Errorf("run %s is already being orchestrated: %w", runID, domain.ErrInvalidState)
	}

	def, err := e.store.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return err
	}

	te.ResetForRetry()
	te.ErrorMessage = ""
	if err := e.store.SaveTaskExecution(ctx, te); err != nil {
		return err
	}

	previous := run.Status
	if idx := indexOf(def.OrderedTasks(), te.TaskDefinitionID); idx >= 0 {
		run.CurrentTaskIndex = idx
	}
	run.Status = domain.WorkflowStatusRunning
	run.CompletedAt = nil
	run.ErrorMessage = ""
	if err := e.store.SaveRun(ctx, run); err != nil {
		return err
	}
	e.publish(ctx, run, domain.EventWorkflowStatusChanged, previous, "task "+te.TaskDefinitionID+" restarted")
	e.logger.Info("task restarted", "run_id", runID, "task_execution_id", te.ID)

	return e.ExecuteWorkflow(ctx, runID)
}

func (e *Engine) prepare(ctx context.Context, run *domain.WorkflowExecution) (*domain.WorkflowDefinition, ports.ExecutionStrategy, error) {
	def, err := e.store.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		e.fail(ctx, run, fmt.Sprintf("load workflow definition: %v", err))
		return nil, nil, domain.NewOrchestrationError(run.ID, "load_definition", err)
	}

	strategy, ok := e.strategies[def.Strategy()]
	if !ok {
		e.fail(ctx, run, fmt.Sprintf("no execution strategy for %q", def.Strategy()))
		return nil, nil, domain.NewOrchestrationError(run.ID, "select_strategy",
			domain.NewConfigurationError("strategy_type", string(def.Strategy())))
	}

	previous := run.Status
	run.Status = domain.WorkflowStatusRunning
	if run.StartedAt == nil {
		run.StartedAt = domain.TimePtr(e.now())
	}
	run.CompletedAt = nil
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, nil, err
	}
	if previous == domain.WorkflowStatusCreated {
		e.metrics.IncrementWorkflowsStarted()
	}
	e.publish(ctx, run, domain.EventWorkflowStarted, previous, "")
	return def, strategy, nil
}

func (e *Engine) launch(run *domain.WorkflowExecution, fn func(context.Context) (domain.WorkflowStatus, error)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.drive(run, fn)
		if e.release(run.ID) {
			e.rerun(run.ID)
		}
	}()
}

func (e *Engine) drive(run *domain.WorkflowExecution, fn func(context.Context) (domain.WorkflowStatus, error)) {
	ctx := e.ctx
	if e.tracer != nil {
		var span ports.Span
		ctx, span = e.tracer.StartSpan(ctx, "weave.workflow.run", map[string]string{
			"weave.run_id":         run.ID,
			"weave.correlation_id": run.CorrelationID,
		})
		defer span.End()
	}

	if e.runs != nil {
		if err := e.runs.Acquire(ctx); err != nil {
			e.settle(run.ID, "", err)
			return
		}
		defer e.runs.Release()
	}

	status, err := e.orchestrate(ctx, fn)
	e.settle(run.ID, status, err)
}

// rerun re-enters a run that was woken while its previous pass still held it.
// It runs inside the finishing goroutine, before wg.Done, so Wait covers the
// new pass too.
func (e *Engine) rerun(runID string) {
	if e.ctx.Err() != nil {
		return
	}
	if err := e.ExecuteWorkflow(context.WithoutCancel(e.ctx), runID); err != nil {
		e.logger.Error("failed to re-enter run", "run_id", runID, "error", err)
	}
}

func (e *Engine) orchestrate(ctx context.Context, fn func(context.Context) (domain.WorkflowStatus, error)) (status domain.WorkflowStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked", "panic", r, "stack_trace", string(debug.Stack()))
			status = domain.WorkflowStatusFailed
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// settle applies the strategy's outcome to the stored run.
func (e *Engine) settle(runID string, status domain.WorkflowStatus, err error) {
	ctx := context.WithoutCancel(e.ctx)

	if err != nil && (errors.Is(err, context.Canceled) || e.ctx.Err() != nil) {
		e.logger.Info("orchestration interrupted, run left resumable", "run_id", runID, "error", err)
		return
	}

	run, loadErr := e.store.GetRun(ctx, runID)
	if loadErr != nil {
		e.logger.Error("failed to load run after orchestration", "run_id", runID, "error", loadErr)
		return
	}
	if run.Status.IsTerminal() {
		e.logger.Debug("run already terminal", "run_id", runID, "status", run.Status)
		return
	}

	if err != nil {
		e.logger.Error("orchestration failed", "run_id", runID, "error", err)
		e.fail(ctx, run, "Workflow execution failed: "+err.Error())
		return
	}

	switch status {
	case domain.WorkflowStatusCompleted:
		previous := run.Status
		run.Status = domain.WorkflowStatusCompleted
		run.CompletedAt = domain.TimePtr(e.now())
		if err := e.store.SaveRun(ctx, run); err != nil {
			e.logger.Error("failed to complete run", "run_id", runID, "error", err)
			return
		}
		e.metrics.IncrementWorkflowsCompleted()
		e.publish(ctx, run, domain.EventWorkflowCompleted, previous, "")
		e.logger.Info("run completed", "run_id", runID)
	case domain.WorkflowStatusFailed:
		e.fail(ctx, run, run.ErrorMessage)
	default:
		e.logger.Debug("orchestration paused", "run_id", runID, "status", status)
	}
}

func (e *Engine) fail(ctx context.Context, run *domain.WorkflowExecution, message string) {
	if message == "" {
		message = "Workflow execution failed"
	}
	previous := run.Status
	run.Status = domain.WorkflowStatusFailed
	run.ErrorMessage = message
	run.CompletedAt = domain.TimePtr(e.now())
	if err := e.store.SaveRun(ctx, run); err != nil {
		e.logger.Error("failed to mark run failed", "run_id", run.ID, "error", err)
		return
	}
	e.metrics.IncrementWorkflowsFailed()
	e.publish(ctx, run, domain.EventWorkflowFailed, previous, message)
	e.logger.Warn("run failed", "run_id", run.ID, "error", message)
}

func (e *Engine) publish(ctx context.Context, run *domain.WorkflowExecution, typ domain.EventType, previous domain.WorkflowStatus, message string) {
	if e.events == nil {
		return
	}
	e.events.PublishWorkflowEvent(ctx, domain.WorkflowEvent{
		Type:                typ,
		WorkflowExecutionID: run.ID,
		CorrelationID:       run.CorrelationID,
		Status:              run.Status,
		PreviousStatus:      previous,
		Message:             message,
	})
}

func (e *Engine) claim(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	if _, busy := e.active[runID]; busy {
		return false
	}
	e.active[runID] = false
	return true
}

// requestRerun marks a busy run so its current pass re-enters it on release.
func (e *Engine) requestRerun(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	if _, busy := e.active[runID]; !busy {
		return false
	}
	e.active[runID] = true
	return true
}

// release lets go of a run and reports whether a re-entry was requested while
// it was held.
func (e *Engine) release(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	requested := e.active[runID] && !e.stopped
	delete(e.active, runID)
	return requested
}

func (e *Engine) isActive(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[runID]
	return ok
}

// ActiveRuns is the number of runs currently being orchestrated.
func (e *Engine) ActiveRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Engine) Metrics() *domain.ExecutionMetrics {
	return e.metrics
}

// Wait blocks until every orchestration started so far has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Stop refuses new orchestrations and waits for running ones. When ctx ends
// first, in-flight orchestrations are cancelled and left resumable.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return domain.ErrNotStarted
	}
	e.stopped = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.logger.Warn("shutdown timeout reached, cancelling orchestrations", "active_runs", e.ActiveRuns())
		e.cancel()
		<-done
		return ctx.Err()
	}
}
