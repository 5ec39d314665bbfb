package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/helpers/backoff"
	"github.com/eleven-am/weave/internal/ports"
)

// Dispatcher implements ports.Dispatcher on top of a bounded worker pool.
type Dispatcher struct {
	store    ports.Store
	registry ports.HandlerRegistry
	pool     ports.WorkerPool
	limits   ports.ResourceManager
	events   ports.EventPublisher
	tracer   ports.Tracer
	metrics  *domain.ExecutionMetrics
	backoff  *backoff.Calculator
	logger   *slog.Logger

	defaultTimeout time.Duration
	now            func() time.Time

	inflight sync.Map
	wg       sync.WaitGroup
}

type Option func(*Dispatcher)

func WithTracer(tracer ports.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = tracer }
}

// WithResourceManager adds per task type limits on top of the worker pool.
func WithResourceManager(limits ports.ResourceManager) Option {
	return func(d *Dispatcher) { d.limits = limits }
}

func WithMetrics(metrics *domain.ExecutionMetrics) Option {
	return func(d *Dispatcher) { d.metrics = metrics }
}

func WithBackoff(calc *backoff.Calculator) Option {
	return func(d *Dispatcher) { d.backoff = calc }
}

// WithDefaultTimeout bounds tasks that declare no timeout of their own.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.defaultTimeout = timeout }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(store ports.Store, registry ports.HandlerRegistry, pool ports.WorkerPool, events ports.EventPublisher, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		store:    store,
		registry: registry,
		pool:     pool,
		events:   events,
		metrics:  domain.NewExecutionMetrics(),
		backoff:  backoff.New(domain.DefaultRetryConfig()),
		logger:   logger.With("component", "dispatcher"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ExecuteAsync claims the task run and hands it to the worker pool. The
// returned channel receives exactly one result and is then closed.
func (d *Dispatcher) ExecuteAsync(ctx context.Context, taskExecutionID string) (<-chan ports.DispatchResult, error) {
	te, err := d.store.GetTaskExecution(ctx, taskExecutionID)
	if err != nil {
		return nil, err
	}
	if te.Status != domain.TaskStatusPending {
		return nil, domain.NewStateError("dispatch task", te.ID, te.Status)
	}

	run, err := d.store.GetRun(ctx, te.WorkflowExecutionID)
	if err != nil {
		return nil, err
	}
	def, err := d.store.GetDefinition(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return nil, err
	}
	taskDef, _ := def.Task(te.TaskDefinitionID)
	if taskDef == nil {
		return nil, domain.NewNotFoundError("task definition", te.TaskDefinitionID)
	}

	key := run.ID + "/" + taskDef.ID
	if _, busy := d.inflight.LoadOrStore(key, te.ID); busy {
		return nil, fmt.Errorf("task %s of run %s already in flight: %w", taskDef.ID, run.ID, domain.ErrInvalidState)
	}

	results := make(chan ports.DispatchResult, 1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(results)
		defer d.inflight.Delete(key)

		if d.limits != nil {
			if err := d.limits.Acquire(ctx, taskDef.Type); err != nil {
				results <- ports.DispatchResult{Task: te, Err: err}
				return
			}
			defer d.limits.Release(taskDef.Type)
		}

		if err := d.pool.Acquire(ctx); err != nil {
			results <- ports.DispatchResult{Task: te, Err: err}
			return
		}
		defer d.pool.Release()

		settled, err := d.run(ctx, run, *taskDef, te)
		results <- ports.DispatchResult{Task: settled, Err: err}
	}()

	return results, nil
}

// Wait blocks until every dispatch started so far has settled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) Metrics() *domain.ExecutionMetrics {
	return d.metrics
}

func (d *Dispatcher) run(ctx context.Context, run *domain.WorkflowExecution, taskDef domain.TaskDefinition, te *domain.TaskExecution) (*domain.TaskExecution, error) {
	persistCtx := context.WithoutCancel(ctx)

	start := d.now()
	te.Status = domain.TaskStatusRunning
	te.StartedAt = domain.TimePtr(start)
	te.CompletedAt = nil
	te.ErrorMessage = ""
	if err := d.store.SaveTaskExecution(persistCtx, te); err != nil {
		return te, fmt.Errorf("mark task %s running: %w", te.ID, err)
	}

	d.metrics.IncrementTasksDispatched()
	d.publish(ctx, te, domain.TaskEventStarted, "", 0)

	logger := d.logger.With("run_id", run.ID, "task_execution_id", te.ID, "task_id", taskDef.ID, "task_type", taskDef.Type)
	logger.Debug("dispatching task")

	if d.tracer != nil {
		var span ports.Span
		ctx, span = d.tracer.StartSpan(ctx, "weave.task.dispatch", map[string]string{
			"weave.run_id":            run.ID,
			"weave.task_execution_id": te.ID,
			"weave.task_id":           taskDef.ID,
			"weave.task_type":         taskDef.Type,
		})
		defer span.End()
		defer func() {
			span.SetAttribute("weave.task_status", string(te.Status))
			if te.Status == domain.TaskStatusFailed || te.Status == domain.TaskStatusAwaitingRetry {
				span.SetError(errors.New(te.ErrorMessage))
			}
		}()
	}

	result, execErr := d.invoke(ctx, run, taskDef, te)
	duration := d.now().Sub(start)
	d.metrics.AddExecutionTime(duration)

	if latest, err := d.store.GetRun(persistCtx, run.ID); err == nil && latest.Status.IsTerminal() {
		te.Status = domain.TaskStatusCancelled
		te.CompletedAt = domain.TimePtr(d.now())
		te.ErrorMessage = fmt.Sprintf("run %s while task was executing", latest.Status)
		logger.Info("discarding task result for terminal run", "run_status", latest.Status)
		return te, d.store.SaveTaskExecution(persistCtx, te)
	}

	if execErr != nil && ctx.Err() != nil && errors.Is(execErr, context.Canceled) {
		te.ResetForRetry()
		te.ErrorMessage = "interrupted: " + execErr.Error()
		logger.Info("task interrupted, left pending", "error", execErr)
		if err := d.store.SaveTaskExecution(persistCtx, te); err != nil {
			return te, err
		}
		return te, ctx.Err()
	}

	if result != nil {
		te.Outputs = result
	}

	if execErr == nil {
		te.Status = domain.TaskStatusCompleted
		te.CompletedAt = domain.TimePtr(d.now())
		te.NextRetryAt = nil
		if err := d.store.SaveTaskExecution(persistCtx, te); err != nil {
			return te, fmt.Errorf("complete task %s: %w", te.ID, err)
		}
		d.metrics.IncrementTasksSucceeded()
		d.publish(ctx, te, domain.TaskEventCompleted, "", duration)
		logger.Debug("task completed", "duration", duration)
		return te, nil
	}

	timedOut := errors.Is(execErr, context.DeadlineExceeded)
	if timedOut {
		d.metrics.IncrementTasksTimedOut()
	}
	message := failureMessage(execErr, timedOut, d.timeoutFor(taskDef))

	if !domain.IsConfigurationError(execErr) && taskDef.RetryEnabled && te.RetryCount < taskDef.RetryLimit {
		te.RetryCount++
		delay := d.backoff.CalculateExponentialBackoff(te.RetryCount - 1)
		if floor := taskDef.RetryDelay(); delay < floor {
			delay = floor
		}
		te.Status = domain.TaskStatusAwaitingRetry
		te.NextRetryAt = domain.TimePtr(d.now().Add(delay))
		te.ErrorMessage = message
		if err := d.store.SaveTaskExecution(persistCtx, te); err != nil {
			return te, fmt.Errorf("schedule retry for task %s: %w", te.ID, err)
		}
		d.metrics.IncrementTasksRetried()
		d.publish(ctx, te, domain.TaskEventRetryScheduled, message, duration)
		logger.Info("task failed, retry scheduled", "retry_count", te.RetryCount, "next_retry_at", te.NextRetryAt, "error", message)
		return te, nil
	}

	te.Status = domain.TaskStatusFailed
	te.CompletedAt = domain.TimePtr(d.now())
	te.NextRetryAt = nil
	te.ErrorMessage = "Task failed: " + message
	if err := d.store.SaveTaskExecution(persistCtx, te); err != nil {
		return te, fmt.Errorf("fail task %s: %w", te.ID, err)
	}
	d.metrics.IncrementTasksFailed()
	d.publish(ctx, te, domain.TaskEventFailed, te.ErrorMessage, duration)
	logger.Warn("task failed", "error", message, "configuration_error", domain.IsConfigurationError(execErr))
	return te, nil
}

func (d *Dispatcher) invoke(ctx context.Context, run *domain.WorkflowExecution, taskDef domain.TaskDefinition, te *domain.TaskExecution) (result map[string]string, err error) {
	handler, ok := d.registry.Get(taskDef.Type)
	if !ok {
		return nil, domain.NewConfigurationError("type", fmt.Sprintf("%s: %q", domain.ErrNoHandler, taskDef.Type))
	}

	if timeout := d.timeoutFor(taskDef); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	vars, mergeErr := domain.MergeVariables(run.Variables, te.Inputs)
	if mergeErr != nil {
		return nil, mergeErr
	}
	execCtx := &ports.ExecutionContext{
		RunID:           run.ID,
		CorrelationID:   run.CorrelationID,
		TaskExecutionID: te.ID,
		Variables:       vars,
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("task handler panicked",
				"task_execution_id", te.ID,
				"panic", r,
				"stack_trace", string(debug.Stack()))
			result = nil
			err = domain.NewTaskExecutionError(fmt.Sprintf("task handler panicked: %v", r), nil)
		}
	}()

	return handler.Execute(ctx, taskDef, execCtx)
}

func (d *Dispatcher) timeoutFor(taskDef domain.TaskDefinition) time.Duration {
	if t := taskDef.Timeout(); t > 0 {
		return t
	}
	return d.defaultTimeout
}

func (d *Dispatcher) publish(ctx context.Context, te *domain.TaskExecution, typ domain.TaskEventType, message string, duration time.Duration) {
	if d.events == nil {
		return
	}
	d.events.PublishTaskEvent(ctx, domain.TaskEvent{
		Type:                typ,
		WorkflowExecutionID: te.WorkflowExecutionID,
		TaskExecutionID:     te.ID,
		TaskDefinitionID:    te.TaskDefinitionID,
		Status:              te.Status,
		Message:             message,
		Duration:            duration,
	})
}

func failureMessage(err error, timedOut bool, timeout time.Duration) string {
	if timedOut {
		return fmt.Sprintf("task timed out after %s", timeout)
	}
	var taskErr *domain.TaskExecutionError
	if errors.As(err, &taskErr) {
		return taskErr.Error()
	}
	return err.Error()
}
