// Package core assembles the adapters into a running orchestrator and hosts
// the services the API and CLI call into.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weave/internal/adapters/dispatch"
	"github.com/eleven-am/weave/internal/adapters/engine"
	"github.com/eleven-am/weave/internal/adapters/events"
	"github.com/eleven-am/weave/internal/adapters/expression"
	"github.com/eleven-am/weave/internal/adapters/observability"
	"github.com/eleven-am/weave/internal/adapters/resource_manager"
	"github.com/eleven-am/weave/internal/adapters/review"
	"github.com/eleven-am/weave/internal/adapters/scheduler"
	"github.com/eleven-am/weave/internal/adapters/semaphore"
	"github.com/eleven-am/weave/internal/adapters/tracing"
	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/helpers/backoff"
	"github.com/eleven-am/weave/internal/ports"
)

type Manager struct {
	config *domain.Config
	logger *slog.Logger

	persistence *persistence
	events      *events.Manager
	handlers    *handlerSet
	tracer      *tracing.TracingProvider
	dispatcher  *dispatch.Dispatcher
	engine      *engine.Engine
	retries     *scheduler.RetryScheduler
	workflows   *scheduler.WorkflowScheduler

	definitions *DefinitionService
	executions  *ExecutionService
	reviews     *review.Service
	metrics     *observability.Metrics
	health      *observability.HealthChecker

	components []component

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

type Option func(*options)

type options struct {
	handlers []ports.TaskHandler
	tracing  []tracing.Option
}

// WithHandlers registers task handlers next to the built-in ones.
func WithHandlers(handlers ...ports.TaskHandler) Option {
	return func(o *options) { o.handlers = append(o.handlers, handlers...) }
}

func WithTracingOptions(opts ...tracing.Option) Option {
	return func(o *options) { o.tracing = append(o.tracing, opts...) }
}

// New builds every component from config. Nothing runs until Start.
func New(ctx context.Context, config *domain.Config, opts ...Option) (*Manager, error) {
	if config == nil {
		config = domain.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := config.Logger.With("component", "weave")

	p, err := createPersistence(ctx, config.Storage, config.Logger)
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", config.Storage.Driver, err)
	}

	handlers, err := createHandlers(config, o.handlers, config.Logger)
	if err != nil {
		_ = p.store.Close()
		return nil, err
	}

	eventManager := events.NewManager(p.history, config.Logger)
	tracer := tracing.NewTracingProvider(config.Tracing, config.Logger, o.tracing...)

	dispatchOpts := []dispatch.Option{
		dispatch.WithTracer(tracer),
		dispatch.WithBackoff(backoff.New(config.Retry)),
		dispatch.WithDefaultTimeout(config.Engine.DefaultTaskTimeout),
	}
	limits := resource_manager.NewAdapter(config.Engine, config.Logger)
	if limits.Enabled() {
		dispatchOpts = append(dispatchOpts, dispatch.WithResourceManager(limits))
	}
	dispatcher := dispatch.NewDispatcher(p.store, handlers.registry,
		semaphore.NewAdapter(config.Engine.WorkerCount, config.Logger),
		eventManager, config.Logger, dispatchOpts...)

	eng := engine.NewEngine(p.store, dispatcher, eventManager, expression.NewEvaluator(), config.Logger,
		engine.WithTracer(tracer),
		engine.WithRunLimit(semaphore.NewAdapter(config.Engine.MaxConcurrentWorkflows, config.Logger)),
	)

	definitions := NewDefinitionService(p.store, config.Logger)

	m := &Manager{
		config:      config,
		logger:      logger,
		persistence: p,
		events:      eventManager,
		handlers:    handlers,
		tracer:      tracer,
		dispatcher:  dispatcher,
		engine:      eng,
		retries:     scheduler.NewRetryScheduler(p.store, dispatcher, eng, config.Scheduler, config.Logger),
		workflows: scheduler.NewWorkflowScheduler(p.store, eng, eventManager, config.Scheduler, config.Logger,
			scheduler.WithEventHistory(p.history)),
		definitions: definitions,
		executions:  NewExecutionService(p.store, definitions, eng, eventManager, config.Logger),
		reviews:     review.NewService(p.store, eng, eventManager, config.Logger),
		metrics:     observability.NewMetrics(),
		health:      observability.NewHealthChecker(config.Logger),
	}

	if err := m.metrics.Subscribe(eventManager); err != nil {
		_ = m.close(ctx, false)
		return nil, err
	}
	m.metrics.TrackExecutionMetrics("engine", eng.Metrics())
	m.metrics.TrackExecutionMetrics("dispatcher", dispatcher.Metrics())
	m.metrics.TrackActiveRuns(eng.ActiveRuns)
	if handlers.breakers != nil {
		m.metrics.TrackCircuitBreakers(handlers.breakers)
	}
	if handlers.limiter != nil {
		m.metrics.TrackRateLimiter(handlers.limiter)
	}
	if limits.Enabled() {
		m.metrics.TrackTaskTypeSlots(limits)
	}

	m.health.Register("storage", p.ping)
	m.health.Register("engine", m.engineHealth)

	m.components = m.buildComponents()
	return m, nil
}

func (m *Manager) buildComponents() []component {
	components := []component{
		{
			name: "storage",
			stop: func(context.Context) error { return m.persistence.store.Close() },
		},
		{
			name: "events",
			stop: func(context.Context) error { return m.events.Stop() },
		},
		{
			name: "handlers",
			stop: func(context.Context) error { return m.handlers.close() },
		},
		{
			name: "tracing",
			stop: m.tracer.Shutdown,
		},
		{
			name: "engine",
			stop: func(ctx context.Context) error {
				err := m.engine.Stop(ctx)
				m.dispatcher.Wait()
				return err
			},
		},
		{
			name:  "recovery",
			start: m.recover,
		},
	}

	if m.config.Scheduler.Enabled {
		components = append(components,
			component{
				name:  "retry-scheduler",
				start: func(context.Context) error { return m.retries.Start(m.ctx) },
				stop:  func(context.Context) error { return m.retries.Stop() },
			},
			component{
				name:  "workflow-scheduler",
				start: func(context.Context) error { return m.workflows.Start(m.ctx) },
				stop:  func(context.Context) error { return m.workflows.Stop() },
			},
		)
	}
	return components
}

// Start resumes runs left unfinished by a previous process and starts the
// background schedulers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return domain.NewConfigError("start", domain.ErrAlreadyStarted)
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.logger.Info("starting", "storage", m.config.Storage.Driver, "handlers", m.handlers.registry.Types())

	results, err := startSequence(ctx, m.logger, m.components)
	if err != nil {
		m.cancel()
		if stopErr := stopSequence(context.WithoutCancel(ctx), m.logger, m.components[:len(results)]); stopErr != nil {
			m.logger.Error("unwinding failed start", "error", stopErr)
		}
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		return err
	}

	m.logger.Info("started")
	return nil
}

// Stop drains the engine within the configured shutdown timeout and releases
// every resource. Runs still in flight stay resumable.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return domain.ErrNotStarted
	}
	m.stopped = true
	started, cancel := m.started, m.cancel
	m.mu.Unlock()

	m.health.SetDraining(true)

	if m.config.Engine.ShutdownTimeout > 0 {
		var done context.CancelFunc
		ctx, done = context.WithTimeout(ctx, m.config.Engine.ShutdownTimeout)
		defer done()
	}

	err := m.close(ctx, started)
	if cancel != nil {
		cancel()
	}
	m.logger.Info("stopped")
	return err
}

// close stops what New built. Schedulers only have something to stop once
// Start ran.
func (m *Manager) close(ctx context.Context, started bool) error {
	components := m.components
	if components == nil {
		components = m.buildComponents()
	}
	if !started {
		var stopOnly []component
		for _, c := range components {
			if c.name == "retry-scheduler" || c.name == "workflow-scheduler" {
				continue
			}
			stopOnly = append(stopOnly, c)
		}
		components = stopOnly
	}
	return stopSequence(ctx, m.logger, components)
}

// recover hands every run that was CREATED or RUNNING when the last process
// stopped back to the engine.
func (m *Manager) recover(ctx context.Context) error {
	resumed := 0
	for _, status := range []domain.WorkflowStatus{domain.WorkflowStatusCreated, domain.WorkflowStatusRunning} {
		runs, err := m.persistence.store.FindRunsByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, run := range runs {
			if err := m.engine.ExecuteWorkflow(ctx, run.ID); err != nil {
				m.logger.Warn("failed to resume run", "run_id", run.ID, "error", err)
				continue
			}
			resumed++
		}
	}
	if resumed > 0 {
		m.logger.Info("resumed unfinished runs", "count", resumed)
	}
	return nil
}

func (m *Manager) engineHealth(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.stopped {
		return domain.ErrNotStarted
	}
	return nil
}

func (m *Manager) Definitions() *DefinitionService {
	return m.definitions
}

func (m *Manager) Executions() *ExecutionService {
	return m.executions
}

func (m *Manager) Reviews() ports.ReviewService {
	return m.reviews
}

func (m *Manager) Events() ports.EventManager {
	return m.events
}

// History returns the recorded events of one run, oldest first.
func (m *Manager) History(ctx context.Context, runID string) ([]domain.EventRecord, error) {
	return m.events.History(ctx, runID)
}

func (m *Manager) Metrics() *observability.Metrics {
	return m.metrics
}

func (m *Manager) Health() *observability.HealthChecker {
	return m.health
}

func (m *Manager) Config() *domain.Config {
	return m.config
}

// WaitIdle polls until no run is being orchestrated or ctx ends. It reports
// whether the engine went idle.
func (m *Manager) WaitIdle(ctx context.Context, poll time.Duration) bool {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if m.engine.ActiveRuns() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
