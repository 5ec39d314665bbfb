// Package observability exposes engine activity as Prometheus metrics and
// aggregates component health for the management API.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

const namespace = "weave"

// Metrics subscribes to the event manager and turns workflow and task events
// into counters and histograms.
type Metrics struct {
	registry *prometheus.Registry

	workflowEvents *prometheus.CounterVec
	taskEvents     *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		workflowEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_events_total",
			Help:      "Workflow run events by type.",
		}, []string{"type"}),
		taskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task run events by type.",
		}, []string{"type"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time spent in task handlers by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"outcome"}),
	}
}

// Subscribe registers the metric handlers on manager.
func (m *Metrics) Subscribe(manager ports.EventManager) error {
	if err := manager.OnWorkflowEvent(m.ObserveWorkflowEvent); err != nil {
		return err
	}
	return manager.OnTaskEvent(m.ObserveTaskEvent)
}

func (m *Metrics) ObserveWorkflowEvent(event domain.WorkflowEvent) {
	m.workflowEvents.WithLabelValues(string(event.Type)).Inc()
}

func (m *Metrics) ObserveTaskEvent(event domain.TaskEvent) {
	m.taskEvents.WithLabelValues(string(event.Type)).Inc()

	switch event.Type {
	case domain.TaskEventCompleted, domain.TaskEventFailed, domain.TaskEventRetryScheduled:
		m.taskDuration.WithLabelValues(string(event.Type)).Observe(event.Duration.Seconds())
	}
}

// TrackExecutionMetrics publishes the running totals kept by the engine and
// the dispatcher as gauges.
func (m *Metrics) TrackExecutionMetrics(component string, metrics *domain.ExecutionMetrics) {
	m.registry.MustRegister(&executionCollector{component: component, metrics: metrics})
}

// TrackActiveRuns publishes the number of runs being orchestrated right now.
func (m *Metrics) TrackActiveRuns(active func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Runs currently being orchestrated by this process.",
	}, func() float64 { return float64(active()) })
}

// TrackCircuitBreakers publishes the state and failure count of every
// upstream breaker the provider has handed out.
func (m *Metrics) TrackCircuitBreakers(provider ports.CircuitBreakerProvider) {
	m.registry.MustRegister(&breakerCollector{provider: provider})
}

// TrackRateLimiter publishes per-host outcomes of the outbound rate limiter.
func (m *Metrics) TrackRateLimiter(limiter ports.RateLimiter) {
	m.registry.MustRegister(&limiterCollector{limiter: limiter})
}

// TrackTaskTypeSlots publishes per-task-type executions against their limits.
func (m *Metrics) TrackTaskTypeSlots(rm ports.ResourceManager) {
	m.registry.MustRegister(&slotCollector{rm: rm})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var executionDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "execution_total"),
	"Running totals kept by the engine and the dispatcher.",
	[]string{"component", "counter"}, nil,
)

type executionCollector struct {
	component string
	metrics   *domain.ExecutionMetrics
}

func (c *executionCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- executionDesc
}

func (c *executionCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.GetSnapshot()
	for name, v := range map[string]int64{
		"workflows_started":   s.WorkflowsStarted,
		"workflows_completed": s.WorkflowsCompleted,
		"workflows_failed":    s.WorkflowsFailed,
		"tasks_dispatched":    s.TasksDispatched,
		"tasks_succeeded":     s.TasksSucceeded,
		"tasks_failed":        s.TasksFailed,
		"tasks_timed_out":     s.TasksTimedOut,
		"tasks_retried":       s.TasksRetried,
		"tasks_skipped":       s.TasksSkipped,
		"reviews_requested":   s.ReviewsRequested,
	} {
		ch <- prometheus.MustNewConstMetric(executionDesc, prometheus.CounterValue, float64(v), c.component, name)
	}
}

var (
	breakerStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "circuit_breaker", "state"),
		"1 for the current state of each upstream breaker, 0 otherwise.",
		[]string{"name", "state"}, nil,
	)
	breakerFailuresDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "circuit_breaker", "consecutive_failures"),
		"Consecutive failures seen by each upstream breaker.",
		[]string{"name"}, nil,
	)
	breakerStates = []ports.CircuitBreakerState{ports.StateClosed, ports.StateHalfOpen, ports.StateOpen}
)

type breakerCollector struct {
	provider ports.CircuitBreakerProvider
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerStateDesc
	ch <- breakerFailuresDesc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, b := range c.provider.Snapshot() {
		for _, state := range breakerStates {
			v := 0.0
			if b.State == state {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, v, b.Name, string(state))
		}
		ch <- prometheus.MustNewConstMetric(breakerFailuresDesc, prometheus.GaugeValue, float64(b.ConsecutiveFailures), b.Name)
	}
}

var limiterRequestsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "rate_limiter", "requests_total"),
	"Outbound requests seen by the rate limiter by host and outcome.",
	[]string{"host", "outcome"}, nil,
)

type limiterCollector struct {
	limiter ports.RateLimiter
}

func (c *limiterCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- limiterRequestsDesc
}

func (c *limiterCollector) Collect(ch chan<- prometheus.Metric) {
	for _, h := range c.limiter.Snapshot() {
		ch <- prometheus.MustNewConstMetric(limiterRequestsDesc, prometheus.CounterValue, float64(h.AllowedRequests), h.Host, "allowed")
		ch <- prometheus.MustNewConstMetric(limiterRequestsDesc, prometheus.CounterValue, float64(h.DeniedRequests), h.Host, "denied")
	}
}

var (
	slotsExecutingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "task_type", "executing"),
		"Dispatches currently executing by task type.",
		[]string{"type"}, nil,
	)
	slotsCapacityDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "task_type", "capacity"),
		"Configured concurrency limit by task type.",
		[]string{"type"}, nil,
	)
)

type slotCollector struct {
	rm ports.ResourceManager
}

func (c *slotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- slotsExecutingDesc
	ch <- slotsCapacityDesc
}

func (c *slotCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.rm.Stats()
	for taskType, n := range stats.PerTypeExecuting {
		ch <- prometheus.MustNewConstMetric(slotsExecutingDesc, prometheus.GaugeValue, float64(n), taskType)
	}
	for taskType, n := range stats.PerTypeCapacity {
		ch <- prometheus.MustNewConstMetric(slotsCapacityDesc, prometheus.GaugeValue, float64(n), taskType)
	}
}
