package circuit_breaker

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

// Provider keeps one breaker per upstream host. Every breaker shares the same
// settings; only its counters are per host.
type Provider struct {
	config domain.CircuitBreakerConfig
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]ports.CircuitBreaker
}

func NewProvider(config domain.CircuitBreakerConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		config: config,
		logger: logger.With("component", "circuit-breaker"),
		hosts:  make(map[string]ports.CircuitBreaker),
	}
}

func (p *Provider) Get(host string) ports.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if breaker, ok := p.hosts[host]; ok {
		return breaker
	}
	breaker := NewCircuitBreaker(host, p.config, p.logger)
	p.hosts[host] = breaker
	p.logger.Debug("tracking upstream", "host", host, "failure_threshold", p.config.FailureThreshold)
	return breaker
}

// Snapshot returns the counters of every host seen so far, sorted by host.
func (p *Provider) Snapshot() []ports.CircuitBreakerMetrics {
	p.mu.Lock()
	breakers := make([]ports.CircuitBreaker, 0, len(p.hosts))
	for _, breaker := range p.hosts {
		breakers = append(breakers, breaker)
	}
	p.mu.Unlock()

	out := make([]ports.CircuitBreakerMetrics, 0, len(breakers))
	for _, breaker := range breakers {
		out = append(out, breaker.Metrics())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
