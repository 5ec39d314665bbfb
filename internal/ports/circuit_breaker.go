package ports

import (
	"context"
)

type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateHalfOpen CircuitBreakerState = "half-open"
	StateOpen     CircuitBreakerState = "open"
)

type CircuitBreakerMetrics struct {
	Name                 string              `json:"name"`
	State                CircuitBreakerState `json:"state"`
	Requests             uint32              `json:"requests"`
	TotalSuccesses       uint32              `json:"total_successes"`
	TotalFailures        uint32              `json:"total_failures"`
	ConsecutiveSuccesses uint32              `json:"consecutive_successes"`
	ConsecutiveFailures  uint32              `json:"consecutive_failures"`
}

type CircuitBreaker interface {
	Name() string
	Call(ctx context.Context, fn func(context.Context) error) error
	State() CircuitBreakerState
	Metrics() CircuitBreakerMetrics
}

// CircuitBreakerProvider hands out one breaker per name, creating it on
// first use.
type CircuitBreakerProvider interface {
	Get(name string) CircuitBreaker
	Snapshot() []CircuitBreakerMetrics
}
