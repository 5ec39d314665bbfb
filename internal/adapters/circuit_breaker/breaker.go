package circuit_breaker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests when circuit breaker is half-open")
)

type circuitBreaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewCircuitBreaker(name string, config domain.CircuitBreakerConfig, logger *slog.Logger) ports.CircuitBreaker {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultCircuitBreakerConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = defaults.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	cb := &circuitBreaker{
		name:   name,
		logger: logger.With("breaker", name),
	}

	threshold := config.FailureThreshold
	cb.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			cb.logger.Info("circuit breaker state change", "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// A cancelled caller says nothing about the remote side.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return cb
}

func (cb *circuitBreaker) Name() string {
	return cb.name
}

func (cb *circuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	_, err := cb.breaker.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		cb.logger.Debug("request rejected", "state", cb.State())
		return ErrCircuitBreakerOpen
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		cb.logger.Debug("request rejected", "state", cb.State())
		return ErrTooManyRequests
	}
	return err
}

func (cb *circuitBreaker) State() ports.CircuitBreakerState {
	return toPortState(cb.breaker.State())
}

func (cb *circuitBreaker) Metrics() ports.CircuitBreakerMetrics {
	counts := cb.breaker.Counts()
	return ports.CircuitBreakerMetrics{
		Name:                 cb.name,
		State:                toPortState(cb.breaker.State()),
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func toPortState(state gobreaker.State) ports.CircuitBreakerState {
	switch state {
	case gobreaker.StateOpen:
		return ports.StateOpen
	case gobreaker.StateHalfOpen:
		return ports.StateHalfOpen
	default:
		return ports.StateClosed
	}
}

func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || errors.Is(err, ErrTooManyRequests)
}
