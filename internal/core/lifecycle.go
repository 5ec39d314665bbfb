package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// component is one step of the startup and shutdown sequences. Either hook
// may be nil.
type component struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

type ComponentResult struct {
	Component string
	Error     error
	Duration  time.Duration
}

// startSequence starts components in order and stops at the first failure,
// returning the names that did start so the caller can unwind them.
func startSequence(ctx context.Context, logger *slog.Logger, components []component) ([]ComponentResult, error) {
	results := make([]ComponentResult, 0, len(components))
	for _, c := range components {
		if c.start == nil {
			results = append(results, ComponentResult{Component: c.name})
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, fmt.Errorf("start %s: %w", c.name, err)
		}

		began := time.Now()
		logger.Debug("starting component", "component", c.name)
		err := c.start(ctx)
		result := ComponentResult{Component: c.name, Error: err, Duration: time.Since(began)}
		if err != nil {
			logger.Error("component startup failed", "component", c.name, "error", err, "duration", result.Duration)
			return results, fmt.Errorf("start %s: %w", c.name, err)
		}
		logger.Debug("component started", "component", c.name, "duration", result.Duration)
		results = append(results, result)
	}
	return results, nil
}

// stopSequence stops components in reverse order. Every component gets its
// turn even after an earlier one failed or ctx ended.
func stopSequence(ctx context.Context, logger *slog.Logger, components []component) error {
	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if c.stop == nil {
			continue
		}

		began := time.Now()
		logger.Debug("stopping component", "component", c.name)
		if err := c.stop(ctx); err != nil {
			logger.Error("component shutdown failed", "component", c.name, "error", err, "duration", time.Since(began))
			errs = append(errs, fmt.Errorf("stop %s: %w", c.name, err))
			continue
		}
		logger.Debug("component stopped", "component", c.name, "duration", time.Since(began))
	}
	return errors.Join(errs...)
}
