// Package backoff computes retry delays: exponential growth, capped, with up
// to a quarter of random jitter on top.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/eleven-am/weave/internal/domain"
)

type Calculator struct {
	initial    time.Duration
	multiplier float64
	max        time.Duration
	jitter     float64
	random     func() float64
	now        func() time.Time
}

type Option func(*Calculator)

// WithRandom replaces the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(c *Calculator) { c.random = fn }
}

func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

func New(cfg domain.RetryConfig, opts ...Option) *Calculator {
	defaults := domain.DefaultRetryConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = defaults.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = defaults.Multiplier
	}
	if cfg.MaxInterval < cfg.InitialInterval {
		cfg.MaxInterval = cfg.InitialInterval
	}
	if cfg.JitterFactor < 0 {
		cfg.JitterFactor = 0
	}

	c := &Calculator{
		initial:    cfg.InitialInterval,
		multiplier: cfg.Multiplier,
		max:        cfg.MaxInterval,
		jitter:     cfg.JitterFactor,
		random:     rand.Float64,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CalculateExponentialBackoff returns min(max, initial*multiplier^n) plus
// jitter of up to JitterFactor of that value, never exceeding max.
func (c *Calculator) CalculateExponentialBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	base := float64(c.initial) * math.Pow(c.multiplier, float64(retryCount))
	if base > float64(c.max) || math.IsInf(base, 1) {
		base = float64(c.max)
	}

	delay := base + base*c.jitter*c.random()
	if delay > float64(c.max) {
		delay = float64(c.max)
	}
	return time.Duration(delay).Truncate(time.Millisecond)
}

func (c *Calculator) CalculateNextRetryTime(retryCount int) time.Time {
	return c.now().Add(c.CalculateExponentialBackoff(retryCount))
}

func (c *Calculator) MaxInterval() time.Duration {
	return c.max
}
