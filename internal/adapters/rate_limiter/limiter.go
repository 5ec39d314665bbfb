package rate_limiter

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/eleven-am/weave/internal/ports"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrWaitTimeout       = errors.New("wait timeout exceeded")
)

type hostBucket struct {
	limiter  *rate.Limiter
	allowed  int64
	denied   int64
	lastSeen time.Time
}

// Limiter throttles outbound calls per upstream host. Hosts listed in
// PerHost get their own rate; every other host shares the default settings
// but still has its own bucket.
type Limiter struct {
	config    domain.RateLimiterConfig
	overrides map[string]float64
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.Mutex
	hosts map[string]*hostBucket

	done     chan struct{}
	stopOnce sync.Once
}

// NewLimiter starts a sweep that forgets hosts idle for longer than
// KeyExpiry. Stop ends it.
func NewLimiter(config domain.RateLimiterConfig, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := domain.DefaultRateLimiterConfig()
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if config.BurstSize <= 0 {
		config.BurstSize = max(1, int(config.RequestsPerSecond))
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaults.WaitTimeout
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}
	if config.KeyExpiry <= 0 {
		config.KeyExpiry = defaults.KeyExpiry
	}

	overrides := make(map[string]float64, len(config.PerHost))
	for _, hr := range config.PerHost {
		if hr.RequestsPerSecond > 0 {
			overrides[hr.Host] = hr.RequestsPerSecond
		}
	}

	l := &Limiter{
		config:    config,
		overrides: overrides,
		logger:    logger.With("component", "rate-limiter"),
		now:       time.Now,
		hosts:     make(map[string]*hostBucket),
		done:      make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Wait blocks until host has a token, the wait timeout passes or ctx ends.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	b := l.bucket(host)

	waitCtx, cancel := context.WithTimeout(ctx, l.config.WaitTimeout)
	defer cancel()

	err := b.limiter.Wait(waitCtx)
	l.record(b, err == nil)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return ErrWaitTimeout
	default:
		// rate.Limiter refuses up front when the wait would outlast the deadline.
		l.logger.Debug("upstream throttled", "host", host)
		return ErrRateLimitExceeded
	}
}

// Snapshot returns per-host counters sorted by host.
func (l *Limiter) Snapshot() []ports.RateLimiterMetrics {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ports.RateLimiterMetrics, 0, len(l.hosts))
	for host, b := range l.hosts {
		out = append(out, ports.RateLimiterMetrics{
			Host:            host,
			AllowedRequests: b.allowed,
			DeniedRequests:  b.denied,
			TokensAvailable: b.limiter.Tokens(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

func (l *Limiter) bucket(host string) *hostBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.hosts[host]
	if !ok {
		limit, burst := l.config.RequestsPerSecond, l.config.BurstSize
		if override, ok := l.overrides[host]; ok {
			limit, burst = override, max(1, int(override))
		}
		b = &hostBucket{limiter: rate.NewLimiter(rate.Limit(limit), burst)}
		l.hosts[host] = b
	}
	b.lastSeen = l.now()
	return b
}

func (l *Limiter) record(b *hostBucket, allowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if allowed {
		b.allowed++
	} else {
		b.denied++
	}
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweep(l.now())
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	forgotten := 0
	for host, b := range l.hosts {
		if now.Sub(b.lastSeen) > l.config.KeyExpiry {
			delete(l.hosts, host)
			forgotten++
		}
	}
	if forgotten > 0 {
		l.logger.Debug("forgot idle hosts", "count", forgotten)
	}
}
