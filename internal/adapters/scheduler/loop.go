// Package scheduler holds the periodic background jobs of the engine: the
// retry scheduler that resumes tasks whose backoff elapsed, and the workflow
// scheduler that watches for stuck, old and long paused runs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weave/internal/domain"
)

// job is one named periodic function.
type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// loops runs jobs on their own tickers until stopped.
type loops struct {
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (l *loops) start(ctx context.Context, jobs ...job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return domain.ErrAlreadyStarted
	}

	ctx, l.cancel = context.WithCancel(ctx)
	for _, j := range jobs {
		if j.interval <= 0 {
			l.logger.Debug("job disabled", "job", j.name)
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.tick(ctx, j)
		}()
	}
	return nil
}

func (l *loops) tick(ctx context.Context, j job) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.logger.Debug("running job", "job", j.name)
			j.run(ctx)
		}
	}
}

func (l *loops) stop() error {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return domain.ErrNotStarted
	}
	cancel()
	l.wg.Wait()
	return nil
}
