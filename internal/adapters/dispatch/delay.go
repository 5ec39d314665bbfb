package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/eleven-am/weave/internal/domain"
)

// NewDelayHandler waits for the configured duration, given either as a Go
// duration (1m30s) or as whole seconds.
func NewDelayHandler(logger *slog.Logger) *Handler {
	return NewHandler(TypeDelay, []string{"duration"}, func(ctx context.Context, req Request) (map[string]string, error) {
		d, err := parseDelay(req.Config["duration"])
		if err != nil {
			return nil, err
		}

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
			return map[string]string{"delayed": d.String()}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, logger)
}

func parseDelay(raw string) (time.Duration, error) {
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, domain.NewConfigurationError("duration", "duration must not be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, domain.NewConfigurationError("duration", fmt.Sprintf("invalid duration %q", raw))
	}
	if d < 0 {
		return 0, domain.NewConfigurationError("duration", "duration must not be negative")
	}
	return d, nil
}
