package ports

import (
	"context"
)

type RateLimiterMetrics struct {
	Host            string  `json:"host"`
	AllowedRequests int64   `json:"allowed_requests"`
	DeniedRequests  int64   `json:"denied_requests"`
	TokensAvailable float64 `json:"tokens_available"`
}

// RateLimiter keeps an independent token bucket per upstream host.
type RateLimiter interface {
	Wait(ctx context.Context, host string) error
	Snapshot() []RateLimiterMetrics
	Stop()
}
