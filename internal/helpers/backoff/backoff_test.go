package backoff

import (
	"testing"
	"time"

	"github.com/eleven-am/weave/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestFirstRetryStaysWithinJitterBand(t *testing.T) {
	calc := New(domain.DefaultRetryConfig())

	for i := 0; i < 50; i++ {
		delay := calc.CalculateExponentialBackoff(0)
		assert.GreaterOrEqual(t, delay, time.Second)
		assert.LessOrEqual(t, delay, 1250*time.Millisecond)
	}
}

func TestBackoffGrowsWithRetryCount(t *testing.T) {
	calc := New(domain.DefaultRetryConfig(), WithRandom(func() float64 { return 0 }))

	assert.Equal(t, time.Second, calc.CalculateExponentialBackoff(0))
	assert.Equal(t, 2*time.Second, calc.CalculateExponentialBackoff(1))
	assert.Equal(t, 4*time.Second, calc.CalculateExponentialBackoff(2))
	assert.Equal(t, 8*time.Second, calc.CalculateExponentialBackoff(3))
	assert.Equal(t, 10*time.Second, calc.CalculateExponentialBackoff(4))
}

func TestBackoffNeverExceedsMax(t *testing.T) {
	calc := New(domain.DefaultRetryConfig(), WithRandom(func() float64 { return 0.999 }))

	for n := 0; n < 100; n++ {
		assert.LessOrEqual(t, calc.CalculateExponentialBackoff(n), 10*time.Second, "retry %d", n)
	}
}

func TestBackoffAverageIncreases(t *testing.T) {
	calc := New(domain.DefaultRetryConfig())

	average := func(n int) time.Duration {
		var total time.Duration
		for i := 0; i < 100; i++ {
			total += calc.CalculateExponentialBackoff(n)
		}
		return total / 100
	}

	assert.Less(t, average(0), average(1))
	assert.Less(t, average(1), average(2))
	assert.Less(t, average(2), average(3))
}

func TestJitterProducesDifferentValues(t *testing.T) {
	calc := New(domain.DefaultRetryConfig())

	seen := map[time.Duration]struct{}{}
	for i := 0; i < 20; i++ {
		seen[calc.CalculateExponentialBackoff(1)] = struct{}{}
	}

	assert.Greater(t, len(seen), 1)
}

func TestNegativeRetryCountIsTreatedAsZero(t *testing.T) {
	calc := New(domain.DefaultRetryConfig(), WithRandom(func() float64 { return 0 }))

	assert.Equal(t, time.Second, calc.CalculateExponentialBackoff(-3))
}

func TestCalculateNextRetryTime(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	calc := New(domain.DefaultRetryConfig(),
		WithRandom(func() float64 { return 0 }),
		WithClock(func() time.Time { return now }),
	)

	assert.Equal(t, now.Add(2*time.Second), calc.CalculateNextRetryTime(1))
}

func TestInvalidConfigFallsBackToDefaults(t *testing.T) {
	calc := New(domain.RetryConfig{}, WithRandom(func() float64 { return 0 }))

	assert.Equal(t, time.Second, calc.CalculateExponentialBackoff(0))
	assert.Equal(t, time.Second, calc.MaxInterval())
}
