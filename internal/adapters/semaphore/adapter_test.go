package semaphore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterBoundsConcurrency(t *testing.T) {
	pool := NewAdapter(3, nil)

	var current, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, pool.Acquire(context.Background()))
			defer pool.Release()

			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, 0, pool.InUse())
}

func TestAdapterTryAcquire(t *testing.T) {
	pool := NewAdapter(1, nil)

	require.True(t, pool.TryAcquire())
	assert.False(t, pool.TryAcquire())
	assert.Equal(t, 1, pool.InUse())

	pool.Release()
	assert.True(t, pool.TryAcquire())
}

func TestAdapterAcquireHonoursContext(t *testing.T) {
	pool := NewAdapter(1, nil)
	require.True(t, pool.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, pool.Acquire(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, pool.InUse())
}

func TestAdapterDefaultsCapacity(t *testing.T) {
	pool := NewAdapter(0, nil)
	assert.Equal(t, 10, pool.Capacity())
}
