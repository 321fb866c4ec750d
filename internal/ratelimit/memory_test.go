package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterBoundsWindow(t *testing.T) {
	l := NewMemoryLimiter()
	id := uuid.New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.True(t, l.TryAcquire(ctx, id, 5), "permit %d should be granted", i+1)
	}
	require.False(t, l.TryAcquire(ctx, id, 5), "6th permit in the window must be denied")
}

func TestMemoryLimiterResetsNextWindow(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Unix(1_700_000_040, 0)
	l.now = func() time.Time { return now }

	id := uuid.New()
	ctx := context.Background()

	require.True(t, l.TryAcquire(ctx, id, 1))
	require.False(t, l.TryAcquire(ctx, id, 1))

	now = now.Add(time.Minute)
	require.True(t, l.TryAcquire(ctx, id, 1), "new window grants again")
}

func TestMemoryLimiterPerWebhook(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	require.True(t, l.TryAcquire(ctx, a, 1))
	require.False(t, l.TryAcquire(ctx, a, 1))
	require.True(t, l.TryAcquire(ctx, b, 1), "limits are per subscription")
}

func TestMemoryLimiterPrunesPastWindows(t *testing.T) {
	l := NewMemoryLimiter()
	now := time.Unix(1_700_000_040, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.True(t, l.TryAcquire(ctx, uuid.New(), 10))
	}
	require.Len(t, l.counts, 100)

	now = now.Add(time.Minute)
	require.True(t, l.TryAcquire(ctx, uuid.New(), 10))
	require.Len(t, l.counts, 1, "past-window counts are discarded")
}

func TestMemoryLimiterZeroLimitDeniesAll(t *testing.T) {
	l := NewMemoryLimiter()
	require.False(t, l.TryAcquire(context.Background(), uuid.New(), 0))
}

func TestMemoryLimiterConcurrentBound(t *testing.T) {
	l := NewMemoryLimiter()
	id := uuid.New()
	ctx := context.Background()

	const limit = 10
	var granted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire(ctx, id, limit) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, limit, granted.Load())
}
