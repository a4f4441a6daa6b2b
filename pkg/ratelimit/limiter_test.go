package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	lim := NewInMemory(time.Minute)
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	first := lim.Allow(ctx, "10.0.0.1", 2)
	second := lim.Allow(ctx, "10.0.0.1", 2)
	third := lim.Allow(ctx, "10.0.0.1", 2)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)
	assert.True(t, second.Allowed)
	assert.False(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)
	assert.Equal(t, now.Add(time.Minute), third.ResetAt)

	other := lim.Allow(ctx, "10.0.0.2", 2)
	assert.True(t, other.Allowed, "keys are independent")

	now = now.Add(time.Minute)
	reset := lim.Allow(ctx, "10.0.0.1", 2)
	assert.True(t, reset.Allowed)
	assert.Equal(t, 1, reset.Count)
	assert.Equal(t, 1, lim.Len(), "expired windows are swept")
}

func TestInMemoryLimiterDefaults(t *testing.T) {
	lim := NewInMemory(0)
	assert.Equal(t, time.Minute, lim.window)
	d := lim.Allow(context.Background(), "k", 0)
	assert.Equal(t, 1, d.Limit)
	assert.True(t, d.Allowed)
}

func TestInMemoryLimiterConcurrent(t *testing.T) {
	lim := NewInMemory(time.Minute)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if lim.Allow(context.Background(), "shared", 10).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, allowed)
}

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Now()
	assert.Equal(t, time.Duration(0), Decision{ResetAt: now.Add(-time.Second)}.RetryAfter(now))
	assert.Equal(t, 2*time.Second, Decision{ResetAt: now.Add(1500 * time.Millisecond)}.RetryAfter(now))
}
