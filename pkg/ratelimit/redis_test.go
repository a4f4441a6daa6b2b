package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLimiterEnforcesAcrossInstances(t *testing.T) {
	mr, client := newMiniredisClient(t)
	a := NewRedis(client, time.Minute)
	b := NewRedis(client, time.Minute)
	ctx := context.Background()

	require.True(t, a.Allow(ctx, "10.0.0.1", 2).Allowed)
	require.True(t, b.Allow(ctx, "10.0.0.1", 2).Allowed)
	denied := a.Allow(ctx, "10.0.0.1", 2)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 3, denied.Count)
	assert.True(t, denied.ResetAt.After(time.Now()))
	assert.True(t, mr.Exists("polycert:rl:10.0.0.1"))

	mr.FastForward(time.Minute + time.Second)
	assert.True(t, a.Allow(ctx, "10.0.0.1", 2).Allowed)
}

func TestRedisLimiterDefaults(t *testing.T) {
	lim := NewRedis(nil, 0)
	assert.Equal(t, time.Minute, lim.Window)
	assert.Equal(t, "polycert:rl:", lim.Prefix)
	assert.NotNil(t, lim.Fallback)
}

func TestRedisLimiterNilClientUsesFallback(t *testing.T) {
	lim := NewRedis(nil, time.Minute)
	ctx := context.Background()
	assert.True(t, lim.Allow(ctx, "k", 1).Allowed)
	assert.False(t, lim.Allow(ctx, "k", 1).Allowed)

	lim.Fallback = nil
	d := lim.Allow(ctx, "k", 3)
	assert.True(t, d.Allowed)
	assert.Equal(t, 3, d.Remaining)
}

func TestRedisLimiterRedisDownUsesFallback(t *testing.T) {
	mr, client := newMiniredisClient(t)
	lim := NewRedis(client, time.Minute)
	mr.Close()

	ctx := context.Background()
	assert.True(t, lim.Allow(ctx, "k", 1).Allowed)
	assert.False(t, lim.Allow(ctx, "k", 1).Allowed, "fallback still enforces")
}

func TestRedisLimiterKeyWithoutTTLUsesWindow(t *testing.T) {
	mr, client := newMiniredisClient(t)
	require.NoError(t, mr.Set("polycert:rl:stale", "4"))
	lim := NewRedis(client, 30*time.Second)

	d := lim.Allow(context.Background(), "stale", 10)
	assert.Equal(t, 5, d.Count)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), d.ResetAt, 2*time.Second)
}
