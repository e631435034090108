package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisv8 "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	c := redisv8.NewClient(&redisv8.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return NewFromClient(c), mr
}

func TestCacheRoundTrip(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.CacheSet(ctx, "k", map[string]int{"a": 1}, time.Minute))
	var out map[string]int
	require.NoError(t, s.CacheGet(ctx, "k", &out))
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, time.Minute, mr.TTL("k"))

	assert.Error(t, s.CacheGet(ctx, "missing", &out))
}

func TestHealthCheck(t *testing.T) {
	s, mr := newTestService(t)
	assert.NoError(t, s.HealthCheck(context.Background()))
	mr.Close()
	assert.Error(t, s.HealthCheck(context.Background()))
}

func TestLockIsExclusive(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	release, err := s.Lock(ctx, "src", time.Minute)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	_, err = s.Lock(short, "src", time.Minute)
	assert.ErrorIs(t, err, ErrLockTimeout)

	release()
	again, err := s.Lock(ctx, "src", time.Minute)
	require.NoError(t, err)
	again()
}

func TestLockWaitsForRelease(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	release, err := s.Lock(ctx, "src", time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		release()
	}()
	wait, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := s.Lock(wait, "src", time.Minute)
	require.NoError(t, err)
	second()
}

func TestStaleReleaseKeepsNewOwner(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	release, err := s.Lock(ctx, "src", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	owner, err := s.Lock(ctx, "src", time.Minute)
	require.NoError(t, err)
	release()
	assert.True(t, mr.Exists("lock:src"), "expired holder must not release the new owner's lock")
	owner()
	assert.False(t, mr.Exists("lock:src"))
}
