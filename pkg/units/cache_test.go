package units

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, inner Directory, ttl time.Duration) (*CachedDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewCachedDirectory(inner, client, ttl, nil), mr
}

func TestCachedDirectory_ReadThrough(t *testing.T) {
	inner := newMemDirectory(Unit{ID: "ops", Members: []string{"alice"}})
	cache, _ := newTestCache(t, inner, time.Minute)

	first, err := cache.ListUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, inner.listCount())

	// Second read is served from the cache.
	second, err := cache.ListUnits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.listCount())
}

func TestCachedDirectory_TTLExpiry(t *testing.T) {
	inner := newMemDirectory(Unit{ID: "ops"})
	cache, mr := newTestCache(t, inner, time.Second)

	_, err := cache.ListUnits(context.Background())
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = cache.ListUnits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, inner.listCount())
}

func TestCachedDirectory_Invalidate(t *testing.T) {
	inner := newMemDirectory(Unit{ID: "ops"})
	cache, _ := newTestCache(t, inner, time.Minute)

	_, err := cache.ListUnits(context.Background())
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(context.Background()))

	_, err = cache.ListUnits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, inner.listCount())
}

func TestCachedDirectory_CacheDownFallsThrough(t *testing.T) {
	inner := newMemDirectory(Unit{ID: "ops"})
	cache, mr := newTestCache(t, inner, time.Minute)
	mr.Close()

	all, err := cache.ListUnits(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCachedDirectory_InnerErrorPropagates(t *testing.T) {
	inner := newMemDirectory()
	inner.err = errors.New("store down")
	cache, _ := newTestCache(t, inner, time.Minute)

	_, err := cache.ListUnits(context.Background())
	assert.Error(t, err)
}
