package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aether-platform/ncs-scalable-virusscanner/internal/store"
)

func TestCacheMissThenHitAfterStore(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	p := New(st)

	hit, err := p.CheckCache(ctx, "https://pypi.org/simple/requests/")
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, p.StoreCache(ctx, "https://pypi.org/simple/requests/"))

	hit, err = p.CheckCache(ctx, "https://pypi.org/simple/requests/")
	require.NoError(t, err)
	require.True(t, hit)
}

func TestCacheKeyIsPerURI(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	p := New(st)

	require.NoError(t, p.StoreCache(ctx, "https://example.com/a"))

	hit, err := p.CheckCache(ctx, "https://example.com/b")
	require.NoError(t, err)
	require.False(t, hit, "distinct URIs must not collide")
}

func TestCacheEntryExpires(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	p := New(st).WithTTL(10 * time.Millisecond)

	require.NoError(t, p.StoreCache(ctx, "https://example.com/a"))
	time.Sleep(30 * time.Millisecond)

	hit, err := p.CheckCache(ctx, "https://example.com/a")
	require.NoError(t, err)
	require.False(t, hit)
}

func TestIsCacheableMethod(t *testing.T) {
	require.True(t, IsCacheableMethod("GET"))
	require.True(t, IsCacheableMethod("head"))
	require.True(t, IsCacheableMethod("OPTIONS"))
	require.False(t, IsCacheableMethod("POST"))
	require.False(t, IsCacheableMethod("PUT"))
	require.False(t, IsCacheableMethod("DELETE"))
}

func TestGetNotableType(t *testing.T) {
	require.Equal(t, "python", GetNotableType("https://pypi.org/simple/numpy/"))
	require.Equal(t, "node", GetNotableType("https://registry.npmjs.org/lodash"))
	require.Equal(t, "docker", GetNotableType("https://registry-1.docker.io/v2/library/alpine"))
	require.Equal(t, "", GetNotableType("https://internal.corp/healthz"))
}

func TestCheckPriority(t *testing.T) {
	require.True(t, CheckPriority("premium"))
	require.True(t, CheckPriority("Enterprise"))
	require.True(t, CheckPriority("business"))
	require.False(t, CheckPriority("free"))
	require.False(t, CheckPriority(""))
}
