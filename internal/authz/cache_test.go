package authz

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCacheKeyStableAndSentinelled(t *testing.T) {
	a := CacheKey("u1", "read_docs", "", "", "t1")
	b := CacheKey("u1", "read_docs", "", "", "t1")
	require.Equal(t, a, b)
	require.Contains(t, a, "authz:perm:")

	// Absent optional elements collapse onto sentinels, so an explicit
	// sentinel value and an empty value hash identically.
	require.Equal(t,
		CacheKey("u1", "read_docs", "global", "none", "default"),
		CacheKey("u1", "read_docs", "", "", ""),
	)

	// Every tuple element contributes to the key.
	require.NotEqual(t, a, CacheKey("u2", "read_docs", "", "", "t1"))
	require.NotEqual(t, a, CacheKey("u1", "write_docs", "", "", "t1"))
	require.NotEqual(t, a, CacheKey("u1", "read_docs", "r1", "", "t1"))
	require.NotEqual(t, a, CacheKey("u1", "read_docs", "", "doc", "t1"))
	require.NotEqual(t, a, CacheKey("u1", "read_docs", "", "", "t2"))
}

func TestCacheRoundTripAndCounters(t *testing.T) {
	ctx := context.Background()
	cache := NewPermissionCache(CacheConfig{Capacity: 100, TTL: time.Minute}, nil, testLogger())

	_, ok := cache.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.False(t, ok)

	cache.Set(ctx, "u1", "read_docs", "", "", "t1", true)
	cache.Set(ctx, "u1", "delete_docs", "", "", "t1", false)

	granted, ok := cache.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.True(t, ok)
	require.True(t, granted)

	granted, ok = cache.Get(ctx, "u1", "delete_docs", "", "", "t1")
	require.True(t, ok)
	require.False(t, granted)

	stats := cache.Stats()
	require.Equal(t, uint64(2), stats.Hits)
	require.Equal(t, uint64(2), stats.MemoryHits)
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, 2, stats.Size)
	require.False(t, stats.RemoteConnected)
}

func TestCacheEntriesExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache := NewPermissionCache(CacheConfig{Capacity: 10, TTL: 5 * time.Minute}, nil, testLogger())
	cache.clock = func() time.Time { return now }

	cache.Set(ctx, "u1", "read_docs", "", "", "t1", true)

	now = now.Add(4 * time.Minute)
	_, ok := cache.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = cache.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.False(t, ok)
	require.Equal(t, 0, cache.Stats().Size, "expired entry removed on read")
}

func TestCacheEvictsOldestBatchAtCapacity(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache := NewPermissionCache(CacheConfig{Capacity: 20, TTL: time.Hour}, nil, testLogger())
	cache.clock = func() time.Time { return now }

	for i := 0; i < 20; i++ {
		cache.Set(ctx, fmt.Sprintf("u%02d", i), "read_docs", "", "", "t1", true)
		now = now.Add(time.Second)
	}
	require.Equal(t, 20, cache.Stats().Size)

	cache.Set(ctx, "u20", "read_docs", "", "", "t1", true)

	// Capacity 20 evicts the oldest 10% (two entries) before inserting.
	require.Equal(t, 19, cache.Stats().Size)
	_, ok := cache.Get(ctx, "u00", "read_docs", "", "", "t1")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "u01", "read_docs", "", "", "t1")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "u02", "read_docs", "", "", "t1")
	require.True(t, ok)
	_, ok = cache.Get(ctx, "u20", "read_docs", "", "", "t1")
	require.True(t, ok)
}

func TestCacheInvalidateUserScopedToTenant(t *testing.T) {
	ctx := context.Background()
	cache := NewPermissionCache(CacheConfig{Capacity: 100, TTL: time.Minute}, nil, testLogger())

	cache.Set(ctx, "u1", "read_docs", "", "", "t1", true)
	cache.Set(ctx, "u1", "write_docs", "", "", "t1", true)
	cache.Set(ctx, "u1", "read_docs", "", "", "t2", true)
	cache.Set(ctx, "u2", "read_docs", "", "", "t1", true)

	removed := cache.InvalidateUser(ctx, "u1", "t1")
	require.Equal(t, 2, removed)

	_, ok := cache.Get(ctx, "u1", "read_docs", "", "", "t2")
	require.True(t, ok, "other tenant untouched")
	_, ok = cache.Get(ctx, "u2", "read_docs", "", "", "t1")
	require.True(t, ok, "other principal untouched")

	removed = cache.InvalidateUser(ctx, "u1", "")
	require.Equal(t, 1, removed, "empty tenant removes across tenants")
}

func TestCacheInvalidateTenantAndPermission(t *testing.T) {
	ctx := context.Background()
	cache := NewPermissionCache(CacheConfig{Capacity: 100, TTL: time.Minute}, nil, testLogger())

	cache.Set(ctx, "u1", "read_docs", "", "", "t1", true)
	cache.Set(ctx, "u2", "read_docs", "", "", "t1", false)
	cache.Set(ctx, "u3", "read_docs", "", "", "t2", true)
	cache.Set(ctx, "u1", "write_docs", "", "", "t1", true)

	require.Equal(t, 1, cache.InvalidatePermission(ctx, "read_docs", "t2"))
	require.Equal(t, 2, cache.InvalidatePermission(ctx, "read_docs", ""))
	require.Equal(t, 1, cache.InvalidateTenant(ctx, "t1"))
	require.Equal(t, 0, cache.Stats().Size)
	require.Equal(t, uint64(4), cache.Stats().Invalidations)
}

func TestCacheClearAll(t *testing.T) {
	ctx := context.Background()
	cache := NewPermissionCache(CacheConfig{Capacity: 100, TTL: time.Minute}, nil, testLogger())

	cache.Set(ctx, "u1", "read_docs", "", "", "t1", true)
	cache.Set(ctx, "u2", "write_docs", "", "", "t2", false)

	require.Equal(t, 2, cache.ClearAll(ctx))
	require.Equal(t, 0, cache.Stats().Size)
	_, ok := cache.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.False(t, ok)
}

func TestCacheSweepExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache := NewPermissionCache(CacheConfig{Capacity: 100, TTL: time.Minute}, nil, testLogger())
	cache.clock = func() time.Time { return now }

	cache.Set(ctx, "u1", "read_docs", "", "", "t1", true)
	now = now.Add(30 * time.Second)
	cache.Set(ctx, "u2", "read_docs", "", "", "t1", true)

	now = now.Add(45 * time.Second)
	require.Equal(t, 1, cache.SweepExpired())
	require.Equal(t, 1, cache.Stats().Size)
}

func TestCacheRemoteTierBackfillsLocal(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	writer := NewPermissionCache(CacheConfig{Capacity: 100, TTL: time.Minute}, client, testLogger())
	writer.Set(ctx, "u1", "read_docs", "", "", "t1", true)

	// A second process sharing the Redis tier sees the entry and
	// backfills its own memory tier.
	reader := NewPermissionCache(CacheConfig{Capacity: 100, TTL: time.Minute}, client, testLogger())
	granted, ok := reader.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.True(t, ok)
	require.True(t, granted)

	stats := reader.Stats()
	require.Equal(t, uint64(1), stats.RemoteHits)
	require.True(t, stats.RemoteConnected)

	_, _ = reader.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.Equal(t, uint64(1), reader.Stats().RemoteHits, "second read served locally")
	require.Equal(t, uint64(1), reader.Stats().MemoryHits)
}

func TestCacheReportsPerTierEvents(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var events []string
	cfg := CacheConfig{Capacity: 100, TTL: time.Minute, Observer: func(tier, event string) {
		events = append(events, tier+" "+event)
	}}
	cache := NewPermissionCache(cfg, client, testLogger())

	cache.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.Equal(t, []string{"memory miss", "remote miss"}, events)

	events = nil
	cache.Set(ctx, "u1", "read_docs", "", "", "t1", true)
	cache.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.Equal(t, []string{"memory hit"}, events)

	// A second process sharing the Redis tier records a remote hit.
	events = nil
	other := NewPermissionCache(cfg, client, testLogger())
	other.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.Equal(t, []string{"memory miss", "remote hit"}, events)

	// Without a remote tier only memory events are reported.
	events = nil
	local := NewPermissionCache(cfg, nil, testLogger())
	local.Get(ctx, "u1", "read_docs", "", "", "t1")
	require.Equal(t, []string{"memory miss"}, events)
}

func TestCacheRemoteInvalidationRemovesKeys(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewPermissionCache(CacheConfig{Capacity: 100, TTL: time.Minute}, client, testLogger())
	cache.Set(ctx, "u1", "read_docs", "", "", "t1", true)

	key := CacheKey("u1", "read_docs", "", "", "t1")
	require.True(t, mr.Exists(key))

	cache.InvalidateUser(ctx, "u1", "t1")
	require.False(t, mr.Exists(key))
}

func TestCacheDegradesWhenRemoteUnavailable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cache := NewPermissionCache(CacheConfig{Capacity: 100, TTL: time.Minute, RemoteTimeout: 50 * time.Millisecond}, client, testLogger())
	cache.Set(ctx, "u1", "read_docs", "", "", "t1", true)
	require.True(t, cache.Stats().RemoteConnected)

	mr.Close()

	// Writes keep landing in the memory tier and reads keep answering.
	cache.Set(ctx, "u2", "read_docs", "", "", "t1", false)
	require.False(t, cache.Stats().RemoteConnected)

	granted, ok := cache.Get(ctx, "u2", "read_docs", "", "", "t1")
	require.True(t, ok)
	require.False(t, granted)
}
