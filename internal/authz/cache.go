package authz

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const cacheKeyPrefix = "authz:perm:"

// Sentinels used in key derivation when an optional tuple element is absent.
const (
	sentinelGlobalResource = "global"
	sentinelNoResourceType = "none"
	sentinelDefaultTenant  = "default"
)

// CacheKey derives the stable cache key for a check tuple. Identical
// inputs always produce the same key.
func CacheKey(principalID, permission, resourceID, resourceType, tenantID string) string {
	if resourceID == "" {
		resourceID = sentinelGlobalResource
	}
	if resourceType == "" {
		resourceType = sentinelNoResourceType
	}
	if tenantID == "" {
		tenantID = sentinelDefaultTenant
	}
	h, _ := blake2b.New256(nil)
	for _, part := range []string{principalID, permission, resourceID, resourceType, tenantID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return cacheKeyPrefix + hex.EncodeToString(h.Sum(nil))
}

type cacheEntry struct {
	key         string
	result      bool
	writtenAt   time.Time
	ttl         time.Duration
	principalID string
	tenantID    string
	permission  string
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.writtenAt) >= e.ttl
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits            uint64 `json:"hits"`
	Misses          uint64 `json:"misses"`
	MemoryHits      uint64 `json:"memory_hits"`
	RemoteHits      uint64 `json:"remote_hits"`
	Invalidations   uint64 `json:"invalidations"`
	Size            int    `json:"size"`
	Capacity        int    `json:"capacity"`
	RemoteConnected bool   `json:"remote_connected"`
}

// Tier labels passed to the event observer.
const (
	tierMemory = "memory"
	tierRemote = "remote"
)

// CacheConfig tunes the permission cache. Observer, when set, receives a
// (tier, event) pair for every hit and miss per tier; it is how the
// metrics registry sees cache traffic without the cache importing it.
type CacheConfig struct {
	Capacity      int
	TTL           time.Duration
	RemoteTimeout time.Duration
	Observer      func(tier, event string)
}

// PermissionCache is a two-tier cache of permission check results: a
// bounded in-process map plus an optional Redis tier. Three reverse
// indices (by user, tenant, permission name) make invalidation
// proportional to the affected key set rather than the cache size.
//
// The mutex guards only the local maps. Redis calls are made outside the
// critical section with a bounded timeout; the memory tier stays
// authoritative for this process when the remote tier is unreachable.
type PermissionCache struct {
	mu           sync.Mutex
	entries      map[string]*cacheEntry
	byUser       map[string]map[string]struct{}
	byTenant     map[string]map[string]struct{}
	byPermission map[string]map[string]struct{}

	hits          uint64
	misses        uint64
	memoryHits    uint64
	remoteHits    uint64
	invalidations uint64

	capacity      int
	ttl           time.Duration
	remote        *redis.Client
	remoteTimeout time.Duration
	remoteUp      bool

	observer func(tier, event string)

	logger *slog.Logger
	clock  func() time.Time
}

// NewPermissionCache constructs the cache. remote may be nil, in which
// case the cache operates local-tier-only from the start.
func NewPermissionCache(cfg CacheConfig, remote *redis.Client, logger *slog.Logger) *PermissionCache {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &PermissionCache{
		entries:       make(map[string]*cacheEntry),
		byUser:        make(map[string]map[string]struct{}),
		byTenant:      make(map[string]map[string]struct{}),
		byPermission:  make(map[string]map[string]struct{}),
		capacity:      cfg.Capacity,
		ttl:           cfg.TTL,
		remote:        remote,
		remoteTimeout: cfg.RemoteTimeout,
		remoteUp:      remote != nil,
		observer:      cfg.Observer,
		logger:        logger,
		clock:         time.Now,
	}
	return c
}

// Get returns the cached result for the tuple, or ok=false on miss. A
// local hit never touches Redis; a remote hit backfills the local tier.
func (c *PermissionCache) Get(ctx context.Context, principalID, permission, resourceID, resourceType, tenantID string) (bool, bool) {
	key := CacheKey(principalID, permission, resourceID, resourceType, tenantID)
	now := c.clock()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		if entry.expired(now) {
			c.removeLocked(entry)
		} else {
			c.hits++
			c.memoryHits++
			result := entry.result
			c.mu.Unlock()
			c.observe(tierMemory, "hit")
			return result, true
		}
	}
	c.mu.Unlock()
	c.observe(tierMemory, "miss")

	if c.remote != nil {
		if result, ok := c.remoteGet(ctx, key); ok {
			c.mu.Lock()
			c.hits++
			c.remoteHits++
			c.insertLocked(key, result, principalID, tenantID, permission, now)
			c.mu.Unlock()
			c.observe(tierRemote, "hit")
			return result, true
		}
		c.observe(tierRemote, "miss")
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return false, false
}

// observe reports a per-tier cache event. Called outside the lock.
func (c *PermissionCache) observe(tier, event string) {
	if c.observer != nil {
		c.observer(tier, event)
	}
}

// Set stores a result in both tiers. The remote write is best-effort.
func (c *PermissionCache) Set(ctx context.Context, principalID, permission, resourceID, resourceType, tenantID string, result bool) {
	key := CacheKey(principalID, permission, resourceID, resourceType, tenantID)
	now := c.clock()

	c.mu.Lock()
	c.insertLocked(key, result, principalID, tenantID, permission, now)
	c.mu.Unlock()

	c.remoteSet(ctx, key, result)
}

// InvalidateUser removes every entry created for the principal. When
// tenantID is non-empty only that tenant's entries are touched.
func (c *PermissionCache) InvalidateUser(ctx context.Context, principalID, tenantID string) int {
	c.mu.Lock()
	var removed []string
	for key := range c.byUser[principalID] {
		entry := c.entries[key]
		if entry == nil {
			continue
		}
		if tenantID != "" && entry.tenantID != tenantID {
			continue
		}
		removed = append(removed, key)
	}
	for _, key := range removed {
		c.removeLocked(c.entries[key])
	}
	c.invalidations += uint64(len(removed))
	c.mu.Unlock()

	c.remoteDelete(ctx, removed)
	return len(removed)
}

// InvalidateTenant removes every entry belonging to the tenant.
func (c *PermissionCache) InvalidateTenant(ctx context.Context, tenantID string) int {
	c.mu.Lock()
	removed := make([]string, 0, len(c.byTenant[tenantID]))
	for key := range c.byTenant[tenantID] {
		removed = append(removed, key)
	}
	for _, key := range removed {
		c.removeLocked(c.entries[key])
	}
	c.invalidations += uint64(len(removed))
	c.mu.Unlock()

	c.remoteDelete(ctx, removed)
	return len(removed)
}

// InvalidatePermission removes every entry for the named permission,
// optionally restricted to one tenant.
func (c *PermissionCache) InvalidatePermission(ctx context.Context, permission, tenantID string) int {
	c.mu.Lock()
	var removed []string
	for key := range c.byPermission[permission] {
		entry := c.entries[key]
		if entry == nil {
			continue
		}
		if tenantID != "" && entry.tenantID != tenantID {
			continue
		}
		removed = append(removed, key)
	}
	for _, key := range removed {
		c.removeLocked(c.entries[key])
	}
	c.invalidations += uint64(len(removed))
	c.mu.Unlock()

	c.remoteDelete(ctx, removed)
	return len(removed)
}

// ClearAll drops every entry from both tiers.
func (c *PermissionCache) ClearAll(ctx context.Context) int {
	c.mu.Lock()
	removed := make([]string, 0, len(c.entries))
	for key := range c.entries {
		removed = append(removed, key)
	}
	count := len(removed)
	c.entries = make(map[string]*cacheEntry)
	c.byUser = make(map[string]map[string]struct{})
	c.byTenant = make(map[string]map[string]struct{})
	c.byPermission = make(map[string]map[string]struct{})
	c.invalidations += uint64(count)
	c.mu.Unlock()

	c.remoteDelete(ctx, removed)
	return count
}

// Stats returns a snapshot of the cache counters.
func (c *PermissionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:            c.hits,
		Misses:          c.misses,
		MemoryHits:      c.memoryHits,
		RemoteHits:      c.remoteHits,
		Invalidations:   c.invalidations,
		Size:            len(c.entries),
		Capacity:        c.capacity,
		RemoteConnected: c.remoteConnected(),
	}
}

// SweepExpired drops expired local entries. Lazy expiry on read keeps the
// cache correct without this; the sweep only bounds memory.
func (c *PermissionCache) SweepExpired() int {
	now := c.clock()
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed int
	for _, entry := range c.entries {
		if entry.expired(now) {
			c.removeLocked(entry)
			removed++
		}
	}
	return removed
}

// insertLocked inserts or replaces an entry and maintains the reverse
// indices. Caller holds c.mu.
func (c *PermissionCache) insertLocked(key string, result bool, principalID, tenantID, permission string, now time.Time) {
	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}
	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	entry := &cacheEntry{
		key:         key,
		result:      result,
		writtenAt:   now,
		ttl:         c.ttl,
		principalID: principalID,
		tenantID:    tenantID,
		permission:  permission,
	}
	c.entries[key] = entry
	indexAdd(c.byUser, principalID, key)
	indexAdd(c.byTenant, entry.tenantKey(), key)
	indexAdd(c.byPermission, permission, key)
}

func (e *cacheEntry) tenantKey() string {
	if e.tenantID == "" {
		return sentinelDefaultTenant
	}
	return e.tenantID
}

// evictOldestLocked removes the oldest 10% of entries by write timestamp.
// Batch eviction amortizes the sort cost across many inserts.
func (c *PermissionCache) evictOldestLocked() {
	batch := c.capacity / 10
	if batch < 1 {
		batch = 1
	}
	victims := make([]*cacheEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		victims = append(victims, entry)
	}
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].writtenAt.Before(victims[j].writtenAt)
	})
	if batch > len(victims) {
		batch = len(victims)
	}
	for _, entry := range victims[:batch] {
		c.removeLocked(entry)
	}
}

// removeLocked deletes an entry and its membership in all three reverse
// indices within the same critical section, so no index ever points at a
// missing entry. Caller holds c.mu.
func (c *PermissionCache) removeLocked(entry *cacheEntry) {
	if entry == nil {
		return
	}
	delete(c.entries, entry.key)
	indexRemove(c.byUser, entry.principalID, entry.key)
	indexRemove(c.byTenant, entry.tenantKey(), entry.key)
	indexRemove(c.byPermission, entry.permission, entry.key)
}

func indexAdd(index map[string]map[string]struct{}, field, key string) {
	set, ok := index[field]
	if !ok {
		set = make(map[string]struct{})
		index[field] = set
	}
	set[key] = struct{}{}
}

func indexRemove(index map[string]map[string]struct{}, field, key string) {
	set, ok := index[field]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(index, field)
	}
}

func (c *PermissionCache) remoteConnected() bool {
	return c.remote != nil && c.remoteUp
}

func (c *PermissionCache) setRemoteUp(up bool) {
	c.mu.Lock()
	c.remoteUp = up
	c.mu.Unlock()
}

func (c *PermissionCache) remoteGet(ctx context.Context, key string) (bool, bool) {
	if c.remote == nil {
		return false, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()
	value, err := c.remote.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.setRemoteUp(true)
			return false, false
		}
		c.logger.Warn("permission cache remote get", slog.Any("error", err))
		c.setRemoteUp(false)
		return false, false
	}
	c.setRemoteUp(true)
	return value == "1", true
}

func (c *PermissionCache) remoteSet(ctx context.Context, key string, result bool) {
	if c.remote == nil {
		return
	}
	value := "0"
	if result {
		value = "1"
	}
	ctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()
	if err := c.remote.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("permission cache remote set", slog.Any("error", err))
		c.setRemoteUp(false)
		return
	}
	c.setRemoteUp(true)
}

func (c *PermissionCache) remoteDelete(ctx context.Context, keys []string) {
	if c.remote == nil || len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.remoteTimeout)
	defer cancel()
	if err := c.remote.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("permission cache remote delete", slog.Any("error", err), slog.Int("keys", len(keys)))
		c.setRemoteUp(false)
		return
	}
	c.setRemoteUp(true)
}
