package postgis

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	// DefaultCacheSize bounds the number of cached entities per store.
	DefaultCacheSize = 100
	// DefaultCacheTTL is the access-based expiry of a cached entity.
	DefaultCacheTTL = 5 * time.Minute
)

// entryCache is the per-store read cache: bounded by entry count, expiring
// entries by time since last access. Fill-on-miss is guarded by one mutex
// per store, not per key; misses are rare relative to hits, so all waiters
// on a miss block behind a single query instead of issuing duplicates.
type entryCache struct {
	c          *gocache.Cache
	maxEntries int
	fillMu     sync.Mutex
}

func newEntryCache(maxEntries int, ttl time.Duration) *entryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &entryCache{
		c:          gocache.New(ttl, ttl),
		maxEntries: maxEntries,
	}
}

// Get returns the cached value and refreshes its expiry, giving
// accessed-based rather than insertion-based eviction.
func (ec *entryCache) Get(key string) (any, bool) {
	v, ok := ec.c.Get(key)
	if ok {
		ec.c.SetDefault(key, v)
	}
	return v, ok
}

// Put stores a value unless the cache is full even after dropping expired
// entries. Skipping the insert is safe: the cache is an optimization, not
// the source of truth.
func (ec *entryCache) Put(key string, v any) {
	if ec.c.ItemCount() >= ec.maxEntries {
		ec.c.DeleteExpired()
		if ec.c.ItemCount() >= ec.maxEntries {
			return
		}
	}
	ec.c.SetDefault(key, v)
}

// Invalidate drops one key after an update or remove. The new value is
// never written back directly; the next reader re-fills from the database.
func (ec *entryCache) Invalidate(key string) {
	ec.c.Delete(key)
}

// InvalidateAll drops everything. Used after clear, drop and bulk filtered
// deletes, where computing the affected key set is not worth the cost.
func (ec *entryCache) InvalidateAll() {
	ec.c.Flush()
}

// FillLock is the store-wide mutex taken around the miss path so concurrent
// cold reads of the same key issue one query.
func (ec *entryCache) FillLock() *sync.Mutex {
	return &ec.fillMu
}

// fill implements the double-checked cache fill: re-check under the lock,
// and only query when still missing. The second racer uses the first
// racer's value instead of re-querying.
func (ec *entryCache) fill(key string, load func() (any, error)) (any, error) {
	ec.fillMu.Lock()
	defer ec.fillMu.Unlock()
	if v, ok := ec.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return nil, err
	}
	if v != nil {
		ec.Put(key, v)
	}
	return v, nil
}
