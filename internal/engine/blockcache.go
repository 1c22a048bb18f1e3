package engine

import (
	"sync"

	"github.com/dgraph-io/ristretto/v2"
)

// readCache fronts latest-version point reads with a cost-bounded cache.
// Only Engine.Get consults it: snapshot reads are versioned and must hit the
// native store.
//
// Coherence: the underlying cache buffers mutations, so a commit cannot rely
// on write-through updates landing. Instead the commit path invalidates the
// touched keys and waits for the drops to apply, and read-side fills run
// under a read lock against that invalidation with a currency re-check. A
// fill racing a commit is therefore either skipped (the sequence moved) or
// enqueued before the commit's drop and removed by it.
type readCache struct {
	cache *ristretto.Cache[string, []byte]

	// mu orders read-side fills against commit-side invalidation.
	mu sync.RWMutex
}

func newReadCache(maxBytes int64) (*readCache, error) {
	counters := maxBytes / 64
	if counters < 1024 {
		counters = 1024
	}
	if maxBytes < 1<<16 {
		maxBytes = 1 << 16
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &readCache{cache: cache}, nil
}

func cacheKey(cfID uint32, key []byte) string {
	return string(encodeKey(cfID, key))
}

func (c *readCache) get(cfID uint32, key []byte) ([]byte, bool) {
	return c.cache.Get(cacheKey(cfID, key))
}

// fill caches a value read from the store, but only while current still
// holds: a fill for a read that a commit has since superseded is dropped
// rather than cached over the newer state.
func (c *readCache) fill(cfID uint32, key, value []byte, current func() bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !current() {
		return
	}
	c.cache.Set(cacheKey(cfID, key), value, int64(cfIDLen+len(key)+len(value)))
}

// invalidate drops the given keys and blocks until the drops are applied, so
// a committed write is never shadowed by a stale cached value.
func (c *readCache) invalidate(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.cache.Del(k)
	}
	c.cache.Wait()
}

func (c *readCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Clear()
}

func (c *readCache) resize(maxBytes int64) {
	c.cache.UpdateMaxCost(maxBytes)
}

func (c *readCache) close() {
	c.cache.Close()
}
