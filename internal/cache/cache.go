package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kenneth/chunkvault/internal/chunkstore"
	"github.com/kenneth/chunkvault/internal/config"
)

// FetchFunc retrieves a chunk's plaintext on a cache miss — the download
// stripe / decode / decrypt / decompress / verify pipeline from spec.md
// §4.10 step 3, supplied by internal/engine.
type FetchFunc func(ctx context.Context, id chunkstore.ChunkID) ([]byte, error)

// Cache is the bounded local store of decrypted plaintext chunks. Resident
// bytes never exceed maxSize; at most one fetch is ever in flight per chunk
// id, with concurrent callers of the same miss coalescing onto it via
// singleflight.
type Cache struct {
	mu      sync.Mutex
	entries map[chunkstore.ChunkID][]byte
	policy  Policy
	maxSize int64
	curSize int64
	flight  singleflight.Group
}

// New builds a Cache bounded by cfg.MaxSize, using the eviction policy
// cfg.EvictionPolicy selects (default LRU for an unrecognized value).
func New(cfg config.CacheConfig) *Cache {
	return &Cache{
		entries: make(map[chunkstore.ChunkID][]byte),
		policy:  newPolicy(cfg.EvictionPolicy),
		maxSize: cfg.MaxSize,
	}
}

func newPolicy(p config.EvictionPolicy) Policy {
	switch p {
	case config.EvictionLFU:
		return NewLFU()
	case config.EvictionFIFO:
		return NewFIFO()
	default:
		return NewLRU()
	}
}

// Get returns the cached plaintext for id, if resident.
func (c *Cache) Get(id chunkstore.ChunkID) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[id]
	if ok {
		c.policy.Touch(id)
	}
	return data, ok
}

// GetOrFetch returns the cached plaintext for id, calling fetch on a miss.
// Concurrent callers racing on the same id's miss share one fetch call and
// one set of bytes.
func (c *Cache) GetOrFetch(ctx context.Context, id chunkstore.ChunkID, fetch FetchFunc) ([]byte, error) {
	if data, ok := c.Get(id); ok {
		return data, nil
	}

	v, err, _ := c.flight.Do(string(id), func() (any, error) {
		if data, ok := c.Get(id); ok {
			return data, nil
		}
		data, err := fetch(ctx, id)
		if err != nil {
			return nil, err
		}
		c.Insert(id, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Insert admits id into the cache, evicting victims under the policy until
// there is room for it.
func (c *Cache) Insert(id chunkstore.ChunkID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[id]; ok {
		c.curSize -= int64(len(existing))
		c.entries[id] = data
		c.curSize += int64(len(data))
		c.policy.Touch(id)
		c.evictLocked()
		return
	}

	c.entries[id] = data
	c.curSize += int64(len(data))
	c.policy.Insert(id)
	c.evictLocked()
}

// Invalidate drops id from the cache, if present.
func (c *Cache) Invalidate(id chunkstore.ChunkID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if data, ok := c.entries[id]; ok {
		c.curSize -= int64(len(data))
		delete(c.entries, id)
		c.policy.Remove(id)
	}
}

// Size returns the current resident byte count.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curSize
}

// Len returns the number of resident chunks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked must be called with mu held. It evicts victims until resident
// bytes fit within maxSize, or there is nothing left to evict (maxSize <= 0
// disables the bound).
func (c *Cache) evictLocked() {
	if c.maxSize <= 0 {
		return
	}
	for c.curSize > c.maxSize {
		victim, ok := c.policy.Victim()
		if !ok {
			return
		}
		data := c.entries[victim]
		c.curSize -= int64(len(data))
		delete(c.entries, victim)
		c.policy.Remove(victim)
	}
}
