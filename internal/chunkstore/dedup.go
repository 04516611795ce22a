package chunkstore

import "sync"

// DedupTracker is an in-memory set of known chunk ids, warmed from the
// metadata store at startup, grounded on original_source/src/chunk/mod.rs's
// DedupTracker. FilterNew classifies a batch of candidate chunks without
// any I/O: new chunks need to be uploaded, existing ones are already
// durable and only need a manifest reference.
type DedupTracker struct {
	mu    sync.RWMutex
	known map[ChunkID]struct{}
}

// NewDedupTracker returns an empty tracker. Warm populates it from the
// metadata store's known chunk ids.
func NewDedupTracker() *DedupTracker {
	return &DedupTracker{known: make(map[ChunkID]struct{})}
}

// Warm seeds the tracker with ids already present in durable storage.
func (d *DedupTracker) Warm(ids []ChunkID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.known[id] = struct{}{}
	}
}

// IsKnown reports whether id has already been registered.
func (d *DedupTracker) IsKnown(id ChunkID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.known[id]
	return ok
}

// Register marks id as durably stored. Safe to call redundantly.
func (d *DedupTracker) Register(id ChunkID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.known[id] = struct{}{}
}

// FilterNew classifies chunks into those that must be uploaded (new) and
// the ids of those already known (existing), without touching the backend.
// When dedup is disabled by config, callers should skip calling FilterNew
// entirely and treat every chunk as new.
func (d *DedupTracker) FilterNew(chunks []Chunk) (newChunks []Chunk, existingIDs []ChunkID) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seenThisBatch := make(map[ChunkID]struct{})
	for _, c := range chunks {
		if _, ok := d.known[c.ID]; ok {
			existingIDs = append(existingIDs, c.ID)
			continue
		}
		if _, ok := seenThisBatch[c.ID]; ok {
			// Same plaintext appears twice within one write; only the
			// first occurrence needs uploading.
			existingIDs = append(existingIDs, c.ID)
			continue
		}
		seenThisBatch[c.ID] = struct{}{}
		newChunks = append(newChunks, c)
	}
	return newChunks, existingIDs
}
