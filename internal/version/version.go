// Package version tracks per-file version history: each write commits a new
// FileVersion snapshotting the chunk manifest at that point, and VersionManager
// prunes old versions FIFO once a file exceeds its configured retention,
// keeping the newest ones.
//
// Grounded on original_source/src/metadata/version.rs, adapted from an
// in-process HashMap<u64, Vec<FileVersion>> to the same shape guarded by a
// mutex for concurrent access from internal/engine.
package version

import (
	"sync"
	"time"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/chunkstore"
)

// FileVersion is one historical snapshot of a file's chunk manifest.
type FileVersion struct {
	Version  uint64
	Created  time.Time
	Size     uint64
	Manifest chunkstore.ChunkManifest
	Comment  string
}

// Manager tracks version history per inode and enforces a retention policy.
type Manager struct {
	mu          sync.Mutex
	versions    map[uint64][]FileVersion
	maxVersions int // 0 = unlimited
}

// NewManager returns a Manager keeping at most maxVersions per file (0 means
// unlimited).
func NewManager(maxVersions int) *Manager {
	return &Manager{
		versions:    make(map[uint64][]FileVersion),
		maxVersions: maxVersions,
	}
}

// AddVersion appends a new version for ino and returns its version number
// plus any versions the retention limit evicted in this same call (oldest
// first). Callers that need to garbage-collect chunks pass that evicted
// slice to OrphanedChunks — the versions still held in m after this call
// returns may still reference the same chunk ids (e.g. an unchanged prefix
// chunk reused across writes), so eviction from the version list is not by
// itself proof a chunk is unreferenced.
func (m *Manager) AddVersion(ino uint64, manifest chunkstore.ChunkManifest, comment string) (uint64, []FileVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vs := m.versions[ino]
	next := uint64(1)
	if len(vs) > 0 {
		next = vs[len(vs)-1].Version + 1
	}

	vs = append(vs, FileVersion{
		Version:  next,
		Created:  time.Now(),
		Size:     uint64(manifest.TotalSize),
		Manifest: manifest,
		Comment:  comment,
	})

	var evicted []FileVersion
	if m.maxVersions > 0 && len(vs) > m.maxVersions {
		drop := len(vs) - m.maxVersions
		evicted = append([]FileVersion(nil), vs[:drop]...)
		vs = append([]FileVersion(nil), vs[drop:]...)
	}
	m.versions[ino] = vs
	return next, evicted
}

// Versions returns every retained version for ino, oldest first.
func (m *Manager) Versions(ino uint64) []FileVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[ino]
	out := make([]FileVersion, len(vs))
	copy(out, vs)
	return out
}

// Version returns a specific version number for ino.
func (m *Manager) Version(ino, version uint64) (FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs, ok := m.versions[ino]
	if !ok {
		return FileVersion{}, chunkerr.New(chunkerr.KindInodeNotFound, "no version history for inode")
	}
	for _, v := range vs {
		if v.Version == version {
			return v, nil
		}
	}
	return FileVersion{}, chunkerr.New(chunkerr.KindVersionNotFound, "version not found").WithFields(map[string]any{"ino": ino, "version": version})
}

// Latest returns the most recent version for ino, ok=false if none exist.
func (m *Manager) Latest(ino uint64) (FileVersion, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[ino]
	if len(vs) == 0 {
		return FileVersion{}, false
	}
	return vs[len(vs)-1], true
}

// Delete drops all retained versions for ino.
func (m *Manager) Delete(ino uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.versions, ino)
}

// Count returns how many versions are retained for ino.
func (m *Manager) Count(ino uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.versions[ino])
}

// OrphanedChunks takes the evicted slice returned by a prior AddVersion call
// and returns the ids of chunks those evicted versions referenced that no
// version still retained for ino (including the current one) references
// anymore — the only chunks actually safe to garbage-collect. Versions
// AddVersion never evicted are never candidates here: retained versions are
// kept precisely so file-version rollback keeps working (spec §4.7), and
// diffing evicted content against only the newest manifest would wrongly
// flag chunks a surviving older version still needs.
func (m *Manager) OrphanedChunks(ino uint64, evicted []FileVersion) []chunkstore.ChunkID {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[chunkstore.ChunkID]bool)
	for _, v := range m.versions[ino] {
		for _, c := range v.Manifest.Chunks {
			keep[c.ID] = true
		}
	}

	seen := make(map[chunkstore.ChunkID]bool)
	var orphaned []chunkstore.ChunkID
	for _, v := range evicted {
		for _, c := range v.Manifest.Chunks {
			if keep[c.ID] || seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			orphaned = append(orphaned, c.ID)
		}
	}
	return orphaned
}
