package version

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/chunkstore"
)

func testManifest(size int64, chunkID string) chunkstore.ChunkManifest {
	return testManifestMulti(size, chunkID)
}

func testManifestMulti(size int64, chunkIDs ...string) chunkstore.ChunkManifest {
	chunks := make([]chunkstore.ChunkRef, len(chunkIDs))
	for i, id := range chunkIDs {
		chunks[i] = chunkstore.ChunkRef{ID: chunkstore.ChunkID(id), OriginalSize: size}
	}
	return chunkstore.ChunkManifest{
		Version:   1,
		TotalSize: size,
		FileHash:  "test",
		Chunks:    chunks,
	}
}

func TestAddVersionIncrements(t *testing.T) {
	m := NewManager(10)

	v1, evicted1 := m.AddVersion(1, testManifest(100, "c1"), "")
	v2, evicted2 := m.AddVersion(1, testManifest(200, "c2"), "update")

	require.Equal(t, uint64(1), v1)
	require.Equal(t, uint64(2), v2)
	require.Empty(t, evicted1)
	require.Empty(t, evicted2)
	require.Equal(t, 2, m.Count(1))
}

func TestVersionLimitKeepsNewest(t *testing.T) {
	m := NewManager(2)

	m.AddVersion(1, testManifest(100, "c1"), "")
	m.AddVersion(1, testManifest(200, "c2"), "")
	_, evicted := m.AddVersion(1, testManifest(300, "c3"), "")

	require.Equal(t, 2, m.Count(1))
	require.Len(t, evicted, 1)
	require.Equal(t, uint64(1), evicted[0].Version)

	vs := m.Versions(1)
	require.Equal(t, uint64(2), vs[0].Version)
	require.Equal(t, uint64(3), vs[1].Version)
}

func TestGetVersion(t *testing.T) {
	m := NewManager(10)
	m.AddVersion(1, testManifest(100, "c1"), "")
	m.AddVersion(1, testManifest(200, "c2"), "")

	v1, err := m.Version(1, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(100), v1.Size)

	v2, err := m.Version(1, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(200), v2.Size)

	_, err = m.Version(1, 99)
	require.Error(t, err)
	require.Equal(t, chunkerr.KindVersionNotFound, chunkerr.KindOf(err))
}

func TestLatest(t *testing.T) {
	m := NewManager(10)
	m.AddVersion(1, testManifest(100, "c1"), "")
	m.AddVersion(1, testManifest(200, "c2"), "")

	latest, ok := m.Latest(1)
	require.True(t, ok)
	require.Equal(t, uint64(2), latest.Version)
	require.Equal(t, uint64(200), latest.Size)
}

func TestDeleteVersions(t *testing.T) {
	m := NewManager(10)
	m.AddVersion(1, testManifest(100, "c1"), "")
	m.AddVersion(1, testManifest(200, "c2"), "")

	m.Delete(1)

	require.Equal(t, 0, m.Count(1))
	_, ok := m.Latest(1)
	require.False(t, ok)
}

func TestOrphanedChunksUnlimitedRetentionNeverOrphans(t *testing.T) {
	// With unlimited retention (0), AddVersion never evicts, so there is
	// never anything to pass to OrphanedChunks — every version is a
	// legitimate rollback target and no chunk it references may be
	// collected.
	m := NewManager(0)
	_, evicted1 := m.AddVersion(1, testManifest(100, "c1"), "")
	_, evicted2 := m.AddVersion(1, testManifest(200, "c2"), "")

	require.Empty(t, evicted1)
	require.Empty(t, evicted2)
	require.Empty(t, m.OrphanedChunks(1, evicted1))
	require.Empty(t, m.OrphanedChunks(1, evicted2))
}

func TestOrphanedChunksFromEvictionDeduplicates(t *testing.T) {
	m := NewManager(1)
	m.AddVersion(1, testManifest(100, "c1"), "")
	// Evicts the first version; both it and the new one reference "c1"
	// (an unchanged prefix chunk carried across a growing write), so
	// nothing is orphaned yet even though a version was evicted.
	_, evicted := m.AddVersion(1, testManifestMulti(300, "c1", "c2"), "")
	require.Len(t, evicted, 1)
	require.Empty(t, m.OrphanedChunks(1, evicted))

	// The next write drops "c1" and "c2"; now the version referencing
	// both is evicted and no surviving version keeps either alive.
	_, evicted = m.AddVersion(1, testManifest(400, "c3"), "")
	require.Len(t, evicted, 1)
	require.Equal(t, []chunkstore.ChunkID{"c1", "c2"}, m.OrphanedChunks(1, evicted))
}

func TestOrphanedChunksExcludesStillRetainedVersions(t *testing.T) {
	m := NewManager(2)
	m.AddVersion(1, testManifest(100, "c1"), "")
	m.AddVersion(1, testManifest(200, "c2"), "")
	_, evicted := m.AddVersion(1, testManifest(300, "c3"), "")

	// v1 (c1) was evicted, but v2 (c2) and v3 (c3) are both still
	// retained, so only c1 is a genuine orphan.
	require.Len(t, evicted, 1)
	orphaned := m.OrphanedChunks(1, evicted)
	require.Equal(t, []chunkstore.ChunkID{"c1"}, orphaned)
}
