package chunkstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterNewClassifiesUnknownAsNew(t *testing.T) {
	d := NewDedupTracker()
	chunks := []Chunk{{ID: "a"}, {ID: "b"}}

	newChunks, existing := d.FilterNew(chunks)
	require.Len(t, newChunks, 2)
	require.Empty(t, existing)
}

func TestFilterNewSkipsKnownIDs(t *testing.T) {
	d := NewDedupTracker()
	d.Register("a")

	newChunks, existing := d.FilterNew([]Chunk{{ID: "a"}, {ID: "b"}})
	require.Len(t, newChunks, 1)
	require.Equal(t, ChunkID("b"), newChunks[0].ID)
	require.Equal(t, []ChunkID{"a"}, existing)
}

func TestFilterNewDedupsWithinOneBatch(t *testing.T) {
	d := NewDedupTracker()
	newChunks, existing := d.FilterNew([]Chunk{{ID: "a"}, {ID: "a"}})
	require.Len(t, newChunks, 1)
	require.Equal(t, []ChunkID{"a"}, existing)
}

func TestWarmSeedsKnownSet(t *testing.T) {
	d := NewDedupTracker()
	d.Warm([]ChunkID{"x", "y"})
	require.True(t, d.IsKnown("x"))
	require.True(t, d.IsKnown("y"))
	require.False(t, d.IsKnown("z"))
}
