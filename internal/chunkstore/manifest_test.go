package chunkstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestManifestValidateContiguous(t *testing.T) {
	m := ChunkManifest{
		TotalSize: 2048,
		Chunks: []ChunkRef{
			{ID: "a", OffsetInFile: 0, OriginalSize: 1024},
			{ID: "b", OffsetInFile: 1024, OriginalSize: 1024},
		},
	}
	require.NoError(t, m.Validate())
}

func TestManifestValidateRejectsGap(t *testing.T) {
	m := ChunkManifest{
		TotalSize: 2048,
		Chunks: []ChunkRef{
			{ID: "a", OffsetInFile: 0, OriginalSize: 1024},
			{ID: "b", OffsetInFile: 2000, OriginalSize: 1024},
		},
	}
	require.Error(t, m.Validate())
}

func TestChunksOverlappingWindow(t *testing.T) {
	m := ChunkManifest{
		Chunks: []ChunkRef{
			{ID: "a", OffsetInFile: 0, OriginalSize: 100},
			{ID: "b", OffsetInFile: 100, OriginalSize: 100},
			{ID: "c", OffsetInFile: 200, OriginalSize: 100},
		},
	}
	got := m.ChunksOverlapping(50, 100)
	require.Len(t, got, 2)
	require.Equal(t, ChunkID("a"), got[0].ID)
	require.Equal(t, ChunkID("b"), got[1].ID)
}

func TestSliceWindowExtractsExactBytes(t *testing.T) {
	chunks := []ChunkRef{
		{ID: "a", OffsetInFile: 0, OriginalSize: 10},
		{ID: "b", OffsetInFile: 10, OriginalSize: 10},
	}
	plaintexts := map[ChunkID][]byte{
		"a": []byte("0123456789"),
		"b": []byte("abcdefghij"),
	}
	out := SliceWindow(0, plaintexts, chunks, 5, 10, 20)
	require.Equal(t, "56789abcde", string(out))
}

func TestSliceWindowShortReadAtEOF(t *testing.T) {
	chunks := []ChunkRef{{ID: "a", OffsetInFile: 0, OriginalSize: 10}}
	plaintexts := map[ChunkID][]byte{"a": []byte("0123456789")}
	out := SliceWindow(0, plaintexts, chunks, 5, 100, 10)
	require.Equal(t, "56789", string(out))
}
