package chunkstore

import (
	"sort"

	"github.com/kenneth/chunkvault/internal/erasure"
)

// ChunkRef is the persistent locator used to fetch a chunk (spec.md §3).
type ChunkRef struct {
	ID           ChunkID
	OffsetInFile int64
	OriginalSize int64
	Compressed   bool
	Stripe       erasure.StripeInfo
	Version      uint64
}

// ChunkManifest reconstitutes a file from its ChunkRefs (spec.md §3).
// Invariants: Chunks is non-overlapping and sorted by OffsetInFile; the sum
// of OriginalSize equals TotalSize; FileHash equals H(reassembled
// plaintext).
type ChunkManifest struct {
	Version   uint64
	TotalSize int64
	FileHash  string
	Chunks    []ChunkRef
}

// Validate checks the structural manifest-level invariants from spec.md §3
// and §8 invariant 2: chunks are contiguous and non-overlapping and their
// sizes add up to TotalSize. It does not verify FileHash.
func (m ChunkManifest) Validate() error {
	sorted := make([]ChunkRef, len(m.Chunks))
	copy(sorted, m.Chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OffsetInFile < sorted[j].OffsetInFile })

	var cursor int64
	var total int64
	for _, c := range sorted {
		if c.OffsetInFile != cursor {
			return &ManifestError{Reason: "chunks are not contiguous/non-overlapping"}
		}
		cursor += c.OriginalSize
		total += c.OriginalSize
	}
	if total != m.TotalSize {
		return &ManifestError{Reason: "sum(original_size) != total_size"}
	}
	return nil
}

// ManifestError reports a structural manifest invariant violation.
type ManifestError struct{ Reason string }

func (e *ManifestError) Error() string { return "chunkstore: invalid manifest: " + e.Reason }

// ChunksOverlapping returns, in offset order, the ChunkRefs of m that
// overlap the half-open byte window [offset, offset+length). This backs
// engine.Read's chunk-location step (spec.md §4.10) and is adapted from the
// donor's HTTP-range-to-segment mapping in its now-removed
// internal/crypto/range_optimization.go, generalized from encrypted HTTP
// byte ranges to manifest chunk ranges.
func (m ChunkManifest) ChunksOverlapping(offset, length int64) []ChunkRef {
	if length <= 0 {
		return nil
	}
	end := offset + length

	sorted := make([]ChunkRef, len(m.Chunks))
	copy(sorted, m.Chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OffsetInFile < sorted[j].OffsetInFile })

	var out []ChunkRef
	for _, c := range sorted {
		chunkStart := c.OffsetInFile
		chunkEnd := c.OffsetInFile + c.OriginalSize
		if chunkEnd <= offset || chunkStart >= end {
			continue
		}
		out = append(out, c)
	}
	return out
}

// SliceWindow extracts exactly the requested [offset, offset+length) window
// from the full reassembled plaintext of the chunks returned by
// ChunksOverlapping, handling a short read at EOF (length clamped to
// however much of the window fell within the file).
func SliceWindow(fullFileOffset int64, chunkPlaintexts map[ChunkID][]byte, chunks []ChunkRef, offset, length, fileSize int64) []byte {
	end := offset + length
	if end > fileSize {
		end = fileSize
	}
	if end <= offset {
		return nil
	}
	out := make([]byte, 0, end-offset)
	for _, c := range chunks {
		pt, ok := chunkPlaintexts[c.ID]
		if !ok {
			continue
		}
		chunkStart := c.OffsetInFile
		chunkEnd := c.OffsetInFile + c.OriginalSize

		sliceStart := int64(0)
		if offset > chunkStart {
			sliceStart = offset - chunkStart
		}
		sliceEnd := int64(len(pt))
		if end < chunkEnd {
			sliceEnd = end - chunkStart
		}
		if sliceStart < 0 || sliceEnd > int64(len(pt)) || sliceStart >= sliceEnd {
			continue
		}
		out = append(out, pt[sliceStart:sliceEnd]...)
	}
	return out
}
