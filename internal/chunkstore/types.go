// Package chunkstore implements the chunking, compression, and
// deduplication pipeline: splitting file bytes into fixed-size,
// content-addressed chunks, optionally compressing them, tracking which
// chunk ids are already stored, and reassembling/verifying manifests on
// read. Grounded on original_source/src/chunk/{chunker.rs,compression.rs,mod.rs}.
package chunkstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ChunkID is the lowercase hex of a 256-bit hash of plaintext chunk bytes
// (spec.md §3). Identical plaintext always yields identical ChunkID,
// which is what makes deduplication possible.
type ChunkID string

// HashPlaintext computes the ChunkID of plaintext.
func HashPlaintext(plaintext []byte) ChunkID {
	sum := sha256.Sum256(plaintext)
	return ChunkID(hex.EncodeToString(sum[:]))
}

// Chunk is a plaintext slice produced by the chunker during a write. It is
// destroyed after encryption; nothing downstream retains Chunk.Bytes.
type Chunk struct {
	ID            ChunkID
	OffsetInFile  int64
	OriginalSize  int64
	Bytes         []byte
}

// Verify checks the chunker's own invariant: id == H(bytes).
func (c Chunk) Verify() error {
	if HashPlaintext(c.Bytes) != c.ID {
		return fmt.Errorf("chunkstore: chunk %s fails self-hash check", c.ID)
	}
	return nil
}
