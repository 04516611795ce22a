package chunkstore

import (
	"io"
)

// Chunker splits file bytes into fixed-size, content-addressed chunks. The
// final chunk of a file is short; chunk_size is configurable and capped at
// the remote backend's per-blob limit by the caller (spec.md §4.2).
type Chunker struct {
	chunkSize int64
}

// NewChunker constructs a Chunker with the given fixed chunk size. chunkSize
// must be positive; callers validate this via config.Validate before
// reaching here.
func NewChunker(chunkSize int64) *Chunker {
	return &Chunker{chunkSize: chunkSize}
}

// ChunkData splits data into content-addressed chunks starting at
// offset zero. An empty input yields zero chunks (spec.md §8 boundary case:
// empty file).
func (c *Chunker) ChunkData(data []byte) []Chunk {
	if len(data) == 0 {
		return nil
	}
	chunks := make([]Chunk, 0, (int64(len(data))+c.chunkSize-1)/c.chunkSize)
	var offset int64
	for offset < int64(len(data)) {
		end := offset + c.chunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		slice := data[offset:end]
		chunks = append(chunks, Chunk{
			ID:           HashPlaintext(slice),
			OffsetInFile: offset,
			OriginalSize: int64(len(slice)),
			Bytes:        slice,
		})
		offset = end
	}
	return chunks
}

// ChunkReader reads fixed-size chunks from r until EOF and returns them all
// at once, so every chunk's bytes are held in memory together.
func (c *Chunker) ChunkReader(r io.Reader) ([]Chunk, error) {
	var chunks []Chunk
	var offset int64
	buf := make([]byte, c.chunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			slice := make([]byte, n)
			copy(slice, buf[:n])
			chunks = append(chunks, Chunk{
				ID:           HashPlaintext(slice),
				OffsetInFile: offset,
				OriginalSize: int64(n),
				Bytes:        slice,
			})
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// FileHash computes the content hash of a full file's bytes, used to
// populate ChunkManifest.FileHash and to verify reassembly.
func FileHash(data []byte) string {
	return string(HashPlaintext(data))
}

// Reassemble concatenates chunks in offset order and returns the plaintext,
// verifying that the result hashes to wantFileHash.
func Reassemble(chunks []Chunk, wantFileHash string) ([]byte, error) {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sortChunksByOffset(sorted)

	var total int64
	for _, c := range sorted {
		total += c.OriginalSize
	}
	out := make([]byte, 0, total)
	for _, c := range sorted {
		out = append(out, c.Bytes...)
	}

	got := FileHash(out)
	if wantFileHash != "" && got != wantFileHash {
		return nil, &ReassemblyError{Want: wantFileHash, Got: got}
	}
	return out, nil
}

// ReassemblyError reports a file_hash mismatch after reassembly.
type ReassemblyError struct {
	Want, Got string
}

func (e *ReassemblyError) Error() string {
	return "chunkstore: reassembled file hash " + e.Got + " does not match manifest hash " + e.Want
}

func sortChunksByOffset(chunks []Chunk) {
	// insertion sort: manifests are already nearly sorted in practice and
	// chunk counts per file rarely justify sort.Slice's overhead here.
	for i := 1; i < len(chunks); i++ {
		for j := i; j > 0 && chunks[j-1].OffsetInFile > chunks[j].OffsetInFile; j-- {
			chunks[j-1], chunks[j] = chunks[j], chunks[j-1]
		}
	}
}
