package chunkstore

import (
	"bytes"

	"github.com/pierrec/lz4/v4"
)

// CompressIfWorthwhile implements spec.md §4.2's compression gate:
// compression is applied iff plaintext is at least threshold bytes AND the
// compressed result is strictly smaller than the plaintext. It returns the
// bytes to store and whether compression was applied — the `compressed`
// flag callers must persist on the ChunkRef, since decompression is driven
// by that flag and never by sniffing the stored bytes.
func CompressIfWorthwhile(plaintext []byte, threshold int64) (stored []byte, compressed bool, err error) {
	if int64(len(plaintext)) < threshold {
		return plaintext, false, nil
	}

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plaintext); err != nil {
		return nil, false, err
	}
	if err := w.Close(); err != nil {
		return nil, false, err
	}

	if buf.Len() >= len(plaintext) {
		return plaintext, false, nil
	}
	return buf.Bytes(), true, nil
}

// Decompress reverses CompressIfWorthwhile. It must only be called when the
// caller's persisted `compressed` flag is true.
func Decompress(stored []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(stored))
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
