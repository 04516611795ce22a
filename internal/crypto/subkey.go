package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"golang.org/x/crypto/hkdf"
)

// PurposeEpoch distinguishes the old and new purpose-string schemes so the
// engine can migrate between them without guessing which one produced a
// given ciphertext (spec.md §4.1 "Purpose-string migration").
type PurposeEpoch int

const (
	PurposeEpochOld PurposeEpoch = iota
	PurposeEpochNew
)

// purposePrefix returns the epoch's literal prefix. These exact strings are
// carried forward from the donor's own metadata purpose constants so an
// engine opened against data encrypted under the old scheme can still
// decrypt it.
func purposePrefix(epoch PurposeEpoch) string {
	switch epoch {
	case PurposeEpochOld:
		return "telegramfs"
	default:
		return "tgcryptfs"
	}
}

// MetadataPurpose returns the versioned purpose string for metadata-tree
// entries under the given epoch, e.g. "tgcryptfs-metadata-v1".
func MetadataPurpose(epoch PurposeEpoch) string {
	return fmt.Sprintf("%s-metadata-v1", purposePrefix(epoch))
}

// ChunkPurpose returns the versioned, chunk-id-bound purpose string used to
// derive a chunk's AEAD subkey.
func ChunkPurpose(epoch PurposeEpoch, chunkID string) string {
	return fmt.Sprintf("%s-chunk:%s-v1", purposePrefix(epoch), chunkID)
}

// MachinePurpose returns the versioned purpose string for a machine-bound
// subkey, e.g. used to wrap local cache sidecar metadata.
func MachinePurpose(epoch PurposeEpoch, machineUUID string) string {
	return fmt.Sprintf("%s-machine:%s-v1", purposePrefix(epoch), machineUUID)
}

// Subkey implements spec.md's `subkey(master, salt, purpose) -> 256-bit key`
// contract: deterministic extract-then-expand HKDF-SHA256 over the master
// key, salted and bound to purpose as HKDF's info parameter.
func Subkey(master *MasterKey, salt []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, master.Bytes(), salt, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindKeyDerivation, "expanding subkey for purpose "+purpose, err)
	}
	return key, nil
}
