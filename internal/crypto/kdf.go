package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"golang.org/x/crypto/argon2"
)

// KeySize is the width in bytes of a MasterKey and every derived subkey.
const KeySize = 32

// SaltSize is the width in bytes of the Argon2id salt.
const SaltSize = 16

// KDFParams holds the memory-hard KDF tuning persisted in config so the
// same password always reproduces the same MasterKey (spec.md §4.1).
type KDFParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// MasterKey is the 256-bit root key derived from the user's password. It
// must be zeroized via Zero() as soon as it leaves scope.
type MasterKey struct {
	key [KeySize]byte
}

// Bytes exposes the raw key material; callers must not retain the slice
// past the MasterKey's lifetime.
func (m *MasterKey) Bytes() []byte { return m.key[:] }

// MasterKeyFromBytes wraps raw key material unwrapped from a KeyManager
// envelope into a MasterKey, for deployments where the master key never
// goes through DeriveMaster at all.
func MasterKeyFromBytes(raw []byte) (*MasterKey, error) {
	if len(raw) != KeySize {
		return nil, chunkerr.New(chunkerr.KindKeyDerivation, fmt.Sprintf("master key must be %d bytes, got %d", KeySize, len(raw)))
	}
	mk := &MasterKey{}
	copy(mk.key[:], raw)
	return mk, nil
}

// Zero overwrites the key material in place.
func (m *MasterKey) Zero() {
	zeroize(m.key[:])
}

// GenerateSalt returns a fresh cryptographically random salt for first-time
// initialization.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindKeyDerivation, "generating salt", err)
	}
	return salt, nil
}

// DeriveMaster implements spec.md's `derive_master(password, salt, params) ->
// MasterKey` contract using Argon2id, the memory-hard KDF the donor's
// golang.org/x/crypto dependency already ships.
func DeriveMaster(password string, salt []byte, params KDFParams) (*MasterKey, error) {
	if len(salt) == 0 {
		return nil, chunkerr.New(chunkerr.KindKeyDerivation, "salt must not be empty")
	}
	if params.MemoryKiB == 0 || params.Iterations == 0 || params.Parallelism == 0 {
		return nil, chunkerr.New(chunkerr.KindKeyDerivation, fmt.Sprintf("invalid KDF params: %+v", params))
	}

	raw := argon2.IDKey([]byte(password), salt, params.Iterations, params.MemoryKiB, params.Parallelism, KeySize)
	defer zeroize(raw)

	mk := &MasterKey{}
	copy(mk.key[:], raw)
	return mk, nil
}

// zeroize overwrites b in place. It is a plain loop rather than a vendored
// "secure memory" library: the donor's own buffer_pool.go zeroizes pooled
// buffers the same way before returning them to sync.Pool.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
