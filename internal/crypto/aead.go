package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/kenneth/chunkvault/internal/chunkerr"
)

// NonceSize is the width in bytes of the AEAD nonce (spec.md §4.1: "96-bit nonce").
const NonceSize = 12

// Sealed is the on-the-wire/on-disk form of an AEAD-encrypted blob: nonce
// prepended to ciphertext||tag, exactly as the donor's crypto.AEAD boundary
// type already represents a sealed value.
type Sealed struct {
	Nonce      [NonceSize]byte
	Ciphertext []byte // ciphertext || 16-byte GCM tag
}

// Marshal concatenates nonce and ciphertext for storage.
func (s *Sealed) Marshal() []byte {
	out := make([]byte, 0, NonceSize+len(s.Ciphertext))
	out = append(out, s.Nonce[:]...)
	out = append(out, s.Ciphertext...)
	return out
}

// Unmarshal splits a stored blob back into nonce and ciphertext.
func Unmarshal(blob []byte) (*Sealed, error) {
	if len(blob) < NonceSize {
		return nil, chunkerr.New(chunkerr.KindDecryption, "sealed blob shorter than nonce")
	}
	s := &Sealed{Ciphertext: blob[NonceSize:]}
	copy(s.Nonce[:], blob[:NonceSize])
	return s, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindKeyDerivation, "constructing AES block cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindKeyDerivation, "constructing GCM AEAD", err)
	}
	return gcm, nil
}

// Encrypt implements spec.md's `encrypt(key, plaintext, aad) -> {nonce, ciphertext||tag}`.
// The nonce MUST NOT repeat for a given key; it is drawn fresh from
// crypto/rand on every call.
func Encrypt(key, plaintext, aad []byte) (*Sealed, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	s := &Sealed{}
	if _, err := rand.Read(s.Nonce[:]); err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindKeyDerivation, "generating nonce", err)
	}
	s.Ciphertext = gcm.Seal(nil, s.Nonce[:], plaintext, aad)
	return s, nil
}

// Decrypt implements spec.md's `decrypt(key, blob, aad) -> plaintext`, failing
// with KindDecryption on tag mismatch — a non-recoverable, user-visible error.
func Decrypt(key []byte, s *Sealed, aad []byte) ([]byte, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, s.Nonce[:], s.Ciphertext, aad)
	if err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindDecryption, "AEAD tag verification failed", err)
	}
	return plaintext, nil
}

// DecryptWithMigration implements spec.md's purpose-string migration: try
// the new-epoch subkey first; on failure, retry with the old-epoch subkey.
// It returns the plaintext, whether the old subkey was the one that worked
// (signalling the caller should opportunistically re-encrypt on next
// write), and an error if neither subkey could open the blob.
//
// Per §9's "must not loop" note, each blob is classified at most once per
// call: there is no third attempt, no retry-on-retry. An unrecognized blob
// surfaces as a Decryption error.
func DecryptWithMigration(master *MasterKey, salt []byte, purposeOf func(PurposeEpoch) string, blob []byte, aad []byte) (plaintext []byte, usedOld bool, err error) {
	sealed, err := Unmarshal(blob)
	if err != nil {
		return nil, false, err
	}

	newKey, err := Subkey(master, salt, purposeOf(PurposeEpochNew))
	if err != nil {
		return nil, false, err
	}
	defer zeroize(newKey)

	if pt, e := Decrypt(newKey, sealed, aad); e == nil {
		return pt, false, nil
	}

	oldKey, err := Subkey(master, salt, purposeOf(PurposeEpochOld))
	if err != nil {
		return nil, false, err
	}
	defer zeroize(oldKey)

	pt, e := Decrypt(oldKey, sealed, aad)
	if e != nil {
		return nil, false, chunkerr.New(chunkerr.KindDecryption, "blob does not decrypt under old or new purpose subkey")
	}
	return pt, true, nil
}
