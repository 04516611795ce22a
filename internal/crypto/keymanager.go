package crypto

import "context"

// KeyManager abstracts an external Key Management System (KMS) that wraps
// and unwraps the engine's master key, used when config's
// encryption.kms_enabled is set. Most deployments derive the master key
// straight from a password via DeriveMaster and never need a KeyManager;
// it exists for operators who want the master key to never touch disk
// unwrapped even transiently.
//
// Implementations must never expose plaintext master keys outside of
// UnwrapKey's return value and must ensure that all cryptographic
// operations happen within the KMS (for example via KMIP, AWS KMS, or Vault
// Transit).
type KeyManager interface {
	// Provider returns a short identifier (e.g. "kmip") used for diagnostics and metadata.
	Provider() string

	// WrapKey encrypts the provided plaintext master key and returns an
	// envelope suitable for persisting alongside the engine's metadata.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext contained in the given envelope and
	// returns the plaintext master key.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary wrapping key.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies that the KMS is accessible and operational
	// without performing an actual wrap/unwrap.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// KeyEnvelope captures the information required to unwrap a wrapped master key.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// MetaKeyVersion is the metadata-store key recording which wrapping key
// protected the currently active master key envelope.
const MetaKeyVersion = "chunkvault.encryption_key_version"
