package crypto

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one wrapping key known to the KMIP server, along
// with the version chunkvault should record against envelopes it mints.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager. Cosmian's KMIP
// implementation is the only KMS chunkvault speaks to directly; other
// providers (AWS KMS, Vault Transit) are left as future KeyManager
// implementations per the interface's own doc comment.
type CosmianKMIPOptions struct {
	Endpoint  string
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string

	// DualReadWindow is how many of the most recent prior key versions
	// UnwrapKey still accepts when the envelope's KeyID is absent (legacy
	// envelopes written before a version bump) or does not resolve against
	// the configured Keys.
	DualReadWindow int
}

// CosmianKMIPManager implements KeyManager by wrapping/unwrapping the
// engine's master key through a Cosmian KMIP server using
// github.com/ovh/kmip-go.
type CosmianKMIPManager struct {
	mu       sync.RWMutex
	client   *kmip.Client
	keys     []KMIPKeyReference
	provider string
	timeout  time.Duration
	window   int
}

// NewCosmianKMIPManager dials the KMIP endpoint and returns a ready manager.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if opts.Endpoint == "" {
		return nil, chunkerr.New(chunkerr.KindConfig, "kmip: endpoint is required")
	}
	if len(opts.Keys) == 0 {
		return nil, chunkerr.New(chunkerr.KindConfig, "kmip: at least one key reference is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	provider := opts.Provider
	if provider == "" {
		provider = "cosmian-kmip"
	}

	client, err := kmip.DialContext(context.Background(), "tcp", opts.Endpoint, &kmip.ClientOptions{
		TLSConfig: opts.TLSConfig,
		Timeout:   timeout,
	})
	if err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindConfig, "kmip: dialing server", err)
	}

	keys := make([]KMIPKeyReference, len(opts.Keys))
	copy(keys, opts.Keys)

	return &CosmianKMIPManager{
		client:   client,
		keys:     keys,
		provider: provider,
		timeout:  timeout,
		window:   opts.DualReadWindow,
	}, nil
}

func (m *CosmianKMIPManager) Provider() string { return m.provider }

func (m *CosmianKMIPManager) activeKey() KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[len(m.keys)-1]
}

func (m *CosmianKMIPManager) keyByID(id string) (KMIPKeyReference, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.keys {
		if k.ID == id {
			return k, true
		}
	}
	return KMIPKeyReference{}, false
}

// WrapKey encrypts plaintext under the active wrapping key via the KMIP
// Encrypt operation.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	active := m.activeKey()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	resp, err := m.client.Encrypt(ctx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: active.ID,
		Data:             plaintext,
	})
	if err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindConfig, "kmip: encrypt", err)
	}

	return &KeyEnvelope{
		KeyID:      active.ID,
		KeyVersion: active.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts the envelope's ciphertext via the KMIP Decrypt
// operation. If the envelope carries no KeyID (older format, or one from a
// process that did not persist it), it falls back to the most recent key
// versions within DualReadWindow.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	candidates := []KMIPKeyReference{}
	if envelope.KeyID != "" {
		if k, ok := m.keyByID(envelope.KeyID); ok {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		m.mu.RLock()
		n := len(m.keys)
		window := m.window
		if window <= 0 || window > n {
			window = n
		}
		for i := n - window; i < n; i++ {
			candidates = append(candidates, m.keys[i])
		}
		m.mu.RUnlock()
	}

	var lastErr error
	for _, k := range candidates {
		resp, err := m.client.Decrypt(ctx, &payloads.DecryptRequestPayload{
			UniqueIdentifier: k.ID,
			Data:             envelope.Ciphertext,
		})
		if err != nil {
			lastErr = err
			continue
		}
		return resp.Data, nil
	}
	return nil, chunkerr.Wrap(chunkerr.KindDecryption, "kmip: no candidate key could decrypt envelope", lastErr)
}

// ActiveKeyVersion returns the version of the most recently configured key.
func (m *CosmianKMIPManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	return m.activeKey().Version, nil
}

// HealthCheck performs a lightweight KMIP Get on the active key to confirm
// the server is reachable and the key exists.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	active := m.activeKey()
	if _, err := m.client.Get(ctx, &payloads.GetRequestPayload{UniqueIdentifier: active.ID}); err != nil {
		return chunkerr.Wrap(chunkerr.KindRemoteTransient, fmt.Sprintf("kmip: health check against key %s", active.ID), err)
	}
	return nil
}

// Close releases the underlying KMIP connection.
func (m *CosmianKMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}
