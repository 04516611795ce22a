package crypto

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/kmipserver"
	"github.com/ovh/kmip-go/kmiptest"
	"github.com/ovh/kmip-go/payloads"
	"github.com/stretchr/testify/require"
)

func newTestKMIPManager(t *testing.T) *CosmianKMIPManager {
	t.Helper()
	exec := kmipserver.NewBatchExecutor()
	h := &stubKMIPVault{}
	exec.Route(kmip.OperationEncrypt, kmipserver.HandleFunc(h.encrypt))
	exec.Route(kmip.OperationDecrypt, kmipserver.HandleFunc(h.decrypt))
	exec.Route(kmip.OperationGet, kmipserver.HandleFunc(h.get))

	addr, ca := kmiptest.NewServer(t, exec)
	mgr, err := NewCosmianKMIPManager(CosmianKMIPOptions{
		Endpoint: addr,
		Keys: []KMIPKeyReference{
			{ID: "chunkvault-master-key", Version: 3},
		},
		TLSConfig:      tlsConfigFromCA(t, ca),
		Timeout:        time.Second,
		Provider:       "cosmian-kmip",
		DualReadWindow: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return mgr
}

func TestCosmianKMIPManagerRoundTripsAMasterKey(t *testing.T) {
	mgr := newTestKMIPManager(t)

	masterKeyBytes := make([]byte, KeySize)
	for i := range masterKeyBytes {
		masterKeyBytes[i] = byte(i)
	}

	env, err := mgr.WrapKey(context.Background(), masterKeyBytes, nil)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.NotEmpty(t, env.Ciphertext)
	require.Equal(t, 3, env.KeyVersion)
	require.Equal(t, "cosmian-kmip", env.Provider)

	unwrapped, err := mgr.UnwrapKey(context.Background(), env, nil)
	require.NoError(t, err)
	require.Equal(t, masterKeyBytes, unwrapped)
}

func TestCosmianKMIPManagerUnwrapFallsBackToVersionLookup(t *testing.T) {
	mgr := newTestKMIPManager(t)

	env, err := mgr.WrapKey(context.Background(), []byte("thirty-two-byte-master-key-here"), nil)
	require.NoError(t, err)

	env.KeyID = "" // simulate an envelope that only carries a version, not an id
	unwrapped, err := mgr.UnwrapKey(context.Background(), env, nil)
	require.NoError(t, err)
	require.Equal(t, "thirty-two-byte-master-key-here", string(unwrapped))
}

func TestCosmianKMIPManagerActiveKeyVersion(t *testing.T) {
	mgr := newTestKMIPManager(t)

	version, err := mgr.ActiveKeyVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, version)
}

// TestResolveMasterKeyWithoutKeyManagerDerivesDirectly covers the KMS-less
// deployment path: no envelope is produced, and the same passphrase+salt
// always reproduce the same master key.
func TestResolveMasterKeyWithoutKeyManagerDerivesDirectly(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	params := KDFParams{MemoryKiB: 64, Iterations: 1, Parallelism: 1}

	mk1, env, err := ResolveMasterKey(context.Background(), nil, "hunter2", salt, params, nil)
	require.NoError(t, err)
	require.Nil(t, env)

	mk2, _, err := ResolveMasterKey(context.Background(), nil, "hunter2", salt, params, nil)
	require.NoError(t, err)
	require.Equal(t, mk1.Bytes(), mk2.Bytes())
}

// TestResolveMasterKeyWithKeyManagerMintsThenReusesEnvelope covers the
// first-run-mints, later-runs-unwrap lifecycle ResolveMasterKey implements
// around a KeyManager.
func TestResolveMasterKeyWithKeyManagerMintsThenReusesEnvelope(t *testing.T) {
	km := &recordingKeyManager{provider: "fake-kms"}
	salt, err := GenerateSalt()
	require.NoError(t, err)
	params := KDFParams{MemoryKiB: 64, Iterations: 1, Parallelism: 1}

	firstKey, env, err := ResolveMasterKey(context.Background(), km, "hunter2", salt, params, nil)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, 1, km.wrapCalls)

	secondKey, gotEnv, err := ResolveMasterKey(context.Background(), km, "hunter2", salt, params, env)
	require.NoError(t, err)
	require.Same(t, env, gotEnv)
	require.Equal(t, firstKey.Bytes(), secondKey.Bytes())
	require.Equal(t, 1, km.unwrapCalls)
}

// recordingKeyManager is a minimal in-memory KeyManager stand-in: WrapKey
// "encrypts" by storing the plaintext behind an opaque id, UnwrapKey looks
// it back up. Exercises ResolveMasterKey's control flow without standing up
// a KMIP server.
type recordingKeyManager struct {
	provider               string
	wrapCalls, unwrapCalls int
	stored                 []byte
}

func (k *recordingKeyManager) Provider() string { return k.provider }

func (k *recordingKeyManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	k.wrapCalls++
	k.stored = append([]byte(nil), plaintext...)
	return &KeyEnvelope{KeyID: "fake-1", KeyVersion: 1, Provider: k.provider, Ciphertext: k.stored}, nil
}

func (k *recordingKeyManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	k.unwrapCalls++
	return append([]byte(nil), k.stored...), nil
}

func (k *recordingKeyManager) ActiveKeyVersion(ctx context.Context) (int, error) { return 1, nil }
func (k *recordingKeyManager) HealthCheck(ctx context.Context) error            { return nil }
func (k *recordingKeyManager) Close(ctx context.Context) error                  { return nil }

// stubKMIPVault answers KMIP Encrypt/Decrypt with a reversible XOR and Get
// with a bare symmetric-key object, enough for CosmianKMIPManager's wrap,
// unwrap, and health-check paths to exercise against.
type stubKMIPVault struct{}

func (v *stubKMIPVault) encrypt(_ context.Context, req *payloads.EncryptRequestPayload) (*payloads.EncryptResponsePayload, error) {
	return &payloads.EncryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             xorBytes(req.Data),
	}, nil
}

func (v *stubKMIPVault) decrypt(_ context.Context, req *payloads.DecryptRequestPayload) (*payloads.DecryptResponsePayload, error) {
	return &payloads.DecryptResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		Data:             xorBytes(req.Data),
	}, nil
}

func (v *stubKMIPVault) get(_ context.Context, req *payloads.GetRequestPayload) (*payloads.GetResponsePayload, error) {
	return &payloads.GetResponsePayload{
		UniqueIdentifier: req.UniqueIdentifier,
		ObjectType:       kmip.ObjectTypeSymmetricKey,
	}, nil
}

func xorBytes(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ 0x5c
	}
	return out
}

func tlsConfigFromCA(t *testing.T, pem string) *tls.Config {
	t.Helper()
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM([]byte(pem)))
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}
}
