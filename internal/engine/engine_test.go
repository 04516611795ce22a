package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/config"
	"github.com/kenneth/chunkvault/internal/crypto"
	"github.com/kenneth/chunkvault/internal/metadata"
	"github.com/kenneth/chunkvault/internal/pool"
)

func newTestEngine(t *testing.T, k, n int) (*Engine, map[int]*backend.MemoryAccount, func()) {
	t.Helper()

	cfg := config.Default()
	cfg.Raid.K = k
	cfg.Raid.N = n
	cfg.Raid.Accounts = nil
	for i := 0; i < n; i++ {
		cfg.Raid.Accounts = append(cfg.Raid.Accounts, config.AccountConfig{ID: i})
	}
	cfg.Chunk.ChunkSize = 16
	cfg.Chunk.CompressionThreshold = 8
	cfg.Versioning.MaxVersions = 2

	accounts := make(map[int]backend.Account, n)
	memAccounts := make(map[int]*backend.MemoryAccount, n)
	for i := 0; i < n; i++ {
		mem := backend.NewMemoryAccount()
		accounts[i] = mem
		memAccounts[i] = mem
	}
	p := pool.New(accounts, cfg.Retry, nil)

	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	master, err := crypto.DeriveMaster("hunter2", salt, crypto.KDFParams{MemoryKiB: 64, Iterations: 1, Parallelism: 1})
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	store, err := metadata.Open(dbPath, master, salt, nil)
	require.NoError(t, err)
	require.NoError(t, store.Update(func(tx *bbolt.Tx) error {
		return store.PutInode(tx, metadata.NewRoot(1000, 1000, 0o755))
	}))

	e, err := New(cfg, store, p, master, salt, nil)
	require.NoError(t, err)

	return e, memAccounts, func() { store.Close() }
}

func mustCreateFile(t *testing.T, e *Engine, name string) uint64 {
	t.Helper()
	f, err := e.store.CreateFile(metadata.RootIno, name, 1000, 1000, 0o644)
	require.NoError(t, err)
	return f.Ino
}

func TestWriteFlushReadRoundTrip(t *testing.T) {
	e, _, cleanup := newTestEngine(t, 3, 4)
	defer cleanup()

	ino := mustCreateFile(t, e, "a.bin")
	fh := e.Open(ino, os.O_WRONLY)

	payload := make([]byte, 5*1024*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, e.Write(fh, payload))
	require.NoError(t, e.Flush(context.Background(), fh))
	require.NoError(t, e.Release(context.Background(), fh))

	got, err := e.Read(context.Background(), ino, 0, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadPartialWindow(t *testing.T) {
	e, _, cleanup := newTestEngine(t, 3, 4)
	defer cleanup()

	ino := mustCreateFile(t, e, "b.bin")
	fh := e.Open(ino, os.O_WRONLY)

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated many times over")
	require.NoError(t, e.Write(fh, payload))
	require.NoError(t, e.Flush(context.Background(), fh))

	got, err := e.Read(context.Background(), ino, 4, 5)
	require.NoError(t, err)
	require.Equal(t, []byte("quick"), got)
}

func TestReadShortReadAtEOF(t *testing.T) {
	e, _, cleanup := newTestEngine(t, 3, 4)
	defer cleanup()

	ino := mustCreateFile(t, e, "c.bin")
	fh := e.Open(ino, os.O_WRONLY)
	payload := []byte("short file")
	require.NoError(t, e.Write(fh, payload))
	require.NoError(t, e.Flush(context.Background(), fh))

	got, err := e.Read(context.Background(), ino, 5, 1000)
	require.NoError(t, err)
	require.Equal(t, []byte("file"), got)
}

func TestDedupAcrossTwoFilesSkipsReupload(t *testing.T) {
	e, _, cleanup := newTestEngine(t, 3, 4)
	defer cleanup()

	payload := []byte("identical content shared by both files padded out a bit further")

	ino1 := mustCreateFile(t, e, "dup1.bin")
	fh1 := e.Open(ino1, os.O_WRONLY)
	require.NoError(t, e.Write(fh1, payload))
	require.NoError(t, e.Flush(context.Background(), fh1))

	ino2 := mustCreateFile(t, e, "dup2.bin")
	fh2 := e.Open(ino2, os.O_WRONLY)
	require.NoError(t, e.Write(fh2, payload))
	require.NoError(t, e.Flush(context.Background(), fh2))

	got1, err := e.Read(context.Background(), ino1, 0, int64(len(payload)))
	require.NoError(t, err)
	got2, err := e.Read(context.Background(), ino2, 0, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got1)
	require.Equal(t, payload, got2)
}

func TestRaid5SurvivesSingleAccountLoss(t *testing.T) {
	e, memAccounts, cleanup := newTestEngine(t, 3, 4)
	defer cleanup()

	ino := mustCreateFile(t, e, "resilient.bin")
	fh := e.Open(ino, os.O_WRONLY)
	payload := []byte("this file must survive the loss of exactly one account out of four")
	require.NoError(t, e.Write(fh, payload))
	require.NoError(t, e.Flush(context.Background(), fh))

	downed := e.pool.AccountIDs()[0]
	memAccounts[downed].SetUnavailable(true)
	for i := 0; i < 8; i++ {
		e.pool.Health().RecordFailure(downed)
	}

	got, err := e.Read(context.Background(), ino, 0, int64(len(payload)))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestVersionEvictionAtMaxVersions(t *testing.T) {
	e, _, cleanup := newTestEngine(t, 3, 4)
	defer cleanup()

	ino := mustCreateFile(t, e, "versioned.bin")
	for i := 0; i < 3; i++ {
		fh := e.Open(ino, os.O_WRONLY)
		require.NoError(t, e.Write(fh, []byte{byte(i), byte(i), byte(i)}))
		require.NoError(t, e.Flush(context.Background(), fh))
	}

	require.Equal(t, 2, e.versions.Count(ino)) // max_versions=2
	vs := e.versions.Versions(ino)
	require.Equal(t, uint64(2), vs[0].Version)
	require.Equal(t, uint64(3), vs[1].Version)
}
