package metadata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	salt, err := crypto.GenerateSalt()
	require.NoError(t, err)
	master, err := crypto.DeriveMaster("hunter2", salt, crypto.KDFParams{MemoryKiB: 64, Iterations: 1, Parallelism: 1})
	require.NoError(t, err)
	s, err := Open(path, master, salt, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Update(func(tx *bbolt.Tx) error {
		return s.PutInode(tx, NewRoot(1000, 1000, 0o755))
	}))
	return s
}

func TestPutGetInodeRoundTrip(t *testing.T) {
	s := openTestStore(t)

	err := s.Update(func(tx *bbolt.Tx) error {
		return s.PutInode(tx, NewFile(2, RootIno, "a.txt", 1000, 1000, 0o644))
	})
	require.NoError(t, err)

	var got *Inode
	err = s.View(func(tx *bbolt.Tx) error {
		var e error
		got, e = s.GetInode(tx, 2)
		return e
	})
	require.NoError(t, err)
	require.Equal(t, "a.txt", got.Name)
	require.True(t, got.IsFile())
}

func TestGetInodeMissingReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.View(func(tx *bbolt.Tx) error {
		_, e := s.GetInode(tx, 999)
		return e
	})
	require.Error(t, err)
	require.Equal(t, chunkerr.KindInodeNotFound, chunkerr.KindOf(err))
}

func TestPathIndexLookup(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(func(tx *bbolt.Tx) error {
		return s.PutPathIndex(tx, RootIno, "file.txt", 5)
	})
	require.NoError(t, err)

	err = s.View(func(tx *bbolt.Tx) error {
		ino, ok := s.LookupPath(tx, RootIno, "file.txt")
		require.True(t, ok)
		require.Equal(t, uint64(5), ino)
		return nil
	})
	require.NoError(t, err)
}

func TestNextInoIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	a := s.NextIno()
	b := s.NextIno()
	require.Greater(t, b, a)
}

func TestSealedValuesAreNotPlaintextOnDisk(t *testing.T) {
	s := openTestStore(t)
	err := s.Update(func(tx *bbolt.Tx) error {
		return s.PutInode(tx, NewFile(2, RootIno, "secret-name.txt", 1000, 1000, 0o644))
	})
	require.NoError(t, err)

	err = s.View(func(tx *bbolt.Tx) error {
		blob := tx.Bucket(bucketInodes).Get(inoKey(2))
		require.NotContains(t, string(blob), "secret-name.txt")
		return nil
	})
	require.NoError(t, err)
}
