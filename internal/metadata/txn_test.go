package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/kenneth/chunkvault/internal/chunkstore"
)

func TestCreateFileAddsToParentAndPathIndex(t *testing.T) {
	s := openTestStore(t)

	f, err := s.CreateFile(RootIno, "a.txt", 1000, 1000, 0o644)
	require.NoError(t, err)
	require.True(t, f.IsFile())

	err = s.View(func(tx *bbolt.Tx) error {
		ino, ok := s.LookupPath(tx, RootIno, "a.txt")
		require.True(t, ok)
		require.Equal(t, f.Ino, ino)

		root, e := s.GetInode(tx, RootIno)
		require.NoError(t, e)
		require.Contains(t, root.Children, f.Ino)
		return nil
	})
	require.NoError(t, err)
}

func TestCreateFileRejectsDuplicateName(t *testing.T) {
	s := openTestStore(t)
	_, err := s.CreateFile(RootIno, "dup.txt", 1000, 1000, 0o644)
	require.NoError(t, err)
	_, err = s.CreateFile(RootIno, "dup.txt", 1000, 1000, 0o644)
	require.Error(t, err)
}

func TestUnlinkRemovesFileAndIndexEntry(t *testing.T) {
	s := openTestStore(t)
	f, err := s.CreateFile(RootIno, "gone.txt", 1000, 1000, 0o644)
	require.NoError(t, err)

	require.NoError(t, s.Unlink(RootIno, "gone.txt"))

	err = s.View(func(tx *bbolt.Tx) error {
		_, ok := s.LookupPath(tx, RootIno, "gone.txt")
		require.False(t, ok)
		_, e := s.GetInode(tx, f.Ino)
		require.Error(t, e)
		return nil
	})
	require.NoError(t, err)
}

func TestUnlinkRejectsNonEmptyDirectory(t *testing.T) {
	s := openTestStore(t)
	dir, err := s.CreateDirectory(RootIno, "subdir", 1000, 1000, 0o755)
	require.NoError(t, err)
	_, err = s.CreateFile(dir.Ino, "child.txt", 1000, 1000, 0o644)
	require.NoError(t, err)

	err = s.Unlink(RootIno, "subdir")
	require.Error(t, err)
}

func TestRenameMovesAcrossDirectories(t *testing.T) {
	s := openTestStore(t)
	dir, err := s.CreateDirectory(RootIno, "dest", 1000, 1000, 0o755)
	require.NoError(t, err)
	f, err := s.CreateFile(RootIno, "move.txt", 1000, 1000, 0o644)
	require.NoError(t, err)

	require.NoError(t, s.Rename(RootIno, "move.txt", dir.Ino, "moved.txt"))

	err = s.View(func(tx *bbolt.Tx) error {
		_, ok := s.LookupPath(tx, RootIno, "move.txt")
		require.False(t, ok)
		ino, ok := s.LookupPath(tx, dir.Ino, "moved.txt")
		require.True(t, ok)
		require.Equal(t, f.Ino, ino)

		moved, e := s.GetInode(tx, f.Ino)
		require.NoError(t, e)
		require.Equal(t, dir.Ino, moved.Parent)
		require.Equal(t, "moved.txt", moved.Name)
		return nil
	})
	require.NoError(t, err)
}

func TestSetAttrPersistsMutation(t *testing.T) {
	s := openTestStore(t)
	f, err := s.CreateFile(RootIno, "attr.txt", 1000, 1000, 0o644)
	require.NoError(t, err)

	err = s.SetAttr(f.Ino, func(a *Attrs) { a.Perm = 0o600 })
	require.NoError(t, err)

	err = s.View(func(tx *bbolt.Tx) error {
		got, e := s.GetInode(tx, f.Ino)
		require.NoError(t, e)
		require.Equal(t, uint16(0o600), got.Attrs.Perm)
		return nil
	})
	require.NoError(t, err)
}

func TestCommitWriteUpdatesSizeAndVersion(t *testing.T) {
	s := openTestStore(t)
	f, err := s.CreateFile(RootIno, "data.bin", 1000, 1000, 0o644)
	require.NoError(t, err)

	manifest := chunkstore.ChunkManifest{TotalSize: 2048, FileHash: "abc"}
	require.NoError(t, s.CommitWrite(f.Ino, manifest))

	err = s.View(func(tx *bbolt.Tx) error {
		got, e := s.GetInode(tx, f.Ino)
		require.NoError(t, e)
		require.Equal(t, uint64(2048), got.Attrs.Size)
		require.Equal(t, uint64(1), got.Version)
		require.NotNil(t, got.Manifest)
		require.Equal(t, "abc", got.Manifest.FileHash)
		return nil
	})
	require.NoError(t, err)
}
