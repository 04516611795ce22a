// Package backend implements spec.md §6's remote-backend trait: a single
// account client exposing upload/download/delete/list against opaque blob
// storage, plus a reference S3-compatible implementation and an in-memory
// fake for tests. The remote-backend protocol itself is explicitly out of
// scope (spec.md §1's "deliberately excluded"); this package only needs to
// satisfy the trait, which is why Account is intentionally this narrow.
package backend

import (
	"context"
	"strconv"
)

// ObjectInfo describes one stored blob as returned by List.
type ObjectInfo struct {
	MessageID int64
	Filename  string
	Size      int64
	Date      int64 // unix seconds
}

// Account is the remote-backend trait from spec.md §6: four blocking
// methods against one account's opaque blob store, returning integer
// message handles.
type Account interface {
	// Upload stores bytes under filename and returns an opaque message id.
	Upload(ctx context.Context, filename string, data []byte) (messageID int64, err error)
	// Download fetches bytes previously stored under messageID.
	Download(ctx context.Context, messageID int64) ([]byte, error)
	// Delete removes the blob with the given messageID.
	Delete(ctx context.Context, messageID int64) error
	// List enumerates every blob currently stored in this account.
	List(ctx context.Context) ([]ObjectInfo, error)
}

// ChunkFilename builds the discriminating filename for one data block of a
// chunk: spec.md §6's "tgfs_chunk_<chunkid>" prefix with the block index
// appended, "tgfs_chunk_<chunkid>_<blockIndex>".
func ChunkFilename(chunkID string, blockIndex int) string {
	return "tgfs_chunk_" + chunkID + "_" + strconv.Itoa(blockIndex)
}

// MetaFilename builds the discriminating filename for a metadata snapshot,
// spec.md §6: "tgfs_meta_<name>".
func MetaFilename(name string) string {
	return "tgfs_meta_" + name
}
