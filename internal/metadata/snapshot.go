package metadata

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kenneth/chunkvault/internal/chunkerr"
)

// TreeSnapshot is an immutable, serialized copy of the entire inode tree at
// the moment it was taken (spec.md §4.7). Chunks are never copied — they are
// immutable and content-addressed, so a snapshot only needs to remember
// which inodes existed and how they were linked.
type TreeSnapshot struct {
	SnapshotID  string
	TakenAt     time.Time
	NextVersion uint64
	Inodes      []Inode
}

func snapshotKey(id string) []byte { return []byte(id) }

// TakeSnapshot walks every inode currently stored, bundles them into a
// TreeSnapshot, and persists it (sealed, like every other value in this
// store) under id.
func (s *Store) TakeSnapshot(id string) (*TreeSnapshot, error) {
	snap := &TreeSnapshot{SnapshotID: id, TakenAt: time.Now()}

	// Walks bucketInodes inline rather than through ForEachInode: this must
	// stay in the same read-write transaction as the Put below so a
	// concurrent write can't land between the walk and the snapshot commit.
	err := s.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInodes)
		c := b.Cursor()
		for k, blob := c.First(); k != nil; k, blob = c.Next() {
			plaintext, err := s.open(blob)
			if err != nil {
				return err
			}
			var inode Inode
			if err := json.Unmarshal(plaintext, &inode); err != nil {
				return chunkerr.Wrap(chunkerr.KindSerialization, "unmarshaling inode for snapshot", err)
			}
			snap.Inodes = append(snap.Inodes, inode)
		}
		snap.NextVersion = s.nextIno.Load()

		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("metadata: marshaling snapshot %s: %w", id, err)
		}
		sealed, err := s.seal(data)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshots).Put(snapshotKey(id), sealed)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// GetSnapshot reads and unseals the snapshot stored under id.
func (s *Store) GetSnapshot(id string) (*TreeSnapshot, error) {
	var snap TreeSnapshot
	err := s.View(func(tx *bbolt.Tx) error {
		blob := tx.Bucket(bucketSnapshots).Get(snapshotKey(id))
		if blob == nil {
			return chunkerr.New(chunkerr.KindInodeNotFound, "no such snapshot").WithFields(map[string]any{"snapshot_id": id})
		}
		plaintext, err := s.open(blob)
		if err != nil {
			return err
		}
		return json.Unmarshal(plaintext, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns the ids of every snapshot currently stored.
func (s *Store) ListSnapshots() ([]string, error) {
	var ids []string
	err := s.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// DeleteSnapshot removes a stored snapshot. It does not affect chunks or
// any inode currently live in the tree.
func (s *Store) DeleteSnapshot(id string) error {
	return s.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete(snapshotKey(id))
	})
}

// RestoreSnapshot replaces the live inode tree and path index with the
// contents of the named snapshot, re-rooting the metadata store in one
// batch. Chunks referenced only by inodes written after the snapshot are
// left in place, storable but unreferenced, per spec.md §4.7 — garbage
// collecting them is a separate, explicit operation.
func (s *Store) RestoreSnapshot(id string) error {
	snap, err := s.GetSnapshot(id)
	if err != nil {
		return err
	}

	return s.Update(func(tx *bbolt.Tx) error {
		inodeBucket := tx.Bucket(bucketInodes)
		pathBucket := tx.Bucket(bucketPathIndex)

		if err := clearBucket(inodeBucket); err != nil {
			return err
		}
		if err := clearBucket(pathBucket); err != nil {
			return err
		}

		for _, inode := range snap.Inodes {
			inode := inode
			if err := s.PutInode(tx, &inode); err != nil {
				return err
			}
			if inode.Ino != RootIno {
				if err := s.PutPathIndex(tx, inode.Parent, inode.Name, inode.Ino); err != nil {
					return err
				}
			}
		}
		s.nextIno.Store(snap.NextVersion)
		return nil
	})
}

func clearBucket(b *bbolt.Bucket) error {
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}
