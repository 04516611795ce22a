package metadata

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/crypto"
)

// Bucket names: four trees as spec.md §4.6 requires — inodes keyed by ino,
// a path index mapping "<parent>/<name>" to ino, version history keyed by
// ino, and named snapshots.
var (
	bucketInodes     = []byte("inodes")
	bucketPathIndex  = []byte("path_index")
	bucketVersions   = []byte("versions")
	bucketSnapshots  = []byte("snapshots")
	bucketSchema     = []byte("schema")
	schemaVersionKey = []byte("version")
	keyEnvelopeKey   = []byte(crypto.MetaKeyVersion)
)

// CurrentSchemaVersion is bumped whenever the on-disk encoding changes in a
// way that requires migration.
const CurrentSchemaVersion uint32 = 1

// sealedBuckets lists every bucket whose values are AEAD-sealed and
// therefore candidates for MigrateSealedValues; bucketPathIndex and
// bucketSchema hold raw, unsealed bytes.
var sealedBuckets = [][]byte{bucketInodes, bucketSnapshots}

// Store is the embedded metadata database: every value is AEAD-sealed
// before being written to bbolt, so the on-disk file never holds plaintext
// names, sizes, or chunk ids. It holds both the old- and new-epoch metadata
// subkeys (crypto.MetadataPurpose) so it keeps reading data sealed under
// either scheme while always sealing new writes under the current one —
// spec.md §4.1's purpose-string migration, applied at the metadata layer.
type Store struct {
	db      *bbolt.DB
	newKey  []byte
	oldKey  []byte
	log     *logrus.Entry
	nextIno atomic.Uint64
}

// Open opens (creating if absent) the bbolt database at path, ensures its
// buckets and schema version exist, and returns a Store that derives its
// metadata subkeys from master and salt (crypto.MetadataPurpose under both
// epochs) rather than taking an already-resolved key — so a store opened
// against data written under the old purpose scheme keeps working without
// the caller having to know which scheme produced any given blob.
func Open(path string, master *crypto.MasterKey, salt []byte, log *logrus.Entry) (*Store, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	newKey, err := crypto.Subkey(master, salt, crypto.MetadataPurpose(crypto.PurposeEpochNew))
	if err != nil {
		return nil, err
	}
	oldKey, err := crypto.Subkey(master, salt, crypto.MetadataPurpose(crypto.PurposeEpochOld))
	if err != nil {
		return nil, err
	}

	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: opening %s: %w", path, err)
	}

	s := &Store{db: db, newKey: newKey, oldKey: oldKey, log: log}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketInodes, bucketPathIndex, bucketVersions, bucketSnapshots, bucketSchema} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		schema := tx.Bucket(bucketSchema)
		if schema.Get(schemaVersionKey) == nil {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, CurrentSchemaVersion)
			if err := schema.Put(schemaVersionKey, buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: initializing buckets: %w", err)
	}

	s.nextIno.Store(RootIno)
	if err := s.scanMaxIno(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

// scanMaxIno sets nextIno to the highest ino already stored, since keys in
// a bbolt bucket sort lexicographically and inoKey is big-endian so the
// last key is also the numerically largest ino.
func (s *Store) scanMaxIno() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInodes)
		k, _ := b.Cursor().Last()
		if k == nil {
			return nil
		}
		ino := binary.BigEndian.Uint64(k)
		if ino > s.nextIno.Load() {
			s.nextIno.Store(ino)
		}
		return nil
	})
}

// NextIno allocates a fresh, previously-unused inode number.
func (s *Store) NextIno() uint64 {
	return s.nextIno.Add(1)
}

func inoKey(ino uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, ino)
	return buf
}

func pathKey(parent uint64, name string) []byte {
	return []byte(fmt.Sprintf("%d/%s", parent, name))
}

// metadataAAD binds sealed values to this store so a blob copied between
// databases fails authentication instead of silently decrypting.
var metadataAAD = []byte("chunkvault-metadata-v1")

func (s *Store) seal(plaintext []byte) ([]byte, error) {
	sealed, err := crypto.Encrypt(s.newKey, plaintext, metadataAAD)
	if err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindDecryption, "sealing metadata value", err)
	}
	return sealed.Marshal(), nil
}

// open unseals blob, trying the current-epoch key first and falling back to
// the old-epoch key. openWithMigration does the same and also reports, as
// usedOld, that the value is still sealed under the old purpose and is a
// candidate for MigrateSealedValues.
func (s *Store) open(blob []byte) ([]byte, error) {
	plaintext, _, err := s.openWithMigration(blob)
	return plaintext, err
}

func (s *Store) openWithMigration(blob []byte) (plaintext []byte, usedOld bool, err error) {
	sealed, err := crypto.Unmarshal(blob)
	if err != nil {
		return nil, false, chunkerr.Wrap(chunkerr.KindDecryption, "parsing sealed metadata value", err)
	}
	if pt, e := crypto.Decrypt(s.newKey, sealed, metadataAAD); e == nil {
		return pt, false, nil
	}
	pt, e := crypto.Decrypt(s.oldKey, sealed, metadataAAD)
	if e != nil {
		return nil, false, chunkerr.Wrap(chunkerr.KindDecryption, "opening sealed metadata value", e)
	}
	return pt, true, nil
}

// PutInode writes inode, sealed, under its ino key.
func (s *Store) PutInode(tx *bbolt.Tx, inode *Inode) error {
	data, err := json.Marshal(inode)
	if err != nil {
		return fmt.Errorf("metadata: marshaling inode %d: %w", inode.Ino, err)
	}
	sealed, err := s.seal(data)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketInodes).Put(inoKey(inode.Ino), sealed)
}

// GetInode reads and unseals the inode at ino, or returns an
// InodeNotFound chunkerr.
func (s *Store) GetInode(tx *bbolt.Tx, ino uint64) (*Inode, error) {
	blob := tx.Bucket(bucketInodes).Get(inoKey(ino))
	if blob == nil {
		return nil, chunkerr.New(chunkerr.KindInodeNotFound, fmt.Sprintf("no inode %d", ino)).WithFields(map[string]any{"ino": ino})
	}
	plaintext, err := s.open(blob)
	if err != nil {
		return nil, err
	}
	var inode Inode
	if err := json.Unmarshal(plaintext, &inode); err != nil {
		return nil, chunkerr.Wrap(chunkerr.KindSerialization, "unmarshaling inode", err)
	}
	return &inode, nil
}

// DeleteInode removes the inode row at ino.
func (s *Store) DeleteInode(tx *bbolt.Tx, ino uint64) error {
	return tx.Bucket(bucketInodes).Delete(inoKey(ino))
}

// ForEachInode walks every inode currently stored, in key order, calling fn
// with each decoded inode. Used by bulk read-only passes (account-rebuild
// stripe enumeration) that need every inode without going through the path
// index; TakeSnapshot walks the bucket itself inside its own transaction.
func (s *Store) ForEachInode(fn func(*Inode) error) error {
	return s.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInodes)
		c := b.Cursor()
		for k, blob := c.First(); k != nil; k, blob = c.Next() {
			plaintext, err := s.open(blob)
			if err != nil {
				return err
			}
			var inode Inode
			if err := json.Unmarshal(plaintext, &inode); err != nil {
				return chunkerr.Wrap(chunkerr.KindSerialization, "unmarshaling inode", err)
			}
			if err := fn(&inode); err != nil {
				return err
			}
		}
		return nil
	})
}

// MigrateStats summarizes a MigrateSealedValues pass, grounded on
// original_source/src/migration.rs's MigrationStats.
type MigrateStats struct {
	EntriesMigrated int
	EntriesFailed   int
}

// MigrateSealedValues walks every sealed bucket and re-encrypts any value
// still sealed under the old-epoch metadata key under the current one,
// leaving already-current values untouched. A value that fails to decrypt
// under either key is counted as failed and left in place rather than
// aborting the whole pass — original_source/src/migration.rs's
// migrate_metadata_db does the same per-tree, per-entry tolerance.
func (s *Store) MigrateSealedValues() (MigrateStats, error) {
	var stats MigrateStats
	type update struct{ key, value []byte }

	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range sealedBuckets {
			b := tx.Bucket(name)
			var updates []update
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				plaintext, usedOld, err := s.openWithMigration(v)
				if err != nil {
					stats.EntriesFailed++
					s.log.WithError(err).WithField("bucket", string(name)).Warn("metadata migration: entry failed to decrypt, left in place")
					continue
				}
				if !usedOld {
					continue
				}
				resealed, err := s.seal(plaintext)
				if err != nil {
					stats.EntriesFailed++
					s.log.WithError(err).WithField("bucket", string(name)).Warn("metadata migration: re-sealing failed, left in place")
					continue
				}
				updates = append(updates, update{append([]byte(nil), k...), resealed})
			}
			for _, u := range updates {
				if err := b.Put(u.key, u.value); err != nil {
					return err
				}
				stats.EntriesMigrated++
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}

	s.log.WithFields(logrus.Fields{"migrated": stats.EntriesMigrated, "failed": stats.EntriesFailed}).
		Info("metadata migration pass complete")
	return stats, nil
}

// PutKeyEnvelope persists the KeyManager envelope wrapping the master key,
// unsealed (the metadata keys themselves are derived from the master key
// this envelope protects, so it cannot be sealed with them).
func (s *Store) PutKeyEnvelope(envelope *crypto.KeyEnvelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("metadata: marshaling key envelope: %w", err)
	}
	return s.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchema).Put(keyEnvelopeKey, data)
	})
}

// GetKeyEnvelope reads the persisted KeyManager envelope, ok=false if this
// store was never opened against a KeyManager.
func (s *Store) GetKeyEnvelope() (envelope *crypto.KeyEnvelope, ok bool, err error) {
	err = s.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSchema).Get(keyEnvelopeKey)
		if data == nil {
			return nil
		}
		envelope = &crypto.KeyEnvelope{}
		ok = true
		return json.Unmarshal(data, envelope)
	})
	return envelope, ok, err
}

// PutPathIndex maps (parent, name) -> ino.
func (s *Store) PutPathIndex(tx *bbolt.Tx, parent uint64, name string, ino uint64) error {
	return tx.Bucket(bucketPathIndex).Put(pathKey(parent, name), inoKey(ino))
}

// LookupPath resolves (parent, name) to an ino, ok=false if absent.
func (s *Store) LookupPath(tx *bbolt.Tx, parent uint64, name string) (ino uint64, ok bool) {
	v := tx.Bucket(bucketPathIndex).Get(pathKey(parent, name))
	if v == nil {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// DeletePathIndex removes the (parent, name) -> ino mapping.
func (s *Store) DeletePathIndex(tx *bbolt.Tx, parent uint64, name string) error {
	return tx.Bucket(bucketPathIndex).Delete(pathKey(parent, name))
}

// Update runs fn inside a read-write bbolt transaction.
func (s *Store) Update(fn func(tx *bbolt.Tx) error) error {
	return s.db.Update(fn)
}

// View runs fn inside a read-only bbolt transaction.
func (s *Store) View(fn func(tx *bbolt.Tx) error) error {
	return s.db.View(fn)
}
