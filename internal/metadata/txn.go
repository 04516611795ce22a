package metadata

import (
	"go.etcd.io/bbolt"

	"github.com/kenneth/chunkvault/internal/chunkerr"
	"github.com/kenneth/chunkvault/internal/chunkstore"
)

// CreateFile allocates a new inode under parent/name, recording it in both
// the inode bucket and the path index in one bbolt transaction so the two
// trees never observe each other half-updated.
func (s *Store) CreateFile(parent uint64, name string, uid, gid uint32, perm uint16) (*Inode, error) {
	var created *Inode
	err := s.Update(func(tx *bbolt.Tx) error {
		if _, exists := s.LookupPath(tx, parent, name); exists {
			return chunkerr.New(chunkerr.KindSerialization, "entry already exists").WithFields(map[string]any{"parent": parent, "name": name})
		}
		parentInode, err := s.GetInode(tx, parent)
		if err != nil {
			return err
		}
		if !parentInode.IsDir() {
			return chunkerr.New(chunkerr.KindSerialization, "parent is not a directory")
		}

		ino := s.NextIno()
		file := NewFile(ino, parent, name, uid, gid, perm)
		parentInode.AddChild(ino)

		if err := s.PutInode(tx, file); err != nil {
			return err
		}
		if err := s.PutInode(tx, parentInode); err != nil {
			return err
		}
		if err := s.PutPathIndex(tx, parent, name, ino); err != nil {
			return err
		}
		created = file
		return nil
	})
	return created, err
}

// CreateDirectory is CreateFile's directory counterpart.
func (s *Store) CreateDirectory(parent uint64, name string, uid, gid uint32, perm uint16) (*Inode, error) {
	var created *Inode
	err := s.Update(func(tx *bbolt.Tx) error {
		if _, exists := s.LookupPath(tx, parent, name); exists {
			return chunkerr.New(chunkerr.KindSerialization, "entry already exists").WithFields(map[string]any{"parent": parent, "name": name})
		}
		parentInode, err := s.GetInode(tx, parent)
		if err != nil {
			return err
		}
		if !parentInode.IsDir() {
			return chunkerr.New(chunkerr.KindSerialization, "parent is not a directory")
		}

		ino := s.NextIno()
		dir := NewDirectory(ino, parent, name, uid, gid, perm)
		parentInode.AddChild(ino)

		if err := s.PutInode(tx, dir); err != nil {
			return err
		}
		if err := s.PutInode(tx, parentInode); err != nil {
			return err
		}
		if err := s.PutPathIndex(tx, parent, name, ino); err != nil {
			return err
		}
		created = dir
		return nil
	})
	return created, err
}

// Unlink removes name from parent: deletes the inode row, the path index
// entry, and the parent's child-list entry, atomically. Directories with
// remaining children are rejected.
func (s *Store) Unlink(parent uint64, name string) error {
	return s.Update(func(tx *bbolt.Tx) error {
		ino, ok := s.LookupPath(tx, parent, name)
		if !ok {
			return chunkerr.New(chunkerr.KindInodeNotFound, "no such entry").WithFields(map[string]any{"parent": parent, "name": name})
		}
		target, err := s.GetInode(tx, ino)
		if err != nil {
			return err
		}
		if target.IsDir() && len(target.Children) > 0 {
			return chunkerr.New(chunkerr.KindSerialization, "directory not empty")
		}

		parentInode, err := s.GetInode(tx, parent)
		if err != nil {
			return err
		}
		parentInode.RemoveChild(ino)

		if err := s.DeleteInode(tx, ino); err != nil {
			return err
		}
		if err := s.DeletePathIndex(tx, parent, name); err != nil {
			return err
		}
		return s.PutInode(tx, parentInode)
	})
}

// Rename moves an entry from (oldParent, oldName) to (newParent, newName),
// keeping the path index and the two directories' child lists consistent
// within one transaction.
func (s *Store) Rename(oldParent uint64, oldName string, newParent uint64, newName string) error {
	return s.Update(func(tx *bbolt.Tx) error {
		ino, ok := s.LookupPath(tx, oldParent, oldName)
		if !ok {
			return chunkerr.New(chunkerr.KindInodeNotFound, "no such entry").WithFields(map[string]any{"parent": oldParent, "name": oldName})
		}
		if _, exists := s.LookupPath(tx, newParent, newName); exists {
			return chunkerr.New(chunkerr.KindSerialization, "destination already exists")
		}

		inode, err := s.GetInode(tx, ino)
		if err != nil {
			return err
		}

		oldParentInode, err := s.GetInode(tx, oldParent)
		if err != nil {
			return err
		}
		oldParentInode.RemoveChild(ino)

		var newParentInode *Inode
		if newParent == oldParent {
			newParentInode = oldParentInode
		} else {
			newParentInode, err = s.GetInode(tx, newParent)
			if err != nil {
				return err
			}
		}
		newParentInode.AddChild(ino)

		inode.Parent = newParent
		inode.Name = newName
		inode.Attrs.Touch()

		if err := s.PutInode(tx, inode); err != nil {
			return err
		}
		if err := s.PutInode(tx, oldParentInode); err != nil {
			return err
		}
		if newParent != oldParent {
			if err := s.PutInode(tx, newParentInode); err != nil {
				return err
			}
		}
		if err := s.DeletePathIndex(tx, oldParent, oldName); err != nil {
			return err
		}
		return s.PutPathIndex(tx, newParent, newName, ino)
	})
}

// SetAttr applies mutate to ino's attributes atomically and persists the
// result.
func (s *Store) SetAttr(ino uint64, mutate func(*Attrs)) error {
	return s.Update(func(tx *bbolt.Tx) error {
		inode, err := s.GetInode(tx, ino)
		if err != nil {
			return err
		}
		mutate(&inode.Attrs)
		inode.Attrs.Touch()
		return s.PutInode(tx, inode)
	})
}

// CommitWrite installs a new manifest for ino, bumping its version and
// updating size to match the manifest's total — the final step of
// internal/engine's Flush, enforcing spec.md §4.6's size/manifest
// agreement invariant by construction.
func (s *Store) CommitWrite(ino uint64, manifest chunkstore.ChunkManifest) error {
	return s.Update(func(tx *bbolt.Tx) error {
		inode, err := s.GetInode(tx, ino)
		if err != nil {
			return err
		}
		if !inode.IsFile() {
			return chunkerr.New(chunkerr.KindSerialization, "cannot write to a non-file inode")
		}
		inode.Manifest = &manifest
		inode.BumpVersion()
		inode.SetSize(uint64(manifest.TotalSize))
		return s.PutInode(tx, inode)
	})
}
