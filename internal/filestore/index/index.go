// Package index maps collections and objects to the directories and files storing them below
// the store's current directory.
package index

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"github.com/proxmox/ceph-sub001/internal/safe"
	"golang.org/x/sys/unix"
)

// TempPrefix prefixes the names of files staged in a collection's directory that are not
// objects. Such files are removed when a collection is cleaned up.
const TempPrefix = ".tmp-"

// Index is the set of collections of a store.
type Index struct {
	root string

	mu          sync.Mutex
	collections map[transaction.CollectionID]*Collection
}

// New returns the index of the collections stored below root.
func New(root string) *Index {
	return &Index{
		root:        root,
		collections: map[transaction.CollectionID]*Collection{},
	}
}

// Root returns the directory containing the collections.
func (ix *Index) Root() string {
	return ix.root
}

// Path returns the directory of the collection.
func (ix *Index) Path(cid transaction.CollectionID) string {
	return filepath.Join(ix.root, cid.String())
}

// Exists reports whether the collection's directory exists.
func (ix *Index) Exists(cid transaction.CollectionID) bool {
	info, err := os.Stat(ix.Path(cid))
	return err == nil && info.IsDir()
}

// Get returns the handle of an existing collection. It fails with ENOENT if the collection does
// not exist.
func (ix *Index) Get(cid transaction.CollectionID) (*Collection, error) {
	info, err := os.Stat(ix.Path(cid))
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "stat", Path: ix.Path(cid), Err: unix.ENOTDIR}
	}

	return ix.handle(cid), nil
}

func (ix *Index) handle(cid transaction.CollectionID) *Collection {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	c, ok := ix.collections[cid]
	if !ok {
		c = &Collection{id: cid, path: ix.Path(cid)}
		ix.collections[cid] = c
	}
	return c
}

// Create creates the collection's directory. It fails with EEXIST if the collection exists.
func (ix *Index) Create(cid transaction.CollectionID) error {
	if err := os.Mkdir(ix.Path(cid), perm.PrivateDir); err != nil {
		return err
	}
	return safe.NewSyncer().SyncParent(ix.Path(cid))
}

// Remove removes the collection's directory. It fails with ENOTEMPTY if objects remain in it.
func (ix *Index) Remove(cid transaction.CollectionID) error {
	if err := os.Remove(ix.Path(cid)); err != nil {
		return err
	}

	ix.mu.Lock()
	delete(ix.collections, cid)
	ix.mu.Unlock()

	return safe.NewSyncer().SyncParent(ix.Path(cid))
}

// List returns the collections in the index.
func (ix *Index) List() ([]transaction.CollectionID, error) {
	entries, err := os.ReadDir(ix.root)
	if err != nil {
		return nil, fmt.Errorf("read collections: %w", err)
	}

	var cids []transaction.CollectionID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		cid, err := transaction.ParseCollectionID(entry.Name())
		if err != nil {
			continue
		}
		cids = append(cids, cid)
	}

	sort.Slice(cids, func(i, j int) bool { return cids[i].String() < cids[j].String() })
	return cids, nil
}

// Collection is the handle of a collection's directory. Object operations hold the access lock
// shared. Operations restructuring the collection hold it exclusively.
type Collection struct {
	id   transaction.CollectionID
	path string

	AccessLock sync.RWMutex
}

// ID returns the collection's id.
func (c *Collection) ID() transaction.CollectionID {
	return c.id
}

// Path returns the collection's directory.
func (c *Collection) Path() string {
	return c.path
}

// ObjectPath returns the path of the object's file.
func (c *Collection) ObjectPath(oid transaction.ObjectID) string {
	return filepath.Join(c.path, oid.FileName())
}

// Lookup returns the path of the object's file and whether it exists.
func (c *Collection) Lookup(oid transaction.ObjectID) (string, bool, error) {
	path := c.ObjectPath(oid)
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return path, false, nil
		}
		return "", false, err
	}
	return path, true, nil
}

// Created records that the object's file was created at its path. It fails with ENOENT if the
// file is missing.
func (c *Collection) Created(oid transaction.ObjectID) error {
	_, err := os.Lstat(c.ObjectPath(oid))
	return err
}

// Unlink removes the object's file from the collection. Other links of the file are unaffected.
func (c *Collection) Unlink(oid transaction.ObjectID) error {
	return os.Remove(c.ObjectPath(oid))
}

// List returns the objects of the collection ordered by hash. Objects not after start are
// skipped if start is given. At most limit objects are returned if limit is positive.
func (c *Collection) List(start *transaction.ObjectID, limit int) ([]transaction.ObjectID, error) {
	oids, err := c.objects()
	if err != nil {
		return nil, err
	}

	sort.Slice(oids, func(i, j int) bool { return oids[i].Less(oids[j]) })

	if start != nil {
		first := sort.Search(len(oids), func(i int) bool { return start.Less(oids[i]) })
		oids = oids[first:]
	}

	if limit > 0 && len(oids) > limit {
		oids = oids[:limit]
	}

	return oids, nil
}

func (c *Collection) objects() ([]transaction.ObjectID, error) {
	entries, err := os.ReadDir(c.path)
	if err != nil {
		return nil, err
	}

	oids := make([]transaction.ObjectID, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), TempPrefix) {
			continue
		}

		oid, err := transaction.ParseFileName(entry.Name())
		if err != nil {
			continue
		}
		oids = append(oids, oid)
	}
	return oids, nil
}

// Empty reports whether the collection contains no objects.
func (c *Collection) Empty() (bool, error) {
	oids, err := c.objects()
	if err != nil {
		return false, err
	}
	return len(oids) == 0, nil
}

// Split moves every object matching bits and rem into dest. Objects already moved by an
// interrupted split are not in the collection anymore, so repeating a split completes it.
func (c *Collection) Split(bits, rem uint32, dest *Collection) error {
	oids, err := c.objects()
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}

	moved := 0
	for _, oid := range oids {
		if !oid.Matches(bits, rem) {
			continue
		}

		if err := os.Rename(c.ObjectPath(oid), dest.ObjectPath(oid)); err != nil {
			return fmt.Errorf("move %s: %w", oid, err)
		}
		moved++
	}

	if moved == 0 {
		return nil
	}
	return syncDirectories(c, dest)
}

// Merge moves every object of the collection into dest.
func (c *Collection) Merge(dest *Collection) error {
	oids, err := c.objects()
	if err != nil {
		return fmt.Errorf("list objects: %w", err)
	}

	for _, oid := range oids {
		if err := os.Rename(c.ObjectPath(oid), dest.ObjectPath(oid)); err != nil {
			return fmt.Errorf("move %s: %w", oid, err)
		}
	}

	if len(oids) == 0 {
		return nil
	}
	return syncDirectories(c, dest)
}

// PrepDelete removes the files of the collection that are not objects so the directory can be
// removed once its objects are gone.
func (c *Collection) PrepDelete() error {
	return c.removeTemporaries()
}

// Cleanup removes temporary files left over from a crash. It is run on every collection when
// the store is mounted.
func (c *Collection) Cleanup() error {
	return c.removeTemporaries()
}

func (c *Collection) removeTemporaries() error {
	entries, err := os.ReadDir(c.path)
	if err != nil {
		return err
	}

	removed := false
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), TempPrefix) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(c.path, entry.Name())); err != nil {
			return fmt.Errorf("remove %q: %w", entry.Name(), err)
		}
		removed = true
	}

	if !removed {
		return nil
	}
	return safe.NewSyncer().Sync(c.path)
}

func syncDirectories(collections ...*Collection) error {
	syncer := safe.NewSyncer()
	for _, c := range collections {
		if err := syncer.Sync(c.path); err != nil {
			return fmt.Errorf("sync %s: %w", c.id, err)
		}
	}
	return nil
}

// LockPair locks the access locks of two collections in a global order so concurrent operations
// spanning the same collections cannot deadlock. The returned function releases the locks.
func LockPair(a, b *Collection, exclusive bool) func() {
	lock := func(c *Collection) {
		if exclusive {
			c.AccessLock.Lock()
		} else {
			c.AccessLock.RLock()
		}
	}
	unlock := func(c *Collection) {
		if exclusive {
			c.AccessLock.Unlock()
		} else {
			c.AccessLock.RUnlock()
		}
	}

	if a == b {
		lock(a)
		return func() { unlock(a) }
	}

	first, second := a, b
	if second.id.String() < first.id.String() {
		first, second = second, first
	}

	lock(first)
	lock(second)
	return func() {
		unlock(second)
		unlock(first)
	}
}
