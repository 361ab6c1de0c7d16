package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/proxmox/ceph-sub001/internal/filestore/index"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"golang.org/x/sys/unix"
)

// ObjectStat describes an object's file.
type ObjectStat struct {
	Size   int64
	Blocks int64
	Links  uint64
}

// readRef resolves where the object lives and waits until no queued batch touches it, so reads
// observe every batch submitted on the collection before the read.
func (s *FileStore) readRef(cid transaction.CollectionID, oid transaction.ObjectID) (transaction.CollectionID, error) {
	if !s.mounted.Load() {
		return cid, ErrNotMounted
	}

	if osr, ok := s.sequencers.lookup(cid); ok {
		osr.WaitForApply(oid)
	}

	if transaction.NeedsTemp(cid, oid) {
		cid = cid.Temp()
	}

	if !s.index.Exists(cid) {
		return cid, fmt.Errorf("%w: %s", ErrNoSuchCollection, cid)
	}
	return cid, nil
}

func (s *FileStore) openForRead(cid transaction.CollectionID, oid transaction.ObjectID) (*os.File, func(), error) {
	cid, err := s.readRef(cid, oid)
	if err != nil {
		return nil, nil, err
	}

	file, release, err := s.openObject(cid, oid, false, replayContext{})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: %s in %s", ErrNoSuchObject, oid, cid)
		}
		return nil, nil, err
	}
	return file, release, nil
}

// Exists reports whether the object exists.
func (s *FileStore) Exists(cid transaction.CollectionID, oid transaction.ObjectID) bool {
	_, err := s.Stat(cid, oid)
	return err == nil
}

// Stat returns the size of the object's file.
func (s *FileStore) Stat(cid transaction.CollectionID, oid transaction.ObjectID) (ObjectStat, error) {
	file, release, err := s.openForRead(cid, oid)
	if err != nil {
		return ObjectStat{}, err
	}
	defer release()

	var st unix.Stat_t
	if err := unix.Fstat(int(file.Fd()), &st); err != nil {
		return ObjectStat{}, fmt.Errorf("stat %s: %w", oid, err)
	}

	return ObjectStat{Size: st.Size, Blocks: st.Blocks, Links: uint64(st.Nlink)}, nil
}

// Read reads length bytes of the object at offset. A length of 0 reads up to the end of the
// object. Reads beyond the end of the object return less data.
func (s *FileStore) Read(cid transaction.CollectionID, oid transaction.ObjectID, offset, length uint64) ([]byte, error) {
	file, release, err := s.openForRead(cid, oid)
	if err != nil {
		return nil, err
	}
	defer release()

	if length == 0 {
		info, err := file.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", oid, err)
		}
		if uint64(info.Size()) <= offset {
			return []byte{}, nil
		}
		length = uint64(info.Size()) - offset
	}

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, int64(offset))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s: %w", oid, err)
	}
	return buf[:n], nil
}

// GetAttr returns the value of the object's attribute.
func (s *FileStore) GetAttr(cid transaction.CollectionID, oid transaction.ObjectID, name string) ([]byte, error) {
	file, release, err := s.openForRead(cid, oid)
	if err != nil {
		return nil, err
	}
	defer release()

	value, err := fgetXattr(file, objectAttrPrefix+name)
	if err != nil {
		if errors.Is(err, unix.ENODATA) {
			return nil, fmt.Errorf("%w: %q of %s", ErrNoSuchAttribute, name, oid)
		}
		return nil, fmt.Errorf("get attribute %q of %s: %w", name, oid, err)
	}
	return value, nil
}

// GetAttrs returns every attribute of the object.
func (s *FileStore) GetAttrs(cid transaction.CollectionID, oid transaction.ObjectID) (map[string][]byte, error) {
	file, release, err := s.openForRead(cid, oid)
	if err != nil {
		return nil, err
	}
	defer release()

	attrs, err := objectAttrs(file)
	if err != nil {
		return nil, fmt.Errorf("get attributes of %s: %w", oid, err)
	}
	return attrs, nil
}

// omapRef checks that the object of an omap read exists. Placement group metadata objects need
// not exist as files.
func (s *FileStore) omapRef(cid transaction.CollectionID, oid transaction.ObjectID) error {
	cid, err := s.readRef(cid, oid)
	if err != nil {
		return err
	}

	if oid.IsPGMeta() {
		return nil
	}

	if err := s.objectExists(cid, oid); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s in %s", ErrNoSuchObject, oid, cid)
		}
		return err
	}
	return nil
}

// OmapGetHeader returns the header of the object's omap.
func (s *FileStore) OmapGetHeader(cid transaction.CollectionID, oid transaction.ObjectID) ([]byte, error) {
	if err := s.omapRef(cid, oid); err != nil {
		return nil, err
	}
	return s.omap.Header(oid)
}

// OmapGetKeys returns the sorted keys of the object's omap.
func (s *FileStore) OmapGetKeys(cid transaction.CollectionID, oid transaction.ObjectID) ([]string, error) {
	if err := s.omapRef(cid, oid); err != nil {
		return nil, err
	}
	return s.omap.Keys(oid)
}

// OmapGetValues returns the values of the given omap keys. Keys that are not set are left out.
func (s *FileStore) OmapGetValues(cid transaction.CollectionID, oid transaction.ObjectID, keys []string) (map[string][]byte, error) {
	if err := s.omapRef(cid, oid); err != nil {
		return nil, err
	}
	return s.omap.Values(oid, keys)
}

// OmapGetAll returns the header and every key of the object's omap.
func (s *FileStore) OmapGetAll(cid transaction.CollectionID, oid transaction.ObjectID) ([]byte, map[string][]byte, error) {
	if err := s.omapRef(cid, oid); err != nil {
		return nil, nil, err
	}
	return s.omap.All(oid)
}

// ListCollections returns every collection of the store, temporary collections included.
func (s *FileStore) ListCollections() ([]transaction.CollectionID, error) {
	if !s.mounted.Load() {
		return nil, ErrNotMounted
	}
	return s.index.List()
}

// CollectionExists reports whether the collection exists.
func (s *FileStore) CollectionExists(cid transaction.CollectionID) bool {
	return s.mounted.Load() && s.index.Exists(cid)
}

// CollectionEmpty reports whether the collection holds no objects.
func (s *FileStore) CollectionEmpty(cid transaction.CollectionID) (bool, error) {
	c, err := s.collectionForRead(cid)
	if err != nil {
		return false, err
	}

	c.AccessLock.RLock()
	defer c.AccessLock.RUnlock()
	return c.Empty()
}

// CollectionList returns up to limit objects of the collection in hash order, starting after
// start if given. A limit of 0 lists every object.
func (s *FileStore) CollectionList(cid transaction.CollectionID, start *transaction.ObjectID, limit int) ([]transaction.ObjectID, error) {
	c, err := s.collectionForRead(cid)
	if err != nil {
		return nil, err
	}

	c.AccessLock.RLock()
	defer c.AccessLock.RUnlock()
	return c.List(start, limit)
}

func (s *FileStore) collectionForRead(cid transaction.CollectionID) (*index.Collection, error) {
	if !s.mounted.Load() {
		return nil, ErrNotMounted
	}

	c, err := s.index.Get(cid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSuchCollection, cid)
		}
		return nil, err
	}
	return c, nil
}
