package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/proxmox/ceph-sub001/internal/filestore/fdcache"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"golang.org/x/sys/unix"
)

// zeroChunkSize is the size of the writes zeroing a range when holes cannot be punched.
const zeroChunkSize = 64 << 10

func fdCacheKey(cid transaction.CollectionID, oid transaction.ObjectID) string {
	return cid.String() + "/" + oid.FileName()
}

func notFound(path string) error {
	return &fs.PathError{Op: "lookup", Path: path, Err: unix.ENOENT}
}

// openObject opens the object's file, creating it if create is set. Files are served from and
// added to the file cache except while replaying. The returned function releases the file.
func (s *FileStore) openObject(cid transaction.CollectionID, oid transaction.ObjectID, create bool, rc replayContext) (*os.File, func(), error) {
	c, err := s.index.Get(cid)
	if err != nil {
		return nil, nil, err
	}

	c.AccessLock.RLock()
	defer c.AccessLock.RUnlock()

	key := fdCacheKey(cid, oid)
	if !rc.replaying {
		if h, ok := s.fdcache.Lookup(key); ok {
			return h.File(), func() { s.releaseHandle(h) }, nil
		}
	}

	path, exists, err := c.Lookup(oid)
	if err != nil {
		return nil, nil, fmt.Errorf("lookup %s: %w", oid, err)
	}
	if !exists && !create {
		return nil, nil, notFound(path)
	}

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, perm.SharedFile)
	if err != nil {
		return nil, nil, err
	}

	if !exists {
		if err := c.Created(oid); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("record created %s: %w", oid, err)
		}
	}

	if rc.replaying {
		return file, func() { file.Close() }, nil
	}

	h, err := s.fdcache.Add(key, file)
	if err != nil {
		return nil, nil, err
	}
	return h.File(), func() { s.releaseHandle(h) }, nil
}

func (s *FileStore) releaseHandle(h *fdcache.Handle) {
	if err := s.fdcache.Release(h); err != nil {
		s.logger.WithError(err).Warn("closing evicted object file failed")
	}
}

// objectExists fails with ENOENT if the object's file does not exist.
func (s *FileStore) objectExists(cid transaction.CollectionID, oid transaction.ObjectID) error {
	c, err := s.index.Get(cid)
	if err != nil {
		return err
	}

	c.AccessLock.RLock()
	defer c.AccessLock.RUnlock()

	path, exists, err := c.Lookup(oid)
	if err != nil {
		return err
	}
	if !exists {
		return notFound(path)
	}
	return nil
}

func (s *FileStore) touch(cid transaction.CollectionID, oid transaction.ObjectID, rc replayContext) error {
	_, release, err := s.openObject(cid, oid, true, rc)
	if err != nil {
		return err
	}
	release()
	return nil
}

func (s *FileStore) write(cid transaction.CollectionID, oid transaction.ObjectID, offset uint64, data []byte, rc replayContext) error {
	file, release, err := s.openObject(cid, oid, true, rc)
	if err != nil {
		return err
	}
	defer release()

	if _, err := file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("write %s: %w", oid, err)
	}
	return nil
}

// zero zeroes the range, extending the object if the range ends beyond it.
func (s *FileStore) zero(cid transaction.CollectionID, oid transaction.ObjectID, offset, length uint64, rc replayContext) error {
	file, release, err := s.openObject(cid, oid, false, rc)
	if err != nil {
		return err
	}
	defer release()

	if length == 0 {
		return nil
	}

	info, err := file.Stat()
	if err != nil {
		return err
	}

	if end := int64(offset + length); end > info.Size() {
		if err := file.Truncate(end); err != nil {
			return fmt.Errorf("extend %s: %w", oid, err)
		}
	}

	err = unix.Fallocate(int(file.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(offset), int64(length))
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EOPNOTSUPP) && !errors.Is(err, unix.ENOSYS) {
		return fmt.Errorf("punch hole into %s: %w", oid, err)
	}

	return writeZeroes(file, int64(offset), int64(length))
}

func writeZeroes(file *os.File, offset, length int64) error {
	zeroes := make([]byte, min(length, zeroChunkSize))
	for length > 0 {
		n := min(length, int64(len(zeroes)))
		if _, err := file.WriteAt(zeroes[:n], offset); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}

func (s *FileStore) truncate(cid transaction.CollectionID, oid transaction.ObjectID, size uint64, rc replayContext) error {
	file, release, err := s.openObject(cid, oid, false, rc)
	if err != nil {
		return err
	}
	defer release()

	return file.Truncate(int64(size))
}

// unlink removes the object from the collection. The object map goes away with the last link of
// the object. If other links remain, the object map is synced so replaying the removal cannot
// lose it.
func (s *FileStore) unlink(cid transaction.CollectionID, oid transaction.ObjectID, spos transaction.Position, forceClearOmap bool, rc replayContext) error {
	c, err := s.index.Get(cid)
	if err != nil {
		return err
	}

	c.AccessLock.Lock()
	defer c.AccessLock.Unlock()

	path, exists, err := c.Lookup(oid)
	if err != nil {
		return err
	}

	var links uint64
	if exists {
		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return err
		}
		links = uint64(st.Nlink)
	}

	if forceClearOmap || links <= 1 {
		if err := s.omap.Clear(oid, &spos); err != nil && !errors.Is(err, unix.ENOENT) {
			return fmt.Errorf("clear omap of %s: %w", oid, err)
		}
		s.fdcache.Clear(fdCacheKey(cid, oid))
	} else if !rc.canCheckpoint {
		if err := s.omap.Sync(&oid, &spos); err != nil {
			return fmt.Errorf("sync omap of %s: %w", oid, err)
		}
	}

	if !exists {
		return nil
	}

	if err := c.Unlink(oid); err != nil {
		return err
	}
	s.fdcache.Clear(fdCacheKey(cid, oid))
	return nil
}

func (s *FileStore) setAttrs(cid transaction.CollectionID, oid transaction.ObjectID, attrs map[string][]byte, rc replayContext) error {
	file, release, err := s.openObject(cid, oid, false, rc)
	if err != nil {
		return err
	}
	defer release()

	for name, value := range attrs {
		if err := fsetXattr(file, objectAttrPrefix+name, value); err != nil {
			return fmt.Errorf("set attribute %q of %s: %w", name, oid, err)
		}
	}
	return nil
}

func (s *FileStore) rmAttr(cid transaction.CollectionID, oid transaction.ObjectID, name string, rc replayContext) error {
	file, release, err := s.openObject(cid, oid, false, rc)
	if err != nil {
		return err
	}
	defer release()

	return fremoveXattr(file, objectAttrPrefix+name)
}

func (s *FileStore) rmAttrs(cid transaction.CollectionID, oid transaction.ObjectID, rc replayContext) error {
	file, release, err := s.openObject(cid, oid, false, rc)
	if err != nil {
		return err
	}
	defer release()

	attrs, err := objectAttrs(file)
	if err != nil {
		return err
	}

	for name := range attrs {
		if err := fremoveXattr(file, objectAttrPrefix+name); err != nil && !errors.Is(err, unix.ENODATA) {
			return fmt.Errorf("remove attribute %q of %s: %w", name, oid, err)
		}
	}
	return nil
}

// clone replaces dest with a copy of the object including its attributes and object map. The
// copy is not idempotent once the source changes, so the destination records a replay guard.
func (s *FileStore) clone(cid transaction.CollectionID, oid, dest transaction.ObjectID, spos transaction.Position, rc replayContext) error {
	if s.checkObjectGuard(cid, dest, spos, rc) < guardConditional {
		return nil
	}

	src, releaseSrc, err := s.openObject(cid, oid, false, rc)
	if err != nil {
		return err
	}
	defer releaseSrc()

	dst, releaseDst, err := s.openObject(cid, dest, true, rc)
	if err != nil {
		return err
	}
	defer releaseDst()

	if err := dst.Truncate(0); err != nil {
		return fmt.Errorf("truncate clone %s: %w", dest, err)
	}

	info, err := src.Stat()
	if err != nil {
		return err
	}

	if err := s.backend.CloneRange(src, dst, 0, info.Size(), 0); err != nil {
		return fmt.Errorf("clone %s to %s: %w", oid, dest, err)
	}

	if err := s.omap.Clone(oid, dest, &spos); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("clone omap of %s: %w", oid, err)
	}

	attrs, err := objectAttrs(src)
	if err != nil {
		return fmt.Errorf("read attributes of %s: %w", oid, err)
	}
	for name, value := range attrs {
		if err := fsetXattr(dst, objectAttrPrefix+name, value); err != nil {
			return fmt.Errorf("copy attribute %q to %s: %w", name, dest, err)
		}
	}

	s.setGuardFile(dst, &dest, spos, false, rc)
	return nil
}

func (s *FileStore) cloneRange(cid transaction.CollectionID, oid transaction.ObjectID, destCID transaction.CollectionID, dest transaction.ObjectID, srcOffset, length, destOffset uint64, spos transaction.Position, rc replayContext) error {
	if s.checkObjectGuard(destCID, dest, spos, rc) < guardConditional {
		return nil
	}

	src, releaseSrc, err := s.openObject(cid, oid, false, rc)
	if err != nil {
		return err
	}
	defer releaseSrc()

	dst, releaseDst, err := s.openObject(destCID, dest, true, rc)
	if err != nil {
		return err
	}
	defer releaseDst()

	if err := s.backend.CloneRange(src, dst, int64(srcOffset), int64(length), int64(destOffset)); err != nil {
		return fmt.Errorf("clone range of %s to %s: %w", oid, dest, err)
	}

	s.setGuardFile(dst, &dest, spos, false, rc)
	return nil
}

func (s *FileStore) setAllocHint(cid transaction.CollectionID, oid transaction.ObjectID, objectSize, writeSize uint64, rc replayContext) error {
	if objectSize == 0 || writeSize == 0 {
		return nil
	}

	file, release, err := s.openObject(cid, oid, false, rc)
	if err != nil {
		return err
	}
	defer release()

	return s.backend.SetAllocHint(file, min(writeSize, s.cfg.MaxAllocHintSize))
}
