package filestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/proxmox/ceph-sub001/internal/filestore/index"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/log"
	"golang.org/x/sys/unix"
)

// collectionBitsXattr records the number of hash bits of the objects a collection holds.
const collectionBitsXattr = "user.cephos.bits"

func (s *FileStore) createCollection(cid transaction.CollectionID, bits uint32, spos transaction.Position, rc replayContext) error {
	if err := s.index.Create(cid); err != nil {
		if !errors.Is(err, unix.EEXIST) || !rc.replaying {
			return err
		}
	}

	if err := s.setCollectionBits(cid, bits); err != nil {
		return err
	}

	if cid.IsPG() {
		if err := s.createCollection(cid.Temp(), 0, spos, rc); err != nil {
			return err
		}
	}

	s.setCollectionGuard(cid, spos, false, rc)
	return nil
}

// destroyCollection removes the collection together with its temporary collection.
func (s *FileStore) destroyCollection(cid transaction.CollectionID) error {
	err := s.removeCollectionDir(cid)

	if cid.IsPG() {
		if tempErr := s.destroyCollection(cid.Temp()); tempErr != nil {
			return tempErr
		}
	}

	return err
}

func (s *FileStore) removeCollectionDir(cid transaction.CollectionID) error {
	c, err := s.index.Get(cid)
	if err != nil {
		return err
	}

	c.AccessLock.Lock()
	err = c.PrepDelete()
	c.AccessLock.Unlock()
	if err != nil {
		return err
	}

	return s.index.Remove(cid)
}

func (s *FileStore) setCollectionBits(cid transaction.CollectionID, bits uint32) error {
	dir, err := os.Open(s.index.Path(cid))
	if err != nil {
		return err
	}
	defer dir.Close()

	return fsetXattr(dir, collectionBitsXattr, binary.LittleEndian.AppendUint32(nil, bits))
}

// CollectionBits returns the number of hash bits recorded for the collection.
func (s *FileStore) CollectionBits(cid transaction.CollectionID) (uint32, error) {
	value, err := getXattr(s.index.Path(cid), collectionBitsXattr)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return 0, fmt.Errorf("%w: %s", ErrNoSuchCollection, cid)
		}
		return 0, err
	}
	if len(value) != 4 {
		return 0, fmt.Errorf("%w: collection bits of %s have %d bytes", ErrInvalidStore, cid, len(value))
	}
	return binary.LittleEndian.Uint32(value), nil
}

// collectionHint handles a hint of the expected number of objects. Only empty collections take
// the hint. The flat directory layout needs no preparation, so the hint is only recorded.
func (s *FileStore) collectionHint(cid transaction.CollectionID, hint []byte, spos transaction.Position, rc replayContext) error {
	c, err := s.index.Get(cid)
	if err != nil {
		return err
	}

	empty, err := c.Empty()
	if err != nil {
		return err
	}
	if !empty && !rc.replaying {
		s.logger.WithField("collection", cid.String()).Info("ignoring expected objects hint for non-empty collection")
		return nil
	}

	s.logger.WithFields(log.Fields{
		"collection": cid.String(),
		"hint_bytes": len(hint),
	}).Debug("collection hint")

	s.setCollectionGuard(cid, spos, false, rc)
	return nil
}

// link adds another name for the source object's file.
func (s *FileStore) link(srcCID transaction.CollectionID, srcOID transaction.ObjectID, dstCID transaction.CollectionID, dstOID transaction.ObjectID) error {
	src, err := s.index.Get(srcCID)
	if err != nil {
		return err
	}
	dst, err := s.index.Get(dstCID)
	if err != nil {
		return err
	}

	unlock := index.LockPair(src, dst, true)
	defer unlock()

	if err := os.Link(src.ObjectPath(srcOID), dst.ObjectPath(dstOID)); err != nil {
		return err
	}
	return dst.Created(dstOID)
}

// collectionAdd links the object of the source collection into dst. The source's file records
// an in-progress guard while the link is created so a replay does not apply earlier operations
// of the destination to the shared file.
func (s *FileStore) collectionAdd(dst, src transaction.CollectionID, oid transaction.ObjectID, spos transaction.Position, rc replayContext) error {
	dstCmp := s.checkObjectGuard(dst, oid, spos, rc)
	if dstCmp < guardConditional {
		return nil
	}

	// The source might carry a newer guard that must not be clobbered.
	if s.checkObjectGuard(src, oid, spos, rc) < guardConditional {
		return nil
	}

	file, release, err := s.openObject(src, oid, false, rc)
	if err != nil {
		if !rc.replaying {
			s.fatal(fmt.Errorf("source %s/%s of %s missing: %w", src, oid, transaction.CodeCollAdd, err))
			return err
		}
		s.logger.WithFields(log.Fields{"collection": src.String(), "object": oid.String()}).Debug("source does not exist, continuing replay")
		return nil
	}
	defer release()

	if dstCmp > guardConditional {
		s.setGuardFile(file, &oid, spos, true, rc)
	}

	err = s.link(src, oid, dst, oid)
	if rc.guarded() && errors.Is(err, unix.EEXIST) {
		// Crashed between the link and closing the guard.
		err = nil
	}

	s.injectFailure()

	if err != nil {
		return err
	}

	s.closeGuardFile(file, &oid, spos, rc)
	return nil
}

// collectionMoveRename moves the object to a new name, possibly in another collection. With
// allowMissing, a missing source is not an error.
func (s *FileStore) collectionMoveRename(oldCID transaction.CollectionID, oldOID transaction.ObjectID, newCID transaction.CollectionID, newOID transaction.ObjectID, spos transaction.Position, allowMissing bool, rc replayContext) error {
	removeSource := func() error {
		if s.checkObjectGuard(oldCID, oldOID, spos, rc) < guardReplay {
			return nil
		}
		return s.unlink(oldCID, oldOID, spos, true, rc)
	}

	// Replaying into a collection that has been removed since only has to drop the source.
	if rc.replaying && !s.index.Exists(newCID) {
		return removeSource()
	}

	dstCmp := s.checkObjectGuard(newCID, newOID, spos, rc)
	if dstCmp < guardConditional {
		return removeSource()
	}

	if s.checkObjectGuard(oldCID, oldOID, spos, rc) < guardConditional {
		return nil
	}

	file, release, err := s.openObject(oldCID, oldOID, false, rc)
	if err != nil {
		switch {
		case rc.replaying:
			s.logger.WithFields(log.Fields{"collection": oldCID.String(), "object": oldOID.String()}).Debug("source does not exist, continuing replay")
		case allowMissing:
			return nil
		default:
			s.fatal(fmt.Errorf("source %s/%s of rename missing: %w", oldCID, oldOID, err))
			return err
		}

		// A started rename has to be completed as the object map may have been moved already.
		if allowMissing && dstCmp > guardConditional {
			return nil
		}
	} else {
		if dstCmp > guardConditional {
			s.setGuardFile(file, &newOID, spos, true, rc)
		}

		err = s.link(oldCID, oldOID, newCID, newOID)
		if rc.guarded() && errors.Is(err, unix.EEXIST) {
			err = nil
		}
		release()

		s.injectFailure()

		if err != nil {
			return err
		}
	}

	if err := s.omap.Rename(oldOID, newOID, &spos); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("rename omap of %s: %w", oldOID, err)
	}

	s.injectFailure()

	if err := s.unlink(oldCID, oldOID, spos, true, rc); err != nil {
		return err
	}

	file, release, err = s.openObject(newCID, newOID, false, rc)
	if err != nil {
		return err
	}
	defer release()

	s.closeGuardFile(file, &newOID, spos, rc)
	return nil
}

// splitCollection moves the objects of cid matching bits and rem into dest.
func (s *FileStore) splitCollection(cid transaction.CollectionID, bits, rem uint32, dest transaction.CollectionID, spos transaction.Position, rc replayContext) error {
	if !s.index.Exists(cid) || !s.index.Exists(dest) {
		if !rc.replaying {
			return fmt.Errorf("split %s into %s: %w", cid, dest, notFound(s.index.Path(cid)))
		}
		return nil
	}

	if s.checkCollectionGuard(dest, spos, rc) < guardConditional {
		return nil
	}
	if s.checkCollectionGuard(cid, spos, rc) < guardConditional {
		return nil
	}

	s.setGlobalGuard(cid, spos, rc)
	s.setCollectionGuard(cid, spos, true, rc)
	s.setCollectionGuard(dest, spos, true, rc)

	from, err := s.index.Get(cid)
	if err != nil {
		return err
	}
	to, err := s.index.Get(dest)
	if err != nil {
		return err
	}

	unlock := index.LockPair(from, to, true)
	err = from.Split(bits, rem, to)
	unlock()
	if err != nil {
		return fmt.Errorf("split %s into %s: %w", cid, dest, err)
	}

	// The bits must be set before the guards are closed.
	if err := s.setCollectionBits(cid, bits); err != nil {
		return err
	}

	s.closeCollectionGuard(cid, spos, rc)
	s.closeCollectionGuard(dest, spos, rc)
	return nil
}

// mergeCollection moves every object of cid into dest and removes cid.
func (s *FileStore) mergeCollection(cid, dest transaction.CollectionID, bits uint32, spos transaction.Position, rc replayContext) error {
	if !s.index.Exists(cid) || !s.index.Exists(dest) {
		if !rc.replaying {
			return fmt.Errorf("merge %s into %s: %w", cid, dest, notFound(s.index.Path(cid)))
		}
		return nil
	}

	if s.checkCollectionGuard(cid, spos, rc) == guardReplay {
		if err := s.setCollectionBits(dest, bits); err != nil {
			return err
		}
	}

	if s.checkCollectionGuard(dest, spos, rc) < guardConditional {
		return nil
	}
	if s.checkCollectionGuard(cid, spos, rc) < guardConditional {
		return nil
	}

	s.setGlobalGuard(cid, spos, rc)
	s.setCollectionGuard(cid, spos, true, rc)
	s.setCollectionGuard(dest, spos, true, rc)

	pairs := [][2]transaction.CollectionID{{cid, dest}}
	if cid.IsPG() && dest.IsPG() {
		pairs = append(pairs, [2]transaction.CollectionID{cid.Temp(), dest.Temp()})
	}

	for _, pair := range pairs {
		from, err := s.index.Get(pair[0])
		if err != nil {
			return err
		}
		to, err := s.index.Get(pair[1])
		if err != nil {
			return err
		}

		unlock := index.LockPair(from, to, true)
		err = from.Merge(to)
		unlock()
		if err != nil {
			return fmt.Errorf("merge %s into %s: %w", pair[0], pair[1], err)
		}
	}

	if err := s.destroyCollection(cid); err != nil {
		return fmt.Errorf("remove merged %s: %w", cid, err)
	}

	s.closeCollectionGuard(dest, spos, rc)
	if dest.IsPG() {
		s.closeCollectionGuard(dest.Temp(), spos, rc)
	}

	return nil
}
