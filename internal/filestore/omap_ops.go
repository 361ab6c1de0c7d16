package filestore

import (
	"errors"

	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"golang.org/x/sys/unix"
)

// The object map records the position of the last operation applied to an object's omap, so
// its operations need no replay guard on the object's file.

func (s *FileStore) omapClear(cid transaction.CollectionID, oid transaction.ObjectID, spos transaction.Position) error {
	if err := s.objectExists(cid, oid); err != nil {
		return err
	}

	if err := s.omap.ClearKeysHeader(oid, &spos); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

func (s *FileStore) omapSetKeys(cid transaction.CollectionID, oid transaction.ObjectID, keys map[string][]byte, spos transaction.Position) error {
	// Placement group metadata objects hold omap entries without necessarily having a file.
	if !oid.IsPGMeta() {
		if err := s.objectExists(cid, oid); err != nil {
			return err
		}
	}

	return s.omap.SetKeys(oid, keys, &spos)
}

func (s *FileStore) omapRmKeys(cid transaction.CollectionID, oid transaction.ObjectID, keys []string, spos transaction.Position) error {
	if !oid.IsPGMeta() {
		if err := s.objectExists(cid, oid); err != nil {
			return err
		}
	}

	if err := s.omap.RmKeys(oid, keys, &spos); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

func (s *FileStore) omapRmKeyRange(cid transaction.CollectionID, oid transaction.ObjectID, first, last string, spos transaction.Position) error {
	if err := s.objectExists(cid, oid); err != nil {
		return err
	}

	return s.omap.RmKeyRange(oid, first, last, &spos)
}

func (s *FileStore) omapSetHeader(cid transaction.CollectionID, oid transaction.ObjectID, header []byte, spos transaction.Position) error {
	if err := s.objectExists(cid, oid); err != nil {
		return err
	}

	return s.omap.SetHeader(oid, header, &spos)
}
