package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/proxmox/ceph-sub001/internal/filestore/backend"
	"github.com/proxmox/ceph-sub001/internal/filestore/index"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
)

// StoreInfo describes the on-disk state of an unmounted store.
type StoreInfo struct {
	FSID         uuid.UUID
	Version      int
	Superblock   Superblock
	CommittedSeq uint64
	// Checkpoints are the sequence numbers captured by the store's checkpoints in ascending order.
	Checkpoints []uint64
	// NoSnap is set when the current state was modified after the newest checkpoint was taken.
	NoSnap bool
}

// Inspect reads the metadata of the store at basePath without mounting it.
func Inspect(basePath string) (StoreInfo, error) {
	var info StoreInfo
	var err error

	if info.FSID, err = ReadFSID(basePath); err != nil {
		return StoreInfo{}, fmt.Errorf("read fsid: %w", err)
	}

	if info.Version, err = ReadVersion(basePath); err != nil {
		return StoreInfo{}, err
	}

	if info.Superblock, err = ReadSuperblock(basePath); err != nil {
		return StoreInfo{}, err
	}

	current := filepath.Join(basePath, currentDir)
	if info.CommittedSeq, err = ReadCommittedSeq(basePath); err != nil {
		return StoreInfo{}, err
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		return StoreInfo{}, fmt.Errorf("list checkpoints: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	info.Checkpoints = backend.SortCheckpoints(names)

	if _, err := os.Stat(filepath.Join(current, noSnapFile)); err == nil {
		info.NoSnap = true
	} else if !errors.Is(err, fs.ErrNotExist) {
		return StoreInfo{}, fmt.Errorf("stat nosnap marker: %w", err)
	}

	return info, nil
}

// ReadCommittedSeq reads the sequence number the store at basePath has been committed through.
func ReadCommittedSeq(basePath string) (uint64, error) {
	return readOpSeq(filepath.Join(basePath, currentDir, opSeqFile))
}

// GuardKind is the kind of entity a replay guard is recorded on.
type GuardKind string

const (
	// GuardKindGlobal is the guard covering every object of a collection.
	GuardKindGlobal GuardKind = "global"
	// GuardKindCollection is the guard of a collection's directory.
	GuardKindCollection GuardKind = "collection"
	// GuardKindObject is the guard of an object file.
	GuardKindObject GuardKind = "object"
)

// GuardRecord is a replay guard found in a store.
type GuardRecord struct {
	Kind       GuardKind
	Collection transaction.CollectionID
	// Object is only set for object guards.
	Object transaction.ObjectID
	Guard  ReplayGuard
}

// WalkReplayGuards calls fn for every replay guard recorded in the current state of the store at
// basePath. Collections are visited in the order the index lists them and objects in hash order.
func WalkReplayGuards(basePath string, fn func(GuardRecord) error) error {
	ix := index.New(filepath.Join(basePath, currentDir))

	cids, err := ix.List()
	if err != nil {
		return fmt.Errorf("list collections: %w", err)
	}

	for _, cid := range cids {
		for _, kind := range []GuardKind{GuardKindGlobal, GuardKindCollection} {
			read := ReadReplayGuard
			if kind == GuardKindGlobal {
				read = ReadGlobalReplayGuard
			}

			guard, ok, err := read(ix.Path(cid))
			if err != nil {
				return fmt.Errorf("read %s guard of %s: %w", kind, cid, err)
			}
			if ok {
				if err := fn(GuardRecord{Kind: kind, Collection: cid, Guard: guard}); err != nil {
					return err
				}
			}
		}

		coll, err := ix.Get(cid)
		if err != nil {
			return fmt.Errorf("open collection %s: %w", cid, err)
		}

		oids, err := coll.List(nil, 0)
		if err != nil {
			return fmt.Errorf("list collection %s: %w", cid, err)
		}

		for _, oid := range oids {
			guard, ok, err := ReadReplayGuard(coll.ObjectPath(oid))
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return fmt.Errorf("read guard of %s: %w", oid, err)
			}
			if !ok {
				continue
			}

			if err := fn(GuardRecord{Kind: GuardKindObject, Collection: cid, Object: oid, Guard: guard}); err != nil {
				return err
			}
		}
	}

	return nil
}
