package filestore

import (
	"errors"
	"fmt"

	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/log"
	"golang.org/x/sys/unix"
)

// collectionHintExpectedObjects is the collection hint type announcing the expected number of
// objects.
const collectionHintExpectedObjects = 1

// doTransactions applies the transactions of the batch with sequence number seq.
func (s *FileStore) doTransactions(transactions []*transaction.Transaction, seq uint64, rc replayContext) error {
	for i, t := range transactions {
		if err := s.doTransaction(t, transaction.Position{Seq: seq, Trans: uint32(i)}, rc); err != nil {
			return err
		}
	}
	return nil
}

// doTransaction applies the operations of a single transaction. spos advances with every
// operation whether it was applied, skipped by a replay guard or failed with a tolerated error.
func (s *FileStore) doTransaction(t *transaction.Transaction, spos transaction.Position, rc replayContext) error {
	ops := t.Ops()
	for i := 0; i < len(ops); i++ {
		s.injectFailure()

		op := ops[i]
		var err error
		if add, ok := op.(transaction.CollAdd); ok {
			// A collection add is always followed by the removal of the object from the source.
			if i+1 >= len(ops) {
				err = fmt.Errorf("%s not followed by %s", transaction.CodeCollAdd, transaction.CodeCollRemove)
			} else if remove, ok := ops[i+1].(transaction.CollRemove); !ok || remove.Coll != add.SrcColl || remove.Obj != add.Obj {
				err = fmt.Errorf("%s followed by %s instead of the removal of its source", transaction.CodeCollAdd, ops[i+1].Code())
			} else {
				i++
				err = s.applyCollectionAdd(t, add, &spos, rc)
			}
		} else {
			err = s.applyOp(t, op, spos, rc)
		}

		if err != nil {
			if !errorTolerated(op.Code(), err, rc) {
				s.fatal(fmt.Errorf("%s at %s: %s: %w", op.Code(), spos, errorHint(op.Code(), err), err))
				return err
			}

			s.logger.WithFields(log.Fields{
				"op":       op.Code().String(),
				"position": spos.String(),
			}).WithError(err).Debug("tolerating error")
		}

		spos.Op++
	}

	return nil
}

// errorTolerated reports whether op may fail with err without aborting the store.
func errorTolerated(code transaction.Code, err error, rc replayContext) bool {
	switch {
	case errors.Is(err, unix.ENOENT):
		if rc.guarded() {
			return true
		}

		switch code {
		case transaction.CodeCloneRange, transaction.CodeClone, transaction.CodeCloneRange2,
			transaction.CodeCollAdd, transaction.CodeSetAttr, transaction.CodeSetAttrs,
			transaction.CodeRmAttr, transaction.CodeOmapSetKeys, transaction.CodeOmapRmKeys,
			transaction.CodeOmapRmKeyRange, transaction.CodeOmapSetHeader,
			transaction.CodeSplitCollection2, transaction.CodeMergeCollection:
			return false
		}
		return true
	case errors.Is(err, unix.ENODATA):
		return true
	case code == transaction.CodeSetAllocHint:
		// Allocation hints are advisory.
		return true
	case rc.guarded() && errors.Is(err, unix.EEXIST):
		switch code {
		case transaction.CodeMkColl, transaction.CodeCollAdd, transaction.CodeCollMove:
			return true
		}
		return false
	case rc.guarded() && errors.Is(err, unix.ERANGE):
		return true
	default:
		return false
	}
}

func errorHint(code transaction.Code, err error) string {
	switch {
	case errors.Is(err, unix.ENOENT) && (code == transaction.CodeClone || code == transaction.CodeCloneRange || code == transaction.CodeCloneRange2):
		return "ENOENT on clone suggests a bug in the caller"
	case errors.Is(err, unix.ENOSPC):
		return "out of space, the file system is misconfigured"
	case errors.Is(err, unix.ENOTEMPTY):
		return "ENOTEMPTY suggests garbage data in the store's directory"
	case errors.Is(err, unix.EPERM):
		return "EPERM suggests files in the store's directory not owned by the store's user"
	default:
		return "unexpected error"
	}
}

// objectRef resolves the collection and object referenced by an operation. Objects that have
// to be staged in the temporary collection are resolved to it.
func objectRef(t *transaction.Transaction, coll, obj uint32) (transaction.CollectionID, transaction.ObjectID, error) {
	cid, err := t.Collection(coll)
	if err != nil {
		return transaction.CollectionID{}, transaction.ObjectID{}, err
	}

	oid, err := t.Object(obj)
	if err != nil {
		return transaction.CollectionID{}, transaction.ObjectID{}, err
	}

	if transaction.NeedsTemp(cid, oid) {
		cid = cid.Temp()
	}
	return cid, oid, nil
}

func (s *FileStore) applyOp(t *transaction.Transaction, op transaction.Op, spos transaction.Position, rc replayContext) error {
	// guarded runs fn unless the object's replay guard shows the operation was applied already.
	guarded := func(coll, obj uint32, fn func(transaction.CollectionID, transaction.ObjectID) error) error {
		cid, oid, err := objectRef(t, coll, obj)
		if err != nil {
			return err
		}
		if s.checkObjectGuard(cid, oid, spos, rc) < guardConditional {
			return nil
		}
		return fn(cid, oid)
	}

	switch op := op.(type) {
	case transaction.Nop:
		return nil

	case transaction.Touch:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.touch(cid, oid, rc)
		})

	case transaction.Write:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.write(cid, oid, op.Offset, op.Data, rc)
		})

	case transaction.Zero:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.zero(cid, oid, op.Offset, op.Length, rc)
		})

	case transaction.Truncate:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.truncate(cid, oid, op.Size, rc)
		})

	case transaction.Remove:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.unlink(cid, oid, spos, false, rc)
		})

	case transaction.SetAttr:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.setAttrs(cid, oid, map[string][]byte{op.Name: op.Value}, rc)
		})

	case transaction.SetAttrs:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.setAttrs(cid, oid, op.Attrs, rc)
		})

	case transaction.RmAttr:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.rmAttr(cid, oid, op.Name, rc)
		})

	case transaction.RmAttrs:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.rmAttrs(cid, oid, rc)
		})

	case transaction.Clone:
		cid, oid, err := objectRef(t, op.Coll, op.Obj)
		if err != nil {
			return err
		}
		_, dest, err := objectRef(t, op.Coll, op.Dest)
		if err != nil {
			return err
		}
		return s.clone(cid, oid, dest, spos, rc)

	case transaction.CloneRange:
		return s.applyCloneRange(t, op.Coll, op.Obj, op.Dest, op.Offset, op.Length, op.Offset, spos, rc)

	case transaction.CloneRange2:
		return s.applyCloneRange(t, op.Coll, op.Obj, op.Dest, op.SrcOffset, op.Length, op.DestOffset, spos, rc)

	case transaction.MkColl:
		cid, err := t.Collection(op.Coll)
		if err != nil {
			return err
		}
		if s.checkCollectionGuard(cid, spos, rc) < guardReplay {
			return nil
		}
		return s.createCollection(cid, op.Bits, spos, rc)

	case transaction.CollHint:
		cid, err := t.Collection(op.Coll)
		if err != nil {
			return err
		}
		if op.Type != collectionHintExpectedObjects {
			s.logger.WithField("hint_type", op.Type).Debug("ignoring unknown collection hint")
			return nil
		}
		if s.checkCollectionGuard(cid, spos, rc) < guardReplay {
			return nil
		}
		return s.collectionHint(cid, op.Hint, spos, rc)

	case transaction.RmColl:
		cid, err := t.Collection(op.Coll)
		if err != nil {
			return err
		}
		if s.checkCollectionGuard(cid, spos, rc) < guardReplay {
			return nil
		}
		return s.destroyCollection(cid)

	case transaction.CollRemove:
		cid, oid, err := objectRef(t, op.Coll, op.Obj)
		if err != nil {
			return err
		}
		if s.checkObjectGuard(cid, oid, spos, rc) < guardReplay {
			return nil
		}
		return s.unlink(cid, oid, spos, false, rc)

	case transaction.CollMove:
		dst, oid, err := objectRef(t, op.Coll, op.Obj)
		if err != nil {
			return err
		}
		src, _, err := objectRef(t, op.SrcColl, op.Obj)
		if err != nil {
			return err
		}

		if err := s.collectionAdd(dst, src, oid, spos, rc); err != nil {
			return err
		}
		if s.checkObjectGuard(src, oid, spos, rc) < guardReplay {
			return nil
		}
		return s.unlink(src, oid, spos, false, rc)

	case transaction.CollMoveRename:
		oldCID, oldOID, err := objectRef(t, op.OldColl, op.OldObj)
		if err != nil {
			return err
		}
		newCID, newOID, err := objectRef(t, op.NewColl, op.NewObj)
		if err != nil {
			return err
		}
		return s.collectionMoveRename(oldCID, oldOID, newCID, newOID, spos, false, rc)

	case transaction.TryRename:
		oldCID, oldOID, err := objectRef(t, op.Coll, op.OldObj)
		if err != nil {
			return err
		}
		newCID, newOID, err := objectRef(t, op.Coll, op.NewObj)
		if err != nil {
			return err
		}
		return s.collectionMoveRename(oldCID, oldOID, newCID, newOID, spos, true, rc)

	case transaction.OmapClear:
		cid, oid, err := objectRef(t, op.Coll, op.Obj)
		if err != nil {
			return err
		}
		return s.omapClear(cid, oid, spos)

	case transaction.OmapSetKeys:
		cid, oid, err := objectRef(t, op.Coll, op.Obj)
		if err != nil {
			return err
		}
		return s.omapSetKeys(cid, oid, op.Keys, spos)

	case transaction.OmapRmKeys:
		cid, oid, err := objectRef(t, op.Coll, op.Obj)
		if err != nil {
			return err
		}
		return s.omapRmKeys(cid, oid, op.Keys, spos)

	case transaction.OmapRmKeyRange:
		cid, oid, err := objectRef(t, op.Coll, op.Obj)
		if err != nil {
			return err
		}
		return s.omapRmKeyRange(cid, oid, op.First, op.Last, spos)

	case transaction.OmapSetHeader:
		cid, oid, err := objectRef(t, op.Coll, op.Obj)
		if err != nil {
			return err
		}
		return s.omapSetHeader(cid, oid, op.Header, spos)

	case transaction.SplitCollection2:
		cid, err := t.Collection(op.Coll)
		if err != nil {
			return err
		}
		dest, err := t.Collection(op.Dest)
		if err != nil {
			return err
		}
		return s.splitCollection(cid, op.Bits, op.Rem, dest, spos, rc)

	case transaction.MergeCollection:
		cid, err := t.Collection(op.Coll)
		if err != nil {
			return err
		}
		dest, err := t.Collection(op.Dest)
		if err != nil {
			return err
		}
		return s.mergeCollection(cid, dest, op.Bits, spos, rc)

	case transaction.CollSetBits:
		cid, err := t.Collection(op.Coll)
		if err != nil {
			return err
		}
		return s.setCollectionBits(cid, op.Bits)

	case transaction.SetAllocHint:
		return guarded(op.Coll, op.Obj, func(cid transaction.CollectionID, oid transaction.ObjectID) error {
			return s.setAllocHint(cid, oid, op.ExpectedObjectSize, op.ExpectedWriteSize, rc)
		})

	default:
		return fmt.Errorf("unknown operation %s", op.Code())
	}
}

func (s *FileStore) applyCloneRange(t *transaction.Transaction, coll, obj, dest uint32, srcOffset, length, destOffset uint64, spos transaction.Position, rc replayContext) error {
	cid, oid, err := objectRef(t, coll, obj)
	if err != nil {
		return err
	}
	destCID, destOID, err := objectRef(t, coll, dest)
	if err != nil {
		return err
	}
	return s.cloneRange(cid, oid, destCID, destOID, srcOffset, length, destOffset, spos, rc)
}

// applyCollectionAdd links the object into the destination collection and removes it from the
// source. Each half is guarded on its own so a crash between them replays only the missing
// half. spos is advanced past the add so the removal is checked at its own position.
func (s *FileStore) applyCollectionAdd(t *transaction.Transaction, op transaction.CollAdd, spos *transaction.Position, rc replayContext) error {
	dst, oid, err := objectRef(t, op.Coll, op.Obj)
	if err != nil {
		return err
	}
	src, _, err := objectRef(t, op.SrcColl, op.Obj)
	if err != nil {
		return err
	}

	err = s.collectionAdd(dst, src, oid, *spos, rc)
	spos.Op++
	if err != nil {
		return err
	}

	if s.checkObjectGuard(src, oid, *spos, rc) < guardReplay {
		return nil
	}
	return s.unlink(src, oid, *spos, false, rc)
}
