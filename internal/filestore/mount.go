package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"

	"github.com/google/uuid"
	"github.com/proxmox/ceph-sub001/internal/filestore/backend"
	"github.com/proxmox/ceph-sub001/internal/filestore/fdcache"
	"github.com/proxmox/ceph-sub001/internal/filestore/index"
	"github.com/proxmox/ceph-sub001/internal/filestore/journal"
	"github.com/proxmox/ceph-sub001/internal/filestore/keyvalue"
	"github.com/proxmox/ceph-sub001/internal/filestore/objectmap"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"github.com/proxmox/ceph-sub001/internal/limiter"
	"github.com/proxmox/ceph-sub001/internal/log"
	"github.com/proxmox/ceph-sub001/internal/safe"
	"golang.org/x/sync/errgroup"
)

// Mkfs initializes an empty store in the configured base path. The store gets the given
// identifier, or a random one if fsid is nil. Running Mkfs on an existing store keeps its
// contents but fails if the store's identifier differs from fsid.
func (s *FileStore) Mkfs(ctx context.Context, fsid uuid.UUID) (returnedErr error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.mounted.Load() {
		return ErrMounted
	}

	if err := os.MkdirAll(s.basePath, perm.PrivateDir); err != nil {
		return fmt.Errorf("create base directory: %w", err)
	}

	lock, err := lockFSID(s.basePath)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Close(); err != nil && returnedErr == nil {
			returnedErr = fmt.Errorf("unlock fsid: %w", err)
		}
	}()

	if s.fsid, err = setupFSID(lock, fsid); err != nil {
		return err
	}

	if err := writeVersion(s.basePath); err != nil {
		return fmt.Errorf("write version: %w", err)
	}

	if err := writeSuperblock(s.basePath, defaultSuperblock()); err != nil {
		return err
	}

	if err := os.MkdirAll(s.currentPath, perm.PrivateDir); err != nil {
		return fmt.Errorf("create current directory: %w", err)
	}

	if err := safe.NewSyncer().SyncParent(s.currentPath); err != nil {
		return fmt.Errorf("sync base directory: %w", err)
	}

	seq, err := readOpSeq(s.currentFile(opSeqFile))
	if err != nil {
		return fmt.Errorf("read committed sequence: %w", err)
	}
	if seq == 0 {
		if err := initOpSeq(s.currentFile(opSeqFile), 1); err != nil {
			return fmt.Errorf("initialize committed sequence: %w", err)
		}
		seq = 1
	}

	if s.index == nil {
		s.index = index.New(s.currentPath)
	}
	if !s.index.Exists(transaction.MetaCollection()) {
		if err := s.index.Create(transaction.MetaCollection()); err != nil {
			return fmt.Errorf("create meta collection: %w", err)
		}
		if err := s.setCollectionBits(transaction.MetaCollection(), 0); err != nil {
			return fmt.Errorf("set bits of meta collection: %w", err)
		}
	}

	db, err := keyvalue.Open(s.logger, s.dbOpener, s.gcTickerFactory, s.path(omapDir))
	if err != nil {
		return fmt.Errorf("create object map: %w", err)
	}
	defer func() {
		s.db = nil
		if err := db.Close(); err != nil && returnedErr == nil {
			returnedErr = fmt.Errorf("close object map: %w", err)
		}
	}()
	s.db = db

	if s.cfg.JournalPath != "" {
		if err := journal.Create(s.cfg.JournalPath); err != nil {
			return fmt.Errorf("create journal: %w", err)
		}
	}

	b, err := backend.New(s.logger, s.cfg.Backend, s.basePath, s.currentPath)
	if err != nil {
		return err
	}

	if b.CanCheckpoint() {
		names, err := b.ListCheckpoints()
		if err != nil {
			return fmt.Errorf("list checkpoints: %w", err)
		}

		if len(backend.SortCheckpoints(names)) == 0 {
			if err := s.backupOmap(); err != nil {
				return fmt.Errorf("back up object map: %w", err)
			}

			if err := b.CreateCheckpoint(backend.CheckpointName(seq)); err != nil {
				return fmt.Errorf("create initial checkpoint: %w", err)
			}

			if err := os.Remove(s.currentFile(omapBackupFile)); err != nil {
				return fmt.Errorf("remove object map backup: %w", err)
			}
		}
	}

	s.logger.WithFields(log.Fields{"fsid": s.fsid.String(), "backend": b.Name()}).Info("created store")
	return nil
}

// Mount opens the store, recovers it to the last committed state, replays the journal and starts
// accepting batches.
func (s *FileStore) Mount(ctx context.Context) (returnedErr error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.mounted.Load() {
		return ErrMounted
	}

	defer func() {
		if returnedErr == nil {
			return
		}

		if s.journal != nil {
			if err := s.journal.Close(); err != nil {
				s.logger.WithError(err).Error("closing journal failed")
			}
			s.journal = nil
		}

		if err := s.closeResources(); err != nil {
			s.logger.WithError(err).Error("closing store failed")
		}
	}()

	var err error
	if s.fsidLock, err = lockFSID(s.basePath); err != nil {
		return err
	}

	if s.fsid, err = ReadFSID(s.basePath); err != nil {
		return fmt.Errorf("read fsid: %w", err)
	}

	version, err := ReadVersion(s.basePath)
	if err != nil {
		return err
	}
	if version != StoreVersion {
		return fmt.Errorf("%w: store version %d, expected %d", ErrInvalidStore, version, StoreVersion)
	}

	sb, err := ReadSuperblock(s.basePath)
	if err != nil {
		return err
	}
	if err := sb.validate(); err != nil {
		return err
	}

	if s.backend, err = backend.New(s.logger, s.cfg.Backend, s.basePath, s.currentPath); err != nil {
		return err
	}

	rolledBack, err := s.rollback()
	if err != nil {
		return err
	}

	seq, err := readOpSeq(s.currentFile(opSeqFile))
	if err != nil {
		return fmt.Errorf("read committed sequence: %w", err)
	}
	if seq == 0 {
		return fmt.Errorf("%w: committed sequence is 0", ErrInvalidStore)
	}

	if s.opSeq, err = openOpSeq(s.currentFile(opSeqFile)); err != nil {
		return fmt.Errorf("open committed sequence: %w", err)
	}

	if err := s.markNoSnap(); err != nil {
		return err
	}

	if err := s.openOmap(rolledBack); err != nil {
		return err
	}

	if s.cfg.JournalPath != "" {
		if s.journal, err = journal.Open(s.logger, s.cfg.JournalPath, journal.Config{
			MaxBytes:  s.cfg.Journal.MaxBytes,
			FullRatio: s.cfg.Journal.FullRatio,
		}, s.metrics.journal); err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
	}

	if s.journalMode, err = SelectJournalMode(s.cfg.Journal, s.journal != nil, s.canCheckpoint()); err != nil {
		return err
	}
	if s.journalMode == JournalModeWriteahead {
		s.journal.SetWaitOnFull(true)
	}

	s.index = index.New(s.currentPath)
	if err := s.cleanupCollections(ctx); err != nil {
		return err
	}

	if s.fdcache, err = fdcache.New(s.cfg.FDCacheSize); err != nil {
		return fmt.Errorf("create fd cache: %w", err)
	}

	if s.throttle, err = limiter.NewThrottle(limiter.Limits{
		MaxOps:    s.cfg.Queue.MaxOps,
		MaxBytes:  s.cfg.Queue.MaxBytes,
		HighWater: s.cfg.Queue.HighWater,
		LowWater:  s.cfg.Queue.LowWater,
	}); err != nil {
		return fmt.Errorf("create throttle: %w", err)
	}

	s.applyManager = NewApplyManager()
	s.applyManager.Init(seq)
	if s.journal != nil {
		s.applyManager.SetJournal(s.journal)
	}

	s.sequencers = newSequencerRegistry()
	s.durable = newDurableSequencer(s.releaseDurable)
	s.workers = newWorkerPool(s.processSequencer)
	s.ondiskFinishers = newFinisherSet(s.logger, "ondisk", s.cfg.Threads.OndiskFinishers)
	s.applyFinishers = newFinisherSet(s.logger, "apply", s.cfg.Threads.ApplyFinishers)

	s.syncer = newSyncState()
	go s.syncLoop()

	last := seq
	if s.journal != nil {
		if last, err = s.replay(ctx, seq); err != nil {
			s.stopSync(false)
			return err
		}
	}

	s.submitManager.Init(last)
	s.durable.reset(last + 1)

	if s.journal != nil {
		s.journal.SetFullHandler(s.syncer.signal)
		if err := s.journal.Start(last); err != nil {
			s.stopSync(false)
			return fmt.Errorf("start journal: %w", err)
		}
	}

	if err := s.initTempCollections(last); err != nil {
		s.stopSync(false)
		return err
	}

	s.workers.start(s.cfg.Threads.Op)
	s.ondiskFinishers.start()
	s.applyFinishers.start()

	s.mounted.Store(true)

	s.logger.WithFields(log.Fields{
		"fsid":          s.fsid.String(),
		"backend":       s.backend.Name(),
		"journal_mode":  s.journalMode.String(),
		"committed_seq": seq,
		"replayed_seq":  last,
	}).Info("mounted store")

	return nil
}

// rollback resets current/ to the newest checkpoint on backends that take checkpoints. It
// returns whether it rolled back.
func (s *FileStore) rollback() (bool, error) {
	if !s.backend.CanCheckpoint() {
		return false, nil
	}

	names, err := s.backend.ListCheckpoints()
	if err != nil {
		return false, fmt.Errorf("list checkpoints: %w", err)
	}

	seqs := backend.SortCheckpoints(names)
	if len(seqs) == 0 {
		return false, nil
	}

	if _, err := os.Stat(s.currentFile(noSnapFile)); err == nil {
		if !s.cfg.UseStaleSnap {
			return false, ErrStaleCheckpoint
		}
		s.logger.Warn("rolling back to a checkpoint older than current state")
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", noSnapFile, err)
	}

	name := backend.CheckpointName(seqs[len(seqs)-1])
	if err := s.backend.RollbackTo(name); err != nil {
		return false, fmt.Errorf("roll back to %s: %w", name, err)
	}

	s.logger.WithField("checkpoint", name).Info("rolled back to checkpoint")
	return true, nil
}

// markNoSnap records whether current/ is ahead of the newest checkpoint. Stores on backends
// without checkpoints are always ahead.
func (s *FileStore) markNoSnap() error {
	path := s.currentFile(noSnapFile)

	if s.backend.CanCheckpoint() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", noSnapFile, err)
		}
		return nil
	}

	if err := safe.WriteFile(path, nil, perm.PrivateFile); err != nil {
		return fmt.Errorf("write %s: %w", noSnapFile, err)
	}
	return nil
}

// openOmap opens the object map. After a rollback the object map is restored from the backup
// the checkpoint captured.
func (s *FileStore) openOmap(rolledBack bool) error {
	backupPath := s.currentFile(omapBackupFile)

	backup, err := os.Open(backupPath)
	switch {
	case err == nil:
		defer backup.Close()
	case errors.Is(err, fs.ErrNotExist):
		backup = nil
	default:
		return fmt.Errorf("open object map backup: %w", err)
	}

	if backup != nil && rolledBack {
		if err := os.RemoveAll(s.path(omapDir)); err != nil {
			return fmt.Errorf("remove object map: %w", err)
		}
	}

	if s.db, err = keyvalue.Open(s.logger, s.dbOpener, s.gcTickerFactory, s.path(omapDir)); err != nil {
		return fmt.Errorf("open object map: %w", err)
	}

	if backup != nil {
		if rolledBack {
			if err := s.db.Restore(backup); err != nil {
				return fmt.Errorf("restore object map: %w", err)
			}
			s.logger.Info("restored object map from checkpoint")
		}

		if err := os.Remove(backupPath); err != nil {
			return fmt.Errorf("remove object map backup: %w", err)
		}
	}

	s.omap = objectmap.New(s.db)
	return nil
}

// cleanupCollections removes temporary files left in the collections by a crash.
func (s *FileStore) cleanupCollections(ctx context.Context) error {
	cids, err := s.index.List()
	if err != nil {
		return err
	}

	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Threads.Op)
	for _, cid := range cids {
		cid := cid
		group.Go(func() error {
			c, err := s.index.Get(cid)
			if err != nil {
				return err
			}
			if err := c.Cleanup(); err != nil {
				return fmt.Errorf("clean up %s: %w", cid, err)
			}
			return nil
		})
	}

	return group.Wait()
}

// replay applies the journaled batches following the committed sequence number. It returns the
// sequence number of the last batch replayed.
func (s *FileStore) replay(ctx context.Context, committed uint64) (uint64, error) {
	rc := replayContext{replaying: true, canCheckpoint: s.canCheckpoint()}

	last, err := s.journal.Replay(ctx, committed+1, func(seq uint64, transactions []*transaction.Transaction) error {
		s.applyManager.ApplyStart(seq)
		err := s.doTransactions(transactions, seq, rc)
		s.applyManager.ApplyFinish(seq)
		if err != nil {
			return err
		}

		s.metrics.replayedTotal.Inc()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replay journal: %w", err)
	}

	if last > committed {
		s.logger.WithFields(log.Fields{"from": committed + 1, "to": last}).Info("replayed journal")
	}

	return last, nil
}

// initTempCollections empties the temporary collections, whose objects never outlive a mount,
// and makes sure every placement group has one.
func (s *FileStore) initTempCollections(last uint64) error {
	cids, err := s.index.List()
	if err != nil {
		return err
	}

	// Positions past every replayed batch and before every new one.
	spos := transaction.Position{Seq: last, Trans: math.MaxUint32, Op: math.MaxUint32}
	rc := replayContext{canCheckpoint: s.canCheckpoint()}

	for _, cid := range cids {
		switch {
		case cid.IsTemp():
			c, err := s.index.Get(cid)
			if err != nil {
				return err
			}

			oids, err := c.List(nil, 0)
			if err != nil {
				return fmt.Errorf("list %s: %w", cid, err)
			}

			for _, oid := range oids {
				if err := s.unlink(cid, oid, spos, true, rc); err != nil {
					return fmt.Errorf("remove temporary object %s: %w", oid, err)
				}
			}

			if len(oids) > 0 {
				s.logger.WithFields(log.Fields{"collection": cid.String(), "objects": len(oids)}).Info("removed temporary objects")
			}
		case cid.IsPG():
			if s.index.Exists(cid.Temp()) {
				continue
			}

			if err := s.createCollection(cid.Temp(), 0, spos, rc); err != nil {
				return fmt.Errorf("create temporary collection of %s: %w", cid, err)
			}
		}
	}

	return nil
}

// Umount flushes and commits the store and closes it.
func (s *FileStore) Umount(ctx context.Context) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.mounted.Load() {
		return ErrNotMounted
	}

	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	s.mounted.Store(false)
	return s.shutdown(true)
}

// shutdown stops the store's goroutines and closes its resources. Without commit the store is
// left as if the process died, with everything since the last commit to be replayed.
func (s *FileStore) shutdown(commit bool) error {
	s.stopSync(commit)
	s.workers.stop()

	var errs []error
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
		s.journal = nil
	}

	s.ondiskFinishers.stop()
	s.applyFinishers.stop()

	if err := s.closeResources(); err != nil {
		errs = append(errs, err)
	}

	s.logger.WithField("committed_seq", s.applyManager.CommittedSeq()).Info("unmounted store")
	return errors.Join(errs...)
}

// stopSync stops the sync loop, committing once more if commit is set.
func (s *FileStore) stopSync(commit bool) {
	s.syncer.mu.Lock()
	s.syncer.stop = true
	s.syncer.force = commit
	s.syncer.mu.Unlock()

	s.syncer.signal()
	<-s.syncer.done
}

func (s *FileStore) closeResources() error {
	var errs []error

	if s.fdcache != nil {
		s.fdcache.Purge()
		s.fdcache = nil
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close object map: %w", err))
		}
		s.db = nil
		s.omap = nil
	}

	if s.opSeq != nil {
		if err := s.opSeq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close committed sequence: %w", err))
		}
		s.opSeq = nil
	}

	if s.fsidLock != nil {
		if err := s.fsidLock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("unlock fsid: %w", err))
		}
		s.fsidLock = nil
	}

	return errors.Join(errs...)
}
