package filestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/proxmox/ceph-sub001/internal/filestore/backend"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"github.com/proxmox/ceph-sub001/internal/log"
)

// syncState is shared between the sync loop and the goroutines asking it to commit.
type syncState struct {
	mu      sync.Mutex
	force   bool
	stop    bool
	waiters []func()
	wake    chan struct{}
	done    chan struct{}
}

func newSyncState() *syncState {
	return &syncState{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (st *syncState) signal() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// syncLoop commits the applied state periodically. A commit makes every applied batch durable
// and lets the journal trim the entries of the committed batches.
func (s *FileStore) syncLoop() {
	defer close(s.syncer.done)

	ticker := s.syncTickerFactory.NewTicker()
	defer ticker.Stop()

	minInterval := s.cfg.Sync.MinInterval.Duration()
	lastCommit := time.Now()

	for {
		ticker.Reset()
		select {
		case <-ticker.C():
		case <-s.syncer.wake:
		}

		forced, stopping := s.syncer.takeRequest()
		if !forced {
			if stopping {
				return
			}

			if forced, stopping = s.waitMinInterval(minInterval - time.Since(lastCommit)); stopping && !forced {
				return
			}
		}

		for s.commit() {
		}
		lastCommit = time.Now()

		if stopping {
			return
		}

		if s.journal != nil && s.journal.ShouldCommitNow() {
			s.logger.Debug("journal asks for an early commit")
			s.syncer.signal()
		}
	}
}

// takeRequest returns whether a forced commit or a stop was requested and clears the forced
// commit request.
func (st *syncState) takeRequest() (forced, stopping bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	forced = st.force
	st.force = false
	return forced, st.stop
}

// waitMinInterval waits for d to pass since the last commit. The wait ends early if a forced
// commit or a stop is requested meanwhile.
func (s *FileStore) waitMinInterval(d time.Duration) (forced, stopping bool) {
	if d <= 0 {
		return false, false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return false, false
		case <-s.syncer.wake:
			if forced, stopping = s.syncer.takeRequest(); forced || stopping {
				return forced, stopping
			}
		}
	}
}

// commit runs a single commit cycle and completes the sync waiters registered before it. It
// returns true if new waiters registered while it ran.
func (s *FileStore) commit() bool {
	s.syncer.mu.Lock()
	waiters := s.syncer.waiters
	s.syncer.waiters = nil
	s.syncer.mu.Unlock()

	start := time.Now()

	s.workers.pause()
	if s.applyManager.CommitStart() {
		seq := s.applyManager.CommittingSeq()
		logger := s.logger.WithField("seq", seq)

		watchdog := time.AfterFunc(s.cfg.Sync.CommitTimeout.Duration(), func() {
			s.fatal(fmt.Errorf("commit of %d did not finish within %s", seq, s.cfg.Sync.CommitTimeout.Duration()))
		})

		if s.canCheckpoint() {
			s.checkpoint(seq)
		} else {
			s.syncCurrent(seq)
		}

		committed, err := s.applyManager.CommitFinish()
		if err != nil {
			s.fatal(fmt.Errorf("trim journal through %d: %w", seq, err))
		}
		for _, fn := range committed {
			fn()
		}

		if s.canCheckpoint() {
			s.trimCheckpoints()
		}

		watchdog.Stop()

		s.metrics.commitsTotal.Inc()
		s.metrics.commitLatency.Observe(time.Since(start).Seconds())
		s.metrics.committedSeq.Set(float64(seq))
		logger.WithField("duration", time.Since(start).String()).Debug("committed")
	} else {
		s.workers.unpause()
	}

	for _, fn := range waiters {
		fn()
	}

	s.syncer.mu.Lock()
	defer s.syncer.mu.Unlock()
	return len(s.syncer.waiters) > 0
}

// checkpoint captures the applied state in a checkpoint. Applies resume once the checkpoint is
// taken.
func (s *FileStore) checkpoint(seq uint64) {
	defer func() {
		s.applyManager.CommitStarted()
		s.workers.unpause()
	}()

	if err := s.writeOpSeq(seq); err != nil {
		s.fatal(fmt.Errorf("write committed sequence %d: %w", seq, err))
		return
	}

	s.injectFailure()

	if err := s.backupOmap(); err != nil {
		s.fatal(fmt.Errorf("back up object map: %w", err))
		return
	}

	if err := s.backend.CreateCheckpoint(backend.CheckpointName(seq)); err != nil {
		s.fatal(fmt.Errorf("create checkpoint %d: %w", seq, err))
		return
	}

	if err := os.Remove(s.currentFile(omapBackupFile)); err != nil {
		s.fatal(fmt.Errorf("remove object map backup: %w", err))
		return
	}

	s.injectFailure()
}

// syncCurrent persists the applied state in place. Applies resume right away as the sync
// persists everything applied before it started.
func (s *FileStore) syncCurrent(seq uint64) {
	s.applyManager.CommitStarted()
	s.workers.unpause()

	if err := s.omap.Sync(nil, nil); err != nil {
		s.fatal(fmt.Errorf("sync object map: %w", err))
		return
	}

	if err := s.backend.Syncfs(); err != nil {
		s.fatal(fmt.Errorf("sync file system: %w", err))
		return
	}

	s.injectFailure()

	if err := s.writeOpSeq(seq); err != nil {
		s.fatal(fmt.Errorf("write committed sequence %d: %w", seq, err))
		return
	}

	s.injectFailure()
}

// backupOmap writes a backup of the object map into current/ so checkpoints capture the object
// map together with the files.
func (s *FileStore) backupOmap() (returnedErr error) {
	file, err := os.OpenFile(s.currentFile(omapBackupFile), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm.PrivateFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := file.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	if err := s.db.Backup(file); err != nil {
		return err
	}
	return file.Sync()
}

// trimCheckpoints keeps only the newest checkpoints.
func (s *FileStore) trimCheckpoints() {
	names, err := s.backend.ListCheckpoints()
	if err != nil {
		s.logger.WithError(err).Error("listing checkpoints failed")
		return
	}

	seqs := backend.SortCheckpoints(names)
	for len(seqs) > checkpointsKept {
		name := backend.CheckpointName(seqs[0])
		if err := s.backend.DestroyCheckpoint(name); err != nil {
			s.logger.WithError(err).WithField("checkpoint", name).Error("removing checkpoint failed")
		}
		seqs = seqs[1:]
	}
}

// StartSync asks for a commit without waiting for it. onCommitted is called once the commit
// finished, if given.
func (s *FileStore) StartSync(onCommitted func()) error {
	if !s.mounted.Load() {
		return ErrNotMounted
	}

	s.syncer.mu.Lock()
	if onCommitted != nil {
		s.syncer.waiters = append(s.syncer.waiters, onCommitted)
	}
	s.syncer.force = true
	s.syncer.mu.Unlock()

	s.syncer.signal()
	return nil
}

// Sync forces a commit and waits for it. Every batch applied before the call is durable when
// Sync returns.
func (s *FileStore) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := s.StartSync(func() { close(done) }); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every batch submitted so far has been applied and its readable callbacks
// have run.
func (s *FileStore) Flush(ctx context.Context) error {
	if !s.mounted.Load() {
		return ErrNotMounted
	}

	if s.journalMode == JournalModeWriteahead {
		if err := s.journal.Flush(ctx); err != nil {
			return fmt.Errorf("flush journal: %w", err)
		}
	}

	for _, osr := range s.sequencers.all() {
		osr.Flush()
	}

	s.ondiskFinishers.waitForEmpty()
	s.applyFinishers.waitForEmpty()
	return nil
}

// SyncAndFlush flushes the store and commits the result.
func (s *FileStore) SyncAndFlush(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return s.Sync(ctx)
}

// FlushJournal commits everything applied so far so the journal can be trimmed.
func (s *FileStore) FlushJournal(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}

	if err := s.Sync(ctx); err != nil {
		return err
	}

	s.logger.WithFields(log.Fields{"committed_seq": s.applyManager.CommittedSeq()}).Info("journal flushed")
	return nil
}

// FlushCommit calls onCommitted once every batch queued on the collection so far is readable
// and, in write-ahead mode, journaled. It returns true without registering the callback if no
// batch is pending.
func (s *FileStore) FlushCommit(cid transaction.CollectionID, onCommitted func()) bool {
	osr, ok := s.sequencers.lookup(cid)
	if !ok {
		return true
	}
	return osr.FlushCommit(onCommitted)
}
