// Package journal implements the write-ahead journal of the object store. Every journaled batch
// is persisted as a single entry file named after the batch's sequence number. Entries are
// written by a single goroutine in submission order and their completion callbacks run in the
// same order. Entries are removed once the object store committed them.
package journal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"github.com/proxmox/ceph-sub001/internal/limiter"
	"github.com/proxmox/ceph-sub001/internal/log"
	"github.com/proxmox/ceph-sub001/internal/safe"
)

var (
	// ErrClosed is returned when the journal has been closed.
	ErrClosed = errors.New("journal closed")
	// ErrNotWriteable is returned when entries are submitted before the journal was started.
	ErrNotWriteable = errors.New("journal not writeable")
)

// entryNameBase is the base used when formatting a sequence number as an entry's name.
const entryNameBase = 36

const tempSuffix = ".tmp"

// entryNameFormat pads entry names so they sort lexicographically in sequence order.
var entryNameFormat = "%0" + strconv.Itoa(len(strconv.FormatUint(math.MaxUint64, entryNameBase))) + "s"

func entryName(seq uint64) string {
	return fmt.Sprintf(entryNameFormat, strconv.FormatUint(seq, entryNameBase))
}

func parseEntryName(name string) (uint64, bool) {
	if len(name) != len(entryName(0)) {
		return 0, false
	}
	seq, err := strconv.ParseUint(name, entryNameBase, 64)
	return seq, err == nil
}

// Config configures a journal.
type Config struct {
	// MaxBytes is the size of the journal. Submitters are throttled or entries dropped once the
	// uncommitted entries take this much space.
	MaxBytes int64
	// FullRatio is the share of MaxBytes above which the journal asks for an early commit.
	FullRatio float64
}

type pendingEntry struct {
	seq      uint64
	data     []byte
	callback func(error)
}

// Journal is a write-ahead journal of transaction batches.
type Journal struct {
	path     string
	cfg      Config
	logger   log.Logger
	metrics  *Metrics
	throttle *limiter.Throttle

	mu         sync.Mutex
	queue      []pendingEntry
	wake       chan struct{}
	progress   chan struct{}
	done       chan struct{}
	writeable  bool
	closed     bool
	waitOnFull bool
	// onFull asks the object store to commit so entries can be trimmed.
	onFull func()
	// reserved is the number of bytes reserved with Reserve that no entry consumed yet.
	reserved int64
	// sizes are the sizes of the uncommitted entries accounted in the throttle.
	sizes      map[uint64]int64
	usedBytes  int64
	submitted  uint64
	journaled  uint64
	committing uint64
	committed  uint64
	// full is set once an entry was dropped. Every entry is dropped until the object store
	// committed all dropped entries, as replay cannot skip over missing entries.
	full      bool
	fullUntil uint64
	err       error
}

// Create initializes an empty journal at path, removing any entries of a previous journal.
func Create(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove journal: %w", err)
	}

	if err := os.MkdirAll(path, perm.PrivateDir); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	return safe.NewSyncer().SyncParent(path)
}

// Open opens the journal at path. The journal can be replayed right away and accepts entries
// once started.
func Open(logger log.Logger, path string, cfg Config, metrics *Metrics) (*Journal, error) {
	throttle, err := limiter.NewThrottle(limiter.Limits{MaxOps: math.MaxInt32, MaxBytes: cfg.MaxBytes})
	if err != nil {
		return nil, fmt.Errorf("journal throttle: %w", err)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("journal %q does not exist: %w", path, err)
		}
		return nil, fmt.Errorf("read journal directory: %w", err)
	}

	// Entries are renamed into place only once completely written. Temporary files are left
	// over from a crash and were never acknowledged.
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), tempSuffix) {
			if err := os.Remove(filepath.Join(path, entry.Name())); err != nil {
				return nil, fmt.Errorf("remove partial entry: %w", err)
			}
		}
	}

	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Journal{
		path:     path,
		cfg:      cfg,
		logger:   logger.WithField("component", "journal"),
		metrics:  metrics,
		throttle: throttle,
		wake:     make(chan struct{}, 1),
		progress: make(chan struct{}),
		sizes:    map[uint64]int64{},
	}, nil
}

// SetWaitOnFull configures whether Submit blocks for space when the journal is full. Without it,
// entries that do not fit are dropped and their durability depends on the next commit.
func (j *Journal) SetWaitOnFull(wait bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.waitOnFull = wait
}

// SetFullHandler sets the function called when the journal runs out of space or fills beyond
// its full ratio. It must not block.
func (j *Journal) SetFullHandler(fn func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onFull = fn
}

func (j *Journal) notifyFullLocked() {
	if j.onFull != nil {
		j.onFull()
	}
}

// IsWriteable reports whether the journal accepts entries.
func (j *Journal) IsWriteable() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.writeable && j.err == nil
}

// Start makes the journal writeable. lastSeq is the sequence number of the last batch that was
// replayed or committed. The next submitted entry must follow it.
func (j *Journal) Start(lastSeq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrClosed
	}
	if j.writeable {
		return errors.New("journal already started")
	}

	j.writeable = true
	j.submitted = lastSeq
	j.journaled = lastSeq
	j.done = make(chan struct{})

	go j.run()
	return nil
}

// Reserve blocks until bytes of journal space are available and reserves them for an entry that
// is submitted later. Reserved space is released once the entry was committed.
func (j *Journal) Reserve(ctx context.Context, bytes int64) error {
	if err := j.throttle.TryAcquire(0, bytes); err != nil {
		j.mu.Lock()
		j.notifyFullLocked()
		j.mu.Unlock()

		if err := j.throttle.Acquire(ctx, 0, bytes); err != nil {
			return err
		}
	}

	j.mu.Lock()
	j.reserved += bytes
	j.mu.Unlock()
	return nil
}

// Submit queues an encoded batch for journaling. The callback is invoked once the entry is
// persisted, in submission order. Submit returns false if the entry was not accepted, in which
// case the callback is never invoked.
func (j *Journal) Submit(seq uint64, payload []byte, callback func(error)) bool {
	data := transaction.WithSequence(seq, payload)
	size := int64(len(data))

	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.writeable || j.err != nil {
		return false
	}

	if seq <= j.submitted {
		j.logger.WithFields(log.Fields{"seq": seq, "submitted": j.submitted}).Error("journal entry submitted out of order")
		return false
	}

	if j.full {
		j.dropLocked(seq)
		return false
	}

	if !j.reserveLocked(size) {
		j.full = true
		j.dropLocked(seq)
		j.logger.WithFields(log.Fields{"seq": seq, "used_bytes": j.usedBytes}).Warn("journal full, dropping entries until the next commit")
		j.notifyFullLocked()
		return false
	}

	wasFull := j.overFullRatioLocked()
	j.sizes[seq] = size
	j.usedBytes += size
	if !wasFull && j.overFullRatioLocked() {
		j.notifyFullLocked()
	}
	j.submitted = seq
	j.queue = append(j.queue, pendingEntry{seq: seq, data: data, callback: callback})

	select {
	case j.wake <- struct{}{}:
	default:
	}

	return true
}

// reserveLocked accounts size bytes for an entry, consuming previous reservations first.
func (j *Journal) reserveLocked(size int64) bool {
	if j.reserved >= size {
		j.reserved -= size
		return true
	}

	missing := size - j.reserved
	if err := j.throttle.TryAcquire(0, missing); err != nil {
		if !j.waitOnFull {
			return false
		}

		// Commits release space without taking the journal's lock.
		j.notifyFullLocked()
		j.mu.Unlock()
		err = j.throttle.Acquire(context.Background(), 0, missing)
		j.mu.Lock()
		if err != nil {
			return false
		}
	}

	j.reserved = 0
	return true
}

func (j *Journal) dropLocked(seq uint64) {
	j.submitted = seq
	if seq > j.fullUntil {
		j.fullUntil = seq
	}
	j.metrics.droppedEntriesTotal.Inc()
}

func (j *Journal) run() {
	defer close(j.done)

	for {
		j.mu.Lock()
		for len(j.queue) == 0 && !j.closed {
			j.mu.Unlock()
			<-j.wake
			j.mu.Lock()
		}

		if len(j.queue) == 0 {
			j.mu.Unlock()
			return
		}

		batch := j.queue
		j.queue = nil
		committed := j.committed
		j.mu.Unlock()

		start := time.Now()
		err := j.writeBatch(batch, committed)
		if err == nil {
			j.metrics.writeLatency.Observe(time.Since(start).Seconds())
			j.metrics.batchSize.Observe(float64(len(batch)))
		} else {
			j.logger.WithError(err).Error("writing journal entries failed")
		}

		j.mu.Lock()
		if err == nil {
			j.journaled = batch[len(batch)-1].seq
		} else if j.err == nil {
			j.err = err
		}
		close(j.progress)
		j.progress = make(chan struct{})
		j.mu.Unlock()

		for _, entry := range batch {
			entry.callback(err)
		}
	}
}

func (j *Journal) writeBatch(batch []pendingEntry, committed uint64) error {
	for _, entry := range batch {
		// Committed entries would be trimmed right away.
		if entry.seq <= committed {
			continue
		}

		if err := j.writeEntry(entry); err != nil {
			return fmt.Errorf("write entry %d: %w", entry.seq, err)
		}

		j.metrics.entriesTotal.Inc()
		j.metrics.bytesTotal.Add(float64(len(entry.data)))
	}

	// A single sync of the directory persists the directory entries of the whole batch.
	if err := safe.NewSyncer().Sync(j.path); err != nil {
		return fmt.Errorf("sync journal directory: %w", err)
	}

	return nil
}

func (j *Journal) writeEntry(entry pendingEntry) (returnedErr error) {
	path := filepath.Join(j.path, entryName(entry.seq))
	tmpPath := path + tempSuffix

	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm.PrivateFile)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer func() {
		if file != nil {
			if err := file.Close(); err != nil && returnedErr == nil {
				returnedErr = fmt.Errorf("close: %w", err)
			}
		}
		if returnedErr != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := file.Write(entry.data); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	if err := file.Close(); err != nil {
		file = nil
		return fmt.Errorf("close: %w", err)
	}
	file = nil

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	return nil
}

// Flush waits until every entry submitted so far is persisted.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	target := j.submitted
	for {
		if j.err != nil {
			err := j.err
			j.mu.Unlock()
			return err
		}

		if j.journaled >= target || (len(j.queue) == 0 && j.journaled >= j.lastQueuedLocked()) {
			j.mu.Unlock()
			return nil
		}

		progress := j.progress
		j.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}

		j.mu.Lock()
	}
}

// lastQueuedLocked returns the highest sequence number accepted into the journal. Dropped entries
// are never persisted and must not be waited for.
func (j *Journal) lastQueuedLocked() uint64 {
	last := j.journaled
	for seq := range j.sizes {
		if seq > last {
			last = seq
		}
	}
	return last
}

// ShouldCommitNow reports whether the journal is full enough for the object store to commit
// early so entries can be trimmed.
func (j *Journal) ShouldCommitNow() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.full || j.overFullRatioLocked()
}

func (j *Journal) overFullRatioLocked() bool {
	return float64(j.usedBytes) >= j.cfg.FullRatio*float64(j.cfg.MaxBytes)
}

// CommitStart notes that the object store started committing everything up to seq.
func (j *Journal) CommitStart(seq uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.committing = seq
}

// CommittedThrough trims every entry up to seq after the object store committed them and
// releases their space.
func (j *Journal) CommittedThrough(seq uint64) error {
	j.mu.Lock()
	if seq <= j.committed {
		j.mu.Unlock()
		return nil
	}
	j.committed = seq

	var released int64
	for entrySeq, size := range j.sizes {
		if entrySeq <= seq {
			released += size
			delete(j.sizes, entrySeq)
		}
	}
	j.usedBytes -= released

	if j.full && seq >= j.fullUntil {
		j.full = false
		j.logger.WithField("seq", seq).Info("journal no longer full")
	}
	j.mu.Unlock()

	j.throttle.Release(0, released)

	return j.trim(seq)
}

func (j *Journal) trim(seq uint64) error {
	seqs, err := j.entrySeqs()
	if err != nil {
		return err
	}

	trimmed := 0
	for _, entrySeq := range seqs {
		if entrySeq > seq {
			break
		}

		if err := os.Remove(filepath.Join(j.path, entryName(entrySeq))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove entry %d: %w", entrySeq, err)
		}
		trimmed++
	}

	if trimmed == 0 {
		return nil
	}

	j.metrics.trimmedEntriesTotal.Add(float64(trimmed))
	if err := safe.NewSyncer().Sync(j.path); err != nil {
		return fmt.Errorf("sync journal directory: %w", err)
	}

	return nil
}

func (j *Journal) entrySeqs() ([]uint64, error) {
	entries, err := os.ReadDir(j.path)
	if err != nil {
		return nil, fmt.Errorf("read journal directory: %w", err)
	}

	seqs := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		if seq, ok := parseEntryName(entry.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, k int) bool { return seqs[i] < seqs[k] })

	return seqs, nil
}

// EntryInfo describes an entry of the journal.
type EntryInfo struct {
	Seq  uint64
	Size int64
}

// Entries lists the entries currently in the journal.
func (j *Journal) Entries() ([]EntryInfo, error) {
	seqs, err := j.entrySeqs()
	if err != nil {
		return nil, err
	}

	infos := make([]EntryInfo, 0, len(seqs))
	for _, seq := range seqs {
		info, err := os.Stat(filepath.Join(j.path, entryName(seq)))
		if err != nil {
			return nil, fmt.Errorf("stat entry %d: %w", seq, err)
		}
		infos = append(infos, EntryInfo{Seq: seq, Size: info.Size()})
	}

	return infos, nil
}

// ReadEntry reads and decodes the entry with the given sequence number.
func (j *Journal) ReadEntry(seq uint64) ([]*transaction.Transaction, error) {
	data, err := os.ReadFile(filepath.Join(j.path, entryName(seq)))
	if err != nil {
		return nil, fmt.Errorf("read entry %d: %w", seq, err)
	}

	decodedSeq, transactions, err := transaction.DecodeBatch(data)
	if err != nil {
		return nil, fmt.Errorf("decode entry %d: %w", seq, err)
	}

	if decodedSeq != seq {
		return nil, fmt.Errorf("entry %d contains batch %d: %w", seq, decodedSeq, transaction.ErrCorrupt)
	}

	return transactions, nil
}

// ReplayFunc is invoked for every replayed batch.
type ReplayFunc func(seq uint64, transactions []*transaction.Transaction) error

// Replay invokes fn for every consecutive entry starting at from. Replay stops at the first
// missing entry as later entries cannot be applied without it. It returns the sequence number of
// the last replayed entry or from-1 if nothing was replayed.
func (j *Journal) Replay(ctx context.Context, from uint64, fn ReplayFunc) (uint64, error) {
	seqs, err := j.entrySeqs()
	if err != nil {
		return 0, err
	}

	last := from - 1
	for _, seq := range seqs {
		if seq < from {
			continue
		}

		if err := ctx.Err(); err != nil {
			return last, err
		}

		if seq != last+1 {
			j.logger.WithFields(log.Fields{"expected": last + 1, "found": seq}).Warn("journal has a gap, stopping replay")
			break
		}

		transactions, err := j.ReadEntry(seq)
		if err != nil {
			return last, err
		}

		if err := fn(seq, transactions); err != nil {
			return last, fmt.Errorf("replay entry %d: %w", seq, err)
		}

		last = seq
	}

	return last, nil
}

// Close waits for the queued entries to be persisted and stops the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.writeable = false
	done := j.done
	j.mu.Unlock()

	select {
	case j.wake <- struct{}{}:
	default:
	}

	if done != nil {
		<-done
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}
