// Package filestore implements a transactional object store on top of a POSIX file system.
// Batches of transactions are ordered per collection, applied to object files, extended
// attributes and a key-value backed object map, and made durable by an optional write-ahead
// journal together with periodic commits of the file system state.
package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxmox/ceph-sub001/internal/config"
	"github.com/proxmox/ceph-sub001/internal/filestore/backend"
	"github.com/proxmox/ceph-sub001/internal/filestore/fdcache"
	"github.com/proxmox/ceph-sub001/internal/filestore/index"
	"github.com/proxmox/ceph-sub001/internal/filestore/journal"
	"github.com/proxmox/ceph-sub001/internal/filestore/keyvalue"
	"github.com/proxmox/ceph-sub001/internal/filestore/objectmap"
	"github.com/proxmox/ceph-sub001/internal/helper"
	"github.com/proxmox/ceph-sub001/internal/limiter"
	"github.com/proxmox/ceph-sub001/internal/log"
)

const (
	fsidFile        = "fsid"
	versionFile     = "store_version"
	superblockFile  = "superblock"
	currentDir      = "current"
	omapDir         = "omap"
	opSeqFile       = "commit_op_seq"
	noSnapFile      = "nosnap"
	omapBackupFile  = "omap.backup"
	checkpointsKept = 2
)

// Option configures a FileStore.
type Option func(*FileStore)

// WithAbortHandler sets the function called with a FatalError when the store hits an error it
// cannot recover from. The default handler panics.
func WithAbortHandler(fn func(error)) Option {
	return func(s *FileStore) { s.abort = fn }
}

// WithMetrics sets the metrics the store records into.
func WithMetrics(metrics *Metrics) Option {
	return func(s *FileStore) { s.metrics = metrics }
}

// WithDatabaseOpener sets how the object map's database is opened.
func WithDatabaseOpener(opener keyvalue.DatabaseOpener) Option {
	return func(s *FileStore) { s.dbOpener = opener }
}

// WithGCTickerFactory sets the ticker driving the object map's value log garbage collection.
func WithGCTickerFactory(factory helper.TickerFactory) Option {
	return func(s *FileStore) { s.gcTickerFactory = factory }
}

// WithSyncTickerFactory sets the ticker that triggers commits when nothing forces one. The
// default ticks after the configured maximum sync interval.
func WithSyncTickerFactory(factory helper.TickerFactory) Option {
	return func(s *FileStore) { s.syncTickerFactory = factory }
}

// WithFailureInjection makes the store call kill once it passed countdown failure injection
// points. Injection points sit between the writes that must survive a crash in order. A nil kill
// aborts the store with ErrInjectedFailure.
func WithFailureInjection(countdown int64, kill func()) Option {
	return func(s *FileStore) {
		s.failureInjection = true
		s.failureCountdown.Store(countdown)
		s.failureKill = kill
	}
}

// FileStore is an object store persisting objects as files.
type FileStore struct {
	cfg               config.Cfg
	logger            log.Logger
	metrics           *Metrics
	abort             func(error)
	dbOpener          keyvalue.DatabaseOpener
	gcTickerFactory   helper.TickerFactory
	syncTickerFactory helper.TickerFactory

	basePath    string
	currentPath string

	failureInjection bool
	failureCountdown atomic.Int64
	failureKill      func()

	// stateMu serializes mounting and unmounting.
	stateMu sync.Mutex
	mounted atomic.Bool

	fsid        uuid.UUID
	fsidLock    *os.File
	backend     backend.Backend
	index       *index.Index
	db          *keyvalue.DB
	omap        *objectmap.ObjectMap
	fdcache     *fdcache.Cache
	journal     *journal.Journal
	journalMode JournalMode
	opSeq       *os.File

	throttle        *limiter.Throttle
	submitManager   SubmitManager
	applyManager    *ApplyManager
	sequencers      *sequencerRegistry
	durable         *durableSequencer
	workers         *workerPool
	ondiskFinishers finisherSet
	applyFinishers  finisherSet
	syncer          *syncState
}

// New returns an unmounted store configured by cfg.
func New(logger log.Logger, cfg config.Cfg, opts ...Option) (*FileStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &FileStore{
		cfg:               cfg,
		logger:            logger.WithField("component", "filestore"),
		dbOpener:          keyvalue.DatabaseOpenerFunc(keyvalue.NewBadgerStore),
		gcTickerFactory:   helper.NewTimerTickerFactory(5 * time.Minute),
		syncTickerFactory: helper.NewTimerTickerFactory(cfg.Sync.MaxInterval.Duration()),
		basePath:          cfg.BasePath,
		currentPath:       filepath.Join(cfg.BasePath, currentDir),
	}
	s.abort = func(err error) { panic(err) }

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = NewMetrics()
	}

	return s, nil
}

// FSID returns the identifier of the mounted store.
func (s *FileStore) FSID() uuid.UUID {
	return s.fsid
}

// JournalMode returns the journal mode selected when the store was mounted.
func (s *FileStore) JournalMode() JournalMode {
	return s.journalMode
}

// CommittedSeq returns the sequence number the store has been committed through.
func (s *FileStore) CommittedSeq() uint64 {
	if !s.mounted.Load() {
		return 0
	}
	return s.applyManager.CommittedSeq()
}

// LastSubmitted returns the sequence number of the last submitted batch.
func (s *FileStore) LastSubmitted() uint64 {
	if !s.mounted.Load() {
		return 0
	}
	return s.submitManager.LastSubmitted()
}

func (s *FileStore) path(elems ...string) string {
	return filepath.Join(append([]string{s.basePath}, elems...)...)
}

func (s *FileStore) currentFile(name string) string {
	return filepath.Join(s.currentPath, name)
}

// fatal aborts the store. Callers return after calling it in case the abort handler returns.
func (s *FileStore) fatal(err error) {
	s.logger.WithError(err).Error("aborting on fatal error")
	s.abort(FatalError{Err: err})
}

func (s *FileStore) injectFailure() {
	if !s.failureInjection {
		return
	}

	if s.failureCountdown.Add(-1) == 0 {
		s.logger.Warn("injecting failure")
		if s.failureKill == nil {
			s.fatal(ErrInjectedFailure)
			return
		}
		s.failureKill()
	}
}

func (s *FileStore) canCheckpoint() bool {
	return s.backend != nil && s.backend.CanCheckpoint()
}

// Describe implements prometheus.Collector.
func (s *FileStore) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, descs)
}

// Collect implements prometheus.Collector.
func (s *FileStore) Collect(metrics chan<- prometheus.Metric) {
	if s.mounted.Load() {
		ops, bytes := s.throttle.InFlight()
		s.metrics.throttleOps.Set(float64(ops))
		s.metrics.throttleBytes.Set(float64(bytes))
	}
	s.metrics.Collect(metrics)
}

func (s *FileStore) String() string {
	return fmt.Sprintf("filestore(%s)", s.basePath)
}
