package filestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/proxmox/ceph-sub001/internal/config"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/helper"
	"github.com/proxmox/ceph-sub001/internal/testhelper"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

var (
	testPG    = transaction.PGCollection(1, 0)
	testOther = transaction.PGCollection(1, 1)
)

func testObject(name string) transaction.ObjectID {
	return transaction.NewObjectID(1, name, 0)
}

// testConfig returns the configuration of a store in a fresh directory. Commits only happen
// when forced.
func testConfig(t *testing.T, mutate ...func(*config.Cfg)) config.Cfg {
	t.Helper()

	dir := testhelper.TempDir(t)
	testhelper.RequireXattrSupport(t, dir)

	cfg := config.Default(filepath.Join(dir, "store"))
	cfg.JournalPath = filepath.Join(dir, "journal")
	for _, fn := range mutate {
		fn(&cfg)
	}
	require.NoError(t, cfg.Validate())

	return cfg
}

func withoutJournal(cfg *config.Cfg) { cfg.JournalPath = "" }

func withCheckpoints(cfg *config.Cfg) { cfg.Backend = config.BackendCheckpoint }

func withMode(mode JournalMode) func(*config.Cfg) {
	return func(cfg *config.Cfg) {
		cfg.Journal.Writeahead = mode == JournalModeWriteahead
		cfg.Journal.Parallel = mode == JournalModeParallel
		cfg.Journal.Trailing = mode == JournalModeTrailing
	}
}

// newTestStore returns an unmounted store that fails the test when it aborts.
func newTestStore(t *testing.T, cfg config.Cfg, opts ...Option) *FileStore {
	t.Helper()

	opts = append([]Option{
		WithAbortHandler(func(err error) { t.Errorf("store aborted: %v", err) }),
		WithSyncTickerFactory(helper.NewNullTickerFactory()),
		WithGCTickerFactory(helper.NewNullTickerFactory()),
	}, opts...)

	s, err := New(testhelper.NewLogger(t), cfg, opts...)
	require.NoError(t, err)
	return s
}

// setupStore creates and mounts a store. The store is unmounted when the test finishes unless
// the test unmounted it.
func setupStore(t *testing.T, cfg config.Cfg, opts ...Option) *FileStore {
	t.Helper()

	ctx := testhelper.Context(t)

	s := newTestStore(t, cfg, opts...)
	require.NoError(t, s.Mkfs(ctx, uuid.Nil))
	require.NoError(t, s.Mount(ctx))
	t.Cleanup(func() { unmountIfMounted(t, s) })

	return s
}

func unmountIfMounted(t *testing.T, s *FileStore) {
	if s.mounted.Load() {
		require.NoError(t, s.Umount(context.Background()))
	}
}

// crash stops the store without committing, leaving everything since the last commit to be
// replayed by the next mount.
func crash(t *testing.T, s *FileStore) {
	t.Helper()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	s.mounted.Store(false)
	require.NoError(t, s.shutdown(false))
}

// remount mounts the store in cfg with a new FileStore.
func remount(t *testing.T, cfg config.Cfg, opts ...Option) *FileStore {
	t.Helper()

	s := newTestStore(t, cfg, opts...)
	require.NoError(t, s.Mount(testhelper.Context(t)))
	t.Cleanup(func() { unmountIfMounted(t, s) })

	return s
}

// queue submits the transactions and waits for them to become durable.
func queue(t *testing.T, s *FileStore, cid transaction.CollectionID, txs ...*transaction.Transaction) *Completion {
	t.Helper()

	ctx := testhelper.Context(t)

	c, err := s.QueueTransactions(ctx, cid, txs)
	require.NoError(t, err)
	require.NoError(t, c.WaitReadable(ctx))

	if s.journalMode == JournalModeNone {
		require.NoError(t, s.Sync(ctx))
	}
	require.NoError(t, c.WaitDurable(ctx))

	return c
}

func createCollectionTx(cid transaction.CollectionID) *transaction.Transaction {
	tx := transaction.New()
	tx.CreateCollection(cid, 0)
	return tx
}
