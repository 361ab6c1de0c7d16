package keyvalue

import (
	"fmt"
	"io"

	"github.com/dgraph-io/badger/v4"
	"github.com/proxmox/ceph-sub001/internal/log"
)

// maxPendingRestoreWrites bounds the number of in-flight writes while restoring a backup.
const maxPendingRestoreWrites = 256

// NewBadgerStore returns a new Store backed by a Badger database at the given path.
func NewBadgerStore(logger log.Logger, databasePath string) (Store, error) {
	dbOptions := badger.DefaultOptions(databasePath)
	// Writes are synced so that an acknowledged omap update survives a crash even before the
	// next commit of the object store.
	dbOptions.SyncWrites = true
	dbOptions.Logger = badgerLogger{logger}

	db, err := badger.Open(dbOptions)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	return badgerStore{db: db}, nil
}

type badgerLogger struct {
	log.Logger
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.Debug(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.Error(fmt.Sprintf(msg, args...))
}

type badgerStore struct {
	db *badger.DB
}

func (s badgerStore) Sync() error {
	return s.db.Sync()
}

func (s badgerStore) Backup(w io.Writer) error {
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

func (s badgerStore) Restore(r io.Reader) error {
	if err := s.db.Load(r, maxPendingRestoreWrites); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return nil
}

func (s badgerStore) RunValueLogGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

func (s badgerStore) Close() error {
	return s.db.Close()
}

func (s badgerStore) View(handle func(txn ReadWriter) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return handle(badgerTransaction{txn: txn})
	})
}

func (s badgerStore) Update(handle func(txn ReadWriter) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return handle(badgerTransaction{txn: txn})
	})
}

type badgerIterator struct {
	*badger.Iterator
}

func (it badgerIterator) Item() Item {
	return it.Iterator.Item()
}

type badgerTransaction struct {
	txn *badger.Txn
}

func (txn badgerTransaction) NewIterator(opts IteratorOptions) Iterator {
	badgerOpts := badger.DefaultIteratorOptions
	badgerOpts.Prefix = opts.Prefix
	badgerOpts.PrefetchValues = !opts.KeysOnly

	return badgerIterator{Iterator: txn.txn.NewIterator(badgerOpts)}
}

func (txn badgerTransaction) Get(key []byte) (Item, error) {
	return txn.txn.Get(key)
}

func (txn badgerTransaction) Set(key, value []byte) error {
	return txn.txn.Set(key, value)
}

func (txn badgerTransaction) Delete(key []byte) error {
	return txn.txn.Delete(key)
}
