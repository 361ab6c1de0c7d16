package keyvalue

import (
	"io"

	"github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = badger.ErrKeyNotFound

// Item is a key-value pair read from the store.
type Item interface {
	Key() []byte
	Value(func(value []byte) error) error
	ValueCopy([]byte) ([]byte, error)
}

// Iterator iterates over the keys of a store in lexicographical order.
type Iterator interface {
	Rewind()
	Seek(key []byte)
	Next()
	Item() Item
	Valid() bool
	Close()
}

// IteratorOptions configure an iterator.
type IteratorOptions struct {
	// Prefix limits the iteration to keys with the prefix.
	Prefix []byte
	// KeysOnly skips fetching the values.
	KeysOnly bool
}

// ReadWriter reads and writes keys within a transaction.
type ReadWriter interface {
	NewIterator(opts IteratorOptions) Iterator
	Get(key []byte) (Item, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Transactioner runs transactions against the store.
type Transactioner interface {
	View(func(tx ReadWriter) error) error
	Update(func(tx ReadWriter) error) error
}

// Store is a transactional key-value store.
type Store interface {
	Transactioner
	// Sync persists all writes to disk.
	Sync() error
	// Backup writes a consistent snapshot of the store into w.
	Backup(w io.Writer) error
	// Restore loads a snapshot written by Backup. The store must be empty.
	Restore(r io.Reader) error
	// RunValueLogGC rewrites value log files with at least the given ratio of garbage.
	RunValueLogGC(discardRatio float64) error
	Close() error
}
