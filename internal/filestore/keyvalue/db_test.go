package keyvalue

import (
	"bytes"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"github.com/proxmox/ceph-sub001/internal/helper"
	"github.com/proxmox/ceph-sub001/internal/log"
	"github.com/proxmox/ceph-sub001/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

type storeWrapper struct {
	Store
	close         func() error
	runValueLogGC func(float64) error
}

func (s storeWrapper) RunValueLogGC(discardRatio float64) error {
	return s.runValueLogGC(discardRatio)
}

func (s storeWrapper) Close() error {
	return s.close()
}

func readKey(t *testing.T, db Transactioner, key string) string {
	t.Helper()

	var value []byte
	require.NoError(t, db.View(func(txn ReadWriter) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	}))
	return string(value)
}

func TestOpen(t *testing.T) {
	t.Parallel()

	logger := testhelper.NewLogger(t)

	t.Run("opener error", func(t *testing.T) {
		t.Parallel()

		_, err := Open(logger, DatabaseOpenerFunc(func(log.Logger, string) (Store, error) {
			return nil, errors.New("opener error")
		}), helper.NewNullTickerFactory(), filepath.Join(testhelper.TempDir(t), "omap"))
		require.EqualError(t, err, "open database: opener error")
	})

	t.Run("successful", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(testhelper.TempDir(t), "omap")
		db, err := Open(logger, DatabaseOpenerFunc(NewBadgerStore), helper.NewNullTickerFactory(), path)
		require.NoError(t, err)

		require.NoError(t, db.Update(func(txn ReadWriter) error {
			return txn.Set([]byte("key"), []byte("value"))
		}))
		require.NoError(t, db.Sync())
		require.NoError(t, db.Close())

		db, err = Open(logger, DatabaseOpenerFunc(NewBadgerStore), helper.NewNullTickerFactory(), path)
		require.NoError(t, err)
		defer testhelper.MustClose(t, db)

		require.Equal(t, "value", readKey(t, db, "key"))
	})
}

func TestOpen_garbageCollection(t *testing.T) {
	t.Parallel()

	var gcRuns atomic.Int32
	closed := atomic.Bool{}
	gcCompleted := make(chan struct{})

	db, err := Open(
		testhelper.NewLogger(t),
		DatabaseOpenerFunc(func(logger log.Logger, path string) (Store, error) {
			return storeWrapper{
				close: func() error {
					closed.Store(true)
					return nil
				},
				runValueLogGC: func(float64) error {
					switch gcRuns.Add(1) {
					case 1:
						// A rewrite makes the goroutine retry immediately.
						return nil
					case 2:
						return badger.ErrNoRewrite
					default:
						return errors.New("gc failure")
					}
				},
			}, nil
		}),
		helper.TickerFactoryFunc(func() helper.Ticker {
			return helper.NewCountTicker(1, func() {
				close(gcCompleted)
			})
		}),
		filepath.Join(testhelper.TempDir(t), "omap"),
	)
	require.NoError(t, err)

	<-gcCompleted
	require.NoError(t, db.Close())

	require.Equal(t, int32(3), gcRuns.Load())
	require.True(t, closed.Load())
}

func TestBadgerStore_backupRestore(t *testing.T) {
	t.Parallel()

	logger := testhelper.NewLogger(t)

	source, err := NewBadgerStore(logger, testhelper.TempDir(t))
	require.NoError(t, err)
	defer testhelper.MustClose(t, source)

	require.NoError(t, source.Update(func(txn ReadWriter) error {
		for _, key := range []string{"a/1", "a/2", "b/1"} {
			if err := txn.Set([]byte(key), []byte("value-"+key)); err != nil {
				return err
			}
		}
		return nil
	}))

	var backup bytes.Buffer
	require.NoError(t, source.Backup(&backup))

	target, err := NewBadgerStore(logger, testhelper.TempDir(t))
	require.NoError(t, err)
	defer testhelper.MustClose(t, target)

	require.NoError(t, target.Restore(&backup))
	require.Equal(t, "value-a/2", readKey(t, target, "a/2"))

	var keys []string
	require.NoError(t, target.View(func(txn ReadWriter) error {
		it := txn.NewIterator(IteratorOptions{Prefix: []byte("a/"), KeysOnly: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	}))
	require.Equal(t, []string{"a/1", "a/2"}, keys)

	require.NoError(t, target.View(func(txn ReadWriter) error {
		_, err := txn.Get([]byte("missing"))
		require.ErrorIs(t, err, ErrKeyNotFound)
		return nil
	}))
}
