package keyvalue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/proxmox/ceph-sub001/internal/helper"
	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"github.com/proxmox/ceph-sub001/internal/log"
	"github.com/proxmox/ceph-sub001/internal/safe"
)

// Configure the garbage collection discard ratio at 0.5. This means the value log is garbage
// collected if we can reclaim more than half of the space.
const gcDiscardRatio = 0.5

// DatabaseOpener is responsible for opening a database handle.
type DatabaseOpener interface {
	// OpenDatabase opens a database at the given path.
	OpenDatabase(log.Logger, string) (Store, error)
}

// DatabaseOpenerFunc is a function that implements DatabaseOpener.
type DatabaseOpenerFunc func(log.Logger, string) (Store, error)

// OpenDatabase opens a handle to the database at the given path.
func (fn DatabaseOpenerFunc) OpenDatabase(logger log.Logger, path string) (Store, error) {
	return fn(logger, path)
}

// DB is a Store whose value log is garbage collected in the background until it is closed.
type DB struct {
	Store
	stopGC func()
}

// Open creates the database directory if needed, opens the database in it and starts the value
// log garbage collection.
func Open(logger log.Logger, opener DatabaseOpener, gcTickerFactory helper.TickerFactory, path string) (*DB, error) {
	logger = logger.WithField("component", "database")

	if err := os.MkdirAll(path, perm.PrivateDir); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	if err := safe.NewSyncer().SyncHierarchy(filepath.Dir(path), filepath.Base(path)); err != nil {
		return nil, fmt.Errorf("sync database directory: %w", err)
	}

	store, err := opener.OpenDatabase(logger, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &DB{
		Store:  store,
		stopGC: runValueLogGC(logger, store, gcTickerFactory),
	}, nil
}

// Close stops the garbage collection and closes the database.
func (db *DB) Close() error {
	db.stopGC()
	return db.Store.Close()
}

// runValueLogGC garbage collects the value log every time the ticker fires. The returned function
// stops the goroutine and waits for it to exit.
func runValueLogGC(logger log.Logger, db Store, tickerFactory helper.TickerFactory) func() {
	gcCtx, stopGC := context.WithCancel(context.Background())
	gcStopped := make(chan struct{})

	go func() {
		defer func() {
			logger.Debug("value log garbage collection goroutine stopped")
			close(gcStopped)
		}()

		ticker := tickerFactory.NewTicker()
		for {
			for {
				if err := db.RunValueLogGC(gcDiscardRatio); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						logger.WithError(err).Error("value log garbage collection failed")
					}
					break
				}

				// Files were rewritten. There may be more to collect unless we are stopping.
				logger.Debug("value log file garbage collected")
				if gcCtx.Err() != nil {
					break
				}
			}

			ticker.Reset()
			select {
			case <-ticker.C():
			case <-gcCtx.Done():
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		stopGC()
		<-gcStopped
	}
}
