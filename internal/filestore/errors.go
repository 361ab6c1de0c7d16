package filestore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMounted is returned when the store is used before it was mounted.
	ErrNotMounted = errors.New("store not mounted")
	// ErrMounted is returned when mounting a store that is mounted already.
	ErrMounted = errors.New("store already mounted")
	// ErrNoSuchCollection is returned by reads of collections that do not exist.
	ErrNoSuchCollection = errors.New("no such collection")
	// ErrNoSuchObject is returned by reads of objects that do not exist.
	ErrNoSuchObject = errors.New("no such object")
	// ErrNoSuchAttribute is returned by reads of attributes that are not set.
	ErrNoSuchAttribute = errors.New("no such attribute")
	// ErrStaleCheckpoint is returned when mounting would roll back over state written without
	// checkpoints.
	ErrStaleCheckpoint = errors.New("current state was written without checkpoints")
	// ErrInvalidStore is returned when the store's metadata is missing or inconsistent.
	ErrInvalidStore = errors.New("invalid store")
	// ErrStoreLocked is returned when another process has the store mounted.
	ErrStoreLocked = errors.New("store is locked")
	// ErrInjectedFailure is passed to the abort handler when an injected failure triggers.
	ErrInjectedFailure = errors.New("injected failure")
)

// FatalError is the error the store aborts with when it cannot continue without risking
// corruption of the on-disk state.
type FatalError struct {
	Err error
}

func (e FatalError) Error() string {
	return fmt.Sprintf("fatal store error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e FatalError) Unwrap() error {
	return e.Err
}
