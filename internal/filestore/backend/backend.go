// Package backend abstracts the capabilities of the file system the object store lives on:
// syncing the whole file system, cloning file ranges, allocation hints and, where supported,
// checkpoints of the store's current state.
package backend

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/proxmox/ceph-sub001/internal/log"
)

// ErrNotSupported is returned for operations the backend does not support.
var ErrNotSupported = errors.New("operation not supported by backend")

const (
	// KindGeneric is the backend for any POSIX file system.
	KindGeneric = "generic"
	// KindCheckpoint is the backend that additionally supports checkpoints.
	KindCheckpoint = "checkpoint"
)

// CheckpointPrefix prefixes the names of checkpoints. The suffix is the committed sequence
// number the checkpoint captures.
const CheckpointPrefix = "snap_"

// Backend is the file system specific part of the object store.
type Backend interface {
	// Name returns the kind of the backend.
	Name() string
	// CanCheckpoint reports whether the backend supports checkpoints.
	CanCheckpoint() bool
	// CreateCheckpoint captures the current state under the given name.
	CreateCheckpoint(name string) error
	// ListCheckpoints returns the names of the existing checkpoints.
	ListCheckpoints() ([]string, error)
	// DestroyCheckpoint removes a checkpoint.
	DestroyCheckpoint(name string) error
	// RollbackTo replaces the current state with the checkpoint.
	RollbackTo(name string) error
	// Syncfs persists every file of the file system holding the store.
	Syncfs() error
	// CloneRange copies length bytes at srcOffset in src to dstOffset in dst.
	CloneRange(src, dst *os.File, srcOffset, length, dstOffset int64) error
	// SetAllocHint hints the expected size of the file.
	SetAllocHint(file *os.File, size uint64) error
}

// New returns the backend of the given kind for the store rooted at basePath. The store's state
// lives in currentPath.
func New(logger log.Logger, kind, basePath, currentPath string) (Backend, error) {
	logger = logger.WithField("backend", kind)

	generic := Generic{basePath: basePath, currentPath: currentPath, logger: logger}
	switch kind {
	case KindGeneric:
		return generic, nil
	case KindCheckpoint:
		return Checkpoint{Generic: generic}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", kind)
	}
}

// CheckpointName returns the name of the checkpoint capturing seq.
func CheckpointName(seq uint64) string {
	return CheckpointPrefix + strconv.FormatUint(seq, 10)
}

// ParseCheckpointName returns the sequence number captured by the checkpoint.
func ParseCheckpointName(name string) (uint64, bool) {
	suffix, ok := strings.CutPrefix(name, CheckpointPrefix)
	if !ok {
		return 0, false
	}

	seq, err := strconv.ParseUint(suffix, 10, 64)
	return seq, err == nil
}

// SortCheckpoints sorts checkpoint names by the sequence number they capture. Names that are
// not checkpoint names are dropped.
func SortCheckpoints(names []string) []uint64 {
	seqs := make([]uint64, 0, len(names))
	for _, name := range names {
		if seq, ok := ParseCheckpointName(name); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}
