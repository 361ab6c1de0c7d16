package backend

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/proxmox/ceph-sub001/internal/log"
	"golang.org/x/sys/unix"
)

// Generic works on any POSIX file system. It cannot checkpoint, so the object store relies on
// replay guards to make journal replay idempotent.
type Generic struct {
	basePath    string
	currentPath string
	logger      log.Logger
}

// Name implements Backend.
func (Generic) Name() string { return KindGeneric }

// CanCheckpoint implements Backend.
func (Generic) CanCheckpoint() bool { return false }

// CreateCheckpoint implements Backend.
func (Generic) CreateCheckpoint(string) error { return ErrNotSupported }

// ListCheckpoints implements Backend.
func (Generic) ListCheckpoints() ([]string, error) { return nil, nil }

// DestroyCheckpoint implements Backend.
func (Generic) DestroyCheckpoint(string) error { return ErrNotSupported }

// RollbackTo implements Backend.
func (Generic) RollbackTo(string) error { return ErrNotSupported }

// Syncfs implements Backend.
func (g Generic) Syncfs() error {
	dir, err := os.Open(g.currentPath)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer dir.Close()

	if err := unix.Syncfs(int(dir.Fd())); err != nil {
		return fmt.Errorf("syncfs: %w", err)
	}

	return nil
}

// CloneRange implements Backend. The range is copied in the kernel where possible.
func (g Generic) CloneRange(src, dst *os.File, srcOffset, length, dstOffset int64) error {
	copied, err := copyFileRange(src, dst, srcOffset, length, dstOffset)
	if err == nil {
		return nil
	}

	if !errors.Is(err, unix.EXDEV) && !errors.Is(err, unix.ENOSYS) && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.EOPNOTSUPP) {
		return fmt.Errorf("copy file range: %w", err)
	}

	g.logger.WithError(err).Debug("copy_file_range unavailable, copying through user space")
	return copyRange(src, dst, srcOffset+copied, length-copied, dstOffset+copied)
}

func copyFileRange(src, dst *os.File, srcOffset, length, dstOffset int64) (int64, error) {
	var copied int64
	for copied < length {
		roff, woff := srcOffset+copied, dstOffset+copied
		n, err := unix.CopyFileRange(int(src.Fd()), &roff, int(dst.Fd()), &woff, int(length-copied), 0)
		if err != nil {
			return copied, err
		}
		if n == 0 {
			// Reached the end of the source. The rest of the range reads as zeroes.
			break
		}
		copied += int64(n)
	}
	return copied, nil
}

func copyRange(src, dst *os.File, srcOffset, length, dstOffset int64) error {
	if length <= 0 {
		return nil
	}

	if _, err := io.Copy(io.NewOffsetWriter(dst, dstOffset), io.NewSectionReader(src, srcOffset, length)); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

// SetAllocHint implements Backend by preallocating the expected size.
func (g Generic) SetAllocHint(file *os.File, size uint64) error {
	if size == 0 {
		return nil
	}

	if err := unix.Fallocate(int(file.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, int64(size)); err != nil {
		if errors.Is(err, unix.EOPNOTSUPP) {
			return nil
		}
		return fmt.Errorf("fallocate: %w", err)
	}
	return nil
}
