package backend

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"github.com/proxmox/ceph-sub001/internal/safe"
	"golang.org/x/sys/unix"
)

const stagingSuffix = ".staging"

// Checkpoint is a Generic backend that checkpoints by copying the current state into a
// checkpoint directory next to it. A checkpoint is only visible once completely written, so a
// crash while checkpointing leaves the previous checkpoints intact.
type Checkpoint struct {
	Generic
}

// Name implements Backend.
func (Checkpoint) Name() string { return KindCheckpoint }

// CanCheckpoint implements Backend.
func (Checkpoint) CanCheckpoint() bool { return true }

// CreateCheckpoint implements Backend.
func (c Checkpoint) CreateCheckpoint(name string) error {
	target := filepath.Join(c.basePath, name)
	staging := target + stagingSuffix

	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("remove stale staging: %w", err)
	}

	if err := CopyTree(c.currentPath, staging); err != nil {
		return fmt.Errorf("copy current state: %w", err)
	}

	if err := safe.NewSyncer().SyncRecursive(staging); err != nil {
		return fmt.Errorf("sync staging: %w", err)
	}

	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	return safe.NewSyncer().SyncParent(target)
}

// ListCheckpoints implements Backend.
func (c Checkpoint) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(c.basePath)
	if err != nil {
		return nil, fmt.Errorf("read base directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasSuffix(entry.Name(), stagingSuffix) {
			continue
		}
		if _, ok := ParseCheckpointName(entry.Name()); ok {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// DestroyCheckpoint implements Backend.
func (c Checkpoint) DestroyCheckpoint(name string) error {
	path := filepath.Join(c.basePath, name)
	if _, err := os.Stat(path); err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return safe.NewSyncer().SyncParent(path)
}

// RollbackTo implements Backend.
func (c Checkpoint) RollbackTo(name string) error {
	source := filepath.Join(c.basePath, name)
	if _, err := os.Stat(source); err != nil {
		return err
	}

	staging := c.currentPath + stagingSuffix
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("remove stale staging: %w", err)
	}

	if err := CopyTree(source, staging); err != nil {
		return fmt.Errorf("copy checkpoint: %w", err)
	}

	if err := safe.NewSyncer().SyncRecursive(staging); err != nil {
		return fmt.Errorf("sync staging: %w", err)
	}

	if err := os.RemoveAll(c.currentPath); err != nil {
		return fmt.Errorf("remove current state: %w", err)
	}

	if err := os.Rename(staging, c.currentPath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	return safe.NewSyncer().SyncParent(c.currentPath)
}

// CopyTree copies the directory tree at source to target including the user extended
// attributes of every entry. Entries whose path relative to source is listed in exclude are
// skipped together with their contents.
func CopyTree(source, target string, exclude ...string) error {
	return filepath.WalkDir(source, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}

		if slices.Contains(exclude, rel) {
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		dst := filepath.Join(target, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			if err := os.Mkdir(dst, info.Mode().Perm()|perm.PrivateDir); err != nil {
				return err
			}
		case entry.Type().IsRegular():
			if err := copyFile(path, dst, info.Mode().Perm()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported file type %s at %q", entry.Type(), path)
		}

		return copyXattrs(path, dst)
	})
}

func copyFile(source, target string, mode fs.FileMode) (returnedErr error) {
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer func() {
		if err := dst.Close(); err != nil && returnedErr == nil {
			returnedErr = err
		}
	}()

	_, err = io.Copy(dst, src)
	return err
}

func copyXattrs(source, target string) error {
	names, err := listXattrs(source)
	if err != nil {
		return err
	}

	for _, name := range names {
		value, err := getXattr(source, name)
		if err != nil {
			return err
		}

		if err := unix.Setxattr(target, name, value, 0); err != nil {
			return fmt.Errorf("set xattr %q: %w", name, err)
		}
	}
	return nil
}

func listXattrs(path string) ([]string, error) {
	size, err := unix.Listxattr(path, nil)
	if err != nil {
		if errors.Is(err, unix.ENOTSUP) {
			return nil, nil
		}
		return nil, fmt.Errorf("list xattrs: %w", err)
	}
	if size == 0 {
		return nil, nil
	}

	buf := make([]byte, size)
	if size, err = unix.Listxattr(path, buf); err != nil {
		return nil, fmt.Errorf("list xattrs: %w", err)
	}

	var names []string
	for _, name := range strings.Split(string(buf[:size]), "\x00") {
		if strings.HasPrefix(name, "user.") {
			names = append(names, name)
		}
	}
	return names, nil
}

func getXattr(path, name string) ([]byte, error) {
	size, err := unix.Getxattr(path, name, nil)
	if err != nil {
		return nil, fmt.Errorf("get xattr %q: %w", name, err)
	}

	value := make([]byte, size)
	if size, err = unix.Getxattr(path, name, value); err != nil {
		return nil, fmt.Errorf("get xattr %q: %w", name, err)
	}
	return value[:size], nil
}
