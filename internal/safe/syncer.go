package safe

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Syncer fsyncs files and directories.
type Syncer struct{}

// NewSyncer returns a new Syncer.
func NewSyncer() Syncer {
	return Syncer{}
}

// Sync opens the file or directory at the given path and syncs it.
func (s Syncer) Sync(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer file.Close()

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	return nil
}

// SyncParent syncs the parent directory of the given path.
func (s Syncer) SyncParent(path string) error {
	return s.Sync(filepath.Dir(path))
}

// SyncRecursive walks the file tree rooted at path and fsyncs every file and directory.
func (s Syncer) SyncRecursive(path string) error {
	return filepath.WalkDir(path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.Type().IsRegular() && !d.IsDir() {
			return nil
		}

		return s.Sync(path)
	})
}

// SyncHierarchy syncs every directory from rootPath down to and including relativePath.
// rootPath itself is synced as the entry of the first component lives there.
func (s Syncer) SyncHierarchy(rootPath, relativePath string) error {
	currentPath := rootPath
	if err := s.Sync(currentPath); err != nil {
		return fmt.Errorf("sync root: %w", err)
	}

	for _, component := range strings.Split(filepath.Clean(relativePath), string(os.PathSeparator)) {
		if component == "" || component == "." {
			continue
		}

		currentPath = filepath.Join(currentPath, component)
		if err := s.Sync(currentPath); err != nil {
			return fmt.Errorf("sync %q: %w", currentPath, err)
		}
	}

	return nil
}
