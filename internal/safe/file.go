package safe

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces the file at path with data. The data is written into a temporary
// file next to the target, synced, renamed over the target and the parent directory is synced
// so the rename is durable once WriteFile returns.
func WriteFile(path string, data []byte, mode fs.FileMode) (returnedErr error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}

	defer func() {
		if returnedErr != nil {
			if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
				returnedErr = errors.Join(returnedErr, fmt.Errorf("remove temporary file: %w", err))
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	if err := NewSyncer().SyncParent(path); err != nil {
		return fmt.Errorf("sync parent: %w", err)
	}

	return nil
}
