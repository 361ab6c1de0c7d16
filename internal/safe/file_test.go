package safe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "superblock")

	require.NoError(t, WriteFile(path, []byte("first"), 0o600))
	require.NoError(t, WriteFile(path, []byte("second"), 0o600))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "second", string(content))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files should not be left behind")
}

func TestWriteFile_missingDirectory(t *testing.T) {
	t.Parallel()

	err := WriteFile(filepath.Join(t.TempDir(), "missing", "file"), []byte("data"), 0o600)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSyncer(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "b", "file"), []byte("x"), 0o600))

	syncer := NewSyncer()
	require.NoError(t, syncer.SyncHierarchy(root, filepath.Join("a", "b")))
	require.NoError(t, syncer.SyncRecursive(root))
	require.NoError(t, syncer.SyncParent(filepath.Join(root, "a", "b", "file")))
	require.ErrorIs(t, syncer.Sync(filepath.Join(root, "missing")), os.ErrNotExist)
}
