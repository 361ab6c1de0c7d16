package testhelper

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// RequireXattrSupport skips the test if the file system backing dir does not support user
// extended attributes.
func RequireXattrSupport(tb testing.TB, dir string) {
	tb.Helper()

	file := filepath.Join(dir, ".xattr-support")
	require.NoError(tb, os.WriteFile(file, nil, 0o600))
	defer func() { require.NoError(tb, os.Remove(file)) }()

	if err := unix.Setxattr(file, "user.support", []byte("1"), 0); err != nil {
		if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) {
			tb.Skipf("file system does not support user extended attributes: %v", err)
		}
		require.NoError(tb, err)
	}
}
