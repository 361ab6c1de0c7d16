package testhelper

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// Run sets up required testing state and executes the given test suite. Once the tests have
// finished, it verifies that no goroutines were leaked.
func Run(m *testing.M) {
	goleak.VerifyTestMain(m,
		// Badger keeps a handful of process-wide goroutines around once a database was opened.
		goleak.IgnoreTopFunction("github.com/golang/glog.(*fileSink).flushDaemon"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
		goleak.IgnoreTopFunction("github.com/dgraph-io/ristretto/z.(*AllocatorPool).freeupAllocators"),
	)
}

// Context returns a context that is canceled once the test has finished.
func Context(tb testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	return ctx
}

// MustClose calls Close() on the Closer and fails the test in case it returns
// an error. This function is useful when closing via `defer`, as a simple
// `defer require.NoError(t, closer.Close())` would cause `closer.Close()` to
// be executed early already.
func MustClose(tb testing.TB, closer io.Closer) {
	tb.Helper()
	require.NoError(tb, closer.Close())
}

// TempDir returns a fresh directory below the test's temporary directory. It is removed with
// the rest of the test's temporary files.
func TempDir(tb testing.TB) string {
	tb.Helper()

	dir, err := os.MkdirTemp(tb.TempDir(), "store-")
	require.NoError(tb, err)

	return dir
}
