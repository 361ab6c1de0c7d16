package testhelper

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/proxmox/ceph-sub001/internal/helper/perm"
	"github.com/stretchr/testify/require"
)

// tbRecorder records failures instead of failing the test.
type tbRecorder struct {
	// Embed a nil TB so unexpected calls panic.
	testing.TB
	tb testing.TB

	errorMessage string
	helper       bool
	failNow      bool
}

func (r *tbRecorder) Name() string { return r.tb.Name() }

func (r *tbRecorder) Errorf(format string, args ...any) {
	r.errorMessage = fmt.Sprintf(format, args...)
}

func (r *tbRecorder) Helper() { r.helper = true }

func (r *tbRecorder) FailNow() { r.failNow = true }

func (r *tbRecorder) Failed() bool { return r.errorMessage != "" }

func TestRequireDirectoryState(t *testing.T) {
	t.Parallel()

	rootDir := t.TempDir()
	CreateFS(t, rootDir, fstest.MapFS{
		"store":                          {Mode: fs.ModeDir | perm.PrivateDir},
		"store/fsid":                     {Mode: perm.PrivateFile, Data: []byte("fsid\n")},
		"store/current":                  {Mode: fs.ModeDir | perm.PrivateDir},
		"store/current/commit_op_seq":    {Mode: perm.PrivateFile, Data: []byte("7\n")},
		"store/current/1.0_head":         {Mode: fs.ModeDir | perm.SharedDir},
		"store/current/1.0_head/object1": {Mode: perm.SharedFile, Data: []byte("data")},
	})

	// CreateFS creates entries subject to the umask. Fix up the modes so the assertions don't
	// depend on the environment.
	for path, mode := range map[string]fs.FileMode{
		"store":                          perm.PrivateDir,
		"store/current":                  perm.PrivateDir,
		"store/current/1.0_head":         perm.SharedDir,
		"store/fsid":                     perm.PrivateFile,
		"store/current/commit_op_seq":    perm.PrivateFile,
		"store/current/1.0_head/object1": perm.SharedFile,
	} {
		require.NoError(t, os.Chmod(filepath.Join(rootDir, path), mode))
	}

	for _, tc := range []struct {
		desc                 string
		modifyAssertion      func(DirectoryState)
		expectedErrorMessage string
	}{
		{
			desc:            "correct assertion",
			modifyAssertion: func(DirectoryState) {},
		},
		{
			desc: "unexpected file",
			modifyAssertion: func(state DirectoryState) {
				delete(state, "/store/fsid")
			},
			expectedErrorMessage: `"/store/fsid"`,
		},
		{
			desc: "wrong mode",
			modifyAssertion: func(state DirectoryState) {
				modified := state["/store/current"]
				modified.Mode = fs.ModeDir | perm.SharedDir
				state["/store/current"] = modified
			},
			expectedErrorMessage: `drwxr-xr-x`,
		},
		{
			desc: "wrong parsed content",
			modifyAssertion: func(state DirectoryState) {
				modified := state["/store/current/commit_op_seq"]
				modified.Content = uint64(8)
				state["/store/current/commit_op_seq"] = modified
			},
			expectedErrorMessage: `uint64(8)`,
		},
		{
			desc: "missing entry",
			modifyAssertion: func(state DirectoryState) {
				state["/store/journal"] = DirectoryEntry{}
			},
			expectedErrorMessage: `"/store/journal"`,
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			expectedState := DirectoryState{
				"/store":         {Mode: fs.ModeDir | perm.PrivateDir},
				"/store/fsid":    {Mode: perm.PrivateFile, Content: []byte("fsid\n")},
				"/store/current": {Mode: fs.ModeDir | perm.PrivateDir},
				"/store/current/commit_op_seq": {
					Mode:    perm.PrivateFile,
					Content: uint64(7),
					ParseContent: func(tb testing.TB, path string, content []byte) any {
						require.Equal(t, filepath.Join(rootDir, "store", "current", "commit_op_seq"), path)
						require.Equal(t, "7\n", string(content))
						return uint64(7)
					},
				},
				"/store/current/*_head":   {Mode: fs.ModeDir | perm.SharedDir},
				"/store/current/*_head/*": {Mode: perm.SharedFile, Content: []byte("data")},
			}

			tc.modifyAssertion(expectedState)

			recordedTB := &tbRecorder{tb: t}
			RequireDirectoryState(recordedTB, rootDir, "store", expectedState)

			if tc.expectedErrorMessage != "" {
				require.Contains(t,
					// The diff may contain non-breaking spaces.
					strings.ReplaceAll(recordedTB.errorMessage, "\u00a0", " "),
					tc.expectedErrorMessage,
				)
				require.True(t, recordedTB.failNow)
			} else {
				require.Empty(t, recordedTB.errorMessage)
				require.False(t, recordedTB.failNow)
			}
			require.True(t, recordedTB.helper)
			require.NotNil(t,
				expectedState["/store/current/commit_op_seq"].ParseContent,
				"ParseContent should still be set on the original expected state",
			)
		})
	}
}
