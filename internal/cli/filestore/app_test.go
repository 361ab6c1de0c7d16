package filestore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/proxmox/ceph-sub001/internal/config"
	"github.com/proxmox/ceph-sub001/internal/filestore"
	"github.com/proxmox/ceph-sub001/internal/filestore/journal"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/testhelper"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

// writeConfig writes a configuration for a store in a fresh directory and returns its path.
func writeConfig(t *testing.T, withJournal bool) (string, config.Cfg) {
	t.Helper()

	dir := testhelper.TempDir(t)
	testhelper.RequireXattrSupport(t, dir)

	content := fmt.Sprintf("base_path = %q\n", filepath.Join(dir, "store"))
	if withJournal {
		content += fmt.Sprintf("journal_path = %q\n", filepath.Join(dir, "journal"))
	}
	content += "\n[journal]\nwriteahead = true\n"

	configPath := filepath.Join(dir, "filestore.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	cfg, err := config.LoadFile(configPath)
	require.NoError(t, err)

	return configPath, cfg
}

func runApp(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()

	var stdout bytes.Buffer

	app := NewApp()
	app.Writer = &stdout
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.RunContext(testhelper.Context(t), append([]string{"filestore", "--config", configPath}, args...))
	return stdout.String(), err
}

func TestMkfs(t *testing.T) {
	t.Parallel()

	configPath, cfg := writeConfig(t, true)
	fsid := uuid.New()

	output, err := runApp(t, configPath, "mkfs", "--fsid", fsid.String())
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("created store %s in %s\n", fsid, cfg.BasePath), output)

	storedFSID, err := filestore.ReadFSID(cfg.BasePath)
	require.NoError(t, err)
	require.Equal(t, fsid, storedFSID)
	require.DirExists(t, cfg.JournalPath)

	_, err = runApp(t, configPath, "mkfs", "--fsid", uuid.New().String())
	require.ErrorIs(t, err, filestore.ErrInvalidStore)

	_, err = runApp(t, configPath, "mkfs", "--fsid", "not-a-uuid")
	require.ErrorContains(t, err, "parse fsid")

	_, err = runApp(t, configPath, "mkfs", "unexpected")
	require.ErrorContains(t, err, "mkfs doesn't accept positional arguments")
}

func TestStatus(t *testing.T) {
	t.Parallel()

	t.Run("unmounted store", func(t *testing.T) {
		t.Parallel()

		configPath, cfg := writeConfig(t, true)
		_, err := runApp(t, configPath, "mkfs")
		require.NoError(t, err)

		fsid, err := filestore.ReadFSID(cfg.BasePath)
		require.NoError(t, err)

		output, err := runApp(t, configPath, "status")
		require.NoError(t, err)
		require.Contains(t, output, fsid.String())
		require.Regexp(t, `committed seq\s*\|\s*1\s`, output)
		require.Regexp(t, `version\s*\|\s*4\s`, output)
		require.Regexp(t, `journal entries\s*\|\s*0\s`, output)
	})

	t.Run("mounted store", func(t *testing.T) {
		t.Parallel()

		ctx := testhelper.Context(t)
		configPath, cfg := writeConfig(t, true)
		_, err := runApp(t, configPath, "mkfs")
		require.NoError(t, err)

		store, err := filestore.New(testhelper.NewLogger(t), cfg)
		require.NoError(t, err)
		require.NoError(t, store.Mount(ctx))
		defer func() { require.NoError(t, store.Umount(ctx)) }()

		_, err = runApp(t, configPath, "status")
		require.ErrorIs(t, err, filestore.ErrStoreLocked)
	})

	t.Run("missing store", func(t *testing.T) {
		t.Parallel()

		configPath, _ := writeConfig(t, true)
		_, err := runApp(t, configPath, "status")
		require.ErrorIs(t, err, filestore.ErrInvalidStore)
	})
}

// journalBatch appends a batch to the journal of an unmounted store as if the store crashed
// right after journaling it.
func journalBatch(t *testing.T, cfg config.Cfg, seq uint64, transactions ...*transaction.Transaction) {
	t.Helper()

	ctx := testhelper.Context(t)

	j, err := journal.Open(testhelper.NewLogger(t), cfg.JournalPath, journal.Config{
		MaxBytes:  cfg.Journal.MaxBytes,
		FullRatio: cfg.Journal.FullRatio,
	}, nil)
	require.NoError(t, err)
	defer testhelper.MustClose(t, j)

	require.NoError(t, j.Start(seq-1))

	journaled := make(chan error, 1)
	require.True(t, j.Submit(seq, transaction.EncodeBatch(seq, transactions), func(err error) { journaled <- err }))
	require.NoError(t, <-journaled)
	require.NoError(t, j.Flush(ctx))
}

func TestReplay(t *testing.T) {
	t.Parallel()

	configPath, cfg := writeConfig(t, true)
	_, err := runApp(t, configPath, "mkfs")
	require.NoError(t, err)

	cid := transaction.PGCollection(1, 0)
	tx := transaction.New()
	tx.CreateCollection(cid, 0)
	tx.Touch(cid, transaction.NewObjectID(1, "object", 0))
	journalBatch(t, cfg, 2, tx)

	output, err := runApp(t, configPath, "dump-journal", "--ops")
	require.NoError(t, err)
	require.Regexp(t, `2\s*\|\s*\d+\s*\|\s*false\s*\|\s*0\s*\|\s*2\s*\|\s*mkcoll`, output)
	require.Regexp(t, `\|\s*touch\s*\|`, output)

	output, err = runApp(t, configPath, "dump-journal", "--seq", "3")
	require.NoError(t, err)
	require.NotContains(t, output, "false")

	output, err = runApp(t, configPath, "replay")
	require.NoError(t, err)
	require.Equal(t, "replayed 1 batches, committed through 2\n", output)

	output, err = runApp(t, configPath, "status")
	require.NoError(t, err)
	require.Regexp(t, `committed seq\s*\|\s*2\s`, output)
	require.Regexp(t, `journal entries\s*\|\s*0\s`, output)

	output, err = runApp(t, configPath, "fsck-guard")
	require.NoError(t, err)
	require.Regexp(t, `collection\s*\|\s*1\.0_head\s*\|\s*\|\s*2\.0\.0\s*\|\s*false`, output)
	require.Contains(t, output, "0 guards in progress\n")

	output, err = runApp(t, configPath, "fsck-guard", filepath.Join(cfg.BasePath, "current", cid.String()))
	require.NoError(t, err)
	require.Regexp(t, `local\s*\|.*\|\s*2\.0\.0\s*\|\s*false`, output)
}

func TestDumpJournal_withoutJournal(t *testing.T) {
	t.Parallel()

	configPath, _ := writeConfig(t, false)
	_, err := runApp(t, configPath, "mkfs")
	require.NoError(t, err)

	_, err = runApp(t, configPath, "dump-journal")
	require.ErrorContains(t, err, "the store has no journal configured")
}
