package journal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/testhelper"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}

func batch(name string) []byte {
	tx := transaction.New()
	tx.Touch(transaction.PGCollection(1, 0), transaction.NewObjectID(1, name, 0))
	return transaction.EncodeTransactions([]*transaction.Transaction{tx})
}

func setupJournal(t *testing.T, cfg Config) (*Journal, string) {
	t.Helper()

	path := filepath.Join(testhelper.TempDir(t), "journal")
	require.NoError(t, Create(path))

	j, err := Open(testhelper.NewLogger(t), path, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, j.Close()) })

	return j, path
}

type recorder struct {
	mu   sync.Mutex
	seqs []uint64
	done chan struct{}
	want int
}

func newRecorder(want int) *recorder {
	return &recorder{done: make(chan struct{}), want: want}
}

func (r *recorder) callback(seq uint64) func(error) {
	return func(err error) {
		if err != nil {
			panic(err)
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		r.seqs = append(r.seqs, seq)
		if len(r.seqs) == r.want {
			close(r.done)
		}
	}
}

func TestJournal_entryName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0000000000001", entryName(1))
	require.Less(t, entryName(35), entryName(36))

	seq, ok := parseEntryName(entryName(12345))
	require.True(t, ok)
	require.Equal(t, uint64(12345), seq)

	_, ok = parseEntryName("12345")
	require.False(t, ok)
}

func TestJournal_submitInOrder(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	j, _ := setupJournal(t, Config{MaxBytes: 1 << 20, FullRatio: 0.5})

	require.False(t, j.Submit(1, batch("early"), func(error) {}), "entries must not be accepted before starting")
	require.NoError(t, j.Start(0))
	require.True(t, j.IsWriteable())

	rec := newRecorder(10)
	for seq := uint64(1); seq <= 10; seq++ {
		require.NoError(t, j.Reserve(ctx, 64))
		require.True(t, j.Submit(seq, batch("object"), rec.callback(seq)))
	}

	<-rec.done
	require.Equal(t, []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, rec.seqs)
	require.NoError(t, j.Flush(ctx))

	require.False(t, j.Submit(5, batch("stale"), func(error) {}), "sequence numbers must increase")

	entries, err := j.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 10)
	require.Equal(t, uint64(1), entries[0].Seq)

	transactions, err := j.ReadEntry(3)
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	object, err := transactions[0].Object(0)
	require.NoError(t, err)
	require.Equal(t, transaction.NewObjectID(1, "object", 0), object)
}

func TestJournal_trimAndReplay(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	path := filepath.Join(testhelper.TempDir(t), "journal")
	require.NoError(t, Create(path))

	j, err := Open(testhelper.NewLogger(t), path, Config{MaxBytes: 1 << 20, FullRatio: 0.5}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Start(0))

	for seq := uint64(1); seq <= 5; seq++ {
		require.True(t, j.Submit(seq, batch("object"), func(error) {}))
	}
	require.NoError(t, j.Flush(ctx))

	j.CommitStart(2)
	require.NoError(t, j.CommittedThrough(2))
	require.NoError(t, j.Close())

	// A partially written entry from a crash is discarded.
	require.NoError(t, os.WriteFile(filepath.Join(path, entryName(6)+tempSuffix), []byte("partial"), 0o600))

	j, err = Open(testhelper.NewLogger(t), path, Config{MaxBytes: 1 << 20, FullRatio: 0.5}, nil)
	require.NoError(t, err)
	defer testhelper.MustClose(t, j)

	var replayed []uint64
	last, err := j.Replay(ctx, 3, func(seq uint64, transactions []*transaction.Transaction) error {
		require.Len(t, transactions, 1)
		replayed = append(replayed, seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
	require.Equal(t, []uint64{3, 4, 5}, replayed)

	_, err = os.Stat(filepath.Join(path, entryName(6)+tempSuffix))
	require.ErrorIs(t, err, os.ErrNotExist)

	// Nothing to replay past the end.
	last, err = j.Replay(ctx, 6, func(uint64, []*transaction.Transaction) error {
		t.Fatal("unexpected replay")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestJournal_replayStopsAtGap(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	j, path := setupJournal(t, Config{MaxBytes: 1 << 20, FullRatio: 0.5})
	require.NoError(t, j.Start(0))

	for seq := uint64(1); seq <= 4; seq++ {
		require.True(t, j.Submit(seq, batch("object"), func(error) {}))
	}
	require.NoError(t, j.Flush(ctx))
	require.NoError(t, os.Remove(filepath.Join(path, entryName(3))))

	var replayed []uint64
	last, err := j.Replay(ctx, 1, func(seq uint64, _ []*transaction.Transaction) error {
		replayed = append(replayed, seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)
	require.Equal(t, []uint64{1, 2}, replayed)
}

func TestJournal_corruptEntry(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	j, path := setupJournal(t, Config{MaxBytes: 1 << 20, FullRatio: 0.5})

	require.NoError(t, os.WriteFile(filepath.Join(path, entryName(1)), []byte{0xff}, 0o600))

	_, err := j.Replay(ctx, 1, func(uint64, []*transaction.Transaction) error { return nil })
	require.ErrorIs(t, err, transaction.ErrCorrupt)
}

func TestJournal_dropWhenFull(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	payload := batch("object")
	entrySize := int64(len(transaction.WithSequence(1, payload)))

	j, _ := setupJournal(t, Config{MaxBytes: 2 * entrySize, FullRatio: 0.9})
	require.NoError(t, j.Start(0))
	require.False(t, j.ShouldCommitNow())

	require.True(t, j.Submit(1, payload, func(error) {}))
	require.True(t, j.Submit(2, payload, func(error) {}))
	require.True(t, j.ShouldCommitNow())

	// The journal is full, the entry is dropped and so is every entry until a commit covers the
	// dropped ones.
	require.False(t, j.Submit(3, payload, func(error) {}))
	require.NoError(t, j.Flush(ctx))
	require.NoError(t, j.CommittedThrough(2))
	require.False(t, j.Submit(4, payload, func(error) {}))
	require.True(t, j.ShouldCommitNow())

	require.NoError(t, j.CommittedThrough(4))
	require.False(t, j.ShouldCommitNow())
	require.True(t, j.Submit(5, payload, func(error) {}))
	require.NoError(t, j.Flush(ctx))

	entries, err := j.Entries()
	require.NoError(t, err)
	require.Equal(t, []EntryInfo{{Seq: 5, Size: entrySize}}, entries)
}

func TestJournal_waitOnFull(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	payload := batch("object")
	entrySize := int64(len(transaction.WithSequence(1, payload)))

	j, _ := setupJournal(t, Config{MaxBytes: entrySize, FullRatio: 0.5})
	j.SetWaitOnFull(true)
	require.NoError(t, j.Start(0))

	require.NoError(t, j.Reserve(ctx, entrySize))
	require.True(t, j.Submit(1, payload, func(error) {}))

	reserved := make(chan error)
	go func() {
		reserved <- j.Reserve(ctx, entrySize)
	}()

	select {
	case <-reserved:
		t.Fatal("reservation should block while the journal is full")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, j.Flush(ctx))
	require.NoError(t, j.CommittedThrough(1))
	require.NoError(t, <-reserved)
	require.True(t, j.Submit(2, payload, func(error) {}))

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, j.Reserve(canceledCtx, entrySize), context.Canceled)
}

func TestJournal_fullHandler(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	payload := batch("object")
	entrySize := int64(len(transaction.WithSequence(1, payload)))

	t.Run("dropping", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		j, _ := setupJournal(t, Config{MaxBytes: 2 * entrySize, FullRatio: 0.5})
		j.SetFullHandler(func() { calls.Add(1) })
		require.NoError(t, j.Start(0))

		// Crossing the full ratio asks for a commit once.
		require.True(t, j.Submit(1, payload, func(error) {}))
		require.Equal(t, int32(1), calls.Load())
		require.True(t, j.Submit(2, payload, func(error) {}))
		require.Equal(t, int32(1), calls.Load())

		// So does the entry that fills the journal.
		require.False(t, j.Submit(3, payload, func(error) {}))
		require.Equal(t, int32(2), calls.Load())
		require.False(t, j.Submit(4, payload, func(error) {}))
		require.Equal(t, int32(2), calls.Load())
	})

	t.Run("waiting", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		j, _ := setupJournal(t, Config{MaxBytes: entrySize, FullRatio: 1})
		j.SetWaitOnFull(true)
		j.SetFullHandler(func() { calls.Add(1) })
		require.NoError(t, j.Start(0))

		require.NoError(t, j.Reserve(ctx, entrySize))
		require.True(t, j.Submit(1, payload, func(error) {}))
		require.Equal(t, int32(1), calls.Load())

		reserved := make(chan error)
		go func() {
			reserved <- j.Reserve(ctx, entrySize)
		}()

		// The blocked reservation asks for the commit that releases its space.
		require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

		require.NoError(t, j.Flush(ctx))
		require.NoError(t, j.CommittedThrough(1))
		require.NoError(t, <-reserved)
	})
}
