package filestore

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/proxmox/ceph-sub001/internal/config"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/testhelper"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFileStore_journalModes(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc   string
		mutate []func(*config.Cfg)
		mode   JournalMode
	}{
		{desc: "no journal", mutate: []func(*config.Cfg){withoutJournal}, mode: JournalModeNone},
		{desc: "write-ahead", mutate: []func(*config.Cfg){withMode(JournalModeWriteahead)}, mode: JournalModeWriteahead},
		{desc: "parallel", mutate: []func(*config.Cfg){withCheckpoints, withMode(JournalModeParallel)}, mode: JournalModeParallel},
		{desc: "trailing", mutate: []func(*config.Cfg){withMode(JournalModeTrailing)}, mode: JournalModeTrailing},
		{desc: "default on checkpoint backend", mutate: []func(*config.Cfg){withCheckpoints}, mode: JournalModeParallel},
		{desc: "default on generic backend", mode: JournalModeWriteahead},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			s := setupStore(t, testConfig(t, tc.mutate...))
			require.Equal(t, tc.mode, s.JournalMode())

			obj := testObject("object")

			create := createCollectionTx(testPG)
			write := transaction.New()
			write.Write(testPG, obj, 0, []byte("hello world"), 0)
			write.SetAttr(testPG, obj, "color", []byte("blue"))
			write.OmapSetKeys(testPG, obj, map[string][]byte{"key": []byte("value")})
			write.OmapSetHeader(testPG, obj, []byte("header"))

			first := queue(t, s, testPG, create)
			second := queue(t, s, testPG, write)
			require.Less(t, first.Seq(), second.Seq())

			data, err := s.Read(testPG, obj, 0, 0)
			require.NoError(t, err)
			require.Equal(t, []byte("hello world"), data)

			data, err = s.Read(testPG, obj, 6, 3)
			require.NoError(t, err)
			require.Equal(t, []byte("wor"), data)

			value, err := s.GetAttr(testPG, obj, "color")
			require.NoError(t, err)
			require.Equal(t, []byte("blue"), value)

			header, values, err := s.OmapGetAll(testPG, obj)
			require.NoError(t, err)
			require.Equal(t, []byte("header"), header)
			require.Equal(t, map[string][]byte{"key": []byte("value")}, values)

			require.Equal(t, s.LastSubmitted(), second.Seq())
		})
	}
}

func TestFileStore_waitForApply(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	s := setupStore(t, testConfig(t))
	queue(t, s, testPG, createCollectionTx(testPG))

	obj := testObject("obj1")

	create := transaction.New()
	create.Touch(testPG, obj)
	write := transaction.New()
	write.Write(testPG, obj, 0, make([]byte, 100), 0)
	remove := transaction.New()
	remove.Remove(testPG, obj)

	var completions []*Completion
	for _, tx := range []*transaction.Transaction{create, write, remove} {
		c, err := s.QueueTransactions(ctx, testPG, []*transaction.Transaction{tx})
		require.NoError(t, err)
		completions = append(completions, c)
	}

	// The read waits for every queued batch touching the object, the removal included.
	require.False(t, s.Exists(testPG, obj))

	for _, c := range completions {
		require.NoError(t, c.WaitReadable(ctx))
		require.NoError(t, c.WaitDurable(ctx))
	}

	_, err := s.Stat(testPG, obj)
	require.ErrorIs(t, err, ErrNoSuchObject)
}

func TestFileStore_collectionOrdering(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	s := setupStore(t, testConfig(t, func(cfg *config.Cfg) { cfg.Threads.Op = 4 }))

	queue(t, s, testPG, createCollectionTx(testPG))
	queue(t, s, testOther, createCollectionTx(testOther))

	var mu sync.Mutex
	applied := map[transaction.CollectionID][]int{}

	var wg sync.WaitGroup
	for _, cid := range []transaction.CollectionID{testPG, testOther} {
		cid := cid
		wg.Add(1)
		go func() {
			defer wg.Done()

			var completions []*Completion
			for i := 0; i < 3; i++ {
				i := i
				tx := transaction.New()
				tx.Write(cid, testObject("log"), uint64(i), []byte{byte('a' + i)}, 0)

				c, err := s.QueueTransactions(ctx, cid, []*transaction.Transaction{tx}, WithOnReadableSync(func(err error) {
					mu.Lock()
					defer mu.Unlock()
					applied[cid] = append(applied[cid], i)
				}))
				if err != nil {
					t.Errorf("queue: %v", err)
					return
				}
				completions = append(completions, c)
			}

			for _, c := range completions {
				if err := c.WaitDurable(ctx); err != nil {
					t.Errorf("wait durable: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, map[transaction.CollectionID][]int{
		testPG:    {0, 1, 2},
		testOther: {0, 1, 2},
	}, applied)

	for _, cid := range []transaction.CollectionID{testPG, testOther} {
		data, err := s.Read(cid, testObject("log"), 0, 0)
		require.NoError(t, err)
		require.Equal(t, []byte("abc"), data)
	}
}

func TestFileStore_durableOrder(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	s := setupStore(t, testConfig(t, withMode(JournalModeWriteahead)))

	queue(t, s, testPG, createCollectionTx(testPG))
	queue(t, s, testOther, createCollectionTx(testOther))

	var mu sync.Mutex
	readable := map[int]bool{}
	var durable []int
	var durableBeforeReadable []int

	var completions []*Completion
	for i := 0; i < 10; i++ {
		i := i
		cid := testPG
		if i%2 == 1 {
			cid = testOther
		}

		tx := transaction.New()
		tx.Touch(cid, testObject("object"))

		c, err := s.QueueTransactions(ctx, cid, []*transaction.Transaction{tx},
			WithOnReadableSync(func(error) {
				mu.Lock()
				defer mu.Unlock()
				readable[i] = true
			}),
			WithOnDurable(func(error) {
				mu.Lock()
				defer mu.Unlock()
				durable = append(durable, i)
				if !readable[i] {
					durableBeforeReadable = append(durableBeforeReadable, i)
				}
			}),
		)
		require.NoError(t, err)
		completions = append(completions, c)
	}

	for _, c := range completions {
		require.NoError(t, c.WaitDurable(ctx))
	}
	require.NoError(t, s.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, durable)
	require.Empty(t, durableBeforeReadable)
}

func TestFileStore_objectOperations(t *testing.T) {
	t.Parallel()

	s := setupStore(t, testConfig(t))
	queue(t, s, testPG, createCollectionTx(testPG))

	src := testObject("source")
	dst := testObject("clone")
	ranged := testObject("ranged")

	setup := transaction.New()
	setup.Write(testPG, src, 0, []byte("0123456789"), 0)
	setup.SetAttrs(testPG, src, map[string][]byte{"a": []byte("1"), "b": []byte("2")})
	setup.OmapSetKeys(testPG, src, map[string][]byte{"k1": []byte("v1"), "k2": []byte("v2"), "k3": []byte("v3")})
	queue(t, s, testPG, setup)

	ops := transaction.New()
	ops.Clone(testPG, src, dst)
	ops.CloneRange2(testPG, src, ranged, 2, 4, 1)
	ops.Zero(testPG, src, 0, 2)
	ops.Truncate(testPG, src, 8)
	ops.RmAttr(testPG, src, "a")
	ops.OmapRmKeys(testPG, src, []string{"k1"})
	ops.OmapRmKeyRange(testPG, dst, "k2", "k3")
	queue(t, s, testPG, ops)

	data, err := s.Read(testPG, src, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("\x00\x00234567"), data)

	data, err = s.Read(testPG, dst, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("0123456789"), data)

	data, err = s.Read(testPG, ranged, 0, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("\x002345"), data)

	attrs, err := s.GetAttrs(testPG, src)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"b": []byte("2")}, attrs)

	attrs, err = s.GetAttrs(testPG, dst)
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, attrs)

	_, err = s.GetAttr(testPG, src, "a")
	require.ErrorIs(t, err, ErrNoSuchAttribute)

	keys, err := s.OmapGetKeys(testPG, src)
	require.NoError(t, err)
	require.Equal(t, []string{"k2", "k3"}, keys)

	keys, err = s.OmapGetKeys(testPG, dst)
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k3"}, keys)

	values, err := s.OmapGetValues(testPG, dst, []string{"k1", "k2"})
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"k1": []byte("v1")}, values)

	st, err := s.Stat(testPG, src)
	require.NoError(t, err)
	require.Equal(t, int64(8), st.Size)

	remove := transaction.New()
	remove.Remove(testPG, src)
	remove.RmAttrs(testPG, dst)
	remove.OmapClear(testPG, dst)
	queue(t, s, testPG, remove)

	require.False(t, s.Exists(testPG, src))
	_, err = s.OmapGetKeys(testPG, src)
	require.ErrorIs(t, err, ErrNoSuchObject)

	attrs, err = s.GetAttrs(testPG, dst)
	require.NoError(t, err)
	require.Empty(t, attrs)

	keys, err = s.OmapGetKeys(testPG, dst)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestFileStore_collectionOperations(t *testing.T) {
	t.Parallel()

	s := setupStore(t, testConfig(t))

	objects := []transaction.ObjectID{
		transaction.NewObjectID(1, "a", 0x0),
		transaction.NewObjectID(1, "b", 0x1),
		transaction.NewObjectID(1, "c", 0x2),
		transaction.NewObjectID(1, "d", 0x3),
	}

	setup := createCollectionTx(testPG)
	for _, oid := range objects {
		setup.Touch(testPG, oid)
	}
	queue(t, s, testPG, setup)

	collections, err := s.ListCollections()
	require.NoError(t, err)
	require.ElementsMatch(t, []transaction.CollectionID{
		transaction.MetaCollection(), testPG, testPG.Temp(),
	}, collections)

	split := createCollectionTx(testOther)
	split.SplitCollection(testPG, 1, 1, testOther)
	queue(t, s, testPG, split)

	listed, err := s.CollectionList(testPG, nil, 0)
	require.NoError(t, err)
	require.Equal(t, []transaction.ObjectID{objects[0], objects[2]}, listed)

	listed, err = s.CollectionList(testOther, nil, 0)
	require.NoError(t, err)
	require.Equal(t, []transaction.ObjectID{objects[1], objects[3]}, listed)

	listed, err = s.CollectionList(testOther, &objects[1], 1)
	require.NoError(t, err)
	require.Equal(t, []transaction.ObjectID{objects[3]}, listed)

	bits, err := s.CollectionBits(testPG)
	require.NoError(t, err)
	require.Equal(t, uint32(1), bits)

	renamed := testObject("renamed")
	move := transaction.New()
	move.CollectionMoveRename(testOther, objects[1], testPG, renamed)
	move.CollectionMove(testPG, testOther, objects[3])
	queue(t, s, testPG, move)

	require.True(t, s.Exists(testPG, renamed))
	require.True(t, s.Exists(testPG, objects[3]))
	require.False(t, s.Exists(testOther, objects[1]))
	require.False(t, s.Exists(testOther, objects[3]))

	empty, err := s.CollectionEmpty(testOther)
	require.NoError(t, err)
	require.True(t, empty)

	remove := transaction.New()
	remove.RemoveCollection(testOther)
	queue(t, s, testOther, remove)

	require.False(t, s.CollectionExists(testOther))
	_, err = s.CollectionList(testOther, nil, 0)
	require.ErrorIs(t, err, ErrNoSuchCollection)
}

func TestFileStore_restructureMissingCollection(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc string
		tx   func() *transaction.Transaction
	}{
		{
			desc: "split into a missing collection",
			tx: func() *transaction.Transaction {
				tx := transaction.New()
				tx.SplitCollection(testPG, 1, 1, testOther)
				return tx
			},
		},
		{
			desc: "split of a missing collection",
			tx: func() *transaction.Transaction {
				tx := transaction.New()
				tx.SplitCollection(testOther, 1, 1, testPG)
				return tx
			},
		},
		{
			desc: "merge of a missing collection",
			tx: func() *transaction.Transaction {
				tx := transaction.New()
				tx.MergeCollection(testOther, testPG, 0)
				return tx
			},
		},
		{
			desc: "merge into a missing collection",
			tx: func() *transaction.Transaction {
				tx := transaction.New()
				tx.MergeCollection(testPG, testOther, 0)
				return tx
			},
		},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			ctx := testhelper.Context(t)

			var aborted atomic.Value
			s := setupStore(t, testConfig(t), WithAbortHandler(func(err error) { aborted.Store(err) }))
			queue(t, s, testPG, createCollectionTx(testPG))

			c, err := s.QueueTransactions(ctx, testPG, []*transaction.Transaction{tc.tx()})
			require.NoError(t, err)
			<-c.Readable()

			err, ok := aborted.Load().(error)
			require.True(t, ok, "store did not abort")
			var fatal FatalError
			require.ErrorAs(t, err, &fatal)
			require.ErrorIs(t, err, unix.ENOENT)

			require.True(t, s.CollectionExists(testPG))
			require.False(t, s.CollectionExists(testOther))
		})
	}
}

func TestFileStore_tempObjects(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	s := setupStore(t, cfg)
	queue(t, s, testPG, createCollectionTx(testPG))

	temp := transaction.TempObjectID(1, "staged", 0)
	write := transaction.New()
	write.Write(testPG, temp, 0, []byte("staged"), 0)
	queue(t, s, testPG, write)

	require.True(t, s.Exists(testPG, temp))
	listed, err := s.CollectionList(testPG.Temp(), nil, 0)
	require.NoError(t, err)
	require.Equal(t, []transaction.ObjectID{temp}, listed)

	require.NoError(t, s.Umount(testhelper.Context(t)))

	s = remount(t, cfg)
	require.False(t, s.Exists(testPG, temp), "temporary objects are removed on mount")
	require.True(t, s.CollectionExists(testPG.Temp()))
}

func TestFileStore_notMounted(t *testing.T) {
	t.Parallel()

	ctx := testhelper.Context(t)
	s := newTestStore(t, testConfig(t))

	_, err := s.QueueTransactions(ctx, testPG, []*transaction.Transaction{createCollectionTx(testPG)})
	require.ErrorIs(t, err, ErrNotMounted)
	require.ErrorIs(t, s.Sync(ctx), ErrNotMounted)
	require.ErrorIs(t, s.Flush(ctx), ErrNotMounted)
	require.ErrorIs(t, s.Umount(ctx), ErrNotMounted)

	_, err = s.ListCollections()
	require.ErrorIs(t, err, ErrNotMounted)
}
