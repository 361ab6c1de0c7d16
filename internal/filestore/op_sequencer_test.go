package filestore

import (
	"testing"
	"time"

	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/stretchr/testify/require"
)

func testOp(seq uint64, oids ...transaction.ObjectID) *op {
	tx := transaction.New()
	for _, oid := range oids {
		tx.Touch(testPG, oid)
	}
	return &op{seq: seq, transactions: []*transaction.Transaction{tx}}
}

func TestOpSequencer_queue(t *testing.T) {
	t.Parallel()

	s := newOpSequencer(0, testPG)
	s.queue(testOp(1))
	s.queue(testOp(2))

	require.Equal(t, uint64(1), s.peekQueue().seq)

	o, _ := s.dequeue()
	require.Equal(t, uint64(1), o.seq)
	require.Equal(t, uint64(2), s.peekQueue().seq)
}

func TestOpSequencer_WaitForApply(t *testing.T) {
	t.Parallel()

	busy := testObject("busy")
	idle := testObject("idle")

	s := newOpSequencer(0, testPG)
	s.queue(testOp(1, busy))

	// Objects not touched by a queued batch never block.
	s.WaitForApply(idle)

	done := make(chan struct{})
	go func() {
		s.WaitForApply(busy)
		close(done)
	}()

	select {
	case <-done:
		require.FailNow(t, "wait returned while the object is queued")
	case <-time.After(10 * time.Millisecond):
	}

	s.dequeue()
	<-done
}

func TestOpSequencer_journalQueue(t *testing.T) {
	t.Parallel()

	obj := testObject("object")

	s := newOpSequencer(0, testPG)
	o := testOp(1, obj)
	s.queueJournal(o)
	require.True(t, s.isApplyingLocked(obj))

	s.dequeueJournal()
	s.queue(o)
	require.True(t, s.isApplyingLocked(obj), "the object stays registered until applied")

	s.dequeue()
	require.False(t, s.isApplyingLocked(obj))
}

func TestOpSequencer_FlushCommit(t *testing.T) {
	t.Parallel()

	s := newOpSequencer(0, testPG)
	require.True(t, s.FlushCommit(func() {}))

	s.queue(testOp(1))
	s.queue(testOp(2))

	var woken []string
	require.False(t, s.FlushCommit(func() { woken = append(woken, "first") }))

	s.queue(testOp(3))
	require.False(t, s.FlushCommit(func() { woken = append(woken, "second") }))

	for _, expected := range [][]string{nil, {"first"}, {"first", "second"}} {
		_, waiters := s.dequeue()
		for _, fn := range waiters {
			fn()
		}
		require.Equal(t, expected, woken)
	}
}

func TestOpSequencer_Flush(t *testing.T) {
	t.Parallel()

	s := newOpSequencer(0, testPG)
	s.Flush()

	s.queue(testOp(1))
	s.queueJournal(testOp(2))

	done := make(chan struct{})
	go func() {
		s.Flush()
		close(done)
	}()

	s.dequeue()
	select {
	case <-done:
		require.FailNow(t, "flush returned while a batch waits for the journal")
	case <-time.After(10 * time.Millisecond):
	}

	s.dequeueJournal()
	<-done
}

func TestSequencerRegistry(t *testing.T) {
	t.Parallel()

	r := newSequencerRegistry()

	_, ok := r.lookup(testPG)
	require.False(t, ok)

	head := r.get(testPG)
	require.Same(t, head, r.get(testPG.Temp()), "temporary collections share the head's sequencer")

	other := r.get(testOther)
	require.NotEqual(t, head.ID(), other.ID())

	found, ok := r.lookup(testPG.Temp())
	require.True(t, ok)
	require.Same(t, head, found)

	require.Equal(t, []*OpSequencer{head, other}, r.all())
}
