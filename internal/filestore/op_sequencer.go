package filestore

import (
	"sort"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
)

// op is a batch of transactions submitted with a single sequence number.
type op struct {
	seq          uint64
	transactions []*transaction.Transaction
	numOps       int64
	numBytes     int64
	sequencer    *OpSequencer
	// completion is nil for batches replayed from the journal.
	completion      *Completion
	registeredApply bool
	start           time.Time
	span            opentracing.Span
}

type applyingObject struct {
	op  *op
	oid transaction.ObjectID
}

type flushCommitWaiter struct {
	seq uint64
	fn  func()
}

// OpSequencer orders the batches of a single collection. Batches are applied one at a time in
// the order they were queued. The sequencer also remembers the objects the queued batches touch
// so readers can wait for them to be applied.
type OpSequencer struct {
	id  int
	cid transaction.CollectionID

	// applyLock is held while a batch of the sequencer is applied.
	applyLock sync.Mutex

	mu   sync.Mutex
	cond *sync.Cond
	// q holds the batches waiting to be applied or being applied.
	q []*op
	// jq holds the sequence numbers of write-ahead batches waiting for the journal.
	jq                 []uint64
	flushCommitWaiters []flushCommitWaiter
	// applying maps object hashes to the objects touched by the batches in q and jq.
	applying map[uint32][]applyingObject
}

func newOpSequencer(id int, cid transaction.CollectionID) *OpSequencer {
	s := &OpSequencer{
		id:       id,
		cid:      cid,
		applying: map[uint32][]applyingObject{},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns the sequencer's identifier. It selects the finisher completions are delivered on.
func (s *OpSequencer) ID() int {
	return s.id
}

// CollectionID returns the collection the sequencer orders.
func (s *OpSequencer) CollectionID() transaction.CollectionID {
	return s.cid
}

func (s *OpSequencer) maxUncompletedLocked() (uint64, bool) {
	if len(s.q) == 0 && len(s.jq) == 0 {
		return 0, false
	}

	var seq uint64
	if len(s.q) > 0 {
		seq = s.q[len(s.q)-1].seq
	}
	if len(s.jq) > 0 && s.jq[len(s.jq)-1] > seq {
		seq = s.jq[len(s.jq)-1]
	}
	return seq, true
}

func (s *OpSequencer) minUncompletedLocked() (uint64, bool) {
	if len(s.q) == 0 && len(s.jq) == 0 {
		return 0, false
	}

	var seq uint64
	if len(s.q) > 0 {
		seq = s.q[0].seq
	}
	if len(s.jq) > 0 && (len(s.q) == 0 || s.jq[0] < seq) {
		seq = s.jq[0]
	}
	return seq, true
}

// wakeFlushWaitersLocked returns the flush waiters whose batches have all completed.
func (s *OpSequencer) wakeFlushWaitersLocked() []func() {
	minSeq, ok := s.minUncompletedLocked()

	var woken []func()
	for len(s.flushCommitWaiters) > 0 {
		w := s.flushCommitWaiters[0]
		if ok && w.seq >= minSeq {
			break
		}
		woken = append(woken, w.fn)
		s.flushCommitWaiters = s.flushCommitWaiters[1:]
	}
	return woken
}

func (s *OpSequencer) registerApplyLocked(o *op) {
	if o.registeredApply {
		return
	}
	o.registeredApply = true

	for _, t := range o.transactions {
		for _, oid := range t.Objects() {
			s.applying[oid.Hash] = append(s.applying[oid.Hash], applyingObject{op: o, oid: oid})
		}
	}
}

func (s *OpSequencer) unregisterApplyLocked(o *op) {
	if !o.registeredApply {
		return
	}
	o.registeredApply = false

	for _, t := range o.transactions {
		for _, oid := range t.Objects() {
			entries := s.applying[oid.Hash]
			kept := entries[:0]
			for _, entry := range entries {
				if entry.op != o {
					kept = append(kept, entry)
				}
			}

			if len(kept) == 0 {
				delete(s.applying, oid.Hash)
			} else {
				s.applying[oid.Hash] = kept
			}
		}
	}
}

// queueJournal records a write-ahead batch waiting for the journal.
func (s *OpSequencer) queueJournal(o *op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registerApplyLocked(o)
	s.jq = append(s.jq, o.seq)
}

// dequeueJournal removes the oldest batch waiting for the journal. It returns the flush waiters
// that can be woken.
func (s *OpSequencer) dequeueJournal() []func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jq) == 0 {
		panic("journal queue of sequencer is empty")
	}
	s.jq = s.jq[1:]
	s.cond.Broadcast()

	return s.wakeFlushWaitersLocked()
}

// queue appends a batch to be applied.
func (s *OpSequencer) queue(o *op) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.registerApplyLocked(o)
	s.q = append(s.q, o)
}

// peekQueue returns the oldest batch to be applied without removing it.
func (s *OpSequencer) peekQueue() *op {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.q) == 0 {
		panic("apply queue of sequencer is empty")
	}
	return s.q[0]
}

// dequeue removes the oldest batch after it was applied. It returns the batch and the flush
// waiters that can be woken.
func (s *OpSequencer) dequeue() (*op, []func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.q) == 0 {
		panic("apply queue of sequencer is empty")
	}
	o := s.q[0]
	s.q[0] = nil
	s.q = s.q[1:]

	s.unregisterApplyLocked(o)
	s.cond.Broadcast()

	return o, s.wakeFlushWaitersLocked()
}

// WaitForApply blocks until no queued or applying batch of the sequencer touches oid.
func (s *OpSequencer) WaitForApply(oid transaction.ObjectID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.isApplyingLocked(oid) {
		s.cond.Wait()
	}
}

func (s *OpSequencer) isApplyingLocked(oid transaction.ObjectID) bool {
	for _, entry := range s.applying[oid.Hash] {
		if entry.oid == oid {
			return true
		}
	}
	return false
}

// Flush blocks until every batch queued so far has been applied and, in write-ahead mode,
// journaled.
func (s *OpSequencer) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.maxUncompletedLocked()
	if !ok {
		return
	}

	for {
		minSeq, ok := s.minUncompletedLocked()
		if !ok || minSeq > target {
			return
		}
		s.cond.Wait()
	}
}

// FlushCommit returns true if no batch is pending. Otherwise it registers fn to be called once
// every batch queued so far has completed and returns false.
func (s *OpSequencer) FlushCommit(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.maxUncompletedLocked()
	if !ok {
		return true
	}

	s.flushCommitWaiters = append(s.flushCommitWaiters, flushCommitWaiter{seq: seq, fn: fn})
	return false
}

// sequencerRegistry holds the sequencer of every collection referenced since mount. Sequencers
// are never removed so a collection that is removed and recreated keeps its ordering.
type sequencerRegistry struct {
	mu         sync.Mutex
	nextID     int
	sequencers map[transaction.CollectionID]*OpSequencer
}

func newSequencerRegistry() *sequencerRegistry {
	return &sequencerRegistry{sequencers: map[transaction.CollectionID]*OpSequencer{}}
}

// get returns the sequencer of the collection, creating it if needed. The temporary collection
// of a placement group shares the sequencer of its head collection.
func (r *sequencerRegistry) get(cid transaction.CollectionID) *OpSequencer {
	cid = cid.Head()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sequencers[cid]; ok {
		return s
	}

	s := newOpSequencer(r.nextID, cid)
	r.nextID++
	r.sequencers[cid] = s
	return s
}

// lookup returns the sequencer of the collection if it exists.
func (r *sequencerRegistry) lookup(cid transaction.CollectionID) (*OpSequencer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sequencers[cid.Head()]
	return s, ok
}

// all returns every sequencer ordered by id.
func (r *sequencerRegistry) all() []*OpSequencer {
	r.mu.Lock()
	defer r.mu.Unlock()

	sequencers := make([]*OpSequencer, 0, len(r.sequencers))
	for _, s := range r.sequencers {
		sequencers = append(sequencers, s)
	}
	sort.Slice(sequencers, func(i, j int) bool { return sequencers[i].id < sequencers[j].id })
	return sequencers
}
