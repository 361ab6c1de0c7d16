package filestore

import (
	"sort"
	"sync"
)

// committer is the part of the journal the apply manager informs about commits.
type committer interface {
	CommitStart(seq uint64)
	CommittedThrough(seq uint64) error
}

type commitWaiter struct {
	seq uint64
	fn  func()
}

// ApplyManager tracks which batches have been applied to the file system and coordinates
// commits with them. While a commit is starting, no new batch begins applying.
type ApplyManager struct {
	mu   sync.Mutex
	cond *sync.Cond
	// blocked is set while a commit waits for the applies in flight to drain.
	blocked bool
	openOps int
	// appliedThrough is the highest sequence number at or below which every batch has been
	// applied.
	appliedThrough uint64
	// finished holds the applied sequence numbers above appliedThrough.
	finished map[uint64]struct{}

	commitMu   sync.Mutex
	committing uint64
	committed  uint64
	waiters    []commitWaiter
	journal    committer
}

// NewApplyManager returns an ApplyManager that has applied and committed nothing.
func NewApplyManager() *ApplyManager {
	m := &ApplyManager{finished: map[uint64]struct{}{}}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Init sets the sequence number the store was committed through when it was mounted.
func (m *ApplyManager) Init(seq uint64) {
	m.mu.Lock()
	m.appliedThrough = seq
	m.finished = map[uint64]struct{}{}
	m.mu.Unlock()

	m.commitMu.Lock()
	m.committing = seq
	m.committed = seq
	m.commitMu.Unlock()
}

// SetJournal registers the journal to notify about commits. A nil journal disables
// notifications.
func (m *ApplyManager) SetJournal(j committer) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	m.journal = j
}

// ApplyStart is called before seq is applied. It blocks while a commit is starting.
func (m *ApplyManager) ApplyStart(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.blocked {
		m.cond.Wait()
	}
	m.openOps++
}

// ApplyFinish is called once seq has been applied.
func (m *ApplyManager) ApplyFinish(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openOps--
	if m.blocked {
		m.cond.Broadcast()
	}

	if seq <= m.appliedThrough {
		return
	}

	m.finished[seq] = struct{}{}
	for {
		next := m.appliedThrough + 1
		if _, ok := m.finished[next]; !ok {
			break
		}
		delete(m.finished, next)
		m.appliedThrough = next
	}
}

// AppliedThrough returns the highest sequence number at or below which every batch has been
// applied.
func (m *ApplyManager) AppliedThrough() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appliedThrough
}

// CommitStart blocks new applies and waits for the applies in flight to finish. It returns false
// and unblocks if nothing was applied since the last commit. Otherwise the applies stay blocked
// until CommitStarted is called.
func (m *ApplyManager) CommitStart() bool {
	m.mu.Lock()
	m.blocked = true
	for m.openOps > 0 {
		m.cond.Wait()
	}
	appliedThrough := m.appliedThrough

	m.commitMu.Lock()
	if appliedThrough == m.committed {
		m.commitMu.Unlock()
		m.blocked = false
		m.cond.Broadcast()
		m.mu.Unlock()
		return false
	}

	m.committing = appliedThrough
	journal := m.journal
	m.commitMu.Unlock()
	m.mu.Unlock()

	if journal != nil {
		journal.CommitStart(appliedThrough)
	}

	return true
}

// CommitStarted unblocks applies once the state to commit has been captured.
func (m *ApplyManager) CommitStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blocked = false
	m.cond.Broadcast()
}

// CommitFinish records the commit as complete, lets the journal trim the committed entries and
// returns the waiters registered for committed sequence numbers in sequence order.
func (m *ApplyManager) CommitFinish() ([]func(), error) {
	m.commitMu.Lock()
	committing := m.committing
	journal := m.journal
	m.commitMu.Unlock()

	var err error
	if journal != nil {
		err = journal.CommittedThrough(committing)
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.committed = committing

	var released []func()
	remaining := m.waiters[:0]
	for _, w := range m.waiters {
		if w.seq <= committing {
			released = append(released, w.fn)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining

	return released, err
}

// CommittingSeq returns the sequence number of the commit in progress, or of the last commit.
func (m *ApplyManager) CommittingSeq() uint64 {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.committing
}

// CommittedSeq returns the sequence number the store has been committed through.
func (m *ApplyManager) CommittedSeq() uint64 {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	return m.committed
}

// AddWaiter registers fn to be returned by the CommitFinish that commits seq. Waiters of already
// committed sequence numbers are returned by the next CommitFinish.
func (m *ApplyManager) AddWaiter(seq uint64, fn func()) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	idx := sort.Search(len(m.waiters), func(i int) bool { return m.waiters[i].seq > seq })
	m.waiters = append(m.waiters, commitWaiter{})
	copy(m.waiters[idx+1:], m.waiters[idx:])
	m.waiters[idx] = commitWaiter{seq: seq, fn: fn}
}
