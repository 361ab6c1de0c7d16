package filestore

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// SubmitManager assigns sequence numbers to submitted batches. Begin and End bracket the
// submission of a single batch and hold a lock in between, so sequence numbers are handed to the
// journal and the sequencers in the order they were assigned.
type SubmitManager struct {
	mu sync.Mutex
	// seq is the last assigned sequence number. It is only accessed with mu held.
	seq uint64
	// submitted is the last sequence number whose submission completed.
	submitted atomic.Uint64
}

// Init sets the last sequence number that was assigned, such as the last replayed batch.
func (m *SubmitManager) Init(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq = seq
	m.submitted.Store(seq)
}

// Begin locks the manager and returns the next sequence number. The caller must call End with
// the returned sequence number.
func (m *SubmitManager) Begin() uint64 {
	m.mu.Lock()
	m.seq++
	return m.seq
}

// End marks the submission of seq as complete and unlocks the manager.
func (m *SubmitManager) End(seq uint64) {
	if expected := m.submitted.Load() + 1; seq != expected {
		m.mu.Unlock()
		panic(fmt.Sprintf("submission of sequence %d ended while %d was expected", seq, expected))
	}

	m.submitted.Store(seq)
	m.mu.Unlock()
}

// LastSubmitted returns the highest sequence number with no unsubmitted batch at or below it.
func (m *SubmitManager) LastSubmitted() uint64 {
	return m.submitted.Load()
}
