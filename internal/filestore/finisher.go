package filestore

import (
	"sync"

	"github.com/proxmox/ceph-sub001/internal/dontpanic"
	"github.com/proxmox/ceph-sub001/internal/log"
)

// Finisher runs completion callbacks in order on its own goroutine so slow callbacks never
// block the apply or commit paths. A panicking callback is logged and does not stop the
// finisher.
type Finisher struct {
	name   string
	logger log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	running bool
	stopped bool
	done    chan struct{}
}

// NewFinisher returns a finisher that is not started yet.
func NewFinisher(logger log.Logger, name string) *Finisher {
	f := &Finisher{
		name:   name,
		logger: logger.WithField("finisher", name),
		done:   make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Start starts delivering queued callbacks.
func (f *Finisher) Start() {
	go f.run()
}

// Queue queues fn to be run after the callbacks queued before it.
func (f *Finisher) Queue(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queue = append(f.queue, fn)
	f.cond.Broadcast()
}

func (f *Finisher) run() {
	defer close(f.done)

	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		for len(f.queue) == 0 && !f.stopped {
			f.cond.Wait()
		}

		if len(f.queue) == 0 {
			return
		}

		batch := f.queue
		f.queue = nil
		f.running = true
		f.mu.Unlock()

		for _, fn := range batch {
			dontpanic.Guard(f.logger, fn)
		}

		f.mu.Lock()
		f.running = false
		f.cond.Broadcast()
	}
}

// WaitForEmpty blocks until every queued callback has run.
func (f *Finisher) WaitForEmpty() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.queue) > 0 || f.running {
		f.cond.Wait()
	}
}

// Stop delivers the queued callbacks and stops the finisher.
func (f *Finisher) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.cond.Broadcast()
	f.mu.Unlock()

	<-f.done
}

// finisherSet distributes callbacks over several finishers by sequencer so callbacks of a
// collection run in order.
type finisherSet []*Finisher

func newFinisherSet(logger log.Logger, name string, n int) finisherSet {
	set := make(finisherSet, n)
	for i := range set {
		set[i] = NewFinisher(logger, name)
	}
	return set
}

func (s finisherSet) forSequencer(seq *OpSequencer) *Finisher {
	if seq == nil {
		return s[0]
	}
	return s[seq.ID()%len(s)]
}

func (s finisherSet) start() {
	for _, f := range s {
		f.Start()
	}
}

func (s finisherSet) waitForEmpty() {
	for _, f := range s {
		f.WaitForEmpty()
	}
}

func (s finisherSet) stop() {
	for _, f := range s {
		f.Stop()
	}
}
