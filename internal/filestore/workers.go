package filestore

import (
	"sync"
)

// workerPool applies queued batches. Every queued batch adds its sequencer to the pool's queue
// once, so sequencers are picked up as often as they have batches. A worker applies the oldest
// batch of the sequencer it picked while holding the sequencer's apply lock, so the batches of a
// sequencer are applied in order even if several workers pick the same sequencer.
type workerPool struct {
	process func(*OpSequencer)

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*OpSequencer
	active   int
	paused   int
	stopping bool
	wg       sync.WaitGroup
}

func newWorkerPool(process func(*OpSequencer)) *workerPool {
	p := &workerPool{process: process}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// start launches n workers.
func (p *workerPool) start(n int) {
	p.mu.Lock()
	p.stopping = false
	p.mu.Unlock()

	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.run()
	}
}

func (p *workerPool) run() {
	defer p.wg.Done()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for !p.stopping && (len(p.queue) == 0 || p.paused > 0) {
			p.cond.Wait()
		}

		if len(p.queue) == 0 || p.paused > 0 {
			return
		}

		seq := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.active++
		p.mu.Unlock()

		p.process(seq)

		p.mu.Lock()
		p.active--
		p.cond.Broadcast()
	}
}

// enqueue schedules one batch of the sequencer to be applied.
func (p *workerPool) enqueue(seq *OpSequencer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = append(p.queue, seq)
	p.cond.Broadcast()
}

// pause stops workers from picking up new batches and waits for the batches being applied.
func (p *workerPool) pause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.paused++
	for p.active > 0 {
		p.cond.Wait()
	}
}

// unpause resumes picking up batches.
func (p *workerPool) unpause() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.paused--
	p.cond.Broadcast()
}

// drain waits until every queued batch has been applied.
func (p *workerPool) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) > 0 || p.active > 0 {
		p.cond.Wait()
	}
}

// stop applies the queued batches and stops the workers.
func (p *workerPool) stop() {
	p.mu.Lock()
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}
