package filestore

import (
	"context"
	"sync"

	"github.com/opentracing/opentracing-go"
)

// Completion tracks a submitted batch through its two completion points. The batch is readable
// once it has been applied to the file system and durable once it survives a crash. A batch
// never becomes durable before it is readable and batches become durable in sequence order.
type Completion struct {
	seq      uint64
	readable chan struct{}
	durable  chan struct{}

	// The results are written before the corresponding channel is closed.
	readableErr error
	durableErr  error

	onReadable     func(error)
	onReadableSync func(error)
	onDurable      func(error)

	span opentracing.Span
}

func newCompletion(seq uint64, opts queueOptions) *Completion {
	return &Completion{
		seq:            seq,
		readable:       make(chan struct{}),
		durable:        make(chan struct{}),
		onReadable:     opts.onReadable,
		onReadableSync: opts.onReadableSync,
		onDurable:      opts.onDurable,
	}
}

// Seq returns the sequence number assigned to the batch.
func (c *Completion) Seq() uint64 {
	return c.seq
}

// Readable returns a channel that is closed once the batch is readable.
func (c *Completion) Readable() <-chan struct{} {
	return c.readable
}

// Durable returns a channel that is closed once the batch is durable.
func (c *Completion) Durable() <-chan struct{} {
	return c.durable
}

// WaitReadable waits until the batch is readable and returns the result of applying it.
func (c *Completion) WaitReadable(ctx context.Context) error {
	select {
	case <-c.readable:
		return c.readableErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitDurable waits until the batch is durable and returns the result of persisting it.
func (c *Completion) WaitDurable(ctx context.Context) error {
	select {
	case <-c.durable:
		return c.durableErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueOption configures a submission.
type QueueOption func(*queueOptions)

type queueOptions struct {
	onReadable     func(error)
	onReadableSync func(error)
	onDurable      func(error)
}

// WithOnReadable registers a callback invoked on an apply finisher once the batch is readable.
func WithOnReadable(fn func(error)) QueueOption {
	return func(opts *queueOptions) { opts.onReadable = fn }
}

// WithOnReadableSync registers a callback invoked by the applying worker as soon as the batch is
// readable. It must not block.
func WithOnReadableSync(fn func(error)) QueueOption {
	return func(opts *queueOptions) { opts.onReadableSync = fn }
}

// WithOnDurable registers a callback invoked on an ondisk finisher once the batch is durable.
func WithOnDurable(fn func(error)) QueueOption {
	return func(opts *queueOptions) { opts.onDurable = fn }
}

type durableState struct {
	completion *Completion
	sequencer  *OpSequencer
	readable   bool
	durable    bool
	err        error
}

// durableSequencer releases durable completions in sequence order, each only after the batch
// became readable.
type durableSequencer struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]*durableState
	release func(*Completion, *OpSequencer, error)
}

func newDurableSequencer(release func(*Completion, *OpSequencer, error)) *durableSequencer {
	return &durableSequencer{
		next:    1,
		pending: map[uint64]*durableState{},
		release: release,
	}
}

// reset sets the next sequence number that will be submitted.
func (d *durableSequencer) reset(next uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.next = next
	d.pending = map[uint64]*durableState{}
}

// add registers a submitted batch. Batches must be added in sequence order.
func (d *durableSequencer) add(c *Completion, s *OpSequencer) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[c.seq] = &durableState{completion: c, sequencer: s}
}

func (d *durableSequencer) markReadable(seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st, ok := d.pending[seq]; ok {
		st.readable = true
	}
	d.advanceLocked()
}

func (d *durableSequencer) markDurable(seq uint64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if st, ok := d.pending[seq]; ok {
		st.durable = true
		st.err = err
	}
	d.advanceLocked()
}

func (d *durableSequencer) advanceLocked() {
	for {
		st, ok := d.pending[d.next]
		if !ok || !st.readable || !st.durable {
			return
		}

		delete(d.pending, d.next)
		d.next++
		d.release(st.completion, st.sequencer, st.err)
	}
}

// outstanding returns the number of batches that are not durable yet.
func (d *durableSequencer) outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
