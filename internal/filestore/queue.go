package filestore

import (
	"context"
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/proxmox/ceph-sub001/internal/filestore/transaction"
	"github.com/proxmox/ceph-sub001/internal/log"
)

// QueueTransactions submits a batch of transactions on the collection's sequencer. Batches of
// the same collection are applied in submission order. The returned completion reports when
// the batch is readable and when it is durable.
//
// Depending on the journal mode the batch is journaled before it is applied, concurrently with
// applying it, after it was applied in the calling goroutine or not at all. Without a journal
// the batch becomes durable with the next commit.
func (s *FileStore) QueueTransactions(ctx context.Context, cid transaction.CollectionID, transactions []*transaction.Transaction, opts ...QueueOption) (*Completion, error) {
	if !s.mounted.Load() {
		return nil, ErrNotMounted
	}

	var options queueOptions
	for _, opt := range opts {
		opt(&options)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "filestore.QueueTransactions")
	span.SetTag("collection", cid.String())
	span.SetTag("journal_mode", s.journalMode.String())

	osr := s.sequencers.get(cid)
	o := &op{
		transactions: transactions,
		sequencer:    osr,
		start:        time.Now(),
		span:         span,
	}
	for _, t := range transactions {
		o.numOps += int64(len(t.Ops()))
		o.numBytes += int64(t.NumBytes())
	}

	payload := transaction.EncodeTransactions(transactions)

	s.metrics.queuedBatchesTotal.WithLabelValues(s.journalMode.String()).Inc()
	s.metrics.queuedBytesTotal.Add(float64(o.numBytes))

	switch {
	case s.journal != nil && s.journal.IsWriteable() && s.journalMode != JournalModeTrailing:
		if err := s.throttle.Acquire(ctx, 1, o.numBytes); err != nil {
			span.Finish()
			return nil, fmt.Errorf("throttle: %w", err)
		}

		if err := s.journal.Reserve(ctx, int64(len(payload))); err != nil {
			s.throttle.Release(1, o.numBytes)
			span.Finish()
			return nil, fmt.Errorf("reserve journal space: %w", err)
		}

		c := s.beginOp(o, options)

		if s.journalMode == JournalModeParallel {
			if !s.submitJournal(o, payload, func(err error) { s.journaled(o, err) }) {
				s.applyManager.AddWaiter(o.seq, func() { s.durable.markDurable(o.seq, nil) })
			}
			s.queueOp(osr, o)
		} else {
			osr.queueJournal(o)
			if !s.submitJournal(o, payload, func(err error) { s.journaledAhead(osr, o, err) }) {
				s.applyManager.AddWaiter(o.seq, func() { s.durable.markDurable(o.seq, nil) })
				s.appliedAhead(osr, o)
			}
		}

		s.submitManager.End(o.seq)
		return c, nil

	case s.journal == nil:
		if err := s.throttle.Acquire(ctx, 1, o.numBytes); err != nil {
			span.Finish()
			return nil, fmt.Errorf("throttle: %w", err)
		}

		c := s.beginOp(o, options)
		s.queueOp(osr, o)
		s.applyManager.AddWaiter(o.seq, func() { s.durable.markDurable(o.seq, nil) })
		s.submitManager.End(o.seq)
		return c, nil

	default:
		return s.applyTrailing(osr, o, payload, options), nil
	}
}

// beginOp assigns the next sequence number to the batch. The submit manager stays locked until
// the caller ends the submission, so batches reach the journal and the sequencers in sequence
// order.
func (s *FileStore) beginOp(o *op, options queueOptions) *Completion {
	o.seq = s.submitManager.Begin()
	o.completion = newCompletion(o.seq, options)
	o.completion.span = o.span
	o.span.SetTag("seq", o.seq)
	s.durable.add(o.completion, o.sequencer)
	return o.completion
}

// submitJournal hands the batch to the journal. It returns false if the journal did not accept
// the batch, in which case onJournaled is never called.
func (s *FileStore) submitJournal(o *op, payload []byte, onJournaled func(error)) bool {
	if !s.journal.IsWriteable() {
		return false
	}
	return s.journal.Submit(o.seq, payload, onJournaled)
}

// journaled is called by the journal once a parallel batch is persisted.
func (s *FileStore) journaled(o *op, err error) {
	if err != nil {
		s.fatal(fmt.Errorf("journal batch %d: %w", o.seq, err))
	}
	s.durable.markDurable(o.seq, err)
}

// journaledAhead is called by the journal once a write-ahead batch is persisted. Only then may
// the batch be applied.
func (s *FileStore) journaledAhead(osr *OpSequencer, o *op, err error) {
	if err != nil {
		s.fatal(fmt.Errorf("journal batch %d: %w", o.seq, err))
	}
	s.appliedAhead(osr, o)
	s.durable.markDurable(o.seq, err)
}

// appliedAhead moves a write-ahead batch from the sequencer's journal queue to its apply queue.
func (s *FileStore) appliedAhead(osr *OpSequencer, o *op) {
	s.queueOp(osr, o)

	finisher := s.ondiskFinishers.forSequencer(osr)
	for _, fn := range osr.dequeueJournal() {
		finisher.Queue(fn)
	}
}

func (s *FileStore) queueOp(osr *OpSequencer, o *op) {
	osr.queue(o)
	s.workers.enqueue(osr)
}

// applyTrailing applies the batch in the calling goroutine and journals it afterwards.
func (s *FileStore) applyTrailing(osr *OpSequencer, o *op, payload []byte, options queueOptions) *Completion {
	c := s.beginOp(o, options)

	osr.applyLock.Lock()
	s.applyManager.ApplyStart(o.seq)
	err := s.doTransactions(o.transactions, o.seq, replayContext{canCheckpoint: s.canCheckpoint()})

	switch {
	case err != nil:
		s.durable.markDurable(o.seq, err)
	case s.journal != nil && s.submitJournal(o, payload, func(err error) { s.journaled(o, err) }):
	default:
		s.applyManager.AddWaiter(o.seq, func() { s.durable.markDurable(o.seq, nil) })
	}

	s.deliverReadable(osr, o, err, nil)

	s.submitManager.End(o.seq)
	s.applyManager.ApplyFinish(o.seq)
	osr.applyLock.Unlock()

	return c
}

// processSequencer applies the oldest queued batch of the sequencer. It is run by the workers.
func (s *FileStore) processSequencer(osr *OpSequencer) {
	osr.applyLock.Lock()
	o := osr.peekQueue()

	s.applyManager.ApplyStart(o.seq)
	s.logger.WithFields(log.Fields{"seq": o.seq, "collection": osr.CollectionID().String()}).Debug("applying batch")
	err := s.doTransactions(o.transactions, o.seq, replayContext{canCheckpoint: s.canCheckpoint()})
	s.applyManager.ApplyFinish(o.seq)

	s.finishOp(osr, err)
}

func (s *FileStore) finishOp(osr *OpSequencer, err error) {
	o, waiters := osr.dequeue()
	osr.applyLock.Unlock()

	s.throttle.Release(1, o.numBytes)
	s.deliverReadable(osr, o, err, waiters)
}

// deliverReadable completes the readable half of the batch's completion.
func (s *FileStore) deliverReadable(osr *OpSequencer, o *op, err error, waiters []func()) {
	s.metrics.appliedTotal.Inc()
	s.metrics.applyLatency.Observe(time.Since(o.start).Seconds())

	c := o.completion
	c.readableErr = err
	if c.onReadableSync != nil {
		c.onReadableSync(err)
	}
	close(c.readable)

	finisher := s.applyFinishers.forSequencer(osr)
	if c.onReadable != nil {
		onReadable := c.onReadable
		finisher.Queue(func() { onReadable(err) })
	}
	for _, fn := range waiters {
		finisher.Queue(fn)
	}

	s.durable.markReadable(o.seq)
}

// releaseDurable completes the durable half of a batch's completion. It is called in sequence
// order.
func (s *FileStore) releaseDurable(c *Completion, osr *OpSequencer, err error) {
	c.durableErr = err
	close(c.durable)

	if c.span != nil {
		c.span.Finish()
	}

	if c.onDurable != nil {
		onDurable := c.onDurable
		s.ondiskFinishers.forSequencer(osr).Queue(func() { onDurable(err) })
	}
}
