package nvmedrv

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

// QueuePair is an I/O submission/completion queue pair. It is not safe for
// concurrent use: submit and poll from one goroutine at a time. Stats and
// Outstanding may be read from anywhere.
type QueuePair struct {
	ctrlr  *Controller
	native NativeQueuePair
	id     uint64
	prio   QueuePriority
	logger *zap.Logger

	inflight *arena
	freed    atomic.Bool
	pending  atomic.Int64

	submitted        atomic.Uint64
	completed        atomic.Uint64
	submitFailures   atomic.Uint64
	completionErrors atomic.Uint64
	bytesRead        atomic.Uint64
	bytesWritten     atomic.Uint64
}

func newQueuePair(c *Controller, native NativeQueuePair, id uint64, prio QueuePriority) *QueuePair {
	return &QueuePair{
		ctrlr:    c,
		native:   native,
		id:       id,
		prio:     prio,
		logger:   c.logger.With(zap.Uint64("qpair", id)),
		inflight: newArena(int(c.opts.IOQueueRequests)),
	}
}

// ID returns the pair's identifier, unique within its controller.
func (q *QueuePair) ID() uint64 { return q.id }

// Priority returns the arbitration class the pair was allocated with.
func (q *QueuePair) Priority() QueuePriority { return q.prio }

// Controller returns the owning controller.
func (q *QueuePair) Controller() *Controller { return q.ctrlr }

// Outstanding returns the number of accepted commands whose callback has not
// run yet.
func (q *QueuePair) Outstanding() int { return int(q.pending.Load()) }

// Stats returns a snapshot of the pair's counters.
func (q *QueuePair) Stats() QueuePairStats {
	return QueuePairStats{
		Submitted:        q.submitted.Load(),
		Completed:        q.completed.Load(),
		SubmitFailures:   q.submitFailures.Load(),
		CompletionErrors: q.completionErrors.Load(),
		BytesRead:        q.bytesRead.Load(),
		BytesWritten:     q.bytesWritten.Load(),
	}
}

// submit registers the callback, hands the command to the engine and undoes
// the registration when the engine refuses it.
func (q *QueuePair) submit(cmd *Command, cb Callback, buf *DMABuffer, bytes uint64) error {
	if q.freed.Load() {
		return ErrQueuePairFreed
	}
	cmd.Tag = q.inflight.insert(inflight{cb: cb, buf: buf, op: cmd.Opcode, bytes: bytes})
	if err := q.native.Submit(cmd); err != nil {
		q.inflight.take(cmd.Tag)
		if buf != nil {
			buf.unpin()
		}
		q.submitFailures.Add(1)
		return err
	}
	q.pending.Add(1)
	q.submitted.Add(1)
	return nil
}

// ProcessCompletions reaps up to max completions (0 means no limit) and runs
// their callbacks on the calling goroutine. It returns how many completions
// were reaped.
func (q *QueuePair) ProcessCompletions(max uint32) (int, error) {
	if q.freed.Load() {
		return 0, ErrQueuePairFreed
	}
	if q.pending.Load() == 0 {
		return 0, nil
	}
	n, err := q.native.ProcessCompletions(max, q.complete)
	if err != nil {
		return n, fmt.Errorf("process completions on qpair %d: %w", q.id, err)
	}
	return n, nil
}

func (q *QueuePair) complete(tag uint64, cpl *Completion) {
	e, ok := q.inflight.take(tag)
	if !ok {
		q.logger.Warn("dropping completion for unknown command",
			zap.Uint64("tag", tag), zap.Uint16("cid", cpl.CID))
		return
	}
	q.pending.Add(-1)
	if e.buf != nil {
		e.buf.unpin()
	}
	q.completed.Add(1)
	if cpl.IsError() {
		q.completionErrors.Add(1)
		q.logger.Debug("command failed",
			zap.Stringer("op", e.op), zap.Stringer("status", cpl.Status))
	} else {
		switch e.op {
		case OpRead:
			q.bytesRead.Add(e.bytes)
		case OpWrite:
			q.bytesWritten.Add(e.bytes)
		}
	}
	e.cb.Complete(cpl)
}

// Free releases the queue pair. Commands still outstanding are dropped
// without their callbacks running; polling until Outstanding reaches zero
// first is the caller's job.
func (q *QueuePair) Free() error {
	if !q.freed.CompareAndSwap(false, true) {
		return ErrQueuePairFreed
	}
	if dropped := q.inflight.drain(); len(dropped) > 0 {
		q.logger.Warn("freeing queue pair with outstanding commands",
			zap.Int("outstanding", len(dropped)))
		for _, e := range dropped {
			if e.buf != nil {
				e.buf.unpin()
			}
		}
		q.pending.Store(0)
	}
	q.ctrlr.forgetQueuePair(q.id)
	if err := q.native.Free(); err != nil {
		return fmt.Errorf("free qpair %d: %w", q.id, err)
	}
	q.logger.Debug("io queue pair freed")
	return nil
}
