package perf

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

// Worker states reported through WorkerStats.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateDraining = "draining"
	StateDone     = "done"
	StateFailed   = "failed"
)

var (
	ErrVerifyFailed  = errors.New("read back data does not match")
	ErrIOSizeTooBig  = errors.New("io size exceeds namespace capacity")
	ErrIOSizeTooTiny = errors.New("io size is smaller than one sector")
)

var pattern = []byte("test")

// WorkerStats is a snapshot of one worker.
type WorkerStats struct {
	ID             int    `json:"id"`
	Controller     string `json:"controller"`
	Namespace      uint32 `json:"namespace"`
	QueuePair      uint64 `json:"queue_pair"`
	State          string `json:"state"`
	Iterations     uint64 `json:"iterations"`
	Writes         uint64 `json:"writes"`
	Reads          uint64 `json:"reads"`
	Errors         uint64 `json:"errors"`
	VerifyFailures uint64 `json:"verify_failures"`
	BytesWritten   uint64 `json:"bytes_written"`
	BytesRead      uint64 `json:"bytes_read"`
	Error          string `json:"error,omitempty"`
}

// worker owns one queue pair and drives QueueDepth write/read-back slots on
// one namespace. All submissions and completions happen on the goroutine
// running run.
type worker struct {
	id     int
	driver *nvmedrv.Driver
	ctrlr  *nvmedrv.Controller
	ns     *nvmedrv.Namespace
	wl     Workload
	logger *zap.Logger

	// lane is the worker's index among the workers sharing ns.
	lane  int
	count uint32

	qp       *nvmedrv.QueuePair
	qpID     atomic.Uint64
	state    atomic.Value
	failure  atomic.Value
	deadline time.Time
	stopping bool
	issued   int
	err      error

	iterations     atomic.Uint64
	writes         atomic.Uint64
	reads          atomic.Uint64
	errors         atomic.Uint64
	verifyFailures atomic.Uint64
	bytesWritten   atomic.Uint64
	bytesRead      atomic.Uint64
}

func newWorker(id int, d *nvmedrv.Driver, ctrlr *nvmedrv.Controller, ns *nvmedrv.Namespace, wl Workload, logger *zap.Logger) *worker {
	w := &worker{
		id:     id,
		driver: d,
		ctrlr:  ctrlr,
		ns:     ns,
		wl:     wl,
		logger: logger.With(zap.Int("worker", id), zap.Uint32("nsid", ns.ID())),
	}
	w.state.Store(StateIdle)
	return w
}

func (w *worker) stats() WorkerStats {
	s := WorkerStats{
		ID:             w.id,
		Controller:     w.ctrlr.TransportID().String(),
		Namespace:      w.ns.ID(),
		QueuePair:      w.qpID.Load(),
		State:          w.state.Load().(string),
		Iterations:     w.iterations.Load(),
		Writes:         w.writes.Load(),
		Reads:          w.reads.Load(),
		Errors:         w.errors.Load(),
		VerifyFailures: w.verifyFailures.Load(),
		BytesWritten:   w.bytesWritten.Load(),
		BytesRead:      w.bytesRead.Load(),
	}
	if msg, ok := w.failure.Load().(string); ok {
		s.Error = msg
	}
	return s
}

// slot is one write/read-back pipeline. After each write completes the
// range is read back into two independent buffers.
type slot struct {
	w     *worker
	idx   int
	wbuf  *nvmedrv.DMABuffer
	rbufs [2]*nvmedrv.DMABuffer
	lba   uint64
	count uint32
	size  int
	iter  uint64

	reading int
	failed  bool
}

func (w *worker) run(ctx context.Context) (err error) {
	w.state.Store(StateRunning)
	defer func() {
		if err != nil {
			w.failure.Store(err.Error())
			w.state.Store(StateFailed)
			return
		}
		w.state.Store(StateDone)
	}()

	slots, err := w.allocSlots(w.count, int(w.ns.SectorSize()))
	defer func() {
		for _, s := range slots {
			w.freeBuffers(s)
		}
	}()
	if err != nil {
		return err
	}

	qp, err := w.ctrlr.AllocIOQueuePair(w.wl.Priority)
	if err != nil {
		return err
	}
	w.qp = qp
	w.qpID.Store(qp.ID())
	defer func() {
		if ferr := qp.Free(); ferr != nil && err == nil {
			err = ferr
		}
	}()

	if w.wl.Duration > 0 {
		w.deadline = time.Now().Add(w.wl.Duration)
	}

	for _, s := range slots {
		if !w.more() {
			break
		}
		if err := s.start(); err != nil {
			w.fail(err)
			break
		}
	}

	for qp.Outstanding() > 0 {
		if !w.stopping && ctx.Err() != nil {
			w.stopping = true
			w.state.Store(StateDraining)
			w.logger.Debug("draining in-flight commands", zap.Int("outstanding", qp.Outstanding()))
		}
		if _, err := qp.ProcessCompletions(0); err != nil {
			w.fail(err)
			break
		}
	}

	if w.err != nil {
		return w.err
	}
	return nil
}

func (w *worker) allocSlots(count uint32, sector int) ([]*slot, error) {
	size := int(count) * sector
	base := uint64(w.lane) * uint64(w.wl.QueueDepth)

	slots := make([]*slot, 0, w.wl.QueueDepth)
	for i := 0; i < w.wl.QueueDepth; i++ {
		s := &slot{
			w:     w,
			idx:   i,
			lba:   (base + uint64(i)) * uint64(count),
			count: count,
			size:  size,
		}
		var err error
		if s.wbuf, err = w.driver.AllocDMAZeroed(size, sector); err != nil {
			return slots, err
		}
		slots = append(slots, s)
		for j := range s.rbufs {
			if s.rbufs[j], err = w.driver.AllocDMAZeroed(size, sector); err != nil {
				return slots, err
			}
		}
	}
	return slots, nil
}

func (w *worker) freeBuffers(s *slot) {
	for _, b := range []*nvmedrv.DMABuffer{s.wbuf, s.rbufs[0], s.rbufs[1]} {
		if b == nil {
			continue
		}
		if err := b.Free(); err != nil {
			w.logger.Warn("failed to free dma buffer", zap.Error(err))
		}
	}
}

// more reports whether another write/read-back cycle may start.
func (w *worker) more() bool {
	if w.stopping {
		return false
	}
	if w.wl.Iterations > 0 && w.issued >= w.wl.Iterations {
		return false
	}
	if !w.deadline.IsZero() && time.Now().After(w.deadline) {
		return false
	}
	return true
}

func (w *worker) fail(err error) {
	if w.err == nil {
		w.err = err
	}
	w.stopping = true
}

func (s *slot) start() error {
	w := s.w
	w.issued++
	s.iter++

	data := s.wbuf.Bytes()
	copy(data, pattern)
	if len(data) >= len(pattern)+16 {
		binary.BigEndian.PutUint64(data[len(pattern):], uint64(s.idx))
		binary.BigEndian.PutUint64(data[len(pattern)+8:], s.iter)
	}
	return w.ns.Write(w.qp, s.wbuf, s.lba, s.count, nvmedrv.CallbackFunc(s.onWrite), w.wl.Flags)
}

func (s *slot) onWrite(cpl *nvmedrv.Completion) {
	w := s.w
	if cpl.IsError() {
		w.errors.Add(1)
		w.logger.Debug("write failed", zap.Stringer("status", cpl.Status))
		s.next()
		return
	}
	w.writes.Add(1)
	w.bytesWritten.Add(uint64(s.size))

	s.reading, s.failed = 0, false
	for i, b := range s.rbufs {
		clear(b.Bytes())
		if err := w.ns.Read(w.qp, b, s.lba, s.count, s.onRead(i), 0); err != nil {
			s.failed = true
			w.fail(err)
			return
		}
		s.reading++
	}
}

// onRead returns the completion callback of read buffer i. The iteration
// counts once both reads have completed and matched the written data.
func (s *slot) onRead(i int) nvmedrv.CallbackFunc {
	return func(cpl *nvmedrv.Completion) {
		w := s.w
		s.reading--
		switch {
		case cpl.IsError():
			s.failed = true
			w.errors.Add(1)
			w.logger.Debug("read failed", zap.Stringer("status", cpl.Status), zap.Int("buffer", i))
		default:
			w.reads.Add(1)
			w.bytesRead.Add(uint64(s.size))
			if w.wl.Verify && !bytes.Equal(s.rbufs[i].ReadOnly(), s.wbuf.ReadOnly()) {
				s.failed = true
				w.verifyFailures.Add(1)
				w.logger.Warn("verification failed",
					zap.Uint64("lba", s.lba), zap.Int("slot", s.idx), zap.Int("buffer", i))
				w.fail(fmt.Errorf("%w at lba %d", ErrVerifyFailed, s.lba))
			}
		}
		if s.reading > 0 {
			return
		}
		if !s.failed {
			w.iterations.Add(1)
		}
		s.next()
	}
}

func (s *slot) next() {
	if !s.w.more() {
		return
	}
	if err := s.start(); err != nil {
		s.w.fail(err)
	}
}
