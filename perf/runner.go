// Package perf runs a write/read-back benchmark against attached
// controllers, one queue pair per worker.
package perf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

// ErrNoNamespaces is returned when a controller has no active namespace.
var ErrNoNamespaces = errors.New("controller has no active namespaces")

// Workload describes what each worker does.
type Workload struct {
	IOSize     int
	QueueDepth int
	Workers    int
	Duration   time.Duration
	Iterations int
	Verify     bool
	Priority   nvmedrv.QueuePriority
	Flags      nvmedrv.IOFlags
}

// Report summarises a run.
type Report struct {
	RunID        string        `json:"run_id"`
	Started      time.Time     `json:"started"`
	Elapsed      time.Duration `json:"elapsed_ns"`
	Running      bool          `json:"running"`
	Iterations   uint64        `json:"iterations"`
	Commands     uint64        `json:"commands"`
	Errors       uint64        `json:"errors"`
	BytesWritten uint64        `json:"bytes_written"`
	BytesRead    uint64        `json:"bytes_read"`
	IOPS         float64       `json:"iops"`
	Workers      []WorkerStats `json:"workers"`
}

// Runner fans a workload out over controllers.
type Runner struct {
	runID  uuid.UUID
	ctrlrs []*nvmedrv.Controller
	logger *zap.Logger

	mu       sync.Mutex
	workers  []*worker
	started  time.Time
	finished time.Time
}

// NewRunner creates Workers workers per controller. Each worker gets the
// next active namespace of its controller, round robin.
func NewRunner(d *nvmedrv.Driver, ctrlrs []*nvmedrv.Controller, wl Workload, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(ctrlrs) == 0 {
		return nil, nvmedrv.ErrNoController
	}
	if wl.Workers <= 0 {
		wl.Workers = 1
	}
	if wl.QueueDepth <= 0 {
		wl.QueueDepth = 1
	}

	r := &Runner{
		runID:  uuid.New(),
		ctrlrs: ctrlrs,
	}
	r.logger = logger.With(zap.String("run_id", r.runID.String()))

	for _, c := range ctrlrs {
		active := c.ActiveNamespaces()
		if len(active) == 0 {
			return nil, fmt.Errorf("%s: %w", c.TransportID(), ErrNoNamespaces)
		}
		namespaces := newRoundRobin(active)
		lanes := make(map[uint32]int, len(active))
		first := len(r.workers)
		for i := 0; i < wl.Workers; i++ {
			ns := namespaces.next()
			w := newWorker(len(r.workers), d, c, ns, wl, r.logger)
			w.lane = lanes[ns.ID()]
			lanes[ns.ID()]++
			r.workers = append(r.workers, w)
		}
		for _, w := range r.workers[first:] {
			count, err := sectorsPerIO(w.ns, wl, lanes[w.ns.ID()])
			if err != nil {
				return nil, fmt.Errorf("%s nsid %d: %w", c.TransportID(), w.ns.ID(), err)
			}
			w.count = count
		}
	}
	return r, nil
}

// sectorsPerIO returns the sectors one command covers. Every slot of every
// worker sharing ns gets its own LBA range, so ns must hold
// lanes*QueueDepth of them.
func sectorsPerIO(ns *nvmedrv.Namespace, wl Workload, lanes int) (uint32, error) {
	sector := int(ns.SectorSize())
	if sector == 0 || wl.IOSize < sector {
		return 0, ErrIOSizeTooTiny
	}
	count := uint32(wl.IOSize / sector)
	need := uint64(lanes) * uint64(wl.QueueDepth) * uint64(count)
	if need > ns.NumSectors() {
		return 0, fmt.Errorf("%w: %d workers x %d slots x %d sectors, namespace has %d",
			ErrIOSizeTooBig, lanes, wl.QueueDepth, count, ns.NumSectors())
	}
	return count, nil
}

// RunID identifies the run in logs and status output.
func (r *Runner) RunID() string { return r.runID.String() }

// Controllers returns the controllers the runner was built with.
func (r *Runner) Controllers() []*nvmedrv.Controller { return r.ctrlrs }

// Run starts every worker and waits for them. Cancelling ctx stops new
// submissions; workers return once their in-flight commands complete.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	r.mu.Lock()
	r.started = time.Now()
	workers := r.workers
	r.mu.Unlock()

	r.logger.Info("benchmark started", zap.Int("workers", len(workers)))

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := w.run(gctx); err != nil {
				return fmt.Errorf("worker %d: %w", w.id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	r.mu.Lock()
	r.finished = time.Now()
	r.mu.Unlock()

	rep := r.Report()
	fields := []zap.Field{
		zap.Uint64("iterations", rep.Iterations),
		zap.Float64("iops", rep.IOPS),
		zap.Duration("elapsed", rep.Elapsed),
	}
	if err != nil {
		r.logger.Error("benchmark failed", append(fields, zap.Error(err))...)
		return rep, err
	}
	r.logger.Info("benchmark finished", fields...)
	return rep, nil
}

// Report returns a snapshot; it is safe to call while Run is in progress.
func (r *Runner) Report() Report {
	r.mu.Lock()
	started, finished := r.started, r.finished
	workers := r.workers
	r.mu.Unlock()

	rep := Report{
		RunID:   r.runID.String(),
		Started: started,
		Running: !started.IsZero() && finished.IsZero(),
		Workers: make([]WorkerStats, 0, len(workers)),
	}
	switch {
	case started.IsZero():
	case finished.IsZero():
		rep.Elapsed = time.Since(started)
	default:
		rep.Elapsed = finished.Sub(started)
	}

	for _, w := range workers {
		s := w.stats()
		rep.Workers = append(rep.Workers, s)
		rep.Iterations += s.Iterations
		rep.Commands += s.Writes + s.Reads
		rep.Errors += s.Errors
		rep.BytesWritten += s.BytesWritten
		rep.BytesRead += s.BytesRead
	}
	if secs := rep.Elapsed.Seconds(); secs > 0 {
		rep.IOPS = float64(rep.Commands) / secs
	}
	return rep
}

// Worker returns the snapshot of worker id.
func (r *Runner) Worker(id int) (WorkerStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.workers) {
		return WorkerStats{}, false
	}
	return r.workers[id].stats(), true
}
