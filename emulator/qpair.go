package emulator

import (
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

var errQueuePairFreed = errors.New("emulated queue pair freed")

type submission struct {
	cmd nvmedrv.Command
	cid uint16
}

// queuePair executes commands when polled, the way a device would between
// doorbell writes and completion queue reads.
type queuePair struct {
	ctrlr    *controller
	qid      uint16
	capacity int

	mu     sync.Mutex
	sq     []submission
	nextID uint16
	head   uint16
	freed  bool
}

func newQueuePair(c *controller, qid uint16, capacity int) *queuePair {
	if capacity <= 0 {
		capacity = 512
	}
	return &queuePair{ctrlr: c, qid: qid, capacity: capacity}
}

func (q *queuePair) Submit(cmd *nvmedrv.Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.freed {
		return errQueuePairFreed
	}
	if len(q.sq) >= q.capacity {
		return nvmedrv.ErrQueueFull
	}
	q.nextID++
	q.sq = append(q.sq, submission{cmd: *cmd, cid: q.nextID})
	return nil
}

func (q *queuePair) ProcessCompletions(max uint32, fn func(tag uint64, cpl *nvmedrv.Completion)) (int, error) {
	q.mu.Lock()
	if q.freed {
		q.mu.Unlock()
		return 0, errQueuePairFreed
	}
	n := len(q.sq)
	if max > 0 && int(max) < n {
		n = int(max)
	}
	batch := make([]submission, n)
	copy(batch, q.sq[:n])
	q.sq = slices.Delete(q.sq, 0, n)
	q.mu.Unlock()

	if q.ctrlr.dev.engine.order == Reversed {
		slices.Reverse(batch)
	}

	var cpl nvmedrv.Completion
	for i := range batch {
		s := &batch[i]
		q.head++
		cpl = nvmedrv.Completion{
			CID:    s.cid,
			SQID:   q.qid,
			SQHead: q.head,
			Status: q.execute(&s.cmd),
		}
		fn(s.cmd.Tag, &cpl)
	}
	return n, nil
}

// execute runs cmd against the namespace backend and returns the status a
// device would post.
func (q *queuePair) execute(cmd *nvmedrv.Command) nvmedrv.Status {
	generic := func(sc uint8) nvmedrv.Status {
		return nvmedrv.NewStatus(nvmedrv.StatusTypeGeneric, sc)
	}

	ns := q.ctrlr.namespace(cmd.NSID)
	if ns == nil {
		return generic(nvmedrv.StatusInvalidNamespaceOrFormat).WithDNR()
	}
	if !ns.IsActive() {
		return generic(nvmedrv.StatusNamespaceNotReady)
	}
	if cmd.Flags&nvmedrv.FlagPRAct != 0 && !ns.cfg.ProtectionInfo {
		return generic(nvmedrv.StatusInvalidField).WithDNR()
	}

	if cmd.Opcode == nvmedrv.OpFlush {
		if err := ns.backend.Flush(); err != nil {
			return q.deviceError(cmd, err)
		}
		return generic(nvmedrv.StatusSuccess)
	}

	if cmd.LBA >= ns.numSectors() || uint64(cmd.Count) > ns.numSectors()-cmd.LBA {
		return generic(nvmedrv.StatusLBAOutOfRange).WithDNR()
	}
	off := int64(cmd.LBA) * int64(ns.cfg.SectorSize)
	length := int(cmd.Count) * int(ns.cfg.SectorSize)

	var err error
	switch cmd.Opcode {
	case nvmedrv.OpRead:
		if len(cmd.Buf) < length {
			return generic(nvmedrv.StatusDataTransferError)
		}
		_, err = ns.backend.ReadAt(cmd.Buf[:length], off)
	case nvmedrv.OpWrite:
		if len(cmd.Buf) < length {
			return generic(nvmedrv.StatusDataTransferError)
		}
		_, err = ns.backend.WriteAt(cmd.Buf[:length], off)
	case nvmedrv.OpWriteZeroes:
		err = writeZeroes(ns.backend, off, length)
	default:
		return generic(nvmedrv.StatusInvalidOpcode).WithDNR()
	}
	if err == nil && cmd.Flags&nvmedrv.FlagForceUnitAccess != 0 && cmd.Opcode != nvmedrv.OpRead {
		err = ns.backend.Flush()
	}
	if err != nil {
		return q.deviceError(cmd, err)
	}
	return generic(nvmedrv.StatusSuccess)
}

func (q *queuePair) deviceError(cmd *nvmedrv.Command, err error) nvmedrv.Status {
	q.ctrlr.dev.engine.logger.Warn("emulated backend error",
		zap.Stringer("op", cmd.Opcode), zap.Uint32("nsid", cmd.NSID), zap.Error(err))
	return nvmedrv.NewStatus(nvmedrv.StatusTypeGeneric, nvmedrv.StatusInternalDeviceError)
}

func writeZeroes(b Backend, off int64, length int) error {
	zero := make([]byte, min(length, 1<<20))
	for length > 0 {
		n := min(length, len(zero))
		if _, err := b.WriteAt(zero[:n], off); err != nil {
			return err
		}
		off += int64(n)
		length -= n
	}
	return nil
}

func (q *queuePair) Free() error {
	q.mu.Lock()
	if q.freed {
		q.mu.Unlock()
		return errQueuePairFreed
	}
	q.freed = true
	q.sq = nil
	q.mu.Unlock()
	q.ctrlr.releaseQueuePair(q.qid)
	return nil
}
