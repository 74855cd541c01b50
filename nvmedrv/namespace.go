package nvmedrv

// Namespace is a namespace of an attached controller. Attributes are read
// from identify data captured at attach time.
type Namespace struct {
	ctrlr  *Controller
	id     uint32
	native NativeNamespace
	data   NamespaceData
	active bool
}

func newNamespace(c *Controller, id uint32, native NativeNamespace) *Namespace {
	ns := &Namespace{ctrlr: c, id: id, native: native}
	if native != nil {
		ns.active = native.IsActive()
		ns.data = native.Data()
	}
	return ns
}

func (n *Namespace) gone() bool { return n == nil || n.ctrlr.Detached() }

// ID returns the namespace id.
func (n *Namespace) ID() uint32 {
	if n == nil {
		return 0
	}
	return n.id
}

// IsActive reports whether the namespace is attached and formatted.
func (n *Namespace) IsActive() bool { return !n.gone() && n.active }

// Data returns the namespace identify data.
func (n *Namespace) Data() NamespaceData {
	if n.gone() {
		return NamespaceData{}
	}
	return n.data
}

func (n *Namespace) Size() uint64                     { return n.Data().SizeBytes }
func (n *Namespace) SectorSize() uint32               { return n.Data().SectorSize }
func (n *Namespace) NumSectors() uint64               { return n.Data().NumSectors }
func (n *Namespace) AtomicWriteUnitNormal() uint16    { return n.Data().AtomicWriteUnitNormal }
func (n *Namespace) AtomicWriteUnitPowerFail() uint16 { return n.Data().AtomicWriteUnitPowerFail }
func (n *Namespace) AtomicBoundarySizeNormal() uint16 { return n.Data().AtomicBoundarySizeNormal }
func (n *Namespace) OptimalIOBoundary() uint32        { return n.Data().OptimalIOBoundary }

// Write submits a write of count sectors from buf starting at lba. On success
// cb runs exactly once from a later ProcessCompletions on qp; on error it
// never runs. The LBA range is checked by the device and reported through the
// completion status.
func (n *Namespace) Write(qp *QueuePair, buf *DMABuffer, lba uint64, count uint32, cb Callback, flags IOFlags) error {
	return n.submitIO(OpWrite, qp, buf, lba, count, cb, flags)
}

// Read submits a read of count sectors into buf starting at lba, with the
// same guarantees as Write.
func (n *Namespace) Read(qp *QueuePair, buf *DMABuffer, lba uint64, count uint32, cb Callback, flags IOFlags) error {
	return n.submitIO(OpRead, qp, buf, lba, count, cb, flags)
}

// WriteZeroes zeroes count sectors starting at lba without a data transfer.
func (n *Namespace) WriteZeroes(qp *QueuePair, lba uint64, count uint32, cb Callback, flags IOFlags) error {
	if err := n.checkSubmit(qp, cb); err != nil {
		return &SubmitError{Op: OpWriteZeroes, Namespace: n.ID(), Err: err}
	}
	if count == 0 {
		return &SubmitError{Op: OpWriteZeroes, Namespace: n.id, Err: ErrInvalidCommand}
	}
	cmd := &Command{Opcode: OpWriteZeroes, NSID: n.id, LBA: lba, Count: count, Flags: flags}
	if err := qp.submit(cmd, cb, nil, 0); err != nil {
		return &SubmitError{Op: OpWriteZeroes, Namespace: n.id, Err: err}
	}
	return nil
}

// Flush commits volatile write cache contents to media.
func (n *Namespace) Flush(qp *QueuePair, cb Callback) error {
	if err := n.checkSubmit(qp, cb); err != nil {
		return &SubmitError{Op: OpFlush, Namespace: n.ID(), Err: err}
	}
	cmd := &Command{Opcode: OpFlush, NSID: n.id}
	if err := qp.submit(cmd, cb, nil, 0); err != nil {
		return &SubmitError{Op: OpFlush, Namespace: n.id, Err: err}
	}
	return nil
}

func (n *Namespace) submitIO(op Opcode, qp *QueuePair, buf *DMABuffer, lba uint64, count uint32, cb Callback, flags IOFlags) error {
	if err := n.checkSubmit(qp, cb); err != nil {
		return &SubmitError{Op: op, Namespace: n.ID(), Err: err}
	}
	if count == 0 {
		return &SubmitError{Op: op, Namespace: n.id, Err: ErrInvalidCommand}
	}
	if buf == nil {
		return &SubmitError{Op: op, Namespace: n.id, Err: ErrBufferFreed}
	}

	size := uint64(count) * uint64(n.data.SectorSize)
	data, err := buf.pin(int(size))
	if err != nil {
		return &SubmitError{Op: op, Namespace: n.id, Err: err}
	}

	cmd := &Command{Opcode: op, NSID: n.id, Buf: data, LBA: lba, Count: count, Flags: flags}
	if err := qp.submit(cmd, cb, buf, size); err != nil {
		return &SubmitError{Op: op, Namespace: n.id, Err: err}
	}
	return nil
}

func (n *Namespace) checkSubmit(qp *QueuePair, cb Callback) error {
	switch {
	case n == nil || n.ctrlr.Detached():
		return ErrControllerDetached
	case cb == nil:
		return ErrInvalidCommand
	case qp == nil:
		return ErrQueuePairFreed
	case qp.ctrlr != n.ctrlr:
		return ErrForeignQueuePair
	case qp.freed.Load():
		return ErrQueuePairFreed
	case !n.active:
		return ErrNamespaceInactive
	}
	return nil
}
