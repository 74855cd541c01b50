package nvmedrv

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Controller is an attached NVMe controller. Identification data is captured
// at attach time. After Detach every fallible method returns
// ErrControllerDetached and the accessors return zero values.
type Controller struct {
	driver *Driver
	native NativeController
	trid   TransportID
	opts   ControllerOptions
	data   ControllerData
	logger *zap.Logger

	mu       sync.Mutex
	detached atomic.Bool
	qpairs   map[uint64]*QueuePair
	nextQP   uint64
	ns       []*Namespace
}

func newController(d *Driver, trid TransportID, native NativeController, opts ControllerOptions) *Controller {
	data := native.Data()
	data.NumNamespaces = native.NumNamespaces()
	c := &Controller{
		driver: d,
		native: native,
		trid:   trid,
		opts:   opts,
		data:   data,
		logger: d.logger.With(zap.Stringer("trid", trid)),
		qpairs: make(map[uint64]*QueuePair),
	}
	c.ns = make([]*Namespace, data.NumNamespaces)
	for i := range c.ns {
		id := uint32(i + 1)
		c.ns[i] = newNamespace(c, id, native.Namespace(id))
	}
	return c
}

// Detached reports whether Detach has been called.
func (c *Controller) Detached() bool { return c.detached.Load() }

func (c *Controller) zero() bool { return c == nil || c.detached.Load() }

// TransportID returns the identifier the controller was attached through.
func (c *Controller) TransportID() TransportID {
	if c.zero() {
		return TransportID{}
	}
	return c.trid
}

// Options returns the connection options in effect.
func (c *Controller) Options() ControllerOptions {
	if c.zero() {
		return ControllerOptions{}
	}
	return c.opts
}

// Data returns the controller identify data.
func (c *Controller) Data() ControllerData {
	if c.zero() {
		return ControllerData{}
	}
	return c.data
}

func (c *Controller) VendorID() uint16                 { return c.Data().VendorID }
func (c *Controller) SubsystemVendorID() uint16        { return c.Data().SubsystemVendorID }
func (c *Controller) SerialNumber() string             { return c.Data().SerialNumber }
func (c *Controller) ModelNumber() string              { return c.Data().ModelNumber }
func (c *Controller) FirmwareRevision() string         { return c.Data().FirmwareRevision }
func (c *Controller) AtomicWriteUnitNormal() uint16    { return c.Data().AtomicWriteUnitNormal }
func (c *Controller) AtomicWriteUnitPowerFail() uint16 { return c.Data().AtomicWriteUnitPowerFail }

// NamespaceCount returns the number of namespace ids, active or not.
func (c *Controller) NamespaceCount() uint32 { return c.Data().NumNamespaces }

// Namespaces returns every namespace id 1..NamespaceCount in order,
// including inactive ones.
func (c *Controller) Namespaces() []*Namespace {
	if c.zero() {
		return nil
	}
	out := make([]*Namespace, len(c.ns))
	copy(out, c.ns)
	return out
}

// Namespace returns namespace id, or nil when id is out of range.
func (c *Controller) Namespace(id uint32) *Namespace {
	if c.zero() || id == 0 || id > uint32(len(c.ns)) {
		return nil
	}
	return c.ns[id-1]
}

// ActiveNamespaces returns the namespaces that report active.
func (c *Controller) ActiveNamespaces() []*Namespace {
	var out []*Namespace
	for _, ns := range c.Namespaces() {
		if ns.IsActive() {
			out = append(out, ns)
		}
	}
	return out
}

// AllocIOQueuePair creates an I/O queue pair. It may be called from any
// goroutine; the returned pair must then be used by one goroutine at a time.
func (c *Controller) AllocIOQueuePair(prio QueuePriority) (*QueuePair, error) {
	if c == nil {
		return nil, &AllocError{Priority: prio, Err: ErrControllerDetached}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached.Load() {
		return nil, &AllocError{Priority: prio, Err: ErrControllerDetached}
	}

	native, err := c.native.AllocIOQueuePair(prio)
	if err != nil {
		c.logger.Warn("io queue pair allocation refused",
			zap.Stringer("priority", prio), zap.Error(err))
		return nil, &AllocError{Priority: prio, Err: err}
	}

	c.nextQP++
	qp := newQueuePair(c, native, c.nextQP, prio)
	c.qpairs[qp.id] = qp
	c.logger.Debug("io queue pair allocated",
		zap.Uint64("qpair", qp.id), zap.Stringer("priority", prio))
	return qp, nil
}

// QueuePairs returns the number of live I/O queue pairs.
func (c *Controller) QueuePairs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.qpairs)
}

func (c *Controller) forgetQueuePair(id uint64) {
	c.mu.Lock()
	delete(c.qpairs, id)
	c.mu.Unlock()
}

// Detach releases the controller. Queue pairs still allocated are freed
// first; they must have no commands outstanding.
func (c *Controller) Detach() error {
	if c == nil {
		return ErrControllerDetached
	}
	c.mu.Lock()
	if !c.detached.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return ErrControllerDetached
	}
	qpairs := make([]*QueuePair, 0, len(c.qpairs))
	for _, qp := range c.qpairs {
		qpairs = append(qpairs, qp)
	}
	c.mu.Unlock()

	for _, qp := range qpairs {
		if err := qp.Free(); err != nil {
			c.logger.Warn("failed to free queue pair on detach",
				zap.Uint64("qpair", qp.id), zap.Error(err))
		}
	}
	if err := c.native.Detach(); err != nil {
		return err
	}
	c.logger.Info("controller detached")
	return nil
}
