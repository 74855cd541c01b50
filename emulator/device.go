package emulator

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

const (
	defaultSectorSize   = 512
	defaultNamespaceSz  = 64 << 20
	defaultMaxQueuePair = 64
	defaultVendorID     = 0x1b36
)

// NamespaceConfig describes one namespace of an emulated controller.
type NamespaceConfig struct {
	SizeBytes  int64  `yaml:"size_bytes"`
	SectorSize uint32 `yaml:"sector_size"`
	Inactive   bool   `yaml:"inactive"`
	// File selects an mmap backend at that path; empty means memory.
	File string `yaml:"file"`
	// Erasure stripes the namespace over Reed-Solomon shards in memory.
	Erasure *ErasureConfig `yaml:"erasure"`
	// ProtectionInfo marks the namespace as formatted with end-to-end
	// protection information.
	ProtectionInfo           bool   `yaml:"protection_info"`
	AtomicWriteUnitNormal    uint16 `yaml:"atomic_write_unit_normal"`
	AtomicWriteUnitPowerFail uint16 `yaml:"atomic_write_unit_power_fail"`
	AtomicBoundarySizeNormal uint16 `yaml:"atomic_boundary_size_normal"`
	OptimalIOBoundary        uint32 `yaml:"optimal_io_boundary"`

	// Backend overrides File when set.
	Backend Backend `yaml:"-"`
}

// DeviceConfig describes an emulated controller.
type DeviceConfig struct {
	// TransportID in ParseTransportID syntax; empty assigns the next free
	// PCIe address.
	TransportID              string            `yaml:"trid"`
	VendorID                 uint16            `yaml:"vendor_id"`
	SubsystemVendorID        uint16            `yaml:"subsystem_vendor_id"`
	Serial                   string            `yaml:"serial"`
	Model                    string            `yaml:"model"`
	Firmware                 string            `yaml:"firmware"`
	MaxIOQueuePairs          uint32            `yaml:"max_io_queue_pairs"`
	AtomicWriteUnitNormal    uint16            `yaml:"atomic_write_unit_normal"`
	AtomicWriteUnitPowerFail uint16            `yaml:"atomic_write_unit_power_fail"`
	FailConnect              bool              `yaml:"fail_connect"`
	Namespaces               []NamespaceConfig `yaml:"namespaces"`
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.VendorID == 0 {
		c.VendorID = defaultVendorID
	}
	if c.SubsystemVendorID == 0 {
		c.SubsystemVendorID = c.VendorID
	}
	if c.Serial == "" {
		c.Serial = strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:20])
	}
	if c.Model == "" {
		c.Model = "nvmedirect emulated controller"
	}
	if c.Firmware == "" {
		c.Firmware = "1.0"
	}
	if c.MaxIOQueuePairs == 0 {
		c.MaxIOQueuePairs = defaultMaxQueuePair
	}
	if len(c.Namespaces) == 0 {
		c.Namespaces = []NamespaceConfig{{}}
	}
	for i := range c.Namespaces {
		ns := &c.Namespaces[i]
		if ns.SectorSize == 0 {
			ns.SectorSize = defaultSectorSize
		}
		if ns.SizeBytes == 0 {
			ns.SizeBytes = defaultNamespaceSz
		}
	}
	return c
}

// device is a registered controller. It can be attached at most once at a
// time.
type device struct {
	engine *Engine
	trid   nvmedrv.TransportID
	cfg    DeviceConfig
	ns     []*namespace

	mu       sync.Mutex
	attached *controller
}

func newDevice(e *Engine, trid nvmedrv.TransportID, cfg DeviceConfig) (*device, error) {
	d := &device{engine: e, trid: trid, cfg: cfg}
	for i, nc := range cfg.Namespaces {
		if nc.SectorSize&(nc.SectorSize-1) != 0 {
			return nil, fmt.Errorf("namespace %d: sector size %d is not a power of two", i+1, nc.SectorSize)
		}
		if nc.SizeBytes%int64(nc.SectorSize) != 0 {
			return nil, fmt.Errorf("namespace %d: size %d is not a multiple of sector size %d", i+1, nc.SizeBytes, nc.SectorSize)
		}
		backend := nc.Backend
		if backend == nil && !nc.Inactive {
			switch {
			case nc.File != "" && nc.Erasure != nil:
				d.close()
				return nil, fmt.Errorf("namespace %d: file and erasure are exclusive", i+1)
			case nc.File != "":
				b, err := NewMmapBackend(nc.File, nc.SizeBytes)
				if err != nil {
					d.close()
					return nil, fmt.Errorf("namespace %d: %w", i+1, err)
				}
				backend = b
			case nc.Erasure != nil:
				b, err := NewErasureBackend(nc.SizeBytes, int(nc.SectorSize), *nc.Erasure)
				if err != nil {
					d.close()
					return nil, fmt.Errorf("namespace %d: %w", i+1, err)
				}
				backend = b
			default:
				backend = NewMemoryBackend(nc.SizeBytes)
			}
		}
		d.ns = append(d.ns, &namespace{id: uint32(i + 1), cfg: nc, backend: backend})
	}
	return d, nil
}

func (d *device) matches(trid *nvmedrv.TransportID, env nvmedrv.EnvOptions) bool {
	if trid == nil {
		if d.trid.Type() != nvmedrv.TransportPCIe {
			return false
		}
		if len(env.PCIAllowed) == 0 {
			return true
		}
		for _, allowed := range env.PCIAllowed {
			if d.trid.Equal(nvmedrv.NewTransportID(nvmedrv.TransportPCIe, allowed)) {
				return true
			}
		}
		return false
	}
	return d.trid.Matches(*trid)
}

func (d *device) isAttached() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached != nil
}

func (d *device) connect(opts nvmedrv.ControllerOptions) (*controller, error) {
	if d.cfg.FailConnect {
		return nil, ErrConnectFailed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.attached != nil {
		return nil, fmt.Errorf("%w: already attached", ErrConnectFailed)
	}
	c := &controller{dev: d, opts: opts, qpairs: make(map[uint16]*queuePair)}
	d.attached = c
	return c, nil
}

func (d *device) release(c *controller) {
	d.mu.Lock()
	if d.attached == c {
		d.attached = nil
	}
	d.mu.Unlock()
}

func (d *device) close() error {
	d.mu.Lock()
	c := d.attached
	d.mu.Unlock()
	var errs []error
	if c != nil {
		errs = append(errs, c.Detach())
	}
	for _, ns := range d.ns {
		if ns.backend != nil {
			errs = append(errs, ns.backend.Close())
		}
	}
	return errors.Join(errs...)
}

type namespace struct {
	id      uint32
	cfg     NamespaceConfig
	backend Backend
}

func (n *namespace) ID() uint32     { return n.id }
func (n *namespace) IsActive() bool { return !n.cfg.Inactive }

func (n *namespace) Data() nvmedrv.NamespaceData {
	if n.cfg.Inactive {
		return nvmedrv.NamespaceData{}
	}
	return nvmedrv.NamespaceData{
		SizeBytes:                uint64(n.cfg.SizeBytes),
		SectorSize:               n.cfg.SectorSize,
		NumSectors:               uint64(n.cfg.SizeBytes) / uint64(n.cfg.SectorSize),
		AtomicWriteUnitNormal:    n.cfg.AtomicWriteUnitNormal,
		AtomicWriteUnitPowerFail: n.cfg.AtomicWriteUnitPowerFail,
		AtomicBoundarySizeNormal: n.cfg.AtomicBoundarySizeNormal,
		OptimalIOBoundary:        n.cfg.OptimalIOBoundary,
		ProtectionInfo:           n.cfg.ProtectionInfo,
	}
}

func (n *namespace) numSectors() uint64 {
	return uint64(n.cfg.SizeBytes) / uint64(n.cfg.SectorSize)
}

// controller is an attached device.
type controller struct {
	dev  *device
	opts nvmedrv.ControllerOptions

	mu       sync.Mutex
	detached bool
	qpairs   map[uint16]*queuePair
	nextQID  uint16
}

func (c *controller) Data() nvmedrv.ControllerData {
	cfg := c.dev.cfg
	return nvmedrv.ControllerData{
		VendorID:                 cfg.VendorID,
		SubsystemVendorID:        cfg.SubsystemVendorID,
		SerialNumber:             cfg.Serial,
		ModelNumber:              cfg.Model,
		FirmwareRevision:         cfg.Firmware,
		ControllerID:             1,
		AtomicWriteUnitNormal:    cfg.AtomicWriteUnitNormal,
		AtomicWriteUnitPowerFail: cfg.AtomicWriteUnitPowerFail,
		NumNamespaces:            uint32(len(c.dev.ns)),
	}
}

func (c *controller) NumNamespaces() uint32 { return uint32(len(c.dev.ns)) }

func (c *controller) Namespace(id uint32) nvmedrv.NativeNamespace {
	ns := c.namespace(id)
	if ns == nil {
		return nil
	}
	return ns
}

func (c *controller) namespace(id uint32) *namespace {
	if id == 0 || id > uint32(len(c.dev.ns)) {
		return nil
	}
	return c.dev.ns[id-1]
}

func (c *controller) AllocIOQueuePair(prio nvmedrv.QueuePriority) (nvmedrv.NativeQueuePair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return nil, nvmedrv.ErrControllerDetached
	}
	if prio < nvmedrv.PriorityUrgent || prio > nvmedrv.PriorityLow {
		return nil, fmt.Errorf("invalid queue priority %d", int(prio))
	}
	if prio != nvmedrv.PriorityUrgent && c.opts.Arbitration != nvmedrv.ArbitrationWeightedRoundRobin {
		return nil, ErrPriorityUnsupported
	}
	limit := min(c.dev.cfg.MaxIOQueuePairs, c.opts.NumIOQueues)
	if uint32(len(c.qpairs)) >= limit {
		return nil, ErrNoQueuePairs
	}

	c.nextQID++
	for c.qpairs[c.nextQID] != nil || c.nextQID == 0 {
		c.nextQID++
	}
	qp := newQueuePair(c, c.nextQID, int(c.opts.IOQueueRequests))
	c.qpairs[qp.qid] = qp
	return qp, nil
}

func (c *controller) releaseQueuePair(qid uint16) {
	c.mu.Lock()
	delete(c.qpairs, qid)
	c.mu.Unlock()
}

func (c *controller) Detach() error {
	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return nvmedrv.ErrControllerDetached
	}
	c.detached = true
	qpairs := make([]*queuePair, 0, len(c.qpairs))
	for _, qp := range c.qpairs {
		qpairs = append(qpairs, qp)
	}
	c.mu.Unlock()

	for _, qp := range qpairs {
		_ = qp.Free()
	}
	c.dev.release(c)
	return nil
}
