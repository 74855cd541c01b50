package nvmedrv

import "fmt"

// Engine is the native driver beneath the client library. The emulator
// package provides a pure-Go engine; spdkenv binds SPDK through cgo.
type Engine interface {
	InitEnv(opts EnvOptions) error
	// Probe enumerates controllers matching trid (all local PCIe controllers
	// when trid is nil). probe runs for every candidate; attach runs for every
	// candidate probe accepted and that connected successfully. Both run
	// synchronously on the calling goroutine before Probe returns.
	Probe(trid *TransportID, probe NativeProbeFunc, attach NativeAttachFunc) error
	// AllocDMA returns nil when the allocation cannot be satisfied.
	AllocDMA(size, align int, zeroed bool) DMARegion
}

// NativeProbeFunc decides whether to attach a candidate and may adjust opts.
type NativeProbeFunc func(trid TransportID, opts *ControllerOptions) bool

// NativeAttachFunc receives a connected controller.
type NativeAttachFunc func(trid TransportID, ctrlr NativeController, opts ControllerOptions)

// NativeProbeEvents is implemented by engines that can report candidates
// which were accepted by probe but failed to connect.
type NativeProbeEvents interface {
	SetConnectFailureHook(fn func(trid TransportID, err error))
}

// DMARegion is pinned, device-addressable memory.
type DMARegion interface {
	Bytes() []byte
	Free()
}

// NativeController is an attached controller handle.
type NativeController interface {
	Data() ControllerData
	NumNamespaces() uint32
	// Namespace returns nil for ids outside 1..NumNamespaces.
	Namespace(id uint32) NativeNamespace
	AllocIOQueuePair(prio QueuePriority) (NativeQueuePair, error)
	Detach() error
}

// NativeNamespace is a namespace handle owned by its controller.
type NativeNamespace interface {
	ID() uint32
	IsActive() bool
	Data() NamespaceData
}

// NativeQueuePair is an I/O submission/completion queue pair.
type NativeQueuePair interface {
	// Submit enqueues cmd. It returns ErrQueueFull when no request slot is
	// free.
	Submit(cmd *Command) error
	// ProcessCompletions reaps up to max completions (0 means all available)
	// and calls fn once per completion with the tag given at submission.
	ProcessCompletions(max uint32, fn func(tag uint64, cpl *Completion)) (int, error)
	Free() error
}

// Opcode is an NVM command set opcode.
type Opcode uint8

const (
	OpFlush       Opcode = 0x00
	OpWrite       Opcode = 0x01
	OpRead        Opcode = 0x02
	OpWriteZeroes Opcode = 0x08
)

func (o Opcode) String() string {
	switch o {
	case OpFlush:
		return "flush"
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpWriteZeroes:
		return "write-zeroes"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(o))
	}
}

// Command is a single I/O handed to a native queue pair. Buf is nil for
// commands without a data transfer.
type Command struct {
	Opcode Opcode
	NSID   uint32
	Buf    []byte
	LBA    uint64
	Count  uint32
	Flags  IOFlags
	Tag    uint64
}

// QueuePriority selects the arbitration class of an I/O queue pair. Classes
// other than Urgent only take effect under weighted round robin arbitration.
type QueuePriority int

const (
	PriorityUrgent QueuePriority = 0
	PriorityHigh   QueuePriority = 1
	PriorityMedium QueuePriority = 2
	PriorityLow    QueuePriority = 3
)

func (p QueuePriority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParseQueuePriority accepts the names returned by QueuePriority.String.
func ParseQueuePriority(s string) (QueuePriority, error) {
	for p := PriorityUrgent; p <= PriorityLow; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown queue priority %q", s)
}

// IOFlags are passed through to the device in command dword 12.
type IOFlags uint32

const (
	FlagPRChkRefTag     IOFlags = 1 << 26
	FlagPRChkAppTag     IOFlags = 1 << 27
	FlagPRChkGuard      IOFlags = 1 << 28
	FlagPRAct           IOFlags = 1 << 29
	FlagForceUnitAccess IOFlags = 1 << 30
	FlagLimitedRetry    IOFlags = 1 << 31
)

// ControllerData is the identify data the library exposes for a controller.
type ControllerData struct {
	VendorID                 uint16
	SubsystemVendorID        uint16
	SerialNumber             string
	ModelNumber              string
	FirmwareRevision         string
	ControllerID             uint16
	AtomicWriteUnitNormal    uint16
	AtomicWriteUnitPowerFail uint16
	NumNamespaces            uint32
}

// NamespaceData is the identify data the library exposes for a namespace.
type NamespaceData struct {
	SizeBytes                uint64
	SectorSize               uint32
	NumSectors               uint64
	AtomicWriteUnitNormal    uint16
	AtomicWriteUnitPowerFail uint16
	AtomicBoundarySizeNormal uint16
	OptimalIOBoundary        uint32
	ProtectionInfo           bool
}
