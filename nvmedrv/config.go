package nvmedrv

import (
	"fmt"
	"time"
)

// Arbitration is the controller's submission queue arbitration mechanism.
type Arbitration int

const (
	ArbitrationRoundRobin         Arbitration = 0
	ArbitrationWeightedRoundRobin Arbitration = 1
	ArbitrationVendorSpecific     Arbitration = 7
)

func (a Arbitration) String() string {
	switch a {
	case ArbitrationRoundRobin:
		return "rr"
	case ArbitrationWeightedRoundRobin:
		return "wrr"
	case ArbitrationVendorSpecific:
		return "vs"
	default:
		return fmt.Sprintf("arbitration(%d)", int(a))
	}
}

// ControllerOptions are the connection options for one controller. A probe
// handler may adjust them before the controller is attached; the attach
// handler receives the values in effect.
type ControllerOptions struct {
	NumIOQueues         uint32
	IOQueueSize         uint32
	IOQueueRequests     uint32
	AdminQueueSize      uint16
	KeepAliveTimeout    time.Duration
	Arbitration         Arbitration
	HostNQN             string
	HeaderDigest        bool
	DataDigest          bool
	DisableErrorLogging bool
}

// DefaultControllerOptions mirrors the native driver's defaults.
func DefaultControllerOptions() ControllerOptions {
	return ControllerOptions{
		NumIOQueues:      1024,
		IOQueueSize:      256,
		IOQueueRequests:  512,
		AdminQueueSize:   32,
		KeepAliveTimeout: 10 * time.Second,
		Arbitration:      ArbitrationRoundRobin,
	}
}

// QueuePairStats captures per queue pair I/O counters.
type QueuePairStats struct {
	Submitted        uint64
	Completed        uint64
	SubmitFailures   uint64
	CompletionErrors uint64
	BytesRead        uint64
	BytesWritten     uint64
}
