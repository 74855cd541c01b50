package nvmedrv

import "fmt"

// Status code types.
const (
	StatusTypeGeneric         uint8 = 0x0
	StatusTypeCommandSpecific uint8 = 0x1
	StatusTypeMediaError      uint8 = 0x2
	StatusTypePath            uint8 = 0x3
	StatusTypeVendorSpecific  uint8 = 0x7
)

// Generic command status codes.
const (
	StatusSuccess                  uint8 = 0x00
	StatusInvalidOpcode            uint8 = 0x01
	StatusInvalidField             uint8 = 0x02
	StatusDataTransferError        uint8 = 0x04
	StatusInternalDeviceError      uint8 = 0x06
	StatusAbortedSQDeletion        uint8 = 0x08
	StatusInvalidNamespaceOrFormat uint8 = 0x0b
	StatusLBAOutOfRange            uint8 = 0x80
	StatusCapacityExceeded         uint8 = 0x81
	StatusNamespaceNotReady        uint8 = 0x82
)

// Status is the 16-bit status field of a completion queue entry: phase tag
// in bit 0, status code in bits 1-8, status code type in bits 9-11, more in
// bit 14 and do-not-retry in bit 15.
type Status uint16

// NewStatus packs a status code type and status code.
func NewStatus(sct, sc uint8) Status {
	return Status(uint16(sc)<<1 | uint16(sct&0x7)<<9)
}

// Phase reports the phase tag.
func (s Status) Phase() bool {
	return s&1 != 0
}

// StatusCode returns the status code.
func (s Status) StatusCode() uint8 {
	return uint8(s >> 1)
}

// StatusType returns the status code type.
func (s Status) StatusType() uint8 {
	return uint8(s>>9) & 0x7
}

// More reports whether more status information is available.
func (s Status) More() bool {
	return s&(1<<14) != 0
}

// DNR reports the do-not-retry bit.
func (s Status) DNR() bool {
	return s&(1<<15) != 0
}

// IsError reports whether the status is anything but generic success.
func (s Status) IsError() bool {
	return s.StatusType() != StatusTypeGeneric || s.StatusCode() != StatusSuccess
}

// WithDNR returns s with the do-not-retry bit set.
func (s Status) WithDNR() Status {
	return s | 1<<15
}

// WithPhase returns s with the phase tag set.
func (s Status) WithPhase() Status {
	return s | 1
}

func (s Status) String() string {
	if !s.IsError() {
		return "success"
	}
	if s.StatusType() == StatusTypeGeneric {
		switch s.StatusCode() {
		case StatusInvalidOpcode:
			return "invalid opcode"
		case StatusInvalidField:
			return "invalid field"
		case StatusDataTransferError:
			return "data transfer error"
		case StatusInternalDeviceError:
			return "internal device error"
		case StatusAbortedSQDeletion:
			return "aborted: sq deletion"
		case StatusInvalidNamespaceOrFormat:
			return "invalid namespace or format"
		case StatusLBAOutOfRange:
			return "lba out of range"
		case StatusCapacityExceeded:
			return "capacity exceeded"
		case StatusNamespaceNotReady:
			return "namespace not ready"
		}
	}
	return fmt.Sprintf("sct=0x%x sc=0x%02x", s.StatusType(), s.StatusCode())
}

// Completion is a completion queue entry. The value handed to a callback is
// only valid for the duration of that call.
type Completion struct {
	DW0    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status Status
}

// IsError reports whether the command failed.
func (c *Completion) IsError() bool { return c.Status.IsError() }

// Callback receives the completion of one command. It runs on the goroutine
// that polls the queue pair, exactly once per accepted command.
type Callback interface {
	Complete(cpl *Completion)
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(cpl *Completion)

func (f CallbackFunc) Complete(cpl *Completion) { f(cpl) }
