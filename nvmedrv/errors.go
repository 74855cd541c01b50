package nvmedrv

import (
	"errors"
	"fmt"
)

var (
	ErrEnvNotInitialized     = errors.New("environment not initialized")
	ErrEnvAlreadyInitialized = errors.New("environment already initialized")
	ErrControllerDetached    = errors.New("controller detached")
	ErrQueuePairFreed        = errors.New("queue pair freed")
	ErrQueueFull             = errors.New("queue full")
	ErrForeignQueuePair      = errors.New("queue pair belongs to another controller")
	ErrNamespaceInactive     = errors.New("namespace inactive")
	ErrInvalidCommand        = errors.New("invalid command")
	ErrBufferFreed           = errors.New("dma buffer freed")
	ErrBufferTooSmall        = errors.New("buffer too small")
	ErrBufferInFlight        = errors.New("dma buffer referenced by in-flight command")
	ErrInvalidDMARequest     = errors.New("invalid dma request")
	ErrDMAAllocFailed        = errors.New("dma allocation failed")
	ErrNoController          = errors.New("no controller attached")
)

// ParseError reports a malformed transport identifier string.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse transport id %q: %s", e.Input, e.Reason)
}

// DiscoveryError reports that enumeration could not start.
type DiscoveryError struct {
	Target string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery on %s failed: %v", e.Target, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// AllocError reports a refused queue pair allocation.
type AllocError struct {
	Priority QueuePriority
	Err      error
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("alloc io queue pair (priority %s): %v", e.Priority, e.Err)
}

func (e *AllocError) Unwrap() error { return e.Err }

// SubmitError reports a command rejected at enqueue time. The callback bound
// to the command is never invoked.
type SubmitError struct {
	Op        Opcode
	Namespace uint32
	Err       error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s on namespace %d: %v", e.Op, e.Namespace, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }
