package nvmedrv

import (
	"sync"
	"sync/atomic"
)

// DMABuffer is pinned memory that commands can transfer into or out of.
// A buffer referenced by an in-flight command cannot be freed.
type DMABuffer struct {
	mu     sync.Mutex
	region DMARegion
	data   []byte
	align  int
	pins   atomic.Int32
	freed  bool
}

func newDMABuffer(region DMARegion, size, align int) *DMABuffer {
	return &DMABuffer{
		region: region,
		data:   region.Bytes()[:size:size],
		align:  align,
	}
}

// Len returns the usable size in bytes, or 0 after Free.
func (b *DMABuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Align returns the alignment the buffer was allocated with.
func (b *DMABuffer) Align() int { return b.align }

// Bytes returns the writable view of the buffer, or nil after Free. Do not
// touch the memory while a command referencing the buffer is in flight.
func (b *DMABuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// ReadOnly returns the buffer contents without copying. Callers must not
// modify the returned slice.
func (b *DMABuffer) ReadOnly() []byte { return b.Bytes() }

// InFlight reports how many accepted commands still reference the buffer.
func (b *DMABuffer) InFlight() int { return int(b.pins.Load()) }

// Free releases the memory. Freeing twice is a no-op.
func (b *DMABuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil
	}
	if b.pins.Load() > 0 {
		return ErrBufferInFlight
	}
	b.freed = true
	b.data = nil
	b.region.Free()
	b.region = nil
	return nil
}

// pin takes a reference for a command about to be submitted and returns the
// first n bytes.
func (b *DMABuffer) pin(n int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.freed {
		return nil, ErrBufferFreed
	}
	if n > len(b.data) {
		return nil, ErrBufferTooSmall
	}
	b.pins.Add(1)
	return b.data[:n], nil
}

func (b *DMABuffer) unpin() {
	b.pins.Add(-1)
}

func validDMARequest(size, align int) bool {
	return size > 0 && align > 0 && align&(align-1) == 0
}
