//go:build unix

package emulator

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// pinnedRegion is an anonymous mapping locked into memory when the process
// is allowed to.
type pinnedRegion struct {
	once    sync.Once
	mapping []byte
	buf     []byte
	locked  bool
}

func allocPinned(size, align int) (*pinnedRegion, error) {
	const prot = unix.PROT_READ | unix.PROT_WRITE
	const flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

	page := unix.Getpagesize()
	length := roundUp(size, page)
	if align > page {
		length += align
	}

	mapping, err := unix.Mmap(-1, 0, length, prot, flags)
	if err != nil {
		return nil, err
	}

	off := 0
	if align > page {
		addr := uintptr(unsafe.Pointer(&mapping[0]))
		off = int(uintptr(roundUp(int(addr), align)) - addr)
	}

	r := &pinnedRegion{
		mapping: mapping,
		buf:     mapping[off : off+size : off+size],
	}
	r.locked = unix.Mlock(r.buf) == nil
	return r, nil
}

func (r *pinnedRegion) Bytes() []byte { return r.buf }

func (r *pinnedRegion) Free() {
	r.once.Do(func() {
		if r.locked {
			_ = unix.Munlock(r.buf)
		}
		_ = unix.Munmap(r.mapping)
		r.buf = nil
		r.mapping = nil
	})
}
