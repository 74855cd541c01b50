//go:build !unix

package emulator

import "unsafe"

// pinnedRegion falls back to heap memory where anonymous mappings are not
// available. The garbage collector does not move heap objects, so the
// aligned window stays put while referenced.
type pinnedRegion struct {
	buf []byte
}

func allocPinned(size, align int) (*pinnedRegion, error) {
	raw := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	off := int(uintptr(roundUp(int(addr), align)) - addr)
	return &pinnedRegion{buf: raw[off : off+size : off+size]}, nil
}

func (r *pinnedRegion) Bytes() []byte { return r.buf }

func (r *pinnedRegion) Free() { r.buf = nil }
