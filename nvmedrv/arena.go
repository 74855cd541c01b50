package nvmedrv

import "github.com/bits-and-blooms/bitset"

// inflight is one accepted command awaiting completion.
type inflight struct {
	cb    Callback
	buf   *DMABuffer
	op    Opcode
	bytes uint64
}

type arenaSlot struct {
	gen   uint32
	entry inflight
}

// arena owns the callbacks of in-flight commands for one queue pair. A
// command is identified by a tag carrying its slot index and the slot's
// generation, so a tag can be redeemed at most once.
type arena struct {
	slots []arenaSlot
	used  *bitset.BitSet
	hint  uint
}

func newArena(capacity int) *arena {
	if capacity <= 0 {
		capacity = 64
	}
	return &arena{
		slots: make([]arenaSlot, capacity),
		used:  bitset.New(uint(capacity)),
	}
}

func makeTag(slot, gen uint32) uint64 { return uint64(gen)<<32 | uint64(slot) }

func splitTag(tag uint64) (slot, gen uint32) { return uint32(tag), uint32(tag >> 32) }

// insert stores e and returns its tag.
func (a *arena) insert(e inflight) uint64 {
	idx, ok := a.used.NextClear(a.hint)
	if !ok || idx >= uint(len(a.slots)) {
		idx, ok = a.used.NextClear(0)
	}
	if !ok || idx >= uint(len(a.slots)) {
		idx = uint(len(a.slots))
		a.slots = append(a.slots, make([]arenaSlot, len(a.slots))...)
		grown := bitset.New(uint(len(a.slots)))
		a.used.Copy(grown)
		a.used = grown
	}

	s := &a.slots[idx]
	s.gen++
	s.entry = e
	a.used.Set(idx)
	a.hint = idx + 1
	return makeTag(uint32(idx), s.gen)
}

// take removes and returns the entry for tag. It reports false for tags that
// were never issued or were already taken.
func (a *arena) take(tag uint64) (inflight, bool) {
	slot, gen := splitTag(tag)
	if uint(slot) >= uint(len(a.slots)) || !a.used.Test(uint(slot)) {
		return inflight{}, false
	}
	s := &a.slots[slot]
	if s.gen != gen {
		return inflight{}, false
	}
	e := s.entry
	s.entry = inflight{}
	a.used.Clear(uint(slot))
	if uint(slot) < a.hint {
		a.hint = uint(slot)
	}
	return e, true
}

func (a *arena) len() int { return int(a.used.Count()) }

// drain removes every entry and returns them.
func (a *arena) drain() []inflight {
	out := make([]inflight, 0, a.len())
	for i, ok := a.used.NextSet(0); ok; i, ok = a.used.NextSet(i + 1) {
		out = append(out, a.slots[i].entry)
		a.slots[i].entry = inflight{}
		a.used.Clear(i)
	}
	a.hint = 0
	return out
}
