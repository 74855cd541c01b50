package perf

import "sync/atomic"

// roundRobin hands out items in turn. It is safe for concurrent use.
type roundRobin[T any] struct {
	items  []T
	cursor atomic.Uint32
}

func newRoundRobin[T any](items []T) *roundRobin[T] {
	return &roundRobin[T]{items: items}
}

func (r *roundRobin[T]) next() T {
	n := r.cursor.Add(1) - 1
	return r.items[int(n%uint32(len(r.items)))]
}
