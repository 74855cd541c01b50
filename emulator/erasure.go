package emulator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"
)

// ErasureConfig stripes a namespace over data and parity shards.
type ErasureConfig struct {
	DataShards   int `yaml:"data_shards"`
	ParityShards int `yaml:"parity_shards"`
}

var errShardIndex = errors.New("shard index out of range")

// ErasureBackend stores a namespace as Reed-Solomon stripes. Each stripe
// holds one shard unit per data shard plus parity, so reads keep working
// while at most ParityShards shards are failed.
type ErasureBackend struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
	unit         int
	stripe       int
	size         int64

	mu     sync.RWMutex
	shards [][]byte
	failed []bool
}

// NewErasureBackend creates a backend of size bytes. unit is the number of
// bytes each data shard holds per stripe; size must be a multiple of
// unit*cfg.DataShards.
func NewErasureBackend(size int64, unit int, cfg ErasureConfig) (*ErasureBackend, error) {
	if cfg.DataShards <= 0 || cfg.ParityShards <= 0 {
		return nil, fmt.Errorf("invalid protection level %d+%d", cfg.DataShards, cfg.ParityShards)
	}
	if unit <= 0 {
		return nil, fmt.Errorf("invalid shard unit %d", unit)
	}
	enc, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, err
	}

	stripe := unit * cfg.DataShards
	if size%int64(stripe) != 0 {
		return nil, fmt.Errorf("size %d is not a multiple of stripe size %d", size, stripe)
	}
	stripes := size / int64(stripe)

	total := cfg.DataShards + cfg.ParityShards
	shards := make([][]byte, total)
	for i := range shards {
		shards[i] = make([]byte, stripes*int64(unit))
	}

	return &ErasureBackend{
		enc:          enc,
		dataShards:   cfg.DataShards,
		parityShards: cfg.ParityShards,
		unit:         unit,
		stripe:       stripe,
		size:         size,
		shards:       shards,
		failed:       make([]bool, total),
	}, nil
}

// view returns the shard units of stripe n; failed shards are nil.
func (e *ErasureBackend) view(n int64) [][]byte {
	out := make([][]byte, len(e.shards))
	start := n * int64(e.unit)
	for i, s := range e.shards {
		if !e.failed[i] {
			out[i] = s[start : start+int64(e.unit)]
		}
	}
	return out
}

func (e *ErasureBackend) readStripe(n int64, dst []byte) error {
	shards := e.view(n)
	for i := 0; i < e.dataShards; i++ {
		if shards[i] == nil {
			if err := e.enc.ReconstructData(shards); err != nil {
				return fmt.Errorf("reconstruct stripe %d: %w", n, err)
			}
			break
		}
	}
	for i := 0; i < e.dataShards; i++ {
		copy(dst[i*e.unit:], shards[i])
	}
	return nil
}

func (e *ErasureBackend) writeStripe(n int64, src []byte) error {
	shards := make([][]byte, len(e.shards))
	for i := 0; i < e.dataShards; i++ {
		shards[i] = src[i*e.unit : (i+1)*e.unit]
	}
	for i := e.dataShards; i < len(shards); i++ {
		shards[i] = make([]byte, e.unit)
	}
	if err := e.enc.Encode(shards); err != nil {
		return fmt.Errorf("encode stripe %d: %w", n, err)
	}

	start := n * int64(e.unit)
	for i, s := range shards {
		if !e.failed[i] {
			copy(e.shards[i][start:], s)
		}
	}
	return nil
}

func (e *ErasureBackend) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > e.size {
		return 0, errOutOfBounds
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	buf := make([]byte, e.stripe)
	done := 0
	for done < len(b) {
		pos := off + int64(done)
		n, skip := pos/int64(e.stripe), int(pos%int64(e.stripe))
		if err := e.readStripe(n, buf); err != nil {
			return done, err
		}
		done += copy(b[done:], buf[skip:])
	}
	return done, nil
}

func (e *ErasureBackend) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > e.size {
		return 0, errOutOfBounds
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	buf := make([]byte, e.stripe)
	done := 0
	for done < len(b) {
		pos := off + int64(done)
		n, skip := pos/int64(e.stripe), int(pos%int64(e.stripe))
		// Partial stripes are read, patched and re-encoded.
		if skip != 0 || len(b)-done < e.stripe {
			if err := e.readStripe(n, buf); err != nil {
				return done, err
			}
		}
		c := copy(buf[skip:], b[done:])
		if err := e.writeStripe(n, buf); err != nil {
			return done, err
		}
		done += c
	}
	return done, nil
}

// FailShard drops shard i. Its contents are lost until RepairShard.
func (e *ErasureBackend) FailShard(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.shards) {
		return errShardIndex
	}
	e.failed[i] = true
	clear(e.shards[i])
	return nil
}

// RepairShard rebuilds shard i from the surviving shards.
func (e *ErasureBackend) RepairShard(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.shards) {
		return errShardIndex
	}
	if !e.failed[i] {
		return nil
	}

	stripes := e.size / int64(e.stripe)
	for n := int64(0); n < stripes; n++ {
		shards := e.view(n)
		if err := e.enc.Reconstruct(shards); err != nil {
			return fmt.Errorf("reconstruct stripe %d: %w", n, err)
		}
		copy(e.shards[i][n*int64(e.unit):], shards[i])
	}
	e.failed[i] = false
	return nil
}

// FailedShards returns the indexes of failed shards.
func (e *ErasureBackend) FailedShards() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []int
	for i, f := range e.failed {
		if f {
			out = append(out, i)
		}
	}
	return out
}

func (e *ErasureBackend) Flush() error { return nil }

func (e *ErasureBackend) Close() error { return nil }

func (e *ErasureBackend) Size() int64 { return e.size }
