package emulator

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Backend stores the contents of an emulated namespace.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Flush() error
	Close() error
}

var errOutOfBounds = errors.New("access beyond end of backend")

// MemoryBackend implements in-memory storage.
type MemoryBackend struct {
	data []byte
	mu   sync.RWMutex
}

func NewMemoryBackend(size int64) *MemoryBackend {
	return &MemoryBackend{
		data: make([]byte, size),
	}
}

func (mb *MemoryBackend) ReadAt(b []byte, off int64) (int, error) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	if off < 0 || off+int64(len(b)) > int64(len(mb.data)) {
		return 0, errOutOfBounds
	}
	return copy(b, mb.data[off:]), nil
}

func (mb *MemoryBackend) WriteAt(b []byte, off int64) (int, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if off < 0 || off+int64(len(b)) > int64(len(mb.data)) {
		return 0, errOutOfBounds
	}
	return copy(mb.data[off:], b), nil
}

func (mb *MemoryBackend) Flush() error { return nil }

func (mb *MemoryBackend) Close() error { return nil }

func (mb *MemoryBackend) Size() int64 {
	return int64(len(mb.data))
}

// MmapBackend keeps namespace contents in a memory mapped file, so data
// survives the emulator process.
type MmapBackend struct {
	file *os.File
	mmap mmap.MMap
	mu   sync.RWMutex
	size int64
}

// NewMmapBackend maps path, creating or resizing it to size bytes.
func NewMmapBackend(path string, size int64) (*MmapBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("error allocating file: %w", err)
	}

	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("error mapping file: %w", err)
	}

	return &MmapBackend{
		file: f,
		mmap: mm,
		size: int64(len(mm)),
	}, nil
}

func (m *MmapBackend) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > m.size {
		return 0, errOutOfBounds
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return copy(b, m.mmap[off:]), nil
}

func (m *MmapBackend) WriteAt(b []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(b)) > m.size {
		return 0, errOutOfBounds
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return copy(m.mmap[off:], b), nil
}

func (m *MmapBackend) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mmap.Flush()
}

func (m *MmapBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	flushErr := m.mmap.Flush()
	mmapErr := m.mmap.Unmap()
	closeErr := m.file.Close()

	return errors.Join(flushErr, mmapErr, closeErr)
}

func (m *MmapBackend) Size() int64 {
	return m.size
}
