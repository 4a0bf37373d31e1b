// Package platform provides the virtual memory primitives the heap is built on.
//
// Regions of memory handed out by a Memory implementation are in one of three
// states:
//  1. Reserved - owned by the heap, but accessing it may fault. Does not count
//     against the memory footprint.
//  2. Committed - may be accessed safely. Freshly committed memory is zero.
//  3. Released - returned to the operating system.
//
// Decommit moves committed memory back to the reserved state; its contents are
// lost. The heap always decommits a region before releasing it.
package platform

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// ErrLimitExceeded is returned when committing memory would exceed the limit
// installed with WithLimit.
var ErrLimitExceeded = errors.New("platform: memory limit exceeded")

// Memory is the interface of the platform-abstraction layer consumed by the
// heap. All slices passed to Commit, Decommit and Release are sub-slices of a
// slice returned by Reserve; Release is always passed the complete reservation.
type Memory interface {
	// Reserve returns a new reservation of size bytes. The memory is 8-byte
	// aligned and must be committed before use.
	Reserve(size uintptr) ([]byte, error)

	// Commit makes the given range accessible and zero.
	Commit(mem []byte) error

	// Decommit returns the physical memory of the given range.
	Decommit(mem []byte) error

	// Release returns the complete reservation to the operating system.
	Release(mem []byte) error

	// PageSize returns the commit granularity.
	PageSize() uintptr
}

// Default returns the native memory implementation of this platform.
func Default() Memory {
	return defaultMemory()
}

// goMemory backs reservations with ordinary Go memory. Reserve allocates the
// whole range up front, so commit and decommit only maintain the contract
// that committed memory is zero.
type goMemory struct{}

// NewGoMemory returns a Memory backed by the Go allocator. It works
// everywhere, and is used on platforms without mmap.
func NewGoMemory() Memory {
	return goMemory{}
}

func (goMemory) Reserve(size uintptr) ([]byte, error) {
	if size == 0 || size%8 != 0 {
		return nil, fmt.Errorf("platform: bad reservation size %d", size)
	}
	// Allocate words, not bytes, to get 8-byte alignment.
	words := make([]uint64, size/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size), nil
}

func (goMemory) Commit(mem []byte) error {
	return nil
}

func (goMemory) Decommit(mem []byte) error {
	clear(mem)
	return nil
}

func (goMemory) Release(mem []byte) error {
	return nil
}

func (goMemory) PageSize() uintptr {
	return 4096
}

// limitMemory refuses commits that would bring the committed total over a
// limit. It is how a hard heap limit is enforced.
type limitMemory struct {
	Memory
	limit     uint64
	committed atomic.Uint64

	// The total is only updated with mu held, so that two concurrent commits
	// can't both squeeze under the limit.
	mu sync.Mutex
}

// WithLimit wraps m so that no more than limit bytes are committed at once.
func WithLimit(m Memory, limit uint64) Memory {
	return &limitMemory{Memory: m, limit: limit}
}

func (m *limitMemory) Commit(mem []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := uint64(len(mem))
	if m.committed.Load()+n > m.limit {
		return fmt.Errorf("%w: committing %d bytes on top of %d (limit %d)", ErrLimitExceeded, n, m.committed.Load(), m.limit)
	}
	if err := m.Memory.Commit(mem); err != nil {
		return err
	}
	m.committed.Add(n)
	return nil
}

func (m *limitMemory) Decommit(mem []byte) error {
	if err := m.Memory.Decommit(mem); err != nil {
		return err
	}
	m.mu.Lock()
	m.committed.Add(^uint64(len(mem) - 1))
	m.mu.Unlock()
	return nil
}

// Committed returns the number of bytes currently committed through m, or 0
// if m does not track it.
func Committed(m Memory) uint64 {
	if lm, ok := m.(*limitMemory); ok {
		return lm.committed.Load()
	}
	return 0
}

// Limit returns the commit limit installed with WithLimit, or 0 if there is
// none.
func Limit(m Memory) uint64 {
	if lm, ok := m.(*limitMemory); ok {
		return lm.limit
	}
	return 0
}
