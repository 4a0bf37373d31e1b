//go:build unix

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// mmapMemory reserves address space with PROT_NONE mappings and commits it by
// changing the protection, like the Go runtime does on Linux.
type mmapMemory struct {
	pageSize uintptr
}

func defaultMemory() Memory {
	return &mmapMemory{pageSize: uintptr(unix.Getpagesize())}
}

func (m *mmapMemory) Reserve(size uintptr) ([]byte, error) {
	if size == 0 || size%m.pageSize != 0 {
		return nil, fmt.Errorf("platform: reservation of %d bytes is not page aligned", size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("platform: reserve %d bytes: %w", size, err)
	}
	return mem, nil
}

func (m *mmapMemory) Commit(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("platform: commit %d bytes: %w", len(mem), err)
	}
	return nil
}

func (m *mmapMemory) Decommit(mem []byte) error {
	if len(mem) == 0 {
		return nil
	}
	// MADV_DONTNEED on a private anonymous mapping guarantees the pages read
	// back as zero when they are committed again.
	if err := unix.Madvise(mem, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("platform: decommit %d bytes: %w", len(mem), err)
	}
	if err := unix.Mprotect(mem, unix.PROT_NONE); err != nil {
		return fmt.Errorf("platform: decommit %d bytes: %w", len(mem), err)
	}
	return nil
}

func (m *mmapMemory) Release(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("platform: release %d bytes: %w", len(mem), err)
	}
	return nil
}

func (m *mmapMemory) PageSize() uintptr {
	return m.pageSize
}
