package gc

import (
	"fmt"
	"sync"
)

// RootFlags describe a root slot.
type RootFlags uint32

const (
	// RootPinned keeps the target from moving during the collection.
	RootPinned RootFlags = 1 << iota
)

// RootVisitor is called for every root slot. The collector may overwrite the
// slot with the new address of the object it refers to. Nil slots may be
// passed.
type RootVisitor func(slot *Addr, flags RootFlags)

// A RootScanner enumerates the roots held by the execution engine. ScanRoots is
// called with the world stopped, once when marking and once when relocating,
// and must report the same slots both times. An error is fatal to the heap.
type RootScanner interface {
	ScanRoots(visit RootVisitor) error
}

// RootScannerFunc adapts a function to RootScanner.
type RootScannerFunc func(visit RootVisitor) error

func (f RootScannerFunc) ScanRoots(visit RootVisitor) error {
	return f(visit)
}

// RootSet is a RootScanner over a set of slots owned by the caller, such as
// static fields. It is safe for concurrent use.
type RootSet struct {
	mu    sync.Mutex
	slots map[*Addr]RootFlags
}

// Add registers slot as a root.
func (s *RootSet) Add(slot *Addr, flags RootFlags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slots == nil {
		s.slots = make(map[*Addr]RootFlags)
	}
	s.slots[slot] = flags
}

// Remove unregisters slot.
func (s *RootSet) Remove(slot *Addr) {
	s.mu.Lock()
	delete(s.slots, slot)
	s.mu.Unlock()
}

func (s *RootSet) ScanRoots(visit RootVisitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for slot, flags := range s.slots {
		visit(slot, flags)
	}
	return nil
}

// scanRoots visits the shadow stack of every mutator and the roots of the
// execution engine. The world must be stopped.
func (h *Heap) scanRoots(visit RootVisitor) error {
	for _, m := range h.mutators() {
		for i := range m.stack {
			s := &m.stack[i]
			if s.addr == 0 {
				continue
			}
			var flags RootFlags
			if s.pinned {
				flags |= RootPinned
			}
			visit(&s.addr, flags)
		}
	}
	if h.roots == nil {
		return nil
	}
	if err := h.roots.ScanRoots(visit); err != nil {
		return fmt.Errorf("gc: root enumeration: %w", err)
	}
	return nil
}
