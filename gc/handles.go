package gc

import (
	"fmt"
	"sync"
)

// HandleKind is the strength of a handle.
type HandleKind uint8

const (
	// HandleWeak is cleared as soon as its target is unreachable, before
	// finalizers are considered (a short weak handle).
	HandleWeak HandleKind = iota

	// HandleWeakTrackResurrection is cleared only when its target is still
	// unreachable after finalization resurrected objects (a long weak
	// handle).
	HandleWeakTrackResurrection

	// HandleStrong keeps its target alive.
	HandleStrong

	// HandlePinned keeps its target alive and in place.
	HandlePinned

	// HandleDependent keeps its secondary alive as long as its primary is
	// alive, without keeping the primary alive.
	HandleDependent
)

func (k HandleKind) String() string {
	switch k {
	case HandleWeak:
		return "weak"
	case HandleWeakTrackResurrection:
		return "weak-track-resurrection"
	case HandleStrong:
		return "strong"
	case HandlePinned:
		return "pinned"
	case HandleDependent:
		return "dependent"
	default:
		return fmt.Sprintf("HandleKind(%d)", uint8(k))
	}
}

// Handle refers to a slot of the handle table. The zero Handle is invalid.
type Handle uint64

func makeHandle(index int, serial uint32) Handle {
	return Handle(uint64(index+1)<<32 | uint64(serial))
}

func (h Handle) index() int {
	return int(h>>32) - 1
}

func (h Handle) serial() uint32 {
	return uint32(h)
}

type handleSlot struct {
	target    Addr
	secondary Addr // dependent handles only
	kind      HandleKind
	inUse     bool
	serial    uint32
}

// HandleTable holds the handles of a heap. Slots are reused; a serial number
// catches uses of a destroyed handle.
type HandleTable struct {
	mu    sync.Mutex
	slots []handleSlot
	free  []int
}

func newHandleTable() *HandleTable {
	return &HandleTable{}
}

func (t *HandleTable) alloc(kind HandleKind, target, secondary Addr) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, handleSlot{})
		i = len(t.slots) - 1
	}
	s := &t.slots[i]
	s.serial++
	s.kind = kind
	s.target = target
	s.secondary = secondary
	s.inUse = true
	return makeHandle(i, s.serial)
}

// slot returns the slot of h. The table lock must be held.
func (t *HandleTable) slot(h Handle) (*handleSlot, error) {
	i := h.index()
	if i < 0 || i >= len(t.slots) {
		return nil, ErrInvalidHandle
	}
	s := &t.slots[i]
	if !s.inUse || s.serial != h.serial() {
		return nil, ErrInvalidHandle
	}
	return s, nil
}

// CreateHandle returns a new handle of the given kind to obj, which may be
// nil. Dependent handles are created with CreateDependentHandle.
func (h *Heap) CreateHandle(obj Addr, kind HandleKind) (Handle, error) {
	if kind > HandlePinned {
		return 0, fmt.Errorf("gc: cannot create %s handle with CreateHandle", kind)
	}
	if obj != 0 {
		h.mustSegment(obj)
	}
	return h.handles.alloc(kind, obj, 0), nil
}

// CreateDependentHandle returns a handle that keeps secondary alive for as
// long as primary is alive.
func (h *Heap) CreateDependentHandle(primary, secondary Addr) (Handle, error) {
	for _, a := range []Addr{primary, secondary} {
		if a != 0 {
			h.mustSegment(a)
		}
	}
	return h.handles.alloc(HandleDependent, primary, secondary), nil
}

// DestroyHandle frees the slot of hnd.
func (h *Heap) DestroyHandle(hnd Handle) error {
	t := h.handles
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.slot(hnd)
	if err != nil {
		return err
	}
	*s = handleSlot{serial: s.serial}
	t.free = append(t.free, hnd.index())
	return nil
}

// GetHandleTarget returns the target of hnd, or nil if a weak handle was
// cleared. For dependent handles it returns the primary.
func (h *Heap) GetHandleTarget(hnd Handle) (Addr, error) {
	t := h.handles
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.slot(hnd)
	if err != nil {
		return 0, err
	}
	return s.target, nil
}

// GetDependentSecondary returns the secondary of a dependent handle.
func (h *Heap) GetDependentSecondary(hnd Handle) (Addr, error) {
	t := h.handles
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.slot(hnd)
	if err != nil {
		return 0, err
	}
	if s.kind != HandleDependent {
		return 0, fmt.Errorf("gc: %s handle has no secondary: %w", s.kind, ErrInvalidHandle)
	}
	return s.secondary, nil
}

// UpdateHandleTarget makes hnd refer to obj.
func (h *Heap) UpdateHandleTarget(hnd Handle, obj Addr) error {
	if obj != 0 {
		h.mustSegment(obj)
	}
	t := h.handles
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.slot(hnd)
	if err != nil {
		return err
	}
	s.target = obj
	return nil
}

// HandleKindOf returns the kind of hnd.
func (h *Heap) HandleKindOf(hnd Handle) (HandleKind, error) {
	t := h.handles
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.slot(hnd)
	if err != nil {
		return 0, err
	}
	return s.kind, nil
}

// The following are called by the collector with the world stopped. The
// table lock is still taken, as goroutines that are not mutators may use the
// handle API at any time.

// scanStrong visits the targets of strong and pinned handles.
func (t *HandleTable) scanStrong(visit RootVisitor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse || s.target == 0 {
			continue
		}
		switch s.kind {
		case HandleStrong:
			visit(&s.target, 0)
		case HandlePinned:
			visit(&s.target, RootPinned)
		}
	}
}

// forEachDependent calls fn with the primary and secondary slots of every
// dependent handle.
func (t *HandleTable) forEachDependent(fn func(primary, secondary *Addr)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.inUse && s.kind == HandleDependent {
			fn(&s.target, &s.secondary)
		}
	}
}

// clearDead clears the handles of kind whose target is dead.
func (t *HandleTable) clearDead(kind HandleKind, dead func(Addr) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.slots {
		s := &t.slots[i]
		if s.inUse && s.kind == kind && s.target != 0 && dead(s.target) {
			s.target = 0
			n++
		}
	}
	return n
}

// clearDeadDependents clears both slots of dependent handles whose primary is
// dead.
func (t *HandleTable) clearDeadDependents(dead func(Addr) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.inUse && s.kind == HandleDependent && s.target != 0 && dead(s.target) {
			s.target = 0
			s.secondary = 0
		}
	}
}

// relocate visits every target so that it can be updated after compaction.
func (t *HandleTable) relocate(visit RootVisitor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if !s.inUse {
			continue
		}
		visit(&s.target, 0)
		if s.kind == HandleDependent {
			visit(&s.secondary, 0)
		}
	}
}

// forEach calls fn for every handle in use, for verification.
func (t *HandleTable) forEach(fn func(kind HandleKind, target, secondary Addr)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		s := &t.slots[i]
		if s.inUse {
			fn(s.kind, s.target, s.secondary)
		}
	}
}
