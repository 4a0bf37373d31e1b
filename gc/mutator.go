package gc

import (
	"fmt"

	"github.com/tinygo-org/gengc/internal/gclayout"
	"github.com/tinygo-org/gengc/internal/task"
)

// A Mutator is one thread of the program using the heap. It owns an
// allocation context and a shadow stack of root slots. A Mutator must only be
// used by one goroutine at a time.
//
// Addresses held by the goroutine outside of the shadow stack are only valid
// until the next safe point: every allocation, SafePoint and Preemptive call
// may move objects.
type Mutator struct {
	heap   *Heap
	thread *task.Thread
	ctx    allocContext

	// Shadow stack. Every frame is a range of slots; the collector reads and
	// updates them with the world stopped.
	stack []rootSlot
}

type rootSlot struct {
	addr   Addr
	pinned bool
}

// AttachThread registers a new mutator thread with the heap.
func (h *Heap) AttachThread() (*Mutator, error) {
	if h.shutdown.Load() {
		return nil, ErrHeapShutdown
	}
	m := &Mutator{heap: h}
	m.thread = h.world.Attach(m)
	return m, nil
}

// mutators returns every attached mutator. The world must be stopped.
func (h *Heap) mutators() []*Mutator {
	var ms []*Mutator
	h.world.ForEach(func(t *task.Thread) {
		ms = append(ms, t.Owner.(*Mutator))
	})
	return ms
}

// Heap returns the heap the mutator is attached to.
func (m *Mutator) Heap() *Heap {
	return m.heap
}

// Detach unregisters the mutator. It must not be used afterwards.
func (m *Mutator) Detach() {
	if m.thread == nil {
		return
	}
	m.heap.retireContext(&m.ctx)
	m.heap.world.Detach(m.thread)
	m.thread = nil
	m.stack = nil
}

// SafePoint lets a pending collection run.
func (m *Mutator) SafePoint() {
	m.thread.SafePoint()
}

// Preemptive runs fn outside of managed code: collections may run while fn
// runs, so fn must not touch the heap or hold addresses that are not in the
// shadow stack.
func (m *Mutator) Preemptive(fn func()) {
	m.thread.EnterPreemptive()
	defer m.thread.ExitPreemptive()
	fn()
}

// Allocate returns a new zeroed object with a payload of size bytes. The
// object is only kept alive once it is stored in a root or in another live
// object, so store it before the next safe point.
func (m *Mutator) Allocate(typ TypeID, layout gclayout.Layout, size uint64, flags AllocFlags) (Addr, error) {
	h := m.heap
	if m.thread == nil {
		return 0, ErrNotAttached
	}
	if h.shutdown.Load() {
		return 0, ErrHeapShutdown
	}
	if !layout.Valid() {
		return 0, fmt.Errorf("gc: invalid layout %s", layout)
	}
	if size > MaxObjectSize {
		return 0, fmt.Errorf("%w: %d bytes exceeds the maximum object size", ErrOutOfMemory, size)
	}
	payload := alignUp(size, wordSize)
	total := HeaderSize + payload

	var obj Addr
	var err error
	switch {
	case flags&AllocPinned != 0:
		obj, err = m.allocUOH(pohSegment, total)
	case total >= uint64(h.cfg.LargeObjectThreshold):
		obj, err = m.allocUOH(lohSegment, total)
	case m.ctx.current != 0 && m.ctx.current+Addr(total) <= m.ctx.limit:
		// Fast path: bump the allocation context.
		obj = m.ctx.current
		m.ctx.current += Addr(total)
	default:
		obj, err = m.allocSlow(total)
	}
	if err != nil {
		return 0, err
	}
	h.initObject(obj, typ, layout, payload)
	return obj, nil
}

// RequestCollection runs a collection of gen on behalf of this mutator. A
// non-blocking gen2 request may start a background collection and return
// before it finished.
func (m *Mutator) RequestCollection(gen Generation, blocking bool) error {
	if m.thread == nil {
		return ErrNotAttached
	}
	return m.heap.requestCollection(m, gen, blocking)
}

// A Frame is a fixed number of root slots on the mutator's shadow stack.
// Frames must be popped in the reverse order they were pushed.
type Frame struct {
	m    *Mutator
	base int
	n    int
}

// PushFrame pushes a frame of n nil slots.
func (m *Mutator) PushFrame(n int) *Frame {
	base := len(m.stack)
	m.stack = append(m.stack, make([]rootSlot, n)...)
	return &Frame{m: m, base: base, n: n}
}

// Len returns the number of slots in the frame.
func (f *Frame) Len() int {
	return f.n
}

// Get returns the object in slot i. It is current as of the last safe point.
func (f *Frame) Get(i int) Addr {
	return f.slot(i).addr
}

// Set stores obj in slot i.
func (f *Frame) Set(i int, obj Addr) {
	f.slot(i).addr = obj
}

// Pin marks slot i as a pinning root: the object it refers to does not move
// while it is there.
func (f *Frame) Pin(i int) {
	f.slot(i).pinned = true
}

func (f *Frame) slot(i int) *rootSlot {
	if i < 0 || i >= f.n {
		panic(fmt.Sprintf("gc: slot %d out of range for frame of %d", i, f.n))
	}
	return &f.m.stack[f.base+i]
}

// Pop removes the frame from the shadow stack.
func (f *Frame) Pop() {
	m := f.m
	if f.base+f.n != len(m.stack) {
		panic("gc: frames popped out of order")
	}
	clear(m.stack[f.base:])
	m.stack = m.stack[:f.base]
}
