package gc

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// FinalizerFunc is run once for an object of a type with a finalizer after
// the object became unreachable. It runs on a mutator; obj is valid and does
// not move for the duration of the call. Storing obj in a root or a live
// object resurrects it.
type FinalizerFunc func(m *Mutator, obj Addr)

// TypeInfo is what the heap knows about a type.
type TypeInfo struct {
	Name      string
	Finalizer FinalizerFunc
}

// RegisterType registers information about a type. Objects allocated with id
// afterwards have the finalizer of info, if any.
func (h *Heap) RegisterType(id TypeID, info TypeInfo) {
	h.types.Store(id, &info)
}

func (h *Heap) typeInfo(id TypeID) *TypeInfo {
	v, ok := h.types.Load(id)
	if !ok {
		return nil
	}
	return v.(*TypeInfo)
}

// typeName returns the registered name of id, or a placeholder.
func (h *Heap) typeName(id TypeID) string {
	if info := h.typeInfo(id); info != nil && info.Name != "" {
		return info.Name
	}
	return fmt.Sprintf("type%d", id)
}

// finalizeQueue tracks objects with a finalizer. Registered objects have not
// been found unreachable yet; ready objects were, and wait for their
// finalizer. Ready objects are roots.
//
// flagFinalizable is set while the finalizer of an object is wanted. It is
// cleared when the finalizer is taken off the ready list or suppressed, and
// only changed with mu held.
type finalizeQueue struct {
	mu         sync.Mutex
	cond       sync.Cond
	registered []Addr
	ready      []readyObject
	running    int // finalizers taken off ready that did not finish yet
	ran        atomic.Uint64
}

type readyObject struct {
	obj Addr
	// Registered again while waiting: the object goes back on the
	// registered list once its finalizer ran.
	reregister bool
}

func (q *finalizeQueue) init() {
	q.cond.L = &q.mu
}

func (q *finalizeQueue) register(obj Addr) {
	q.mu.Lock()
	q.registered = append(q.registered, obj)
	q.mu.Unlock()
}

// moveUnreachable moves the registered objects that are dead to the ready
// list and returns them. The collector marks them afterwards.
func (q *finalizeQueue) moveUnreachable(dead func(Addr) bool) []Addr {
	q.mu.Lock()
	defer q.mu.Unlock()
	var moved []Addr
	live := q.registered[:0]
	for _, obj := range q.registered {
		if dead(obj) {
			moved = append(moved, obj)
		} else {
			live = append(live, obj)
		}
	}
	clear(q.registered[len(live):])
	q.registered = live
	for _, obj := range moved {
		q.ready = append(q.ready, readyObject{obj: obj})
	}
	return moved
}

// scanReady visits the ready objects as roots.
func (q *finalizeQueue) scanReady(visit RootVisitor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ready {
		visit(&q.ready[i].obj, 0)
	}
}

func (q *finalizeQueue) relocate(visit RootVisitor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.registered {
		visit(&q.registered[i], 0)
	}
	for i := range q.ready {
		visit(&q.ready[i].obj, 0)
	}
}

// forEachRegistered calls fn for every registered object, for verification.
func (q *finalizeQueue) forEachRegistered(fn func(obj Addr, ready bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, obj := range q.registered {
		fn(obj, false)
	}
	for _, r := range q.ready {
		fn(r.obj, true)
	}
}

// takeFinalizer removes the next ready object and clears its
// flagFinalizable. run is false if the finalizer was suppressed while the
// object waited. The caller must call done afterwards.
func (h *Heap) takeFinalizer() (r readyObject, run, ok bool) {
	q := &h.final
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return readyObject{}, false, false
	}
	r = q.ready[0]
	q.ready[0] = readyObject{}
	q.ready = q.ready[1:]
	q.running++
	seg := h.segmentOf(r.obj)
	run = seg.flags(r.obj)&flagFinalizable != 0
	seg.clearFlags(r.obj, flagFinalizable)
	return r, run, true
}

func (q *finalizeQueue) done(ran bool) {
	q.mu.Lock()
	q.running--
	if ran {
		q.ran.Add(1)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *finalizeQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.running
}

// readyIndex returns the position of obj on the ready list, or -1. q.mu must
// be held.
func (q *finalizeQueue) readyIndex(obj Addr) int {
	for i, r := range q.ready {
		if r.obj == obj {
			return i
		}
	}
	return -1
}

// SuppressFinalize keeps the finalizer of obj from running, also when obj is
// already waiting for it.
func (h *Heap) SuppressFinalize(obj Addr) {
	seg := h.mustSegment(obj)
	q := &h.final
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, a := range q.registered {
		if a == obj {
			q.registered = append(q.registered[:i], q.registered[i+1:]...)
			break
		}
	}
	if i := q.readyIndex(obj); i >= 0 {
		q.ready[i].reregister = false
	}
	seg.clearFlags(obj, flagFinalizable)
}

// ReRegisterForFinalize makes the finalizer of obj run again once it becomes
// unreachable, after it already ran or was suppressed. If obj is waiting for
// its finalizer, it is registered again after the finalizer ran. It reports
// whether the type of obj has a finalizer.
func (h *Heap) ReRegisterForFinalize(obj Addr) bool {
	seg := h.mustSegment(obj)
	info := h.typeInfo(seg.info(obj).typ)
	if info == nil || info.Finalizer == nil {
		return false
	}
	q := &h.final
	q.mu.Lock()
	defer q.mu.Unlock()
	wasSet := !seg.setFlag(obj, flagFinalizable)
	if i := q.readyIndex(obj); i >= 0 {
		if wasSet {
			q.ready[i].reregister = true
		}
		return true
	}
	if !wasSet {
		q.registered = append(q.registered, obj)
	}
	return true
}

// runFinalizer runs the finalizer of r.obj on m, unless it was suppressed.
// It reports whether the finalizer ran.
func (h *Heap) runFinalizer(m *Mutator, r readyObject, run bool) (ran bool) {
	defer func() { h.final.done(ran) }()
	f := m.PushFrame(1)
	defer f.Pop()
	f.Set(0, r.obj)
	f.Pin(0)
	if r.reregister {
		defer func() { h.ReRegisterForFinalize(f.Get(0)) }()
	}
	if !run {
		return false
	}

	info := h.segmentOf(r.obj).info(r.obj)
	ti := h.typeInfo(info.typ)
	if ti == nil || ti.Finalizer == nil {
		return false
	}
	defer func() {
		if p := recover(); p != nil {
			h.log.Error("finalizer panicked", "type", h.typeName(info.typ), "panic", p)
		}
	}()
	ran = true
	ti.Finalizer(m, f.Get(0))
	return ran
}

// RunFinalizers runs every ready finalizer on m and returns how many ran. It
// is how finalizers run when the heap was created with ManualFinalization.
func (m *Mutator) RunFinalizers() int {
	n := 0
	for {
		r, run, ok := m.heap.takeFinalizer()
		if !ok {
			return n
		}
		if m.heap.runFinalizer(m, r, run) {
			n++
		}
	}
}

// WaitForPendingFinalizers waits until every finalizer that was ready when it
// was called has run. Without a finalizer goroutine, they run on m.
func (m *Mutator) WaitForPendingFinalizers() {
	h := m.heap
	if h.finalizer == nil {
		m.RunFinalizers()
		return
	}
	h.finalizer.wake()
	m.Preemptive(func() {
		q := &h.final
		q.mu.Lock()
		for len(q.ready) > 0 || q.running > 0 {
			q.cond.Wait()
		}
		q.mu.Unlock()
	})
}

// finalizerRunner is the goroutine that runs ready finalizers.
type finalizerRunner struct {
	h      *Heap
	wakeCh chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// StartFinalizer starts the finalizer goroutine. New calls it unless
// Options.ManualFinalization is set.
func (h *Heap) StartFinalizer() {
	if h.finalizer != nil {
		return
	}
	r := &finalizerRunner{
		h:      h,
		wakeCh: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m, err := h.AttachThread()
	if err != nil {
		return
	}
	h.finalizer = r
	go r.run(m)
}

func (r *finalizerRunner) run(m *Mutator) {
	defer close(r.done)
	defer m.Detach()
	for {
		if obj, run, ok := r.h.takeFinalizer(); ok {
			r.h.runFinalizer(m, obj, run)
			continue
		}
		stopped := false
		m.Preemptive(func() {
			select {
			case <-r.wakeCh:
			case <-r.quit:
				stopped = true
			}
		})
		if stopped {
			return
		}
	}
}

func (r *finalizerRunner) wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

func (r *finalizerRunner) stop() {
	close(r.quit)
	<-r.done
}
