package gc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Marking is a parallel depth-first traversal of the condemned generations.
// Every worker has a local stack of gray objects (marked but not scanned).
// When a local stack grows too large, half of it moves to a shared overflow
// list, where idle workers pick it up. The phase terminates when every worker
// is idle and the overflow list is empty.

const (
	// Roots are handed to the workers in chunks of this size.
	markChunk = 256

	// Local stacks beyond this size are split.
	markLocalMax = 1024
)

type markState int

const (
	markIdle markState = iota
	markRootScan
	markPropagate
	markDone
)

type marker struct {
	gc *collection

	mu       sync.Mutex
	cond     sync.Cond
	overflow [][]Addr
	active   int  // workers in the current run
	waiting  int  // workers waiting for work
	done     bool // all workers were idle at once

	// Gray objects found while enumerating roots, not yet handed out.
	pending []Addr

	// Set to stop the workers early. Unscanned objects stay on the overflow
	// list.
	stopped atomic.Bool
	// Marking runs concurrently with the mutators. Only then does
	// interrupt stop the workers.
	concurrent bool

	state   markState
	bytes   atomic.Uint64
	objects atomic.Uint64
}

func newMarker(gc *collection) *marker {
	mk := &marker{gc: gc}
	mk.cond.L = &mk.mu
	return mk
}

// push adds a gray object found during root enumeration. It must not be
// called while workers run.
func (mk *marker) push(obj Addr) {
	mk.pending = append(mk.pending, obj)
	if len(mk.pending) >= markChunk {
		mk.flush()
	}
}

func (mk *marker) flush() {
	if len(mk.pending) == 0 {
		return
	}
	mk.put(mk.pending)
	mk.pending = nil
}

// put hands a chunk of gray objects to the other workers.
func (mk *marker) put(chunk []Addr) {
	mk.mu.Lock()
	mk.overflow = append(mk.overflow, chunk)
	mk.cond.Signal()
	mk.mu.Unlock()
}

// get returns a chunk of gray objects, waiting for other workers to produce
// one. It returns false when the phase is over.
func (mk *marker) get() ([]Addr, bool) {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	for {
		if mk.done || mk.stopped.Load() {
			return nil, false
		}
		if n := len(mk.overflow); n > 0 {
			chunk := mk.overflow[n-1]
			mk.overflow = mk.overflow[:n-1]
			return chunk, true
		}
		mk.waiting++
		if mk.waiting == mk.active {
			// Nobody has any work left.
			mk.done = true
			mk.cond.Broadcast()
			return nil, false
		}
		mk.cond.Wait()
		mk.waiting--
	}
}

// stop makes the workers return as soon as possible.
func (mk *marker) stop() {
	mk.mu.Lock()
	mk.stopped.Store(true)
	mk.cond.Broadcast()
	mk.mu.Unlock()
}

// interrupt stops a concurrent run early. Once the marker left the
// concurrent phase it has no effect: the final run must drain every gray
// object.
func (mk *marker) interrupt() {
	mk.mu.Lock()
	if mk.concurrent {
		mk.stopped.Store(true)
		mk.cond.Broadcast()
	}
	mk.mu.Unlock()
}

// setConcurrent enters or leaves the concurrent phase. Leaving it resets an
// earlier stop so that the next run drains the overflow list.
func (mk *marker) setConcurrent(on bool) {
	mk.mu.Lock()
	mk.concurrent = on
	if !on {
		mk.stopped.Store(false)
	}
	mk.mu.Unlock()
}

// hasWork reports whether there are gray objects left.
func (mk *marker) hasWork() bool {
	mk.mu.Lock()
	defer mk.mu.Unlock()
	return len(mk.overflow) != 0 || len(mk.pending) != 0
}

// run scans gray objects with the given number of workers until there are
// none left, or until stop is called.
func (mk *marker) run(workers int) error {
	mk.flush()
	mk.mu.Lock()
	if len(mk.overflow) == 0 {
		mk.mu.Unlock()
		return nil
	}
	mk.active = workers
	mk.waiting = 0
	mk.done = false
	mk.state = markPropagate
	mk.mu.Unlock()

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(mk.work)
	}
	err := g.Wait()
	mk.state = markDone
	return err
}

func (mk *marker) work() error {
	var local []Addr
	var bytes, objects uint64
	defer func() {
		mk.bytes.Add(bytes)
		mk.objects.Add(objects)
	}()
	for {
		if len(local) == 0 {
			chunk, ok := mk.get()
			if !ok {
				return nil
			}
			local = append(local, chunk...)
		}
		obj := local[len(local)-1]
		local = local[:len(local)-1]
		size, err := mk.scan(obj, &local)
		if err != nil {
			mk.stop()
			return err
		}
		bytes += size
		objects++

		if len(local) > markLocalMax {
			// Share half of the work.
			half := len(local) / 2
			mk.put(append([]Addr(nil), local[:half]...))
			local = append(local[:0], local[half:]...)
		}
		if mk.stopped.Load() {
			if len(local) != 0 {
				mk.mu.Lock()
				mk.overflow = append(mk.overflow, local)
				mk.mu.Unlock()
			}
			return nil
		}
	}
}

// scan marks the condemned objects referenced by obj and pushes the newly
// marked ones on local. It returns the size of obj.
func (mk *marker) scan(obj Addr, local *[]Addr) (uint64, error) {
	gc := mk.gc
	seg := gc.segment(obj)
	info := seg.info(obj)
	var err error
	info.forEachRef(obj, func(slot Addr) {
		v := Addr(seg.load(slot))
		if err != nil || !gc.isCondemned(v) {
			return
		}
		target := gc.segment(v)
		if target.isFree(v) {
			err = gc.inconsistent("mark", v, fmt.Sprintf("reference from %#x+%d to a free object", uint64(obj), slot-obj))
			return
		}
		if target.setFlag(v, flagMark) {
			*local = append(*local, v)
		}
	})
	return info.size(), err
}

// markRoot is the root visitor of the mark phase.
func (gc *collection) markRoot(mk *marker) RootVisitor {
	return func(slot *Addr, flags RootFlags) {
		a := *slot
		if !gc.isCondemned(a) {
			return
		}
		seg := gc.segment(a)
		if flags&RootPinned != 0 && !gc.background {
			seg.setFlag(a, flagPinned)
		}
		if seg.setFlag(a, flagMark) {
			mk.push(a)
		}
	}
}

// markRoots enumerates the roots of the collection: the shadow stacks, the
// execution engine's roots, strong and pinned handles and the objects waiting
// for their finalizer.
func (gc *collection) markRoots(mk *marker) {
	mk.state = markRootScan
	h := gc.h
	visit := gc.markRoot(mk)
	if err := h.scanRoots(visit); err != nil {
		h.fatalError(err)
	}
	h.handles.scanStrong(visit)
	h.final.scanReady(visit)
}

// dirtyCard is a card of an older generation that was scanned as a root by
// an ephemeral collection.
type dirtyCard struct {
	seg  *segment
	card uint64

	// Part of the card in the older generation.
	start, end Addr

	// Whether the card still covers a reference to a younger generation once
	// the collection is done.
	keep bool
}

// olderRanges calls fn for every part of the heap that is older than the
// condemned generations.
func (gc *collection) olderRanges(fn func(seg *segment, start, end Addr)) {
	h := gc.h
	for _, seg := range h.soh {
		if seg == gc.eph {
			fn(seg, seg.base, gc.lo)
		} else {
			fn(seg, seg.base, seg.allocated)
		}
	}
	for _, seg := range h.loh {
		fn(seg, seg.base, seg.allocated)
	}
	for _, seg := range h.poh {
		fn(seg, seg.base, seg.allocated)
	}
}

// markCards treats the references in dirty cards of older generations as
// roots, and decides which of those cards stay set.
func (gc *collection) markCards(mk *marker) {
	h := gc.h
	t := h.cards.Load()
	visit := gc.markRoot(mk)
	gc.olderRanges(func(seg *segment, start, end Addr) {
		first := len(gc.cards)
		h.forEachCard(t, t.cards, seg, start, end, func(c uint64) {
			lo, hi := t.cardAddr(c), t.cardAddr(c+1)
			if lo < start {
				lo = start
			}
			if hi > end {
				hi = end
			}
			gc.cards = append(gc.cards, dirtyCard{seg: seg, card: c, start: lo, end: hi})
		}, func(c uint64, obj, slot Addr) {
			v := Addr(seg.load(slot))
			if v == 0 {
				return
			}
			card := &gc.cards[len(gc.cards)-1]
			if gc.genAfter(v).age() < gc.genOf(obj).age() {
				card.keep = true
			}
			visit(&v, 0)
		})
		if gcDebug && len(gc.cards) > first {
			println("gc: dirty cards in", seg.String(), len(gc.cards)-first)
		}
	})
}

// markDependents marks the secondaries of dependent handles with a live
// primary, until no more secondaries become reachable.
func (gc *collection) markDependents(mk *marker) error {
	for {
		changed := false
		gc.h.handles.forEachDependent(func(primary, secondary *Addr) {
			p, s := *primary, *secondary
			if p == 0 || s == 0 || gc.isDead(p) || !gc.isCondemned(s) {
				return
			}
			if gc.segment(s).setFlag(s, flagMark) {
				mk.push(s)
				changed = true
			}
		})
		if !changed {
			return nil
		}
		if err := mk.run(gc.workers); err != nil {
			return err
		}
	}
}

// markFinalization runs after the transitive closure of the roots was marked.
// In order: short weak handles to dead objects are cleared, dead objects with
// a finalizer are resurrected onto the ready list, long weak handles to
// objects that are still dead are cleared, and dependent handles with a dead
// primary are cleared.
func (gc *collection) markFinalization(mk *marker) error {
	h := gc.h
	h.handles.clearDead(HandleWeak, gc.isDead)

	ready := h.final.moveUnreachable(gc.isDead)
	for _, obj := range ready {
		if gc.segment(obj).setFlag(obj, flagMark) {
			mk.push(obj)
		}
	}
	gc.finalized = len(ready)
	if err := mk.run(gc.workers); err != nil {
		return err
	}
	if err := gc.markDependents(mk); err != nil {
		return err
	}

	h.handles.clearDead(HandleWeakTrackResurrection, gc.isDead)
	h.handles.clearDeadDependents(gc.isDead)
	return nil
}

// mark runs the mark phase of a blocking collection.
func (gc *collection) mark() {
	mk := newMarker(gc)
	gc.markRoots(mk)
	if gc.condemned != Gen2 {
		gc.markCards(mk)
	}
	err := mk.run(gc.workers)
	if err == nil {
		err = gc.markDependents(mk)
	}
	if err == nil {
		err = gc.markFinalization(mk)
	}
	if err != nil {
		gc.h.fatalError(err)
	}
	gc.markedBytes = mk.bytes.Load()
	gc.markedObjects = mk.objects.Load()
}
