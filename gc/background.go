package gc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinygo-org/gengc/internal/task"
)

// A background collection is a gen2 collection that marks while the mutators
// run. It stops the world twice: once to scan the roots and turn on the
// write-watch table, and once at the end to rescan the roots and every object
// written to since, finish marking and sweep. It never compacts.
//
// While it runs, ephemeral collections are deferred. A collection that can't
// wait escalates it: concurrent marking stops and the final phase finishes
// the work with the world stopped.
type background struct {
	h        *Heap
	requests chan Reason
	quit     chan struct{}
	exited   chan struct{}

	mu        sync.Mutex
	active    bool          // a cycle was started and is not finished
	cycleDone chan struct{} // closed when the current cycle finished
	marker    *marker

	escalated atomic.Bool
}

func newBackground(h *Heap) *background {
	b := &background{
		h:        h,
		requests: make(chan Reason, 1),
		quit:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *background) running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// start starts a cycle. The collection lock must be held and no cycle may be
// running.
func (b *background) start(reason Reason) {
	b.mu.Lock()
	b.active = true
	b.cycleDone = make(chan struct{})
	b.mu.Unlock()
	b.requests <- reason
}

// escalateAndWait makes the running cycle finish as soon as possible and
// waits for it. self is the calling mutator thread, or nil.
func (b *background) escalateAndWait(self *task.Thread) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	done := b.cycleDone
	mk := b.marker
	b.escalated.Store(true)
	b.mu.Unlock()
	if mk != nil {
		mk.interrupt()
	}
	if self == nil {
		<-done
		return
	}
	self.EnterPreemptive()
	<-done
	self.ExitPreemptive()
}

func (b *background) stop() {
	b.escalated.Store(true)
	b.mu.Lock()
	if mk := b.marker; mk != nil {
		mk.interrupt()
	}
	b.mu.Unlock()
	close(b.quit)
	<-b.exited

	b.mu.Lock()
	if b.active {
		// A cycle was requested but never ran.
		b.active = false
		close(b.cycleDone)
	}
	b.mu.Unlock()
}

func (b *background) loop() {
	defer close(b.exited)
	for {
		select {
		case reason := <-b.requests:
			b.cycle(reason)
		case <-b.quit:
			return
		}
	}
}

func (b *background) finish() {
	b.mu.Lock()
	b.active = false
	b.marker = nil
	close(b.cycleDone)
	b.mu.Unlock()
	b.escalated.Store(false)
}

// cycle runs one background collection.
func (b *background) cycle(reason Reason) {
	h := b.h
	start := time.Now()

	// Initial pause.
	h.lockCollection(nil)
	h.world.StopTheWorld(nil)
	h.retireContexts()
	if h.cfg.HeapVerify {
		h.verifyHeap("before background gen2")
	}
	gc := h.newCollection(DepthGen2, reason, false)
	gc.background = true
	gc.index = h.gcIndex.Add(1)
	gc.sizeBefore = h.totalSize()
	gensBefore := h.generationSizes()

	h.cards.Load().clearWatch()
	h.writeWatch.Store(true)
	mk := newMarker(gc)
	b.mu.Lock()
	b.marker = mk
	b.mu.Unlock()
	gc.markRoots(mk)
	mk.flush()
	h.world.ResumeTheWorld()
	h.gcMu.Unlock()
	initialPause := time.Since(start)
	h.stats.recordPause(initialPause, time.Now())

	// Concurrent mark. An escalation before setConcurrent is seen here, one
	// after it interrupts the workers.
	mk.setConcurrent(true)
	if !b.escalated.Load() {
		if err := mk.run(gc.workers); err != nil {
			h.fatalError(err)
		}
	}
	mk.setConcurrent(false)

	// Final pause.
	finalStart := time.Now()
	h.lockCollection(nil)
	h.world.StopTheWorld(nil)
	h.retireContexts()
	gc.rescan(mk)
	err := mk.run(gc.workers)
	if err == nil {
		err = gc.markDependents(mk)
	}
	if err == nil {
		err = gc.markFinalization(mk)
	}
	if err != nil {
		h.fatalError(err)
	}
	h.writeWatch.Store(false)
	gc.markedBytes = mk.bytes.Load()
	gc.markedObjects = mk.objects.Load()

	gc.sweepBackground()
	gc.updateBackgroundGenerations(gensBefore)
	if h.cfg.HeapVerify {
		h.verifyHeap("after background gen2")
	}

	ev := &collectionEvent{
		index:      gc.index,
		depth:      DepthGen2,
		reason:     reason,
		background: true,
		start:      start,
		pause:      time.Since(finalStart),
		duration:   time.Since(start),
		before:     gc.sizeBefore,
		after:      h.totalSize(),
		finalized:  gc.finalized,
	}
	h.stats.record(ev, Gen2)
	h.publishStats()
	b.finish()
	h.world.ResumeTheWorld()
	h.gcMu.Unlock()
	h.afterCollection(ev)
}

// rescan marks from the roots again and from every marked object that was
// written to since the initial pause. The world must be stopped.
func (gc *collection) rescan(mk *marker) {
	h := gc.h
	gc.markRoots(mk)
	t := h.cards.Load()
	visit := gc.markRoot(mk)
	for _, seg := range h.allSegments() {
		h.forEachCard(t, t.watch, seg, seg.base, seg.allocated, nil, func(_ uint64, obj, slot Addr) {
			if seg.flags(obj)&flagMark == 0 {
				// Scanned when it gets marked, if ever.
				return
			}
			v := Addr(seg.load(slot))
			visit(&v, 0)
		})
	}
	t.clearWatch()
}

// updateBackgroundGenerations recomputes the gen2 and UOH budgets after a
// background collection.
func (gc *collection) updateBackgroundGenerations(before [numGenerations]uint64) {
	h := gc.h
	after := h.generationSizes()
	d := &h.gens[Gen2]
	d.beginSize = before[Gen2]
	d.size = after[Gen2]
	d.survived = after[Gen2] - min(d.fragmentation, after[Gen2])
	d.collections++
	surv := 0.0
	if before[Gen2] > 0 {
		surv = float64(d.survived) / float64(before[Gen2])
	}
	d.addSurvival(surv)
	d.setBudget(h.policy.computeBudget(Gen2, d, surv))
	gc.updateUOHBudgets(before, after)
}
