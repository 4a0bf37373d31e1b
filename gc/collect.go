package gc

import (
	"fmt"
	"runtime"
	"time"

	"github.com/tinygo-org/gengc/internal/task"
)

// Depth is how much of the heap a collection condemns.
type Depth int

const (
	DepthGen0 Depth = iota
	DepthGen1
	DepthGen2

	// DepthLargeObject is a gen2 collection triggered by the budget of the
	// large or pinned object heap.
	DepthLargeObject

	// DepthFull is a blocking gen2 collection that also gives back all
	// unused memory and resets the survival history.
	DepthFull

	// The allocator lets the generation manager pick the depth.
	depthAuto Depth = -1
)

func (d Depth) String() string {
	switch d {
	case DepthGen0:
		return "gen0"
	case DepthGen1:
		return "gen1"
	case DepthGen2:
		return "gen2"
	case DepthLargeObject:
		return "large-object"
	case DepthFull:
		return "full"
	case depthAuto:
		return "auto"
	default:
		return fmt.Sprintf("Depth(%d)", int(d))
	}
}

// condemned returns the oldest condemned SOH generation.
func (d Depth) condemned() Generation {
	switch d {
	case DepthGen0:
		return Gen0
	case DepthGen1:
		return Gen1
	default:
		return Gen2
	}
}

// Reason is why a collection was started.
type Reason int

const (
	ReasonAllocSmall      Reason = iota // gen0 budget exhausted
	ReasonAllocLarge                    // LOH or POH budget exhausted
	ReasonOutOfSpace                    // no room left in the ephemeral segment
	ReasonOutOfSpaceLarge               // no room for a large object
	ReasonLowMemory                     // last attempt before failing an allocation
	ReasonInduced                       // requested by the program
	ReasonShutdown                      // heap shutdown finishing a background collection
)

func (r Reason) String() string {
	switch r {
	case ReasonAllocSmall:
		return "alloc_soh"
	case ReasonAllocLarge:
		return "alloc_loh"
	case ReasonOutOfSpace:
		return "oos_soh"
	case ReasonOutOfSpaceLarge:
		return "oos_loh"
	case ReasonLowMemory:
		return "low_memory"
	case ReasonInduced:
		return "induced"
	case ReasonShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// isAllocation reports whether the collection was started by an allocation
// that will retry afterwards.
func (r Reason) isAllocation() bool {
	return r <= ReasonOutOfSpaceLarge
}

type collectRequest struct {
	depth      Depth
	reason     Reason
	concurrent bool // may run in the background
	blocking   bool // must be finished when collect returns
	urgent     bool // an allocation can't proceed without it
}

// StartCollection runs a collection of the given depth. It is the single entry
// point for all collections: the allocator, RequestCollection and the
// memory-pressure paths end up here. m is the calling mutator, or nil when the
// caller is not a mutator thread. With concurrent set, a gen2 collection may
// run in the background and StartCollection returns once it started.
func (h *Heap) StartCollection(m *Mutator, depth Depth, concurrent bool, reason Reason) error {
	if depth < DepthGen0 || depth > DepthFull {
		return fmt.Errorf("gc: invalid collection depth %d", int(depth))
	}
	return h.collect(m, collectRequest{
		depth:      depth,
		reason:     reason,
		concurrent: concurrent,
		blocking:   !concurrent,
	})
}

// RequestCollection runs a collection of gen from a goroutine that is not a
// mutator. See Mutator.RequestCollection.
func (h *Heap) RequestCollection(gen Generation, blocking bool) error {
	return h.requestCollection(nil, gen, blocking)
}

func (h *Heap) requestCollection(m *Mutator, gen Generation, blocking bool) error {
	var depth Depth
	switch gen {
	case Gen0:
		depth = DepthGen0
	case Gen1:
		depth = DepthGen1
	case Gen2, LOH, POH:
		depth = DepthGen2
	default:
		return fmt.Errorf("gc: invalid generation %d", int(gen))
	}
	return h.collect(m, collectRequest{
		depth:      depth,
		reason:     ReasonInduced,
		concurrent: !blocking && depth == DepthGen2,
		blocking:   blocking,
	})
}

// lockCollection takes the collection lock. A mutator waits for it in
// preemptive mode, so that the collection holding the lock can stop the
// world.
func (h *Heap) lockCollection(self *task.Thread) {
	if self == nil {
		h.gcMu.Lock()
		return
	}
	if h.gcMu.TryLock() {
		return
	}
	self.EnterPreemptive()
	h.gcMu.Lock()
	self.ExitPreemptive()
}

func (h *Heap) backgroundRunning() bool {
	return h.bgc != nil && h.bgc.running()
}

// finishBackground makes sure no background collection runs. It is called
// with the collection lock held. If escalate is false and a cycle runs, it
// unlocks and returns false. Otherwise it finishes every running cycle and
// returns true with the lock held; a new cycle may start while the lock is
// released, so it checks again after each wait.
func (h *Heap) finishBackground(self *task.Thread, escalate bool) bool {
	for h.backgroundRunning() {
		h.gcMu.Unlock()
		if !escalate {
			return false
		}
		h.bgc.escalateAndWait(self)
		h.lockCollection(self)
	}
	return true
}

// collect serializes collections and runs req.
func (h *Heap) collect(m *Mutator, req collectRequest) error {
	if h.shutdown.Load() {
		return ErrHeapShutdown
	}
	var self *task.Thread
	if m != nil {
		self = m.thread
	}
	seen := h.gcIndex.Load()
	h.lockCollection(self)

	// A thread that lost the race for the lock re-checks its allocation
	// first: the collection that ran may have made enough room.
	if req.reason.isAllocation() && h.gcIndex.Load() != seen {
		h.gcMu.Unlock()
		return nil
	}

	// Ephemeral collections wait until the background collection is done;
	// gen0 keeps growing meanwhile.
	if !h.finishBackground(self, req.blocking || req.urgent) {
		return nil
	}
	if h.shutdown.Load() {
		h.gcMu.Unlock()
		return ErrHeapShutdown
	}

	h.world.StopTheWorld(self)
	depth, concurrent := req.depth, req.concurrent
	if depth == depthAuto {
		depth, concurrent = h.selectDepth(req.reason)
		concurrent = concurrent && !req.urgent
	}
	if concurrent && h.bgc != nil && (depth == DepthGen2 || depth == DepthLargeObject) {
		h.world.ResumeTheWorld()
		h.bgc.start(req.reason)
		h.gcMu.Unlock()
		return nil
	}
	ev := h.collectBlocking(depth, req.reason, false)
	h.world.ResumeTheWorld()
	h.gcMu.Unlock()
	h.afterCollection(ev)
	return nil
}

// collection is the state of one collection.
type collection struct {
	h          *Heap
	depth      Depth
	condemned  Generation
	reason     Reason
	background bool
	promoteAll bool // every survivor goes to gen2
	index      uint64
	workers    int

	// Generation boundaries when the collection started.
	eph        *segment
	gen1, gen0 Addr

	// Condemned SOH range in the ephemeral segment, for ephemeral
	// collections.
	lo, hi Addr

	plans []*segmentPlan
	cards []dirtyCard

	// Verification of payloads across compaction.
	checksums map[Addr]uint16

	// Statistics.
	markedBytes   uint64
	markedObjects uint64
	finalized     int
	sweptBytes    uint64
	sizeBefore    uint64
}

func (h *Heap) newCollection(depth Depth, reason Reason, promoteAll bool) *collection {
	workers := h.cfg.HeapCount
	if workers < 1 {
		workers = 1
	}
	if procs := runtime.GOMAXPROCS(0); workers > procs {
		workers = procs
	}
	gc := &collection{
		h:          h,
		depth:      depth,
		condemned:  depth.condemned(),
		reason:     reason,
		promoteAll: promoteAll,
		workers:    workers,
		eph:        h.ephemeral,
		gen1:       h.gen1Start(),
		gen0:       h.gen0Start(),
	}
	switch gc.condemned {
	case Gen0:
		gc.lo = gc.gen0
	case Gen1:
		gc.lo = gc.gen1
	}
	gc.hi = gc.eph.allocated
	return gc
}

// isCondemned reports whether the object at a is part of the condemned
// generations. References to objects outside of them are never followed.
func (gc *collection) isCondemned(a Addr) bool {
	if gc.condemned == Gen2 {
		return a != 0 && gc.h.segmentOf(a) != nil
	}
	return a >= gc.lo && a < gc.hi
}

// genOf returns the generation of a heap address as of the start of the
// collection.
func (gc *collection) genOf(a Addr) Generation {
	if a >= gc.eph.base && a < gc.eph.end() {
		switch {
		case a < gc.gen1:
			return Gen2
		case a < gc.gen0:
			return Gen1
		default:
			return Gen0
		}
	}
	if seg := gc.h.segmentOf(a); seg != nil && seg.kind != sohSegment {
		return uohGeneration(seg.kind)
	}
	return Gen2
}

// promoted returns the generation an object of generation g that survives
// the collection ends up in.
func (gc *collection) promoted(g Generation) Generation {
	if g > Gen2 {
		return g
	}
	if gc.promoteAll || g >= Gen1 {
		return Gen2
	}
	return g + 1
}

// genAfter returns the generation the object at a is in after the collection.
func (gc *collection) genAfter(a Addr) Generation {
	g := gc.genOf(a)
	if gc.isCondemned(a) {
		return gc.promoted(g)
	}
	return g
}

func (gc *collection) segment(a Addr) *segment {
	return gc.h.segmentOf(a)
}

func (gc *collection) isMarked(a Addr) bool {
	return gc.segment(a).flags(a)&flagMark != 0
}

// isDead reports whether the object at a was condemned and not reached. A
// background collection traces through gen0 and gen1 but never frees them:
// objects allocated while it marked are not marked.
func (gc *collection) isDead(a Addr) bool {
	if a == 0 || !gc.isCondemned(a) {
		return false
	}
	if gc.background && a >= gc.gen1 && a < gc.eph.end() {
		return false
	}
	return !gc.isMarked(a)
}

// collectionEvent describes a finished collection, for logging and traces.
type collectionEvent struct {
	index      uint64
	depth      Depth
	reason     Reason
	background bool
	start      time.Time
	pause      time.Duration
	duration   time.Duration
	before     uint64
	after      uint64
	promoted   uint64
	finalized  int
}

// collectBlocking runs a complete collection. The world must be stopped and
// the collection lock held.
func (h *Heap) collectBlocking(depth Depth, reason Reason, promoteAll bool) *collectionEvent {
	start := time.Now()
	h.retireContexts()
	if h.cfg.HeapVerify {
		h.verifyHeap("before " + depth.String())
	}
	gc := h.newCollection(depth, reason, promoteAll)
	gc.index = h.gcIndex.Add(1)
	gc.sizeBefore = h.totalSize()
	gensBefore := h.generationSizes()
	if gcDebug {
		println("gc: start", gc.index, depth.String(), reason.String())
	}

	gc.mark()
	gc.plan()
	if h.cfg.HeapVerify {
		gc.checksumSurvivors()
	}
	gc.relocate()
	gc.compact()
	if gc.condemned == Gen2 {
		gc.sweepUOH()
		gc.releaseEmptySegments()
	}
	gc.updateGenerations(gensBefore)
	if h.cfg.HeapVerify {
		gc.verifyChecksums()
		h.verifyHeap("after " + depth.String())
	}

	pause := time.Since(start)
	ev := &collectionEvent{
		index:     gc.index,
		depth:     depth,
		reason:    reason,
		start:     start,
		pause:     pause,
		duration:  pause,
		before:    gc.sizeBefore,
		after:     h.totalSize(),
		promoted:  gc.promotedBytes(),
		finalized: gc.finalized,
	}
	h.stats.record(ev, gc.condemned)
	if gc.condemned == Gen2 && gc.markedBytes > 0 {
		h.stats.recordMarkSpeed(gc.markedBytes, pause)
	}
	h.publishStats()
	return ev
}

// afterCollection runs once the world is resumed and the collection lock is
// released.
func (h *Heap) afterCollection(ev *collectionEvent) {
	h.log.Debug("collection",
		"index", ev.index,
		"depth", ev.depth.String(),
		"reason", ev.reason.String(),
		"background", ev.background,
		"pause", ev.pause,
		"before", formatBytes(ev.before),
		"after", formatBytes(ev.after),
		"promoted", formatBytes(ev.promoted))
	if h.trace != nil {
		if err := h.trace.Write(ev.traceEvent(h.start)); err != nil {
			h.log.Warn("cannot write trace", "err", err)
		}
	}
	if ev.finalized > 0 && h.finalizer != nil {
		h.finalizer.wake()
	}
}
