package gc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/tinygo-org/gengc/internal/gctrace"
)

// Number of pauses kept for ReadGCStats.
const pauseHistory = 256

type gcStats struct {
	// Bytes handed to allocation contexts and UOH objects, and objects
	// allocated, since the heap was created.
	allocatedBytes   atomic.Uint64
	allocatedObjects atomic.Uint64

	mu          sync.Mutex
	collections [numGenerations]uint64 // by condemned generation
	background  uint64
	pauses      [pauseHistory]time.Duration
	pauseEnds   [pauseHistory]time.Time
	numPauses   uint64
	pauseTotal  time.Duration
	lastGC      time.Time
	promoted    uint64
	finalized   uint64

	// Mark speed in bytes per second, averaged over gen2 collections.
	speed float64

	snapshot atomic.Pointer[HeapStatistics]
}

func (s *gcStats) record(ev *collectionEvent, gen Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[gen]++
	if ev.background {
		s.background++
	}
	s.addPause(ev.pause, ev.start.Add(ev.duration))
	s.lastGC = ev.start.Add(ev.duration)
	s.promoted += ev.promoted
	s.finalized += uint64(ev.finalized)
}

// recordPause records a stop of the world that is not the last one of its
// collection.
func (s *gcStats) recordPause(d time.Duration, end time.Time) {
	s.mu.Lock()
	s.addPause(d, end)
	s.mu.Unlock()
}

// addPause records one stop of the world. The lock must be held.
func (s *gcStats) addPause(d time.Duration, end time.Time) {
	i := s.numPauses % pauseHistory
	s.pauses[i] = d
	s.pauseEnds[i] = end
	s.numPauses++
	s.pauseTotal += d
}

func (s *gcStats) recordMarkSpeed(bytes uint64, d time.Duration) {
	if d <= 0 {
		return
	}
	speed := float64(bytes) / d.Seconds()
	s.mu.Lock()
	if s.speed == 0 {
		s.speed = speed
	} else {
		s.speed = 0.75*s.speed + 0.25*speed
	}
	s.mu.Unlock()
}

func (s *gcStats) markSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// GenerationStatistics describe one generation as of the end of the last
// collection.
type GenerationStatistics struct {
	Size          uint64 // allocated bytes, including free objects
	Fragmentation uint64 // free bytes inside the generation
	Budget        int64  // allocation budget set by the last collection
	Remaining     int64  // budget left
	Survived      uint64 // bytes that survived its last collection
	Promoted      uint64 // bytes promoted out of it by its last collection
	Collections   uint64
}

// HeapStatistics is a snapshot of the heap.
type HeapStatistics struct {
	Generations [numGenerations]GenerationStatistics

	// Sizes as of the end of the last collection.
	TotalSize uint64
	Committed uint64
	Segments  int

	// Running totals.
	AllocatedBytes        uint64
	AllocatedObjects      uint64
	Collections           uint64
	BackgroundCollections uint64
	PauseTotal            time.Duration
	LastPause             time.Duration
	PromotedBytes         uint64
	FinalizersRun         uint64
	PendingFinalizers     int
	Handles               int
}

// publishStats takes a new snapshot for GetHeapStatistics. The world must be
// stopped, or the heap must not be shared yet.
func (h *Heap) publishStats() {
	st := &HeapStatistics{
		TotalSize: h.totalSize(),
		Segments:  len(h.soh) + len(h.loh) + len(h.poh),
	}
	sizes := h.generationSizes()
	for g := range h.gens {
		d := &h.gens[g]
		st.Generations[g] = GenerationStatistics{
			Size:          sizes[g],
			Fragmentation: d.fragmentation,
			Budget:        d.desired,
			Remaining:     d.remaining,
			Survived:      d.survived,
			Promoted:      d.promoted,
			Collections:   d.collections,
		}
	}
	h.stats.snapshot.Store(st)
}

// GetHeapStatistics returns statistics about the heap. Generation data is as
// of the end of the last collection; the totals are current. It may be called
// from any goroutine.
func (h *Heap) GetHeapStatistics() HeapStatistics {
	var st HeapStatistics
	if p := h.stats.snapshot.Load(); p != nil {
		st = *p
	}
	s := &h.stats
	st.Committed = h.committed.Load()
	st.AllocatedBytes = s.allocatedBytes.Load()
	st.AllocatedObjects = s.allocatedObjects.Load()
	st.FinalizersRun = h.final.ran.Load()
	st.PendingFinalizers = h.final.pending()
	h.handles.mu.Lock()
	st.Handles = len(h.handles.slots) - len(h.handles.free)
	h.handles.mu.Unlock()

	s.mu.Lock()
	for _, n := range s.collections {
		st.Collections += n
	}
	st.BackgroundCollections = s.background
	st.PauseTotal = s.pauseTotal
	if s.numPauses > 0 {
		st.LastPause = s.pauses[(s.numPauses-1)%pauseHistory]
	}
	st.PromotedBytes = s.promoted
	s.mu.Unlock()
	return st
}

// GCStats mirrors runtime/debug.GCStats.
type GCStats struct {
	LastGC     time.Time
	NumGC      int64
	PauseTotal time.Duration

	// Most recent pauses first.
	Pause    []time.Duration
	PauseEnd []time.Time
}

// ReadGCStats fills stats with the collection history, reusing its slices.
func (h *Heap) ReadGCStats(stats *GCStats) {
	s := &h.stats
	s.mu.Lock()
	defer s.mu.Unlock()
	stats.LastGC = s.lastGC
	stats.NumGC = 0
	for _, n := range s.collections {
		stats.NumGC += int64(n)
	}
	stats.PauseTotal = s.pauseTotal
	n := int(min(s.numPauses, pauseHistory))
	stats.Pause = stats.Pause[:0]
	stats.PauseEnd = stats.PauseEnd[:0]
	for i := 0; i < n; i++ {
		j := (s.numPauses - 1 - uint64(i)) % pauseHistory
		stats.Pause = append(stats.Pause, s.pauses[j])
		stats.PauseEnd = append(stats.PauseEnd, s.pauseEnds[j])
	}
}

func formatBytes(n uint64) string {
	return bytesize.New(float64(n)).String()
}

func (ev *collectionEvent) traceEvent(heapStart time.Time) gctrace.Event {
	return gctrace.Event{
		Index:      ev.index,
		Elapsed:    ev.start.Sub(heapStart),
		Depth:      ev.depth.String(),
		Reason:     ev.reason.String(),
		Background: ev.background,
		Pause:      ev.pause,
		Duration:   ev.duration,
		Before:     ev.before,
		After:      ev.after,
		Promoted:   ev.promoted,
		Finalized:  ev.finalized,
	}
}
