// Package gc implements a generational, compacting, concurrent garbage
// collected heap.
//
// The heap owns a private 64-bit address space made of segments. Objects are
// identified by their Addr, the address of their header. Small objects are
// allocated by bumping a per-thread allocation context in the ephemeral
// segment and are compacted when they survive; large and pinned objects live
// in their own segments, are allocated from free lists and never move.
//
// The small object heap has three generations that are address ranges:
//
//	older segments | ephemeral segment
//	     gen2      | gen2 | gen1 | gen0 | unallocated
//	               ^      ^      ^      ^
//	             base  genStart[1] genStart[0] allocated
//
// A collection of generation k condemns the range starting at genStart[k].
// Survivors slide down and the boundaries move with them, which is how objects
// get promoted. Older generations are only scanned through the card table,
// which the write barrier maintains.
//
// Gen2 collections may run in the background: marking happens concurrently
// with the mutators, which only stop for the initial root scan and for the
// final rescan and sweep.
package gc

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/diagnostics"
	"github.com/tinygo-org/gengc/internal/gctrace"
	"github.com/tinygo-org/gengc/internal/task"
	"github.com/tinygo-org/gengc/platform"
)

// Set gcDebug to true to print debug information.
const (
	gcDebug   = false // print debug info
	gcAsserts = false // perform sanity checks
)

// Addr is the address of an object header in the heap's address space. The
// zero Addr is nil.
type Addr uint64

// TypeID identifies the type of an object. The heap does not interpret it,
// except to find registered type information such as a finalizer.
type TypeID uint32

// Generation numbers. The SOH generations are ordered by age; the large and
// pinned object heaps are logically part of gen2 and are collected with it.
type Generation int

const (
	Gen0 Generation = iota
	Gen1
	Gen2
	LOH
	POH

	// MaxGeneration is the oldest small object generation.
	MaxGeneration = Gen2

	numGenerations = 5
)

func (g Generation) String() string {
	switch g {
	case Gen0:
		return "gen0"
	case Gen1:
		return "gen1"
	case Gen2:
		return "gen2"
	case LOH:
		return "loh"
	case POH:
		return "poh"
	default:
		return fmt.Sprintf("Generation(%d)", int(g))
	}
}

// age returns the generation used when comparing ages. UOH objects are as
// old as gen2.
func (g Generation) age() Generation {
	if g > Gen2 {
		return Gen2
	}
	return g
}

var (
	// ErrOutOfMemory is returned by an allocation that could not be satisfied
	// even after a full compacting collection.
	ErrOutOfMemory = errors.New("gc: out of memory")

	// ErrInvalidHandle is returned for a handle that was never created or was
	// already destroyed.
	ErrInvalidHandle = errors.New("gc: invalid handle")

	// ErrHeapShutdown is returned by operations on a heap after Shutdown.
	ErrHeapShutdown = errors.New("gc: heap is shut down")

	// ErrNotAttached is returned when a detached Mutator is used.
	ErrNotAttached = errors.New("gc: thread is not attached")
)

// Options are the inputs of New. The zero value is a usable heap with the
// default configuration.
type Options struct {
	// Config holds the heap options. Nil means config.Default().
	Config *config.Config

	// Roots enumerates the roots held by the execution engine: statics,
	// registers and any other slot not on a mutator's shadow stack.
	Roots RootScanner

	// Memory is the platform layer. Nil means platform.Default().
	Memory platform.Memory

	// Logger receives per-collection records. Nil means a text logger on
	// stderr at the configured level.
	Logger *slog.Logger

	// Fatal is called with heap consistency violations and root enumeration
	// failures. It must not return. Nil means diagnostics.Fatal.
	Fatal func(error)

	// ManualFinalization disables the finalizer goroutine. Ready finalizers
	// then only run through Mutator.RunFinalizers.
	ManualFinalization bool
}

// Heap is a garbage collected heap shared by any number of mutator threads.
type Heap struct {
	cfg    config.Config
	policy Policy
	mem    platform.Memory
	log    *slog.Logger
	fatal  func(error)
	roots  RootScanner
	world  *task.World
	trace  *gctrace.Writer
	start  time.Time

	segmentSize  uint64
	segmentShift uint

	// Heap lock. Protects the ephemeral segment's allocated end, allocation
	// budgets and the segment lists outside of collections. It is never held
	// while stopping the world and never held by a collector that has the
	// world stopped.
	mu sync.Mutex

	// Collection lock. Only one collection (or other stop-the-world
	// operation) runs at a time.
	gcMu sync.Mutex

	// Protects the UOH free lists and UOH segment tails.
	uohMu sync.Mutex

	segments   atomic.Pointer[segmentMap]
	cards      atomic.Pointer[cardTable]
	stompEpoch atomic.Uint64

	// Address space bookkeeping, only changed with the world stopped.
	nextAddr  Addr
	freeAddrs []addrRange

	soh       []*segment // oldest first, the last one is the ephemeral segment
	ephemeral *segment
	loh       []*segment
	poh       []*segment
	lohFree   freeList
	pohFree   freeList

	// Generation boundaries inside the ephemeral segment. genStart[0] is the
	// start of gen0, genStart[1] the start of gen1. They only change with the
	// world stopped but are read by GetGeneration from any goroutine.
	genStart [2]atomic.Uint64

	// Range checked by the write barrier.
	ephemeralLow  atomic.Uint64
	ephemeralHigh atomic.Uint64

	// Set while a background collection marks.
	writeWatch atomic.Bool

	gens      [numGenerations]genData
	committed atomic.Uint64

	types   sync.Map // TypeID -> *TypeInfo
	handles *HandleTable
	final   finalizeQueue

	gcIndex atomic.Uint64
	stats   gcStats

	bgc       *background
	finalizer *finalizerRunner
	shutdown  atomic.Bool
}

// New creates a heap with an initial ephemeral segment.
func New(opts Options) (*Heap, error) {
	cfg := config.Default()
	if opts.Config != nil {
		cfg = *opts.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}

	mem := opts.Memory
	if mem == nil {
		mem = platform.Default()
	}
	if cfg.HeapHardLimit != 0 {
		mem = platform.WithLimit(mem, uint64(cfg.HeapHardLimit))
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	fatal := opts.Fatal
	if fatal == nil {
		fatal = diagnostics.Fatal
	}

	h := &Heap{
		cfg:          cfg,
		policy:       DefaultPolicy(cfg),
		mem:          mem,
		log:          logger.With("component", "gc"),
		fatal:        fatal,
		roots:        opts.Roots,
		world:        task.NewWorld(),
		start:        time.Now(),
		segmentSize:  uint64(cfg.SegmentSize),
		segmentShift: uint(bits.TrailingZeros64(uint64(cfg.SegmentSize))),
		handles:      newHandleTable(),
	}
	h.final.init()

	// Leave the bottom of the address space unused so that no valid object
	// is ever close to nil.
	h.nextAddr = Addr(h.segmentSize) * 16
	h.segments.Store(&segmentMap{base: h.nextAddr, shift: h.segmentShift})
	h.cards.Store(newCardTable(h.nextAddr, h.nextAddr))

	seg, err := h.newSegment(sohSegment, h.segmentSize)
	if err != nil {
		return nil, fmt.Errorf("gc: initial segment: %w", err)
	}
	h.soh = append(h.soh, seg)
	h.setEphemeral(seg)
	h.initBudgets()
	h.publishStats()

	if cfg.TraceFile != "" {
		h.trace, err = gctrace.Open(cfg.TraceFile)
		if err != nil {
			h.releaseAll()
			return nil, fmt.Errorf("gc: %w", err)
		}
	}
	if cfg.ConcurrentEnabled {
		h.bgc = newBackground(h)
	}
	if !opts.ManualFinalization {
		h.StartFinalizer()
	}
	h.log.Debug("heap initialized",
		"segment_size", cfg.SegmentSize.String(),
		"heap_count", cfg.HeapCount,
		"concurrent", cfg.ConcurrentEnabled)
	return h, nil
}

// Config returns the configuration the heap was created with.
func (h *Heap) Config() config.Config {
	return h.cfg
}

// Policy returns the tuning policy in effect.
func (h *Heap) Policy() Policy {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.policy
}

// SetPolicy replaces the tuning policy. Budgets are recomputed with the new
// policy at the next collection.
func (h *Heap) SetPolicy(p Policy) {
	h.mu.Lock()
	h.policy = p
	h.mu.Unlock()
}

// Shutdown stops the background goroutines and releases all memory. Every
// Addr obtained from the heap is invalid afterwards.
func (h *Heap) Shutdown() error {
	if h.shutdown.Swap(true) {
		return ErrHeapShutdown
	}
	if h.finalizer != nil {
		h.finalizer.stop()
	}
	if h.bgc != nil {
		h.bgc.stop()
	}
	h.gcMu.Lock()
	defer h.gcMu.Unlock()
	h.world.StopTheWorld(nil)
	defer h.world.ResumeTheWorld()
	return h.releaseAll()
}

// releaseAll returns every segment to the platform.
func (h *Heap) releaseAll() error {
	var errs []error
	all := append(append(append([]*segment(nil), h.soh...), h.loh...), h.poh...)
	for _, seg := range all {
		if err := h.releaseSegment(seg); err != nil {
			errs = append(errs, err)
		}
	}
	h.soh, h.loh, h.poh = nil, nil, nil
	h.ephemeral = nil
	return errors.Join(errs...)
}

// fatalError reports an unrecoverable error. The fatal handler must not return,
// but if it does the heap cannot continue either.
func (h *Heap) fatalError(err error) {
	h.fatal(err)
	panic(err)
}
