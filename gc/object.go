package gc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tinygo-org/gengc/internal/gclayout"
)

// Every object starts with a header of three words:
//
//	word 0: type id (low 32 bits) and header flags (high 32 bits)
//	word 1: payload size in bytes, a multiple of the word size
//	word 2: gclayout.Layout of the payload
//
// A free object (flagFree) only has word 0, which holds its total size in
// words instead of a type id. Free objects fill every gap in a segment, so a
// segment can always be walked object by object from its base. They can be as
// small as one word.
const (
	wordSize = 8

	// HeaderSize is the size of an object header.
	HeaderSize = 3 * wordSize

	// MinObjectSize is the size of the smallest allocated object, an object
	// with an empty payload.
	MinObjectSize = HeaderSize

	// MaxObjectSize is the largest payload an object can have. A free
	// object records its size in words in 32 bits.
	MaxObjectSize = 1<<35 - 2*HeaderSize
)

type headerFlags uint32

const (
	flagMark        headerFlags = 1 << iota // reached in the current mark phase
	flagPinned                              // must not move in the current collection
	flagFinalizable                         // allocated with a registered finalizer
	flagFree                                // a gap, not an object
)

// AllocFlags modify an allocation.
type AllocFlags uint32

const (
	// AllocPinned allocates the object in the pinned object heap. It never
	// moves, so its address may be handed to native code.
	AllocPinned AllocFlags = 1 << iota
)

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// word returns a pointer to the heap word at address a, which must lie in the
// segment.
func (s *segment) word(a Addr) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[a-s.base]))
}

func (s *segment) load(a Addr) uint64 {
	return atomic.LoadUint64(s.word(a))
}

func (s *segment) store(a Addr, v uint64) {
	atomic.StoreUint64(s.word(a), v)
}

// bytes returns the memory of [start, end).
func (s *segment) bytes(start, end Addr) []byte {
	return s.mem[start-s.base : end-s.base]
}

func (s *segment) flags(obj Addr) headerFlags {
	return headerFlags(s.load(obj) >> 32)
}

// setFlag atomically sets f in the header of obj. It returns false if the flag
// was already set.
func (s *segment) setFlag(obj Addr, f headerFlags) bool {
	p := s.word(obj)
	bit := uint64(f) << 32
	for {
		old := atomic.LoadUint64(p)
		if old&bit != 0 {
			return false
		}
		if atomic.CompareAndSwapUint64(p, old, old|bit) {
			return true
		}
	}
}

func (s *segment) clearFlags(obj Addr, f headerFlags) {
	p := s.word(obj)
	bits := uint64(f) << 32
	for {
		old := atomic.LoadUint64(p)
		if old&bits == 0 || atomic.CompareAndSwapUint64(p, old, old&^bits) {
			return
		}
	}
}

// objectSize returns the total size of the object or free gap at obj.
func (s *segment) objectSize(obj Addr) uint64 {
	w0 := s.load(obj)
	if headerFlags(w0>>32)&flagFree != 0 {
		return uint64(uint32(w0)) * wordSize
	}
	return HeaderSize + s.load(obj+wordSize)
}

func (s *segment) isFree(obj Addr) bool {
	return s.flags(obj)&flagFree != 0
}

func (s *segment) writeHeader(obj Addr, typ TypeID, flags headerFlags, payload uint64, layout gclayout.Layout) {
	s.store(obj+2*wordSize, uint64(layout))
	s.store(obj+wordSize, payload)
	s.store(obj, uint64(flags)<<32|uint64(typ))
}

// writeFree turns [obj, obj+size) into a single free object.
func (s *segment) writeFree(obj Addr, size uint64) {
	if gcAsserts && (size == 0 || size%wordSize != 0) {
		panic(fmt.Sprintf("gc: bad free object size %d", size))
	}
	s.store(obj, uint64(flagFree)<<32|size/wordSize)
}

// objectInfo is a decoded header.
type objectInfo struct {
	typ     TypeID
	flags   headerFlags
	payload uint64
	layout  gclayout.Layout
}

func (s *segment) info(obj Addr) objectInfo {
	w0 := s.load(obj)
	return objectInfo{
		typ:     TypeID(uint32(w0)),
		flags:   headerFlags(w0 >> 32),
		payload: s.load(obj + wordSize),
		layout:  gclayout.Layout(s.load(obj + 2*wordSize)),
	}
}

func (o objectInfo) size() uint64 {
	return HeaderSize + o.payload
}

func (o objectInfo) payloadWords() int {
	return int(o.payload / wordSize)
}

// forEachRef calls fn with the address of every reference slot of the object
// at obj.
func (o objectInfo) forEachRef(obj Addr, fn func(slot Addr)) {
	if o.layout.PointerFree() {
		return
	}
	base := obj + HeaderSize
	o.layout.ForEachRef(o.payloadWords(), func(w int) {
		fn(base + Addr(w)*wordSize)
	})
}

// isRefWord reports whether payload word w holds a reference.
func (o objectInfo) isRefWord(w int) bool {
	size := o.layout.ElemWords()
	if w >= o.payloadWords()/size*size {
		return false
	}
	return o.layout.Mask()>>uint(w%size)&1 != 0
}

// segmentOf returns the segment containing a, or nil.
func (h *Heap) segmentOf(a Addr) *segment {
	return h.segments.Load().lookup(a)
}

// mustSegment returns the segment of an object passed in by a caller.
func (h *Heap) mustSegment(obj Addr) *segment {
	seg := h.segmentOf(obj)
	if seg == nil || obj+HeaderSize > seg.end() {
		panic(fmt.Sprintf("gc: %#x is not a heap object", uint64(obj)))
	}
	return seg
}

// fieldSlot returns the address of payload word field of obj.
func (h *Heap) fieldSlot(obj Addr, field int) (*segment, objectInfo, Addr) {
	seg := h.mustSegment(obj)
	info := seg.info(obj)
	if field < 0 || field >= info.payloadWords() {
		panic(fmt.Sprintf("gc: field %d out of range for object %#x of %d words", field, uint64(obj), info.payloadWords()))
	}
	return seg, info, obj + HeaderSize + Addr(field)*wordSize
}

// ReadRef returns the reference stored in payload word field of obj.
func (h *Heap) ReadRef(obj Addr, field int) Addr {
	seg, _, slot := h.fieldSlot(obj, field)
	return Addr(seg.load(slot))
}

// ReadWord returns payload word field of obj.
func (h *Heap) ReadWord(obj Addr, field int) uint64 {
	seg, _, slot := h.fieldSlot(obj, field)
	return seg.load(slot)
}

// WriteWord stores a scalar in payload word field of obj. The word must not be
// a reference word; use WriteRef for those.
func (h *Heap) WriteWord(obj Addr, field int, v uint64) {
	seg, info, slot := h.fieldSlot(obj, field)
	if info.isRefWord(field) {
		panic(fmt.Sprintf("gc: scalar store to reference word %d of %#x", field, uint64(obj)))
	}
	seg.store(slot, v)
}

// TypeOf returns the type id obj was allocated with.
func (h *Heap) TypeOf(obj Addr) TypeID {
	return h.mustSegment(obj).info(obj).typ
}

// SizeOf returns the payload size of obj, rounded up to whole words.
func (h *Heap) SizeOf(obj Addr) uint64 {
	return h.mustSegment(obj).info(obj).payload
}

// LayoutOf returns the reference layout of obj.
func (h *Heap) LayoutOf(obj Addr) gclayout.Layout {
	return h.mustSegment(obj).info(obj).layout
}
