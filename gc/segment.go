package gc

import (
	"fmt"
)

type segmentKind uint8

const (
	sohSegment segmentKind = iota // small objects, compacted
	lohSegment                    // large objects, swept
	pohSegment                    // pinned objects, swept
)

func (k segmentKind) String() string {
	switch k {
	case sohSegment:
		return "soh"
	case lohSegment:
		return "loh"
	case pohSegment:
		return "poh"
	default:
		return fmt.Sprintf("segmentKind(%d)", uint8(k))
	}
}

const (
	// Memory is committed in steps of this size.
	commitGranularity = 64 << 10

	// The object start index of SOH segments has one entry per brick.
	brickShift = 12
	brickSize  = 1 << brickShift
)

// A segment is one reservation of the platform layer. Objects never cross
// segment boundaries.
type segment struct {
	kind segmentKind
	base Addr
	mem  []byte

	// Everything below committed may be accessed; everything below allocated
	// is covered by objects and free objects.
	committed Addr
	allocated Addr

	// Object start index. For every brick below indexedTo, bricks holds the
	// offset of the object that covers the first byte of the brick. SOH only.
	bricks    []int32
	indexedTo Addr

	// Compaction plan, only set during a collection.
	plan *segmentPlan
}

func (s *segment) end() Addr {
	return s.base + Addr(len(s.mem))
}

func (s *segment) contains(a Addr) bool {
	return a >= s.base && a < s.end()
}

func (s *segment) String() string {
	return fmt.Sprintf("%s[%#x-%#x]", s.kind, uint64(s.base), uint64(s.end()))
}

// indexObjects extends the object start index up to at least upTo, which must
// not be above the allocated end. The heap must be walkable.
func (s *segment) indexObjects(upTo Addr) {
	a := s.indexedTo
	for a < upTo {
		size := s.objectSize(a)
		first := (uint64(a-s.base) + brickSize - 1) >> brickShift
		last := (uint64(a-s.base) + size - 1) >> brickShift
		for b := first; b <= last; b++ {
			s.bricks[b] = int32(a - s.base)
		}
		a += Addr(size)
	}
	s.indexedTo = a
}

// resetIndex drops the object start index from the object start a onwards,
// after the objects there changed.
func (s *segment) resetIndex(a Addr) {
	if s.bricks != nil && a < s.indexedTo {
		s.indexedTo = a
	}
}

// objectCursor finds the objects covering increasing addresses in one segment.
type objectCursor struct {
	seg *segment
	obj Addr
}

func newObjectCursor(seg *segment) objectCursor {
	return objectCursor{seg: seg, obj: seg.base}
}

// find returns the object or free object covering a. Successive calls must
// pass increasing addresses below the allocated end.
func (c *objectCursor) find(a Addr) Addr {
	s := c.seg
	if s.bricks != nil && a >= c.obj+brickSize {
		// Jump through the index instead of walking.
		if a >= s.indexedTo {
			s.indexObjects(a + 1)
		}
		if o := s.base + Addr(s.bricks[(a-s.base)>>brickShift]); o > c.obj {
			c.obj = o
		}
	}
	for {
		size := Addr(s.objectSize(c.obj))
		if c.obj+size > a {
			return c.obj
		}
		c.obj += size
	}
}

// segmentMap finds the segment of an address. It is replaced, not modified,
// when segments are added or removed, so lookups need no lock.
type segmentMap struct {
	base  Addr
	shift uint
	slots []*segment
}

func (m *segmentMap) lookup(a Addr) *segment {
	if a < m.base {
		return nil
	}
	i := uint64(a-m.base) >> m.shift
	if i >= uint64(len(m.slots)) {
		return nil
	}
	return m.slots[i]
}

func (m *segmentMap) with(seg *segment) *segmentMap {
	first := uint64(seg.base-m.base) >> m.shift
	last := uint64(seg.end()-1-m.base) >> m.shift
	n := uint64(len(m.slots))
	if last >= n {
		n = last + 1
	}
	next := &segmentMap{base: m.base, shift: m.shift, slots: make([]*segment, n)}
	copy(next.slots, m.slots)
	for i := first; i <= last; i++ {
		next.slots[i] = seg
	}
	return next
}

func (m *segmentMap) without(seg *segment) *segmentMap {
	next := &segmentMap{base: m.base, shift: m.shift, slots: append([]*segment(nil), m.slots...)}
	for i, s := range next.slots {
		if s == seg {
			next.slots[i] = nil
		}
	}
	return next
}

type addrRange struct {
	start Addr
	size  uint64
}

func (r addrRange) end() Addr {
	return r.start + Addr(r.size)
}

// newSegment reserves a segment of at least size bytes. The world must be
// stopped, or the heap must not be shared yet.
func (h *Heap) newSegment(kind segmentKind, size uint64) (*segment, error) {
	size = alignUp(size, h.segmentSize)
	mem, err := h.mem.Reserve(uintptr(size))
	if err != nil {
		return nil, err
	}
	seg := &segment{
		kind: kind,
		base: h.allocAddressRange(size),
		mem:  mem,
	}
	seg.committed = seg.base
	seg.allocated = seg.base
	seg.indexedTo = seg.base
	if kind == sohSegment {
		seg.bricks = make([]int32, size>>brickShift)
	}
	h.segments.Store(h.segments.Load().with(seg))
	h.growCards(seg.end())
	if gcDebug {
		println("gc: new segment", seg.String())
	}
	return seg, nil
}

// allocAddressRange picks an unused, aligned range of the heap's address
// space.
func (h *Heap) allocAddressRange(size uint64) Addr {
	for i, r := range h.freeAddrs {
		if r.size == size {
			h.freeAddrs = append(h.freeAddrs[:i], h.freeAddrs[i+1:]...)
			return r.start
		}
	}
	a := h.nextAddr
	h.nextAddr += Addr(size)
	return a
}

// releaseSegment returns the memory of seg to the platform. The caller removes
// it from the segment lists.
func (h *Heap) releaseSegment(seg *segment) error {
	if err := h.decommit(seg, seg.base); err != nil {
		return err
	}
	h.segments.Store(h.segments.Load().without(seg))
	h.freeAddrs = append(h.freeAddrs, addrRange{seg.base, uint64(len(seg.mem))})
	// The cards of the range may be stale.
	h.cards.Load().clearRange(seg.base, seg.end())
	if gcDebug {
		println("gc: release segment", seg.String())
	}
	return h.mem.Release(seg.mem)
}

// commit makes sure that everything below upTo is committed.
func (h *Heap) commit(seg *segment, upTo Addr) error {
	if upTo <= seg.committed {
		return nil
	}
	end := seg.base + Addr(alignUp(uint64(upTo-seg.base), commitGranularity))
	if end > seg.end() {
		end = seg.end()
	}
	if err := h.mem.Commit(seg.bytes(seg.committed, end)); err != nil {
		return err
	}
	h.committed.Add(uint64(end - seg.committed))
	seg.committed = end
	return nil
}

// decommit returns the committed memory at and above from, rounded up to the
// commit granularity.
func (h *Heap) decommit(seg *segment, from Addr) error {
	from = seg.base + Addr(alignUp(uint64(from-seg.base), commitGranularity))
	if from >= seg.committed {
		return nil
	}
	if err := h.mem.Decommit(seg.bytes(from, seg.committed)); err != nil {
		return err
	}
	h.committed.Add(^uint64(seg.committed - from - 1))
	seg.committed = from
	return nil
}

// setEphemeral makes seg the ephemeral segment. Everything already in it is
// gen2.
func (h *Heap) setEphemeral(seg *segment) {
	h.ephemeral = seg
	h.setGenStarts(seg.allocated, seg.allocated)
	h.ephemeralHigh.Store(uint64(seg.end()))
}

func (h *Heap) setGenStarts(gen1, gen0 Addr) {
	h.genStart[1].Store(uint64(gen1))
	h.genStart[0].Store(uint64(gen0))
	h.ephemeralLow.Store(uint64(gen1))
}

func (h *Heap) gen1Start() Addr {
	return Addr(h.genStart[1].Load())
}

func (h *Heap) gen0Start() Addr {
	return Addr(h.genStart[0].Load())
}

// removeSegment deletes seg from list.
func removeSegment(list []*segment, seg *segment) []*segment {
	for i, s := range list {
		if s == seg {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// GetGeneration returns the generation of obj.
func (h *Heap) GetGeneration(obj Addr) Generation {
	seg := h.mustSegment(obj)
	switch seg.kind {
	case lohSegment:
		return LOH
	case pohSegment:
		return POH
	}
	if seg != h.ephemeralSegment() {
		return Gen2
	}
	switch {
	case obj < h.gen1Start():
		return Gen2
	case obj < h.gen0Start():
		return Gen1
	default:
		return Gen0
	}
}

// ephemeralSegment returns the current ephemeral segment. Outside of
// collections, only the segment map and the generation boundaries are safe to
// read concurrently, so this compares by address range.
func (h *Heap) ephemeralSegment() *segment {
	return h.segmentOf(Addr(h.ephemeralHigh.Load() - 1))
}
