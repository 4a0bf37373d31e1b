package gc

import (
	"errors"
	"fmt"
)

var errNoUOHSpace = errors.New("gc: no space in the large object heap")

// The large and pinned object heaps (together the UOH, user old heap) are
// never compacted. Dead objects are swept into free objects and kept on a free
// list; new objects are carved from the free list, or from the uncommitted
// tail of a segment.
//
// The free list is a two-level list. The outer level (freeRange) has one entry
// for each distinct range length, in ascending order. The inner level
// (freeRangeMore) has one entry for each additional range of the same length.
// Unlike a runtime allocator the nodes live in Go memory, as the ranges are
// addresses in the heap's own address space.

// freeRange is a node on the outer list of range lengths.
type freeRange struct {
	// addr is the start of the first range with this length.
	addr Addr

	// len is the length of this free range in bytes.
	len uint64

	// nextLen is the next longer free range.
	nextLen *freeRange

	// nextWithLen is the next free range with this length.
	nextWithLen *freeRangeMore
}

// freeRangeMore is a node on the inner list of equal-length ranges.
type freeRangeMore struct {
	addr Addr
	next *freeRangeMore
}

type freeList struct {
	ranges *freeRange
	total  uint64 // bytes on the list
	count  int    // ranges on the list
}

// insert adds the range [addr, addr+len) to the list.
func (l *freeList) insert(addr Addr, len uint64) {
	if gcAsserts && len == 0 {
		panic("gc: insert 0-length free range")
	}

	// Find the insertion point by length.
	// Skip until the next range is at least the target length.
	insDst := &l.ranges
	for *insDst != nil && (*insDst).len < len {
		insDst = &(*insDst).nextLen
	}

	next := *insDst
	if next != nil && next.len == len {
		// Insert into the list with this length.
		next.nextWithLen = &freeRangeMore{addr: addr, next: next.nextWithLen}
	} else {
		// Insert into the list of lengths.
		*insDst = &freeRange{
			addr:    addr,
			len:     len,
			nextLen: next,
		}
	}
	l.total += len
	l.count++
}

// pop removes a range of at least len bytes from the list, and returns its
// address and length. It returns ok=false if there are no sufficiently long
// ranges. The caller must turn the unused tail of the range into a free object
// again.
func (l *freeList) pop(len uint64) (addr Addr, removedLen uint64, ok bool) {
	if gcAsserts && len == 0 {
		panic("gc: pop 0-length free range")
	}

	// Find the removal point by length.
	// Skip until the next range is at least the target length.
	remDst := &l.ranges
	for *remDst != nil && (*remDst).len < len {
		remDst = &(*remDst).nextLen
	}

	rangeWithLength := *remDst
	if rangeWithLength == nil {
		// No ranges are long enough.
		return 0, 0, false
	}
	removedLen = rangeWithLength.len

	// Remove the range.
	if nextWithLen := rangeWithLength.nextWithLen; nextWithLen != nil {
		// Remove from the list with this length.
		rangeWithLength.nextWithLen = nextWithLen.next
		addr = nextWithLen.addr
	} else {
		// Remove from the list of lengths.
		*remDst = rangeWithLength.nextLen
		addr = rangeWithLength.addr
	}
	l.total -= removedLen
	l.count--

	if removedLen > len && removedLen-len >= MinObjectSize {
		// Insert the leftover range.
		l.insert(addr+Addr(len), removedLen-len)
	}
	return addr, removedLen, true
}

func (l *freeList) reset() {
	*l = freeList{}
}

// forEach calls fn for every range on the list.
func (l *freeList) forEach(fn func(addr Addr, len uint64)) {
	for r := l.ranges; r != nil; r = r.nextLen {
		fn(r.addr, r.len)
		for m := r.nextWithLen; m != nil; m = m.next {
			fn(m.addr, r.len)
		}
	}
}

func (h *Heap) uohSegments(kind segmentKind) *[]*segment {
	if kind == pohSegment {
		return &h.poh
	}
	return &h.loh
}

func (h *Heap) uohFreeList(kind segmentKind) *freeList {
	if kind == pohSegment {
		return &h.pohFree
	}
	return &h.lohFree
}

func uohGeneration(kind segmentKind) Generation {
	if kind == pohSegment {
		return POH
	}
	return LOH
}

// allocUOH allocates total bytes in the large or pinned object heap.
func (m *Mutator) allocUOH(kind segmentKind, total uint64) (Addr, error) {
	h := m.heap
	gen := uohGeneration(kind)
	m.thread.SafePoint()
	var triedGC, grew, triedFull bool
	var lastErr error
	for {
		h.uohMu.Lock()
		if !triedGC && h.gens[gen].remaining <= 0 && !h.backgroundRunning() {
			h.uohMu.Unlock()
			if err := h.collect(m, collectRequest{depth: depthAuto, reason: ReasonAllocLarge}); err != nil {
				return 0, err
			}
			triedGC = true
			continue
		}
		obj, err := h.uohAllocLocked(kind, total)
		if err == nil {
			h.gens[gen].remaining -= int64(total)
		}
		h.uohMu.Unlock()
		if err == nil {
			h.stats.allocatedBytes.Add(total)
			return obj, nil
		}
		if err != errNoUOHSpace {
			lastErr = err
		}

		switch {
		case !grew:
			grew = true
			if err := h.growUOH(m, kind, total); err != nil {
				lastErr = err
			}
		case !triedFull:
			triedFull = true
			if err := h.collect(m, collectRequest{depth: DepthFull, reason: ReasonOutOfSpaceLarge, blocking: true, urgent: true}); err != nil {
				return 0, err
			}
		default:
			if lastErr != nil {
				return 0, fmt.Errorf("%w: %d bytes in %s: %w", ErrOutOfMemory, total, gen, lastErr)
			}
			return 0, fmt.Errorf("%w: %d bytes in %s", ErrOutOfMemory, total, gen)
		}
	}
}

// uohAllocLocked carves total bytes from the free list or from a segment
// tail. The UOH lock must be held.
func (h *Heap) uohAllocLocked(kind segmentKind, total uint64) (Addr, error) {
	list := h.uohFreeList(kind)
	if addr, n, ok := list.pop(total); ok {
		seg := h.segmentOf(addr)
		if n > total {
			seg.writeFree(addr+Addr(total), n-total)
		}
		clear(seg.bytes(addr, addr+Addr(total)))
		return addr, nil
	}
	for _, seg := range *h.uohSegments(kind) {
		if uint64(seg.end()-seg.allocated) < total {
			continue
		}
		addr := seg.allocated
		if err := h.commit(seg, addr+Addr(total)); err != nil {
			return 0, err
		}
		clear(seg.bytes(addr, addr+Addr(total)))
		seg.allocated += Addr(total)
		return addr, nil
	}
	return 0, errNoUOHSpace
}

// growUOH adds a segment for an object of total bytes.
func (h *Heap) growUOH(m *Mutator, kind segmentKind, total uint64) error {
	self := m.thread
	h.lockCollection(self)
	defer h.gcMu.Unlock()
	h.world.StopTheWorld(self)
	defer h.world.ResumeTheWorld()
	size := h.segmentSize
	if total > size {
		size = total
	}
	seg, err := h.newSegment(kind, size)
	if err != nil {
		return err
	}
	list := h.uohSegments(kind)
	*list = append(*list, seg)
	h.publishStats()
	h.log.Debug("new segment", "segment", seg.String())
	return nil
}
