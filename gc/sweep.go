package gc

// Sweeping turns the dead objects of a range into free objects in place,
// without moving anything. The large and pinned object heaps are always swept;
// gen2 of the small object heap is swept by background collections, which
// can't compact.

// sweepRange coalesces every run of dead and free objects in [start, end) of
// seg into one free object and clears the mark bits of the survivors. It calls
// onFree for every run and returns the start of the trailing run, or end if
// the range ends with a survivor.
func sweepRange(seg *segment, start, end Addr, onFree func(start Addr, size uint64)) Addr {
	run := Addr(0)
	for obj := start; obj < end; {
		size := seg.objectSize(obj)
		flags := seg.flags(obj)
		if flags&flagFree == 0 && flags&flagMark != 0 {
			if run != 0 {
				seg.writeFree(run, uint64(obj-run))
				if onFree != nil {
					onFree(run, uint64(obj-run))
				}
				run = 0
			}
			seg.clearFlags(obj, flagMark|flagPinned)
		} else if run == 0 {
			run = obj
		}
		obj += Addr(size)
	}
	if run == 0 {
		return end
	}
	return run
}

// sweepUOH sweeps the large and pinned object heaps and rebuilds their free
// lists. The world must be stopped.
func (gc *collection) sweepUOH() {
	h := gc.h
	h.uohMu.Lock()
	defer h.uohMu.Unlock()
	for _, kind := range []segmentKind{lohSegment, pohSegment} {
		list := h.uohFreeList(kind)
		list.reset()
		segs := h.uohSegments(kind)
		var kept []*segment
		for _, seg := range *segs {
			tail := sweepRange(seg, seg.base, seg.allocated, func(start Addr, size uint64) {
				if size >= MinObjectSize {
					list.insert(start, size)
				}
			})
			seg.allocated = tail
			if tail == seg.base {
				if err := h.releaseSegment(seg); err != nil {
					h.log.Warn("cannot release segment", "segment", seg.String(), "err", err)
				}
				continue
			}
			if err := h.decommit(seg, tail); err != nil {
				h.log.Warn("cannot decommit", "segment", seg.String(), "err", err)
			}
			kept = append(kept, seg)
		}
		*segs = kept
	}
}

// releaseEmptySegments gives back the older SOH segments that have no
// survivors left after a compacting gen2 collection.
func (gc *collection) releaseEmptySegments() {
	h := gc.h
	for _, seg := range append([]*segment(nil), h.soh...) {
		if seg == h.ephemeral || seg.allocated != seg.base {
			continue
		}
		if err := h.releaseSegment(seg); err != nil {
			h.log.Warn("cannot release segment", "segment", seg.String(), "err", err)
			continue
		}
		h.soh = removeSegment(h.soh, seg)
	}
}

// sweepBackground sweeps gen2 after a background mark. Freed SOH space stays
// in place as fragmentation until the next compacting collection. The world
// must be stopped.
func (gc *collection) sweepBackground() {
	h := gc.h
	var freed uint64
	count := func(_ Addr, size uint64) {
		freed += size
	}
	for _, seg := range h.soh {
		end := seg.allocated
		if seg == gc.eph {
			end = gc.gen1
		}
		tail := sweepRange(seg, seg.base, end, count)
		if tail != end {
			// The trailing run is not followed by a survivor.
			seg.writeFree(tail, uint64(end-tail))
			freed += uint64(end - tail)
		}
		seg.resetIndex(seg.base)
	}
	// Young objects were traced through, but are not swept.
	eph := gc.eph
	for obj := gc.gen1; obj < eph.allocated; {
		eph.clearFlags(obj, flagMark|flagPinned)
		obj += Addr(eph.objectSize(obj))
	}
	h.gens[Gen2].fragmentation = freed
	gc.sweptBytes = freed
	gc.sweepUOH()
}
