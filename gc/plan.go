package gc

import (
	"fmt"
	"sort"
)

// The plan phase decides where every survivor goes. Surviving objects that
// are adjacent form a plug; plugs slide down towards the start of the
// condemned range, except for pinned plugs which stay where they are. The gap
// left in front of a pinned plug becomes a free object.

// plug is a run of adjacent surviving objects that move together.
type plug struct {
	start, end Addr
	reloc      int64 // added to every address in the plug
	pinned     bool
}

// segmentPlan is the compaction plan of one condemned SOH range.
type segmentPlan struct {
	seg        *segment
	start, end Addr

	plugs []plug

	// For every brick of [start, end), the index of the first plug that ends
	// after the start of the brick.
	brickBase Addr
	bricks    []int32

	// Free objects to write in front of pinned plugs.
	gaps []addrRange

	// New allocated end of the range, and new start of gen1 in the ephemeral
	// segment.
	newEnd  Addr
	newGen1 Addr

	// Surviving bytes by generation before the collection.
	survived [3]uint64
}

// lookup returns the plug containing a, which must be a surviving object.
func (p *segmentPlan) lookup(a Addr) (*plug, bool) {
	if a < p.start || a >= p.end {
		return nil, false
	}
	i := int(p.bricks[(a-p.brickBase)>>brickShift])
	for i < len(p.plugs) && p.plugs[i].end <= a {
		i++
	}
	if i == len(p.plugs) || p.plugs[i].start > a {
		return nil, false
	}
	return &p.plugs[i], true
}

// plannedRanges returns the condemned SOH ranges of the collection.
func (gc *collection) plannedRanges() []*segmentPlan {
	if gc.condemned != Gen2 {
		return []*segmentPlan{{seg: gc.eph, start: gc.lo, end: gc.hi}}
	}
	var plans []*segmentPlan
	for _, seg := range gc.h.soh {
		plans = append(plans, &segmentPlan{seg: seg, start: seg.base, end: seg.allocated})
	}
	return plans
}

// plan computes the compaction plan of every condemned SOH range.
func (gc *collection) plan() {
	gc.plans = gc.plannedRanges()
	for _, p := range gc.plans {
		gc.planSegment(p)
		p.seg.plan = p
	}
}

func (gc *collection) planSegment(p *segmentPlan) {
	seg := p.seg
	dest := p.start
	p.newGen1 = 0
	isEph := seg == gc.eph

	// Plugs never span a generation boundary, so that the new boundaries
	// fall between plugs.
	boundary := func(a Addr) bool {
		return isEph && (a == gc.gen1 || a == gc.gen0)
	}

	var cur plug
	inPlug := false
	finish := func() {
		if !inPlug {
			return
		}
		inPlug = false
		if cur.pinned {
			if gcAsserts && dest > cur.start {
				panic("gc: pinned plug below the compaction cursor")
			}
			if dest < cur.start {
				p.gaps = append(p.gaps, addrRange{dest, uint64(cur.start - dest)})
			}
			cur.reloc = 0
			dest = cur.end
		} else {
			cur.reloc = int64(dest) - int64(cur.start)
			dest += cur.end - cur.start
		}
		if isEph && p.newGen1 == 0 && cur.start >= gc.gen0 {
			p.newGen1 = cur.start + Addr(cur.reloc)
		}
		p.plugs = append(p.plugs, cur)
	}

	for a := p.start; a < p.end; {
		size := Addr(seg.objectSize(a))
		flags := seg.flags(a)
		live := flags&flagFree == 0 && flags&flagMark != 0
		if !live {
			finish()
			a += size
			continue
		}
		pinned := flags&flagPinned != 0
		if inPlug && (pinned != cur.pinned || boundary(a)) {
			finish()
		}
		if !inPlug {
			cur = plug{start: a, pinned: pinned}
			inPlug = true
		}
		cur.end = a + size
		if isEph {
			p.survived[gc.genOf(a)] += uint64(size)
		} else {
			p.survived[Gen2] += uint64(size)
		}
		a += size
	}
	finish()
	p.newEnd = dest
	if p.newGen1 == 0 {
		p.newGen1 = dest
	}
	p.buildIndex()
}

// buildIndex fills the brick table used by lookup.
func (p *segmentPlan) buildIndex() {
	p.brickBase = p.start &^ (brickSize - 1)
	n := int((p.end-p.brickBase+brickSize-1)>>brickShift) + 1
	p.bricks = make([]int32, n)
	for b := range p.bricks {
		brickStart := p.brickBase + Addr(b)<<brickShift
		i := sort.Search(len(p.plugs), func(i int) bool {
			return p.plugs[i].end > brickStart
		})
		p.bricks[b] = int32(i)
	}
}

// newAddr returns the address the object at a has after compaction.
func (gc *collection) newAddr(a Addr) (Addr, error) {
	if !gc.isCondemned(a) {
		return a, nil
	}
	seg := gc.segment(a)
	if seg.plan == nil {
		// Not compacted.
		return a, nil
	}
	pl, ok := seg.plan.lookup(a)
	if !ok {
		if a < seg.plan.start || a >= seg.plan.end {
			return a, nil
		}
		return 0, gc.inconsistent("relocate", a, "reference to an object that did not survive")
	}
	return Addr(int64(a) + pl.reloc), nil
}

// survivedBytes returns the surviving SOH bytes by generation before the
// collection.
func (gc *collection) survivedBytes() [3]uint64 {
	var s [3]uint64
	for _, p := range gc.plans {
		for g := range s {
			s[g] += p.survived[g]
		}
	}
	return s
}

// promotedBytes returns the number of bytes that moved to an older
// generation.
func (gc *collection) promotedBytes() uint64 {
	s := gc.survivedBytes()
	var n uint64
	for g := Gen0; g <= Gen1; g++ {
		if gc.promoted(g) != g && g <= gc.condemned {
			n += s[g]
		}
	}
	return n
}

func (p *segmentPlan) String() string {
	return fmt.Sprintf("plan %s [%#x-%#x) -> %#x, %d plugs, %d gaps", p.seg, uint64(p.start), uint64(p.end), uint64(p.newEnd), len(p.plugs), len(p.gaps))
}
