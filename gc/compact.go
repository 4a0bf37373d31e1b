package gc

import (
	"golang.org/x/sync/errgroup"
)

// compact moves the plugs to their planned addresses. Every segment is
// compacted by its own worker; within a segment plugs are copied from low to
// high addresses, which never overwrites a plug that was not copied yet.
func (gc *collection) compact() {
	h := gc.h
	var g errgroup.Group
	g.SetLimit(gc.workers)
	for _, p := range gc.plans {
		p := p
		g.Go(func() error {
			gc.compactSegment(p)
			return nil
		})
	}
	g.Wait()

	for _, p := range gc.plans {
		seg := p.seg
		seg.plan = nil
		slack := p.newEnd
		if seg == h.ephemeral {
			// Keep the memory the next gen0 allocations will use.
			slack += Addr(h.policy.Gens[Gen0].MinBudget)
		}
		if err := h.decommit(seg, slack); err != nil {
			h.log.Warn("cannot decommit", "segment", seg.String(), "err", err)
		}
	}
}

func (gc *collection) compactSegment(p *segmentPlan) {
	seg := p.seg
	for _, pl := range p.plugs {
		if pl.reloc == 0 {
			continue
		}
		dst := Addr(int64(pl.start) + pl.reloc)
		copy(seg.bytes(dst, dst+(pl.end-pl.start)), seg.bytes(pl.start, pl.end))
	}
	for _, gap := range p.gaps {
		seg.writeFree(gap.start, gap.size)
	}
	for obj := p.start; obj < p.newEnd; {
		seg.clearFlags(obj, flagMark|flagPinned)
		obj += Addr(seg.objectSize(obj))
	}
	seg.allocated = p.newEnd
	seg.resetIndex(p.start)
	if gcDebug {
		println("gc:", p.String())
	}
}
