package gc

import (
	"fmt"

	"github.com/tinygo-org/gengc/internal/gclayout"
)

// Small objects are allocated from chunks of the ephemeral segment handed out
// to each mutator. A chunk is at least one allocation quantum; the gen0 budget
// is charged per chunk, not per object.
const allocQuantum = 8 << 10

// allocContext is the part of the ephemeral segment a mutator bumps through.
// Everything in [start, current) is allocated, [current, limit) is zeroed and
// unused.
type allocContext struct {
	start   Addr
	current Addr
	limit   Addr
}

// retireContext turns the unused tail of ctx into a free object, so that the
// ephemeral segment can be walked.
func (h *Heap) retireContext(ctx *allocContext) {
	if ctx.limit == 0 {
		return
	}
	if ctx.current < ctx.limit {
		h.ephemeral.writeFree(ctx.current, uint64(ctx.limit-ctx.current))
	}
	h.stats.allocatedBytes.Add(uint64(ctx.current - ctx.start))
	*ctx = allocContext{}
}

// retireContexts retires the allocation context of every mutator. The world
// must be stopped.
func (h *Heap) retireContexts() {
	for _, m := range h.mutators() {
		h.retireContext(&m.ctx)
	}
}

// initObject writes the header of a new object and registers it for
// finalization if its type has a finalizer.
func (h *Heap) initObject(obj Addr, typ TypeID, layout gclayout.Layout, payload uint64) {
	seg := h.segmentOf(obj)
	var flags headerFlags
	info := h.typeInfo(typ)
	if info != nil && info.Finalizer != nil {
		flags |= flagFinalizable
	}
	if seg.kind != sohSegment && h.writeWatch.Load() {
		// The running background collection must not sweep this object.
		// It won't scan it either, so any reference stored into it goes
		// through the write-watch table.
		flags |= flagMark
	}
	seg.writeHeader(obj, typ, flags, payload, layout)
	h.stats.allocatedObjects.Add(1)
	if flags&flagFinalizable != 0 {
		h.final.register(obj)
	}
}

type refillStatus int

const (
	refillOK refillStatus = iota
	refillBudget
	refillNoSpace
)

// allocSlow refills the allocation context and allocates total bytes from it,
// running collections as needed.
func (m *Mutator) allocSlow(total uint64) (Addr, error) {
	h := m.heap
	m.thread.SafePoint()
	var triedGC, grew, triedFull bool
	var lastErr error
	for {
		h.mu.Lock()
		obj, status, err := h.refill(&m.ctx, total, triedGC)
		h.mu.Unlock()
		if err != nil {
			lastErr = err
		}
		switch status {
		case refillOK:
			return obj, nil
		case refillBudget:
			if err := h.collect(m, collectRequest{depth: depthAuto, reason: ReasonAllocSmall}); err != nil {
				return 0, err
			}
			triedGC = true
			continue
		}

		// The ephemeral segment is full.
		switch {
		case !triedGC:
			triedGC = true
			if err := h.collect(m, collectRequest{depth: depthAuto, reason: ReasonOutOfSpace, urgent: true}); err != nil {
				return 0, err
			}
		case !grew:
			grew = true
			if err := h.growEphemeral(m, total); err != nil {
				lastErr = err
			}
		case !triedFull:
			triedFull = true
			if err := h.collect(m, collectRequest{depth: DepthFull, reason: ReasonLowMemory, blocking: true, urgent: true}); err != nil {
				return 0, err
			}
		default:
			if lastErr != nil {
				return 0, fmt.Errorf("%w: %d bytes in %s: %w", ErrOutOfMemory, total, Gen0, lastErr)
			}
			return 0, fmt.Errorf("%w: %d bytes in %s", ErrOutOfMemory, total, Gen0)
		}
	}
}

// refill hands a new chunk of the ephemeral segment to ctx and allocates total
// bytes at its start. The heap lock must be held.
func (h *Heap) refill(ctx *allocContext, total uint64, ignoreBudget bool) (Addr, refillStatus, error) {
	h.retireContext(ctx)
	gen0 := &h.gens[Gen0]
	if !ignoreBudget && gen0.remaining <= 0 && !h.backgroundRunning() {
		return 0, refillBudget, nil
	}
	chunk := uint64(allocQuantum)
	if total > chunk {
		chunk = total
	}
	eph := h.ephemeral
	start := eph.allocated
	end := start + Addr(chunk)
	if end > eph.end() {
		// Use whatever is left if the object fits.
		end = eph.end()
		if start+Addr(total) > end {
			return 0, refillNoSpace, nil
		}
	}
	if err := h.commit(eph, end); err != nil {
		return 0, refillNoSpace, err
	}
	clear(eph.bytes(start, end))
	eph.allocated = end
	gen0.remaining -= int64(end - start)
	*ctx = allocContext{start: start, current: start + Addr(total), limit: end}
	return start, refillOK, nil
}

// growEphemeral makes room for an allocation of total bytes when the
// ephemeral segment is full. The young generations are promoted to gen2 in
// place first; only when that doesn't free enough space, a new ephemeral
// segment is started.
func (h *Heap) growEphemeral(m *Mutator, total uint64) error {
	self := m.thread
	h.lockCollection(self)
	h.finishBackground(self, true)
	h.world.StopTheWorld(self)
	var ev *collectionEvent
	err := func() error {
		h.retireContexts()
		eph := h.ephemeral
		if h.gen1Start() != eph.allocated {
			ev = h.collectBlocking(DepthGen1, ReasonOutOfSpace, true)
		}
		room := uint64(eph.end() - eph.allocated)
		if room >= total && room >= h.segmentSize/8 {
			return nil
		}
		seg, err := h.newSegment(sohSegment, h.segmentSize)
		if err != nil {
			return err
		}
		// The old ephemeral segment is all gen2 now.
		h.soh = append(h.soh, seg)
		h.setEphemeral(seg)
		h.publishStats()
		h.log.Debug("new ephemeral segment", "segment", seg.String())
		return nil
	}()
	h.world.ResumeTheWorld()
	h.gcMu.Unlock()
	if ev != nil {
		h.afterCollection(ev)
	}
	return err
}
