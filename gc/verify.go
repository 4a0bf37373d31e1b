package gc

import (
	"fmt"
	"strings"

	"github.com/sigurn/crc16"
	"github.com/tinygo-org/gengc/diagnostics"
)

// ConsistencyError is a violation of a heap invariant. It is always fatal.
type ConsistencyError struct {
	Phase    string
	Problems []diagnostics.Diagnostic
}

func (e *ConsistencyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "gc: heap corrupted (%s)", e.Phase)
	for _, p := range e.Problems {
		b.WriteString("\n\t")
		if p.Addr != 0 {
			fmt.Fprintf(&b, "%#x: ", p.Addr)
		}
		b.WriteString(p.Msg)
	}
	return b.String()
}

// Diagnostics implements diagnostics.Diagnoser.
func (e *ConsistencyError) Diagnostics() []diagnostics.Diagnostic {
	return e.Problems
}

// inconsistent returns a ConsistencyError about one address.
func (gc *collection) inconsistent(phase string, a Addr, msg string) error {
	return &ConsistencyError{
		Phase:    phase,
		Problems: []diagnostics.Diagnostic{{Phase: phase, Addr: uint64(a), Msg: msg}},
	}
}

// Verification stops after this many problems.
const maxProblems = 32

type verifier struct {
	h        *Heap
	phase    string
	problems []diagnostics.Diagnostic
}

func (v *verifier) errorf(a Addr, format string, args ...any) {
	if len(v.problems) < maxProblems {
		v.problems = append(v.problems, diagnostics.Diagnostic{
			Phase: v.phase,
			Addr:  uint64(a),
			Msg:   fmt.Sprintf(format, args...),
		})
	}
}

func (v *verifier) full() bool {
	return len(v.problems) >= maxProblems
}

// verifyHeap checks the whole heap and calls the fatal handler on the first
// inconsistency. The world must be stopped and allocation contexts retired.
func (h *Heap) verifyHeap(phase string) {
	if err := h.checkHeap(phase); err != nil {
		h.fatalError(err)
	}
}

// checkHeap returns a ConsistencyError describing everything that is wrong
// with the heap, or nil.
func (h *Heap) checkHeap(phase string) error {
	v := &verifier{h: h, phase: "verify " + phase}
	eph := h.ephemeral
	gen1, gen0 := h.gen1Start(), h.gen0Start()
	if !(eph.base <= gen1 && gen1 <= gen0 && gen0 <= eph.allocated) {
		v.errorf(0, "generation boundaries out of order: base %#x gen1 %#x gen0 %#x allocated %#x",
			uint64(eph.base), uint64(gen1), uint64(gen0), uint64(eph.allocated))
	}
	if Addr(h.ephemeralLow.Load()) != gen1 || Addr(h.ephemeralHigh.Load()) != eph.end() {
		v.errorf(0, "write barrier range does not match the ephemeral segment")
	}
	if h.soh[len(h.soh)-1] != eph {
		v.errorf(0, "ephemeral segment is not the newest SOH segment")
	}
	t := h.cards.Load()
	for _, seg := range h.allSegments() {
		if v.full() {
			break
		}
		if h.segmentOf(seg.base) != seg || h.segmentOf(seg.end()-1) != seg {
			v.errorf(seg.base, "%s is not in the segment map", seg)
		}
		if seg.allocated > seg.committed || seg.committed > seg.end() {
			v.errorf(seg.base, "%s: allocated %#x beyond committed %#x", seg, uint64(seg.allocated), uint64(seg.committed))
			continue
		}
		v.checkSegment(t, seg)
	}
	for _, kind := range []segmentKind{lohSegment, pohSegment} {
		h.uohFreeList(kind).forEach(func(a Addr, n uint64) {
			seg := h.segmentOf(a)
			if seg == nil || seg.kind != kind || a+Addr(n) > seg.allocated {
				v.errorf(a, "free list entry of %d bytes outside of %s", n, kind)
				return
			}
			if !seg.isFree(a) || seg.objectSize(a) != n {
				v.errorf(a, "free list entry of %d bytes is not a free object", n)
			}
		})
	}
	h.handles.forEach(func(kind HandleKind, target, secondary Addr) {
		v.checkRef(0, target, "%s handle", kind)
		v.checkRef(0, secondary, "dependent handle secondary")
	})
	h.final.forEachRegistered(func(obj Addr, ready bool) {
		v.checkRef(0, obj, "finalization list")
	})
	if len(v.problems) == 0 {
		return nil
	}
	return &ConsistencyError{Phase: v.phase, Problems: v.problems}
}

func (h *Heap) allSegments() []*segment {
	all := make([]*segment, 0, len(h.soh)+len(h.loh)+len(h.poh))
	all = append(all, h.soh...)
	all = append(all, h.loh...)
	return append(all, h.poh...)
}

// checkSegment walks every object of seg.
func (v *verifier) checkSegment(t *cardTable, seg *segment) {
	h := v.h
	for obj := seg.base; obj < seg.allocated && !v.full(); {
		w0 := seg.load(obj)
		flags := headerFlags(w0 >> 32)
		if flags&flagFree != 0 {
			size := seg.objectSize(obj)
			if size == 0 || obj+Addr(size) > seg.allocated {
				v.errorf(obj, "free object of %d bytes crosses the allocated end", size)
				return
			}
			obj += Addr(size)
			continue
		}
		info := seg.info(obj)
		if info.payload%wordSize != 0 || obj+Addr(info.size()) > seg.allocated {
			v.errorf(obj, "bad object size %d", info.size())
			return
		}
		if !info.layout.Valid() {
			v.errorf(obj, "bad layout %s", info.layout)
		}
		if flags&(flagMark|flagPinned) != 0 && !h.writeWatch.Load() {
			v.errorf(obj, "mark bits left set (%#x)", uint32(flags))
		}
		ownerAge := h.GetGeneration(obj).age()
		info.forEachRef(obj, func(slot Addr) {
			target := Addr(seg.load(slot))
			if target == 0 {
				return
			}
			if !v.checkRef(obj, target, "field at +%d", slot-obj) {
				return
			}
			if h.GetGeneration(target).age() < ownerAge && !t.isSet(slot) {
				v.errorf(obj, "card of field at +%d not set for a reference to %s object %#x",
					slot-obj, h.GetGeneration(target), uint64(target))
			}
		})
		obj += Addr(info.size())
	}
}

// checkRef checks that target is nil or the start of a live object.
func (v *verifier) checkRef(owner, target Addr, format string, args ...any) bool {
	if target == 0 {
		return true
	}
	what := fmt.Sprintf(format, args...)
	seg := v.h.segmentOf(target)
	if seg == nil || target+HeaderSize > seg.allocated {
		v.errorf(owner, "%s refers to %#x outside of the heap", what, uint64(target))
		return false
	}
	if seg.isFree(target) {
		v.errorf(owner, "%s refers to free object %#x", what, uint64(target))
		return false
	}
	if v.full() {
		return false
	}
	// Check that target is an object start by walking to it.
	c := newObjectCursor(seg)
	if c.find(target) != target {
		v.errorf(owner, "%s refers to %#x, which is not an object start", what, uint64(target))
		return false
	}
	return true
}

// Payload checksums catch objects that were damaged while being moved. Only
// scalar words are covered, as references are rewritten by the relocation.

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

func scalarChecksum(seg *segment, obj Addr) uint16 {
	info := seg.info(obj)
	buf := make([]byte, 0, info.payload+8)
	buf = append(buf, byte(info.typ), byte(info.typ>>8), byte(info.typ>>16), byte(info.typ>>24))
	for w := 0; w < info.payloadWords(); w++ {
		if info.isRefWord(w) {
			continue
		}
		b := seg.bytes(obj+HeaderSize+Addr(w)*wordSize, obj+HeaderSize+Addr(w+1)*wordSize)
		buf = append(buf, b...)
	}
	return crc16.Checksum(buf, crcTable)
}

// checksumSurvivors records the checksum of every survivor under its new
// address. It runs after planning.
func (gc *collection) checksumSurvivors() {
	gc.checksums = make(map[Addr]uint16)
	for _, p := range gc.plans {
		seg := p.seg
		for _, pl := range p.plugs {
			for obj := pl.start; obj < pl.end; obj += Addr(seg.objectSize(obj)) {
				gc.checksums[Addr(int64(obj)+pl.reloc)] = scalarChecksum(seg, obj)
			}
		}
	}
}

// verifyChecksums compares the survivors with their checksums after
// compaction.
func (gc *collection) verifyChecksums() {
	var problems []diagnostics.Diagnostic
	for obj, sum := range gc.checksums {
		seg := gc.h.segmentOf(obj)
		if got := scalarChecksum(seg, obj); got != sum {
			problems = append(problems, diagnostics.Diagnostic{
				Phase: "compact",
				Addr:  uint64(obj),
				Msg:   fmt.Sprintf("payload checksum %#04x, was %#04x before compaction", got, sum),
			})
			if len(problems) >= maxProblems {
				break
			}
		}
	}
	gc.checksums = nil
	if len(problems) > 0 {
		gc.h.fatalError(&ConsistencyError{Phase: "compact", Problems: problems})
	}
}

// VerifyHeap finishes a running background collection, stops the world and
// checks the heap. It returns a *ConsistencyError if something is wrong.
func (m *Mutator) VerifyHeap() error {
	h := m.heap
	h.lockCollection(m.thread)
	h.finishBackground(m.thread, true)
	defer h.gcMu.Unlock()
	h.world.StopTheWorld(m.thread)
	defer h.world.ResumeTheWorld()
	h.retireContexts()
	return h.checkHeap("requested")
}
