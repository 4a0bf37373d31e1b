package gc

import (
	"io"
	"sort"
	"time"

	"github.com/google/pprof/profile"
)

type profileKey struct {
	typ TypeID
	gen Generation
}

type profileCount struct {
	objects int64
	bytes   int64
}

// WriteHeapProfile writes a pprof profile of the objects in the heap, by type
// and generation, to w. It finishes a running background collection and stops
// the world, so it must not be called from the goroutine of an attached
// Mutator outside of Mutator.Preemptive.
func (h *Heap) WriteHeapProfile(w io.Writer) error {
	if h.shutdown.Load() {
		return ErrHeapShutdown
	}
	h.lockCollection(nil)
	h.finishBackground(nil, true)
	if h.shutdown.Load() {
		h.gcMu.Unlock()
		return ErrHeapShutdown
	}
	h.world.StopTheWorld(nil)
	h.retireContexts()
	counts := make(map[profileKey]*profileCount)
	for _, seg := range h.allSegments() {
		for obj := seg.base; obj < seg.allocated; {
			info := seg.info(obj)
			if info.flags&flagFree != 0 {
				obj += Addr(seg.objectSize(obj))
				continue
			}
			k := profileKey{info.typ, h.GetGeneration(obj)}
			c := counts[k]
			if c == nil {
				c = &profileCount{}
				counts[k] = c
			}
			c.objects++
			c.bytes += int64(info.size())
			obj += Addr(info.size())
		}
	}
	h.world.ResumeTheWorld()
	h.gcMu.Unlock()

	return h.buildProfile(counts).Write(w)
}

func (h *Heap) buildProfile(counts map[profileKey]*profileCount) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
		TimeNanos:  time.Now().UnixNano(),
	}
	keys := make([]profileKey, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].typ != keys[j].typ {
			return keys[i].typ < keys[j].typ
		}
		return keys[i].gen < keys[j].gen
	})

	locations := make(map[TypeID]*profile.Location)
	for _, k := range keys {
		loc := locations[k.typ]
		if loc == nil {
			fn := &profile.Function{
				ID:         uint64(len(p.Function) + 1),
				Name:       h.typeName(k.typ),
				SystemName: h.typeName(k.typ),
			}
			p.Function = append(p.Function, fn)
			loc = &profile.Location{
				ID:   uint64(len(p.Location) + 1),
				Line: []profile.Line{{Function: fn}},
			}
			p.Location = append(p.Location, loc)
			locations[k.typ] = loc
		}
		c := counts[k]
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{c.objects, c.bytes},
			Label:    map[string][]string{"generation": {k.gen.String()}},
		})
	}
	return p
}
