// Package metrics exposes heap statistics as named samples, in the style of
// runtime/metrics.
//
// Metric names have the form "/path/to/metric:unit". Cumulative metrics only
// ever increase while the heap is alive.
package metrics

import (
	"fmt"
	"math"
	"time"

	"github.com/tinygo-org/gengc/gc"
)

// Description describes a supported metric.
type Description struct {
	Name        string
	Description string
	Kind        ValueKind
	Cumulative  bool
}

type metric struct {
	Description
	read func(r *reader) Value
}

// reader caches the statistics shared by all samples of one Read call.
type reader struct {
	h       *gc.Heap
	stats   gc.HeapStatistics
	gcStats *gc.GCStats
}

func (r *reader) history() *gc.GCStats {
	if r.gcStats == nil {
		r.gcStats = &gc.GCStats{}
		r.h.ReadGCStats(r.gcStats)
	}
	return r.gcStats
}

func generationSize(g gc.Generation) func(r *reader) Value {
	return func(r *reader) Value {
		return uint64Value(r.stats.Generations[g].Size)
	}
}

var allMetrics = []metric{
	{
		Description{"/gc/cycles/total:gc-cycles", "Count of completed collections.", KindUint64, true},
		func(r *reader) Value { return uint64Value(r.stats.Collections) },
	},
	{
		Description{"/gc/cycles/background:gc-cycles", "Count of completed background collections.", KindUint64, true},
		func(r *reader) Value { return uint64Value(r.stats.BackgroundCollections) },
	},
	{
		Description{"/gc/heap/allocs:bytes", "Cumulative bytes handed out for allocation.", KindUint64, true},
		func(r *reader) Value { return uint64Value(r.stats.AllocatedBytes) },
	},
	{
		Description{"/gc/heap/allocs:objects", "Cumulative count of allocated objects.", KindUint64, true},
		func(r *reader) Value { return uint64Value(r.stats.AllocatedObjects) },
	},
	{
		Description{"/gc/heap/committed:bytes", "Memory committed from the platform.", KindUint64, false},
		func(r *reader) Value { return uint64Value(r.stats.Committed) },
	},
	{
		Description{"/gc/heap/size:bytes", "Heap size at the end of the last collection.", KindUint64, false},
		func(r *reader) Value { return uint64Value(r.stats.TotalSize) },
	},
	{
		Description{"/gc/heap/gen0:bytes", "Size of generation 0 at the end of the last collection.", KindUint64, false},
		generationSize(gc.Gen0),
	},
	{
		Description{"/gc/heap/gen1:bytes", "Size of generation 1 at the end of the last collection.", KindUint64, false},
		generationSize(gc.Gen1),
	},
	{
		Description{"/gc/heap/gen2:bytes", "Size of generation 2 at the end of the last collection.", KindUint64, false},
		generationSize(gc.Gen2),
	},
	{
		Description{"/gc/heap/large:bytes", "Size of the large object heap at the end of the last collection.", KindUint64, false},
		generationSize(gc.LOH),
	},
	{
		Description{"/gc/heap/pinned:bytes", "Size of the pinned object heap at the end of the last collection.", KindUint64, false},
		generationSize(gc.POH),
	},
	{
		Description{"/gc/heap/fragmentation:bytes", "Free bytes inside generation 2.", KindUint64, false},
		func(r *reader) Value { return uint64Value(r.stats.Generations[gc.Gen2].Fragmentation) },
	},
	{
		Description{"/gc/heap/promoted:bytes", "Cumulative bytes promoted to an older generation.", KindUint64, true},
		func(r *reader) Value { return uint64Value(r.stats.PromotedBytes) },
	},
	{
		Description{"/gc/finalizers/run:objects", "Cumulative count of finalizers that ran.", KindUint64, true},
		func(r *reader) Value { return uint64Value(r.stats.FinalizersRun) },
	},
	{
		Description{"/gc/finalizers/pending:objects", "Finalizers waiting to run.", KindUint64, false},
		func(r *reader) Value { return uint64Value(uint64(r.stats.PendingFinalizers)) },
	},
	{
		Description{"/gc/handles:handles", "Handles in use.", KindUint64, false},
		func(r *reader) Value { return uint64Value(uint64(r.stats.Handles)) },
	},
	{
		Description{"/gc/pauses/total:seconds", "Cumulative time the world was stopped.", KindFloat64, true},
		func(r *reader) Value { return float64Value(r.stats.PauseTotal.Seconds()) },
	},
	{
		Description{"/gc/pauses:seconds", "Distribution of recent stop-the-world pauses.", KindFloat64Histogram, false},
		func(r *reader) Value { return histogramValue(pauseHistogram(r.history().Pause)) },
	},
}

// All returns the descriptions of all supported metrics.
func All() []Description {
	d := make([]Description, len(allMetrics))
	for i, m := range allMetrics {
		d[i] = m.Description
	}
	return d
}

// Float64Histogram is a distribution of float64 values.
type Float64Histogram struct {
	// Counts[i] is the number of values in [Buckets[i], Buckets[i+1]).
	Counts  []uint64
	Buckets []float64
}

// Pause histogram buckets, in seconds: powers of two from 1µs to about 1s.
var pauseBuckets = func() []float64 {
	b := []float64{math.Inf(-1)}
	for d := time.Microsecond; d < 2*time.Second; d *= 2 {
		b = append(b, d.Seconds())
	}
	return append(b, math.Inf(1))
}()

func pauseHistogram(pauses []time.Duration) *Float64Histogram {
	h := &Float64Histogram{
		Counts:  make([]uint64, len(pauseBuckets)-1),
		Buckets: pauseBuckets,
	}
	for _, p := range pauses {
		s := p.Seconds()
		i := 0
		for i+1 < len(h.Counts) && s >= pauseBuckets[i+1] {
			i++
		}
		h.Counts[i]++
	}
	return h
}

// Sample is a metric name and a value read by Read.
type Sample struct {
	Name  string
	Value Value
}

// Read fills in the values of samples for heap h. Samples with an unknown
// name get a value of KindBad.
func Read(h *gc.Heap, samples []Sample) {
	r := &reader{h: h, stats: h.GetHeapStatistics()}
	for i := range samples {
		samples[i].Value = Value{}
		for _, m := range allMetrics {
			if m.Name == samples[i].Name {
				samples[i].Value = m.read(r)
				break
			}
		}
	}
}

// Value is the value of a metric.
type Value struct {
	kind    ValueKind
	scalar  uint64
	pointer *Float64Histogram
}

func uint64Value(v uint64) Value {
	return Value{kind: KindUint64, scalar: v}
}

func float64Value(v float64) Value {
	return Value{kind: KindFloat64, scalar: math.Float64bits(v)}
}

func histogramValue(h *Float64Histogram) Value {
	return Value{kind: KindFloat64Histogram, pointer: h}
}

// Kind returns the kind of the value.
func (v Value) Kind() ValueKind {
	return v.kind
}

// Uint64 returns the value of a KindUint64 metric. It panics for other kinds.
func (v Value) Uint64() uint64 {
	if v.kind != KindUint64 {
		panic(fmt.Sprintf("metrics: Uint64 called on a %s value", v.kind))
	}
	return v.scalar
}

// Float64 returns the value of a KindFloat64 metric. It panics for other
// kinds.
func (v Value) Float64() float64 {
	if v.kind != KindFloat64 {
		panic(fmt.Sprintf("metrics: Float64 called on a %s value", v.kind))
	}
	return math.Float64frombits(v.scalar)
}

// Float64Histogram returns the value of a KindFloat64Histogram metric. It
// panics for other kinds.
func (v Value) Float64Histogram() *Float64Histogram {
	if v.kind != KindFloat64Histogram {
		panic(fmt.Sprintf("metrics: Float64Histogram called on a %s value", v.kind))
	}
	return v.pointer
}

type ValueKind int

const (
	KindBad ValueKind = iota
	KindUint64
	KindFloat64
	KindFloat64Histogram
)

func (k ValueKind) String() string {
	switch k {
	case KindBad:
		return "bad"
	case KindUint64:
		return "uint64"
	case KindFloat64:
		return "float64"
	case KindFloat64Histogram:
		return "float64-histogram"
	default:
		return fmt.Sprintf("ValueKind(%d)", int(k))
	}
}
