package metrics

import (
	"math"
	"testing"

	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/gc"
	"github.com/tinygo-org/gengc/internal/gclayout"
	"github.com/tinygo-org/gengc/platform"
)

func newHeap(t *testing.T) *gc.Heap {
	t.Helper()
	cfg := config.Default()
	cfg.HeapCount = 2
	cfg.ConcurrentEnabled = false
	cfg.SegmentSize = 1 << 20
	cfg.Gen0BudgetHint = 64 << 10
	cfg.LargeObjectThreshold = 8 << 10
	h, err := gc.New(gc.Options{
		Config:             &cfg,
		Memory:             platform.NewGoMemory(),
		ManualFinalization: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Shutdown() })
	return h
}

func TestAll(t *testing.T) {
	seen := make(map[string]bool)
	for _, d := range All() {
		if seen[d.Name] {
			t.Errorf("duplicate metric %s", d.Name)
		}
		seen[d.Name] = true
		if d.Kind == KindBad {
			t.Errorf("metric %s has a bad kind", d.Name)
		}
		if d.Description == "" {
			t.Errorf("metric %s has no description", d.Name)
		}
	}
}

func TestRead(t *testing.T) {
	h := newHeap(t)
	m, err := h.AttachThread()
	if err != nil {
		t.Fatal(err)
	}
	defer m.Detach()

	const objects = 100
	for i := 0; i < objects; i++ {
		if _, err := m.Allocate(1, gclayout.NoPtrs, 16, 0); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := m.RequestCollection(gc.Gen0, true); err != nil {
			t.Fatal(err)
		}
	}

	samples := []Sample{
		{Name: "/gc/cycles/total:gc-cycles"},
		{Name: "/gc/heap/allocs:objects"},
		{Name: "/gc/heap/committed:bytes"},
		{Name: "/gc/pauses/total:seconds"},
		{Name: "/gc/pauses:seconds"},
		{Name: "/gc/no/such:metric"},
	}
	Read(h, samples)

	if got := samples[0].Value.Uint64(); got != 3 {
		t.Errorf("expected 3 collections, got %d", got)
	}
	if got := samples[1].Value.Uint64(); got < objects {
		t.Errorf("expected at least %d allocated objects, got %d", objects, got)
	}
	if got := samples[2].Value.Uint64(); got == 0 {
		t.Error("expected committed memory")
	}
	if got := samples[3].Value.Float64(); got < 0 || math.IsNaN(got) {
		t.Errorf("unexpected pause total %v", got)
	}
	hist := samples[4].Value.Float64Histogram()
	if len(hist.Buckets) != len(hist.Counts)+1 {
		t.Errorf("histogram has %d buckets for %d counts", len(hist.Buckets), len(hist.Counts))
	}
	var total uint64
	for _, c := range hist.Counts {
		total += c
	}
	if total != 3 {
		t.Errorf("expected 3 pauses in the histogram, got %d", total)
	}
	if kind := samples[5].Value.Kind(); kind != KindBad {
		t.Errorf("expected KindBad for an unknown metric, got %s", kind)
	}
}

func TestValueKindMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected a panic reading a uint64 as float64")
		}
	}()
	uint64Value(1).Float64()
}

func TestPauseHistogram(t *testing.T) {
	h := pauseHistogram(nil)
	for _, c := range h.Counts {
		if c != 0 {
			t.Fatal("expected an empty histogram")
		}
	}
	if !math.IsInf(h.Buckets[0], -1) || !math.IsInf(h.Buckets[len(h.Buckets)-1], 1) {
		t.Error("expected the histogram to cover all values")
	}
	for i := 1; i < len(h.Buckets); i++ {
		if h.Buckets[i] <= h.Buckets[i-1] {
			t.Errorf("buckets not increasing at %d", i)
		}
	}
}
