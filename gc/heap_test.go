package gc

import (
	"bytes"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/gengc/config"
	"github.com/tinygo-org/gengc/internal/gclayout"
	"github.com/tinygo-org/gengc/platform"
)

const (
	nodeType TypeID = iota + 1
	bufferType
	finalType
	arrayType
)

// A node is {next, value}.
var nodeLayout = gclayout.New(2, 0)

const (
	nodePayload = 16
	nodeSize    = HeaderSize + nodePayload
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HeapCount = 2
	cfg.ConcurrentEnabled = false
	cfg.SegmentSize = 1 << 20
	cfg.Gen0BudgetHint = 64 << 10
	cfg.LargeObjectThreshold = 8 << 10
	cfg.HeapVerify = true
	return cfg
}

func testOptions(cfg config.Config) Options {
	return Options{
		Config:             &cfg,
		Memory:             platform.NewGoMemory(),
		Logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		Fatal:              func(err error) { panic(err) },
		ManualFinalization: true,
	}
}

func newTestHeapWith(t *testing.T, opts Options) (*Heap, *Mutator) {
	t.Helper()
	h, err := New(opts)
	require.NoError(t, err)
	h.RegisterType(nodeType, TypeInfo{Name: "node"})
	h.RegisterType(bufferType, TypeInfo{Name: "buffer"})
	m, err := h.AttachThread()
	require.NoError(t, err)
	t.Cleanup(func() {
		m.Detach()
		h.Shutdown()
	})
	return h, m
}

func newTestHeap(t *testing.T, cfg config.Config) (*Heap, *Mutator) {
	t.Helper()
	return newTestHeapWith(t, testOptions(cfg))
}

func allocNode(t *testing.T, m *Mutator, value uint64) Addr {
	t.Helper()
	obj, err := m.Allocate(nodeType, nodeLayout, nodePayload, 0)
	require.NoError(t, err)
	m.heap.WriteWord(obj, 1, value)
	return obj
}

func collect(t *testing.T, m *Mutator, gen Generation) {
	t.Helper()
	require.NoError(t, m.RequestCollection(gen, true))
}

func TestCycleSurvivesFullCollection(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	const n = 1000
	layout := gclayout.New(8, 0)

	alloc := func(i int) Addr {
		obj, err := m.Allocate(nodeType, layout, 64, 0)
		require.NoError(t, err)
		h.WriteWord(obj, 1, uint64(i))
		return obj
	}

	f := m.PushFrame(1)
	defer f.Pop()
	first := alloc(0)
	hnd, err := h.CreateHandle(first, HandleStrong)
	require.NoError(t, err)
	f.Set(0, first)
	for i := 1; i < n; i++ {
		obj := alloc(i)
		h.WriteRef(f.Get(0), 0, obj)
		f.Set(0, obj)
	}
	head, err := h.GetHandleTarget(hnd)
	require.NoError(t, err)
	h.WriteRef(f.Get(0), 0, head)
	f.Set(0, 0)

	collect(t, m, Gen2)

	head, err = h.GetHandleTarget(hnd)
	require.NoError(t, err)
	require.Equal(t, Gen2, h.GetGeneration(head))
	obj := head
	for i := 0; i < n; i++ {
		require.Equal(t, uint64(i), h.ReadWord(obj, 1), "object %d of the cycle", i)
		obj = h.ReadRef(obj, 0)
	}
	require.Equal(t, head, obj, "the cycle is closed")
	require.NoError(t, m.VerifyHeap())
}

func TestGen0BudgetReclaimsGarbage(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	for i := 0; h.GetHeapStatistics().Collections == 0; i++ {
		require.Less(t, i, 100000, "the gen0 budget never triggered a collection")
		_, err := m.Allocate(nodeType, gclayout.New(8, 0), 64, 0)
		require.NoError(t, err)
	}

	st := h.GetHeapStatistics()
	require.EqualValues(t, 1, st.Collections)
	require.EqualValues(t, 1, st.Generations[Gen0].Collections)
	require.Zero(t, st.Generations[Gen0].Survived)
	require.Zero(t, st.Generations[Gen0].Size+st.Generations[Gen1].Size+st.Generations[Gen2].Size)
	require.NoError(t, m.VerifyHeap())
}

// buildTree builds a complete binary tree of the given depth in slot of f.
// The slots after slot, up to slot+2*depth, are used as scratch space. Node
// values are numbered in post-order from *next.
func buildTree(t *testing.T, m *Mutator, f *Frame, slot, depth int, next *uint64) {
	if depth == 0 {
		f.Set(slot, 0)
		return
	}
	buildTree(t, m, f, slot+1, depth-1, next)
	buildTree(t, m, f, slot+2, depth-1, next)
	// Some garbage, so that the tree has holes to compact.
	_, err := m.Allocate(nodeType, nodeLayout, nodePayload, 0)
	require.NoError(t, err)

	obj, err := m.Allocate(arrayType, gclayout.New(3, 0, 1), 3*8, 0)
	require.NoError(t, err)
	h := m.heap
	h.WriteRef(obj, 0, f.Get(slot+1))
	h.WriteRef(obj, 1, f.Get(slot+2))
	h.WriteWord(obj, 2, *next)
	*next++
	f.Set(slot, obj)
}

func checkTree(t *testing.T, h *Heap, obj Addr, next *uint64) int {
	if obj == 0 {
		return 0
	}
	n := checkTree(t, h, h.ReadRef(obj, 0), next)
	n += checkTree(t, h, h.ReadRef(obj, 1), next)
	require.Equal(t, *next, h.ReadWord(obj, 2))
	*next++
	return n + 1
}

func TestLiveness(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	const depth = 11
	f := m.PushFrame(2*depth + 1)
	defer f.Pop()
	var next uint64
	buildTree(t, m, f, 0, depth, &next)
	require.NotZero(t, h.GetHeapStatistics().Collections, "building the tree should have collected")

	for _, gen := range []Generation{Gen0, Gen1, Gen2, Gen0, Gen2} {
		collect(t, m, gen)
		var seen uint64
		n := checkTree(t, h, f.Get(0), &seen)
		require.Equal(t, 1<<depth-1, n, "after a %s collection", gen)
	}
	require.Equal(t, Gen2, h.GetGeneration(f.Get(0)))
	require.NoError(t, m.VerifyHeap())
}

func TestPinnedObjectsDoNotMove(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	f := m.PushFrame(2)
	defer f.Pop()

	for i := 0; i < 100; i++ {
		allocNode(t, m, 0)
	}
	pinned := allocNode(t, m, 1)
	f.Set(0, pinned)
	f.Pin(0)
	for i := 0; i < 100; i++ {
		allocNode(t, m, 0)
	}
	moved := allocNode(t, m, 2)
	f.Set(1, moved)

	collect(t, m, Gen0)

	require.Equal(t, pinned, f.Get(0))
	require.Equal(t, pinned+nodeSize, f.Get(1), "the next survivor slides down to the pinned object")
	require.EqualValues(t, 1, h.ReadWord(f.Get(0), 1))
	require.EqualValues(t, 2, h.ReadWord(f.Get(1), 1))
	require.Equal(t, Gen1, h.GetGeneration(f.Get(0)))
	require.NoError(t, m.VerifyHeap())
}

func TestPinnedHandle(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	for i := 0; i < 100; i++ {
		allocNode(t, m, 0)
	}
	obj := allocNode(t, m, 5)
	hnd, err := h.CreateHandle(obj, HandlePinned)
	require.NoError(t, err)

	collect(t, m, Gen1)
	collect(t, m, Gen2)

	target, err := h.GetHandleTarget(hnd)
	require.NoError(t, err)
	require.Equal(t, obj, target)
	require.EqualValues(t, 5, h.ReadWord(target, 1))

	require.NoError(t, h.DestroyHandle(hnd))
	require.NoError(t, m.VerifyHeap())
}

func TestPinnedObjectHeap(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	f := m.PushFrame(1)
	defer f.Pop()
	obj, err := m.Allocate(bufferType, gclayout.NoPtrs, 256, AllocPinned)
	require.NoError(t, err)
	h.WriteWord(obj, 0, 0xdead)
	f.Set(0, obj)
	require.Equal(t, POH, h.GetGeneration(obj))

	collect(t, m, Gen2)
	require.Equal(t, obj, f.Get(0))
	require.EqualValues(t, 0xdead, h.ReadWord(obj, 0))
}

func TestLargeObjectReuse(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	f := m.PushFrame(1)
	defer f.Pop()
	const size = 16 << 10

	dead, err := m.Allocate(bufferType, gclayout.NoPtrs, size, 0)
	require.NoError(t, err)
	require.Equal(t, LOH, h.GetGeneration(dead))
	live, err := m.Allocate(bufferType, gclayout.NoPtrs, size, 0)
	require.NoError(t, err)
	h.WriteWord(live, 0, 42)
	f.Set(0, live)

	collect(t, m, Gen2)
	require.Equal(t, live, f.Get(0), "large objects never move")
	require.EqualValues(t, 42, h.ReadWord(live, 0))

	reused, err := m.Allocate(bufferType, gclayout.NoPtrs, size, 0)
	require.NoError(t, err)
	require.Equal(t, dead, reused, "the free space of the dead object is reused")
	require.Zero(t, h.ReadWord(reused, 0), "new objects are zeroed")
	require.NoError(t, m.VerifyHeap())
}

func TestOutOfMemory(t *testing.T) {
	cfg := testConfig()
	cfg.HeapHardLimit = 2 << 20
	h, m := newTestHeap(t, cfg)
	f := m.PushFrame(16)
	defer f.Pop()

	var oom error
	for i := 0; i < f.Len(); i++ {
		obj, err := m.Allocate(bufferType, gclayout.NoPtrs, 512<<10, 0)
		if err != nil {
			oom = err
			break
		}
		f.Set(i, obj)
	}
	require.ErrorIs(t, oom, ErrOutOfMemory)
	require.LessOrEqual(t, h.GetHeapStatistics().Committed, uint64(cfg.HeapHardLimit))

	// The heap is still usable once memory is freed.
	for i := 0; i < f.Len(); i++ {
		f.Set(i, 0)
	}
	collect(t, m, Gen2)
	_, err := m.Allocate(bufferType, gclayout.NoPtrs, 512<<10, 0)
	require.NoError(t, err)
}

func TestAllocateTooLarge(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	before := h.GetHeapStatistics()
	for _, size := range []uint64{math.MaxUint64, math.MaxUint64 - 3, MaxObjectSize + 1} {
		for _, flags := range []AllocFlags{0, AllocPinned} {
			obj, err := m.Allocate(bufferType, gclayout.NoPtrs, size, flags)
			require.ErrorIs(t, err, ErrOutOfMemory, "size %d", size)
			require.Zero(t, obj)
		}
	}
	after := h.GetHeapStatistics()
	require.Equal(t, before.Committed, after.Committed)
	require.Equal(t, soh(before), soh(after))

	obj, err := m.Allocate(bufferType, gclayout.NoPtrs, 24, 0)
	require.NoError(t, err)
	require.EqualValues(t, 24, h.SizeOf(obj))
	require.NoError(t, m.VerifyHeap())
}

func TestRootSet(t *testing.T) {
	var roots RootSet
	opts := testOptions(testConfig())
	opts.Roots = &roots
	h, m := newTestHeapWith(t, opts)

	for i := 0; i < 10; i++ {
		allocNode(t, m, 0)
	}
	var static Addr
	obj := allocNode(t, m, 9)
	static = obj
	roots.Add(&static, 0)

	collect(t, m, Gen0)
	require.NotEqual(t, obj, static, "the root is updated when its target moves")
	require.EqualValues(t, 9, h.ReadWord(static, 1))

	roots.Remove(&static)
	weak, err := h.CreateHandle(static, HandleWeak)
	require.NoError(t, err)
	collect(t, m, Gen1)
	target, err := h.GetHandleTarget(weak)
	require.NoError(t, err)
	require.Zero(t, target)
}

func TestStatistics(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	for i := 0; i < 50; i++ {
		allocNode(t, m, 0)
	}
	collect(t, m, Gen0)
	collect(t, m, Gen2)

	st := h.GetHeapStatistics()
	require.GreaterOrEqual(t, st.AllocatedObjects, uint64(50))
	require.GreaterOrEqual(t, st.AllocatedBytes, uint64(50*nodeSize))
	require.EqualValues(t, 2, st.Collections)
	require.EqualValues(t, 1, st.Generations[Gen2].Collections)
	require.EqualValues(t, 2, st.Generations[Gen0].Collections, "a gen2 collection also collects gen0")
	require.NotZero(t, st.Committed)

	var gcs GCStats
	h.ReadGCStats(&gcs)
	require.EqualValues(t, 2, gcs.NumGC)
	require.Len(t, gcs.Pause, 2)
	require.Len(t, gcs.PauseEnd, 2)
	require.False(t, gcs.PauseEnd[0].Before(gcs.PauseEnd[1]), "most recent pause first")
	require.Equal(t, gcs.PauseEnd[0], gcs.LastGC)
}

func TestHeapProfile(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	f := m.PushFrame(11)
	defer f.Pop()
	for i := 0; i < 10; i++ {
		f.Set(i, allocNode(t, m, 0))
	}
	large, err := m.Allocate(bufferType, gclayout.NoPtrs, 16<<10, 0)
	require.NoError(t, err)
	f.Set(10, large)

	var buf bytes.Buffer
	m.Preemptive(func() {
		err = h.WriteHeapProfile(&buf)
	})
	require.NoError(t, err)

	p, err := profile.Parse(&buf)
	require.NoError(t, err)
	require.Len(t, p.SampleType, 2)
	require.Equal(t, "objects", p.SampleType[0].Type)
	require.Equal(t, "space", p.SampleType[1].Type)

	counts := make(map[string]int64)
	for _, s := range p.Sample {
		name := s.Location[0].Line[0].Function.Name
		counts[name+"/"+s.Label["generation"][0]] += s.Value[0]
	}
	require.EqualValues(t, 10, counts["node/gen0"])
	require.EqualValues(t, 1, counts["buffer/loh"])
}

func TestTraceFile(t *testing.T) {
	cfg := testConfig()
	cfg.TraceFile = filepath.Join(t.TempDir(), "gc.trace")
	_, m := newTestHeap(t, cfg)

	collect(t, m, Gen0)
	collect(t, m, Gen2)

	data, err := os.ReadFile(cfg.TraceFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasPrefix(lines[0], "gc 1 @"), lines[0])
	require.Contains(t, lines[0], "gen0 induced")
	require.Contains(t, lines[1], "gen2 induced")
}

func TestDetachedAndShutdown(t *testing.T) {
	h, err := New(testOptions(testConfig()))
	require.NoError(t, err)
	m, err := h.AttachThread()
	require.NoError(t, err)

	m.Detach()
	_, err = m.Allocate(nodeType, nodeLayout, nodePayload, 0)
	require.ErrorIs(t, err, ErrNotAttached)
	require.ErrorIs(t, m.RequestCollection(Gen0, true), ErrNotAttached)

	require.NoError(t, h.Shutdown())
	require.ErrorIs(t, h.Shutdown(), ErrHeapShutdown)
	_, err = h.AttachThread()
	require.ErrorIs(t, err, ErrHeapShutdown)
	require.ErrorIs(t, h.RequestCollection(Gen0, true), ErrHeapShutdown)
}

func TestInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SegmentSize = 3 << 20
	_, err := New(testOptions(cfg))
	require.Error(t, err)
}
