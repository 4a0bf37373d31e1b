package gc

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/gengc/internal/gclayout"
)

func allocFinalizable(t *testing.T, m *Mutator, value uint64) Addr {
	t.Helper()
	obj, err := m.Allocate(finalType, gclayout.NoPtrs, 8, 0)
	require.NoError(t, err)
	m.heap.WriteWord(obj, 0, value)
	return obj
}

// soh returns the size of the small object generations.
func soh(st HeapStatistics) uint64 {
	return st.Generations[Gen0].Size + st.Generations[Gen1].Size + st.Generations[Gen2].Size
}

func TestFinalizerRunsBeforeReclamation(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	var ran []uint64
	h.RegisterType(finalType, TypeInfo{
		Name:      "finalizable",
		Finalizer: func(m *Mutator, obj Addr) {
			ran = append(ran, m.heap.ReadWord(obj, 0))
		},
	})

	obj := allocFinalizable(t, m, 42)
	short, err := h.CreateHandle(obj, HandleWeak)
	require.NoError(t, err)
	long, err := h.CreateHandle(obj, HandleWeakTrackResurrection)
	require.NoError(t, err)

	// First collection: the object is unreachable but waits for its
	// finalizer instead of being reclaimed.
	collect(t, m, Gen2)
	st := h.GetHeapStatistics()
	require.Equal(t, 1, st.PendingFinalizers)
	require.NotZero(t, soh(st))
	target, err := h.GetHandleTarget(short)
	require.NoError(t, err)
	require.Zero(t, target, "short weak handles don't track resurrection")
	target, err = h.GetHandleTarget(long)
	require.NoError(t, err)
	require.NotZero(t, target)
	require.Empty(t, ran)

	require.Equal(t, 1, m.RunFinalizers())
	require.Equal(t, []uint64{42}, ran)

	// Second collection: the object is reclaimed.
	collect(t, m, Gen2)
	st = h.GetHeapStatistics()
	require.Zero(t, st.PendingFinalizers)
	require.EqualValues(t, 1, st.FinalizersRun)
	require.Zero(t, soh(st))
	target, err = h.GetHandleTarget(long)
	require.NoError(t, err)
	require.Zero(t, target)

	// The finalizer ran only once.
	collect(t, m, Gen2)
	require.Zero(t, m.RunFinalizers())
	require.Len(t, ran, 1)
	require.NoError(t, m.VerifyHeap())
}

func TestFinalizerResurrection(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	var saved Handle
	runs := 0
	h.RegisterType(finalType, TypeInfo{
		Finalizer: func(m *Mutator, obj Addr) {
			runs++
			if runs == 1 {
				var err error
				saved, err = m.heap.CreateHandle(obj, HandleStrong)
				require.NoError(t, err)
				require.True(t, m.heap.ReRegisterForFinalize(obj))
			}
		},
	})

	allocFinalizable(t, m, 5)
	collect(t, m, Gen0)
	require.Equal(t, 1, m.RunFinalizers())
	require.NotZero(t, saved)

	// Resurrected: it survives and keeps its contents.
	collect(t, m, Gen2)
	require.Zero(t, m.RunFinalizers())
	obj, err := h.GetHandleTarget(saved)
	require.NoError(t, err)
	require.EqualValues(t, 5, h.ReadWord(obj, 0))

	// Re-registered: the finalizer runs again when it dies again.
	require.NoError(t, h.DestroyHandle(saved))
	collect(t, m, Gen2)
	require.Equal(t, 1, m.RunFinalizers())
	require.Equal(t, 2, runs)
	require.NoError(t, m.VerifyHeap())
}

func TestSuppressFinalize(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	runs := 0
	h.RegisterType(finalType, TypeInfo{
		Finalizer: func(m *Mutator, obj Addr) { runs++ },
	})

	obj := allocFinalizable(t, m, 0)
	h.SuppressFinalize(obj)
	require.False(t, h.ReRegisterForFinalize(allocNode(t, m, 0)), "nodes have no finalizer")
	collect(t, m, Gen0)
	require.Zero(t, h.GetHeapStatistics().PendingFinalizers)
	require.Zero(t, m.RunFinalizers())
	require.Zero(t, runs)
}

func TestFinalizerPanic(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	h.RegisterType(finalType, TypeInfo{
		Finalizer: func(m *Mutator, obj Addr) { panic("finalizer failure") },
	})
	allocFinalizable(t, m, 0)
	allocFinalizable(t, m, 0)
	collect(t, m, Gen0)
	require.Equal(t, 2, m.RunFinalizers(), "a panicking finalizer does not stop the others")
	require.Zero(t, h.GetHeapStatistics().PendingFinalizers)
}

func TestFinalizerGoroutine(t *testing.T) {
	opts := testOptions(testConfig())
	opts.ManualFinalization = false
	h, m := newTestHeapWith(t, opts)
	var runs atomic.Int32
	h.RegisterType(finalType, TypeInfo{
		Finalizer: func(m *Mutator, obj Addr) { runs.Add(1) },
	})

	const n = 20
	for i := 0; i < n; i++ {
		allocFinalizable(t, m, uint64(i))
	}
	collect(t, m, Gen0)
	m.WaitForPendingFinalizers()
	require.EqualValues(t, n, runs.Load())
	require.Zero(t, h.GetHeapStatistics().PendingFinalizers)
}

func TestSuppressFinalizeWhileReady(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	runs := 0
	h.RegisterType(finalType, TypeInfo{
		Finalizer: func(m *Mutator, obj Addr) { runs++ },
	})

	allocFinalizable(t, m, 0)
	collect(t, m, Gen0)
	require.Equal(t, 1, h.GetHeapStatistics().PendingFinalizers)

	// The object waits for its finalizer. Only the ready list keeps it
	// alive, so find it there.
	var obj Addr
	h.final.forEachRegistered(func(a Addr, ready bool) {
		if ready {
			obj = a
		}
	})
	require.NotZero(t, obj)
	h.SuppressFinalize(obj)

	require.Zero(t, m.RunFinalizers())
	require.Zero(t, runs)
	st := h.GetHeapStatistics()
	require.Zero(t, st.PendingFinalizers)
	require.Zero(t, st.FinalizersRun)

	collect(t, m, Gen2)
	require.Zero(t, soh(h.GetHeapStatistics()))
	require.Zero(t, m.RunFinalizers())
	require.NoError(t, m.VerifyHeap())
}

func TestReRegisterWhileReady(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	var saved Handle
	runs := 0
	h.RegisterType(finalType, TypeInfo{
		Finalizer: func(m *Mutator, obj Addr) {
			runs++
			if runs == 1 {
				var err error
				saved, err = m.heap.CreateHandle(obj, HandleStrong)
				require.NoError(t, err)
			}
		},
	})

	allocFinalizable(t, m, 7)
	collect(t, m, Gen0)
	var obj Addr
	h.final.forEachRegistered(func(a Addr, ready bool) {
		if ready {
			obj = a
		}
	})
	require.NotZero(t, obj)
	require.True(t, h.ReRegisterForFinalize(obj))

	// The pending finalizer still runs once, then the object is registered
	// again.
	require.Equal(t, 1, m.RunFinalizers())
	require.Equal(t, 1, runs)
	collect(t, m, Gen2)
	require.Zero(t, m.RunFinalizers(), "resurrected by the first run")

	require.NoError(t, h.DestroyHandle(saved))
	collect(t, m, Gen2)
	require.Equal(t, 1, m.RunFinalizers())
	require.Equal(t, 2, runs)

	collect(t, m, Gen2)
	require.Zero(t, soh(h.GetHeapStatistics()))
	require.NoError(t, m.VerifyHeap())
}

func TestSuppressThenReRegisterWhileReady(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	runs := 0
	h.RegisterType(finalType, TypeInfo{
		Finalizer: func(m *Mutator, obj Addr) { runs++ },
	})

	allocFinalizable(t, m, 0)
	collect(t, m, Gen0)
	var obj Addr
	h.final.forEachRegistered(func(a Addr, ready bool) {
		if ready {
			obj = a
		}
	})
	h.SuppressFinalize(obj)
	require.True(t, h.ReRegisterForFinalize(obj))

	// The finalizer is wanted again, but only once.
	require.Equal(t, 1, m.RunFinalizers())
	collect(t, m, Gen2)
	require.Zero(t, m.RunFinalizers())
	require.Equal(t, 1, runs)
	require.Zero(t, soh(h.GetHeapStatistics()))
}
