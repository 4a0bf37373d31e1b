package gc

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tinygo-org/gengc/internal/gclayout"
)

func TestBackgroundCollection(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrentEnabled = true
	h, m := newTestHeap(t, cfg)
	require.NotNil(t, h.bgc)

	const slots = 64
	f := m.PushFrame(1)
	defer f.Pop()
	old, err := m.Allocate(arrayType, gclayout.Pointer, slots*wordSize, 0)
	require.NoError(t, err)
	f.Set(0, old)
	collect(t, m, Gen2)
	collect(t, m, Gen2)
	require.Equal(t, Gen2, h.GetGeneration(f.Get(0)))

	before := h.GetHeapStatistics().BackgroundCollections
	require.NoError(t, m.RequestCollection(Gen2, false))

	// Store young objects into the old array while the collection marks.
	for i := 0; i < slots; i++ {
		child := allocNode(t, m, uint64(i))
		h.WriteRef(f.Get(0), i, child)
		if i%8 == 0 {
			m.Preemptive(func() { time.Sleep(time.Millisecond) })
		}
	}

	deadline := time.Now().Add(10 * time.Second)
	for h.GetHeapStatistics().BackgroundCollections == before {
		require.True(t, time.Now().Before(deadline), "background collection did not finish")
		m.Preemptive(func() { time.Sleep(time.Millisecond) })
	}
	require.NoError(t, m.VerifyHeap())

	collect(t, m, Gen0)
	for i := 0; i < slots; i++ {
		child := h.ReadRef(f.Get(0), i)
		require.NotZero(t, child)
		require.EqualValues(t, i, h.ReadWord(child, 1))
	}
	require.NoError(t, m.VerifyHeap())
}

func TestBlockingCollectionEscalatesBackground(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrentEnabled = true
	h, m := newTestHeap(t, cfg)

	f := m.PushFrame(1)
	defer f.Pop()
	buildList(t, m, f, 0, 500)

	require.NoError(t, m.RequestCollection(Gen2, false))
	// A blocking request can't wait for the background collection to
	// finish on its own; it finishes it and then runs.
	collect(t, m, Gen2)
	st := h.GetHeapStatistics()
	require.EqualValues(t, 1, st.BackgroundCollections)
	require.False(t, h.backgroundRunning())
	checkList(t, h, f.Get(0), 500)
	require.NoError(t, m.VerifyHeap())
}

func TestFinishBackground(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrentEnabled = true
	h, m := newTestHeap(t, cfg)
	f := m.PushFrame(1)
	defer f.Pop()
	buildList(t, m, f, 0, 500)

	// Without escalation the lock is given up while a cycle runs.
	require.NoError(t, m.RequestCollection(Gen2, false))
	h.lockCollection(m.thread)
	if h.finishBackground(m.thread, false) {
		require.False(t, h.backgroundRunning())
		h.gcMu.Unlock()
	}
	// Not held by this thread any more.
	h.lockCollection(m.thread)
	h.gcMu.Unlock()

	// With escalation it returns with the lock held and no cycle running.
	require.NoError(t, m.RequestCollection(Gen2, false))
	h.lockCollection(m.thread)
	require.True(t, h.finishBackground(m.thread, true))
	require.False(t, h.backgroundRunning())
	require.False(t, h.gcMu.TryLock())
	h.gcMu.Unlock()
	checkList(t, h, f.Get(0), 500)
	require.NoError(t, m.VerifyHeap())
}

func TestMarkerInterrupt(t *testing.T) {
	mk := newMarker(nil)
	mk.put([]Addr{0x1000})
	mk.interrupt()
	require.False(t, mk.stopped.Load(), "outside of the concurrent phase")

	mk.setConcurrent(true)
	mk.interrupt()
	require.True(t, mk.stopped.Load())
	_, ok := mk.get()
	require.False(t, ok)
	require.True(t, mk.hasWork(), "unscanned objects are kept")

	// The final run drains the overflow list whatever happens.
	mk.setConcurrent(false)
	require.False(t, mk.stopped.Load())
	mk.interrupt()
	require.False(t, mk.stopped.Load())
	chunk, ok := mk.get()
	require.True(t, ok)
	require.Equal(t, []Addr{0x1000}, chunk)
}

func TestHeapWalkFinishesBackground(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrentEnabled = true
	h, m := newTestHeap(t, cfg)
	f := m.PushFrame(1)
	defer f.Pop()
	buildList(t, m, f, 0, 2000)

	before := h.GetHeapStatistics().BackgroundCollections
	require.NoError(t, m.RequestCollection(Gen2, false))
	var buf bytes.Buffer
	var err error
	m.Preemptive(func() {
		err = h.WriteHeapProfile(&buf)
	})
	require.NoError(t, err)
	require.NotZero(t, buf.Len())
	require.False(t, h.backgroundRunning())
	after := h.GetHeapStatistics().BackgroundCollections
	require.Greater(t, after, before)

	require.NoError(t, m.RequestCollection(Gen2, false))
	require.NoError(t, m.VerifyHeap())
	require.False(t, h.backgroundRunning())
	require.Greater(t, h.GetHeapStatistics().BackgroundCollections, after)
	checkList(t, h, f.Get(0), 2000)
}

func TestConcurrentMutators(t *testing.T) {
	cfg := testConfig()
	cfg.ConcurrentEnabled = true
	h, m := newTestHeap(t, cfg)

	const (
		workers = 4
		rounds  = 30
	)
	large := uint64(cfg.LargeObjectThreshold)

	// Each worker keeps a list of n nodes in slot 0 and a large buffer in
	// slot 1 and checks the list after every collection it requests.
	worker := func(w int) error {
		wm, err := h.AttachThread()
		if err != nil {
			return err
		}
		defer wm.Detach()
		f := wm.PushFrame(2)
		defer f.Pop()

		check := func(n int) error {
			head := f.Get(0)
			for v := n - 1; v >= 0; v-- {
				if head == 0 {
					return fmt.Errorf("worker %d: list ends at %d", w, v)
				}
				if got := h.ReadWord(head, 1); got != uint64(v) {
					return fmt.Errorf("worker %d: node %d holds %d", w, v, got)
				}
				head = h.ReadRef(head, 0)
			}
			if head != 0 {
				return fmt.Errorf("worker %d: list longer than %d", w, n)
			}
			return nil
		}

		for round := 0; round < rounds; round++ {
			n := 100 + 50*w
			f.Set(0, 0)
			for v := 0; v < n; v++ {
				obj, err := wm.Allocate(nodeType, nodeLayout, nodePayload, 0)
				if err != nil {
					return err
				}
				h.WriteWord(obj, 1, uint64(v))
				h.WriteRef(obj, 0, f.Get(0))
				f.Set(0, obj)
			}
			if round%3 == w%3 {
				buf, err := wm.Allocate(bufferType, gclayout.NoPtrs, large, 0)
				if err != nil {
					return err
				}
				f.Set(1, buf)
			}

			gen := Generation(round % 3)
			blocking := (round+w)%2 == 0
			if err := wm.RequestCollection(gen, blocking); err != nil {
				return fmt.Errorf("worker %d: %s collection: %w", w, gen, err)
			}
			if err := check(n); err != nil {
				return err
			}
			wm.SafePoint()
		}
		return nil
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error { return worker(w) })
	}
	var err error
	m.Preemptive(func() {
		err = g.Wait()
	})
	require.NoError(t, err)

	require.NoError(t, m.VerifyHeap())
	require.False(t, h.backgroundRunning())
	st := h.GetHeapStatistics()
	require.NotZero(t, st.Generations[Gen0].Collections)
	require.NotZero(t, st.Generations[Gen2].Collections)
}

// buildList stores a list of n nodes holding n-1 down to 0 in slot i of f.
func buildList(t *testing.T, m *Mutator, f *Frame, i, n int) {
	t.Helper()
	for v := 0; v < n; v++ {
		obj := allocNode(t, m, uint64(v))
		m.heap.WriteRef(obj, 0, f.Get(i))
		f.Set(i, obj)
	}
}

func checkList(t *testing.T, h *Heap, head Addr, n int) {
	t.Helper()
	for v := n - 1; v >= 0; v-- {
		require.NotZero(t, head)
		require.EqualValues(t, v, h.ReadWord(head, 1))
		head = h.ReadRef(head, 0)
	}
	require.Zero(t, head)
}
