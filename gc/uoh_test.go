package gc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinygo-org/gengc/internal/gclayout"
)

func TestFreeList(t *testing.T) {
	var l freeList
	_, _, ok := l.pop(64)
	require.False(t, ok)

	l.insert(0x1000, 128)
	l.insert(0x2000, 64)
	l.insert(0x3000, 128)
	l.insert(0x4000, 1024)
	require.Equal(t, 4, l.count)
	require.EqualValues(t, 128+64+128+1024, l.total)

	// Exact fit.
	addr, n, ok := l.pop(64)
	require.True(t, ok)
	require.Equal(t, Addr(0x2000), addr)
	require.EqualValues(t, 64, n)

	// The smallest range that fits.
	addr, n, ok = l.pop(112)
	require.True(t, ok)
	require.EqualValues(t, 128, n)
	require.Contains(t, []Addr{0x1000, 0x3000}, addr)
	require.Equal(t, 2, l.count, "the leftover is too small to keep")

	// A split keeps the leftover on the list.
	addr, n, ok = l.pop(512)
	require.True(t, ok)
	require.EqualValues(t, 1024, n)
	require.Equal(t, Addr(0x4000), addr)
	var ranges []Addr
	l.forEach(func(a Addr, n uint64) {
		if n == 512 {
			ranges = append(ranges, a)
		}
	})
	require.Equal(t, []Addr{0x4000 + 512}, ranges)
	require.Equal(t, 2, l.count)
	require.EqualValues(t, 128+512, l.total)

	_, _, ok = l.pop(4096)
	require.False(t, ok)

	var total uint64
	count := 0
	l.forEach(func(a Addr, n uint64) {
		total += n
		count++
	})
	require.Equal(t, l.total, total)
	require.Equal(t, l.count, count)

	l.reset()
	require.Zero(t, l.count)
	require.Zero(t, l.total)
}

func TestLargeObjectSweep(t *testing.T) {
	h, m := newTestHeap(t, testConfig())
	f := m.PushFrame(3)
	defer f.Pop()

	size := uint64(h.Config().LargeObjectThreshold)
	for i := 0; i < 3; i++ {
		obj, err := m.Allocate(bufferType, gclayout.NoPtrs, size, 0)
		require.NoError(t, err)
		require.Equal(t, LOH, h.GetGeneration(obj))
		f.Set(i, obj)
	}
	first := f.Get(0)
	f.Set(0, 0)
	f.Set(2, 0)
	collect(t, m, Gen2)

	// The dead object before a survivor is on the free list. The dead
	// trailing object is gone.
	require.Equal(t, 1, h.lohFree.count)
	require.EqualValues(t, HeaderSize+size, h.lohFree.total)
	require.EqualValues(t, 2*(HeaderSize+size), h.GetHeapStatistics().Generations[LOH].Size)
	require.NoError(t, m.VerifyHeap())

	obj, err := m.Allocate(bufferType, gclayout.NoPtrs, size, 0)
	require.NoError(t, err)
	require.Equal(t, first, obj)
	require.Zero(t, h.lohFree.count)
}
