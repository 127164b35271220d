package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func freshAllocator(t *testing.T) *Allocator {
	t.Helper()
	a := New([]PhysRange{{Base: 0, Length: 64 * PageSize}}, 0xffff800000000000, 2)
	a.Finalize()
	return a
}

func TestConservationInvariant(t *testing.T) {
	a := freshAllocator(t)
	c := a.Snapshot()
	require.Equal(t, c.Tracked, c.Allocated+c.Free+c.Reserved)

	var allocated []PhysAddr
	for i := 0; i < 10; i++ {
		p := a.AllocFrames(0, 1, 0)
		require.NotZero(t, p)
		allocated = append(allocated, p)
	}
	c = a.Snapshot()
	require.Equal(t, c.Tracked, c.Allocated+c.Free+c.Reserved+c.PCPCached)
	require.EqualValues(t, 10, c.Allocated)

	for _, p := range allocated {
		a.FreeFrame(0, p)
	}
	c = a.Snapshot()
	require.Zero(t, c.Allocated)
	require.Equal(t, c.Tracked, c.Free+c.Reserved)
}

func TestBuddyCoalescesOnFree(t *testing.T) {
	a := freshAllocator(t)
	before := a.Snapshot()

	p := a.AllocFrames(0, 4, 0) // order 2
	require.NotZero(t, p)
	idx, ok := a.frameIndex(p)
	require.True(t, ok)
	require.EqualValues(t, 2, a.frames[idx].Order)

	a.FreeFrame(0, p)

	after := a.Snapshot()
	require.Equal(t, before, after)
}

func TestMultiPageAllocIsNaturallyAligned(t *testing.T) {
	a := freshAllocator(t)
	p := a.AllocFrames(0, 8, 0)
	require.NotZero(t, p)
	require.Zero(t, uint64(p)%(8*PageSize))
}

func TestRefCountedFrameSurvivesOneFree(t *testing.T) {
	a := freshAllocator(t)
	p := a.AllocFrames(0, 1, 0)
	require.NotZero(t, p)
	a.IncRef(p)
	require.EqualValues(t, 2, a.GetRef(p))

	a.FreeFrame(0, p)
	require.EqualValues(t, 1, a.GetRef(p))

	a.FreeFrame(0, p)
	c := a.Snapshot()
	require.Zero(t, c.Allocated)
}

func TestPCPFastPathRoundTrips(t *testing.T) {
	a := freshAllocator(t)
	a.ArmPCP()
	p := a.AllocFrames(0, 1, 0)
	require.NotZero(t, p)
	a.FreeFrame(0, p)
	c := a.Snapshot()
	require.Equal(t, int64(pcpBatch), c.PCPCached)

	p2 := a.AllocFrames(0, 1, 0)
	require.Equal(t, p, p2)
}

func TestZeroFlagZeroesFrame(t *testing.T) {
	a := freshAllocator(t)
	p := a.AllocFrames(0, 1, 0)
	buf := a.Dmap(p)
	for i := range buf {
		buf[i] = 0xAA
	}
	a.FreeFrame(0, p)

	p2 := a.AllocFrames(0, 1, ZERO)
	buf2 := a.Dmap(p2)
	for _, b := range buf2 {
		require.Zero(t, b)
	}
}

func TestOutOfMemoryReturnsZero(t *testing.T) {
	a := New([]PhysRange{{Base: 0, Length: 4 * PageSize}}, 0, 1)
	a.Finalize()
	got := a.AllocFrames(0, 1, 0)
	require.NotZero(t, got)
	got = a.AllocFrames(0, 8, 0) // bigger than the whole pool
	require.Zero(t, got)
}
