package proptest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slopos/slopos/internal/mem"
	"github.com/slopos/slopos/internal/paging"
)

func freshPageMap(t *testing.T, numFrames int) (*mem.Allocator, *paging.PageMap) {
	t.Helper()
	a := mem.New([]mem.PhysRange{{Base: 0, Length: uint64(numFrames) * mem.PageSize}}, 0xffff800000000000, 1)
	a.Finalize()
	return a, paging.NewPageMap(a, 0)
}

// TestPagingIdempotence: map(v,p,f) twice leaves exactly the same PTE
// as a single map and frees no frames, across many randomly chosen
// virtual addresses.
func TestPagingIdempotence(t *testing.T) {
	a, pm := freshPageMap(t, 512)
	rng := rand.New(rand.NewSource(11))

	for i := 0; i < 200; i++ {
		va := mem.VirtAddr(uint64(rng.Intn(64)) * uint64(mem.PageSize))
		frame := a.AllocFrames(0, 1, mem.ZERO)
		require.NotZero(t, frame)
		flags := paging.User | paging.Writable

		require.True(t, pm.Map(0, va, frame, flags))
		before, beforeFlags, ok := pm.Translate(va)
		require.True(t, ok)

		require.True(t, pm.Map(0, va, frame, flags))
		after, afterFlags, ok := pm.Translate(va)
		require.True(t, ok)

		require.Equal(t, before, after)
		require.Equal(t, beforeFlags, afterFlags)

		a.FreeFrame(0, frame) // the first frame a later iteration's AllocFrames would otherwise never get back
	}
}

// TestMapUnmapRestoresLookupState: a virtual address that was never
// mapped looks
// identical (not present) before mapping and after unmapping it again.
func TestMapUnmapRestoresLookupState(t *testing.T) {
	a, pm := freshPageMap(t, 64)
	rng := rand.New(rand.NewSource(13))

	for i := 0; i < 100; i++ {
		va := mem.VirtAddr(uint64(rng.Intn(32)) * uint64(mem.PageSize))
		_, _, presentBefore := pm.Translate(va)
		require.False(t, presentBefore)

		frame := a.AllocFrames(0, 1, mem.ZERO)
		require.NotZero(t, frame)
		require.True(t, pm.Map(0, va, frame, paging.User|paging.Writable))

		got, ok := pm.Unmap(va)
		require.True(t, ok)
		require.Equal(t, frame, got)

		_, _, presentAfter := pm.Translate(va)
		require.False(t, presentAfter)
		a.FreeFrame(0, frame)
	}
}

// TestCOWCorrectnessUnderRandomWriter runs the COW invariant from both
// sides: after cloning a shared page, whichever side
// writes first gets its own private copy while the other side's contents
// are untouched, regardless of which side (parent or child) writes.
func TestCOWCorrectnessUnderRandomWriter(t *testing.T) {
	rng := rand.New(rand.NewSource(99))

	for trial := 0; trial < 50; trial++ {
		a, parent := freshPageMap(t, 64)
		child := paging.NewPageMap(a, 0)

		va := mem.VirtAddr(0x2000)
		frame := a.AllocFrames(0, 1, mem.ZERO)
		require.NotZero(t, frame)
		original := byte(trial)
		a.Dmap(frame)[0] = original
		require.True(t, parent.Map(0, va, frame, paging.User|paging.Writable))

		parent.CloneUserRange(0, child, va, va+mem.PageSize)
		require.EqualValues(t, 2, a.GetRef(frame))

		writerFirst, other := parent, child
		if rng.Intn(2) == 1 {
			writerFirst, other = child, parent
		}

		require.True(t, writerFirst.ResolveCOW(0, va))
		writerPhys, writerFlags, ok := writerFirst.Translate(va)
		require.True(t, ok)
		require.True(t, writerFlags.Has(paging.Writable))
		a.Dmap(writerPhys)[0] = original + 1

		otherPhys, _, ok := other.Translate(va)
		require.True(t, ok)
		require.Equal(t, original, a.Dmap(otherPhys)[0], "trial %d: non-writer side mutated by the other's COW split", trial)
		require.EqualValues(t, 1, a.GetRef(frame))
	}
}
