package paging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slopos/slopos/internal/mem"
)

func freshAlloc(t *testing.T) *mem.Allocator {
	t.Helper()
	a := mem.New([]mem.PhysRange{{Base: 0, Length: 256 * mem.PageSize}}, 0xffff800000000000, 1)
	a.Finalize()
	return a
}

func TestMapTranslateRoundTrip(t *testing.T) {
	a := freshAlloc(t)
	pm := NewPageMap(a, 0)

	frame := a.AllocFrames(0, 1, mem.ZERO)
	require.NotZero(t, frame)
	va := mem.VirtAddr(0x0000_4000_0000)
	require.True(t, pm.Map(0, va, frame, User|Writable))

	got, flags, ok := pm.Translate(va)
	require.True(t, ok)
	require.Equal(t, frame, got)
	require.True(t, flags.Has(Writable))
}

func TestUnmapIsIdempotentWithRemap(t *testing.T) {
	a := freshAlloc(t)
	pm := NewPageMap(a, 0)
	frame := a.AllocFrames(0, 1, mem.ZERO)
	va := mem.VirtAddr(0x0000_4000_1000)
	pm.Map(0, va, frame, User|Writable)

	got, ok := pm.Unmap(va)
	require.True(t, ok)
	require.Equal(t, frame, got)

	_, ok = pm.Unmap(va)
	require.False(t, ok)

	_, _, ok = pm.Translate(va)
	require.False(t, ok)
}

func TestCOWSharesThenSplitsOnWrite(t *testing.T) {
	a := freshAlloc(t)
	parent := NewPageMap(a, 0)
	child := NewPageMap(a, 0)

	frame := a.AllocFrames(0, 1, mem.ZERO)
	va := mem.VirtAddr(0x0000_5000_0000)
	parent.Map(0, va, frame, User|Writable)

	parent.CloneUserRange(0, child, va, va+mem.PageSize)
	require.EqualValues(t, 2, a.GetRef(frame))

	_, flags, ok := parent.Translate(va)
	require.True(t, ok)
	require.True(t, flags.Has(COW))
	require.False(t, flags.Has(Writable))

	require.True(t, child.ResolveCOW(0, va))
	childPhys, childFlags, ok := child.Translate(va)
	require.True(t, ok)
	require.True(t, childFlags.Has(Writable))
	require.NotEqual(t, frame, childPhys)
	require.EqualValues(t, 1, a.GetRef(frame))
}

func TestResolveCOWSoleOwnerSkipsCopy(t *testing.T) {
	a := freshAlloc(t)
	pm := NewPageMap(a, 0)
	frame := a.AllocFrames(0, 1, mem.ZERO)
	va := mem.VirtAddr(0x0000_6000_0000)
	pm.Map(0, va, frame, User|Writable)
	pm.MarkCOW(va)

	require.True(t, pm.ResolveCOW(0, va))
	got, flags, ok := pm.Translate(va)
	require.True(t, ok)
	require.Equal(t, frame, got)
	require.True(t, flags.Has(Writable))
}

func TestGenerationAdvancesOnStructuralChange(t *testing.T) {
	a := freshAlloc(t)
	pm := NewPageMap(a, 0)
	g0 := pm.Generation()
	frame := a.AllocFrames(0, 1, mem.ZERO)
	pm.Map(0, mem.VirtAddr(0x0000_7000_0000), frame, User)
	require.Greater(t, pm.Generation(), g0)
}
