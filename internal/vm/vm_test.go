package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slopos/slopos/internal/mem"
	"github.com/slopos/slopos/internal/paging"
)

func newTestAllocator(t *testing.T) *mem.Allocator {
	t.Helper()
	a := mem.New([]mem.PhysRange{{Base: 0, Length: 512 * mem.PageSize}}, 0xffff800000000000, 1)
	a.Finalize()
	return a
}

// TestForkCOWIsolatesWrites: a page written
// before fork is visible identically to both sides; a write by either side
// afterward is private and does not leak to the other, and the writer's
// post-fault frame ends up with a reference count of exactly 1.
func TestForkCOWIsolatesWrites(t *testing.T) {
	alloc := newTestAllocator(t)
	const cpu = 0
	const va = mem.VirtAddr(0x4000)

	parent := New(alloc, cpu)
	parent.AddAnon(va, mem.PageSize, paging.User|paging.Writable)

	require.Zero(t, parent.CopyIn(cpu, []byte{0xAB}, va))

	child := New(alloc, cpu)
	parent.Fork(cpu, child)

	// Both sides see the pre-fork byte.
	buf := make([]byte, 1)
	require.Zero(t, child.CopyOut(cpu, va, buf))
	require.Equal(t, byte(0xAB), buf[0])

	// Child writes byte 1; parent must not observe it.
	require.Zero(t, child.CopyIn(cpu, []byte{0xCD}, va+1))
	require.Zero(t, parent.CopyOut(cpu, va+1, buf))
	require.Equal(t, byte(0), buf[0], "parent observed the child's private write")

	// Child's copy of byte 0 is untouched by its write to byte 1.
	require.Zero(t, child.CopyOut(cpu, va, buf))
	require.Equal(t, byte(0xAB), buf[0])

	childPhys, _, ok := child.Pmap.Translate(va)
	require.True(t, ok)
	require.Equal(t, uint32(1), alloc.GetRef(childPhys), "writer's post-COW frame must be solely owned")
}

// TestPageFaultRejectsWriteToReadOnlyVMA checks that a write fault against
// a VMA without the Writable permission bit is rejected rather than
// silently mapped.
func TestPageFaultRejectsWriteToReadOnlyVMA(t *testing.T) {
	alloc := newTestAllocator(t)
	const cpu = 0
	const va = mem.VirtAddr(0x8000)

	as := New(alloc, cpu)
	as.AddAnon(va, mem.PageSize, paging.User)

	err := as.PageFault(cpu, va, true)
	require.NotZero(t, err)
}

// TestGuardPageAlwaysFaults checks the zero-permission guard page
// convention: neither a read nor a write fault resolves it.
func TestGuardPageAlwaysFaults(t *testing.T) {
	alloc := newTestAllocator(t)
	const cpu = 0
	const va = mem.VirtAddr(0xc000)

	as := New(alloc, cpu)
	as.AddGuard(va, mem.PageSize)

	require.NotZero(t, as.PageFault(cpu, va, false))
	require.NotZero(t, as.PageFault(cpu, va, true))
}

// TestBrkShrinkFreesFrames checks that shrinking the heap via Brk
// immediately unmaps and frees the frames in the relinquished range.
func TestBrkShrinkFreesFrames(t *testing.T) {
	alloc := newTestAllocator(t)
	const cpu = 0
	const heapStart = mem.VirtAddr(0x10000)
	const heapLen = 4 * mem.PageSize

	as := New(alloc, cpu)
	as.AddAnon(heapStart, heapLen, paging.User|paging.Writable)
	for va := heapStart; va < heapStart+heapLen; va += mem.PageSize {
		require.Zero(t, as.PageFault(cpu, va, true))
	}

	before := alloc.Snapshot().Allocated
	require.Zero(t, as.Brk(cpu, heapStart+heapLen, heapStart+mem.PageSize))
	after := alloc.Snapshot().Allocated
	require.Equal(t, before-3, after, "shrinking by 3 pages should free exactly 3 frames")
}
