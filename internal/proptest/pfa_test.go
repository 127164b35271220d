// Package proptest holds the property-based suite: randomized, seeded
// interleavings that check cross-cutting invariants, layered on top of
// each subsystem's own example-based unit tests (internal/mem,
// internal/paging, internal/proc, internal/fd,
// internal/ufs already cover the deterministic cases this package
// fuzzes around). Every test here uses a fixed math/rand seed so a
// failure is reproducible.
package proptest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slopos/slopos/internal/mem"
)

// TestPFAConservationUnderRandomInterleaving drives randomly-ordered
// alloc/free calls spread across several CPUs' per-CPU caches and
// checks frame conservation after every single operation:
// free + allocated + reserved + pcp_cached == tracked.
func TestPFAConservationUnderRandomInterleaving(t *testing.T) {
	const numCPUs = 4
	a := mem.New([]mem.PhysRange{{Base: 0, Length: 1024 * mem.PageSize}}, 0xffff800000000000, numCPUs)
	a.Finalize()
	a.ArmPCP()

	rng := rand.New(rand.NewSource(42))
	var live []mem.PhysAddr
	for i := 0; i < 3000; i++ {
		cpu := rng.Intn(numCPUs)
		if len(live) == 0 || rng.Intn(2) == 0 {
			order := rng.Intn(4) // counts of 1, 2, 4 or 8 frames
			p := a.AllocFrames(cpu, 1<<order, 0)
			if p != 0 {
				live = append(live, p)
			}
		} else {
			idx := rng.Intn(len(live))
			a.FreeFrame(cpu, live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}

		c := a.Snapshot()
		require.Equalf(t, c.Tracked, c.Allocated+c.Free+c.Reserved+c.PCPCached,
			"conservation violated after op %d", i)
	}

	for _, p := range live {
		a.FreeFrame(0, p)
	}
	c := a.Snapshot()
	require.Zero(t, c.Allocated)
	require.Equal(t, c.Tracked, c.Free+c.Reserved+c.PCPCached)
}

// TestBuddyIntegrityFullReclaim exercises buddy-coalescing integrity
// indirectly: after any random sequence of same-order
// allocations are all freed, the allocator must be able to satisfy a
// single allocation spanning the entire pool again, which is only
// possible if every freed block coalesced back up with its buddy at
// every order rather than leaking fragmented free blocks.
func TestBuddyIntegrityFullReclaim(t *testing.T) {
	const totalFrames = 256
	a := mem.New([]mem.PhysRange{{Base: totalFrames * mem.PageSize, Length: totalFrames * mem.PageSize}}, 0, 1)
	a.Finalize()

	rng := rand.New(rand.NewSource(7))
	orders := []int{0, 1, 2, 3, 4}
	for trial := 0; trial < 20; trial++ {
		var live []mem.PhysAddr
		for {
			order := orders[rng.Intn(len(orders))]
			p := a.AllocFrames(0, 1<<order, 0)
			if p == 0 {
				break
			}
			live = append(live, p)
		}
		rng.Shuffle(len(live), func(i, j int) { live[i], live[j] = live[j], live[i] })
		for _, p := range live {
			a.FreeFrame(0, p)
		}

		whole := a.AllocFrames(0, totalFrames, 0)
		require.NotZerof(t, whole, "trial %d: pool failed to coalesce back to one free block", trial)
		a.FreeFrame(0, whole)
	}
}
