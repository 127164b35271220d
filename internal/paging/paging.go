// Package paging implements the 4-level x86_64 page table walker: PML4,
// PDPT, PD and PT tables built from frames handed out by internal/mem,
// copy-on-write bookkeeping, and cross-CPU TLB shootdown. Page tables
// are ordinary mem.Allocator frames addressed through mem.Allocator.Dmap;
// there is no recursive mapping trick and no real TLB underneath, only
// the bookkeeping a TLB shootdown protocol requires. The
// four-level walk structure, the PTE flag bit layout, and the
// "walk-or-create" split between Translate and Map follow the hardware
// walk exactly.
package paging

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/slopos/slopos/internal/mem"
)

// PTE is one page table entry: a physical frame address plus flag bits,
// matching the x86_64 hardware layout.
type PTE uint64

const (
	Present PTE = 1 << 0
	Writable PTE = 1 << 1
	User     PTE = 1 << 2
	WriteThrough PTE = 1 << 3
	CacheDisable PTE = 1 << 4
	Accessed PTE = 1 << 5
	Dirty    PTE = 1 << 6
	Huge     PTE = 1 << 7 // PS bit at PD/PDPT level
	Global   PTE = 1 << 8
	// COW is a software-only bit (ignored by real hardware, bit 9): set on
	// a PTE that shares a frame between address spaces until a write
	// fault splits it.
	COW PTE = 1 << 9
	NX  PTE = 1 << 63

	addrMask PTE = 0x000ffffffffff000
)

func (e PTE) Addr() mem.PhysAddr { return mem.PhysAddr(e & addrMask) }
func (e PTE) Has(flag PTE) bool  { return e&flag != 0 }

const entriesPerTable = 512

type table [entriesPerTable]PTE

// level identifies PML4 (3) down to PT (0); level c covers address bits
// 12+9*c and up.
type level int

const (
	levelPT level = iota
	levelPD
	levelPDPT
	levelPML4
)

func shift(l level) uint {
	return 12 + 9*uint(l)
}

func index(virt mem.VirtAddr, l level) uint64 {
	return (uint64(virt) >> shift(l)) & 0x1ff
}

// PageMap is one address space's root page table plus the allocator that
// backs every intermediate table and leaf frame.
type PageMap struct {
	alloc *mem.Allocator
	root  mem.PhysAddr
	gen   atomic.Uint64
	mu    sync.Mutex
}

// NewPageMap allocates a zeroed PML4 root table for a fresh address space.
func NewPageMap(alloc *mem.Allocator, cpu int) *PageMap {
	root := alloc.AllocFrames(cpu, 1, mem.ZERO)
	if root == 0 {
		panic("out of memory allocating PML4")
	}
	return &PageMap{alloc: alloc, root: root}
}

// tableAt reinterprets the 4KiB frame at p as a page table.
func (pm *PageMap) tableAt(p mem.PhysAddr) *table {
	b := pm.alloc.Dmap(p)
	return (*table)(unsafe.Pointer(&b[0]))
}

// Generation reports the structural-change counter bumped on every Map,
// Unmap and COW split; TLB shootdown callers snapshot it before flushing
// and can tell whether another change raced them.
func (pm *PageMap) Generation() uint64 { return pm.gen.Load() }

// walk descends from the root to the PT covering virt, creating
// intermediate tables (with create=true) as needed. It returns the PT
// table and the index of the leaf entry within it.
func (pm *PageMap) walk(virt mem.VirtAddr, create bool, cpu int) (*table, uint64, bool) {
	cur := pm.root
	for l := levelPML4; l > levelPT; l-- {
		t := pm.tableAt(cur)
		idx := index(virt, l)
		e := t.get(idx)
		if !e.Has(Present) {
			if !create {
				return nil, 0, false
			}
			childFrame := pm.alloc.AllocFrames(cpu, 1, mem.ZERO)
			if childFrame == 0 {
				return nil, 0, false
			}
			e = PTE(childFrame) | Present | Writable | User
			t.set(idx, e)
		}
		if e.Has(Huge) {
			return nil, 0, false
		}
		cur = e.Addr()
	}
	return pm.tableAt(cur), index(virt, levelPT), true
}

// Map installs a 4KiB leaf mapping virt -> phys with the given flags,
// creating any missing intermediate tables.
func (pm *PageMap) Map(cpu int, virt mem.VirtAddr, phys mem.PhysAddr, flags PTE) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pt, idx, ok := pm.walk(virt, true, cpu)
	if !ok {
		return false
	}
	pt.set(idx, PTE(phys)|flags|Present)
	pm.gen.Add(1)
	return true
}

// Unmap clears the leaf mapping for virt, returning the physical frame it
// pointed at so the caller can drop its reference count via mem.FreeFrame.
func (pm *PageMap) Unmap(virt mem.VirtAddr) (mem.PhysAddr, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pt, idx, ok := pm.walk(virt, false, 0)
	if !ok {
		return 0, false
	}
	e := pt.get(idx)
	if !e.Has(Present) {
		return 0, false
	}
	pt.set(idx, 0)
	pm.gen.Add(1)
	return e.Addr(), true
}

/// Translate walks the page tables for virt without creating anything,
/// returning the mapped physical address and flags.
func (pm *PageMap) Translate(virt mem.VirtAddr) (mem.PhysAddr, PTE, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pt, idx, ok := pm.walk(virt, false, 0)
	if !ok {
		return 0, 0, false
	}
	e := pt.get(idx)
	if !e.Has(Present) {
		return 0, 0, false
	}
	return e.Addr(), e & ^addrMask, true
}

// MarkCOW clears the writable bit and sets the software COW bit on virt's
// mapping, used by fork to share a frame between parent and child until
// either side writes to it.
func (pm *PageMap) MarkCOW(virt mem.VirtAddr) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pt, idx, ok := pm.walk(virt, false, 0)
	if !ok {
		return false
	}
	e := pt.get(idx)
	if !e.Has(Present) {
		return false
	}
	pt.set(idx, (e&^Writable)|COW)
	pm.gen.Add(1)
	return true
}

// ResolveCOW replaces a COW mapping with a freshly-owned writable copy of
// the frame, decrementing the shared frame's reference count. It is
// invoked from the page-fault handler on a write to a COW page.
func (pm *PageMap) ResolveCOW(cpu int, virt mem.VirtAddr) bool {
	pm.mu.Lock()
	pt, idx, ok := pm.walk(virt, false, cpu)
	if !ok {
		pm.mu.Unlock()
		return false
	}
	e := pt.get(idx)
	if !e.Has(COW) {
		pm.mu.Unlock()
		return false
	}
	oldPhys := e.Addr()
	pm.mu.Unlock()

	if pm.alloc.GetRef(oldPhys) == 1 {
		// sole owner: just reinstate write permission, no copy needed
		pm.mu.Lock()
		pt.set(idx, (e&^COW)|Writable)
		pm.gen.Add(1)
		pm.mu.Unlock()
		return true
	}

	newPhys := pm.alloc.AllocFrames(cpu, 1, mem.NOPCP)
	if newPhys == 0 {
		return false
	}
	copy(pm.alloc.Dmap(newPhys), pm.alloc.Dmap(oldPhys))
	pm.mu.Lock()
	pt.set(idx, PTE(newPhys)|Present|Writable|User)
	pm.gen.Add(1)
	pm.mu.Unlock()
	pm.alloc.FreeFrame(cpu, oldPhys)
	return true
}

// CloneUserRange duplicates every present mapping in [lo, hi) from pm into
// child, bumping each shared frame's reference count and marking both
// sides' PTEs copy-on-write.
func (pm *PageMap) CloneUserRange(cpu int, child *PageMap, lo, hi mem.VirtAddr) {
	for v := lo; v < hi; v += mem.PageSize {
		phys, flags, ok := pm.Translate(v)
		if !ok {
			continue
		}
		if flags.Has(Writable) {
			pm.MarkCOW(v)
			flags = (flags &^ Writable) | COW
		}
		pm.alloc.IncRef(phys)
		child.Map(cpu, v, phys, flags&^Present)
	}
}

// ShootdownTarget receives a TLB invalidation request for one virtual
// address on behalf of a remote CPU. internal/proc wires this to its
// per-CPU IPI dispatch (msi.ShootdownVec); in this simulated kernel there
// is no hardware TLB to actually flush, so implementations only need to
// track that the shootdown was observed; correctness requires every CPU
// to see the latest generation.
type ShootdownTarget interface {
	NotifyShootdown(virt mem.VirtAddr, gen uint64)
}

// Shootdown notifies every target that virt's mapping changed, so callers
// relying on a stale translation (e.g. a CPU mid page-fault) re-walk.
func (pm *PageMap) Shootdown(virt mem.VirtAddr, targets []ShootdownTarget) {
	g := pm.gen.Load()
	for _, t := range targets {
		t.NotifyShootdown(virt, g)
	}
}

func (t *table) get(idx uint64) PTE {
	return t[idx]
}

func (t *table) set(idx uint64, v PTE) {
	t[idx] = v
}
