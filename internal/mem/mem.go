// Package mem implements the physical frame allocator (PFA): a buddy
// allocator over tracked 4KiB frames with per-CPU page caches (PCP) for
// the order-0 fast path, reference counting for copy-on-write sharing, and
// DMA-constrained allocation. A flat descriptor array tracks every frame;
// free-list heads are frame indices, and a frame is on exactly one list
// at a time (a buddy free list, a PCP stack, or held allocated). Callers
// identify themselves by CPU number for the PCP fast path, and usable
// ranges come from internal/bootinfo's memory map.
package mem

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/slopos/slopos/internal/oommsg"
)

/// PhysAddr is an opaque 64-bit physical address.
type PhysAddr uint64

/// VirtAddr is an opaque 64-bit virtual address.
type VirtAddr uint64

const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

/// MaxOrder bounds buddy order: order 10 covers 4MiB contiguous blocks.
const MaxOrder = 10

/// AlignDown rounds addr down to the page boundary.
func AlignDown(addr uint64) uint64 { return addr &^ PageMask }

/// AlignUp rounds addr up to the page boundary.
func AlignUp(addr uint64) uint64 { return (addr + PageMask) &^ PageMask }

// FrameState names the lifecycle state of one tracked frame.
type FrameState uint8

const (
	StateFree FrameState = iota
	StateAllocated
	StateReserved
	StatePCP
)

// AllocFlags requests allocator behaviour.
type AllocFlags uint32

const (
	ZERO AllocFlags = 1 << iota
	DMA32
	NOPCP
)

// dmaLimit is the "frames <= 16MiB" DMA constraint.
const dmaLimit = 16 << 20

const noIdx = ^uint32(0)

/// PageFrame is the per-frame descriptor.
type PageFrame struct {
	RefCount uint32
	State    FrameState
	Order    uint8
	RegionID uint16
	NextFree uint32 // index of next free frame at this order, or noIdx
}

type region struct {
	base        PhysAddr
	frameOffset uint32
	numFrames   uint32
	dmaCapable  bool
}

// ReservedKind names why a region is excluded/constrained.
type ReservedKind int

const (
	AcpiReclaimable ReservedKind = iota
	AcpiNvs
	FramebufferRegion
	ApicRegion
	FirmwareOther
	AllocatorMetadata
)

// ReservedFlags qualify a Reservation.
type ReservedFlags uint32

const (
	ExcludeFromAllocators ReservedFlags = 1 << iota
	AllowPhysToVirt
	MMIO
)

/// Reservation withholds [PhysBase, PhysBase+Length) from the allocators
/// when Flags has ExcludeFromAllocators set.
type Reservation struct {
	PhysBase PhysAddr
	Length   uint64
	Kind     ReservedKind
	Flags    ReservedFlags
}

/// PhysRange is a half-open physical address range.
type PhysRange struct {
	Base   uint64
	Length uint64
}

// SortRanges normalizes a memory map before constructing an Allocator.
func SortRanges(rs []PhysRange) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Base < rs[j].Base })
}

type cpuCache struct {
	head  atomic.Uint32
	count atomic.Int32
}

// pcpBatch/pcpHighWatermark bound the per-CPU cache: underflow refills a
// batch of 16 order-0 frames from the buddy allocator, overflow drains one
// frame back to the buddy.
const (
	pcpBatch         = 16
	pcpHighWatermark = 64
)

/// Allocator is the PFA: a buddy allocator plus per-CPU page caches. It
/// also owns a simulated physical RAM arena, since this kernel has no real
/// DRAM behind it; Dmap addresses that arena the way the HHDM window
/// addresses physical RAM on a real machine.
type Allocator struct {
	mu         sync.Mutex
	frames     []PageFrame
	regions    []region
	freeHead   [MaxOrder + 1]uint32
	freeCount  [MaxOrder + 1]int64
	arena      []byte
	hhdmOffset uint64
	reservedN  int64
	allocatedN int64
	pcp        []cpuCache
	pcpArmed   bool
}

/// New builds an allocator tracking exactly the frames inside usableRanges
/// (a memory map's Usable entries, typically from a bootinfo.Config, with
/// any ExcludeFromAllocators reservation already subtracted). hhdmOffset
/// lets Dmap/ToVirt compute the direct-map virtual address of a frame.
/// numCPUs sizes the per-CPU cache array.
func New(usableRanges []PhysRange, hhdmOffset uint64, numCPUs int) *Allocator {
	a := &Allocator{hhdmOffset: hhdmOffset, pcp: make([]cpuCache, numCPUs)}
	for i := range a.freeHead {
		a.freeHead[i] = noIdx
	}
	for i := range a.pcp {
		a.pcp[i].head.Store(noIdx)
	}
	var total uint32
	for _, r := range usableRanges {
		n := uint32(r.Length / PageSize)
		a.regions = append(a.regions, region{
			base:        PhysAddr(r.Base),
			frameOffset: total,
			numFrames:   n,
			dmaCapable:  r.Base+r.Length <= dmaLimit,
		})
		total += n
	}
	a.frames = make([]PageFrame, total)
	a.arena = make([]byte, uint64(total)*PageSize)
	for i := range a.frames {
		a.frames[i].State = StateReserved
	}
	a.reservedN = int64(total)
	return a
}

/// ArmPCP enables the per-CPU fast path; tests that want to exercise only
/// the buddy path leave it disarmed.
func (a *Allocator) ArmPCP() { a.pcpArmed = true }

/// Finalize seeds the buddy free lists by walking every region and
/// inserting maximal naturally aligned power-of-two blocks. Call once
/// after New, before any alloc.
func (a *Allocator) Finalize() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for rid, r := range a.regions {
		start := r.frameOffset
		remaining := r.numFrames
		if r.base == 0 && remaining > 0 {
			// Physical address 0 is the allocation-failure value, so the
			// frame there stays reserved and is never handed out.
			start++
			remaining--
		}
		for remaining > 0 {
			order := maxOrderFor(start, remaining)
			n := uint32(1) << order
			for f := start; f < start+n; f++ {
				a.frames[f].RegionID = uint16(rid)
				a.frames[f].State = StateFree
			}
			a.freePushLocked(start, uint8(order))
			start += n
			remaining -= n
		}
	}
	a.reservedN = 0
	for i := range a.frames {
		if a.frames[i].State == StateReserved {
			a.reservedN++
		}
	}
}

// maxOrderFor returns the largest order <= MaxOrder such that a
// naturally-aligned block of that order, starting at idx, fits within
// remaining frames.
func maxOrderFor(idx, remaining uint32) uint {
	order := uint(0)
	for order < MaxOrder {
		n := uint32(1) << (order + 1)
		if idx%n != 0 || n > remaining {
			break
		}
		order++
	}
	return order
}

// freePushLocked pushes the block headed at idx onto the order-th free
// list. Caller holds a.mu.
func (a *Allocator) freePushLocked(idx uint32, order uint8) {
	a.frames[idx].State = StateFree
	a.frames[idx].Order = order
	a.frames[idx].NextFree = a.freeHead[order]
	a.freeHead[order] = idx
	a.freeCount[order]++
}

func (a *Allocator) freeRemoveLocked(idx uint32, order uint8) bool {
	cur := a.freeHead[order]
	var prev uint32 = noIdx
	for cur != noIdx {
		if cur == idx {
			if prev == noIdx {
				a.freeHead[order] = a.frames[cur].NextFree
			} else {
				a.frames[prev].NextFree = a.frames[cur].NextFree
			}
			a.freeCount[order]--
			return true
		}
		prev = cur
		cur = a.frames[cur].NextFree
	}
	return false
}

func (a *Allocator) frameIndex(p PhysAddr) (uint32, bool) {
	for _, r := range a.regions {
		if p >= r.base && p < r.base+PhysAddr(r.numFrames)*PageSize {
			return r.frameOffset + uint32((p-r.base)/PageSize), true
		}
	}
	return 0, false
}

func (a *Allocator) frameAddr(idx uint32) PhysAddr {
	for _, r := range a.regions {
		if idx >= r.frameOffset && idx < r.frameOffset+r.numFrames {
			return r.base + PhysAddr(idx-r.frameOffset)*PageSize
		}
	}
	panic("frame index outside any region")
}

func cpuIdx(cpu int, n int) int {
	if n == 0 {
		return 0
	}
	return cpu % n
}

func orderFor(count int) int {
	order := 0
	n := 1
	for n < count {
		n <<= 1
		order++
	}
	return order
}

/// AllocFrames hands out a power-of-two-aligned run of count pages,
/// returning 0 (never a valid frame address) on failure. cpu identifies
/// the calling CPU for the PCP fast path.
func (a *Allocator) AllocFrames(cpu int, count int, flags AllocFlags) PhysAddr {
	order := orderFor(count)
	dma := flags&DMA32 != 0
	if order == 0 && !dma && flags&NOPCP == 0 && a.pcpArmed && len(a.pcp) > 0 {
		c := &a.pcp[cpuIdx(cpu, len(a.pcp))]
		if idx, ok := a.pcpPop(c); ok {
			return a.finishAlloc(idx, flags)
		}
		a.refillPCP(c)
		if idx, ok := a.pcpPop(c); ok {
			return a.finishAlloc(idx, flags)
		}
	}
	a.mu.Lock()
	idx, ok := a.buddyAllocLocked(uint8(order), dma)
	a.mu.Unlock()
	if !ok {
		notifyOOM(1 << (uint(order) + PageShift))
		return 0
	}
	return a.finishAlloc(idx, flags)
}

// notifyOOM hands the shortfall to whatever reclaimer listens on
// oommsg.OomCh. With no listener configured the message is dropped;
// the caller still sees the failed allocation as ENOMEM.
func notifyOOM(need int) {
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: need}:
	default:
	}
}

// buddyAllocLocked finds the smallest free order >= order honouring the
// dma constraint and splits it down to exactly order.
func (a *Allocator) buddyAllocLocked(order uint8, dma bool) (uint32, bool) {
	for k := int(order); k <= MaxOrder; k++ {
		idx, ok := a.findCandidateLocked(uint8(k), dma)
		if !ok {
			continue
		}
		a.freeRemoveLocked(idx, uint8(k))
		for k > int(order) {
			k--
			buddy := idx ^ (uint32(1) << k)
			a.frames[buddy].RegionID = a.frames[idx].RegionID
			a.freePushLocked(buddy, uint8(k))
		}
		a.frames[idx].State = StateAllocated
		a.frames[idx].Order = order
		a.frames[idx].RefCount = 1
		return idx, true
	}
	return 0, false
}

func (a *Allocator) findCandidateLocked(listOrder uint8, dma bool) (uint32, bool) {
	if !dma {
		if a.freeHead[listOrder] != noIdx {
			return a.freeHead[listOrder], true
		}
		return 0, false
	}
	cur := a.freeHead[listOrder]
	for cur != noIdx {
		rid := a.frames[cur].RegionID
		if int(rid) < len(a.regions) && a.regions[rid].dmaCapable {
			return cur, true
		}
		cur = a.frames[cur].NextFree
	}
	return 0, false
}

func (a *Allocator) finishAlloc(idx uint32, flags AllocFlags) PhysAddr {
	n := uint32(1) << a.frames[idx].Order
	atomic.AddInt64(&a.allocatedN, int64(n))
	p := a.frameAddr(idx)
	if flags&ZERO != 0 {
		for f := uint32(0); f < n; f++ {
			buf := a.Dmap(p + PhysAddr(f)*PageSize)
			for i := range buf {
				buf[i] = 0
			}
		}
	}
	return p
}

func (a *Allocator) refillPCP(c *cpuCache) {
	for i := 0; i < pcpBatch; i++ {
		a.mu.Lock()
		idx, ok := a.buddyAllocLocked(0, false)
		a.mu.Unlock()
		if !ok {
			break
		}
		a.pcpPush(c, idx)
	}
}

func (a *Allocator) pcpPush(c *cpuCache, idx uint32) {
	a.frames[idx].State = StatePCP
	for {
		old := c.head.Load()
		a.frames[idx].NextFree = old
		if c.head.CompareAndSwap(old, idx) {
			c.count.Add(1)
			return
		}
	}
}

func (a *Allocator) pcpPop(c *cpuCache) (uint32, bool) {
	for {
		old := c.head.Load()
		if old == noIdx {
			return 0, false
		}
		next := a.frames[old].NextFree
		if c.head.CompareAndSwap(old, next) {
			c.count.Add(-1)
			a.frames[old].State = StateAllocated
			a.frames[old].RefCount = 1
			return old, true
		}
	}
}

/// FreeFrame releases an allocation by its head frame address,
/// decrementing the reference count; the block is actually returned to
/// the PCP/buddy system only once the count reaches zero, so COW-shared
/// frames survive one owner's exit.
func (a *Allocator) FreeFrame(cpu int, p PhysAddr) {
	idx, ok := a.frameIndex(p)
	if !ok {
		panic("free of untracked frame")
	}
	if atomic.AddUint32(&a.frames[idx].RefCount, ^uint32(0)) == 0 {
		a.release(cpu, idx)
	}
}

func (a *Allocator) release(cpu int, idx uint32) {
	atomic.AddInt64(&a.allocatedN, -(int64(1) << a.frames[idx].Order))
	if a.frames[idx].Order == 0 && a.pcpArmed && len(a.pcp) > 0 {
		c := &a.pcp[cpuIdx(cpu, len(a.pcp))]
		if int(c.count.Load()) < pcpHighWatermark {
			a.pcpPush(c, idx)
			return
		}
	}
	a.mu.Lock()
	a.coalesceFreeLocked(idx, a.frames[idx].Order)
	a.mu.Unlock()
}

// coalesceFreeLocked returns idx (an order-sized, naturally aligned block)
// to the buddy system, merging with its buddy whenever the buddy is free,
// order-matched, and in the same region.
func (a *Allocator) coalesceFreeLocked(idx uint32, order uint8) {
	rid := a.frames[idx].RegionID
	for order < MaxOrder {
		buddy := idx ^ (uint32(1) << order)
		if int(buddy) >= len(a.frames) || a.frames[buddy].RegionID != rid {
			break
		}
		if a.frames[buddy].State != StateFree || a.frames[buddy].Order != order {
			break
		}
		if !a.freeRemoveLocked(buddy, order) {
			break
		}
		if buddy < idx {
			idx = buddy
		}
		order++
	}
	a.frames[idx].RegionID = rid
	a.freePushLocked(idx, order)
}

/// IncRef bumps a frame's reference count (used by COW fork to share a
/// page between parent and child until one side writes to it).
func (a *Allocator) IncRef(p PhysAddr) {
	idx, ok := a.frameIndex(p)
	if !ok {
		panic("incref of untracked frame")
	}
	atomic.AddUint32(&a.frames[idx].RefCount, 1)
}

/// GetRef reads a frame's current reference count.
func (a *Allocator) GetRef(p PhysAddr) uint32 {
	idx, ok := a.frameIndex(p)
	if !ok {
		panic("getref of untracked frame")
	}
	return atomic.LoadUint32(&a.frames[idx].RefCount)
}

/// Dmap returns the direct-map byte view of one 4KiB page at p.
func (a *Allocator) Dmap(p PhysAddr) []byte {
	idx, ok := a.frameIndex(p)
	if !ok {
		panic("dmap of untracked frame")
	}
	off := uint64(idx) * PageSize
	return a.arena[off : off+PageSize]
}

/// ToVirt renders the direct-map virtual address corresponding to p.
func (a *Allocator) ToVirt(p PhysAddr) VirtAddr {
	return VirtAddr(uint64(p) + a.hhdmOffset)
}

// Counters snapshots the PFA's bookkeeping: free + allocated + reserved +
// PCP-cached must always equal tracked.
type Counters struct {
	Tracked   int64
	Allocated int64
	Free      int64
	Reserved  int64
	PCPCached int64
}

/// Snapshot returns a consistent view of the PFA's bookkeeping counters.
func (a *Allocator) Snapshot() Counters {
	a.mu.Lock()
	var free int64
	for order, head := range a.freeHead {
		n := int64(0)
		for cur := head; cur != noIdx; cur = a.frames[cur].NextFree {
			n++
		}
		free += n * (1 << uint(order))
	}
	reserved := a.reservedN
	a.mu.Unlock()
	var pcpCached int64
	for i := range a.pcp {
		pcpCached += int64(a.pcp[i].count.Load())
	}
	return Counters{
		Tracked:   int64(len(a.frames)),
		Allocated: atomic.LoadInt64(&a.allocatedN),
		Free:      free,
		Reserved:  reserved,
		PCPCached: pcpCached,
	}
}
