// Package shm implements shared memory buffers and the compositor ABI
// built on top of them: named buffers backed by PFA frames,
// cross-process mapping with owner-only write access, a simple
// bump+free-list virtual address allocator for the mapped range, and the
// surface/damage-rect bookkeeping the framebuffer present path consumes.
// Tokens are uuids, opaque and non-reusable; frame allocation and page
// mapping go through internal/mem and internal/paging.
package shm

import (
	"sync"

	"github.com/google/uuid"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/mem"
	"github.com/slopos/slopos/internal/paging"
)

// maxMappingsPerBuffer bounds the per-buffer mapping table.
const maxMappingsPerBuffer = 8

// Access requests read-only or read/write mapping.
type Access int

const (
	ReadOnly Access = iota
	ReadWrite
)

type mapping struct {
	taskID uint64
	vaddr  mem.VirtAddr
	pages  int
	owner  bool
}

// Buffer is one shared memory region: a run of physical frames owned by
// one process, optionally tagged as a compositor surface.
type Buffer struct {
	Token       uuid.UUID
	PhysBase    mem.PhysAddr
	Size        int
	Pages       int
	Owner       uint64 // owning process id
	RefCount    int
	Released    bool
	PixelFormat int

	IsSurface bool
	SurfaceW  int
	SurfaceH  int

	mappings [maxMappingsPerBuffer]*mapping
}

// vaddrAllocator is a bump allocator over a fixed virtual range with a
// free list of reclaimed ranges.
type vaddrAllocator struct {
	mu      sync.Mutex
	next    mem.VirtAddr
	limit   mem.VirtAddr
	freeMap map[int][]mem.VirtAddr // pages -> free ranges of that exact size
}

func newVaddrAllocator(base, limit mem.VirtAddr) *vaddrAllocator {
	return &vaddrAllocator{next: base, limit: limit, freeMap: make(map[int][]mem.VirtAddr)}
}

func (va *vaddrAllocator) alloc(pages int) (mem.VirtAddr, bool) {
	va.mu.Lock()
	defer va.mu.Unlock()
	if free := va.freeMap[pages]; len(free) > 0 {
		v := free[len(free)-1]
		va.freeMap[pages] = free[:len(free)-1]
		return v, true
	}
	need := mem.VirtAddr(pages * mem.PageSize)
	if va.next+need > va.limit {
		return 0, false
	}
	v := va.next
	va.next += need
	return v, true
}

func (va *vaddrAllocator) free(v mem.VirtAddr, pages int) {
	va.mu.Lock()
	defer va.mu.Unlock()
	va.freeMap[pages] = append(va.freeMap[pages], v)
}

// Registry owns every live shared buffer plus the per-process vaddr
// allocators mappings are drawn from. Read-only paths dominate, so the
// registry sits behind an RWMutex.
type Registry struct {
	mu      sync.RWMutex
	buffers map[uuid.UUID]*Buffer
	vaddrs  map[uint64]*vaddrAllocator // per-process mapping-range allocator
	alloc   *mem.Allocator
	pageDir func(pid uint64) *paging.PageMap
	cpu     int
}

// vaddrRangeBase/Limit bound the per-process SHM mapping window: a fixed
// high region distinct from heap/stack/code.
const (
	vaddrRangeBase  = mem.VirtAddr(0x0000_7000_0000_0000)
	vaddrRangeLimit = mem.VirtAddr(0x0000_7100_0000_0000)
)

// NewRegistry creates an empty registry. pageDir resolves a process id to
// its page directory, the same indirection proc.Task's process linkage
// already uses elsewhere.
func NewRegistry(alloc *mem.Allocator, cpu int, pageDir func(uint64) *paging.PageMap) *Registry {
	return &Registry{
		buffers: make(map[uuid.UUID]*Buffer),
		vaddrs:  make(map[uint64]*vaddrAllocator),
		alloc:   alloc,
		pageDir: pageDir,
		cpu:     cpu,
	}
}

func (r *Registry) vaddrsFor(pid uint64) *vaddrAllocator {
	r.mu.Lock()
	defer r.mu.Unlock()
	va, ok := r.vaddrs[pid]
	if !ok {
		va = newVaddrAllocator(vaddrRangeBase, vaddrRangeLimit)
		r.vaddrs[pid] = va
	}
	return va
}

// Create allocates size bytes of physical frames (zeroed if requested),
// registers a buffer owned by ownerPID with ref_count 1, and returns its
// token.
func (r *Registry) Create(ownerPID uint64, size int, zero bool) (uuid.UUID, defs.Err_t) {
	if size <= 0 {
		return uuid.UUID{}, -defs.EINVAL
	}
	pages := (size + mem.PageSize - 1) / mem.PageSize
	flags := mem.AllocFlags(0)
	if zero {
		flags |= mem.ZERO
	}
	phys := r.alloc.AllocFrames(r.cpu, pages, flags)
	if phys == 0 {
		return uuid.UUID{}, -defs.ENOMEM
	}
	for i := 1; i < pages; i++ {
		r.alloc.IncRef(phys + mem.PhysAddr(i*mem.PageSize))
	}
	tok := uuid.New()
	buf := &Buffer{Token: tok, PhysBase: phys, Size: size, Pages: pages, Owner: ownerPID, RefCount: 1}
	r.mu.Lock()
	r.buffers[tok] = buf
	r.mu.Unlock()
	return tok, 0
}

func (r *Registry) lookup(token uuid.UUID) (*Buffer, defs.Err_t) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.buffers[token]
	if !ok || b.Released {
		return nil, -defs.EINVAL
	}
	return b, 0
}

// Map installs a mapping of buf's pages into pid's address space at a
// freshly allocated virtual range, forcing read-only access for anyone
// but the owner. On partial page-table failure every page mapped so far
// is rolled back.
func (r *Registry) Map(pid uint64, token uuid.UUID, access Access) (mem.VirtAddr, defs.Err_t) {
	buf, err := r.lookup(token)
	if err != 0 {
		return 0, err
	}
	if buf.Owner != pid {
		access = ReadOnly
	}
	pm := r.pageDir(pid)
	if pm == nil {
		return 0, -defs.EINVAL
	}
	va := r.vaddrsFor(pid)
	vaddr, ok := va.alloc(buf.Pages)
	if !ok {
		return 0, -defs.ENOMEM
	}
	flags := paging.Present | paging.User
	if access == ReadWrite {
		flags |= paging.Writable
	}
	mapped := 0
	for i := 0; i < buf.Pages; i++ {
		v := vaddr + mem.VirtAddr(i*mem.PageSize)
		p := buf.PhysBase + mem.PhysAddr(i*mem.PageSize)
		if !pm.Map(r.cpu, v, p, flags) {
			for j := 0; j < mapped; j++ {
				pm.Unmap(vaddr + mem.VirtAddr(j*mem.PageSize))
			}
			va.free(vaddr, buf.Pages)
			return 0, -defs.ENOMEM
		}
		mapped++
	}
	r.mu.Lock()
	for i := range buf.mappings {
		if buf.mappings[i] == nil {
			buf.mappings[i] = &mapping{taskID: pid, vaddr: vaddr, pages: buf.Pages, owner: buf.Owner == pid}
			break
		}
	}
	r.mu.Unlock()
	return vaddr, 0
}

// Unmap tears down the mapping rooted at vaddr in pid's address space and
// returns the range to the free list.
func (r *Registry) Unmap(pid uint64, vaddr mem.VirtAddr) defs.Err_t {
	pm := r.pageDir(pid)
	if pm == nil {
		return -defs.EINVAL
	}
	r.mu.Lock()
	var found *Buffer
	var idx int
	for _, buf := range r.buffers {
		for i, m := range buf.mappings {
			if m != nil && m.taskID == pid && m.vaddr == vaddr {
				found, idx = buf, i
				break
			}
		}
		if found != nil {
			break
		}
	}
	if found == nil {
		r.mu.Unlock()
		return -defs.EINVAL
	}
	m := found.mappings[idx]
	found.mappings[idx] = nil
	r.mu.Unlock()

	for i := 0; i < m.pages; i++ {
		pm.Unmap(vaddr + mem.VirtAddr(i*mem.PageSize))
	}
	r.vaddrsFor(pid).free(vaddr, m.pages)
	return 0
}

// Destroy releases buf: only its owner may call this. Every outstanding
// mapping is force-unmapped first, then the physical pages are freed and
// the token retired.
func (r *Registry) Destroy(ownerPID uint64, token uuid.UUID) defs.Err_t {
	buf, err := r.lookup(token)
	if err != 0 {
		return err
	}
	if buf.Owner != ownerPID {
		return -defs.EPERM
	}
	r.mu.Lock()
	mappings := buf.mappings
	buf.mappings = [maxMappingsPerBuffer]*mapping{}
	buf.Released = true
	delete(r.buffers, token)
	r.mu.Unlock()

	for _, m := range mappings {
		if m == nil {
			continue
		}
		if pm := r.pageDir(m.taskID); pm != nil {
			for i := 0; i < m.pages; i++ {
				pm.Unmap(m.vaddr + mem.VirtAddr(i*mem.PageSize))
			}
		}
		r.vaddrsFor(m.taskID).free(m.vaddr, m.pages)
	}
	for i := 0; i < buf.Pages; i++ {
		r.alloc.FreeFrame(r.cpu, buf.PhysBase+mem.PhysAddr(i*mem.PageSize))
	}
	return 0
}

// CleanupProcess tears down every mapping pid holds (as a non-owner
// mapper) and destroys every buffer pid owns outright, the path a process
// exit must take so a dead task's SHM state doesn't linger: non-owned
// mappings are unmapped, owned buffers destroyed.
func (r *Registry) CleanupProcess(pid uint64) {
	r.mu.RLock()
	var owned []uuid.UUID
	var borrowedVaddrs []mem.VirtAddr
	for tok, buf := range r.buffers {
		if buf.Owner == pid {
			owned = append(owned, tok)
			continue
		}
		for _, m := range buf.mappings {
			if m != nil && m.taskID == pid {
				borrowedVaddrs = append(borrowedVaddrs, m.vaddr)
			}
		}
	}
	r.mu.RUnlock()

	for _, vaddr := range borrowedVaddrs {
		r.Unmap(pid, vaddr)
	}
	for _, tok := range owned {
		r.Destroy(pid, tok)
	}

	r.mu.Lock()
	delete(r.vaddrs, pid)
	r.mu.Unlock()
}

// AttachSurface tags buf as a compositor surface, provided the requested
// geometry fits inside its allocated size (width*height*4 <= size).
func (r *Registry) AttachSurface(pid uint64, token uuid.UUID, width, height int) defs.Err_t {
	buf, err := r.lookup(token)
	if err != 0 {
		return err
	}
	if buf.Owner != pid {
		return -defs.EPERM
	}
	if width*height*4 > buf.Size {
		return -defs.EINVAL
	}
	r.mu.Lock()
	buf.IsSurface = true
	buf.SurfaceW = width
	buf.SurfaceH = height
	r.mu.Unlock()
	return 0
}

// Surfaces returns every currently attached surface buffer, for
// compositor enumeration.
func (r *Registry) Surfaces() []*Buffer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Buffer
	for _, b := range r.buffers {
		if b.IsSurface {
			out = append(out, b)
		}
	}
	return out
}
