// Package vm implements one process's address space: a sorted list of
// VMAs (anonymous, file-backed, or shared-anonymous regions), page-fault
// resolution, fork's copy-on-write duplication, and brk. Fault handling
// distinguishes VANON/VFILE/VSANON mappings; a guard page is a VMA with
// zero perms, meaning no mapping may ever be installed there; and a
// private COW write to a frame with refcount 1 upgrades the mapping in
// place instead of copying.
package vm

import (
	"debug/elf"
	"io"
	"sort"
	"sync"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/mem"
	"github.com/slopos/slopos/internal/paging"
)

// MappingType names what backs a VMA.
type MappingType int

const (
	VANON  MappingType = iota // private anonymous memory
	VFILE                     // file-backed, private or shared per Shared
	VSANON                    // shared anonymous memory (e.g. SysV shm)
)

// FileBacking supplies pages for a VFILE mapping.
type FileBacking interface {
	// ReadPage fills a zeroed 4KiB buffer with the file's contents at
	// byte offset off, returning the number of bytes filled (the tail of
	// a final partial page is left zero).
	ReadPage(off int64, buf []byte) (int, error)
}

// VMA is one mapped region of a process's address space, page-aligned.
type VMA struct {
	Start, End mem.VirtAddr // [Start, End)
	Perms      paging.PTE   // only Writable/NX are meaningful; Present is implicit
	Type       MappingType
	File       FileBacking
	FileOffset int64
	Shared     bool
}

func (v *VMA) contains(va mem.VirtAddr) bool { return va >= v.Start && va < v.End }

// AddressSpace is one process's complete virtual memory: its VMAs and the
// page tables that back them.
type AddressSpace struct {
	mu    sync.Mutex
	vmas  []*VMA
	Pmap  *paging.PageMap
	alloc *mem.Allocator
}

// New creates an empty address space with a fresh PML4.
func New(alloc *mem.Allocator, cpu int) *AddressSpace {
	return &AddressSpace{Pmap: paging.NewPageMap(alloc, cpu), alloc: alloc}
}

func (as *AddressSpace) insert(v *VMA) {
	as.vmas = append(as.vmas, v)
	sort.Slice(as.vmas, func(i, j int) bool { return as.vmas[i].Start < as.vmas[j].Start })
}

/// Lookup finds the VMA covering va, if any.
func (as *AddressSpace) Lookup(va mem.VirtAddr) (*VMA, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lookupLocked(va)
}

func (as *AddressSpace) lookupLocked(va mem.VirtAddr) (*VMA, bool) {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].End > va })
	if i < len(as.vmas) && as.vmas[i].contains(va) {
		return as.vmas[i], true
	}
	return nil, false
}

func pageAlign(start, length mem.VirtAddr) (mem.VirtAddr, mem.VirtAddr) {
	lo := mem.VirtAddr(mem.AlignDown(uint64(start)))
	hi := mem.VirtAddr(mem.AlignUp(uint64(start) + uint64(length)))
	return lo, hi
}

/// AddAnon installs a private anonymous mapping over [start, start+length).
func (as *AddressSpace) AddAnon(start, length mem.VirtAddr, perms paging.PTE) {
	lo, hi := pageAlign(start, length)
	as.mu.Lock()
	defer as.mu.Unlock()
	as.insert(&VMA{Start: lo, End: hi, Perms: perms, Type: VANON})
}

/// AddGuard installs a zero-permission region that always faults,
/// catching stack overflow and similar overruns.
func (as *AddressSpace) AddGuard(start, length mem.VirtAddr) {
	lo, hi := pageAlign(start, length)
	as.mu.Lock()
	defer as.mu.Unlock()
	as.insert(&VMA{Start: lo, End: hi, Perms: 0, Type: VANON})
}

/// AddFile installs a (optionally shared) file-backed mapping.
func (as *AddressSpace) AddFile(start, length mem.VirtAddr, perms paging.PTE, f FileBacking, foff int64, shared bool) {
	lo, hi := pageAlign(start, length)
	as.mu.Lock()
	defer as.mu.Unlock()
	as.insert(&VMA{Start: lo, End: hi, Perms: perms, Type: VFILE, File: f, FileOffset: foff, Shared: shared})
}

/// AddSharedAnon installs a shared anonymous mapping (e.g. for SysV-style
/// shared memory segments backed by internal/shm).
func (as *AddressSpace) AddSharedAnon(start, length mem.VirtAddr, perms paging.PTE) {
	lo, hi := pageAlign(start, length)
	as.mu.Lock()
	defer as.mu.Unlock()
	as.insert(&VMA{Start: lo, End: hi, Perms: perms, Type: VSANON})
}

/// Remove unmaps [start, start+length) and frees any frames it owned.
func (as *AddressSpace) Remove(cpu int, start, length mem.VirtAddr) {
	lo, hi := pageAlign(start, length)
	as.mu.Lock()
	defer as.mu.Unlock()
	var kept []*VMA
	for _, v := range as.vmas {
		if v.End <= lo || v.Start >= hi {
			kept = append(kept, v)
			continue
		}
		as.unmapRangeLocked(cpu, maxVA(v.Start, lo), minVA(v.End, hi))
		if v.Start < lo {
			kept = append(kept, &VMA{Start: v.Start, End: lo, Perms: v.Perms, Type: v.Type, File: v.File, FileOffset: v.FileOffset, Shared: v.Shared})
		}
		if v.End > hi {
			kept = append(kept, &VMA{Start: hi, End: v.End, Perms: v.Perms, Type: v.Type, File: v.File, FileOffset: v.FileOffset + int64(hi-v.Start), Shared: v.Shared})
		}
	}
	as.vmas = kept
}

func (as *AddressSpace) unmapRangeLocked(cpu int, lo, hi mem.VirtAddr) {
	for va := lo; va < hi; va += mem.PageSize {
		if phys, ok := as.Pmap.Unmap(va); ok {
			as.alloc.FreeFrame(cpu, phys)
		}
	}
}

func maxVA(a, b mem.VirtAddr) mem.VirtAddr {
	if a > b {
		return a
	}
	return b
}
func minVA(a, b mem.VirtAddr) mem.VirtAddr {
	if a < b {
		return a
	}
	return b
}

/// PageFault resolves a fault at va. write distinguishes a write fault
/// from a read/execute fault. It returns an error code (defs.Err_t) to
/// install into the trap return path, 0 on success.
func (as *AddressSpace) PageFault(cpu int, va mem.VirtAddr, write bool) defs.Err_t {
	as.mu.Lock()
	vmi, ok := as.lookupLocked(va)
	as.mu.Unlock()
	if !ok || vmi.Perms == 0 {
		return -defs.EFAULT
	}
	if write && vmi.Perms&paging.Writable == 0 {
		return -defs.EFAULT
	}

	page := mem.VirtAddr(mem.AlignDown(uint64(va)))
	if _, flags, ok := as.Pmap.Translate(page); ok {
		if flags.Has(paging.COW) && write {
			if !as.Pmap.ResolveCOW(cpu, page) {
				return -defs.ENOMEM
			}
			return 0
		}
		// already present and permitted: a racing thread beat us to it
		return 0
	}

	switch vmi.Type {
	case VANON, VSANON:
		frame := as.alloc.AllocFrames(cpu, 1, mem.ZERO)
		if frame == 0 {
			return -defs.ENOMEM
		}
		flags := paging.User
		if vmi.Perms&paging.Writable != 0 {
			flags |= paging.Writable
		}
		if !as.Pmap.Map(cpu, page, frame, flags) {
			as.alloc.FreeFrame(cpu, frame)
			return -defs.ENOMEM
		}
		return 0
	case VFILE:
		frame := as.alloc.AllocFrames(cpu, 1, mem.ZERO)
		if frame == 0 {
			return -defs.ENOMEM
		}
		off := vmi.FileOffset + int64(page-vmi.Start)
		if vmi.File != nil {
			if _, err := vmi.File.ReadPage(off, as.alloc.Dmap(frame)); err != nil && err != io.EOF {
				as.alloc.FreeFrame(cpu, frame)
				return -defs.EIO
			}
		}
		flags := paging.User
		if vmi.Perms&paging.Writable != 0 {
			if vmi.Shared {
				flags |= paging.Writable
			} else {
				flags |= paging.COW // private: the first write takes the COW path
			}
		}
		if !as.Pmap.Map(cpu, page, frame, flags) {
			as.alloc.FreeFrame(cpu, frame)
			return -defs.ENOMEM
		}
		return 0
	}
	return -defs.EFAULT
}

/// Fork duplicates every private mapping into a freshly created child
/// address space, sharing frames copy-on-write; shared mappings (VSANON,
/// or VFILE with Shared) are installed with the same writable permission
/// in both spaces since they must stay coherent, not copy-on-write.
func (as *AddressSpace) Fork(cpu int, child *AddressSpace) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, v := range as.vmas {
		cp := &VMA{Start: v.Start, End: v.End, Perms: v.Perms, Type: v.Type, File: v.File, FileOffset: v.FileOffset, Shared: v.Shared}
		child.insert(cp)
		if v.Type == VSANON || (v.Type == VFILE && v.Shared) {
			as.shareRangeLocked(cpu, child, v.Start, v.End)
		} else {
			as.Pmap.CloneUserRange(cpu, child.Pmap, v.Start, v.End)
		}
	}
}

func (as *AddressSpace) shareRangeLocked(cpu int, child *AddressSpace, lo, hi mem.VirtAddr) {
	for va := lo; va < hi; va += mem.PageSize {
		phys, flags, ok := as.Pmap.Translate(va)
		if !ok {
			continue
		}
		as.alloc.IncRef(phys)
		child.Pmap.Map(cpu, va, phys, flags)
	}
}

/// Brk grows or shrinks the anonymous VMA ending at oldEnd to newEnd,
/// unmapping and freeing frames on shrink.
func (as *AddressSpace) Brk(cpu int, oldEnd, newEnd mem.VirtAddr) defs.Err_t {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, v := range as.vmas {
		if v.End != mem.VirtAddr(mem.AlignUp(uint64(oldEnd))) || v.Type != VANON {
			continue
		}
		if newEnd < v.Start {
			return -defs.EINVAL
		}
		newAligned := mem.VirtAddr(mem.AlignUp(uint64(newEnd)))
		if newAligned < v.End {
			as.unmapRangeLocked(cpu, newAligned, v.End)
		}
		v.End = newAligned
		return 0
	}
	return -defs.EINVAL
}

/// Free tears down the address space: every mapped frame is released.
func (as *AddressSpace) Free(cpu int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, v := range as.vmas {
		as.unmapRangeLocked(cpu, v.Start, v.End)
	}
	as.vmas = nil
}

// LoadELF maps a statically-linked ELF executable's PT_LOAD segments as
// file-backed private VMAs and returns the entry point and the initial
// top of the BSS (for Brk's starting point).
func LoadELF(as *AddressSpace, r io.ReaderAt) (entry mem.VirtAddr, brkStart mem.VirtAddr, err defs.Err_t) {
	f, e := elf.NewFile(r)
	if e != nil {
		return 0, 0, -defs.ENOEXEC
	}
	var maxEnd mem.VirtAddr
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		perms := paging.User
		if prog.Flags&elf.PF_W != 0 {
			perms |= paging.Writable
		}
		backing := &elfSegment{r: r, fileOff: int64(prog.Off), fileSize: int64(prog.Filesz)}
		va := mem.VirtAddr(prog.Vaddr)
		as.AddFile(va, mem.VirtAddr(prog.Memsz), perms, backing, 0, false)
		end := va + mem.VirtAddr(prog.Memsz)
		if end > maxEnd {
			maxEnd = end
		}
	}
	return mem.VirtAddr(f.Entry), mem.VirtAddr(mem.AlignUp(uint64(maxEnd))), 0
}

// elfSegment serves zero-filled pages past a PT_LOAD segment's file size,
// matching the ELF loader's "filesz may be less than memsz" BSS rule.
type elfSegment struct {
	r        io.ReaderAt
	fileOff  int64
	fileSize int64
}

func (s *elfSegment) ReadPage(off int64, buf []byte) (int, error) {
	if off >= s.fileSize {
		return 0, nil
	}
	n := int64(len(buf))
	if off+n > s.fileSize {
		n = s.fileSize - off
	}
	return s.r.ReadAt(buf[:n], s.fileOff+off)
}
