package vm

import (
	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/mem"
	"github.com/slopos/slopos/internal/ustr"
)

// userSlice returns the direct-mapped byte slice backing the page
// containing va, faulting it in (for k2u, as a write) if necessary, so
// a copy path never dereferences an unmapped user page.
func (as *AddressSpace) userSlice(cpu int, va mem.VirtAddr, k2u bool) ([]byte, defs.Err_t) {
	page := mem.VirtAddr(mem.AlignDown(uint64(va)))
	if err := as.PageFault(cpu, page, k2u); err != 0 {
		if _, _, ok := as.Pmap.Translate(page); !ok {
			return nil, err
		}
	}
	phys, _, ok := as.Pmap.Translate(page)
	if !ok {
		return nil, -defs.EFAULT
	}
	off := uint64(va) & mem.PageMask
	return as.alloc.Dmap(phys)[off:], 0
}

/// CopyOut copies dst's length worth of bytes from user address uva into
/// dst (a kernel-owned buffer).
func (as *AddressSpace) CopyOut(cpu int, uva mem.VirtAddr, dst []byte) defs.Err_t {
	for len(dst) > 0 {
		src, err := as.userSlice(cpu, uva, false)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		dst = dst[n:]
		uva += mem.VirtAddr(n)
	}
	return 0
}

/// CopyIn writes src into the user address space starting at uva.
func (as *AddressSpace) CopyIn(cpu int, src []byte, uva mem.VirtAddr) defs.Err_t {
	for len(src) > 0 {
		dst, err := as.userSlice(cpu, uva, true)
		if err != 0 {
			return err
		}
		n := copy(dst, src)
		src = src[n:]
		uva += mem.VirtAddr(n)
	}
	return 0
}

/// CopyInString copies a NUL-terminated string from user space, up to
/// lenmax bytes, returning ENAMETOOLONG if no terminator is found first.
func (as *AddressSpace) CopyInString(cpu int, uva mem.VirtAddr, lenmax int) (ustr.Ustr, defs.Err_t) {
	s := ustr.MkUstr()
	for len(s) < lenmax {
		chunk, err := as.userSlice(cpu, uva, false)
		if err != 0 {
			return nil, err
		}
		for i, c := range chunk {
			if c == 0 {
				return append(s, chunk[:i]...), 0
			}
		}
		s = append(s, chunk...)
		uva += mem.VirtAddr(len(chunk))
	}
	return nil, -defs.ENAMETOOLONG
}
