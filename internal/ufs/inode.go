package ufs

import (
	"github.com/slopos/slopos/internal/defs"
)

// inodeLocation returns which group and within-group index (0-based)
// inode n lives at.
func (fs *Filesystem) inodeLocation(n uint32) (group int, idx uint32) {
	rel := n - 1
	group = int(rel / fs.sb.InodesPerGroup)
	idx = rel % fs.sb.InodesPerGroup
	return
}

func (fs *Filesystem) readInodeLocked(n uint32) (*Ext2Inode, defs.Err_t) {
	if cached, ok := fs.inodeCache.Get(n); ok {
		return cached.(*Ext2Inode), 0
	}
	if n == 0 || int(n) > int(fs.sb.InodesCount) {
		return nil, -defs.EINVAL
	}
	group, idx := fs.inodeLocation(n)
	if group >= len(fs.groups) {
		return nil, -defs.EINVAL
	}
	gd := fs.groups[group]
	isz := int64(fs.sb.InodeSize)
	off := int64(gd.InodeTable)*int64(fs.sb.BlockSize()) + int64(idx)*isz
	buf := make([]byte, isz)
	if err := fs.dev.ReadAt(off, buf); err != nil {
		return nil, -defs.EIO
	}
	in := unmarshalInode(buf)
	fs.inodeCache.Set(n, in)
	return in, 0
}

func (fs *Filesystem) writeInodeLocked(n uint32, in *Ext2Inode) defs.Err_t {
	group, idx := fs.inodeLocation(n)
	if group >= len(fs.groups) {
		return -defs.EINVAL
	}
	gd := fs.groups[group]
	isz := int64(fs.sb.InodeSize)
	off := int64(gd.InodeTable)*int64(fs.sb.BlockSize()) + int64(idx)*isz
	buf := make([]byte, isz)
	in.marshal(buf)
	if err := fs.dev.WriteAt(off, buf); err != nil {
		return -defs.EIO
	}
	fs.inodeCache.Set(n, in)
	return 0
}

// ReadInode reads and parses inode n.
func (fs *Filesystem) ReadInode(n uint32) (*Ext2Inode, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.readInodeLocked(n)
}

// bitmapTestAndSet scans the bitmap at block bmBlk for the first zero
// bit (up to max bits), sets it, and returns its index; the allocator
// used for both inode and block bitmaps.
func (fs *Filesystem) bitmapTestAndSet(bmBlk uint32, max int) (int, defs.Err_t) {
	buf := make([]byte, fs.sb.BlockSize())
	if err := fs.readBlock(bmBlk, buf); err != 0 {
		return 0, err
	}
	for i := 0; i < max; i++ {
		byteIdx := i / 8
		bit := uint(i % 8)
		if buf[byteIdx]&(1<<bit) == 0 {
			buf[byteIdx] |= 1 << bit
			if err := fs.writeBlock(bmBlk, buf); err != 0 {
				return 0, err
			}
			return i, 0
		}
	}
	return 0, -defs.ENOSPC
}

func (fs *Filesystem) bitmapClear(bmBlk uint32, idx int) defs.Err_t {
	buf := make([]byte, fs.sb.BlockSize())
	if err := fs.readBlock(bmBlk, buf); err != 0 {
		return err
	}
	byteIdx := idx / 8
	bit := uint(idx % 8)
	buf[byteIdx] &^= 1 << bit
	return fs.writeBlock(bmBlk, buf)
}

// allocInodeLocked finds a free inode in any group with a free-inode
// count, sets its bitmap bit, and updates the super block / group
// descriptor counters.
func (fs *Filesystem) allocInodeLocked(dir bool) (uint32, defs.Err_t) {
	if fs.sb.FreeInodesCount == 0 {
		return 0, -defs.ENOSPC
	}
	for gi, gd := range fs.groups {
		if gd.FreeInodesCnt == 0 {
			continue
		}
		idx, err := fs.bitmapTestAndSet(gd.InodeBitmap, int(fs.sb.InodesPerGroup))
		if err != 0 {
			continue
		}
		gd.FreeInodesCnt--
		if dir {
			gd.UsedDirsCnt++
		}
		fs.sb.FreeInodesCount--
		n := uint32(gi)*fs.sb.InodesPerGroup + uint32(idx) + 1
		if err := fs.flushSuperLocked(); err != 0 {
			return 0, err
		}
		return n, 0
	}
	return 0, -defs.ENOSPC
}

func (fs *Filesystem) freeInodeLocked(n uint32, wasDir bool) defs.Err_t {
	group, idx := fs.inodeLocation(n)
	if group >= len(fs.groups) {
		return -defs.EINVAL
	}
	gd := fs.groups[group]
	if err := fs.bitmapClear(gd.InodeBitmap, int(idx)); err != 0 {
		return err
	}
	gd.FreeInodesCnt++
	if wasDir && gd.UsedDirsCnt > 0 {
		gd.UsedDirsCnt--
	}
	fs.sb.FreeInodesCount++
	fs.inodeCache.Del(n)
	return fs.flushSuperLocked()
}

// allocBlockLocked allocates a free data block from any group with a
// free-block count, returning its absolute block number.
func (fs *Filesystem) allocBlockLocked() (uint32, defs.Err_t) {
	if fs.sb.FreeBlocksCount == 0 {
		return 0, -defs.ENOSPC
	}
	for gi, gd := range fs.groups {
		if gd.FreeBlocksCnt == 0 {
			continue
		}
		idx, err := fs.bitmapTestAndSet(gd.BlockBitmap, int(fs.sb.BlocksPerGroup))
		if err != 0 {
			continue
		}
		gd.FreeBlocksCnt--
		fs.sb.FreeBlocksCount--
		blk := fs.sb.FirstDataBlock + uint32(gi)*fs.sb.BlocksPerGroup + uint32(idx)
		if err := fs.flushSuperLocked(); err != 0 {
			return 0, err
		}
		zero := make([]byte, fs.sb.BlockSize())
		fs.writeBlock(blk, zero)
		return blk, 0
	}
	return 0, -defs.ENOSPC
}

func (fs *Filesystem) freeBlockLocked(blk uint32) defs.Err_t {
	rel := blk - fs.sb.FirstDataBlock
	gi := int(rel / fs.sb.BlocksPerGroup)
	idx := int(rel % fs.sb.BlocksPerGroup)
	if gi >= len(fs.groups) {
		return -defs.EINVAL
	}
	gd := fs.groups[gi]
	if err := fs.bitmapClear(gd.BlockBitmap, idx); err != 0 {
		return err
	}
	gd.FreeBlocksCnt++
	fs.sb.FreeBlocksCount++
	return fs.flushSuperLocked()
}

// blockForOffset maps a logical block number within a file to its
// physical block: direct blocks 0..11, then single-indirect
// block 12. Anything beyond that is rejected rather than silently
// truncated.
func (fs *Filesystem) blockForOffset(in *Ext2Inode, logicalBlk int, create bool) (uint32, defs.Err_t) {
	if logicalBlk < inodeDirectCount {
		if in.Block[logicalBlk] == 0 && create {
			nb, err := fs.allocBlockLocked()
			if err != 0 {
				return 0, err
			}
			in.Block[logicalBlk] = nb
		}
		return in.Block[logicalBlk], 0
	}
	ptrsPerBlock := fs.sb.BlockSize() / 4
	rel := logicalBlk - inodeDirectCount
	if rel >= ptrsPerBlock {
		return 0, -defs.EINVAL // UnsupportedIndirection: double/triple not supported
	}
	if in.Block[inodeIndirect] == 0 {
		if !create {
			return 0, 0
		}
		nb, err := fs.allocBlockLocked()
		if err != 0 {
			return 0, err
		}
		in.Block[inodeIndirect] = nb
	}
	indBuf := make([]byte, fs.sb.BlockSize())
	if err := fs.readBlock(in.Block[inodeIndirect], indBuf); err != 0 {
		return 0, err
	}
	ptr := le32(indBuf, rel*4)
	if ptr == 0 && create {
		nb, err := fs.allocBlockLocked()
		if err != 0 {
			return 0, err
		}
		put32(indBuf, rel*4, nb)
		if err := fs.writeBlock(in.Block[inodeIndirect], indBuf); err != 0 {
			return 0, err
		}
		ptr = nb
	}
	return ptr, 0
}

// setBlockPointer records that logical block logicalBlk of in now maps
// to the physical block blk, creating the single-indirect block first if
// needed. Used when a caller (directory growth) has already allocated
// the physical block itself and just needs it linked in.
func (fs *Filesystem) setBlockPointer(in *Ext2Inode, logicalBlk int, blk uint32) defs.Err_t {
	if logicalBlk < inodeDirectCount {
		in.Block[logicalBlk] = blk
		return 0
	}
	ptrsPerBlock := fs.sb.BlockSize() / 4
	rel := logicalBlk - inodeDirectCount
	if rel >= ptrsPerBlock {
		return -defs.EINVAL
	}
	if in.Block[inodeIndirect] == 0 {
		nb, err := fs.allocBlockLocked()
		if err != 0 {
			return err
		}
		in.Block[inodeIndirect] = nb
	}
	indBuf := make([]byte, fs.sb.BlockSize())
	if err := fs.readBlock(in.Block[inodeIndirect], indBuf); err != 0 {
		return err
	}
	put32(indBuf, rel*4, blk)
	return fs.writeBlock(in.Block[inodeIndirect], indBuf)
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func put32(b []byte, off int, v uint32) {
	b[off] = byte(v)
	b[off+1] = byte(v >> 8)
	b[off+2] = byte(v >> 16)
	b[off+3] = byte(v >> 24)
}

// ReadFile reads up to len(buf) bytes of inode n's content starting at
// offset; gaps (sparse blocks) read as zero.
func (fs *Filesystem) ReadFile(n uint32, offset int64, buf []byte) (int, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readInodeLocked(n)
	if err != 0 {
		return 0, err
	}
	return fs.readFileLocked(in, offset, buf)
}

func (fs *Filesystem) readFileLocked(in *Ext2Inode, offset int64, buf []byte) (int, defs.Err_t) {
	bs := int64(fs.sb.BlockSize())
	total := 0
	remaining := int64(in.Size) - offset
	if remaining <= 0 {
		return 0, 0
	}
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	for total < len(buf) {
		off := offset + int64(total)
		logicalBlk := int(off / bs)
		inBlk := int(off % bs)
		n := int(bs) - inBlk
		if n > len(buf)-total {
			n = len(buf) - total
		}
		blk, err := fs.blockForOffset(in, logicalBlk, false)
		if err != 0 {
			return total, err
		}
		if blk == 0 {
			for i := 0; i < n; i++ {
				buf[total+i] = 0
			}
		} else {
			tmp := make([]byte, bs)
			if err := fs.readBlock(blk, tmp); err != 0 {
				return total, err
			}
			copy(buf[total:total+n], tmp[inBlk:inBlk+n])
		}
		total += n
	}
	return total, 0
}

// WriteFile writes buf at offset into inode n's content, growing the
// inode (allocating blocks, creating the indirect block as needed) and
// updating size/blocks accounting.
func (fs *Filesystem) WriteFile(n uint32, offset int64, buf []byte) (int, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readInodeLocked(n)
	if err != 0 {
		return 0, err
	}
	bs := int64(fs.sb.BlockSize())
	total := 0
	for total < len(buf) {
		off := offset + int64(total)
		logicalBlk := int(off / bs)
		inBlk := int(off % bs)
		nb := int(bs) - inBlk
		if nb > len(buf)-total {
			nb = len(buf) - total
		}
		blk, err := fs.blockForOffset(in, logicalBlk, true)
		if err != 0 {
			return total, err
		}
		tmp := make([]byte, bs)
		if err := fs.readBlock(blk, tmp); err != 0 {
			return total, err
		}
		copy(tmp[inBlk:inBlk+nb], buf[total:total+nb])
		if err := fs.writeBlock(blk, tmp); err != 0 {
			return total, err
		}
		total += nb
	}
	newSize := offset + int64(total)
	if newSize > int64(in.Size) {
		in.Size = uint32(newSize)
		in.BlocksCount = uint32((newSize + 511) / 512)
	}
	if err := fs.writeInodeLocked(n, in); err != 0 {
		return total, err
	}
	return total, 0
}
