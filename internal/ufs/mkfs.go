package ufs

import (
	"errors"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/hashtable"
)

var errOutOfRange = errors.New("ufs: memdevice access out of range")

// MemDevice is an in-memory BlockDevice, used by tests and by
// internal/shm-adjacent simulation code that wants an ext2 volume
// without touching the host filesystem.
type MemDevice struct {
	data []byte
}

// NewMemDevice allocates a zeroed in-memory block device of size bytes.
func NewMemDevice(size int64) *MemDevice {
	return &MemDevice{data: make([]byte, size)}
}

func (m *MemDevice) ReadAt(offset int64, buf []byte) error {
	if offset < 0 || offset+int64(len(buf)) > int64(len(m.data)) {
		copy(buf, make([]byte, len(buf)))
		return nil
	}
	copy(buf, m.data[offset:offset+int64(len(buf))])
	return nil
}

func (m *MemDevice) WriteAt(offset int64, buf []byte) error {
	if offset < 0 || offset+int64(len(buf)) > int64(len(m.data)) {
		return errOutOfRange
	}
	copy(m.data[offset:offset+int64(len(buf))], buf)
	return nil
}

func (m *MemDevice) Capacity() int64 { return int64(len(m.data)) }

// Mkfs formats a fresh ext2 rev-1 filesystem of the given size onto dev,
// with one block group, a 1KiB block size, and a seeded root directory.
// cmd/mkimage drives it on the host; tests call it directly to get a
// fresh in-memory filesystem.
func Mkfs(dev BlockDevice, size int64) (*Filesystem, defs.Err_t) {
	const blockSize = 1024
	totalBlocks := uint32(size / blockSize)
	if totalBlocks < 64 {
		return nil, -defs.EINVAL
	}
	inodesPerGroup := totalBlocks / 4
	if inodesPerGroup < 32 {
		inodesPerGroup = 32
	}
	sb := &Ext2Superblock{
		InodesCount:    inodesPerGroup,
		BlocksCount:    totalBlocks,
		FirstDataBlock: 1,
		LogBlockSize:   0,
		BlocksPerGroup: totalBlocks,
		InodesPerGroup: inodesPerGroup,
		Magic:          ext2Magic,
		RevLevel:       1,
		FirstIno:       11,
		InodeSize:      128,
	}

	inodeTableBlocks := (int64(inodesPerGroup)*int64(sb.InodeSize) + blockSize - 1) / blockSize
	bitmapBlock := sb.FirstDataBlock + 2
	inodeBitmapBlock := bitmapBlock + 1
	inodeTableBlock := inodeBitmapBlock + 1
	firstFreeBlock := uint32(inodeTableBlock) + uint32(inodeTableBlocks)

	sb.FreeBlocksCount = totalBlocks - firstFreeBlock
	sb.FreeInodesCount = inodesPerGroup - (sb.FirstIno - 1)

	gd := &Ext2GroupDesc{
		BlockBitmap: bitmapBlock,
		InodeBitmap: inodeBitmapBlock,
		InodeTable:  uint32(inodeTableBlock),
		FreeBlocksCnt: uint16(sb.FreeBlocksCount),
		FreeInodesCnt: uint16(sb.FreeInodesCount),
	}

	fs := &Filesystem{dev: dev, sb: sb, groups: []*Ext2GroupDesc{gd}}
	fs.groupStart = int64(blockSize) * int64(sb.FirstDataBlock+1)
	fs.inodeCache = hashtable.MkHash(64)

	// Mark every block below firstFreeBlock used in the block bitmap, and
	// every inode below FirstIno used in the inode bitmap.
	bmBuf := make([]byte, blockSize)
	for i := uint32(0); i < firstFreeBlock; i++ {
		bmBuf[i/8] |= 1 << (i % 8)
	}
	if err := fs.writeBlock(bitmapBlock, bmBuf); err != 0 {
		return nil, err
	}
	// Reserve inodes 1..FirstIno-1 up front (root included, at its fixed
	// number 2) by marking their bitmap bits directly rather than routing
	// them through the scan-for-a-zero-bit allocator, which is reserved
	// for inodes FirstIno and up.
	imBuf := make([]byte, blockSize)
	for i := uint32(0); i < sb.FirstIno-1; i++ {
		imBuf[i/8] |= 1 << (i % 8)
	}
	if err := fs.writeBlock(inodeBitmapBlock, imBuf); err != 0 {
		return nil, err
	}
	gd.UsedDirsCnt = 1

	if err := fs.flushSuperLocked(); err != 0 {
		return nil, err
	}

	// Seed the root directory at its fixed inode number.
	rootBlk, err := fs.allocBlockLocked()
	if err != 0 {
		return nil, err
	}
	dbuf := make([]byte, blockSize)
	dotLen := minRecLen(".")
	putDirEntry(dbuf, 0, rootInode, ".", dotLen, filetypeDir)
	putDirEntry(dbuf, dotLen, rootInode, "..", blockSize-dotLen, filetypeDir)
	if err := fs.writeBlock(rootBlk, dbuf); err != 0 {
		return nil, err
	}
	root := &Ext2Inode{Mode: modeDir | 0755, LinksCount: 2, Size: blockSize, BlocksCount: blockSize / 512}
	root.Block[0] = rootBlk
	if err := fs.writeInodeLocked(rootInode, root); err != 0 {
		return nil, err
	}
	return fs, 0
}

// RootInode returns the inode number of the filesystem root ("/").
func (fs *Filesystem) RootInode() uint32 { return rootInode }
