// Package ufs implements the ext2 filesystem: superblock and group
// descriptor parsing, inode read/write with direct plus single-indirect
// block mapping, directory entry iteration, and the bitmap allocator
// shared by inode and block allocation. Rev 0 and 1 superblocks with
// 128-byte inodes are supported; anything needing double/triple
// indirection or incompatible feature flags is rejected up front.
// internal/hashtable backs the per-filesystem open inode cache (keyed
// by inode number); its lock-free-read bucket design fits a cache every
// directory lookup consults.
package ufs

import (
	"encoding/binary"
	"sync"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/hashtable"
	"github.com/slopos/slopos/internal/stat"
)

// BlockDevice is the contract a backing store (a ramdisk, a host file, a
// virtio-blk driver) must satisfy.
type BlockDevice interface {
	ReadAt(offset int64, buf []byte) error
	WriteAt(offset int64, buf []byte) error
	Capacity() int64
}

const (
	superblockOffset = 1024
	superblockSize   = 1024
	rootInode        = 2
	inodeDirectCount = 12
	inodeIndirect    = 12 // index of the single-indirect pointer
	ext2Magic        = 0xEF53

	// Incompatible feature flags we refuse rather than silently mishandle.
	featureIncompatCompression = 0x0001
	featureIncompatFiletype    = 0x0002
	featureIncompatRecover     = 0x0004
	featureIncompatJournalDev  = 0x0008
	featureIncompatMetaBG      = 0x0010
)

// unsupportedIncompat are bits this implementation does not handle:
// compression, journal devices, and meta block groups. Filetype/recovery
// are tolerated.
const unsupportedIncompat = featureIncompatCompression | featureIncompatJournalDev | featureIncompatMetaBG

// Ext2Superblock mirrors the on-disk ext2 superblock fields SlopOS reads
// or writes.
type Ext2Superblock struct {
	InodesCount      uint32
	BlocksCount      uint32
	FreeBlocksCount  uint32
	FreeInodesCount  uint32
	FirstDataBlock   uint32
	LogBlockSize     uint32
	BlocksPerGroup   uint32
	InodesPerGroup   uint32
	Magic            uint16
	RevLevel         uint32
	FirstIno         uint32
	InodeSize        uint16
	FeatureIncompat  uint32
}

// BlockSize returns the filesystem's block size in bytes (1KiB-4KiB).
func (sb *Ext2Superblock) BlockSize() int { return 1024 << sb.LogBlockSize }

func (sb *Ext2Superblock) groupCount() int {
	n := int(sb.BlocksCount-sb.FirstDataBlock+sb.BlocksPerGroup-1) / int(sb.BlocksPerGroup)
	return n
}

func (sb *Ext2Superblock) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], sb.InodesCount)
	binary.LittleEndian.PutUint32(buf[4:], sb.BlocksCount)
	binary.LittleEndian.PutUint32(buf[12:], sb.FreeBlocksCount)
	binary.LittleEndian.PutUint32(buf[16:], sb.FreeInodesCount)
	binary.LittleEndian.PutUint32(buf[20:], sb.FirstDataBlock)
	binary.LittleEndian.PutUint32(buf[24:], sb.LogBlockSize)
	binary.LittleEndian.PutUint32(buf[32:], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(buf[40:], sb.InodesPerGroup)
	binary.LittleEndian.PutUint16(buf[56:], sb.Magic)
	binary.LittleEndian.PutUint32(buf[76:], sb.RevLevel)
	binary.LittleEndian.PutUint32(buf[84:], sb.FirstIno)
	binary.LittleEndian.PutUint16(buf[88:], sb.InodeSize)
	binary.LittleEndian.PutUint32(buf[96:], sb.FeatureIncompat)
}

func unmarshalSuperblock(buf []byte) (*Ext2Superblock, defs.Err_t) {
	sb := &Ext2Superblock{
		InodesCount:     binary.LittleEndian.Uint32(buf[0:]),
		BlocksCount:     binary.LittleEndian.Uint32(buf[4:]),
		FreeBlocksCount: binary.LittleEndian.Uint32(buf[12:]),
		FreeInodesCount: binary.LittleEndian.Uint32(buf[16:]),
		FirstDataBlock:  binary.LittleEndian.Uint32(buf[20:]),
		LogBlockSize:    binary.LittleEndian.Uint32(buf[24:]),
		BlocksPerGroup:  binary.LittleEndian.Uint32(buf[32:]),
		InodesPerGroup:  binary.LittleEndian.Uint32(buf[40:]),
		Magic:           binary.LittleEndian.Uint16(buf[56:]),
		RevLevel:        binary.LittleEndian.Uint32(buf[76:]),
		FirstIno:        binary.LittleEndian.Uint32(buf[84:]),
		InodeSize:       binary.LittleEndian.Uint16(buf[88:]),
		FeatureIncompat: binary.LittleEndian.Uint32(buf[96:]),
	}
	if sb.Magic != ext2Magic {
		return nil, -defs.EINVAL
	}
	if sb.RevLevel == 0 {
		sb.InodeSize = 128
		sb.FirstIno = 11
	}
	if sb.InodeSize < 128 {
		return nil, -defs.EINVAL
	}
	if sb.FeatureIncompat&unsupportedIncompat != 0 {
		return nil, -defs.EINVAL
	}
	return sb, 0
}

// Ext2GroupDesc mirrors one 32-byte block group descriptor.
type Ext2GroupDesc struct {
	BlockBitmap   uint32
	InodeBitmap   uint32
	InodeTable    uint32
	FreeBlocksCnt uint16
	FreeInodesCnt uint16
	UsedDirsCnt   uint16
}

func (gd *Ext2GroupDesc) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], gd.BlockBitmap)
	binary.LittleEndian.PutUint32(buf[4:], gd.InodeBitmap)
	binary.LittleEndian.PutUint32(buf[8:], gd.InodeTable)
	binary.LittleEndian.PutUint16(buf[12:], gd.FreeBlocksCnt)
	binary.LittleEndian.PutUint16(buf[14:], gd.FreeInodesCnt)
	binary.LittleEndian.PutUint16(buf[16:], gd.UsedDirsCnt)
}

func unmarshalGroupDesc(buf []byte) *Ext2GroupDesc {
	return &Ext2GroupDesc{
		BlockBitmap:   binary.LittleEndian.Uint32(buf[0:]),
		InodeBitmap:   binary.LittleEndian.Uint32(buf[4:]),
		InodeTable:    binary.LittleEndian.Uint32(buf[8:]),
		FreeBlocksCnt: binary.LittleEndian.Uint16(buf[12:]),
		FreeInodesCnt: binary.LittleEndian.Uint16(buf[14:]),
		UsedDirsCnt:   binary.LittleEndian.Uint16(buf[16:]),
	}
}

// inode mode bits we need (a subset of full POSIX mode).
const (
	modeFmt  = 0xF000
	modeDir  = 0x4000
	modeReg  = 0x8000
)

// Ext2Inode mirrors the fields SlopOS uses of the 128-byte on-disk inode.
type Ext2Inode struct {
	Mode        uint16
	Size        uint32
	LinksCount  uint16
	BlocksCount uint32 // in 512-byte sectors, per ext2 convention
	Block       [15]uint32
}

func (in *Ext2Inode) marshal(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:], in.Mode)
	binary.LittleEndian.PutUint32(buf[4:], in.Size)
	binary.LittleEndian.PutUint16(buf[26:], in.LinksCount)
	binary.LittleEndian.PutUint32(buf[28:], in.BlocksCount)
	for i, b := range in.Block {
		binary.LittleEndian.PutUint32(buf[40+4*i:], b)
	}
}

func unmarshalInode(buf []byte) *Ext2Inode {
	in := &Ext2Inode{
		Mode:        binary.LittleEndian.Uint16(buf[0:]),
		Size:        binary.LittleEndian.Uint32(buf[4:]),
		LinksCount:  binary.LittleEndian.Uint16(buf[26:]),
		BlocksCount: binary.LittleEndian.Uint32(buf[28:]),
	}
	for i := range in.Block {
		in.Block[i] = binary.LittleEndian.Uint32(buf[40+4*i:])
	}
	return in
}

func (in *Ext2Inode) IsDir() bool { return in.Mode&modeFmt == modeDir }
func (in *Ext2Inode) IsReg() bool { return in.Mode&modeFmt == modeReg }

// Filesystem is a mounted ext2 volume: the superblock, group descriptor
// table, and the backing block device, guarded by one mutex.
type Filesystem struct {
	mu         sync.Mutex
	dev        BlockDevice
	sb         *Ext2Superblock
	groups     []*Ext2GroupDesc
	groupStart int64 // byte offset of the group descriptor table
	inodeCache *hashtable.Hashtable_t
}

// Mount parses the superblock and group descriptor table from dev.
func Mount(dev BlockDevice) (*Filesystem, defs.Err_t) {
	buf := make([]byte, superblockSize)
	if err := dev.ReadAt(superblockOffset, buf); err != nil {
		return nil, -defs.EIO
	}
	sb, everr := unmarshalSuperblock(buf)
	if everr != 0 {
		return nil, everr
	}
	fs := &Filesystem{dev: dev, sb: sb, inodeCache: hashtable.MkHash(64)}
	fs.groupStart = int64(sb.BlockSize()) * int64(sb.FirstDataBlock+1)
	n := sb.groupCount()
	gdb := make([]byte, n*32)
	if err := dev.ReadAt(fs.groupStart, gdb); err != nil {
		return nil, -defs.EIO
	}
	fs.groups = make([]*Ext2GroupDesc, n)
	for i := 0; i < n; i++ {
		fs.groups[i] = unmarshalGroupDesc(gdb[i*32:])
	}
	return fs, 0
}

func (fs *Filesystem) flushSuperLocked() defs.Err_t {
	buf := make([]byte, superblockSize)
	fs.sb.marshal(buf)
	if err := fs.dev.WriteAt(superblockOffset, buf); err != nil {
		return -defs.EIO
	}
	gdb := make([]byte, len(fs.groups)*32)
	for i, g := range fs.groups {
		g.marshal(gdb[i*32:])
	}
	if err := fs.dev.WriteAt(fs.groupStart, gdb); err != nil {
		return -defs.EIO
	}
	return 0
}

func (fs *Filesystem) readBlock(blk uint32, buf []byte) defs.Err_t {
	off := int64(blk) * int64(fs.sb.BlockSize())
	if err := fs.dev.ReadAt(off, buf); err != nil {
		return -defs.EIO
	}
	return 0
}

func (fs *Filesystem) writeBlock(blk uint32, buf []byte) defs.Err_t {
	off := int64(blk) * int64(fs.sb.BlockSize())
	if err := fs.dev.WriteAt(off, buf); err != nil {
		return -defs.EIO
	}
	return 0
}

// StatInode fills st from the inode numbered n.
func (fs *Filesystem) StatInode(n uint32, st *stat.Stat_t) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readInodeLocked(n)
	if err != 0 {
		return err
	}
	st.Wino(uint(n))
	st.Wmode(uint(in.Mode))
	st.Wsize(uint(in.Size))
	st.Wrdev(0)
	return 0
}
