package ufs

import (
	"github.com/slopos/slopos/internal/defs"
)

// dirEntry is a decoded ext2 directory entry: a fixed 8-byte prefix on
// disk followed by the name bytes, with rec_len 4-byte aligned.
type dirEntry struct {
	Inode   uint32
	RecLen  uint16
	NameLen uint8
	FileTyp uint8
	Name    string
}

func parseDirEntry(buf []byte, off int) (dirEntry, int) {
	e := dirEntry{
		Inode:   le32(buf, off),
		RecLen:  uint16(buf[off+4]) | uint16(buf[off+5])<<8,
		NameLen: buf[off+6],
		FileTyp: buf[off+7],
	}
	e.Name = string(buf[off+8 : off+8+int(e.NameLen)])
	return e, int(e.RecLen)
}

func putDirEntry(buf []byte, off int, inode uint32, name string, recLen int, filetype uint8) {
	put32(buf, off, inode)
	buf[off+4] = byte(recLen)
	buf[off+5] = byte(recLen >> 8)
	buf[off+6] = byte(len(name))
	buf[off+7] = filetype
	copy(buf[off+8:], name)
}

// minRecLen is the 4-byte-aligned space a dirent for name needs.
func minRecLen(name string) int {
	n := 8 + len(name)
	return (n + 3) &^ 3
}

const (
	filetypeUnknown = 0
	filetypeReg     = 1
	filetypeDir     = 2
)

// lookupLocked scans inode dirIno's directory blocks for name, returning
// its inode number.
func (fs *Filesystem) lookupLocked(dirIno uint32, name string) (uint32, defs.Err_t) {
	in, err := fs.readInodeLocked(dirIno)
	if err != 0 {
		return 0, err
	}
	if !in.IsDir() {
		return 0, -defs.ENOTDIR
	}
	bs := fs.sb.BlockSize()
	nblocks := (int(in.Size) + bs - 1) / bs
	buf := make([]byte, bs)
	for lb := 0; lb < nblocks; lb++ {
		blk, err := fs.blockForOffset(in, lb, false)
		if err != 0 {
			return 0, err
		}
		if blk == 0 {
			continue
		}
		if err := fs.readBlock(blk, buf); err != 0 {
			return 0, err
		}
		off := 0
		for off < bs {
			e, reclen := parseDirEntry(buf, off)
			if reclen <= 0 {
				break
			}
			if e.Inode != 0 && e.Name == name {
				return e.Inode, 0
			}
			off += reclen
		}
	}
	return 0, -defs.ENOENT
}

// Lookup resolves name within directory inode dirIno.
func (fs *Filesystem) Lookup(dirIno uint32, name string) (uint32, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.lookupLocked(dirIno, name)
}

// List returns every non-deleted entry name in directory inode dirIno.
func (fs *Filesystem) List(dirIno uint32) ([]string, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, err := fs.readInodeLocked(dirIno)
	if err != 0 {
		return nil, err
	}
	if !in.IsDir() {
		return nil, -defs.ENOTDIR
	}
	bs := fs.sb.BlockSize()
	nblocks := (int(in.Size) + bs - 1) / bs
	buf := make([]byte, bs)
	var names []string
	for lb := 0; lb < nblocks; lb++ {
		blk, err := fs.blockForOffset(in, lb, false)
		if err != 0 {
			return nil, err
		}
		if blk == 0 {
			continue
		}
		if err := fs.readBlock(blk, buf); err != 0 {
			return nil, err
		}
		off := 0
		for off < bs {
			e, reclen := parseDirEntry(buf, off)
			if reclen <= 0 {
				break
			}
			if e.Inode != 0 {
				names = append(names, e.Name)
			}
			off += reclen
		}
	}
	return names, 0
}

// appendDirEntryLocked inserts (name -> ino) into directory inode dirIno,
// splitting the last record of an existing block when there's enough
// free space, else allocating a fresh directory block.
func (fs *Filesystem) appendDirEntryLocked(dirIno uint32, name string, ino uint32, filetype uint8) defs.Err_t {
	in, err := fs.readInodeLocked(dirIno)
	if err != 0 {
		return err
	}
	need := minRecLen(name)
	bs := fs.sb.BlockSize()
	nblocks := (int(in.Size) + bs - 1) / bs
	buf := make([]byte, bs)
	for lb := 0; lb < nblocks; lb++ {
		blk, err := fs.blockForOffset(in, lb, false)
		if err != 0 {
			return err
		}
		if blk == 0 {
			continue
		}
		if err := fs.readBlock(blk, buf); err != 0 {
			return err
		}
		off := 0
		for off < bs {
			e, reclen := parseDirEntry(buf, off)
			if reclen <= 0 {
				break
			}
			used := minRecLen(e.Name)
			if e.Inode == 0 && reclen >= need {
				putDirEntry(buf, off, ino, name, reclen, filetype)
				return fs.writeBlock(blk, buf)
			}
			if reclen-used >= need {
				putDirEntry(buf, off, e.Inode, e.Name, used, e.FileTyp)
				putDirEntry(buf, off+used, ino, name, reclen-used, filetype)
				return fs.writeBlock(blk, buf)
			}
			off += reclen
		}
	}
	// No room in any existing block: allocate a new one, entirely this record.
	nb, err := fs.allocBlockLocked()
	if err != 0 {
		return err
	}
	newBuf := make([]byte, bs)
	putDirEntry(newBuf, 0, ino, name, bs, filetype)
	if err := fs.writeBlock(nb, newBuf); err != 0 {
		return err
	}
	logicalBlk := nblocks
	if err := fs.setBlockPointer(in, logicalBlk, nb); err != 0 {
		return err
	}
	in.Size = uint32((logicalBlk + 1) * bs)
	return fs.writeInodeLocked(dirIno, in)
}

// clearDirEntryLocked zeroes the inode field of name's entry within
// dirIno, marking it deleted without compacting the record.
func (fs *Filesystem) clearDirEntryLocked(dirIno uint32, name string) defs.Err_t {
	in, err := fs.readInodeLocked(dirIno)
	if err != 0 {
		return err
	}
	bs := fs.sb.BlockSize()
	nblocks := (int(in.Size) + bs - 1) / bs
	buf := make([]byte, bs)
	for lb := 0; lb < nblocks; lb++ {
		blk, err := fs.blockForOffset(in, lb, false)
		if err != 0 {
			return err
		}
		if blk == 0 {
			continue
		}
		if err := fs.readBlock(blk, buf); err != 0 {
			return err
		}
		off := 0
		for off < bs {
			e, reclen := parseDirEntry(buf, off)
			if reclen <= 0 {
				break
			}
			if e.Inode != 0 && e.Name == name {
				put32(buf, off, 0)
				return fs.writeBlock(blk, buf)
			}
			off += reclen
		}
	}
	return -defs.ENOENT
}

// CreateFile creates a regular file named name in directory dirIno.
func (fs *Filesystem) CreateFile(dirIno uint32, name string) (uint32, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.lookupLocked(dirIno, name); err == 0 {
		return 0, -defs.EEXIST
	}
	ino, err := fs.allocInodeLocked(false)
	if err != 0 {
		return 0, err
	}
	in := &Ext2Inode{Mode: modeReg | 0644, LinksCount: 1}
	if err := fs.writeInodeLocked(ino, in); err != 0 {
		return 0, err
	}
	if err := fs.appendDirEntryLocked(dirIno, name, ino, filetypeReg); err != 0 {
		return 0, err
	}
	return ino, 0
}

// CreateDirectory creates a subdirectory named name under dirIno, seeded
// with "." and ".." and bumping the parent's link count.
func (fs *Filesystem) CreateDirectory(dirIno uint32, name string) (uint32, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.lookupLocked(dirIno, name); err == 0 {
		return 0, -defs.EEXIST
	}
	ino, err := fs.allocInodeLocked(true)
	if err != 0 {
		return 0, err
	}
	blk, err := fs.allocBlockLocked()
	if err != 0 {
		return 0, err
	}
	bs := fs.sb.BlockSize()
	buf := make([]byte, bs)
	dotLen := minRecLen(".")
	putDirEntry(buf, 0, ino, ".", dotLen, filetypeDir)
	putDirEntry(buf, dotLen, dirIno, "..", bs-dotLen, filetypeDir)
	if err := fs.writeBlock(blk, buf); err != 0 {
		return 0, err
	}
	in := &Ext2Inode{Mode: modeDir | 0755, LinksCount: 2, Size: uint32(bs), BlocksCount: uint32(bs / 512)}
	in.Block[0] = blk
	if err := fs.writeInodeLocked(ino, in); err != 0 {
		return 0, err
	}
	if err := fs.appendDirEntryLocked(dirIno, name, ino, filetypeDir); err != 0 {
		return 0, err
	}
	parent, err := fs.readInodeLocked(dirIno)
	if err != 0 {
		return 0, err
	}
	parent.LinksCount++
	if err := fs.writeInodeLocked(dirIno, parent); err != 0 {
		return 0, err
	}
	return ino, 0
}

// RemovePath removes a non-directory entry named name from dirIno:
// resolves it, refuses directories, clears the dirent, releases its
// blocks, and frees the inode.
func (fs *Filesystem) RemovePath(dirIno uint32, name string) defs.Err_t {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino, err := fs.lookupLocked(dirIno, name)
	if err != 0 {
		return err
	}
	in, err := fs.readInodeLocked(ino)
	if err != 0 {
		return err
	}
	if in.IsDir() {
		return -defs.EISDIR
	}
	if err := fs.clearDirEntryLocked(dirIno, name); err != 0 {
		return err
	}
	bs := fs.sb.BlockSize()
	nblocks := (int(in.Size) + bs - 1) / bs
	for lb := 0; lb < nblocks && lb < inodeDirectCount; lb++ {
		if in.Block[lb] != 0 {
			fs.freeBlockLocked(in.Block[lb])
		}
	}
	if in.Block[inodeIndirect] != 0 {
		indBuf := make([]byte, bs)
		fs.readBlock(in.Block[inodeIndirect], indBuf)
		ptrsPerBlock := bs / 4
		for i := 0; i < ptrsPerBlock; i++ {
			if p := le32(indBuf, i*4); p != 0 {
				fs.freeBlockLocked(p)
			}
		}
		fs.freeBlockLocked(in.Block[inodeIndirect])
	}
	return fs.freeInodeLocked(ino, false)
}
