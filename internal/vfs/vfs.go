// Package vfs is the path-level shim above the descriptor table:
// open/read/write/stat/unlink/mkdir/list delegate to a single mounted
// filesystem instance (internal/ufs's ext2), and console descriptors are
// routed to a serial-port stand-in rather than the filesystem. There is
// exactly one mounted filesystem; no mount table.
package vfs

import (
	"sync"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/fd"
	"github.com/slopos/slopos/internal/stat"
	"github.com/slopos/slopos/internal/ufs"
	"github.com/slopos/slopos/internal/ustr"
)

// VFS wraps one mounted ext2 filesystem and resolves paths against it,
// starting from its root inode.
type VFS struct {
	FS *ufs.Filesystem
}

// New wraps an already-mounted filesystem.
func New(fs *ufs.Filesystem) *VFS {
	return &VFS{FS: fs}
}

// resolveParent walks p's components from the root, returning the final
// directory inode and the leaf name (not yet looked up), the way most
// VFS operations need both ("the parent to modify" + "the name to act
// on").
func (v *VFS) resolveParent(p ustr.Ustr) (uint32, string, defs.Err_t) {
	comps := p.Components()
	dir := v.FS.RootInode()
	if len(comps) == 0 {
		return dir, "", 0
	}
	for _, c := range comps[:len(comps)-1] {
		next, err := v.FS.Lookup(dir, c.String())
		if err != 0 {
			return 0, "", err
		}
		dir = next
	}
	return dir, comps[len(comps)-1].String(), 0
}

// resolve walks p fully, returning the inode p names.
func (v *VFS) resolve(p ustr.Ustr) (uint32, defs.Err_t) {
	dir, leaf, err := v.resolveParent(p)
	if err != 0 {
		return 0, err
	}
	if leaf == "" {
		return dir, 0
	}
	return v.FS.Lookup(dir, leaf)
}

// Mkdir creates directory p.
func (v *VFS) Mkdir(p ustr.Ustr) defs.Err_t {
	dir, leaf, err := v.resolveParent(p)
	if err != 0 {
		return err
	}
	if leaf == "" {
		return -defs.EEXIST
	}
	_, err = v.FS.CreateDirectory(dir, leaf)
	return err
}

// Unlink removes the non-directory entry named by p.
func (v *VFS) Unlink(p ustr.Ustr) defs.Err_t {
	dir, leaf, err := v.resolveParent(p)
	if err != 0 {
		return err
	}
	if leaf == "" {
		return -defs.EINVAL
	}
	return v.FS.RemovePath(dir, leaf)
}

// Stat fills st for path p.
func (v *VFS) Stat(p ustr.Ustr, st *stat.Stat_t) defs.Err_t {
	ino, err := v.resolve(p)
	if err != 0 {
		return err
	}
	return v.FS.StatInode(ino, st)
}

// List returns the directory entries of p.
func (v *VFS) List(p ustr.Ustr) ([]string, defs.Err_t) {
	ino, err := v.resolve(p)
	if err != 0 {
		return nil, err
	}
	return v.FS.List(ino)
}

// Open flags, the small O_* subset the open syscall accepts.
const (
	O_RDONLY = 0x0
	O_WRONLY = 0x1
	O_RDWR   = 0x2
	O_CREAT  = 0x40
)

// regularFile implements fd.Fdops_i over an ufs inode, tracking the
// per-descriptor seek position.
type regularFile struct {
	mu     sync.Mutex
	fs     *ufs.Filesystem
	ino    uint32
	offset int64
}

func (f *regularFile) Read(dst []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.fs.ReadFile(f.ino, f.offset, dst)
	f.offset += int64(n)
	return n, err
}

func (f *regularFile) Write(src []byte) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.fs.WriteFile(f.ino, f.offset, src)
	f.offset += int64(n)
	return n, err
}

func (f *regularFile) Close() defs.Err_t  { return 0 }
func (f *regularFile) Reopen() defs.Err_t { return 0 }
func (f *regularFile) Stat(st *stat.Stat_t) defs.Err_t {
	return f.fs.StatInode(f.ino, st)
}

// Seek implements SEEK_SET/CUR/END for regular files.
func (f *regularFile) Seek(off int64, whence int) (int64, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var st stat.Stat_t
	switch whence {
	case defs.SEEK_SET:
		f.offset = off
	case defs.SEEK_CUR:
		f.offset += off
	case defs.SEEK_END:
		if err := f.fs.StatInode(f.ino, &st); err != 0 {
			return 0, err
		}
		f.offset = int64(st.Size()) + off
	default:
		return 0, -defs.EINVAL
	}
	if f.offset < 0 {
		f.offset = 0
	}
	return f.offset, 0
}

// Open resolves p (creating a regular file if O_CREAT is set and it
// doesn't exist) and returns an Fdops_i + initial permission bits for
// fd.FileTable.
func (v *VFS) Open(p ustr.Ustr, flags int) (*fd.Fd_t, defs.Err_t) {
	ino, err := v.resolve(p)
	if err == -defs.ENOENT && flags&O_CREAT != 0 {
		dir, leaf, perr := v.resolveParent(p)
		if perr != 0 {
			return nil, perr
		}
		ino, err = v.FS.CreateFile(dir, leaf)
	}
	if err != 0 {
		return nil, err
	}
	perms := 0
	switch flags & 0x3 {
	case O_RDONLY:
		perms = fd.FD_READ
	case O_WRONLY:
		perms = fd.FD_WRITE
	case O_RDWR:
		perms = fd.FD_READ | fd.FD_WRITE
	}
	return &fd.Fd_t{Fops: &regularFile{fs: v.FS, ino: ino}, Perms: perms}, 0
}
