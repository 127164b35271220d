// Package fd implements the per-process file descriptor table, the
// current-working-directory tracker, and pipes. An Fd_t is an
// Fdops_i-backed descriptor plus permission bits; a Cwd_t combines a
// directory Fd with its canonical path. Copyfd reopens rather than
// deep-copies, so dup'd descriptors share backing-object state. Path
// canonicalization is built on ustr.Components.
package fd

import (
	"sync"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/stat"
	"github.com/slopos/slopos/internal/ustr"
)

// File descriptor permission bits.
const (
	FD_READ    = 0x1
	FD_WRITE   = 0x2
	FD_CLOEXEC = 0x4
)

// Fdops_i is the operation set every open file, pipe, socket, or device
// must implement.
type Fdops_i interface {
	Read(dst []byte) (int, defs.Err_t)
	Write(src []byte) (int, defs.Err_t)
	Close() defs.Err_t
	Reopen() defs.Err_t
	Stat(st *stat.Stat_t) defs.Err_t
}

// Blocker lets a blocking operation (pipe read/write, socket accept/
// connect/recv, waitpid) transition the calling task to Blocked before it
// suspends on a condition variable or channel, and back to Runnable
// through the scheduler once woken, instead of the Task.State the
// scheduler tracks only ever reflecting Go's own goroutine parking.
// Block/Wake
// are implemented by *proc.Task; callers that have none (tests, the host
// CLI) pass a nil Blocker and every Block()/Wake() call site here treats
// nil as a no-op.
type Blocker interface {
	Block()
	Wake()
}

// BlockingReader is implemented by an Fdops_i backend whose Read may
// suspend the caller (pipes and sockets); ReadBlocking additionally drives
// blk's Block/Wake around the actual wait so the scheduler sees the
// suspension.
type BlockingReader interface {
	ReadBlocking(dst []byte, blk Blocker) (int, defs.Err_t)
}

// BlockingWriter is the write-side counterpart of BlockingReader.
type BlockingWriter interface {
	WriteBlocking(src []byte, blk Blocker) (int, defs.Err_t)
}

/// Fd_t represents an open file descriptor.
type Fd_t struct {
	Fops  Fdops_i
	Perms int
}

/// Copyfd duplicates an open file descriptor by reopening it rather than
/// deep-copying its state, so both descriptors share one underlying
/// offset/socket/pipe-end.
func Copyfd(f *Fd_t) (*Fd_t, defs.Err_t) {
	nfd := &Fd_t{}
	*nfd = *f
	if err := nfd.Fops.Reopen(); err != 0 {
		return nil, err
	}
	return nfd, 0
}

const maxOpenFiles = 512

/// FileTable is one process's open file descriptor table.
type FileTable struct {
	mu  sync.Mutex
	fds map[int]*Fd_t
}

/// NewFileTable creates an empty descriptor table.
func NewFileTable() *FileTable {
	return &FileTable{fds: make(map[int]*Fd_t)}
}

/// Alloc installs f at the lowest unused descriptor number.
func (ft *FileTable) Alloc(f *Fd_t) (int, defs.Err_t) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	for n := 0; n < maxOpenFiles; n++ {
		if _, taken := ft.fds[n]; !taken {
			ft.fds[n] = f
			return n, 0
		}
	}
	return 0, -defs.EMFILE
}

/// AllocAt installs f at exactly descriptor number n, closing whatever
/// was there before (dup2 semantics).
func (ft *FileTable) AllocAt(n int, f *Fd_t) defs.Err_t {
	if n < 0 || n >= maxOpenFiles {
		return -defs.EBADF
	}
	ft.mu.Lock()
	old, had := ft.fds[n]
	ft.fds[n] = f
	ft.mu.Unlock()
	if had {
		old.Fops.Close()
	}
	return 0
}

/// Get returns the Fd_t for n, if open.
func (ft *FileTable) Get(n int) (*Fd_t, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f, ok := ft.fds[n]
	return f, ok
}

/// Close closes and removes descriptor n.
func (ft *FileTable) Close(n int) defs.Err_t {
	ft.mu.Lock()
	f, ok := ft.fds[n]
	delete(ft.fds, n)
	ft.mu.Unlock()
	if !ok {
		return -defs.EBADF
	}
	return f.Fops.Close()
}

/// Dup duplicates descriptor n at the lowest free number.
func (ft *FileTable) Dup(n int) (int, defs.Err_t) {
	f, ok := ft.Get(n)
	if !ok {
		return 0, -defs.EBADF
	}
	nf, err := Copyfd(f)
	if err != 0 {
		return 0, err
	}
	return ft.Alloc(nf)
}

/// CloseOnExec closes every descriptor marked FD_CLOEXEC, called by execve.
func (ft *FileTable) CloseOnExec() {
	ft.mu.Lock()
	var victims []*Fd_t
	for n, f := range ft.fds {
		if f.Perms&FD_CLOEXEC != 0 {
			victims = append(victims, f)
			delete(ft.fds, n)
		}
	}
	ft.mu.Unlock()
	for _, f := range victims {
		f.Fops.Close()
	}
}

/// Fork duplicates every open descriptor into a fresh table for a child
/// process.
func (ft *FileTable) Fork() (*FileTable, defs.Err_t) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	child := NewFileTable()
	for n, f := range ft.fds {
		nf, err := Copyfd(f)
		if err != 0 {
			return nil, err
		}
		child.fds[n] = nf
	}
	return child, 0
}

/// Cwd_t tracks a process's current working directory.
type Cwd_t struct {
	mu   sync.Mutex
	Fd   *Fd_t
	Path ustr.Ustr
}

/// MkRootCwd constructs a Cwd_t rooted at "/".
func MkRootCwd(f *Fd_t) *Cwd_t {
	return &Cwd_t{Fd: f, Path: ustr.MkUstrRoot()}
}

/// Fullpath joins cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	cwd.mu.Lock()
	defer cwd.mu.Unlock()
	if p.IsAbsolute() {
		return p
	}
	return cwd.Path.Extend(p)
}

/// Canonicalpath resolves "." and ".." components relative to cwd,
/// returning an absolute, normalized path.
func (cwd *Cwd_t) Canonicalpath(p ustr.Ustr) ustr.Ustr {
	return Canonicalize(cwd.Fullpath(p))
}

/// Canonicalize collapses "." and ".." components of an absolute path.
func Canonicalize(p ustr.Ustr) ustr.Ustr {
	var stack []ustr.Ustr
	for _, c := range p.Components() {
		switch {
		case c.Isdot():
		case c.Isdotdot():
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, c)
		}
	}
	if len(stack) == 0 {
		return ustr.MkUstrRoot()
	}
	out := append(ustr.Ustr{'/'}, stack[0]...)
	for _, c := range stack[1:] {
		out = out.Extend(c)
	}
	return out
}

/// Chdir updates cwd to newPath, replacing the held directory Fd.
func (cwd *Cwd_t) Chdir(newFd *Fd_t, newPath ustr.Ustr) {
	cwd.mu.Lock()
	defer cwd.mu.Unlock()
	if cwd.Fd != nil {
		cwd.Fd.Fops.Close()
	}
	cwd.Fd = newFd
	cwd.Path = newPath
}
