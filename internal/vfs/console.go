package vfs

import (
	"io"
	"sync"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/fd"
	"github.com/slopos/slopos/internal/stat"
)

// console implements fd.Fdops_i for the pre-populated fd 0/1/2 every
// process starts with: writes go to the serial port
// stand-in, reads return 0 (no data) until a real TTY backs them, and
// seeks are rejected with ESPIPE like any character device.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) Read(dst []byte) (int, defs.Err_t) { return 0, 0 }

func (c *console) Write(src []byte) (int, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.w.Write(src)
	if err != nil {
		return n, -defs.EIO
	}
	return n, 0
}

func (c *console) Close() defs.Err_t  { return 0 }
func (c *console) Reopen() defs.Err_t { return 0 }
func (c *console) Stat(st *stat.Stat_t) defs.Err_t {
	st.Wmode(stat.S_IFCHR)
	return 0
}

func (c *console) Seek(off int64, whence int) (int64, defs.Err_t) {
	return 0, -defs.ESPIPE
}

// NewConsoleFDs builds fd 0 (stdin, always-empty reads), 1 and 2
// (stdout/stderr, both writing to w) for a freshly created process.
func NewConsoleFDs(w io.Writer) (stdin, stdout, stderr *fd.Fd_t) {
	c := &console{w: w}
	f := &fd.Fd_t{Fops: c, Perms: fd.FD_READ | fd.FD_WRITE}
	return f, f, f
}
