package fd

import (
	"sync"

	"github.com/slopos/slopos/internal/circbuf"
	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/limits"
	"github.com/slopos/slopos/internal/stat"
)

const pipeSize = 16 * 4096

// pipe_t is the shared state between a pipe's read and write ends: a
// circbuf ring plus open-end counts and a condvar blocked readers/writers
// wait on, the same wait-queue-over-a-ring shape TCP's send/recv buffers
// use in internal/net.
type pipe_t struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     circbuf.Circbuf_t
	readers int
	writers int
	counted bool // true until both ends are closed and limits.Syslimit.Pipes is given back
}

func newPipe() *pipe_t {
	p := &pipe_t{readers: 1, writers: 1, counted: true}
	p.cond = sync.NewCond(&p.mu)
	p.buf.Cb_init(pipeSize)
	return p
}

// pipeEnd implements Fdops_i for one direction of a pipe.
type pipeEnd struct {
	p       *pipe_t
	reading bool
}

/// NewPipe creates a connected pipe, returning its read and write
/// descriptors. It fails with EMFILE once limits.Syslimit.Pipes live pipes
/// are already outstanding system-wide.
func NewPipe() (*Fd_t, *Fd_t, defs.Err_t) {
	if !limits.Syslimit.Pipes.Taken(1) {
		return nil, nil, -defs.EMFILE
	}
	p := newPipe()
	rd := &Fd_t{Fops: &pipeEnd{p: p, reading: true}, Perms: FD_READ}
	wr := &Fd_t{Fops: &pipeEnd{p: p, reading: false}, Perms: FD_WRITE}
	return rd, wr, 0
}

func (e *pipeEnd) Read(dst []byte) (int, defs.Err_t) { return e.readBlocking(dst, nil) }

// ReadBlocking is the fd.BlockingReader hook: identical to Read, but the
// wait loop brackets each p.cond.Wait() with blk.Block()/blk.Wake() so a
// real task suspended on an empty pipe shows up as Blocked on the
// scheduler rather than only parking its goroutine.
func (e *pipeEnd) ReadBlocking(dst []byte, blk Blocker) (int, defs.Err_t) {
	return e.readBlocking(dst, blk)
}

func (e *pipeEnd) readBlocking(dst []byte, blk Blocker) (int, defs.Err_t) {
	if !e.reading {
		return 0, -defs.EINVAL
	}
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Empty() {
		if p.writers == 0 {
			return 0, 0 // EOF
		}
		if blk != nil {
			blk.Block()
		}
		p.cond.Wait()
		if blk != nil {
			blk.Wake()
		}
	}
	n, err := p.buf.Copyout(dst)
	if err == 0 {
		p.cond.Broadcast()
	}
	return n, err
}

func (e *pipeEnd) Write(src []byte) (int, defs.Err_t) { return e.writeBlocking(src, nil) }

// WriteBlocking is the fd.BlockingWriter hook; see ReadBlocking.
func (e *pipeEnd) WriteBlocking(src []byte, blk Blocker) (int, defs.Err_t) {
	return e.writeBlocking(src, blk)
}

func (e *pipeEnd) writeBlocking(src []byte, blk Blocker) (int, defs.Err_t) {
	if e.reading {
		return 0, -defs.EINVAL
	}
	p := e.p
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for total < len(src) {
		if p.readers == 0 {
			return total, -defs.EPIPE
		}
		for p.buf.Full() && p.readers != 0 {
			if blk != nil {
				blk.Block()
			}
			p.cond.Wait()
			if blk != nil {
				blk.Wake()
			}
		}
		if p.readers == 0 {
			return total, -defs.EPIPE
		}
		n, err := p.buf.Copyin(src[total:])
		if err != 0 {
			return total, err
		}
		total += n
		p.cond.Broadcast()
	}
	return total, 0
}

func (e *pipeEnd) Close() defs.Err_t {
	p := e.p
	p.mu.Lock()
	if e.reading {
		p.readers--
	} else {
		p.writers--
	}
	give := p.readers == 0 && p.writers == 0 && p.counted
	if give {
		p.counted = false
	}
	p.cond.Broadcast()
	p.mu.Unlock()
	if give {
		limits.Syslimit.Pipes.Give()
	}
	return 0
}

func (e *pipeEnd) Reopen() defs.Err_t {
	p := e.p
	p.mu.Lock()
	if e.reading {
		p.readers++
	} else {
		p.writers++
	}
	p.mu.Unlock()
	return 0
}

func (e *pipeEnd) Stat(st *stat.Stat_t) defs.Err_t {
	st.Wmode(stat.S_IFIFO)
	return 0
}
