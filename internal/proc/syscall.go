// Syscall dispatch, standing where the assembly syscall trampoline
// would. Arguments arrive as the six-register ABI (RDI, RSI, RDX, R10,
// R8, R9 -> a[0..5]); buffer/string arguments are user virtual
// addresses copied through internal/vm's CopyIn/CopyOut/CopyInString,
// so a bad user pointer surfaces as EFAULT rather than a kernel
// dereference. Every handler returns a raw int64: non-negative is a
// success value (byte count, fd number, pid, ...), negative is -errno.
package proc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/fd"
	"github.com/slopos/slopos/internal/mem"
	"github.com/slopos/slopos/internal/net"
	"github.com/slopos/slopos/internal/paging"
	"github.com/slopos/slopos/internal/shm"
	"github.com/slopos/slopos/internal/stat"
	"github.com/slopos/slopos/internal/vm"
)

// Userland layout for every freshly exec'd process: a fixed top-down
// stack region, distinct from the code/heap range the ELF's own PT_LOAD
// segments occupy.
const (
	userStackTop  = mem.VirtAddr(0x0000_7fff_ffff_f000)
	userStackSize = mem.VirtAddr(8 * 1024 * 1024)
)

func stackPerms() paging.PTE {
	return paging.User | paging.Writable
}

// loadELFBytes maps elfBytes' PT_LOAD segments into p's (already-cleared)
// address space via internal/vm's loader.
func loadELFBytes(p *Process, elfBytes []byte) (entry, brkStart mem.VirtAddr, err defs.Err_t) {
	return vm.LoadELF(p.AS, bytes.NewReader(elfBytes))
}

// maxIOChunk bounds a single read/write/sendto/recvfrom copy so a
// malicious or buggy length argument cannot make the kernel allocate an
// unbounded kernel-side buffer (there is no real MMU length check to lean
// on here, since uva+len is just a pair of integers).
const maxIOChunk = 1 << 20

// maxPathLen bounds CopyInString calls for path arguments.
const maxPathLen = 4096

// Syscall dispatches syscall number num for pid with register
// arguments a, returning the raw ABI-level result.
func (k *Kernel) Syscall(pid uint64, num int64, a [6]uint64) int64 {
	p, err := k.lookup(pid)
	if err != 0 {
		return int64(err)
	}
	switch num {
	case defs.SYS_READ:
		return k.sysRead(p, int(a[0]), mem.VirtAddr(a[1]), int(a[2]))
	case defs.SYS_WRITE:
		return k.sysWrite(p, int(a[0]), mem.VirtAddr(a[1]), int(a[2]))
	case defs.SYS_OPEN:
		return k.sysOpen(p, mem.VirtAddr(a[0]), int(a[1]))
	case defs.SYS_CLOSE:
		return int64(p.Files.Close(int(a[0])))
	case defs.SYS_LSEEK:
		return k.sysLseek(p, int(a[0]), int64(a[1]), int(a[2]))
	case defs.SYS_PIPE:
		return k.sysPipe(p, mem.VirtAddr(a[0]))
	case defs.SYS_DUP:
		fdn, err := p.Files.Dup(int(a[0]))
		if err != 0 {
			return int64(err)
		}
		return int64(fdn)
	case defs.SYS_DUP2:
		f, ok := p.Files.Get(int(a[0]))
		if !ok {
			return int64(-defs.EBADF)
		}
		nf, err := fd.Copyfd(f)
		if err != 0 {
			return int64(err)
		}
		if err := p.Files.AllocAt(int(a[1]), nf); err != 0 {
			return int64(err)
		}
		return int64(a[1])
	case defs.SYS_FORK:
		child, err := k.Fork(pid)
		if err != 0 {
			return int64(err)
		}
		return int64(child)
	case defs.SYS_EXECVE:
		return int64(k.sysExecve(p, mem.VirtAddr(a[0]), mem.VirtAddr(a[1]), mem.VirtAddr(a[2])))
	case defs.SYS_WAITPID:
		_, code, err := k.Waitpid(pid, int64(a[0]))
		if err != 0 {
			return int64(err)
		}
		return int64(code)
	case defs.SYS_EXIT:
		k.Exit(pid, int(int32(a[0])))
		return 0
	case defs.SYS_SLEEP_MS:
		time.Sleep(time.Duration(a[0]) * time.Millisecond)
		return 0
	case defs.SYS_SOCKET:
		return k.sysSocket(p, int(a[0]), int(a[1]))
	case defs.SYS_BIND:
		return k.sysBind(p, int(a[0]), uint16(a[1]))
	case defs.SYS_LISTEN:
		return k.sysListen(p, int(a[0]), int(a[1]))
	case defs.SYS_ACCEPT:
		return k.sysAccept(p, int(a[0]))
	case defs.SYS_CONNECT:
		return k.sysConnect(p, int(a[0]), a[1], uint16(a[2]))
	case defs.SYS_SENDTO:
		return k.sysSendto(p, int(a[0]), mem.VirtAddr(a[1]), int(a[2]), a[3], uint16(a[4]))
	case defs.SYS_RECVFROM:
		return k.sysRecvfrom(p, int(a[0]), mem.VirtAddr(a[1]), int(a[2]))
	case defs.SYS_SHUTDOWN:
		return k.sysShutdown(p, int(a[0]))
	case defs.SYS_SHM_CREATE:
		return k.sysShmCreate(p, mem.VirtAddr(a[0]), int(a[1]), a[2] != 0)
	case defs.SYS_SHM_MAP:
		return k.sysShmMap(p, mem.VirtAddr(a[0]), shm.Access(a[1]), mem.VirtAddr(a[2]))
	case defs.SYS_SHM_UNMAP:
		return int64(k.SHM.Unmap(pid, mem.VirtAddr(a[0])))
	case defs.SYS_SHM_DESTROY:
		return k.sysShmDestroy(p, mem.VirtAddr(a[0]))
	case defs.SYS_FB_INFO:
		return k.sysFbInfo(p, mem.VirtAddr(a[0]))
	case defs.SYS_FB_FLIP:
		return int64(k.sysFbFlip(p, mem.VirtAddr(a[0]), nil))
	case defs.SYS_FB_FLIP_DAMAGE:
		return int64(k.sysFbFlipDamage(p, mem.VirtAddr(a[0]), mem.VirtAddr(a[1]), int(a[2])))
	case defs.SYS_WINDOW_OP:
		return k.sysWindowOp(p, int(a[0]), a[1], a[2], mem.VirtAddr(a[3]))
	case defs.SYS_INPUT_POLL:
		return k.sysInputPoll(p, int(a[0]), mem.VirtAddr(a[1]), int(a[2]))
	case defs.SYS_SETPGID:
		return int64(k.Setpgid(pid, a[0]))
	case defs.SYS_GETPGID:
		v, err := k.Getpgid(pid)
		if err != 0 {
			return int64(err)
		}
		return int64(v)
	case defs.SYS_TCSETPGRP:
		return int64(k.Tcsetpgrp(a[0]))
	case defs.SYS_TCGETPGRP:
		return int64(k.Tcgetpgrp())
	case defs.SYS_MKDIR:
		return int64(k.sysMkdir(p, mem.VirtAddr(a[0])))
	case defs.SYS_UNLINK:
		return int64(k.sysUnlink(p, mem.VirtAddr(a[0])))
	case defs.SYS_STAT:
		return int64(k.sysStat(p, mem.VirtAddr(a[0]), mem.VirtAddr(a[1])))
	case defs.SYS_MUNMAP:
		return int64(k.Munmap(pid, mem.VirtAddr(a[0]), mem.VirtAddr(a[1])))
	default:
		if k.Log != nil {
			k.Log.WarnOnce(fmt.Sprintf("unknown syscall number %d", num))
		}
		return int64(-defs.ENOSYS)
	}
}

func clampLen(n int) int {
	if n < 0 {
		return 0
	}
	if n > maxIOChunk {
		return maxIOChunk
	}
	return n
}

func (k *Kernel) sysRead(p *Process, fdn int, uva mem.VirtAddr, n int) int64 {
	f, ok := p.Files.Get(fdn)
	if !ok {
		return int64(-defs.EBADF)
	}
	buf := make([]byte, clampLen(n))
	var got int
	var err defs.Err_t
	if br, ok := f.Fops.(fd.BlockingReader); ok {
		got, err = br.ReadBlocking(buf, p.Task)
	} else {
		got, err = f.Fops.Read(buf)
	}
	if err != 0 {
		return int64(err)
	}
	if err := p.AS.CopyIn(k.cpu, buf[:got], uva); err != 0 {
		return int64(err)
	}
	return int64(got)
}

func (k *Kernel) sysWrite(p *Process, fdn int, uva mem.VirtAddr, n int) int64 {
	f, ok := p.Files.Get(fdn)
	if !ok {
		return int64(-defs.EBADF)
	}
	buf := make([]byte, clampLen(n))
	if err := p.AS.CopyOut(k.cpu, uva, buf); err != 0 {
		return int64(err)
	}
	var got int
	var err defs.Err_t
	if bw, ok := f.Fops.(fd.BlockingWriter); ok {
		got, err = bw.WriteBlocking(buf, p.Task)
	} else {
		got, err = f.Fops.Write(buf)
	}
	if err != 0 {
		return int64(err)
	}
	return int64(got)
}

func (k *Kernel) sysOpen(p *Process, pathUVA mem.VirtAddr, flags int) int64 {
	s, err := p.AS.CopyInString(k.cpu, pathUVA, maxPathLen)
	if err != 0 {
		return int64(err)
	}
	f, err := k.VFS.Open(p.Cwd.Canonicalpath(s), flags)
	if err != 0 {
		return int64(err)
	}
	fdn, err := p.Files.Alloc(f)
	if err != 0 {
		return int64(err)
	}
	return int64(fdn)
}

// seekable is implemented by fd.Fdops_i backends that support lseek
// (regular files and, via vfs, nothing else; pipes/sockets/console
// return ESPIPE).
type seekable interface {
	Seek(off int64, whence int) (int64, defs.Err_t)
}

func (k *Kernel) sysLseek(p *Process, fdn int, off int64, whence int) int64 {
	f, ok := p.Files.Get(fdn)
	if !ok {
		return int64(-defs.EBADF)
	}
	sk, ok := f.Fops.(seekable)
	if !ok {
		return int64(-defs.ESPIPE)
	}
	newOff, err := sk.Seek(off, whence)
	if err != 0 {
		return int64(err)
	}
	return newOff
}

func (k *Kernel) sysPipe(p *Process, uva mem.VirtAddr) int64 {
	rd, wr, err := fd.NewPipe()
	if err != 0 {
		return int64(err)
	}
	rfdn, err := p.Files.Alloc(rd)
	if err != 0 {
		return int64(err)
	}
	wfdn, err := p.Files.Alloc(wr)
	if err != 0 {
		p.Files.Close(rfdn)
		return int64(err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rfdn))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(wfdn))
	if err := p.AS.CopyIn(k.cpu, buf[:], uva); err != 0 {
		return int64(err)
	}
	return 0
}

func (k *Kernel) sysExecve(p *Process, pathUVA, argvUVA, envpUVA mem.VirtAddr) defs.Err_t {
	pathStr, err := p.AS.CopyInString(k.cpu, pathUVA, maxPathLen)
	if err != 0 {
		return err
	}
	f, err := k.VFS.Open(p.Cwd.Canonicalpath(pathStr), 0)
	if err != 0 {
		return err
	}
	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, rerr := f.Fops.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if n == 0 || rerr != 0 {
			break
		}
	}
	p.Files.CloseOnExec()
	p.AS.Free(k.cpu)
	entry, brkStart, lerr := loadELFBytes(p, buf.Bytes())
	if lerr != 0 {
		return lerr
	}
	p.AS.AddAnon(userStackTop-userStackSize, userStackSize, stackPerms())
	p.entry = entry
	p.brk = brkStart
	_ = argvUVA
	_ = envpUVA
	return 0
}

func (k *Kernel) sysMkdir(p *Process, uva mem.VirtAddr) defs.Err_t {
	s, err := p.AS.CopyInString(k.cpu, uva, maxPathLen)
	if err != 0 {
		return err
	}
	return k.VFS.Mkdir(p.Cwd.Canonicalpath(s))
}

func (k *Kernel) sysUnlink(p *Process, uva mem.VirtAddr) defs.Err_t {
	s, err := p.AS.CopyInString(k.cpu, uva, maxPathLen)
	if err != 0 {
		return err
	}
	return k.VFS.Unlink(p.Cwd.Canonicalpath(s))
}

func (k *Kernel) sysStat(p *Process, pathUVA, statUVA mem.VirtAddr) defs.Err_t {
	s, err := p.AS.CopyInString(k.cpu, pathUVA, maxPathLen)
	if err != 0 {
		return err
	}
	var st stat.Stat_t
	if err := k.VFS.Stat(p.Cwd.Canonicalpath(s), &st); err != 0 {
		return err
	}
	return p.AS.CopyIn(k.cpu, st.Bytes(), statUVA)
}

// --- sockets ---

func (k *Kernel) sysSocket(p *Process, domain, typ int) int64 {
	const afInet = 2
	if domain != afInet {
		return int64(-defs.EAFNOSUPPORT)
	}
	const (
		sockStream = 1
		sockDgram  = 2
	)
	var st net.SockType
	switch typ {
	case sockStream:
		st = net.SockStream
	case sockDgram:
		st = net.SockDgram
	default:
		return int64(-defs.EPROTONOSUPPORT)
	}
	sock, err := net.NewSocket(k.Net, st)
	if err != 0 {
		return int64(err)
	}
	fdn, err := p.Files.Alloc(net.NewFd(sock))
	if err != 0 {
		return int64(err)
	}
	p.mu.Lock()
	if p.sockets == nil {
		p.sockets = make(map[int]*net.Socket)
	}
	p.sockets[fdn] = sock
	p.mu.Unlock()
	return int64(fdn)
}

func (k *Kernel) socketFor(p *Process, fdn int) (*net.Socket, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sockets[fdn]
	if !ok {
		return nil, -defs.ENOTSOCK
	}
	return s, 0
}

func (k *Kernel) sysBind(p *Process, fdn int, port uint16) int64 {
	s, err := k.socketFor(p, fdn)
	if err != 0 {
		return int64(err)
	}
	return int64(s.Bind(port))
}

func (k *Kernel) sysListen(p *Process, fdn, backlog int) int64 {
	s, err := k.socketFor(p, fdn)
	if err != 0 {
		return int64(err)
	}
	return int64(s.Listen(backlog))
}

func (k *Kernel) sysAccept(p *Process, fdn int) int64 {
	s, err := k.socketFor(p, fdn)
	if err != 0 {
		return int64(err)
	}
	conn, err := s.Accept(p.Task)
	if err != 0 {
		return int64(err)
	}
	nfdn, err := p.Files.Alloc(net.NewFd(conn))
	if err != 0 {
		return int64(err)
	}
	p.mu.Lock()
	p.sockets[nfdn] = conn
	p.mu.Unlock()
	return int64(nfdn)
}

func be32ToIP(v uint64) [4]byte {
	return [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func (k *Kernel) sysConnect(p *Process, fdn int, ipBE uint64, port uint16) int64 {
	s, err := k.socketFor(p, fdn)
	if err != 0 {
		return int64(err)
	}
	return int64(s.Connect(be32ToIP(ipBE), port, p.Task))
}

func (k *Kernel) sysSendto(p *Process, fdn int, uva mem.VirtAddr, n int, ipBE uint64, port uint16) int64 {
	s, err := k.socketFor(p, fdn)
	if err != 0 {
		return int64(err)
	}
	buf := make([]byte, clampLen(n))
	if err := p.AS.CopyOut(k.cpu, uva, buf); err != 0 {
		return int64(err)
	}
	sent, err := s.SendTo(be32ToIP(ipBE), port, buf)
	if err != 0 {
		return int64(err)
	}
	return int64(sent)
}

func (k *Kernel) sysRecvfrom(p *Process, fdn int, uva mem.VirtAddr, n int) int64 {
	s, err := k.socketFor(p, fdn)
	if err != 0 {
		return int64(err)
	}
	buf := make([]byte, clampLen(n))
	got, _, _, err := s.RecvFrom(buf, p.Task)
	if err != 0 {
		return int64(err)
	}
	if err := p.AS.CopyIn(k.cpu, buf[:got], uva); err != 0 {
		return int64(err)
	}
	return int64(got)
}

func (k *Kernel) sysShutdown(p *Process, fdn int) int64 {
	s, err := k.socketFor(p, fdn)
	if err != 0 {
		return int64(err)
	}
	return int64(s.Shutdown())
}

// --- shared memory / compositor ---

func (k *Kernel) sysShmCreate(p *Process, tokenOutUVA mem.VirtAddr, size int, zero bool) int64 {
	tok, err := k.SHM.Create(p.PID, size, zero)
	if err != 0 {
		return int64(err)
	}
	b, _ := tok.MarshalBinary()
	if err := p.AS.CopyIn(k.cpu, b, tokenOutUVA); err != 0 {
		return int64(err)
	}
	return 0
}

func (k *Kernel) sysShmMap(p *Process, tokenUVA mem.VirtAddr, access shm.Access, vaddrOutUVA mem.VirtAddr) int64 {
	var tokBuf [16]byte
	if err := p.AS.CopyOut(k.cpu, tokenUVA, tokBuf[:]); err != 0 {
		return int64(err)
	}
	tok := shmTokenFromBytes(tokBuf[:])
	va, err := k.SHM.Map(p.PID, tok, access)
	if err != 0 {
		return int64(err)
	}
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], uint64(va))
	if err := p.AS.CopyIn(k.cpu, out[:], vaddrOutUVA); err != 0 {
		return int64(err)
	}
	return 0
}

func (k *Kernel) sysShmDestroy(p *Process, tokenUVA mem.VirtAddr) int64 {
	var tokBuf [16]byte
	if err := p.AS.CopyOut(k.cpu, tokenUVA, tokBuf[:]); err != 0 {
		return int64(err)
	}
	return int64(k.SHM.Destroy(p.PID, shmTokenFromBytes(tokBuf[:])))
}

func (k *Kernel) sysFbInfo(p *Process, outUVA mem.VirtAddr) int64 {
	info, err := k.Compositor.Info()
	if err != 0 {
		return int64(err)
	}
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(info.Width))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(info.Height))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(info.Pitch))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(info.Format))
	if err := p.AS.CopyIn(k.cpu, buf[:], outUVA); err != 0 {
		return int64(err)
	}
	return 0
}

func (k *Kernel) sysFbFlip(p *Process, srcUVA mem.VirtAddr, damage []shm.DamageRect) defs.Err_t {
	w, ok := k.compositorWindowSize(p.PID)
	if !ok {
		return -defs.EINVAL
	}
	buf := make([]byte, w.W*w.H*4)
	if err := p.AS.CopyOut(k.cpu, srcUVA, buf); err != 0 {
		return err
	}
	return k.Compositor.Flip(p.PID, buf, damage)
}

func (k *Kernel) compositorWindowSize(pid uint64) (struct{ W, H int }, bool) {
	out := make([]*shm.Window, 64)
	n := k.Compositor.EnumerateWindows(out)
	for _, w := range out[:n] {
		if w.TaskID == pid {
			return struct{ W, H int }{w.W, w.H}, true
		}
	}
	return struct{ W, H int }{}, false
}

func (k *Kernel) sysFbFlipDamage(p *Process, srcUVA, damageUVA mem.VirtAddr, count int) defs.Err_t {
	rects := make([]shm.DamageRect, count)
	raw := make([]byte, count*16)
	if err := p.AS.CopyOut(k.cpu, damageUVA, raw); err != 0 {
		return err
	}
	for i := range rects {
		o := i * 16
		rects[i] = shm.DamageRect{
			X0: int(int32(binary.LittleEndian.Uint32(raw[o : o+4]))),
			Y0: int(int32(binary.LittleEndian.Uint32(raw[o+4 : o+8]))),
			X1: int(int32(binary.LittleEndian.Uint32(raw[o+8 : o+12]))),
			Y1: int(int32(binary.LittleEndian.Uint32(raw[o+12 : o+16]))),
		}
	}
	return k.sysFbFlip(p, srcUVA, rects)
}

// Window op sub-commands for SYS_WINDOW_OP, split by a sub-operation
// code in a[0] since one syscall number covers enumerate/raise/
// set_position/set_state/focus/request_close.
const (
	WinEnumerate = iota
	WinRaise
	WinSetPosition
	WinSetState
	WinSetFocus
	WinRequestClose
	WinSetPointerFocus
	WinGetPointerPos
	WinGetButtonState
)

func (k *Kernel) sysWindowOp(p *Process, op int, arg1, arg2 uint64, outUVA mem.VirtAddr) int64 {
	switch op {
	case WinEnumerate:
		wins := make([]*shm.Window, 32)
		n := k.Compositor.EnumerateWindows(wins)
		buf := make([]byte, 0, n*48)
		for i := 0; i < n; i++ {
			var rec [48]byte
			binary.LittleEndian.PutUint64(rec[0:8], wins[i].TaskID)
			copy(rec[8:40], []byte(wins[i].Title))
			binary.LittleEndian.PutUint32(rec[40:44], uint32(wins[i].X))
			binary.LittleEndian.PutUint32(rec[44:48], uint32(wins[i].Y))
			buf = append(buf, rec[:]...)
		}
		if err := p.AS.CopyIn(k.cpu, buf, outUVA); err != 0 {
			return int64(err)
		}
		return int64(n)
	case WinRaise:
		return int64(k.Compositor.Raise(p.PID))
	case WinSetPosition:
		return int64(k.Compositor.SetPosition(p.PID, int(int32(arg1)), int(int32(arg2))))
	case WinSetState:
		return int64(k.Compositor.SetState(p.PID, shm.WindowState(arg1)))
	case WinSetFocus:
		return int64(k.Compositor.SetFocus(p.PID))
	case WinRequestClose:
		return int64(k.Compositor.RequestClose(p.PID))
	case WinSetPointerFocus:
		return int64(k.Compositor.SetPointerFocusWithOffset(p.PID))
	case WinGetPointerPos:
		x, y := k.Compositor.GetPointerPos()
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:4], uint32(x))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(y))
		if err := p.AS.CopyIn(k.cpu, buf[:], outUVA); err != 0 {
			return int64(err)
		}
		return 0
	case WinGetButtonState:
		return int64(k.Compositor.GetButtonState())
	default:
		return int64(-defs.EINVAL)
	}
}

// inputEventWireSize is Kind+X+Y+Button+Key (one uint32 each) plus Target
// (one uint64): 5*4 + 8 = 28 bytes per queued event.
const inputEventWireSize = 28

// clipboardMax bounds one clipboard transfer.
const clipboardMax = 64 * 1024

// Input sub-commands for SYS_INPUT_POLL: event batch drain plus the
// clipboard pair, which shares the syscall number since all three move
// compositor-owned bytes across the user boundary.
const (
	InputPollBatch = iota
	InputClipboardCopy
	InputClipboardPaste
)

func (k *Kernel) sysInputPoll(p *Process, op int, outUVA mem.VirtAddr, n int) int64 {
	switch op {
	case InputClipboardCopy:
		if n < 0 || n > clipboardMax {
			return int64(-defs.EINVAL)
		}
		data := make([]byte, n)
		if err := p.AS.CopyOut(k.cpu, outUVA, data); err != 0 {
			return int64(err)
		}
		k.Compositor.ClipboardCopy(data)
		return int64(n)
	case InputClipboardPaste:
		if n < 0 || n > clipboardMax {
			return int64(-defs.EINVAL)
		}
		dst := make([]byte, n)
		got := k.Compositor.ClipboardPaste(dst)
		if err := p.AS.CopyIn(k.cpu, dst[:got], outUVA); err != 0 {
			return int64(err)
		}
		return int64(got)
	case InputPollBatch:
	default:
		return int64(-defs.EINVAL)
	}
	events := make([]shm.InputEvent, n)
	got := k.Compositor.PollBatch(events)
	buf := make([]byte, got*inputEventWireSize)
	for i := 0; i < got; i++ {
		o := i * inputEventWireSize
		binary.LittleEndian.PutUint32(buf[o:o+4], uint32(events[i].Kind))
		binary.LittleEndian.PutUint32(buf[o+4:o+8], uint32(events[i].X))
		binary.LittleEndian.PutUint32(buf[o+8:o+12], uint32(events[i].Y))
		binary.LittleEndian.PutUint32(buf[o+12:o+16], uint32(events[i].Button))
		binary.LittleEndian.PutUint32(buf[o+16:o+20], uint32(events[i].Key))
		binary.LittleEndian.PutUint64(buf[o+20:o+28], events[i].Target)
	}
	if err := p.AS.CopyIn(k.cpu, buf, outUVA); err != 0 {
		return int64(err)
	}
	return int64(got)
}
