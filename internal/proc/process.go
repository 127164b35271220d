// Process ties one Task to its address space, file descriptor table,
// and process-group bookkeeping; Kernel is the top-level object that
// owns every subsystem (the allocator, the scheduler, the mounted
// filesystem, the network stack, the shared-memory registry, the
// compositor) and dispatches the syscall table against them. A Process
// composes a Tnote_t for kill/doom state (internal/tinfo, embedded in
// Task) and an Accnt_t for CPU time (ditto), plus the
// fork/exec/exit/waitpid state machine every Unix-shaped kernel in this
// pack's retrieved sources assumes exists above the scheduler.
package proc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/fd"
	"github.com/slopos/slopos/internal/klog"
	"github.com/slopos/slopos/internal/limits"
	"github.com/slopos/slopos/internal/mem"
	"github.com/slopos/slopos/internal/msi"
	"github.com/slopos/slopos/internal/net"
	"github.com/slopos/slopos/internal/paging"
	"github.com/slopos/slopos/internal/shm"
	"github.com/slopos/slopos/internal/ustr"
	"github.com/slopos/slopos/internal/vfs"
	"github.com/slopos/slopos/internal/vm"
)

// ProcState names a process's lifecycle state. Each process owns
// exactly one Task, so task state lives at the process level.
type ProcState int

const (
	ProcRunning ProcState = iota
	ProcZombie
)

// TaskFaultReason names why a task was terminated by the fault path.
type TaskFaultReason int

const (
	FaultNone TaskFaultReason = iota
	FaultBadMemAccess
	FaultIllegalInstruction
	FaultDivByZero
	FaultKilled
)

// Process is one schedulable unit's full kernel-visible state: its Task
// (scheduling identity), address space, file descriptor table, and
// process-group/parent-child bookkeeping. Exit code and fault reason
// live here rather than on Task because each process has exactly one.
type Process struct {
	PID  uint64
	PPID uint64
	PGID uint64
	Task *Task

	AS    *vm.AddressSpace
	Files *fd.FileTable
	Cwd   *fd.Cwd_t

	entry mem.VirtAddr // current program's entry point, set by execve
	brk   mem.VirtAddr // current top of the heap VMA, set by execve

	mu       sync.Mutex
	state    ProcState
	exitCode int
	fault    TaskFaultReason
	children []uint64
	waitCh   chan struct{}
	sockets  map[int]*net.Socket // fd -> socket, for the socket syscalls in syscall.go
}

// setExit transitions p to ProcZombie and reports whether this call was
// the one that did it (false if p was already a zombie), so callers only
// release once-per-process accounting (limits.Syslimit.Sysprocs) exactly
// once.
func (p *Process) setExit(code int, reason TaskFaultReason) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == ProcZombie {
		return false
	}
	p.state = ProcZombie
	p.exitCode = code
	p.fault = reason
	close(p.waitCh)
	return true
}

// ExitStatus reports the process's exit code and fault reason once it
// has become a zombie; ok is false while still running.
func (p *Process) ExitStatus() (code int, fault TaskFaultReason, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.fault, p.state == ProcZombie
}

// Kernel owns every subsystem instance and is the single dispatch
// target for the syscall table; cmd/slopos constructs exactly one of
// these at boot.
type Kernel struct {
	Alloc      *mem.Allocator
	Sched      *Scheduler
	VFS        *vfs.VFS
	Net        *net.Stack
	SHM        *shm.Registry
	Compositor *shm.Compositor
	Log        *klog.Logger
	ConsoleOut io.Writer

	mu        sync.Mutex
	processes map[uint64]*Process
	nextPID   atomic.Uint64
	cpu       int
}

// NewKernel wires every subsystem together the way cmd/slopos's boot
// sequence does: alloc -> scheduler -> vfs/net/shm, handed in already
// constructed so Kernel itself stays free of boot-ordering concerns.
// consoleOut backs the stdout/stderr every process's fd 1/2 write to,
// standing in for the serial port.
func NewKernel(alloc *mem.Allocator, sched *Scheduler, vfsys *vfs.VFS, netstack *net.Stack, shmReg *shm.Registry, comp *shm.Compositor, log *klog.Logger, consoleOut io.Writer) *Kernel {
	k := &Kernel{
		Alloc:      alloc,
		Sched:      sched,
		VFS:        vfsys,
		Net:        netstack,
		SHM:        shmReg,
		Compositor: comp,
		Log:        log,
		ConsoleOut: consoleOut,
		processes:  make(map[uint64]*Process),
	}
	k.nextPID.Store(1)
	return k
}

// PageDir resolves a process id to its page map, the indirection
// internal/shm's Registry needs to install cross-process mappings.
func (k *Kernel) PageDir(pid uint64) *paging.PageMap {
	k.mu.Lock()
	p, ok := k.processes[pid]
	k.mu.Unlock()
	if !ok {
		return nil
	}
	return p.AS.Pmap
}

// AddressSpace resolves pid to its full vm.AddressSpace, for callers
// (cmd/slopos's boot-time fixtures, tests) that need to install a VMA
// directly rather than through execve's ELF loader.
func (k *Kernel) AddressSpace(pid uint64) *vm.AddressSpace {
	k.mu.Lock()
	p, ok := k.processes[pid]
	k.mu.Unlock()
	if !ok {
		return nil
	}
	return p.AS
}

func (k *Kernel) lookup(pid uint64) (*Process, defs.Err_t) {
	k.mu.Lock()
	defer k.mu.Unlock()
	p, ok := k.processes[pid]
	if !ok {
		return nil, -defs.ESRCH
	}
	return p, 0
}

// NewProcess creates the first process of a boot: a fresh address
// space, an empty file table seeded
// with console fds 0/1/2, and a fresh Task enqueued on cpu's scheduler.
func (k *Kernel) NewProcess(ppid uint64) *Process {
	limits.Syslimit.Sysprocs.Taken(1) // boot's init process; never exceeds the cap
	pid := k.nextPID.Add(1) - 1
	t := NewTask(pid, k.cpu)
	t.Sched = k.Sched
	as := vm.New(k.Alloc, k.cpu)
	files := fd.NewFileTable()
	stdin, stdout, stderr := vfs.NewConsoleFDs(k.ConsoleOut)
	files.AllocAt(0, stdin)
	files.AllocAt(1, stdout)
	files.AllocAt(2, stderr)
	var rootFD *fd.Fd_t
	if k.VFS != nil {
		if f, err := k.VFS.Open(ustr.MkUstrRoot(), vfs.O_RDONLY); err == 0 {
			rootFD = f
		}
	}
	p := &Process{
		PID: pid, PPID: ppid, PGID: pid,
		Task: t, AS: as, Files: files,
		Cwd:    fd.MkRootCwd(rootFD),
		waitCh: make(chan struct{}),
	}
	t.ProcessID = pid
	k.mu.Lock()
	k.processes[pid] = p
	if parent, ok := k.processes[ppid]; ok {
		parent.mu.Lock()
		parent.children = append(parent.children, pid)
		parent.mu.Unlock()
	}
	k.mu.Unlock()
	k.Sched.Enqueue(k.cpu, t)
	return p
}

// Fork duplicates parent into a new process with a copy-on-write address
// space and a forked file table.
func (k *Kernel) Fork(parentPID uint64) (uint64, defs.Err_t) {
	parent, err := k.lookup(parentPID)
	if err != 0 {
		return 0, err
	}
	if !limits.Syslimit.Sysprocs.Taken(1) {
		return 0, -defs.ENOMEM
	}
	childFiles, err := parent.Files.Fork()
	if err != 0 {
		limits.Syslimit.Sysprocs.Give()
		return 0, err
	}
	pid := k.nextPID.Add(1) - 1
	t := NewTask(pid, k.cpu)
	t.Sched = k.Sched
	childAS := vm.New(k.Alloc, k.cpu)
	parent.AS.Fork(k.cpu, childAS)
	child := &Process{
		PID: pid, PPID: parentPID, PGID: parent.PGID,
		Task: t, AS: childAS, Files: childFiles,
		Cwd:    &fd.Cwd_t{Fd: parent.Cwd.Fd, Path: parent.Cwd.Path},
		waitCh: make(chan struct{}),
	}
	t.ProcessID = pid
	k.mu.Lock()
	k.processes[pid] = child
	parent.mu.Lock()
	parent.children = append(parent.children, pid)
	parent.mu.Unlock()
	k.mu.Unlock()
	k.Sched.Enqueue(k.cpu, t)
	return pid, 0
}

// Exit tears down proc's fd table and marks it a zombie carrying code
// and fault for a future waitpid to observe and reap.
func (k *Kernel) Exit(pid uint64, code int) defs.Err_t {
	p, err := k.lookup(pid)
	if err != 0 {
		return err
	}
	p.Files.CloseOnExec() // drop cloexec fds first, matching execve's own sweep path
	p.AS.Free(k.cpu)
	if k.SHM != nil {
		k.SHM.CleanupProcess(pid)
	}
	if p.setExit(code, FaultNone) {
		limits.Syslimit.Sysprocs.Give()
	}
	p.Task.setState(Zombie)
	return 0
}

// Munmap unmaps [start, start+length) from pid's address space,
// splitting or shrinking whatever VMA covers it, then notifies every
// other CPU that might have the old translation cached via a TLB
// shootdown.
func (k *Kernel) Munmap(pid uint64, start, length mem.VirtAddr) defs.Err_t {
	p, err := k.lookup(pid)
	if err != 0 {
		return err
	}
	p.AS.Remove(k.cpu, start, length)
	p.AS.Pmap.Shootdown(start, k.Sched.ShootdownTargets(k.cpu, k.Log))
	return 0
}

// Kill terminates pid immediately with a fault reason, the path
// user-mode exceptions take.
func (k *Kernel) Kill(pid uint64, reason TaskFaultReason) {
	p, err := k.lookup(pid)
	if err != 0 {
		return
	}
	if k.Log != nil {
		k.Log.CPU(p.Task.Home).WithField("vector", msi.ShutdownVec).WithField("task_id", p.Task.ID).Debug("kill: forcing task off its CPU")
	}
	p.Task.Note.Doom(-defs.EPERM)
	p.AS.Free(k.cpu)
	if k.SHM != nil {
		k.SHM.CleanupProcess(pid)
	}
	if p.setExit(1, reason) {
		limits.Syslimit.Sysprocs.Give()
	}
	p.Task.setState(Zombie)
}

// Waitpid blocks until the child identified by pid exits (pid == 0 or
// a negative pid matches any child), reaps it, and returns its exit
// status.
func (k *Kernel) Waitpid(parentPID uint64, pid int64) (reapedPID uint64, code int, err defs.Err_t) {
	parent, e := k.lookup(parentPID)
	if e != 0 {
		return 0, 0, e
	}
	for {
		parent.mu.Lock()
		var target *Process
		var targetIdx int
		for i, cpid := range parent.children {
			k.mu.Lock()
			c := k.processes[cpid]
			k.mu.Unlock()
			if c == nil {
				continue
			}
			if pid > 0 && cpid != uint64(pid) {
				continue
			}
			if code, _, ok := c.ExitStatus(); ok {
				target = c
				targetIdx = i
				_ = code
				break
			}
		}
		if target == nil {
			if len(parent.children) == 0 {
				parent.mu.Unlock()
				return 0, 0, -defs.ECHILD
			}
			parent.mu.Unlock()
			parent.Task.Block()
			<-firstWaitCh(k, parent, pid)
			parent.Task.Wake()
			if k.Log != nil {
				k.Log.CPU(k.cpu).WithField("vector", msi.ReschedVec).WithField("task_id", parent.Task.ID).Debug("waitpid woke parent task")
			}
			continue
		}
		parent.children = append(parent.children[:targetIdx], parent.children[targetIdx+1:]...)
		parent.mu.Unlock()
		k.mu.Lock()
		delete(k.processes, target.PID)
		k.mu.Unlock()
		exitCode, _, _ := target.ExitStatus()
		return target.PID, exitCode, 0
	}
}

// firstWaitCh returns a channel that receives a value when any matching
// child of parent exits (or is already closed when there is none), so
// Waitpid can block without a busy loop.
func firstWaitCh(k *Kernel, parent *Process, pid int64) <-chan struct{} {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	var chans []chan struct{}
	for _, cpid := range parent.children {
		k.mu.Lock()
		c := k.processes[cpid]
		k.mu.Unlock()
		if c == nil || (pid > 0 && cpid != uint64(pid)) {
			continue
		}
		chans = append(chans, c.waitCh)
	}
	merged := make(chan struct{}, 1)
	if len(chans) == 0 {
		close(merged)
		return merged
	}
	for _, ch := range chans {
		go func(ch chan struct{}) {
			<-ch
			select {
			case merged <- struct{}{}:
			default:
			}
		}(ch)
	}
	return merged
}

// Setpgid/Getpgid/Tcsetpgrp/Tcgetpgrp are the minimal job-control
// surface; there are no signals to deliver on foreground change.

func (k *Kernel) Setpgid(pid, pgid uint64) defs.Err_t {
	p, err := k.lookup(pid)
	if err != 0 {
		return err
	}
	if pgid == 0 {
		pgid = pid
	}
	p.mu.Lock()
	p.PGID = pgid
	p.mu.Unlock()
	return 0
}

func (k *Kernel) Getpgid(pid uint64) (uint64, defs.Err_t) {
	p, err := k.lookup(pid)
	if err != 0 {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PGID, 0
}

// ctlTTYPGID is process-group-id of whoever currently controls the
// console tty, shared across every process the way one real tty driver
// would track it.
var ctlTTYPGID atomic.Uint64

func (k *Kernel) Tcsetpgrp(pgid uint64) defs.Err_t {
	ctlTTYPGID.Store(pgid)
	return 0
}

func (k *Kernel) Tcgetpgrp() uint64 {
	return ctlTTYPGID.Load()
}

// shmTokenFromBytes lets the syscall layer read a
// 16-byte SHM token out of the flat []byte argument encoding used for
// anything wider than a pointer-sized value.
func shmTokenFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	copy(u[:], b)
	return u
}
