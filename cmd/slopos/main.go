// Command slopos is the kernel entrypoint: boot handoff -> PFA ->
// paging -> VM -> scheduler -> fd/vfs -> net -> shm, wiring one
// internal/proc.Kernel and driving it through a hello-world boot
// scenario before running a bounded scheduler loop so the per-CPU
// MLFQ, work stealing and remote-wake inbox all see at least one real
// dispatch before the process exits.
//
// Real hardware supplies the boot handoff via a Limine-style protocol;
// here it is either a built-in fixture (no -config flag) or a JSON
// file shaped like bootinfo.Config for host-side testing.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/slopos/slopos/internal/bootinfo"
	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/klog"
	"github.com/slopos/slopos/internal/mem"
	"github.com/slopos/slopos/internal/net"
	"github.com/slopos/slopos/internal/paging"
	"github.com/slopos/slopos/internal/proc"
	"github.com/slopos/slopos/internal/shm"
	"github.com/slopos/slopos/internal/stats"
	"github.com/slopos/slopos/internal/ufs"
	"github.com/slopos/slopos/internal/vfs"
)

// defaultConfig is the built-in boot fixture: two usable ranges
// (low memory below the legacy BIOS hole, and a generous extent above
// 1MiB), no framebuffer, a single CPU.
func defaultConfig() *bootinfo.Config {
	return &bootinfo.Config{
		MemMap: []bootinfo.MemEntry{
			{Base: 0, Length: 0x9fc00, Kind: bootinfo.Usable},
			{Base: 0x100000, Length: 0x8000000 - 0x100000, Kind: bootinfo.Usable},
		},
		HHDMOffset: 0xFFFF_8000_0000_0000,
		NumCPUs:    1,
	}
}

func loadConfig(path string) (*bootinfo.Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg bootinfo.Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// loopbackDevice stands in for virtio-net when the host has nothing
// real to transmit to: every frame handed to Send is immediately
// redelivered to the same Stack's Receive, which is enough to exercise
// ARP/UDP/TCP encode+decode end to end in a single process.
type loopbackDevice struct {
	stack *net.Stack
}

func (d *loopbackDevice) Send(frame []byte) error {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	d.stack.Receive(cp)
	return nil
}

func (d *loopbackDevice) MTU() int { return 1500 }

// ramdiskSize is the backing size for the in-memory ext2 volume
// mounted at boot, with a comfortable margin of free blocks and
// inodes.
const ramdiskSize = 4 << 20

func main() {
	configPath := flag.String("config", "", "path to a bootinfo.Config JSON file (defaults to the hello-world fixture)")
	verbose := flag.Bool("v", false, "enable debug-level klog output")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "slopos: boot config:", err)
		os.Exit(1)
	}

	level := logrus.InfoLevel
	if *verbose {
		level = logrus.DebugLevel
	}
	log := klog.New(nil, level)
	defer log.PanicRecover()

	k, err := boot(cfg, log, os.Stdout)
	if err != nil {
		log.WithError(err).Error("boot failed")
		os.Exit(1)
	}
	log.Info("boot complete")

	if err := helloWorld(k, log); err != nil {
		log.WithError(err).Error("hello-world scenario failed")
		os.Exit(1)
	}

	runSchedulerDemo(k, log)
}

// boot wires every subsystem in leaf-first order: allocator, paging
// (implicit in vm.New's PageMap), network stack over a loopback device,
// an ext2 ramdisk mounted through the VFS shim, the SHM registry and
// compositor, and finally the Kernel tying it all to the syscall table.
func boot(cfg *bootinfo.Config, log *klog.Logger, consoleOut *os.File) (*proc.Kernel, error) {
	var usable []mem.PhysRange
	for _, e := range cfg.MemMap {
		if e.Kind == bootinfo.Usable {
			usable = append(usable, mem.PhysRange{Base: e.Base, Length: e.Length})
		}
	}
	mem.SortRanges(usable)
	alloc := mem.New(usable, cfg.HHDMOffset, cfg.NumCPUs)
	alloc.Finalize()
	alloc.ArmPCP()
	log.CPU(0).Infof("PFA: tracking %d usable ranges over %d CPUs", len(usable), cfg.NumCPUs)

	sched := proc.NewScheduler(cfg.NumCPUs)

	mac := net.MAC{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	loop := &loopbackDevice{}
	stack := net.NewStack(loop, mac, [4]byte{127, 0, 0, 1}, [4]byte{255, 0, 0, 0}, [4]byte{127, 0, 0, 1})
	loop.stack = stack

	ramdisk := ufs.NewMemDevice(ramdiskSize)
	fs, ferr := ufs.Mkfs(ramdisk, ramdiskSize)
	if ferr != 0 {
		return nil, fmt.Errorf("mkfs: errno %d", ferr)
	}
	vfsys := vfs.New(fs)
	log.Info("ext2 ramdisk formatted and mounted at /")

	var fb *bootinfo.Framebuffer
	if cfg.Framebuffer != nil {
		fb = cfg.Framebuffer
	}
	comp := shm.NewCompositor(fb)

	var pageDirFn func(uint64) *paging.PageMap
	var k *proc.Kernel
	pageDirFn = func(pid uint64) *paging.PageMap { return k.PageDir(pid) }
	shmReg := shm.NewRegistry(alloc, 0, pageDirFn)

	k = proc.NewKernel(alloc, sched, vfsys, stack, shmReg, comp, log, consoleOut)

	init := k.NewProcess(0)
	log.WithField("pid", init.PID).Info("init process created")
	return k, nil
}

// userScratchVA is an unused corner of the low user address range that
// helloWorld maps anonymously to stand in for a user program's data
// segment, since no real ELF binary is loaded here.
const userScratchVA = mem.VirtAddr(0x0000_0000_0020_0000)

// helloWorld drives the live Kernel: a task writes "hi\n" to fd 1 by
// going through the real syscall
// dispatch (proc.Kernel.Syscall), CopyIn/PageFault path included, and
// the console fd routes it to os.Stdout.
func helloWorld(k *proc.Kernel, log *klog.Logger) error {
	pid := uint64(1)
	as := k.AddressSpace(pid)
	if as == nil {
		return fmt.Errorf("no address space for pid %d", pid)
	}
	msg := []byte("hi\n")
	uva := userScratchVA
	// Map a small writable anon region the syscall's CopyIn can fault
	// into, standing in for the user stack/data a loaded ELF would
	// already have mapped.
	as.AddAnon(uva, mem.VirtAddr(len(msg)), paging.User|paging.Writable)
	if err := as.CopyIn(0, msg, uva); err != 0 {
		return fmt.Errorf("copy hello-world message into user space: errno %d", err)
	}
	n := k.Syscall(pid, defs.SYS_WRITE, [6]uint64{1, uint64(uva), uint64(len(msg))})
	if n != int64(len(msg)) {
		return fmt.Errorf("write returned %d, want %d", n, len(msg))
	}
	log.WithField("pid", pid).Info("hello-world scenario: wrote \"hi\\n\" to fd 1")
	return nil
}

// runSchedulerDemo ticks the scheduler for a bounded number of rounds so
// the ready-queue/inbox/work-stealing machinery executes at least once
// before the process exits; cmd/slopos has no real hardware timer, so
// this stands in for the IRQ-driven preemption loop.
func runSchedulerDemo(k *proc.Kernel, log *klog.Logger) {
	const rounds = 4
	for cpu := 0; cpu < k.Sched.NumCPUs(); cpu++ {
		for i := 0; i < rounds; i++ {
			idleStart := stats.Now()
			t := k.Sched.Schedule(cpu)
			if t == nil {
				k.Sched.IdleFor(cpu, idleStart)
				continue
			}
			log.CPU(cpu).WithField("task_id", t.ID).Debug("scheduled")
			if k.Sched.Tick(cpu, t) {
				k.Sched.Enqueue(cpu, t)
			}
		}
		log.CPU(cpu).Debug("scheduler stats:" + k.Sched.StatsString(cpu))
	}
	k.Exit(1, 0)
	log.Info("shutdown: init process reaped")
}
