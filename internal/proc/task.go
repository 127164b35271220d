// Package proc implements the per-CPU MLFQ scheduler: Task, the
// multi-level run queues with quantum decay and anti-starvation
// promotion, a lock-free MPSC remote-wake inbox per CPU, and bounded
// work stealing. internal/tinfo's Tnote_t (Alive/Killed/doomed +
// Killnaps wait channel) supplies the thread-lifecycle half of a Task,
// and internal/accnt's Accnt_t supplies its CPU-time bookkeeping. The
// lock-free inbox reuses the CAS-retry-loop idiom internal/mem's
// per-CPU page cache already established, generalized from frame
// indices to *Task pointers.
package proc

import (
	"sync/atomic"
	"unsafe"

	"github.com/slopos/slopos/internal/accnt"
	"github.com/slopos/slopos/internal/tinfo"
)

// State names a task's scheduling state.
type State int

const (
	Runnable State = iota
	Running
	Blocked
	Zombie
)

// NumQueues is the number of MLFQ priority levels; level 0 is highest
// priority (shortest quantum), NumQueues-1 is the background level.
const NumQueues = 4

// quantumTicks[level] is how many scheduler ticks a task may run at
// that level before being demoted one level.
var quantumTicks = [NumQueues]int{2, 4, 8, 16}

// PromotionPeriod is how many scheduler ticks a CPU runs before every
// waiting task is promoted back to level 0, preventing starvation of
// tasks stuck in the lowest queue behind a CPU-bound hog.
const PromotionPeriod = 200

/// Task is one schedulable unit of execution.
type Task struct {
	ID        uint64
	ProcessID uint64 // owning process
	Note      *tinfo.Tnote_t
	Accnt     accnt.Accnt_t
	state     atomic.Int32
	level     atomic.Int32
	ticks     atomic.Int32
	queued    atomic.Bool
	next      unsafe.Pointer // *Task, used by the inbox's lock-free stack
	Home      int            // CPU this task was last scheduled on
	Sched     *Scheduler     // scheduler this task's Wake re-enqueues onto
}

// NewTask creates a fresh, runnable task at the top MLFQ priority.
func NewTask(id uint64, home int) *Task {
	t := &Task{ID: id, Note: tinfo.NewTnote(), Home: home}
	t.state.Store(int32(Runnable))
	t.level.Store(0)
	t.ticks.Store(int32(quantumTicks[0]))
	return t
}

func (t *Task) State() State { return State(t.state.Load()) }
func (t *Task) setState(s State) { t.state.Store(int32(s)) }

// Block transitions t to Blocked just before the caller suspends on a
// wait queue (pipe, socket, waitpid). It implements fd.Blocker.
func (t *Task) Block() {
	t.setState(Blocked)
}

// Wake guarantees wake uniqueness: of any
// number of concurrent Wake calls racing on the same Blocked task, only
// the one whose CompareAndSwap wins transitions it to Runnable and
// re-enqueues it; every other caller observes an already-moved task and
// does nothing. It implements fd.Blocker.
func (t *Task) Wake() {
	if !t.state.CompareAndSwap(int32(Blocked), int32(Runnable)) {
		return
	}
	if t.Sched != nil {
		t.Sched.WakeRemote(t)
	}
}

func (t *Task) level_() int { return int(t.level.Load()) }

// Tick consumes one scheduler tick of this task's quantum, demoting it
// one MLFQ level when the quantum is exhausted. Returns true if the
// quantum just ran out (caller should reschedule).
func (t *Task) Tick() bool {
	if t.ticks.Add(-1) > 0 {
		return false
	}
	lvl := t.level_()
	if lvl < NumQueues-1 {
		lvl++
		t.level.Store(int32(lvl))
	}
	t.ticks.Store(int32(quantumTicks[lvl]))
	return true
}

// PromoteTop resets the task to the highest MLFQ priority level with a
// fresh quantum, used by the periodic anti-starvation sweep.
func (t *Task) PromoteTop() {
	t.level.Store(0)
	t.ticks.Store(int32(quantumTicks[0]))
}
