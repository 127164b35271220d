package proc

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/slopos/slopos/internal/stats"
)

// cpuStats holds the per-CPU scheduler counters (context switches,
// preemptions, steals, promotions, idles, idle time), read out through
// stats.Stats2String by Scheduler.StatsString.
type cpuStats struct {
	ContextSwitches stats.Counter_t
	Preemptions     stats.Counter_t
	Steals          stats.Counter_t
	Promotions      stats.Counter_t
	Idles           stats.Counter_t
	IdleTime        stats.Cycles_t
	ShootdownsSeen  stats.Counter_t
}

// cpuQueues holds one CPU's local MLFQ run queues plus its lock-free
// remote-wake inbox.
type cpuQueues struct {
	mu                sync.Mutex
	levels            [NumQueues][]*Task
	ticksSincePromote int

	inboxHead unsafe.Pointer // *Task, Treiber stack of tasks woken remotely

	Stats cpuStats
}

/// Scheduler owns every CPU's run queues and implements the MLFQ
/// scheduling policy: quantum decay demotes a task one level each time it
/// exhausts its slice, periodic promotion resets starved tasks to level
/// 0, and idle CPUs steal a single task from a busy neighbor rather than
/// going idle while work is queued elsewhere.
type Scheduler struct {
	cpus []cpuQueues
}

// NewScheduler creates a scheduler with numCPUs independent run-queue
// sets.
func NewScheduler(numCPUs int) *Scheduler {
	return &Scheduler{cpus: make([]cpuQueues, numCPUs)}
}

func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

// Enqueue places t on cpu's run queue at its current MLFQ level. If t is
// already queued (on any CPU) this is a no-op, which is what gives wake
// uniqueness: a task concurrently woken by two callers is only ever
// scheduled once per wake.
func (s *Scheduler) Enqueue(cpu int, t *Task) {
	if !t.queued.CompareAndSwap(false, true) {
		return
	}
	t.setState(Runnable)
	t.Home = cpu
	q := &s.cpus[cpu]
	q.mu.Lock()
	lvl := t.level_()
	q.levels[lvl] = append(q.levels[lvl], t)
	q.mu.Unlock()
}

// WakeRemote wakes t, which last ran on a CPU other than the caller's,
// via t.Home's lock-free inbox rather than taking that CPU's run-queue
// lock directly. Multiple concurrent wakers racing on the same task are
// resolved by the same queued CAS Enqueue uses, so the task is still
// pushed at most once.
func (s *Scheduler) WakeRemote(t *Task) {
	if !t.queued.CompareAndSwap(false, true) {
		return
	}
	t.setState(Runnable)
	q := &s.cpus[t.Home]
	for {
		old := atomic.LoadPointer(&q.inboxHead)
		atomic.StorePointer(&t.next, old)
		if atomic.CompareAndSwapPointer(&q.inboxHead, old, unsafe.Pointer(t)) {
			return
		}
	}
}

// drainInbox pops every task pushed to cpu's inbox and places it on the
// matching local run-queue level. Only cpu's own Schedule call invokes
// this, so the stack has many producers (WakeRemote from any CPU) but
// exactly one consumer, the classic Treiber-stack MPSC shape. The stack
// itself pops in LIFO order, so the popped chain is reversed before
// appending to each level's queue; this is what gives a single
// producer's pushes FIFO delivery order out of the drain.
func (s *Scheduler) drainInbox(cpu int) {
	q := &s.cpus[cpu]
	head := atomic.SwapPointer(&q.inboxHead, nil)
	var popped []*Task
	for head != nil {
		t := (*Task)(head)
		head = atomic.LoadPointer(&t.next)
		popped = append(popped, t)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := len(popped) - 1; i >= 0; i-- {
		t := popped[i]
		lvl := t.level_()
		q.levels[lvl] = append(q.levels[lvl], t)
	}
}

// Schedule picks the next task to run on cpu: first draining its inbox,
// then taking the head of the highest-priority non-empty local level,
// then falling back to stealing one task from a neighboring CPU. It
// returns nil if the whole system has no runnable work.
func (s *Scheduler) Schedule(cpu int) *Task {
	s.drainInbox(cpu)
	if t := s.popLocal(cpu); t != nil {
		return t
	}
	if t := s.steal(cpu); t != nil {
		return t
	}
	s.cpus[cpu].Stats.Idles.Inc()
	return nil
}

func (s *Scheduler) popLocal(cpu int) *Task {
	q := &s.cpus[cpu]
	q.mu.Lock()
	defer q.mu.Unlock()
	for lvl := 0; lvl < NumQueues; lvl++ {
		if len(q.levels[lvl]) == 0 {
			continue
		}
		t := q.levels[lvl][0]
		q.levels[lvl] = q.levels[lvl][1:]
		t.queued.Store(false)
		t.setState(Running)
		t.Home = cpu
		q.Stats.ContextSwitches.Inc()
		return t
	}
	return nil
}

// steal takes one task from the back of the lowest-priority non-empty
// queue of some other CPU, bounding interference with that CPU's own
// fairness (only ever one task per steal, and always from the
// least-favored level first).
func (s *Scheduler) steal(cpu int) *Task {
	n := len(s.cpus)
	for i := 1; i < n; i++ {
		victim := (cpu + i) % n
		if victim == cpu {
			continue
		}
		q := &s.cpus[victim]
		q.mu.Lock()
		for lvl := NumQueues - 1; lvl >= 0; lvl-- {
			l := q.levels[lvl]
			if len(l) == 0 {
				continue
			}
			t := l[len(l)-1]
			q.levels[lvl] = l[:len(l)-1]
			q.mu.Unlock()
			t.queued.Store(false)
			t.setState(Running)
			t.Home = cpu
			s.cpus[cpu].Stats.Steals.Inc()
			return t
		}
		q.mu.Unlock()
	}
	return nil
}

// Tick accounts one scheduler tick for the currently running task t on
// cpu, demoting it on quantum exhaustion and periodically promoting every
// waiting task back to level 0 to bound worst-case latency for tasks
// stuck behind CPU-bound work.
func (s *Scheduler) Tick(cpu int, t *Task) (quantumExpired bool) {
	quantumExpired = t.Tick()
	q := &s.cpus[cpu]
	if quantumExpired {
		q.Stats.Preemptions.Inc()
	}
	q.mu.Lock()
	q.ticksSincePromote++
	if q.ticksSincePromote >= PromotionPeriod {
		q.ticksSincePromote = 0
		s.promoteAllLocked(q)
	}
	q.mu.Unlock()
	return quantumExpired
}

func (s *Scheduler) promoteAllLocked(q *cpuQueues) {
	for lvl := 1; lvl < NumQueues; lvl++ {
		for _, t := range q.levels[lvl] {
			t.PromoteTop()
			q.levels[0] = append(q.levels[0], t)
			q.Stats.Promotions.Inc()
		}
		q.levels[lvl] = nil
	}
}

// IdleFor records elapsed idle time on cpu since startNs (a stats.Now()
// timestamp), called by the boot loop's idle spin after a nil Schedule.
func (s *Scheduler) IdleFor(cpu int, startNs uint64) {
	s.cpus[cpu].Stats.IdleTime.Add(startNs)
}

// StatsString renders cpu's counters for diagnostics (panic dumps, the
// stat device).
func (s *Scheduler) StatsString(cpu int) string {
	return stats.Stats2String(&s.cpus[cpu].Stats)
}

// Len reports the number of runnable tasks queued locally on cpu, across
// all levels, for diagnostics and tests; it does not include the inbox.
func (s *Scheduler) Len(cpu int) int {
	q := &s.cpus[cpu]
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, l := range q.levels {
		n += len(l)
	}
	return n
}
