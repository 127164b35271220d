package proc

import (
	"github.com/slopos/slopos/internal/klog"
	"github.com/slopos/slopos/internal/mem"
	"github.com/slopos/slopos/internal/msi"
	"github.com/slopos/slopos/internal/paging"
)

// ipiTarget adapts one CPU's run queue into paging.ShootdownTarget: a
// remote CPU
// observes a TLB shootdown over msi.ShootdownVec and bumps its
// seen-shootdown counter rather than flushing real hardware TLB entries,
// since this simulated kernel has no hardware TLB to invalidate.
type ipiTarget struct {
	q   *cpuQueues
	cpu int
	log *klog.Logger
}

func (it *ipiTarget) NotifyShootdown(virt mem.VirtAddr, gen uint64) {
	it.q.Stats.ShootdownsSeen.Inc()
	if it.log != nil {
		it.log.CPU(it.cpu).WithField("vector", msi.ShootdownVec).WithField("gen", gen).Debug("TLB shootdown IPI observed")
	}
}

// ShootdownTargets returns a paging.ShootdownTarget for every CPU other
// than except, so a caller invalidating a mapping on one CPU can notify
// every other CPU that might have the old translation cached.
func (s *Scheduler) ShootdownTargets(except int, log *klog.Logger) []paging.ShootdownTarget {
	var targets []paging.ShootdownTarget
	for cpu := range s.cpus {
		if cpu == except {
			continue
		}
		targets = append(targets, &ipiTarget{q: &s.cpus[cpu], cpu: cpu, log: log})
	}
	return targets
}
