package klog

import (
	"github.com/slopos/slopos/internal/caller"
)

// repeatedCallers dedups warnings that would otherwise fire once per call
// from the same code path, so a userspace loop hammering one bad syscall
// or fault doesn't flood the ring with identical lines.
var repeatedCallers = &caller.Distinct_caller_t{Enabled: true}

// WarnOnce logs msg at Warn level the first time the calling stack
// reaches this line, and is a silent no-op on every subsequent call from
// the same chain.
func (l *Logger) WarnOnce(msg string) {
	if first, stack := repeatedCallers.Distinct(); first {
		l.WithField("callers", stack).Warn(msg)
	}
}

// PanicRecover dumps the log ring and the panicking goroutine's call
// stack, then re-panics so the process still dies loudly. Deferred at the
// top of cmd/slopos's main. A kernel would force-unlock held mutexes
// before letting a panic propagate; here there are
// no locks to force-unlock (Go's sync.Mutex has none to release safely),
// so the cleanup is limited to flushing diagnostics before the stack
// unwinds.
func (l *Logger) PanicRecover() {
	r := recover()
	if r == nil {
		return
	}
	l.Errorf("panic: %v", r)
	l.Errorf("log ring:\n%s", l.Ring.Dump())
	caller.Callerdump(2)
	panic(r)
}
