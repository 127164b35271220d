// Package oommsg carries out-of-memory notifications from the physical
// frame allocator (internal/mem) to whatever reclaim policy the kernel
// configures. An exhausted allocator surfaces as ENOMEM at the syscall
// boundary either way; this channel is the hook a reclaimer attaches to.
package oommsg

/// OomCh is notified when the system runs out of memory.
var OomCh chan Oommsg_t = make(chan Oommsg_t)

/// Oommsg_t is sent on OomCh when memory is exhausted.
type Oommsg_t struct {
	Need   int
	Resume chan bool
}
