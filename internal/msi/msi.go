// Package msi allocates the interrupt vectors above the legacy IRQ
// range: MSI vectors for devices plus the fixed IPI vectors (reschedule,
// TLB shootdown, shutdown) consumed by internal/proc.
package msi

import "sync"

// Vec_t represents an interrupt vector number (0-255, IDT-gate addressable).
type Vec_t uint

// Reserved IPI vectors, allocated outside the MSI pool so they never
// collide with a device's MSI vector.
const (
	ReschedVec   Vec_t = 0xfc
	ShootdownVec Vec_t = 0xfd
	ShutdownVec  Vec_t = 0xfe
)

// vecs tracks available device MSI vectors.
type vecs struct {
	sync.Mutex
	avail map[Vec_t]bool
}

var msivecs = vecs{
	avail: map[Vec_t]bool{56: true, 57: true, 58: true, 59: true, 60: true,
		61: true, 62: true, 63: true, 64: true, 65: true, 66: true, 67: true},
}

// Alloc allocates an available MSI vector.
func Alloc() Vec_t {
	msivecs.Lock()
	defer msivecs.Unlock()

	for i := range msivecs.avail {
		delete(msivecs.avail, i)
		return i
	}
	panic("no more MSI vecs")
}

// Free releases a previously allocated MSI vector.
func Free(vector Vec_t) {
	msivecs.Lock()
	defer msivecs.Unlock()

	if msivecs.avail[vector] {
		panic("double free")
	}
	msivecs.avail[vector] = true
}
