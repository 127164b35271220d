// Package tinfo tracks per-task cancellation state: whether a task has
// been marked doomed (about to be killed) and the channel a blocked task's
// canceller uses to interrupt it. The note is embedded directly in
// proc.Task and passed explicitly wherever a blocking operation needs to
// observe a pending kill.
package tinfo

import (
	"sync"

	"github.com/slopos/slopos/internal/defs"
)

/// ID identifies the task a Tnote_t belongs to.
type ID uint64

/// Tnote_t stores the cancellation state for one task.
type Tnote_t struct {
	Alive    bool
	Killed   bool
	Isdoomed bool
	sync.Mutex
	Killnaps struct {
		Killch chan bool
		Cond   *sync.Cond
		Kerr   defs.Err_t
	}
}

/// NewTnote allocates a live, non-doomed note with its kill channel ready.
func NewTnote() *Tnote_t {
	t := &Tnote_t{Alive: true}
	t.Killnaps.Killch = make(chan bool, 1)
	t.Killnaps.Cond = sync.NewCond(t)
	return t
}

/// Doomed reports whether the task is marked for termination.
func (t *Tnote_t) Doomed() bool {
	t.Lock()
	defer t.Unlock()
	return t.Isdoomed
}

/// Doom marks the task doomed and wakes anything waiting on Killnaps.Cond.
func (t *Tnote_t) Doom(err defs.Err_t) {
	t.Lock()
	t.Isdoomed = true
	t.Killnaps.Kerr = err
	t.Killnaps.Cond.Broadcast()
	t.Unlock()
	select {
	case t.Killnaps.Killch <- true:
	default:
	}
}

/// Threadinfo_t tracks the notes for every live task, keyed by task id.
type Threadinfo_t struct {
	sync.Mutex
	Notes map[ID]*Tnote_t
}

/// NewThreadinfo allocates an empty registry.
func NewThreadinfo() *Threadinfo_t {
	return &Threadinfo_t{Notes: make(map[ID]*Tnote_t)}
}

/// Register installs a new note for id, replacing the note the caller must
/// later Unregister.
func (ti *Threadinfo_t) Register(id ID) *Tnote_t {
	n := NewTnote()
	ti.Lock()
	ti.Notes[id] = n
	ti.Unlock()
	return n
}

/// Lookup finds the note for id, if any.
func (ti *Threadinfo_t) Lookup(id ID) (*Tnote_t, bool) {
	ti.Lock()
	defer ti.Unlock()
	n, ok := ti.Notes[id]
	return n, ok
}

/// Unregister drops the note for id.
func (ti *Threadinfo_t) Unregister(id ID) {
	ti.Lock()
	delete(ti.Notes, id)
	ti.Unlock()
}
