package shm

import (
	"sync"

	"github.com/google/uuid"

	"github.com/slopos/slopos/internal/bootinfo"
	"github.com/slopos/slopos/internal/defs"
)

// DamageRect is an inclusive screen-space rectangle describing a region
// whose pixels changed since the last present.
type DamageRect struct {
	X0, Y0, X1, Y1 int
}

func (d DamageRect) clip(w, h int) (DamageRect, bool) {
	if d.X0 < 0 {
		d.X0 = 0
	}
	if d.Y0 < 0 {
		d.Y0 = 0
	}
	if d.X1 > w {
		d.X1 = w
	}
	if d.Y1 > h {
		d.Y1 = h
	}
	if d.X0 >= d.X1 || d.Y0 >= d.Y1 {
		return DamageRect{}, false
	}
	return d, true
}

// WindowState names a window's lifecycle/visibility state.
type WindowState int

const (
	WindowNormal WindowState = iota
	WindowMinimized
	WindowMaximized
	WindowClosing
)

// Window is one compositor-tracked surface's window metadata.
type Window struct {
	TaskID  uint64
	Token   uuid.UUID
	Title   string
	X, Y    int
	W, H    int
	State   WindowState
	Damage  []DamageRect
}

// InputEventKind names the kinds of input events poll_batch returns.
type InputEventKind int

const (
	EventPointerMove InputEventKind = iota
	EventButtonDown
	EventButtonUp
	EventKeyDown
	EventKeyUp
)

// InputEvent is one queued input event.
type InputEvent struct {
	Kind   InputEventKind
	X, Y   int
	Button int
	Key    int
	Target uint64 // task id with pointer/keyboard focus when queued
}

// DisplayInfo is the fb_info result: screen geometry and pixel format.
type DisplayInfo struct {
	Width, Height, Pitch int
	Format                bootinfo.PixelFormat
}

// Compositor owns the framebuffer-backed window stack, pointer/keyboard
// focus, and the batched input event queue; it presents committed
// surface buffers into the boot framebuffer on fb_flip/fb_flip_damage.
type Compositor struct {
	mu   sync.Mutex
	fb   *bootinfo.Framebuffer
	pix  []byte // host-side simulated framebuffer backing store

	windows []*Window
	focus   uint64 // task id with keyboard focus
	pointer struct {
		x, y    int
		buttons uint32
		focus   uint64
	}
	input []InputEvent

	clipboard []byte
}

// NewCompositor creates a compositor over fb, allocating a host-side
// pixel buffer standing in for the physical framebuffer memory (real
// hardware backs this with the boot handoff's phys_address via HHDM;
// here it is a plain byte slice since there is no real MMIO window).
func NewCompositor(fb *bootinfo.Framebuffer) *Compositor {
	c := &Compositor{fb: fb}
	if fb != nil {
		c.pix = make([]byte, fb.Pitch*fb.Height)
	}
	return c
}

// Info returns the advertised display geometry and pixel format.
func (c *Compositor) Info() (DisplayInfo, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fb == nil {
		return DisplayInfo{}, -defs.ENOSYS
	}
	return DisplayInfo{Width: c.fb.Width, Height: c.fb.Height, Pitch: c.fb.Pitch, Format: c.fb.Format}, 0
}

// AddWindow registers a new window at the given geometry, topmost.
func (c *Compositor) AddWindow(taskID uint64, token uuid.UUID, title string, x, y, w, h int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.windows = append(c.windows, &Window{TaskID: taskID, Token: token, Title: title, X: x, Y: y, W: w, H: h})
}

func (c *Compositor) findLocked(taskID uint64) *Window {
	for _, w := range c.windows {
		if w.TaskID == taskID {
			return w
		}
	}
	return nil
}

// Raise moves taskID's window to the top of the stacking order.
func (c *Compositor) Raise(taskID uint64) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.windows {
		if w.TaskID == taskID {
			c.windows = append(c.windows[:i], c.windows[i+1:]...)
			c.windows = append(c.windows, w)
			return 0
		}
	}
	return -defs.EINVAL
}

// SetPosition moves taskID's window.
func (c *Compositor) SetPosition(taskID uint64, x, y int) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.findLocked(taskID)
	if w == nil {
		return -defs.EINVAL
	}
	w.X, w.Y = x, y
	return 0
}

// SetState updates taskID's window lifecycle/visibility state.
func (c *Compositor) SetState(taskID uint64, state WindowState) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.findLocked(taskID)
	if w == nil {
		return -defs.EINVAL
	}
	w.State = state
	return 0
}

// SetFocus gives taskID keyboard focus.
func (c *Compositor) SetFocus(taskID uint64) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findLocked(taskID) == nil {
		return -defs.EINVAL
	}
	c.focus = taskID
	return 0
}

// RequestClose marks taskID's window WindowClosing; no event is queued,
// so the owning app learns of it only by reading the window's state.
func (c *Compositor) RequestClose(taskID uint64) defs.Err_t {
	return c.SetState(taskID, WindowClosing)
}

// SetPointerFocusWithOffset gives taskID pointer focus, recording the
// offset between screen and window-local coordinates implicitly via the
// window's own (X,Y).
func (c *Compositor) SetPointerFocusWithOffset(taskID uint64) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.findLocked(taskID) == nil {
		return -defs.EINVAL
	}
	c.pointer.focus = taskID
	return 0
}

// GetPointerPos returns the current pointer position in screen space.
func (c *Compositor) GetPointerPos() (x, y int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pointer.x, c.pointer.y
}

// GetButtonState returns the current pointer button bitmask.
func (c *Compositor) GetButtonState() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pointer.buttons
}

// PostInput enqueues an input event for the next poll_batch, updating
// the tracked pointer state when applicable.
func (c *Compositor) PostInput(ev InputEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case EventPointerMove:
		c.pointer.x, c.pointer.y = ev.X, ev.Y
	case EventButtonDown:
		c.pointer.buttons |= 1 << uint(ev.Button)
	case EventButtonUp:
		c.pointer.buttons &^= 1 << uint(ev.Button)
	}
	c.input = append(c.input, ev)
}

// PollBatch drains up to len(out) queued input events into out, returning
// the count drained.
func (c *Compositor) PollBatch(out []InputEvent) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(out, c.input)
	c.input = c.input[n:]
	return n
}

// ClipboardCopy stores data as the clipboard contents.
func (c *Compositor) ClipboardCopy(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clipboard = append([]byte(nil), data...)
}

// ClipboardPaste copies the clipboard contents into dst, returning the
// number of bytes copied.
func (c *Compositor) ClipboardPaste(dst []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copy(dst, c.clipboard)
}

// EnumerateWindows returns the current stacking order, bottom to top,
// truncated to len(out) entries.
func (c *Compositor) EnumerateWindows(out []*Window) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := copy(out, c.windows)
	return n
}

// Flip presents src (an ARGB8888/XRGB8888/etc. pixel buffer matching the
// registry buffer for window taskID) into the framebuffer, restricted to
// damage if non-empty, each rect clipped to the screen. Pixels outside
// every clipped rect are left unchanged.
func (c *Compositor) Flip(taskID uint64, src []byte, damage []DamageRect) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.findLocked(taskID)
	if w == nil || c.fb == nil {
		return -defs.EINVAL
	}
	bpp := 4
	rects := damage
	if len(rects) == 0 {
		rects = []DamageRect{{X0: w.X, Y0: w.Y, X1: w.X + w.W - 1, Y1: w.Y + w.H - 1}}
	}
	for _, r := range rects {
		r.X1++ // inclusive bounds to half-open for clipping and copying
		r.Y1++
		clipped, ok := r.clip(c.fb.Width, c.fb.Height)
		if !ok {
			continue
		}
		for y := clipped.Y0; y < clipped.Y1; y++ {
			srcY := y - w.Y
			if srcY < 0 || srcY >= w.H {
				continue
			}
			rowOff := y*c.fb.Pitch + clipped.X0*bpp
			srcRowOff := srcY*w.W*bpp + (clipped.X0-w.X)*bpp
			n := (clipped.X1 - clipped.X0) * bpp
			if srcRowOff < 0 || srcRowOff+n > len(src) || rowOff+n > len(c.pix) {
				continue
			}
			copy(c.pix[rowOff:rowOff+n], src[srcRowOff:srcRowOff+n])
		}
	}
	w.Damage = rects
	return 0
}

// Framebuffer exposes the simulated framebuffer's current pixel contents
// for tests and diagnostics.
func (c *Compositor) Framebuffer() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pix
}
