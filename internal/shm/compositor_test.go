package shm

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/slopos/slopos/internal/bootinfo"
)

func solidPixels(w, h int, argb [4]byte) []byte {
	buf := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		copy(buf[i*4:i*4+4], argb[:])
	}
	return buf
}

func readPixel(fb []byte, pitch, x, y int) [4]byte {
	var p [4]byte
	off := y*pitch + x*4
	copy(p[:], fb[off:off+4])
	return p
}

// TestFlipDamageClipsToUnion: a 200x100
// red window flipped at (10,10) paints exactly that block; moving it to
// (50,50) and flipping with an explicit two-rect damage list updates only
// the union of the clipped rectangles, leaving every other pixel alone.
func TestFlipDamageClipsToUnion(t *testing.T) {
	fb := &bootinfo.Framebuffer{Width: 300, Height: 300, Pitch: 300 * 4, Format: bootinfo.ARGB8888}
	comp := NewCompositor(fb)

	const taskID = 1
	red := [4]byte{0xff, 0x00, 0x00, 0xff}
	bg := [4]byte{0x00, 0x00, 0x00, 0x00}
	pix := solidPixels(200, 100, red)

	comp.AddWindow(taskID, uuid.New(), "win", 10, 10, 200, 100)
	require.Zero(t, comp.Flip(taskID, pix, nil))

	out := comp.Framebuffer()
	require.Equal(t, red, readPixel(out, fb.Pitch, 10, 10))
	require.Equal(t, red, readPixel(out, fb.Pitch, 209, 109))
	require.Equal(t, bg, readPixel(out, fb.Pitch, 9, 10), "pixel just outside the old damage must stay background")
	require.Equal(t, bg, readPixel(out, fb.Pitch, 210, 10))

	require.Zero(t, comp.SetPosition(taskID, 50, 50))
	damage := []DamageRect{
		{X0: 10, Y0: 10, X1: 209, Y1: 109},
		{X0: 50, Y0: 50, X1: 249, Y1: 149},
	}
	require.Zero(t, comp.Flip(taskID, pix, damage))

	out = comp.Framebuffer()
	// New area is red.
	require.Equal(t, red, readPixel(out, fb.Pitch, 50, 50))
	require.Equal(t, red, readPixel(out, fb.Pitch, 248, 148))
	// A pixel outside the union of both damage rects is untouched since
	// the first flip and stays background: the compositor's present path
	// never writes outside the clipped rects it's given.
	require.Equal(t, bg, readPixel(out, fb.Pitch, 290, 290))
}

// TestFlipDamageClippedToScreen checks that a damage rect extending past
// the screen edge is clipped rather than writing out of bounds.
func TestFlipDamageClippedToScreen(t *testing.T) {
	fb := &bootinfo.Framebuffer{Width: 64, Height: 64, Pitch: 64 * 4, Format: bootinfo.ARGB8888}
	comp := NewCompositor(fb)
	const taskID = 7
	red := [4]byte{0xff, 0, 0, 0xff}
	pix := solidPixels(32, 32, red)
	comp.AddWindow(taskID, uuid.New(), "edge", 48, 48, 32, 32)

	require.Zero(t, comp.Flip(taskID, pix, []DamageRect{{X0: 48, Y0: 48, X1: 200, Y1: 200}}))
	out := comp.Framebuffer()
	require.Equal(t, red, readPixel(out, fb.Pitch, 63, 63))
}
