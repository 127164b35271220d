package ufs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMkfsAndRoundTrip(t *testing.T) {
	dev := NewMemDevice(4 << 20)
	fs, err := Mkfs(dev, 4<<20)
	require.Zero(t, err)

	dirIno, err := fs.CreateDirectory(fs.RootInode(), "t")
	require.Zero(t, err)

	fileIno, err := fs.CreateFile(dirIno, "f")
	require.Zero(t, err)

	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	n, err := fs.WriteFile(fileIno, 0, data)
	require.Zero(t, err)
	require.Equal(t, len(data), n)

	// Remount to exercise on-disk persistence, not just the in-memory
	// inode cache.
	fs2, err := Mount(dev)
	require.Zero(t, err)

	got, err := fs2.Lookup(fs2.RootInode(), "t")
	require.Zero(t, err)
	require.Equal(t, dirIno, got)

	got2, err := fs2.Lookup(dirIno, "f")
	require.Zero(t, err)
	require.Equal(t, fileIno, got2)

	in, err := fs2.ReadInode(got2)
	require.Zero(t, err)
	require.Equal(t, uint32(len(data)), in.Size)

	buf := make([]byte, len(data))
	n, err = fs2.ReadFile(got2, 0, buf)
	require.Zero(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
}

func TestRemoveAndReuse(t *testing.T) {
	dev := NewMemDevice(4 << 20)
	fs, err := Mkfs(dev, 4<<20)
	require.Zero(t, err)

	ino1, err := fs.CreateFile(fs.RootInode(), "a")
	require.Zero(t, err)
	require.Zero(t, fs.RemovePath(fs.RootInode(), "a"))

	ino2, err := fs.CreateFile(fs.RootInode(), "a")
	require.Zero(t, err)
	require.Equal(t, ino1, ino2)

	_, err = fs.Lookup(fs.RootInode(), "a")
	require.Zero(t, err)
}

func TestSparseReadIsZero(t *testing.T) {
	dev := NewMemDevice(4 << 20)
	fs, err := Mkfs(dev, 4<<20)
	require.Zero(t, err)

	ino, err := fs.CreateFile(fs.RootInode(), "sparse")
	require.Zero(t, err)
	_, err = fs.WriteFile(ino, 5000, []byte("tail"))
	require.Zero(t, err)

	buf := make([]byte, 10)
	n, err := fs.ReadFile(ino, 100, buf)
	require.Zero(t, err)
	require.Equal(t, 10, n)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
}

func TestListDirectory(t *testing.T) {
	dev := NewMemDevice(4 << 20)
	fs, err := Mkfs(dev, 4<<20)
	require.Zero(t, err)

	for _, name := range []string{"a", "b", "c"} {
		_, err := fs.CreateFile(fs.RootInode(), name)
		require.Zero(t, err)
	}
	names, err := fs.List(fs.RootInode())
	require.Zero(t, err)
	require.ElementsMatch(t, []string{".", "..", "a", "b", "c"}, names)
}
