package proptest

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/ufs"
)

// TestExt2RandomSizeRoundTrip writes randomly sized files spanning direct
// and single-indirect blocks, remounts to force the read path through the
// on-disk layout rather than any in-memory inode cache, and checks every
// byte survives the round trip.
func TestExt2RandomSizeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	dev := ufs.NewMemDevice(16 << 20)
	fs, err := ufs.Mkfs(dev, 16<<20)
	require.Zero(t, err)

	type file struct {
		name string
		data []byte
	}
	var files []file
	for i := 0; i < 12; i++ {
		// up to the 1 KiB-block file limit (12 direct + 256 single-indirect
		// blocks = 274432 bytes), so most files spill past the 12 direct
		// blocks (12*1024 = 12288 bytes) into the single-indirect range.
		size := rng.Intn(274_432) + 1
		data := make([]byte, size)
		rng.Read(data)
		name := string(rune('a' + i))
		ino, err := fs.CreateFile(fs.RootInode(), name)
		require.Zero(t, err)
		n, err := fs.WriteFile(ino, 0, data)
		require.Zero(t, err)
		require.Equal(t, size, n)
		files = append(files, file{name, data})
	}

	fs2, err := ufs.Mount(dev)
	require.Zero(t, err)
	for _, f := range files {
		ino, err := fs2.Lookup(fs2.RootInode(), f.name)
		require.Zero(t, err)
		in, err := fs2.ReadInode(ino)
		require.Zero(t, err)
		require.Equal(t, uint32(len(f.data)), in.Size)

		got := make([]byte, len(f.data))
		n, err := fs2.ReadFile(ino, 0, got)
		require.Zero(t, err)
		require.Equal(t, len(f.data), n)
		require.Equal(t, f.data, got, "file %s corrupted by round trip", f.name)
	}
}

// TestExt2CreateRemoveReuseDoesNotLeak: repeatedly creating and
// removing files
// on a small, fixed-size filesystem must never run out of space, which is
// only possible if every removed file's inode and data blocks are always
// fully reclaimed back to the free bitmaps rather than leaking.
func TestExt2CreateRemoveReuseDoesNotLeak(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	dev := ufs.NewMemDevice(2 << 20)
	fs, err := ufs.Mkfs(dev, 2<<20)
	require.Zero(t, err)

	for round := 0; round < 200; round++ {
		size := rng.Intn(20_000) + 1
		data := make([]byte, size)
		rng.Read(data)

		ino, err := fs.CreateFile(fs.RootInode(), "churn")
		require.Zerof(t, err, "round %d: create failed, suspected leak from a prior round", round)

		n, err := fs.WriteFile(ino, 0, data)
		require.Zero(t, err)
		require.Equal(t, size, n)

		got := make([]byte, size)
		n, err = fs.ReadFile(ino, 0, got)
		require.Zero(t, err)
		require.Equal(t, size, n)
		require.Equal(t, data, got)

		require.Zero(t, fs.RemovePath(fs.RootInode(), "churn"))
	}
}

// TestExt2RemovedInodeIsReusedExactly is the randomized version of the
// remove-and-reuse unit test in internal/ufs: the freed inode
// and directory slot from a removed file are reused by the very next
// create in the same directory, for many independent removed names.
func TestExt2RemovedInodeIsReusedExactly(t *testing.T) {
	dev := ufs.NewMemDevice(4 << 20)
	fs, err := ufs.Mkfs(dev, 4<<20)
	require.Zero(t, err)

	rng := rand.New(rand.NewSource(31))
	for i := 0; i < 64; i++ {
		name := string(rune('a'+i%26)) + string(rune('0'+rng.Intn(10)))
		ino1, err := fs.CreateFile(fs.RootInode(), name)
		require.Zero(t, err)
		require.Zero(t, fs.RemovePath(fs.RootInode(), name))

		ino2, err := fs.CreateFile(fs.RootInode(), name)
		require.Zero(t, err)
		require.Equalf(t, ino1, ino2, "iteration %d: freed inode %d for %q not reused, got %d", i, ino1, name, ino2)
		require.Zero(t, fs.RemovePath(fs.RootInode(), name))
	}

	_, err = fs.Lookup(fs.RootInode(), "nonexistent")
	require.Equal(t, -defs.ENOENT, err)
}
