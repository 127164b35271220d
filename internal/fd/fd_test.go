package fd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slopos/slopos/internal/ustr"
)

func TestPipeReadWriteRoundTrip(t *testing.T) {
	rd, wr, perr := NewPipe()
	require.Zero(t, perr)
	n, err := wr.Fops.Write([]byte("hello"))
	require.Zero(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = rd.Fops.Read(buf)
	require.Zero(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestPipeReadReturnsEOFAfterWriterCloses(t *testing.T) {
	rd, wr, perr := NewPipe()
	require.Zero(t, perr)
	require.Zero(t, wr.Fops.Close())

	buf := make([]byte, 5)
	n, err := rd.Fops.Read(buf)
	require.Zero(t, err)
	require.Zero(t, n)
}

func TestPipeWriteFailsWithEPIPEAfterReaderCloses(t *testing.T) {
	rd, wr, perr := NewPipe()
	require.Zero(t, perr)
	require.Zero(t, rd.Fops.Close())

	_, err := wr.Fops.Write([]byte("x"))
	require.NotZero(t, err)
}

func TestFileTableAllocUsesLowestFreeNumber(t *testing.T) {
	ft := NewFileTable()
	rd, wr, perr := NewPipe()
	require.Zero(t, perr)
	n0, err := ft.Alloc(rd)
	require.Zero(t, err)
	require.Equal(t, 0, n0)
	n1, err := ft.Alloc(wr)
	require.Zero(t, err)
	require.Equal(t, 1, n1)

	require.Zero(t, ft.Close(0))
	rd2, _, _ := NewPipe()
	n2, err := ft.Alloc(rd2)
	require.Zero(t, err)
	require.Equal(t, 0, n2)
}

func TestDupSharesUnderlyingPipe(t *testing.T) {
	ft := NewFileTable()
	rd, wr, perr := NewPipe()
	require.Zero(t, perr)
	n0, _ := ft.Alloc(rd)
	ft.Alloc(wr)

	n1, err := ft.Dup(n0)
	require.Zero(t, err)
	require.NotEqual(t, n0, n1)

	f0, _ := ft.Get(n0)
	f1, _ := ft.Get(n1)
	require.Equal(t, f0.Fops.(*pipeEnd).p, f1.Fops.(*pipeEnd).p)
}

func TestCanonicalizeCollapsesDotDot(t *testing.T) {
	got := Canonicalize(ustr.Ustr("/a/b/../c/./d"))
	require.Equal(t, "/a/c/d", got.String())
}

func TestCanonicalizeRootStaysRoot(t *testing.T) {
	got := Canonicalize(ustr.Ustr("/"))
	require.Equal(t, "/", got.String())
}
