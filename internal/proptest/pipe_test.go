package proptest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slopos/slopos/internal/defs"
	"github.com/slopos/slopos/internal/fd"
)

// TestPipeEOFWakesEveryBlockedReader, the reader side of pipe close
// semantics: every reader blocked on an empty pipe observes EOF
// (n==0, err==0) once the last writer closes, regardless of how many
// readers were waiting. sync.Cond.Broadcast gives no wake-order guarantee,
// so this only asserts that every blocked reader eventually unblocks
// with the right result, not a particular wake order.
func TestPipeEOFWakesEveryBlockedReader(t *testing.T) {
	const numReaders = 20
	rd, wr, perr := fd.NewPipe()
	require.Equal(t, defs.Err_t(0), perr)

	var wg sync.WaitGroup
	results := make(chan struct {
		n   int
		err defs.Err_t
	}, numReaders)
	wg.Add(numReaders)
	for i := 0; i < numReaders; i++ {
		go func() {
			defer wg.Done()
			buf := make([]byte, 16)
			n, err := rd.Fops.Read(buf)
			results <- struct {
				n   int
				err defs.Err_t
			}{n, err}
		}()
	}

	// give the readers a chance to actually block in cond.Wait before the
	// only writer goes away.
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, defs.Err_t(0), wr.Fops.Close())

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not every blocked reader woke after writer close")
	}
	close(results)

	count := 0
	for r := range results {
		require.Equal(t, 0, r.n)
		require.Equal(t, defs.Err_t(0), r.err)
		count++
	}
	require.Equal(t, numReaders, count)
}

// TestPipeBrokenWakesEveryBlockedWriter, the writer side: every writer
// blocked on a full pipe
// observes EPIPE once the last reader closes. Like the reader-side test,
// this only asserts eventual correct unblocking, not wake order.
func TestPipeBrokenWakesEveryBlockedWriter(t *testing.T) {
	const numWriters = 8
	rd, wr, perr := fd.NewPipe()
	require.Equal(t, defs.Err_t(0), perr)

	var wg sync.WaitGroup
	errs := make(chan defs.Err_t, numWriters)
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func() {
			defer wg.Done()
			// large enough that, combined across numWriters goroutines,
			// the pipe's ring buffer is guaranteed to fill and block at
			// least some of them in cond.Wait.
			chunk := make([]byte, 1<<20)
			_, err := wr.Fops.Write(chunk)
			errs <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, defs.Err_t(0), rd.Fops.Close())

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not every blocked writer woke after reader close")
	}
	close(errs)

	count := 0
	for err := range errs {
		require.Equal(t, -defs.EPIPE, err)
		count++
	}
	require.Equal(t, numWriters, count)
}
