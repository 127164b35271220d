package proc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueThenScheduleRoundTrips(t *testing.T) {
	s := NewScheduler(1)
	task := NewTask(1, 0)
	s.Enqueue(0, task)
	got := s.Schedule(0)
	require.Same(t, task, got)
	require.Equal(t, Running, got.State())
	require.Nil(t, s.Schedule(0))
}

func TestWakeUniquenessUnderConcurrentWakers(t *testing.T) {
	s := NewScheduler(2)
	task := NewTask(1, 0)
	task.queued.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.WakeRemote(task)
		}()
	}
	wg.Wait()

	count := 0
	for {
		t := s.Schedule(0)
		if t == nil {
			break
		}
		count++
		t.queued.Store(false) // simulate block again so re-wake is possible
	}
	require.Equal(t, 1, count)
}

func TestHigherPriorityRunsBeforeLower(t *testing.T) {
	s := NewScheduler(1)
	high := NewTask(1, 0)
	low := NewTask(2, 0)
	low.level.Store(NumQueues - 1)
	s.Enqueue(0, low)
	s.Enqueue(0, high)

	require.Same(t, high, s.Schedule(0))
	require.Same(t, low, s.Schedule(0))
}

func TestQuantumExhaustionDemotes(t *testing.T) {
	task := NewTask(1, 0)
	q := quantumTicks[0]
	for i := 0; i < q-1; i++ {
		require.False(t, task.Tick())
	}
	require.True(t, task.Tick())
	require.Equal(t, 1, task.level_())
}

func TestPromotionResetsStarvedTasks(t *testing.T) {
	s := NewScheduler(1)
	task := NewTask(1, 0)
	task.level.Store(NumQueues - 1)
	s.Enqueue(0, task)

	for i := 0; i < PromotionPeriod; i++ {
		s.Tick(0, task)
	}
	q := &s.cpus[0]
	require.Contains(t, q.levels[0], task)
}

func TestStealTakesWorkFromBusyNeighbor(t *testing.T) {
	s := NewScheduler(2)
	task := NewTask(1, 0)
	s.Enqueue(0, task)

	got := s.Schedule(1)
	require.Same(t, task, got)
	require.Equal(t, 1, got.Home)
}
