package sylar

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunsScheduledFiberToCompletion(t *testing.T) {
	s := NewScheduler(2, WithName("test"))
	require.NoError(t, s.Start())

	done := make(chan struct{})
	f := New(func() {
		close(done)
	})
	require.NoError(t, s.ScheduleFiber(f))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}

	require.NoError(t, s.Stop())
}

func TestScheduler_RunsCallback(t *testing.T) {
	s := NewScheduler(2, WithName("test"))
	require.NoError(t, s.Start())

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, s.ScheduleFunc(func() {
		ran.Store(true)
		wg.Done()
	}))

	wg.Wait()
	assert.True(t, ran.Load())
	require.NoError(t, s.Stop())
}

func TestScheduler_CallbackFiberIsReusedAfterCompletion(t *testing.T) {
	s := NewScheduler(1, WithName("test"))
	require.NoError(t, s.Start())

	var wg sync.WaitGroup
	const n = 5
	ids := make(chan uint64, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, s.ScheduleFunc(func() {
			ids <- Current().ID()
			wg.Done()
		}))
	}
	wg.Wait()
	require.NoError(t, s.Stop())

	close(ids)
	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id, "every callback should run on the same reused callback fiber")
	}
}

func TestScheduler_ThreadAffinityRunsOnEveryWorker(t *testing.T) {
	s := NewScheduler(3, WithName("test"))
	require.NoError(t, s.Start())

	var wg sync.WaitGroup
	wg.Add(3)
	for id := 0; id < 3; id++ {
		id := id
		require.NoError(t, s.Schedule(ReadyTask{
			Callback: func() { wg.Done() },
			ThreadID: id,
		}))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not every pinned task ran")
	}

	require.NoError(t, s.Stop())
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := NewScheduler(2, WithName("test"))
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestScheduler_StoppingRequiresEmptyQueueAndNoActiveWorker(t *testing.T) {
	s := NewScheduler(1)
	assert.False(t, s.Stopping(), "not asked to stop yet")
	s.stopFlag.Store(true)
	assert.True(t, s.Stopping(), "empty queue, no active worker, stop requested")

	release := make(chan struct{})
	s.ready = append(s.ready, ReadyTask{Callback: func() { <-release }})
	assert.False(t, s.Stopping(), "queue is non-empty")
	close(release)
}

func TestScheduler_UseCallerDrivesRootFiberFromStop(t *testing.T) {
	s := NewScheduler(1, WithUseCaller(true), WithName("test"))
	require.NoError(t, s.Start())

	var ran atomic.Bool
	require.NoError(t, s.ScheduleFunc(func() { ran.Store(true) }))

	// With a single, caller-hosted worker, Stop itself drives the root fiber
	// on this goroutine, draining the scheduled callback before returning.
	require.NoError(t, s.Stop())
	assert.True(t, ran.Load())
}
