package cq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFIFOOrdering(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Push(Event{Kind: OpComplete, Success: true, Tag: i})
	}

	for i := 0; i < 5; i++ {
		e := q.Wait(time.Now().Add(time.Second))
		require.Equal(t, OpComplete, e.Kind)
		require.Equal(t, i, e.Tag)
	}
}

func TestWaitTimeout(t *testing.T) {
	q := New()
	start := time.Now()
	e := q.Wait(start.Add(50 * time.Millisecond))
	elapsed := time.Since(start)

	require.Equal(t, Timeout, e.Kind)
	require.False(t, e.Success)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, 200*time.Millisecond)
}

func TestShutdownWakesAllWaiters(t *testing.T) {
	q := New()
	const waiters = 4

	var wg sync.WaitGroup
	results := make([]Event, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = q.Wait(time.Now().Add(5 * time.Second))
		}(i)
	}

	time.Sleep(20 * time.Millisecond) // let goroutines start waiting
	q.Shutdown()
	wg.Wait()

	for _, e := range results {
		require.Equal(t, Shutdown, e.Kind)
		require.False(t, e.Success)
	}

	// Every subsequent wait on a shut-down, empty queue also sees Shutdown.
	e := q.Wait(time.Now().Add(time.Second))
	require.Equal(t, Shutdown, e.Kind)
}

func TestShutdownDrainsBacklogFirst(t *testing.T) {
	q := New()
	q.Push(Event{Kind: OpComplete, Success: true, Tag: "a"})
	q.Shutdown()

	e := q.Wait(time.Now().Add(time.Second))
	require.Equal(t, OpComplete, e.Kind)
	require.Equal(t, "a", e.Tag)

	e = q.Wait(time.Now().Add(time.Second))
	require.Equal(t, Shutdown, e.Kind)
}

func TestCancellationDeliversExactlyOncePerBatch(t *testing.T) {
	q := New()
	const k = 7
	for i := 0; i < k; i++ {
		q.Push(Event{Kind: OpComplete, Success: false, Tag: i})
	}

	count := 0
	for i := 0; i < k; i++ {
		e := q.Wait(time.Now().Add(time.Second))
		require.Equal(t, OpComplete, e.Kind)
		require.False(t, e.Success)
		count++
	}
	require.Equal(t, k, count)
	require.Equal(t, 0, q.Len())
}
