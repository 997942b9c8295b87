// Package cq implements the completion queue: a FIFO of events
// protected by a mutex and signaled by a condition variable, supporting
// bounded waits with a deadline and an idempotent, broadcasting shutdown.
package cq

import (
	"container/list"
	"sync"
	"time"
)

// EventKind distinguishes why an event was delivered.
type EventKind int

const (
	// OpComplete is a normal batch-completion event.
	OpComplete EventKind = iota
	// Shutdown is delivered once per waiter after the queue is shut down
	// and its backlog is drained.
	Shutdown
	// Timeout is delivered when Wait's deadline passes with nothing queued.
	Timeout
)

// Event is a single completion: a kind, a success flag, and the opaque tag
// supplied when the corresponding batch was started. The tag is never
// interpreted by the queue.
type Event struct {
	Kind    EventKind
	Success bool
	Tag     any
}

// Queue is a completion queue. The zero value is not usable; use New.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   *list.List
	shutdown bool
}

// New creates an empty, running completion queue.
func New() *Queue {
	q := &Queue{events: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends an event and wakes one waiter. Push after Shutdown is
// accepted (shutdown only surfaces to a waiter once the backlog drains)
// but callers should generally stop pushing once they have called
// Shutdown themselves.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	q.events.PushBack(e)
	q.mu.Unlock()
	q.cond.Signal()
}

// Wait blocks until an event is available, the deadline passes, or the
// queue is shut down and empty. FIFO order is preserved across all
// producers.
func (q *Queue) Wait(deadline time.Time) Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if front := q.events.Front(); front != nil {
			q.events.Remove(front)
			return front.Value.(Event)
		}
		if q.shutdown {
			return Event{Kind: Shutdown, Success: false}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{Kind: Timeout, Success: false}
		}

		// sync.Cond has no timed wait; emulate one by releasing the lock,
		// waiting on a timer or the broadcast, and re-checking. A helper
		// goroutine broadcasts once the deadline elapses so a blocked
		// waiter wakes even with no further pushes.
		timer := time.AfterFunc(remaining, q.cond.Broadcast)
		q.cond.Wait()
		timer.Stop()
	}
}

// Shutdown marks the queue as shut down and wakes every waiter. Safe to
// call more than once.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Destroy drops any residual queued events. Undefined if called while
// waiters exist; callers must Shutdown and ensure all Wait
// calls have returned first.
func (q *Queue) Destroy() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events.Init()
}

// Len reports the number of events currently queued (for diagnostics/tests).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events.Len()
}
