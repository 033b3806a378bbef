// Package mpmcqueue implements an unbounded, lock-free, multiple-producer
// multiple-consumer FIFO queue following the Michael-Scott algorithm, using
// a hazard-pointer domain (see package hazard) instead of epochs or a
// garbage-collected language's ambient safety to protect nodes from being
// recycled while a concurrent dequeuer still holds a reference to them.
//
// The queue always holds at least one node: a dummy sentinel at the head.
// Enqueue and dequeue are wait-free in the absence of contention and
// lock-free under contention; neither ever blocks.
package mpmcqueue

import (
	"sync"
	"sync/atomic"

	"github.com/alexbibov/lexgine/hazard"
)

type node[T any] struct {
	data T
	next atomic.Pointer[node[T]]
}

// Queue is a lock-free unbounded MPMC FIFO of values of type T.
type Queue[T any] struct {
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]

	domain   *hazard.Domain[node[T]]
	nodePool sync.Pool

	shutdown atomic.Bool

	enqueued atomic.Uint64
	dequeued atomic.Uint64
}

// New constructs an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.nodePool.New = func() any { return &node[T]{} }
	q.domain = hazard.NewDomain[node[T]](func(n *node[T]) {
		var zero T
		n.data = zero
		n.next.Store(nil)
		q.nodePool.Put(n)
	})

	dummy := q.allocNode()
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

func (q *Queue[T]) allocNode() *node[T] {
	n := q.nodePool.Get().(*node[T])
	n.next.Store(nil)
	return n
}

// Handle is a per-goroutine view of a Queue, carrying the hazard-pointer
// local state (deletion list, scratch buffers) that must never be shared
// between concurrently running goroutines. Obtain one handle per producer
// or consumer goroutine and reuse it for that goroutine's lifetime.
type Handle[T any] struct {
	q     *Queue[T]
	local *hazard.Local[node[T]]
}

// NewHandle returns a Handle bound to q, for the calling goroutine's
// exclusive use.
func (q *Queue[T]) NewHandle() *Handle[T] {
	return &Handle[T]{q: q, local: hazard.NewLocal[node[T]]()}
}

// Shutdown marks the queue as no longer accepting new values. Already-linked
// nodes still drain normally via Dequeue; once drained, Dequeue reports
// empty without blocking, the same as an empty non-shutdown queue.
func (q *Queue[T]) Shutdown() {
	q.shutdown.Store(true)
}

// IsShutdown reports whether Shutdown has been called.
func (q *Queue[T]) IsShutdown() bool {
	return q.shutdown.Load()
}

// Enqueued returns the total number of values successfully enqueued so far.
// Intended for debug/test use (the conservation property in the testable
// properties: enqueued == dequeued + remaining).
func (q *Queue[T]) Enqueued() uint64 { return q.enqueued.Load() }

// Dequeued returns the total number of values successfully dequeued so far.
func (q *Queue[T]) Dequeued() uint64 { return q.dequeued.Load() }

// ActiveHazardEntries returns the number of hazard-pointer entries currently
// claimed: held by an in-flight Enqueue/Dequeue call, or retired by a
// Dequeue and still waiting on some handle's scan pass. Intended for
// diagnostics and tests: once every goroutine using q has returned from its
// last Enqueue/Dequeue and called ClearCache, this reports zero.
func (q *Queue[T]) ActiveHazardEntries() int { return q.domain.ActiveEntries() }

// Enqueue appends v to the tail of the queue. It is a no-op returning false
// if the queue has been shut down.
func (h *Handle[T]) Enqueue(v T) bool {
	q := h.q
	if q.shutdown.Load() {
		return false
	}

	n := q.allocNode()
	n.data = v

	for {
		t := q.tail.Load()
		rec := q.domain.Acquire(t)
		rec.SetHazardous()
		if q.tail.Load() != t {
			rec.Release()
			continue
		}
		next := t.next.Load()
		if next != nil {
			q.tail.CompareAndSwap(t, next)
			rec.Release()
			continue
		}
		if t.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(t, n)
			q.enqueued.Add(1)
			rec.Release()
			return true
		}
		rec.Release()
	}
}

// Dequeue removes and returns the value at the head of the queue, if any.
func (h *Handle[T]) Dequeue() (T, bool) {
	q := h.q

	for {
		head := q.head.Load()
		recHead := q.domain.Acquire(head)
		recHead.SetHazardous()
		if q.head.Load() != head {
			recHead.Release()
			continue
		}

		tail := q.tail.Load()
		recTail := q.domain.Acquire(tail)
		recTail.SetHazardous()

		next := head.next.Load()
		recNext := q.domain.Acquire(next)
		if next != nil {
			recNext.SetHazardous()
		}
		if head.next.Load() != next {
			recHead.Release()
			recTail.Release()
			recNext.Release()
			continue
		}

		if head == tail {
			recTail.Release()
			recNext.Release()
			if next == nil {
				recHead.Release()
				var zero T
				return zero, false
			}
			// tail has fallen behind; help it catch up and retry.
			q.tail.CompareAndSwap(tail, next)
			recHead.Release()
			continue
		}
		recTail.Release()

		value := next.data
		if q.head.CompareAndSwap(head, next) {
			recNext.Release()
			// we no longer need head protected ourselves; only other
			// goroutines' hazard flags should gate its reclamation now.
			recHead.SetSafe()
			q.domain.Retire(h.local, recHead)
			q.dequeued.Add(1)
			return value, true
		}
		recHead.Release()
		recNext.Release()
	}
}

// ClearCache runs the hazard-pointer domain's scan pass for h's goroutine,
// reclaiming any locally retired nodes. Callers should invoke this on
// goroutine exit so that a goroutine that stops consuming does not pin
// retired nodes indefinitely.
func (h *Handle[T]) ClearCache() {
	h.q.domain.Flush(h.local)
}

// Len returns an instantaneous, racy count of linked nodes currently in the
// queue (excluding the dummy head). It is intended for diagnostics and
// tests, not for synchronization.
func (q *Queue[T]) Len() int {
	n := 0
	for cur := q.head.Load().next.Load(); cur != nil; cur = cur.next.Load() {
		n++
	}
	return n
}
