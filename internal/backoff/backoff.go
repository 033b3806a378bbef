// Package backoff implements the small idle-wait helper used by the
// dispatcher and worker loops in package tasksink so that a busy-progress
// loop degrades into a capped, yielding wait instead of hot-spinning a
// core when there is no work to do.
//
// The shape (yield once, then escalate through a capped exponential sleep,
// reset immediately on any sign of progress) is adapted from two patterns
// observed in this codebase's lineage: eventloop.Loop's optimistic
// CAS-to-sleeping poll loop, and longpoll.Channel's partial-timeout-then-
// drain discipline for bounded waiting on a source that may or may not
// have more work queued up.
package backoff

import (
	"time"

	"golang.org/x/sys/unix"
)

const (
	minSleep = 50 * time.Microsecond
	maxSleep = 2 * time.Millisecond
)

// Backoff tracks escalating idle duration for a single goroutine. The zero
// value is ready to use.
type Backoff struct {
	current time.Duration
}

// Wait performs one idle step: the first call after a Reset yields the
// processor via sched_yield, and every call thereafter sleeps for a
// capped duration that doubles on each call.
func (b *Backoff) Wait() {
	if b.current == 0 {
		unix.Sched_yield()
		b.current = minSleep
		return
	}
	time.Sleep(b.current)
	b.current *= 2
	if b.current > maxSleep {
		b.current = maxSleep
	}
}

// Reset clears the escalation, to be called as soon as a goroutine observes
// progress (e.g. dequeues a task, or a frame slot is claimed).
func (b *Backoff) Reset() {
	b.current = 0
}
