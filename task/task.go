// Package task defines the unit of work the rest of this module schedules:
// an opaque Task, its Kind (used only for diagnostics and DOT rendering),
// and the Outcome a Task reports after running once.
package task

import (
	"sync/atomic"
	"time"
)

// Kind classifies a Task for diagnostics and DOT rendering only; the
// scheduler itself never branches on Kind. Exit is a sentinel meaning "the
// sink should drain and stop" that user code may use for bookkeeping, but
// the sink's real exit condition is driven exclusively by
// tasksink.Sink.DispatchExitSignal.
type Kind uint8

const (
	KindCPU Kind = iota
	KindGPUDraw
	KindGPUCompute
	KindGPUCopy
	KindOther
	KindExit
)

// String returns a human-readable name, used by DOT rendering.
func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindGPUDraw:
		return "gpu_draw"
	case KindGPUCompute:
		return "gpu_compute"
	case KindGPUCopy:
		return "gpu_copy"
	case KindOther:
		return "other"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Outcome is what Run reports about a single invocation.
type Outcome uint8

const (
	// Done means the task completed and its node's completion flag should
	// be set for the current frame.
	Done Outcome = iota
	// Retry means the task must be re-invoked later; the node's completion
	// flag must not be set.
	Retry
)

// Stats is the execution-statistics record attached to a Task: the worker
// that last ran it, and how long that run took.
type Stats struct {
	WorkerID uint8
	Duration time.Duration
}

// Task is an opaque unit of work. The core makes no assumption about the
// mutability or thread-locality of a Task's internal state beyond: within
// one frame instance the graph topology guarantees at most one concurrent
// invocation of a given Task (the node wrapping it is never ready to launch
// twice before its prior run completes). Every per-frame clone of a node
// shares the same Task, so when several frames are in flight a Task can run
// concurrently for different frame indices.
type Task interface {
	// ID returns a stable identifier, used in diagnostics and DOT output.
	ID() uint64
	// Name returns a human-readable name.
	Name() string
	// Kind returns the diagnostic classification of this task.
	Kind() Kind
	// Run executes one invocation of the task for the given worker and
	// frame index, and reports whether it completed or must be retried.
	Run(workerID uint8, frameIndex uint16) Outcome
	// Stats returns the statistics recorded by the most recent Run.
	Stats() Stats
	// AllowReschedule reports whether the scheduler may re-enqueue this task
	// after it reports Retry. Bookkeeping only: the core does not currently
	// refuse to reschedule a task that reports false.
	AllowReschedule() bool
}

var nextID atomic.Uint64

// NextID allocates a process-wide unique task id, mirroring the source
// engine's global incrementing counter for graph-node identity.
func NextID() uint64 {
	return nextID.Add(1)
}

// Base provides the bookkeeping (id, name, kind, stats) common to concrete
// Task implementations, in the spirit of the source engine's AbstractTask:
// embed Base and implement only the behaviour specific to the task.
type Base struct {
	id   uint64
	name string
	kind Kind

	allowReschedule atomic.Bool

	lastWorker   atomic.Uint32
	lastDuration atomic.Int64
}

// NewBase constructs a Base with a freshly allocated id. AllowReschedule
// defaults to true, matching every concrete task this codebase constructs.
func NewBase(name string, kind Kind) Base {
	b := Base{id: NextID(), name: name, kind: kind}
	b.allowReschedule.Store(true)
	return b
}

func (b *Base) ID() uint64   { return b.id }
func (b *Base) Name() string { return b.name }
func (b *Base) Kind() Kind   { return b.kind }

// AllowReschedule reports whether this task may be re-enqueued after
// reporting Retry.
func (b *Base) AllowReschedule() bool { return b.allowReschedule.Load() }

// SetAllowReschedule updates the reschedule-eligibility flag. Intended to be
// called once, before the owning task's node is ever launched.
func (b *Base) SetAllowReschedule(allow bool) { b.allowReschedule.Store(allow) }

func (b *Base) Stats() Stats {
	return Stats{
		WorkerID: uint8(b.lastWorker.Load()),
		Duration: time.Duration(b.lastDuration.Load()),
	}
}

// RecordStats atomically updates the statistics reported by Stats. Concrete
// Task implementations call this at the end of their Run method.
func (b *Base) RecordStats(workerID uint8, d time.Duration) {
	b.lastWorker.Store(uint32(workerID))
	b.lastDuration.Store(int64(d))
}

// Func adapts a plain function to the Task interface, for tasks that need
// no state beyond a closure (mirrors the http.HandlerFunc idiom used
// throughout this codebase's lineage).
type Func struct {
	Base
	Fn func(workerID uint8, frameIndex uint16) Outcome
}

// NewFunc constructs a Func-backed Task.
func NewFunc(name string, kind Kind, fn func(workerID uint8, frameIndex uint16) Outcome) *Func {
	f := &Func{Base: NewBase(name, kind), Fn: fn}
	return f
}

func (f *Func) Run(workerID uint8, frameIndex uint16) Outcome {
	start := time.Now()
	outcome := f.Fn(workerID, frameIndex)
	f.RecordStats(workerID, time.Since(start))
	return outcome
}
