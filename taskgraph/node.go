package taskgraph

import (
	"sync/atomic"

	"github.com/alexbibov/lexgine/task"
)

var nextNodeID atomic.Uint64

// Node wraps a Task by reference, recording its dependency/dependent edges
// and its per-frame completion state. The Task outlives the Node; a Node
// never owns the Task it wraps.
type Node struct {
	id   uint64
	task task.Task

	dependencies []*Node
	dependents   []*Node

	// visit is the DFS visitation counter used only while the owning
	// Graph is being built (clamped to {0,1,2}); it plays no role once the
	// graph is frozen and has no meaning on a per-frame clone.
	visit int

	completed  atomic.Bool
	queued     atomic.Bool
	frame      atomic.Uint32
	retryCount atomic.Int32
}

// NewNode wraps t in a fresh Node with its own stable id.
func NewNode(t task.Task) *Node {
	return &Node{id: nextNodeID.Add(1), task: t}
}

// ID returns the node's stable identifier (distinct from the wrapped
// Task's own id).
func (n *Node) ID() uint64 { return n.id }

// Task returns the wrapped task.
func (n *Node) Task() task.Task { return n.task }

// Dependencies returns the nodes that must complete before n is ready.
func (n *Node) Dependencies() []*Node { return n.dependencies }

// Dependents returns the nodes that depend on n.
func (n *Node) Dependents() []*Node { return n.dependents }

// AddDependent makes other a dependent of n: other is appended to
// n.dependents, and n is appended to other.dependencies, keeping the two
// edge lists symmetric as required by the data model invariant.
func (n *Node) AddDependent(other *Node) {
	n.dependents = append(n.dependents, other)
	other.dependencies = append(other.dependencies, n)
}

// Completed reports whether n's wrapped task has finished for the frame it
// currently represents.
func (n *Node) Completed() bool { return n.completed.Load() }

// FrameIndex returns the frame index n currently represents.
func (n *Node) FrameIndex() uint16 { return uint16(n.frame.Load()) }

// IsReadyForFrame reports whether every dependency of n has completed.
func (n *Node) IsReadyForFrame() bool {
	for _, dep := range n.dependencies {
		if !dep.completed.Load() {
			return false
		}
	}
	return true
}

// TryEnqueue atomically claims the right to enqueue n exactly once for its
// current readiness window: it returns true only if n is not completed, is
// ready, and was not already claimed since its last ResetForFrame or
// Execute. A dispatcher must call this (rather than re-deriving readiness
// itself) to uphold the "a node is never executed twice within one frame"
// invariant when ready nodes are scanned faster than workers can drain
// them.
func (n *Node) TryEnqueue() bool {
	if n.completed.Load() || !n.IsReadyForFrame() {
		return false
	}
	return n.queued.CompareAndSwap(false, true)
}

// Execute invokes the wrapped task for workerID, using n's current frame
// index. On task.Done it sets the completion flag; on task.Retry it leaves
// the flag clear so the dispatcher will reconsider n for re-enqueue. The
// queued claim taken by TryEnqueue is released only once execution has
// fully finished, so a concurrent dispatcher pass cannot enqueue n again
// while it is still running.
func (n *Node) Execute(workerID uint8) (outcome task.Outcome) {
	defer n.queued.Store(false)
	outcome = n.task.Run(workerID, n.FrameIndex())
	if outcome == task.Done {
		n.completed.Store(true)
	} else {
		n.retryCount.Add(1)
	}
	return outcome
}

// RetryCount returns how many times n has returned task.Retry since its
// last ResetForFrame.
func (n *Node) RetryCount() int32 { return n.retryCount.Load() }

// ForceComplete marks n as completed without running its task, used as a
// last-resort recovery from a panicking task or an exhausted retry budget
// so that a single misbehaving node does not stall its frame forever.
func (n *Node) ForceComplete() {
	n.queued.Store(false)
	n.completed.Store(true)
}

// ResetForFrame clears the completion flag, the queued claim, and sets the
// frame index n represents. Called by the sink when a frame slot is
// claimed for reuse.
func (n *Node) ResetForFrame(f uint16) {
	n.completed.Store(false)
	n.queued.Store(false)
	n.retryCount.Store(0)
	n.frame.Store(uint32(f))
}

// clone returns a fresh Node wrapping the same Task, with no edges copied
// (the caller, Graph.Clone, rewires edges across the cloned set).
func (n *Node) clone() *Node {
	c := &Node{id: n.id, task: n.task}
	c.frame.Store(n.frame.Load())
	return c
}
