package taskgraph

import "fmt"

// CycleDetected is returned by New when the root set's dependent edges form
// a cycle. Path lists the node ids on the cycle, in traversal order,
// starting and ending at the repeated node.
type CycleDetected struct {
	Path []uint64
}

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("taskgraph: cycle detected: %v", e.Path)
}

// InvalidGraphState is returned when an operation is attempted on a graph
// in a state that does not support it, e.g. InjectDependentTask on a graph
// with no terminal node.
type InvalidGraphState struct {
	Reason string
}

func (e *InvalidGraphState) Error() string {
	return fmt.Sprintf("taskgraph: invalid graph state: %s", e.Reason)
}
