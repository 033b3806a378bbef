package taskgraph

import (
	"sort"

	"github.com/alexbibov/lexgine/task"
)

// visitation states for cycle detection during New.
const (
	visitWhite = 0 // not yet visited
	visitGray  = 1 // on the current DFS stack
	visitBlack = 2 // fully explored
)

// Graph is the set of nodes reachable from a user-supplied root set, along
// with a worker count and a display name. The transitive closure of
// dependent edges is guaranteed acyclic once New returns successfully.
type Graph struct {
	name       string
	numWorkers int
	nodes      []*Node
	frameIndex uint16
}

// New builds a Graph from roots via depth-first traversal over dependent
// edges, assigning every reachable node to the graph's node list. It fails
// with *CycleDetected if the dependent-edge closure contains a cycle.
func New(roots []*Node, numWorkers int, name string) (*Graph, error) {
	g := &Graph{name: name, numWorkers: numWorkers}

	for _, n := range roots {
		n.visit = visitWhite
	}
	var stack []uint64

	var visit func(n *Node) error
	visit = func(n *Node) error {
		switch n.visit {
		case visitGray:
			start := 0
			for i, id := range stack {
				if id == n.id {
					start = i
					break
				}
			}
			path := append(append([]uint64{}, stack[start:]...), n.id)
			return &CycleDetected{Path: path}
		case visitBlack:
			return nil
		}

		n.visit = visitGray
		stack = append(stack, n.id)
		g.nodes = append(g.nodes, n)

		for _, dep := range n.dependents {
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		n.visit = visitBlack
		return nil
	}

	for _, root := range roots {
		if root.visit == visitWhite {
			if err := visit(root); err != nil {
				return nil, err
			}
		}
	}

	return g, nil
}

// Name returns the graph's display name.
func (g *Graph) Name() string { return g.name }

// NumWorkers returns the worker count the graph was built with.
func (g *Graph) NumWorkers() int { return g.numWorkers }

// Nodes returns every node reachable from the graph's root set, in
// discovery order. The returned slice must not be mutated by the caller.
func (g *Graph) Nodes() []*Node { return g.nodes }

// FrameIndex returns the frame index this graph instance currently
// represents (meaningful only for a Clone'd frame instance).
func (g *Graph) FrameIndex() uint16 { return g.frameIndex }

// ResetForFrame sets f as the frame index every node in g represents, and
// clears every node's completion and queued-claim state. Called by the
// sink when a frame slot is claimed for reuse.
func (g *Graph) ResetForFrame(f uint16) {
	g.frameIndex = f
	for _, n := range g.nodes {
		n.ResetForFrame(f)
	}
}

// Clone returns a structurally identical Graph: each node is paired with a
// fresh per-frame completion slot while continuing to reference the same
// underlying Task. Edges are copied by index, so the clone shares no
// mutable node state with g.
func (g *Graph) Clone() *Graph {
	clone := &Graph{name: g.name, numWorkers: g.numWorkers, frameIndex: g.frameIndex}

	index := make(map[*Node]*Node, len(g.nodes))
	clone.nodes = make([]*Node, len(g.nodes))
	for i, n := range g.nodes {
		c := n.clone()
		index[n] = c
		clone.nodes[i] = c
	}

	for _, n := range g.nodes {
		c := index[n]
		if len(n.dependencies) > 0 {
			c.dependencies = make([]*Node, len(n.dependencies))
			for i, d := range n.dependencies {
				c.dependencies[i] = index[d]
			}
		}
		if len(n.dependents) > 0 {
			c.dependents = make([]*Node, len(n.dependents))
			for i, d := range n.dependents {
				c.dependents[i] = index[d]
			}
		}
	}

	return clone
}

// InjectDependentTask attaches t as an additional dependent of every node
// that currently has no dependents, making t the unique sink of the graph.
// It fails with *InvalidGraphState if the graph has no terminal node (the
// empty graph, or one already fully sunk by a prior injection whose result
// was then given further dependents without going through this method).
func (g *Graph) InjectDependentTask(t task.Task) (*Node, error) {
	var terminals []*Node
	for _, n := range g.nodes {
		if len(n.dependents) == 0 {
			terminals = append(terminals, n)
		}
	}
	if len(terminals) == 0 {
		return nil, &InvalidGraphState{Reason: "graph has no terminal node to attach the guard to"}
	}

	guard := NewNode(t)
	for _, terminal := range terminals {
		terminal.AddDependent(guard)
	}
	g.nodes = append(g.nodes, guard)
	return guard, nil
}

// byID sorts nodes by their stable id, used to make WriteDOT deterministic.
func byID(nodes []*Node) []*Node {
	sorted := append([]*Node{}, nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })
	return sorted
}
