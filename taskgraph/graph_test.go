package taskgraph

import (
	"strings"
	"testing"

	"github.com/alexbibov/lexgine/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(name string) *task.Func {
	return task.NewFunc(name, task.KindCPU, func(uint8, uint16) task.Outcome { return task.Done })
}

func TestGraph_BuildLinear(t *testing.T) {
	a := NewNode(noop("a"))
	b := NewNode(noop("b"))
	a.AddDependent(b)

	g, err := New([]*Node{a}, 1, "linear")
	require.NoError(t, err)
	assert.Len(t, g.Nodes(), 2)
}

func TestGraph_CycleRejection(t *testing.T) {
	a := NewNode(noop("A"))
	b := NewNode(noop("B"))
	c := NewNode(noop("C"))
	a.AddDependent(b)
	b.AddDependent(c)
	c.AddDependent(a)

	_, err := New([]*Node{a}, 1, "cyclic")
	require.Error(t, err)

	var cycleErr *CycleDetected
	require.ErrorAs(t, err, &cycleErr)
	ids := map[uint64]bool{a.ID(): true, b.ID(): true, c.ID(): true}
	for _, id := range cycleErr.Path {
		assert.True(t, ids[id], "path should only contain A, B, C ids")
	}
	assert.Contains(t, cycleErr.Path, a.ID())
	assert.Contains(t, cycleErr.Path, b.ID())
	assert.Contains(t, cycleErr.Path, c.ID())
}

func TestGraph_InjectDependentTaskRequiresTerminal(t *testing.T) {
	g, err := New(nil, 1, "empty")
	require.NoError(t, err)

	_, err = g.InjectDependentTask(noop("guard"))
	require.Error(t, err)
	var invalid *InvalidGraphState
	require.ErrorAs(t, err, &invalid)
}

func TestGraph_InjectDependentTaskAttachesToAllTerminals(t *testing.T) {
	root := NewNode(noop("root"))
	left := NewNode(noop("left"))
	right := NewNode(noop("right"))
	root.AddDependent(left)
	root.AddDependent(right)

	g, err := New([]*Node{root}, 1, "fan")
	require.NoError(t, err)

	guard, err := g.InjectDependentTask(noop("guard"))
	require.NoError(t, err)
	assert.Len(t, guard.Dependencies(), 2)
	assert.Empty(t, guard.Dependents())
}

func TestGraph_CloneIsIndependent(t *testing.T) {
	root := NewNode(noop("root"))
	leaf := NewNode(noop("leaf"))
	root.AddDependent(leaf)

	g, err := New([]*Node{root}, 1, "g")
	require.NoError(t, err)

	g.ResetForFrame(0)
	clone := g.Clone()
	clone.ResetForFrame(1)

	rootOrig := g.Nodes()[0]
	rootClone := clone.Nodes()[0]

	rootClone.Execute(0)
	assert.True(t, rootClone.Completed())
	assert.False(t, rootOrig.Completed(), "cloned node state must not leak back to the template")
	assert.EqualValues(t, 1, rootClone.FrameIndex())
	assert.EqualValues(t, 0, rootOrig.FrameIndex())
}

func TestGraph_IsReadyForFrame(t *testing.T) {
	root := NewNode(noop("root"))
	leaf := NewNode(noop("leaf"))
	root.AddDependent(leaf)

	_, err := New([]*Node{root}, 1, "g")
	require.NoError(t, err)

	assert.True(t, root.IsReadyForFrame())
	assert.False(t, leaf.IsReadyForFrame())

	root.Execute(0)
	assert.True(t, leaf.IsReadyForFrame())
}

func TestGraph_TryEnqueueDedupesUntilExecutionFinishes(t *testing.T) {
	root := NewNode(noop("root"))
	_, err := New([]*Node{root}, 1, "g")
	require.NoError(t, err)

	assert.True(t, root.TryEnqueue())
	assert.False(t, root.TryEnqueue(), "a node already claimed must not be claimed again")

	root.Execute(0)
	assert.False(t, root.TryEnqueue(), "a completed node must never be re-claimed within the same frame")
}

func TestGraph_WriteDOTIsDeterministic(t *testing.T) {
	root := NewNode(noop("root"))
	a := NewNode(noop("a"))
	b := NewNode(noop("b"))
	root.AddDependent(a)
	root.AddDependent(b)

	g, err := New([]*Node{root}, 1, "dot")
	require.NoError(t, err)

	var buf1, buf2 strings.Builder
	require.NoError(t, g.WriteDOT(&buf1))
	require.NoError(t, g.WriteDOT(&buf2))
	assert.Equal(t, buf1.String(), buf2.String())
	assert.Contains(t, buf1.String(), "digraph")
	assert.Contains(t, buf1.String(), "shape=box")
}
