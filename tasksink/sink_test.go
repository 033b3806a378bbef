package tasksink

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexbibov/lexgine/task"
	"github.com/alexbibov/lexgine/taskgraph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runUntilExit(t *testing.T, s *Sink, after time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.AfterFunc(after, s.DispatchExitSignal)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		t.Fatal("sink did not exit before the test timeout")
		return nil
	}
}

// TestSink_ArithmeticDAG reproduces the eleven-operator arithmetic DAG
// computing ((5+3)*(8-1)/2 + 1) / ((10+2)*(3-1)/6 + 5) as a chain of CPU
// tasks wired by dependency edge, each writing its result into a slot its
// dependents read. math/big.Rat keeps every intermediate value exact, so
// the final comparison is exact rather than a float tolerance check.
func TestSink_ArithmeticDAG(t *testing.T) {
	lit := func(name string, v int64) (*taskgraph.Node, *atomic.Pointer[big.Rat]) {
		var slot atomic.Pointer[big.Rat]
		n := taskgraph.NewNode(task.NewFunc(name, task.KindCPU, func(uint8, uint16) task.Outcome {
			slot.Store(big.NewRat(v, 1))
			return task.Done
		}))
		return n, &slot
	}
	unary := func(name string, a *atomic.Pointer[big.Rat], combine func(x *big.Rat) *big.Rat) (*taskgraph.Node, *atomic.Pointer[big.Rat]) {
		var slot atomic.Pointer[big.Rat]
		n := taskgraph.NewNode(task.NewFunc(name, task.KindCPU, func(uint8, uint16) task.Outcome {
			slot.Store(combine(a.Load()))
			return task.Done
		}))
		return n, &slot
	}
	binary := func(name string, a, b *atomic.Pointer[big.Rat], combine func(x, y *big.Rat) *big.Rat) (*taskgraph.Node, *atomic.Pointer[big.Rat]) {
		var slot atomic.Pointer[big.Rat]
		n := taskgraph.NewNode(task.NewFunc(name, task.KindCPU, func(uint8, uint16) task.Outcome {
			slot.Store(combine(a.Load(), b.Load()))
			return task.Done
		}))
		return n, &slot
	}
	add := func(x, y *big.Rat) *big.Rat { return new(big.Rat).Add(x, y) }
	mul := func(x, y *big.Rat) *big.Rat { return new(big.Rat).Mul(x, y) }

	five, fiveV := lit("five", 5)
	three, threeV := lit("three", 3)
	eight, eightV := lit("eight", 8)
	negOne, negOneV := lit("neg_one", -1)
	ten, tenV := lit("ten", 10)
	two, twoV := lit("two", 2)
	threeB, threeBV := lit("three_b", 3)
	negOneB, negOneBV := lit("neg_one_b", -1)

	op1, op1V := binary("op1", fiveV, threeV, add)
	op2, op2V := binary("op2", eightV, negOneV, add)
	op3, op3V := binary("op3", tenV, twoV, add)
	op4, op4V := binary("op4", threeBV, negOneBV, add)
	five.AddDependent(op1)
	three.AddDependent(op1)
	eight.AddDependent(op2)
	negOne.AddDependent(op2)
	ten.AddDependent(op3)
	two.AddDependent(op3)
	threeB.AddDependent(op4)
	negOneB.AddDependent(op4)

	op5, op5V := binary("op5", op1V, op2V, mul)
	op6, op6V := binary("op6", op3V, op4V, mul)
	op1.AddDependent(op5)
	op2.AddDependent(op5)
	op3.AddDependent(op6)
	op4.AddDependent(op6)

	half := big.NewRat(1, 2)
	sixth := big.NewRat(1, 6)
	op7, op7V := unary("op7", op5V, func(x *big.Rat) *big.Rat { return new(big.Rat).Mul(x, half) })
	op8, op8V := unary("op8", op6V, func(x *big.Rat) *big.Rat { return new(big.Rat).Mul(x, sixth) })
	op5.AddDependent(op7)
	op6.AddDependent(op8)

	one := big.NewRat(1, 1)
	fiveConst := big.NewRat(5, 1)
	op9, op9V := unary("op9", op7V, func(x *big.Rat) *big.Rat { return new(big.Rat).Add(x, one) })
	op10, op10V := unary("op10", op8V, func(x *big.Rat) *big.Rat { return new(big.Rat).Add(x, fiveConst) })
	op7.AddDependent(op9)
	op8.AddDependent(op10)

	op11, op11V := binary("op11", op9V, op10V, func(x, y *big.Rat) *big.Rat {
		return new(big.Rat).Mul(x, new(big.Rat).Inv(y))
	})
	op9.AddDependent(op11)
	op10.AddDependent(op11)

	g, err := taskgraph.New([]*taskgraph.Node{five, three, eight, negOne, ten, two, threeB, negOneB}, 4, "arithmetic")
	require.NoError(t, err)

	s, err := New(g, WithWorkers(4), WithRingSize(1))
	require.NoError(t, err)

	require.NoError(t, runUntilExit(t, s, 20*time.Millisecond))

	got := op11V.Load()
	require.NotNil(t, got)
	want := big.NewRat(29, 9) // ((5+3)*(8-1)/2+1) / ((10+2)*(3-1)/6+5) = 29/9
	assert.Zero(t, got.Cmp(want), "got %s, want %s", got.String(), want.String())
}

// TestSink_FanOutFanIn drives a 100-wide fan-out/fan-in graph (one root,
// 100 parallel leaves, one join) through an 8-worker pool for 16 frames,
// and asserts the join runs exactly 16 times and each of the 100 fan-out
// tasks runs exactly 16 times. A single-slot ring keeps frames from
// overlapping, so the join's own 16th invocation can request exit without
// a 17th frame ever being claimed.
func TestSink_FanOutFanIn(t *testing.T) {
	const width = 100
	const frames = 16

	var s *Sink
	var ran [width]atomic.Int32
	var joinRuns atomic.Int32

	root := taskgraph.NewNode(task.NewFunc("root", task.KindCPU, func(uint8, uint16) task.Outcome { return task.Done }))
	leaves := make([]*taskgraph.Node, width)
	for i := 0; i < width; i++ {
		i := i
		leaves[i] = taskgraph.NewNode(task.NewFunc("leaf", task.KindCPU, func(uint8, uint16) task.Outcome {
			ran[i].Add(1)
			return task.Done
		}))
		root.AddDependent(leaves[i])
	}
	join := taskgraph.NewNode(task.NewFunc("join", task.KindCPU, func(uint8, uint16) task.Outcome {
		if joinRuns.Add(1) >= frames {
			s.DispatchExitSignal()
		}
		return task.Done
	}))
	for _, leaf := range leaves {
		leaf.AddDependent(join)
	}

	g, err := taskgraph.New([]*taskgraph.Node{root}, 8, "fanout")
	require.NoError(t, err)

	s, err = New(g, WithWorkers(8), WithRingSize(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.EqualValues(t, frames, joinRuns.Load())
	for i, counter := range ran {
		assert.EqualValues(t, frames, counter.Load(), "leaf %d should run exactly %d times", i, frames)
	}
}

// TestSink_RetryThenSucceed asserts that a node returning task.Retry three
// times before task.Done is invoked exactly four times, and that its
// dependent runs exactly once, only after the retrying node finally
// completes.
func TestSink_RetryThenSucceed(t *testing.T) {
	var invocations atomic.Int32
	var dependentRuns atomic.Int32

	var s *Sink

	flaky := taskgraph.NewNode(task.NewFunc("flaky", task.KindCPU, func(uint8, uint16) task.Outcome {
		n := invocations.Add(1)
		if n < 4 {
			return task.Retry
		}
		return task.Done
	}))
	// dependent requests exit after its first run, so only a single frame
	// ever executes: without this, a single-slot ring would immediately
	// claim a second frame and keep running flaky (now always returning
	// task.Done) indefinitely within the test's time budget.
	dependent := taskgraph.NewNode(task.NewFunc("dependent", task.KindCPU, func(uint8, uint16) task.Outcome {
		dependentRuns.Add(1)
		s.DispatchExitSignal()
		return task.Done
	}))
	flaky.AddDependent(dependent)

	g, err := taskgraph.New([]*taskgraph.Node{flaky}, 2, "retry")
	require.NoError(t, err)

	s, err = New(g, WithWorkers(2), WithRingSize(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.EqualValues(t, 4, invocations.Load())
	assert.EqualValues(t, 1, dependentRuns.Load())
}

// TestSink_ExitLatency asserts the sink returns promptly after
// DispatchExitSignal once its slowest in-flight task finishes, rather than
// waiting for an arbitrary poll interval.
func TestSink_ExitLatency(t *testing.T) {
	const slowest = 20 * time.Millisecond

	root := taskgraph.NewNode(task.NewFunc("slow", task.KindCPU, func(uint8, uint16) task.Outcome {
		time.Sleep(slowest)
		return task.Done
	}))

	g, err := taskgraph.New([]*taskgraph.Node{root}, 1, "exit-latency")
	require.NoError(t, err)

	s, err := New(g, WithWorkers(1), WithRingSize(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	start := time.Now()
	go func() { errCh <- s.Run(ctx) }()

	// give the dispatcher a moment to claim the single slot and enqueue the
	// slow task before requesting exit, so the exit signal genuinely races
	// an in-flight frame rather than beating it to the punch.
	time.Sleep(2 * time.Millisecond)
	s.DispatchExitSignal()

	require.NoError(t, <-errCh)
	elapsed := time.Since(start)
	assert.Less(t, elapsed, slowest+100*time.Millisecond, "exit should complete shortly after the slowest in-flight task")
}

// TestSink_CycleAtSchedulingTime asserts that attempting to build a graph
// containing a cycle fails before a Sink can ever be constructed from it,
// i.e. cycle rejection happens at scheduling (graph-build) time, not once
// the sink starts running frames.
func TestSink_CycleAtSchedulingTime(t *testing.T) {
	a := taskgraph.NewNode(task.NewFunc("a", task.KindCPU, func(uint8, uint16) task.Outcome { return task.Done }))
	b := taskgraph.NewNode(task.NewFunc("b", task.KindCPU, func(uint8, uint16) task.Outcome { return task.Done }))
	a.AddDependent(b)
	b.AddDependent(a)

	_, err := taskgraph.New([]*taskgraph.Node{a}, 1, "cyclic")
	require.Error(t, err)

	var cycleErr *taskgraph.CycleDetected
	require.ErrorAs(t, err, &cycleErr)
}

// TestSink_AllocateFrameIndexCongruentToSlot is a regression test for the
// defining invariant guardTask.Run relies on: every frame index a slot's
// frameInstance ever produces must be congruent to that slot's own index
// modulo the ring length, so frameIndex % len(ring) always resolves back to
// the slot that produced it. It exercises allocateFrameIndex directly,
// across several ring sizes (including ones that do not evenly divide the
// 16-bit frame-index space), and across the point where the per-slot
// counter wraps past that space.
func TestSink_AllocateFrameIndexCongruentToSlot(t *testing.T) {
	for _, ringSize := range []int{1, 2, 3, 4, 5, 7, 16} {
		root := taskgraph.NewNode(task.NewFunc("root", task.KindCPU, func(uint8, uint16) task.Outcome { return task.Done }))
		g, err := taskgraph.New([]*taskgraph.Node{root}, 1, "congruence")
		require.NoError(t, err)

		s, err := New(g, WithRingSize(ringSize), WithWorkers(1))
		require.NoError(t, err)

		for slot, fi := range s.ring {
			for i := 0; i < 5; i++ {
				idx := s.allocateFrameIndex(fi)
				assert.Equal(t, slot, int(idx)%ringSize, "ringSize=%d slot=%d iteration=%d", ringSize, slot, i)
			}
		}

		// force each slot's counter to its last slot-congruent value before
		// framePeriod (the edge of the 16-bit frame-index space) and confirm
		// the congruence survives the wrap.
		for slot, fi := range s.ring {
			fi.frameSeq.Store(uint32(s.framePeriod - ringSize + slot))
			idx := s.allocateFrameIndex(fi)
			assert.Equal(t, slot, int(idx)%ringSize, "post-wrap ringSize=%d slot=%d", ringSize, slot)
		}
	}
}

// TestSink_PipelinesMultipleFramesWithoutSlotCollision runs a ring of four
// frame instances across four workers with no artificial serialization,
// directly exercising the dispatcher's ability to keep several frames
// in flight at once. The root task looks up its own per-frame clone (the
// root node of the ring slot its frame index maps to) so it can compare the
// frame index it was invoked with against that node's live FrameIndex()
// after sleeping: under the slot-misattribution bug this
// guards against, a guard execution belonging to a different frame index
// could clear the wrong slot's busy flag, letting the dispatcher reclaim
// and reset this same node out from under a still-running invocation,
// which this comparison would catch as a mismatch.
func TestSink_PipelinesMultipleFramesWithoutSlotCollision(t *testing.T) {
	const ringSize = 4
	const workers = 4
	const targetFrames = 40

	var rootNode *taskgraph.Node
	var corrupted atomic.Int32
	var framesCompleted atomic.Int32
	var sink *Sink

	rootTask := task.NewFunc("root", task.KindCPU, func(_ uint8, frameIndex uint16) task.Outcome {
		time.Sleep(500 * time.Microsecond)
		if sink.ring[int(frameIndex)%ringSize].graph.Nodes()[0].FrameIndex() != frameIndex {
			corrupted.Add(1)
		}
		if framesCompleted.Add(1) >= targetFrames {
			sink.DispatchExitSignal()
		}
		return task.Done
	})
	rootNode = taskgraph.NewNode(rootTask)

	g, err := taskgraph.New([]*taskgraph.Node{rootNode}, workers, "pipeline")
	require.NoError(t, err)

	sink, err = New(g, WithWorkers(workers), WithRingSize(ringSize))
	require.NoError(t, err)

	require.NoError(t, runUntilExitImmediate(t, sink))

	assert.Zero(t, corrupted.Load(), "a node's live frame index diverged from the frame index its running invocation was given")
	assert.GreaterOrEqual(t, int(framesCompleted.Load()), targetFrames)
}

// runUntilExitImmediate runs s to completion without an external
// DispatchExitSignal timer, relying on the graph under test to request exit
// itself; it exists separately from runUntilExit because callers here need
// no artificial delay before the exit signal fires.
func runUntilExitImmediate(t *testing.T, s *Sink) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		t.Fatal("sink did not exit before the test timeout")
		return nil
	}
}
