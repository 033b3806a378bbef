// Command arithmetic drives the eleven-operator arithmetic DAG scenario
// through a single tasksink.Sink frame, printing the final result:
//
//	((5+3)*(8-1)/2 + 1) / ((10+2)*(3-1)/6 + 5)
package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/alexbibov/lexgine/task"
	"github.com/alexbibov/lexgine/taskgraph"
	"github.com/alexbibov/lexgine/tasksink"
	"github.com/joeycumines/floater"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "arithmetic:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := stumpy.L.New(
		stumpy.WithStumpy(stumpy.WithWriter(os.Stderr)),
		logiface.WithLevel[*stumpy.Event](logiface.LevelInformational),
	).Logger()

	var s *tasksink.Sink
	root, resultOf := buildArithmeticGraph(&s)

	graph, err := taskgraph.New(root, 4, "arithmetic-demo")
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	s, err = tasksink.New(graph,
		tasksink.WithName("arithmetic-demo"),
		tasksink.WithLogger(logger),
		tasksink.WithWorkers(4),
		tasksink.WithRingSize(1),
	)
	if err != nil {
		return fmt.Errorf("construct sink: %w", err)
	}

	if err := s.Run(ctx); err != nil {
		return fmt.Errorf("run sink: %w", err)
	}

	result := resultOf.Load()
	fmt.Println(floater.FormatDecimalRat(result, -1, 0))
	return nil
}

// buildArithmeticGraph wires the eleven-operator graph computing
// ((5+3)*(8-1)/2 + 1) / ((10+2)*(3-1)/6 + 5) as a chain of dependent CPU
// tasks, returning its root nodes and a pointer to the final result slot.
// sink is assigned by the caller only after the graph and its sink are both
// constructed; op11 dereferences it to request exit once the single frame
// this demo needs has produced a result.
func buildArithmeticGraph(sink **tasksink.Sink) ([]*taskgraph.Node, *atomic.Pointer[big.Rat]) {
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

	var op11V atomic.Pointer[big.Rat]
	op11 := taskgraph.NewNode(task.NewFunc("op11", task.KindCPU, func(uint8, uint16) task.Outcome {
		x, y := op9V.Load(), op10V.Load()
		op11V.Store(new(big.Rat).Mul(x, new(big.Rat).Inv(y)))
		(*sink).DispatchExitSignal()
		return task.Done
	}))
	op9.AddDependent(op11)
	op10.AddDependent(op11)

	roots := []*taskgraph.Node{five, three, eight, negOne, ten, two, threeB, negOneB}
	return roots, &op11V
}
