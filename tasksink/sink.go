// Package tasksink implements the frame-pipelined worker-pool scheduler
// that drives a taskgraph.Graph to completion, frame after frame, until an
// external exit signal is observed and every in-flight frame has drained.
//
// A Sink owns a ring of frame-instances (clones of a template graph), a
// pool of worker goroutines, the shared lock-free queue of ready node
// handles, and the exit protocol. One dedicated dispatcher goroutine walks
// the ring, claims idle frame slots, and enqueues nodes whose dependencies
// are satisfied; workers dequeue and execute node handles.
package tasksink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexbibov/lexgine/internal/backoff"
	"github.com/alexbibov/lexgine/mpmcqueue"
	"github.com/alexbibov/lexgine/task"
	"github.com/alexbibov/lexgine/taskgraph"
	catrate "github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// handle identifies one ready node within one frame slot, the value type
// carried by the sink's lock-free queue.
type handle struct {
	slot int
	node *taskgraph.Node
}

type frameInstance struct {
	graph *taskgraph.Graph
	busy  atomic.Bool
	// claimedAt records when this slot was last claimed, used only by the
	// optional stuck-frame abandonment policy.
	claimedAt atomic.Int64
	// frameSeq is this slot's own frame-index counter, seeded at the
	// slot's own index and stepped by the ring length on every claim, so
	// every frame index it ever produces is congruent to the slot index
	// modulo the ring length (see Sink.allocateFrameIndex).
	frameSeq atomic.Uint32
}

// Sink owns a ring of frame-instances of a taskgraph.Graph, a worker pool,
// and the exit protocol described in the component design.
type Sink struct {
	cfg   config
	ring  []*frameInstance
	queue *mpmcqueue.Queue[handle]

	exitFlag atomic.Bool
	inFlight atomic.Int64

	// framePeriod is the largest multiple of len(ring) not exceeding the
	// 16-bit frame-index space (65536); every frame index handed out is
	// reduced modulo framePeriod before being stored, so the 16-bit
	// counter wraps without ever breaking a slot's frame-index-congruent-
	// to-slot-index-mod-ring-length invariant.
	framePeriod int

	wake chan struct{}

	guardTask *guardTask

	logger *logiface.Logger[logiface.Event]

	overload *catrate.Limiter
}

// guardTask is the end-of-frame sentinel injected as the unique dependent
// of every terminal node of the template graph; its Run releases the busy
// flag and decrements the in-flight counter of the frame slot it belongs
// to, identified by the frame index it is invoked with (mod ring length).
type guardTask struct {
	task.Base
	sink *Sink
}

func (g *guardTask) Run(workerID uint8, frameIndex uint16) task.Outcome {
	slot := int(frameIndex) % len(g.sink.ring)
	g.sink.ring[slot].busy.Store(false)
	g.sink.inFlight.Add(-1)
	g.sink.nudge()
	return task.Done
}

// New constructs a Sink around graph. graph is treated as a template: New
// injects the end-of-frame guard task once, then clones it once per ring
// slot, so callers should not call graph.InjectDependentTask themselves.
func New(graph *taskgraph.Graph, opts ...Option) (*Sink, error) {
	cfg := resolveOptions(opts)
	if cfg.name == "" {
		cfg.name = graph.Name()
	}
	if cfg.logger == nil {
		cfg.logger = defaultLogger()
	}

	s := &Sink{
		cfg:    cfg,
		queue:  mpmcqueue.New[handle](),
		wake:   make(chan struct{}, 1),
		logger: cfg.logger,
	}

	guard := &guardTask{Base: task.NewBase(cfg.name+".end_of_frame_guard", task.KindOther), sink: s}
	s.guardTask = guard
	if _, err := graph.InjectDependentTask(guard); err != nil {
		return nil, err
	}

	// at most one "node returned retry" diagnostic line per node per
	// second, so a pathologically retrying task cannot flood the log.
	s.overload = catrate.NewLimiter(map[time.Duration]int{time.Second: 1})

	s.ring = make([]*frameInstance, cfg.ringSize)
	for i := range s.ring {
		fi := &frameInstance{graph: graph.Clone()}
		fi.frameSeq.Store(uint32(i))
		fi.graph.ResetForFrame(uint16(i))
		s.ring[i] = fi
	}

	const frameIndexSpace = 1 << 16
	s.framePeriod = (frameIndexSpace / len(s.ring)) * len(s.ring)
	if s.framePeriod == 0 {
		// degenerate: a ring longer than the 16-bit frame-index space
		// cannot give every slot a distinct congruence class anyway.
		s.framePeriod = len(s.ring)
	}

	return s, nil
}

// nudge wakes the dispatcher promptly (e.g. after a retry or a guard
// release) instead of letting it discover new work only after its idle
// backoff elapses, mirroring eventloop.Loop's dedup-send wake-channel
// idiom.
func (s *Sink) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// DispatchExitSignal requests that the sink stop claiming new frame
// instances and exit once all currently in-flight frames have drained. It
// may be called from any goroutine.
func (s *Sink) DispatchExitSignal() {
	s.exitFlag.Store(true)
	s.nudge()
}

// Run starts the dispatcher and worker pool, and blocks until
// DispatchExitSignal has been called and every in-flight frame has
// drained, or ctx is cancelled (whichever happens first).
func (s *Sink) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(s.cfg.numWorkers)
	for w := 0; w < s.cfg.numWorkers; w++ {
		go func(workerID uint8) {
			defer wg.Done()
			s.runWorker(ctx, workerID)
		}(uint8(w))
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runDispatcher(ctx)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		s.DispatchExitSignal()
		<-done
		s.logger.Info().Str("sink", s.cfg.name).Log("run cancelled via context")
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *Sink) runDispatcher(ctx context.Context) {
	h := s.queue.NewHandle()
	defer h.ClearCache()

	bo := backoff.Backoff{}
	for {
		if ctx.Err() != nil {
			return
		}
		if s.exitFlag.Load() && s.inFlight.Load() == 0 {
			return
		}

		progressed := false
		now := time.Now().UnixNano()

		for slot, fi := range s.ring {
			if !s.exitFlag.Load() && fi.busy.CompareAndSwap(false, true) {
				fi.graph.ResetForFrame(s.allocateFrameIndex(fi))
				fi.claimedAt.Store(now)
				s.inFlight.Add(1)
				progressed = true
			}

			if s.cfg.stuckFrameAfter > 0 && s.exitFlag.Load() && fi.busy.Load() {
				claimedAt := fi.claimedAt.Load()
				if claimedAt != 0 && time.Duration(now-claimedAt) > s.cfg.stuckFrameAfter {
					fi.busy.Store(false)
					fi.claimedAt.Store(0)
					s.inFlight.Add(-1)
					s.logger.Warning().Int("slot", slot).Log("abandoned stuck frame after exit signal")
					progressed = true
					continue
				}
			}

			for _, n := range fi.graph.Nodes() {
				if n.TryEnqueue() {
					h.Enqueue(handle{slot: slot, node: n})
					progressed = true
				}
			}
		}

		if progressed {
			bo.Reset()
			continue
		}

		select {
		case <-s.wake:
			bo.Reset()
		case <-time.After(2 * time.Millisecond):
			bo.Wait()
		case <-ctx.Done():
			return
		}
	}
}

// allocateFrameIndex returns the next frame index for fi's slot, congruent
// to that slot's own index modulo len(s.ring): fi.frameSeq starts at the
// slot index and is stepped by len(s.ring) on every claim, so
// frameIndex % len(ring) always resolves back to the slot that produced
// it (see guardTask.Run). Reducing modulo s.framePeriod (a multiple of
// len(s.ring)) rather than truncating a free-running counter keeps that
// congruence intact across the 16-bit frame-index wrap-around. Only the
// single dispatcher goroutine ever calls this for a given fi, so plain
// atomic arithmetic is sufficient.
func (s *Sink) allocateFrameIndex(fi *frameInstance) uint16 {
	next := fi.frameSeq.Add(uint32(len(s.ring)))
	return uint16(int(next) % s.framePeriod)
}

func (s *Sink) runWorker(ctx context.Context, workerID uint8) {
	h := s.queue.NewHandle()
	defer h.ClearCache()

	bo := backoff.Backoff{}
	for {
		hdl, ok := h.Dequeue()
		if ok {
			s.execute(workerID, hdl)
			bo.Reset()
			continue
		}

		if ctx.Err() != nil || (s.exitFlag.Load() && s.inFlight.Load() == 0) {
			return
		}

		select {
		case <-s.wake:
		case <-time.After(time.Millisecond):
			bo.Wait()
		}
	}
}

func (s *Sink) execute(workerID uint8, h handle) {
	defer func() {
		if r := recover(); r != nil {
			err := &TaskRetryBudgetExceeded{NodeID: h.node.ID(), FromPanic: true, PanicDetail: r}
			s.logger.Err(err).Uint64("node_id", h.node.ID()).Log("task panicked; node forced to completed state")
			h.node.ForceComplete()
			s.nudge()
		}
	}()

	outcome := h.node.Execute(workerID)
	if outcome != task.Retry {
		return
	}

	if s.cfg.retryBudget > 0 && int(h.node.RetryCount()) > s.cfg.retryBudget {
		err := &TaskRetryBudgetExceeded{NodeID: h.node.ID(), RetryCount: int(h.node.RetryCount())}
		s.logger.Err(err).Uint64("node_id", h.node.ID()).Log("node exceeded its retry budget; forcing completion")
		h.node.ForceComplete()
		s.nudge()
		return
	}

	if _, ok := s.overload.Allow(h.node.ID()); ok {
		s.logger.Debug().Uint64("node_id", h.node.ID()).Log("node returned retry")
	}
	s.nudge()
}
