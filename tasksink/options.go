package tasksink

import (
	"io"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultRingSize is the default number of frame-instances kept
	// in-flight.
	DefaultRingSize = 16
	// DefaultWorkers is the default worker-pool size.
	DefaultWorkers = 8
)

type config struct {
	name             string
	ringSize         int
	numWorkers       int
	logger           *logiface.Logger[logiface.Event]
	workerLogStreams []io.Writer
	stuckFrameAfter  time.Duration
	retryBudget      int
}

// Option configures a Sink at construction time, following the functional-
// options idiom used throughout this codebase's lineage (see
// eventloop.LoopOption).
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (f optionFunc) apply(c *config) { f(c) }

// WithName sets the sink's display name, used in log output and DOT
// filenames produced by callers.
func WithName(name string) Option {
	return optionFunc(func(c *config) { c.name = name })
}

// WithRingSize overrides the number of frame-instances kept in-flight
// (default DefaultRingSize). Values <= 0 are ignored.
func WithRingSize(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.ringSize = n
		}
	})
}

// WithWorkers overrides the worker-pool size (default DefaultWorkers).
// Values <= 0 are ignored.
func WithWorkers(n int) Option {
	return optionFunc(func(c *config) {
		if n > 0 {
			c.numWorkers = n
		}
	})
}

// WithLogger injects a structured logger used for dispatcher/worker
// diagnostics. Absent this option, the sink falls back to a package-level
// no-op-safe default logger.
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return optionFunc(func(c *config) { c.logger = l })
}

// WithWorkerLogStreams records one output stream per worker (by index) in
// the sink's configuration. len(streams) need not match the worker count.
// The workers do not write to these streams; all sink diagnostics go
// through the logger set by WithLogger.
func WithWorkerLogStreams(streams []io.Writer) Option {
	return optionFunc(func(c *config) { c.workerLogStreams = streams })
}

// WithStuckFrameTimeout enables forced abandonment of a frame instance
// once DispatchExitSignal has been called: a frame that is still busy more
// than d after it was claimed has its busy flag force-cleared and the
// in-flight counter decremented, unblocking Run.
// Disabled (zero) by default.
func WithStuckFrameTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) { c.stuckFrameAfter = d })
}

// WithRetryBudget installs a policy limit on consecutive task.Retry
// returns for one node within a single frame; exceeding it surfaces
// *TaskRetryBudgetExceeded via the sink's logger and forces the node to
// a completed state so the frame is not stuck forever. Zero (the default)
// means unlimited retries.
func WithRetryBudget(n int) Option {
	return optionFunc(func(c *config) { c.retryBudget = n })
}

func resolveOptions(opts []Option) config {
	c := config{
		ringSize:   DefaultRingSize,
		numWorkers: DefaultWorkers,
	}
	for _, o := range opts {
		if o != nil {
			o.apply(&c)
		}
	}
	return c
}
