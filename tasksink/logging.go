package tasksink

import (
	"io"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var (
	defaultLoggerOnce sync.Once
	defaultLoggerVal  *logiface.Logger[logiface.Event]
)

// defaultLogger returns a process-wide, safe-by-default logger used by any
// Sink constructed without WithLogger: a stumpy-backed logger at
// LevelDisabled, so the cost of a skipped log call is minimal and no
// output is produced absent explicit configuration, mirroring
// eventloop.getGlobalLogger's no-op fallback.
func defaultLogger() *logiface.Logger[logiface.Event] {
	defaultLoggerOnce.Do(func() {
		typed := stumpy.L.New(
			stumpy.WithStumpy(stumpy.WithWriter(io.Discard)),
			logiface.WithLevel[*stumpy.Event](logiface.LevelDisabled),
		)
		defaultLoggerVal = typed.Logger()
	})
	return defaultLoggerVal
}
