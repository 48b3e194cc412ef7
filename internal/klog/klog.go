// Package klog is the kernel-wide structured logging facade. It is silent
// by default (a disabled logiface.Logger); a host process opts in by
// calling SetLogger with a configured izerolog-backed logger.
//
// Logging is package-level because it is an infrastructure cross-cutting
// concern: every kernel subsystem shares one sink, configured once at
// startup.
package klog

import (
	"os"
	"sync"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

type logHolder struct {
	sync.RWMutex
	logger *logiface.Logger[*izerolog.Event]
}

var global logHolder

func init() {
	global.logger = disabledLogger()
}

func disabledLogger() *logiface.Logger[*izerolog.Event] {
	return izerolog.L.New(
		izerolog.L.WithZerolog(zerolog.Nop()),
		izerolog.L.WithLevel(logiface.LevelDisabled),
	)
}

// NewStderr builds a reasonably-configured izerolog-backed logger writing
// to os.Stderr at the given level, for hosts that just want something
// working without hand-assembling zerolog options.
func NewStderr(level logiface.Level) *logiface.Logger[*izerolog.Event] {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).With().Timestamp().Logger()
	return izerolog.L.New(izerolog.L.WithZerolog(zl), izerolog.L.WithLevel(level))
}

// SetLogger installs the kernel-wide logger. Passing nil restores the
// disabled default.
func SetLogger(l *logiface.Logger[*izerolog.Event]) {
	global.Lock()
	defer global.Unlock()
	if l == nil {
		l = disabledLogger()
	}
	global.logger = l
}

// Logger returns the current kernel-wide logger. Never returns nil.
func Logger() *logiface.Logger[*izerolog.Event] {
	global.RLock()
	defer global.RUnlock()
	return global.logger
}
