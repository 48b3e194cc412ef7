package verios

import (
	"fmt"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"

	"github.com/jasbury1/VeriOS/internal/port"
)

// options holds kernel construction parameters; see the With* functions.
type options struct {
	maxPriorities       int
	numCores            int
	nTLSSlots           int
	maxTaskNameLen      int
	maxQueueSize        int
	msgPoolInitialSize  int
	idleStackSize       int
	tidTableInitialSize int
	logger              *logiface.Logger[*izerolog.Event]
	port                port.Port
}

func defaultOptions() options {
	return options{
		maxPriorities:       24,
		numCores:            2,
		nTLSSlots:           4,
		maxTaskNameLen:      16,
		maxQueueSize:        1024,
		msgPoolInitialSize:  8,
		idleStackSize:       1024,
		tidTableInitialSize: 16,
	}
}

// Option configures a Kernel instance.
type Option interface {
	apply(*options) error
}

type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithMaxPriorities sets the upper bound on task priorities. Must be a
// positive multiple of 8 (it sizes the ready bitmap).
func WithMaxPriorities(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n <= 0 || n%8 != 0 {
			return fmt.Errorf("max priorities must be a positive multiple of 8, got %d", n)
		}
		opts.maxPriorities = n
		return nil
	}}
}

// WithNumCores sets the number of CPU cores the kernel schedules. Ignored
// when WithPort supplies a port (the port's core count wins).
func WithNumCores(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("at least one core is required, got %d", n)
		}
		opts.numCores = n
		return nil
	}}
}

// WithTLSSlots sets the per-task thread-local-storage table width.
func WithTLSSlots(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 0 {
			return fmt.Errorf("tls slot count cannot be negative, got %d", n)
		}
		opts.nTLSSlots = n
		return nil
	}}
}

// WithMaxTaskNameLen sets the maximum task name length in bytes, including
// the terminator byte of the on-device layout; longer names are truncated.
func WithMaxTaskNameLen(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 2 {
			return fmt.Errorf("max task name length must be at least 2, got %d", n)
		}
		opts.maxTaskNameLen = n
		return nil
	}}
}

// WithMaxQueueSize sets the upper bound on message-queue capacity.
func WithMaxQueueSize(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("max queue size must be positive, got %d", n)
		}
		opts.maxQueueSize = n
		return nil
	}}
}

// WithMsgPoolInitialSize sets the message pool's first slab size;
// subsequent slabs double.
func WithMsgPoolInitialSize(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("message pool initial size must be positive, got %d", n)
		}
		opts.msgPoolInitialSize = n
		return nil
	}}
}

// WithIdleStackSize sets the per-core idle task stack size in words.
func WithIdleStackSize(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("idle stack size must be positive, got %d", n)
		}
		opts.idleStackSize = n
		return nil
	}}
}

// WithTIDTableInitialSize sets the tid table's initial capacity; it grows
// geometrically.
func WithTIDTableInitialSize(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("tid table initial size must be positive, got %d", n)
		}
		opts.tidTableInitialSize = n
		return nil
	}}
}

// WithLogger installs a structured logger for the whole kernel. The kernel
// is silent without one.
func WithLogger(l *logiface.Logger[*izerolog.Event]) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = l
		return nil
	}}
}

// WithPort overrides the CPU port layer. Without it the kernel runs on the
// software-simulated port with WithNumCores cores.
func WithPort(p port.Port) Option {
	return &optionImpl{func(opts *options) error {
		if p == nil {
			return fmt.Errorf("port cannot be nil")
		}
		opts.port = p
		return nil
	}}
}
