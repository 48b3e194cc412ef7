// Package sched implements the preemptive, priority-based SMP scheduler:
// the per-priority ready set with O(1) highest-priority lookup, the
// delayed/suspended/pending-ready/deletion lists, tick processing with
// overflow cycling, per-core context-switch selection with affinity,
// priority inheritance, and the blocking primitives the IPC objects build
// on.
//
// All scheduler state lives in a single Scheduler value constructed once at
// boot and guarded by one spin-mutex obtained from the port layer. Public
// operations follow a fixed shape: acquire the lock, mutate, compute which
// cores need a yield, release the lock, then dispatch the yields. Yields
// are never dispatched with the lock held; the port's context-switch entry
// point re-acquires it.
package sched

import (
	"sync/atomic"
	"time"

	"github.com/jasbury1/VeriOS/internal/diag"
	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/klog"
	"github.com/jasbury1/VeriOS/internal/port"
	"github.com/jasbury1/VeriOS/internal/tcb"
	"github.com/jasbury1/VeriOS/internal/waitlist"
)

// NoTimeout is the tick-count sentinel meaning "block forever": blocking
// APIs given NoTimeout suspend the task instead of delaying it.
const NoTimeout = ^uint64(0)

// SchedState reports a core's scheduler state.
type SchedState int

const (
	// Stopped means the scheduler has not been started (or was stopped).
	Stopped SchedState = iota
	// Running means the core is scheduling normally.
	Running
	// Suspended means the core's scheduler is suspended; yields and ticks
	// are being deferred.
	Suspended
)

// coreState is the per-core deferred-work bookkeeping: scheduler-suspension
// nesting, the deferred-yield flag, accumulated ticks, the context-switch
// reentry guard, and the pending-ready list drained on resume.
type coreState struct {
	suspendDepth     int
	yieldPending     bool
	pendingTicks     uint64
	switchingContext bool
	pendingReady     *waitlist.List
}

// Scheduler owns every runnable task and decides which runs on each core.
type Scheduler struct {
	port port.Port
	lock port.Lock

	maxPriorities int
	numCores      int

	// Guarded by lock.
	ready    []*waitlist.List // one per priority; contains Ready AND Running tasks
	bitmap   []byte           // maxPriorities/8 bytes; bit set iff ready list non-empty
	delayed  *waitlist.List   // sorted ascending by WakeupTick
	overflow *waitlist.List   // wakeups past the next tick-counter wrap
	susplist *waitlist.List
	deletion *waitlist.List
	cores    []coreState
	current  []*tcb.TCB
	idle     []*tcb.TCB

	nextUnblock      uint64
	deletionsPending int

	// Single-writer (core 0); read without the lock.
	tick          atomic.Uint64
	overflowCount atomic.Uint64

	running atomic.Bool

	inversionLog *diag.Throttle
}

// New constructs a stopped scheduler. maxPriorities must be a positive
// multiple of 8 (it sizes the ready bitmap).
func New(p port.Port, maxPriorities int) (*Scheduler, *kerr.Error) {
	if maxPriorities <= 0 || maxPriorities%8 != 0 {
		return nil, kerr.New(kerr.InvalidPriority, "max priorities must be a positive multiple of 8")
	}
	n := p.NumCores()
	s := &Scheduler{
		port:          p,
		lock:          p.NewLock(),
		maxPriorities: maxPriorities,
		numCores:      n,
		ready:         make([]*waitlist.List, maxPriorities),
		bitmap:        make([]byte, maxPriorities/8),
		delayed:       waitlist.New(tcb.SchedLink),
		overflow:      waitlist.New(tcb.SchedLink),
		susplist:      waitlist.New(tcb.SchedLink),
		deletion:      waitlist.New(tcb.SchedLink),
		cores:         make([]coreState, n),
		current:       make([]*tcb.TCB, n),
		idle:          make([]*tcb.TCB, n),
		nextUnblock:   NoTimeout,
		inversionLog:  diag.NewThrottle(time.Second, 4),
	}
	for i := range s.ready {
		s.ready[i] = waitlist.New(tcb.SchedLink)
	}
	for i := range s.cores {
		s.cores[i].pendingReady = waitlist.New(tcb.SchedLink)
	}
	return s, nil
}

// MaxPriorities returns the configured priority bound.
func (s *Scheduler) MaxPriorities() int { return s.maxPriorities }

// NumCores returns the core count the scheduler was built for.
func (s *Scheduler) NumCores() int { return s.numCores }

// TickCount returns the current tick counter. Single-writer (core 0), so a
// plain atomic load suffices on any core.
func (s *Scheduler) TickCount() uint64 { return s.tick.Load() }

// OverflowCount returns the number of times the tick counter has wrapped.
func (s *Scheduler) OverflowCount() uint64 { return s.overflowCount.Load() }

// Current returns the task currently running on core c, which may be the
// core's idle task, or nil before the first dispatch.
func (s *Scheduler) Current(c int) *tcb.TCB {
	s.port.EnterCritical(s.lock)
	defer s.port.ExitCritical(s.lock)
	return s.current[c]
}

// IdleTask returns the registered idle task for core c.
func (s *Scheduler) IdleTask(c int) *tcb.TCB {
	s.port.EnterCritical(s.lock)
	defer s.port.ExitCritical(s.lock)
	return s.idle[c]
}

// NextUnblockTick returns the wakeup tick of the earliest delayed task, or
// NoTimeout if nothing is delayed.
func (s *Scheduler) NextUnblockTick() uint64 {
	s.port.EnterCritical(s.lock)
	defer s.port.ExitCritical(s.lock)
	return s.nextUnblock
}

// State reports core c's scheduler state.
func (s *Scheduler) State(c int) SchedState {
	if !s.running.Load() {
		return Stopped
	}
	s.port.EnterCritical(s.lock)
	defer s.port.ExitCritical(s.lock)
	if s.cores[c].suspendDepth > 0 {
		return Suspended
	}
	return Running
}

// RegisterIdle installs t as core c's idle task. Idle tasks live outside
// the ready lists; context-switch selection falls back to them when no
// ready task is eligible.
func (s *Scheduler) RegisterIdle(c int, t *tcb.TCB) {
	t.IsIdle = true
	s.port.EnterCritical(s.lock)
	defer s.port.ExitCritical(s.lock)
	s.idle[c] = t
}

// Start marks the scheduler running and finalizes the initial dispatch:
// every core's pre-start current task (highest-priority add seen for that
// core, or its idle task) transitions to Running. Resume tokens are
// deposited after the lock is released so task drivers begin executing.
func (s *Scheduler) Start() {
	s.port.EnterCritical(s.lock)
	s.running.Store(true)
	started := make([]*tcb.TCB, 0, s.numCores)
	for c := 0; c < s.numCores; c++ {
		if s.current[c] == nil {
			s.current[c] = s.idle[c]
		}
		if t := s.current[c]; t != nil {
			t.SetState(tcb.Running)
			started = append(started, t)
		}
	}
	s.port.ExitCritical(s.lock)
	for _, t := range started {
		t.Deposit()
	}
	klog.Logger().Info().Int("cores", s.numCores).Log("scheduler started")
}

// Stop halts scheduling. Blocked and ready tasks keep their state; no
// further dispatch or tick processing occurs until Start is called again.
func (s *Scheduler) Stop() {
	s.running.Store(false)
	klog.Logger().Info().Log("scheduler stopped")
}

// IsRunning reports whether Start has been called (and Stop has not).
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// yieldCore dispatches a requested context switch to the port layer. Never
// called with the scheduler lock held.
func (s *Scheduler) yieldCore(c int) {
	if !s.running.Load() {
		return
	}
	if c == s.port.GetCoreID() && !s.port.InISRContext() {
		s.port.YieldCurrentCore()
	} else {
		s.port.YieldOtherCore(c)
	}
}

func (s *Scheduler) yieldCores(cores []int) {
	for _, c := range cores {
		s.yieldCore(c)
	}
}
