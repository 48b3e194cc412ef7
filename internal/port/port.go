// Package port defines the CPU-port contract the scheduler core depends
// on, and a software simulation of it. A real port is backed by the actual
// CPU and interrupt controller; Sim stands in using goroutines as "cores",
// an atomic CAS loop as the spin-lock, and a per-goroutine depth counter as
// the IRQ-disable primitive.
package port

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// StackTop is an opaque, word-sized representation of a task's saved
// execution context. The kernel never interprets its contents; only a Port
// implementation does.
type StackTop = uintptr

// EntryFunc is a task entry point, invoked with its argument once the port
// schedules the task onto a core for the first time.
type EntryFunc func(arg any)

// Lock is an opaque spin-mutex handle, as returned by NewLock.
type Lock interface {
	// sealed: only a Port implementation constructs these.
	lock()
	unlock()
}

// CriticalToken is returned by EnterCriticalNested and must be passed back
// to the matching ExitCriticalNested.
type CriticalToken uint64

// Port is the complete set of primitives the scheduler assumes from the
// CPU collaborator. No others.
type Port interface {
	// NewLock allocates a spin-mutex in the unlocked state.
	NewLock() Lock

	// InitializeStack writes an initial frame onto a stack region so the
	// scheduler can context-switch into entry(arg) as if it were already
	// running. Returns the new stack top.
	InitializeStack(top StackTop, size int, entry EntryFunc, arg any, privileged bool) StackTop

	// StartScheduler never returns while the scheduler is running; it
	// begins executing CurrentTCB[c] on every core c.
	StartScheduler(run func(core int))

	// EndScheduler unwinds a prior StartScheduler call.
	EndScheduler()

	// YieldCurrentCore requests a context switch on the caller's core at
	// the next safe point.
	YieldCurrentCore()

	// YieldOtherCore sends an IPI so core c enters context switch.
	YieldOtherCore(c int)

	// EnterCritical acquires l and disables local IRQs for the holder.
	EnterCritical(l Lock)
	// ExitCritical releases l and restores local IRQ state.
	ExitCritical(l Lock)

	// EnterCriticalNested disables IRQs without acquiring a spin-mutex,
	// returning a token to restore the prior state. Nestable.
	EnterCriticalNested() CriticalToken
	// ExitCriticalNested restores IRQ state captured by EnterCriticalNested.
	ExitCriticalNested(tok CriticalToken)

	// GetCoreID identifies the calling core.
	GetCoreID() int

	// InISRContext reports whether the caller is servicing an interrupt.
	InISRContext() bool

	// NumCores is the compile-time (here: construction-time) core count.
	NumCores() int
}

// spinLock is the Sim port's Lock implementation: a CAS-based busy-wait
// spin-mutex, the idiomatic Go stand-in for a hardware spin-mutex.
type spinLock struct {
	state atomic.Bool
}

func (l *spinLock) lock() {
	for !l.state.CompareAndSwap(false, true) {
		// busy-wait: a real spin-mutex never parks the caller.
	}
}

func (l *spinLock) unlock() {
	l.state.Store(false)
}

var _ Lock = (*spinLock)(nil)

// nestedState tracks per-goroutine IRQ-disable nesting depth for
// EnterCriticalNested/ExitCriticalNested. Since Go has no per-core IRQ flag,
// nesting is tracked per calling goroutine (the unit of execution Sim treats
// as "the current core's instruction stream").
type nestedState struct {
	mu    sync.Mutex
	depth map[uint64]int
}

func newNestedState() *nestedState {
	return &nestedState{depth: make(map[uint64]int)}
}

func (n *nestedState) enter() CriticalToken {
	id := goid()
	n.mu.Lock()
	defer n.mu.Unlock()
	d := n.depth[id]
	n.depth[id] = d + 1
	return CriticalToken(d)
}

func (n *nestedState) exit(tok CriticalToken) {
	id := goid()
	n.mu.Lock()
	defer n.mu.Unlock()
	if int(tok) <= 0 {
		delete(n.depth, id)
	} else {
		n.depth[id] = int(tok)
	}
}

// goid extracts the calling goroutine's id from its stack header. Sim uses
// it only to key per-goroutine bookkeeping (core binding, IRQ nesting); it
// never leaks into kernel semantics.
func goid() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// header: "goroutine 12345 ["
	s := buf[len("goroutine "):n]
	var id uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}

// simFrameWords is the number of stack words the simulated port reserves in
// place of the hardware exception frame a real port would lay down.
const simFrameWords = 16

// Sim is the software port: goroutines stand in for cores, a CAS busy-wait
// stands in for the hardware spin-mutex, and the yield primitives invoke a
// handler the scheduler installs (the moral equivalent of wiring the
// cross-core IPI to the context-switch entry point).
type Sim struct {
	numCores int
	nested   *nestedState

	mu      sync.Mutex
	yield   func(core int)
	coreOf  map[uint64]int
	taskOf  map[uint64]any
	stopCh  chan struct{}
	started bool

	isrDepth atomic.Int32
}

// NewSim constructs a simulated port for numCores cores.
func NewSim(numCores int) *Sim {
	if numCores < 1 {
		numCores = 1
	}
	return &Sim{
		numCores: numCores,
		nested:   newNestedState(),
		coreOf:   make(map[uint64]int),
		taskOf:   make(map[uint64]any),
	}
}

var _ Port = (*Sim)(nil)

// SetYieldHandler installs the function YieldCurrentCore/YieldOtherCore
// route to. The scheduler installs its context-switch entry point here
// before starting. The handler is invoked at a safe point: never with the
// scheduler lock held.
func (s *Sim) SetYieldHandler(h func(core int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.yield = h
}

// BindCore records that the calling goroutine is currently executing as a
// task on core c, so GetCoreID can answer for it. The task driver binds once,
// when the task is first dispatched, and unbinds when its entry returns.
func (s *Sim) BindCore(c int) {
	id := goid()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.coreOf[id] = c
}

// UnbindCore removes the calling goroutine's core binding.
func (s *Sim) UnbindCore() {
	id := goid()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.coreOf, id)
}

// BindTask records which task (an opaque TCB reference) the calling
// goroutine executes as. On real hardware the current task is implied by
// the instruction stream; the simulation makes the association explicit so
// kernel entry points can resolve their caller even while the task is
// swapped out but its goroutine has not yet reached a park point.
func (s *Sim) BindTask(task any) {
	id := goid()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskOf[id] = task
}

// UnbindTask removes the calling goroutine's task binding.
func (s *Sim) UnbindTask() {
	id := goid()
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.taskOf, id)
}

// CurrentTask returns the task bound to the calling goroutine, or nil for
// host goroutines (the tick driver, tests).
func (s *Sim) CurrentTask() any {
	id := goid()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskOf[id]
}

func (s *Sim) NewLock() Lock { return &spinLock{} }

func (s *Sim) InitializeStack(top StackTop, size int, entry EntryFunc, arg any, privileged bool) StackTop {
	// A real port writes the hardware exception frame here so the first
	// context switch can "return" into entry(arg). The simulation only
	// accounts for the words that frame would occupy; execution is carried
	// by the task's driver goroutine instead.
	if top < simFrameWords {
		return 0
	}
	return top - simFrameWords
}

func (s *Sim) StartScheduler(run func(core int)) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()
	for c := 0; c < s.numCores; c++ {
		go run(c)
	}
	<-stop
}

func (s *Sim) EndScheduler() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.stopCh)
}

func (s *Sim) YieldCurrentCore() { s.dispatchYield(s.GetCoreID()) }

func (s *Sim) YieldOtherCore(c int) { s.dispatchYield(c) }

func (s *Sim) dispatchYield(c int) {
	s.mu.Lock()
	h := s.yield
	s.mu.Unlock()
	if h != nil {
		h(c)
	}
}

func (s *Sim) EnterCritical(l Lock) {
	s.nested.enter()
	l.lock()
}

func (s *Sim) ExitCritical(l Lock) {
	l.unlock()
	s.nested.exit(s.currentDepthToken())
}

// currentDepthToken computes the token ExitCritical owes the nested
// tracker, since EnterCritical does not surface one to its caller.
func (s *Sim) currentDepthToken() CriticalToken {
	id := goid()
	s.nested.mu.Lock()
	defer s.nested.mu.Unlock()
	d := s.nested.depth[id]
	if d > 0 {
		d--
	}
	return CriticalToken(d)
}

func (s *Sim) EnterCriticalNested() CriticalToken { return s.nested.enter() }

func (s *Sim) ExitCriticalNested(tok CriticalToken) { s.nested.exit(tok) }

func (s *Sim) GetCoreID() int {
	id := goid()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coreOf[id]
}

// EnterISR/ExitISR bracket simulated interrupt service; the tick driver
// wraps its call to the scheduler's tick handler in them.
func (s *Sim) EnterISR() { s.isrDepth.Add(1) }

func (s *Sim) ExitISR() { s.isrDepth.Add(-1) }

func (s *Sim) InISRContext() bool { return s.isrDepth.Load() > 0 }

func (s *Sim) NumCores() int { return s.numCores }
