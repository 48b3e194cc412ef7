// Package verios is a real-time multitasking microkernel core: a
// preemptive, priority-based SMP scheduler with message queues, counting
// semaphores, priority-inheritance mutexes and tick-based blocking,
// originally shaped for a dual-core microcontroller target and here driven
// through a pluggable CPU port layer (a software-simulated port by
// default).
//
// Construct a Kernel with New, create tasks, then Start it. An external
// periodic timer drives Tick; everything else happens through the Kernel's
// task, queue, semaphore and mutex operations.
package verios

import (
	"sync/atomic"

	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/klog"
	"github.com/jasbury1/VeriOS/internal/ksync"
	"github.com/jasbury1/VeriOS/internal/msgqueue"
	"github.com/jasbury1/VeriOS/internal/port"
	"github.com/jasbury1/VeriOS/internal/sched"
	"github.com/jasbury1/VeriOS/internal/taskmgr"
	"github.com/jasbury1/VeriOS/internal/tcb"
)

// NoAffinity is the core argument meaning "runs on any core".
const NoAffinity = tcb.NoAffinity

// NoTimeout is the timeout argument meaning "block forever": blocking
// operations given NoTimeout suspend the task instead of delaying it.
const NoTimeout = sched.NoTimeout

// Error is the closed error type every kernel operation returns; compare
// with errors.Is against the kerr sentinels.
type Error = kerr.Error

// Kernel is the assembled microkernel: scheduler, task manager, message
// pool, and port layer. One Kernel schedules one set of cores.
type Kernel struct {
	opts  options
	port  port.Port
	sim   *port.Sim
	sched *sched.Scheduler
	tasks *taskmgr.Manager
	pool  *msgqueue.Pool

	started atomic.Bool
}

// New validates the options, freezes the configuration and assembles a
// stopped kernel.
func New(opts ...Option) (*Kernel, error) {
	o := defaultOptions()
	for _, opt := range opts {
		if err := opt.apply(&o); err != nil {
			return nil, err
		}
	}
	if o.logger != nil {
		klog.SetLogger(o.logger)
	}
	p := o.port
	var sim *port.Sim
	if p == nil {
		sim = port.NewSim(o.numCores)
		p = sim
	} else if s, ok := p.(*port.Sim); ok {
		sim = s
	}

	s, kerrr := sched.New(p, o.maxPriorities)
	if kerrr != nil {
		return nil, kerrr
	}
	pool := msgqueue.NewPool(p, o.msgPoolInitialSize)
	mgr := taskmgr.New(taskmgr.Config{
		MaxPriorities:       o.maxPriorities,
		NTLSSlots:           o.nTLSSlots,
		MaxTaskNameLen:      o.maxTaskNameLen,
		MaxQueueSize:        o.maxQueueSize,
		TIDTableInitialSize: o.tidTableInitialSize,
		IdleStackSize:       o.idleStackSize,
	}, s, p, pool)

	k := &Kernel{opts: o, port: p, sim: sim, sched: s, tasks: mgr, pool: pool}
	if sim != nil {
		sim.SetYieldHandler(s.ContextSwitch)
	}
	return k, nil
}

// Start creates the per-core idle tasks, starts the scheduler, and hands
// the cores to the port layer. Non-blocking: the port's run loop is
// detached; Stop unwinds it.
func (k *Kernel) Start() *kerr.Error {
	if !k.started.CompareAndSwap(false, true) {
		return kerr.New(kerr.OtherError, "kernel already started")
	}
	for c := 0; c < k.port.NumCores(); c++ {
		if _, err := k.tasks.CreateIdle(c, func() { k.tasks.Reap() }); err != nil {
			return err
		}
	}
	k.sched.Start()
	go k.port.StartScheduler(func(core int) {})
	return nil
}

// Stop halts scheduling and unwinds the port's run loop.
func (k *Kernel) Stop() {
	if !k.started.CompareAndSwap(true, false) {
		return
	}
	k.sched.Stop()
	k.port.EndScheduler()
}

// Tick is the external periodic timer's entry point: it advances the
// kernel by one tick in (simulated) interrupt context, and performs the
// context switch the real port would run on interrupt exit. Only the tick
// source for core 0 may call it.
func (k *Kernel) Tick() {
	if k.sim != nil {
		k.sim.EnterISR()
	}
	switchRequired := k.sched.ProcessTick()
	if k.sim != nil {
		k.sim.ExitISR()
	}
	if switchRequired {
		k.sched.ContextSwitch(k.port.GetCoreID())
	}
}

// TickCount returns the current scheduler tick.
func (k *Kernel) TickCount() uint64 { return k.sched.TickCount() }

// SchedulerState reports core c's scheduler state.
func (k *Kernel) SchedulerState(c int) sched.SchedState { return k.sched.State(c) }

// SuspendScheduler suspends scheduling on the calling core; yields and
// ticks are deferred until the matching ResumeScheduler. Nestable.
func (k *Kernel) SuspendScheduler() { k.sched.SuspendCore(k.port.GetCoreID()) }

// ResumeScheduler unwinds one SuspendScheduler on the calling core,
// draining deferred wakeups, ticks and yields.
func (k *Kernel) ResumeScheduler() { k.sched.ResumeCore(k.port.GetCoreID()) }

// currentTask resolves the task the caller is executing as. Task driver
// goroutines carry an explicit binding on the simulated port; host
// goroutines fall back to the current TCB of the caller's core.
func (k *Kernel) currentTask() (*tcb.TCB, *kerr.Error) {
	if k.sim != nil {
		if v := k.sim.CurrentTask(); v != nil {
			return v.(*tcb.TCB), nil
		}
	}
	t := k.sched.Current(k.port.GetCoreID())
	if t == nil {
		return nil, kerr.ErrSchedulerStopped
	}
	return t, nil
}

// CreateTask creates a task and returns its tid. Priority must be in
// (0, MaxPriorities); stackWords must be positive; queueCap > 0 attaches a
// per-task message queue of that capacity; core pins the task or is
// NoAffinity.
func (k *Kernel) CreateTask(entry func(arg any), arg any, name string, priority, stackWords, queueCap, core int) (int, *kerr.Error) {
	return k.tasks.Create(entry, arg, name, priority, stackWords, queueCap, core)
}

// DeleteTask terminates the task identified by tid, releasing joiners.
func (k *Kernel) DeleteTask(tid int) *kerr.Error { return k.tasks.Delete(tid) }

// JoinTask blocks the caller until the target task terminates, or timeout
// ticks elapse (TimerExpired).
func (k *Kernel) JoinTask(tid int, timeout uint64) *kerr.Error {
	t, err := k.currentTask()
	if err != nil {
		return err
	}
	return k.tasks.Join(t, tid, timeout)
}

// TaskName returns the task's name.
func (k *Kernel) TaskName(tid int) (string, *kerr.Error) { return k.tasks.Name(tid) }

// TaskCore returns the task's target core, or NoAffinity.
func (k *Kernel) TaskCore(tid int) (int, *kerr.Error) { return k.tasks.Core(tid) }

// TaskPriority returns the task's current effective priority.
func (k *Kernel) TaskPriority(tid int) (int, *kerr.Error) { return k.tasks.Priority(tid) }

// ChangePriority updates the task's base priority (and effective priority
// when no inheritance is active).
func (k *Kernel) ChangePriority(tid, newPriority int) *kerr.Error {
	t, err := k.tasks.Lookup(tid)
	if err != nil {
		return err
	}
	return k.sched.ChangePriority(t, newPriority)
}

// SuspendTask suspends the task with no timeout.
func (k *Kernel) SuspendTask(tid int) *kerr.Error {
	t, err := k.tasks.Lookup(tid)
	if err != nil {
		return err
	}
	return k.sched.SuspendTask(t)
}

// ResumeTask resumes a suspended task.
func (k *Kernel) ResumeTask(tid int) *kerr.Error {
	t, err := k.tasks.Lookup(tid)
	if err != nil {
		return err
	}
	return k.sched.ResumeTask(t)
}

// Delay blocks the calling task for ticks ticks. Zero forces a yield and
// returns immediately; NoTimeout is invalid here (use SuspendTask).
func (k *Kernel) Delay(ticks uint64) *kerr.Error {
	if ticks == NoTimeout {
		return kerr.ErrInvalidDelay
	}
	t, err := k.currentTask()
	if err != nil {
		return err
	}
	if ticks == 0 {
		return k.sched.DelayTask(t, 0)
	}
	berr := k.sched.Block(t, ticks)
	if berr != nil && berr.Code == kerr.TimerExpired {
		// A delay elapsing is its intended outcome.
		return nil
	}
	return berr
}

// TLSGet reads slot i of the task's thread-local storage.
func (k *Kernel) TLSGet(tid, i int) (any, *kerr.Error) { return k.tasks.TLSGet(tid, i) }

// TLSSet writes slot i of the task's thread-local storage; destructor, if
// non-nil, runs when the task is deleted.
func (k *Kernel) TLSSet(tid, i int, value any, destructor func(any)) *kerr.Error {
	return k.tasks.TLSSet(tid, i, value, destructor)
}

// SendMessage enqueues data on the target task's per-task queue.
func (k *Kernel) SendMessage(tid int, timeout uint64, data any) *kerr.Error {
	t, err := k.currentTask()
	if err != nil {
		return err
	}
	return k.tasks.SendMsg(t, tid, timeout, data)
}

// ReceiveMessage dequeues from the calling task's own queue.
func (k *Kernel) ReceiveMessage(timeout uint64) (any, *kerr.Error) {
	t, err := k.currentTask()
	if err != nil {
		return nil, err
	}
	return k.tasks.ReceiveMsg(t, timeout)
}

// Queue is a bounded FIFO message queue handle.
type Queue struct {
	k *Kernel
	q *msgqueue.Queue
}

// NewQueue creates a queue with the given capacity (1..MaxQueueSize).
func (k *Kernel) NewQueue(capacity int) (*Queue, *kerr.Error) {
	q, err := msgqueue.New(k.port, k.sched, k.pool, capacity, k.opts.maxQueueSize)
	if err != nil {
		return nil, err
	}
	return &Queue{k: k, q: q}, nil
}

// Send enqueues data, blocking up to timeout ticks while full.
func (q *Queue) Send(timeout uint64, data any) *kerr.Error {
	t, err := q.k.currentTask()
	if err != nil {
		return err
	}
	return q.q.Send(t, timeout, data)
}

// Receive dequeues the oldest message, blocking up to timeout ticks while
// empty.
func (q *Queue) Receive(timeout uint64) (any, *kerr.Error) {
	t, err := q.k.currentTask()
	if err != nil {
		return nil, err
	}
	return q.q.Receive(t, timeout)
}

// TrySend is the non-blocking send variant.
func (q *Queue) TrySend(data any) *kerr.Error { return q.Send(0, data) }

// TryReceive is the non-blocking receive variant.
func (q *Queue) TryReceive() (any, *kerr.Error) { return q.Receive(0) }

// Len returns the number of queued messages; Cap the capacity.
func (q *Queue) Len() int { return q.q.Len() }

// Cap returns the queue's capacity.
func (q *Queue) Cap() int { return q.q.Cap() }

// Delete destroys the queue, waking all waiters with ResourceDestroyed.
func (q *Queue) Delete() *kerr.Error { return q.q.Delete() }

// Semaphore is a counting semaphore handle.
type Semaphore struct {
	k   *Kernel
	sem *ksync.Semaphore
}

// NewSemaphore creates a counting semaphore with the given initial count.
func (k *Kernel) NewSemaphore(initial int) (*Semaphore, *kerr.Error) {
	sem, err := ksync.NewSemaphore(k.port, k.sched, initial)
	if err != nil {
		return nil, err
	}
	return &Semaphore{k: k, sem: sem}, nil
}

// Take decrements the semaphore, blocking up to timeout ticks while zero.
func (s *Semaphore) Take(timeout uint64) *kerr.Error {
	t, err := s.k.currentTask()
	if err != nil {
		return err
	}
	return s.sem.Take(t, timeout)
}

// Release increments the semaphore and wakes the highest-priority waiter.
func (s *Semaphore) Release() *kerr.Error { return s.sem.Release() }

// Count returns the current counter value.
func (s *Semaphore) Count() int { return s.sem.Count() }

// Delete destroys the semaphore, waking all waiters with
// ResourceDestroyed.
func (s *Semaphore) Delete() *kerr.Error { return s.sem.Delete() }

// Mutex is a priority-inheritance mutex handle.
type Mutex struct {
	k *Kernel
	m *ksync.Mutex
}

// NewMutex creates an unlocked mutex.
func (k *Kernel) NewMutex() (*Mutex, *kerr.Error) {
	m, err := ksync.NewMutex(k.port, k.sched)
	if err != nil {
		return nil, err
	}
	return &Mutex{k: k, m: m}, nil
}

// Take acquires the mutex, applying priority inheritance to the holder
// when the caller outprioritizes it.
func (m *Mutex) Take(timeout uint64) *kerr.Error {
	t, err := m.k.currentTask()
	if err != nil {
		return err
	}
	return m.m.Take(t, timeout)
}

// Release unlocks the mutex; it must be called by the holder.
func (m *Mutex) Release() *kerr.Error {
	t, err := m.k.currentTask()
	if err != nil {
		return err
	}
	return m.m.Release(t)
}

// Delete destroys the mutex, waking all waiters with ResourceDestroyed.
func (m *Mutex) Delete() *kerr.Error { return m.m.Delete() }
