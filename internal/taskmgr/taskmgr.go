// Package taskmgr owns the task lifecycle: TCB and stack allocation, the
// dense tid table, per-task message queues, thread-local storage, join, and
// the reap pass the idle tasks run over deletion-pending TCBs.
package taskmgr

import (
	"sync"

	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/klog"
	"github.com/jasbury1/VeriOS/internal/msgqueue"
	"github.com/jasbury1/VeriOS/internal/port"
	"github.com/jasbury1/VeriOS/internal/sched"
	"github.com/jasbury1/VeriOS/internal/tcb"
	"github.com/jasbury1/VeriOS/internal/waitlist"
)

// idleName is the only task name permitted to carry priority 0.
const idleName = "IDLE"

// maxStackWords bounds a single stack allocation; anything larger is
// treated as an allocation failure rather than an attempt.
const maxStackWords = 1 << 26

// Config carries the task-manager tuning knobs.
type Config struct {
	MaxPriorities       int
	NTLSSlots           int
	MaxTaskNameLen      int // includes the terminator byte of the original layout
	MaxQueueSize        int
	TIDTableInitialSize int
	IdleStackSize       int
}

// Manager creates and destroys tasks and resolves tids.
type Manager struct {
	cfg  Config
	s    *sched.Scheduler
	port port.Port
	pool *msgqueue.Pool

	mu      sync.Mutex
	table   []*tcb.TCB // tid -> TCB; nil while free
	free    []int      // recycled tids, reused LIFO
	queues  map[int]*msgqueue.Queue
	nextTid int
}

// New constructs a Manager over the given scheduler, port and message
// pool.
func New(cfg Config, s *sched.Scheduler, p port.Port, pool *msgqueue.Pool) *Manager {
	if cfg.TIDTableInitialSize < 1 {
		cfg.TIDTableInitialSize = 1
	}
	return &Manager{
		cfg:    cfg,
		s:      s,
		port:   p,
		pool:   pool,
		table:  make([]*tcb.TCB, cfg.TIDTableInitialSize),
		queues: make(map[int]*msgqueue.Queue),
	}
}

// allocTid reserves a tid slot, growing the table geometrically when full.
func (m *Manager) allocTid(t *tcb.TCB) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.free); n > 0 {
		tid := m.free[n-1]
		m.free = m.free[:n-1]
		m.table[tid] = t
		return tid
	}
	if m.nextTid == len(m.table) {
		grown := make([]*tcb.TCB, len(m.table)*2)
		copy(grown, m.table)
		m.table = grown
	}
	tid := m.nextTid
	m.nextTid++
	m.table[tid] = t
	return tid
}

func (m *Manager) releaseTid(tid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tid >= 0 && tid < len(m.table) && m.table[tid] != nil {
		m.table[tid] = nil
		m.free = append(m.free, tid)
	}
}

// Lookup resolves a tid to its TCB.
func (m *Manager) Lookup(tid int) (*tcb.TCB, *kerr.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tid < 0 || tid >= len(m.table) || m.table[tid] == nil {
		return nil, kerr.ErrInvalidTid
	}
	return m.table[tid], nil
}

// Create allocates and starts a task: stack first, then TCB (the stack is
// released if the TCB allocation fails), an initial frame via the port
// layer, a tid table entry, an optional per-task message queue, and
// finally the scheduler insertion. queueCap of zero means no per-task
// queue. Returns the new task's tid.
func (m *Manager) Create(entry port.EntryFunc, arg any, name string, priority, stackWords, queueCap, core int) (int, *kerr.Error) {
	if priority < 0 || priority >= m.cfg.MaxPriorities {
		return 0, kerr.ErrInvalidPriority
	}
	if priority == 0 && name != idleName {
		return 0, kerr.ErrReservedPriority
	}
	if stackWords <= 0 {
		return 0, kerr.ErrInvalidStackSize
	}
	if core != tcb.NoAffinity && (core < 0 || core >= m.s.NumCores()) {
		return 0, kerr.New(kerr.OtherError, "core out of range")
	}
	if max := m.cfg.MaxTaskNameLen - 1; max > 0 && len(name) > max {
		name = name[:max]
	}

	if stackWords > maxStackWords {
		return 0, kerr.ErrStackAlloc
	}
	stack := make([]uintptr, stackWords)

	t := tcb.New(0, name, priority, core)
	t.Stack = stack
	t.StackSize = stackWords
	t.StackBase = 0
	t.StackEnd = uintptr(stackWords)
	t.StackTop = m.port.InitializeStack(uintptr(stackWords), stackWords, entry, arg, false)
	t.Entry = entry
	t.Arg = arg

	t.Tid = m.allocTid(t)

	if queueCap > 0 {
		q, err := msgqueue.New(m.port, m.s, m.pool, queueCap, m.cfg.MaxQueueSize)
		if err != nil {
			m.releaseTid(t.Tid)
			return 0, err
		}
		m.mu.Lock()
		m.queues[t.Tid] = q
		m.mu.Unlock()
	}

	if err := m.s.AddTask(t); err != nil {
		m.dropQueue(t.Tid)
		m.releaseTid(t.Tid)
		return 0, err
	}
	m.drive(t)
	klog.Logger().Info().
		Str("task", t.Name).
		Int("tid", t.Tid).
		Int("priority", priority).
		Int("core", core).
		Log("task created")
	return t.Tid, nil
}

// CreateIdle builds core c's idle task and registers it with the
// scheduler. Idle tasks bypass the ready set and are pinned to their core.
func (m *Manager) CreateIdle(c int, reap func()) (int, *kerr.Error) {
	stack := make([]uintptr, m.cfg.IdleStackSize)
	t := tcb.New(0, idleName, 0, c)
	t.Stack = stack
	t.StackSize = m.cfg.IdleStackSize
	t.StackEnd = uintptr(m.cfg.IdleStackSize)
	t.Entry = func(any) {
		for {
			reap()
			t.Park()
		}
	}
	t.StackTop = m.port.InitializeStack(uintptr(m.cfg.IdleStackSize), m.cfg.IdleStackSize, t.Entry, nil, true)
	t.Tid = m.allocTid(t)
	m.s.RegisterIdle(c, t)
	m.drive(t)
	return t.Tid, nil
}

// drive starts the task's driver goroutine: it parks until the scheduler
// first dispatches the task, runs the entry function, and self-terminates
// when the entry returns.
func (m *Manager) drive(t *tcb.TCB) {
	go func() {
		t.Park()
		sim, _ := m.port.(*port.Sim)
		if sim != nil {
			sim.BindTask(t)
			for c := 0; c < m.port.NumCores(); c++ {
				if m.s.Current(c) == t {
					sim.BindCore(c)
					break
				}
			}
		}
		t.Entry(t.Arg)
		_ = m.deleteTCB(t)
		if sim != nil {
			sim.UnbindTask()
			sim.UnbindCore()
		}
	}()
}

// Delete terminates the task identified by tid. If the task is not running
// on any core its resources are released inline; otherwise it enters
// PendingDeletion and a later idle reap pass frees it. Joiners are released
// either way.
func (m *Manager) Delete(tid int) *kerr.Error {
	t, err := m.Lookup(tid)
	if err != nil {
		return err
	}
	return m.deleteTCB(t)
}

func (m *Manager) deleteTCB(t *tcb.TCB) *kerr.Error {
	if err := m.s.RemoveTask(t); err != nil {
		return err
	}
	m.releaseJoiners(t)
	if t.State() == tcb.ReadyToDelete {
		m.destroy(t)
	}
	klog.Logger().Info().
		Str("task", t.Name).
		Int("tid", t.Tid).
		Str("state", t.State().String()).
		Log("task deleted")
	return nil
}

// Reap is the idle task's pass over the deletion-pending list: every task
// that has reached its safe point is destroyed.
func (m *Manager) Reap() int {
	ts := m.s.CollectDeletable()
	for _, t := range ts {
		m.destroy(t)
	}
	return len(ts)
}

// destroy releases everything a terminated task owns: TLS destructors run,
// the collaborator blobs and stack are dropped, the per-task queue is
// deleted, and the tid returns to the free list.
func (m *Manager) destroy(t *tcb.TCB) {
	t.RunTLSDestructors()
	t.MPU = nil
	t.Reentrancy = nil
	t.Stack = nil
	t.JoinList = nil
	t.Deleted.Store(true)
	m.dropQueue(t.Tid)
	m.releaseTid(t.Tid)
}

func (m *Manager) dropQueue(tid int) {
	m.mu.Lock()
	q := m.queues[tid]
	delete(m.queues, tid)
	m.mu.Unlock()
	if q != nil {
		_ = q.Delete()
	}
}

// releaseJoiners wakes every task joined on t with success.
func (m *Manager) releaseJoiners(t *tcb.TCB) {
	m.mu.Lock()
	l, _ := t.JoinList.(*waitlist.List)
	m.mu.Unlock()
	if l != nil {
		m.s.WakeAll(l, 0)
	}
}

// Join blocks the caller until the task identified by tid terminates, or
// the timeout elapses. The join wait-list is created lazily on first use.
func (m *Manager) Join(caller *tcb.TCB, tid int, timeout uint64) *kerr.Error {
	t, err := m.Lookup(tid)
	if err != nil {
		return err
	}
	switch t.State() {
	case tcb.PendingDeletion, tcb.ReadyToDelete:
		return kerr.ErrInvalidTid
	}
	m.mu.Lock()
	l, ok := t.JoinList.(*waitlist.List)
	if !ok {
		l = waitlist.New(tcb.WaitLink)
		t.JoinList = l
	}
	m.mu.Unlock()
	return m.s.BlockOnList(l, caller, timeout)
}

// Name returns the task's name, routed through the tid table.
func (m *Manager) Name(tid int) (string, *kerr.Error) {
	t, err := m.Lookup(tid)
	if err != nil {
		return "", err
	}
	return t.Name, nil
}

// Core returns the task's target core, or tcb.NoAffinity.
func (m *Manager) Core(tid int) (int, *kerr.Error) {
	t, err := m.Lookup(tid)
	if err != nil {
		return 0, err
	}
	return t.CoreID, nil
}

// Priority returns the task's current effective priority.
func (m *Manager) Priority(tid int) (int, *kerr.Error) {
	t, err := m.Lookup(tid)
	if err != nil {
		return 0, err
	}
	return t.EffectivePriority(), nil
}

// TLSGet reads slot i of the task's thread-local storage table.
func (m *Manager) TLSGet(tid, i int) (any, *kerr.Error) {
	t, err := m.Lookup(tid)
	if err != nil {
		return nil, err
	}
	v, ok := t.TLSGet(i)
	if !ok {
		return nil, nil
	}
	return v, nil
}

// TLSSet stores value (and an optional destructor, run at task deletion)
// into slot i of the task's TLS table.
func (m *Manager) TLSSet(tid, i int, value any, destructor func(any)) *kerr.Error {
	t, err := m.Lookup(tid)
	if err != nil {
		return err
	}
	if !t.TLSSet(i, m.cfg.NTLSSlots, value, destructor) {
		return kerr.New(kerr.OtherError, "tls slot out of range")
	}
	return nil
}

// SendMsg enqueues data on the target task's queue, routed through the tid
// table.
func (m *Manager) SendMsg(from *tcb.TCB, tid int, timeout uint64, data any) *kerr.Error {
	if _, err := m.Lookup(tid); err != nil {
		return err
	}
	m.mu.Lock()
	q := m.queues[tid]
	m.mu.Unlock()
	if q == nil {
		return kerr.ErrNoTaskQueue
	}
	return q.Send(from, timeout, data)
}

// ReceiveMsg dequeues from the calling task's own queue.
func (m *Manager) ReceiveMsg(t *tcb.TCB, timeout uint64) (any, *kerr.Error) {
	m.mu.Lock()
	q := m.queues[t.Tid]
	m.mu.Unlock()
	if q == nil {
		return nil, kerr.ErrNoTaskQueue
	}
	return q.Receive(t, timeout)
}

// Live returns the number of allocated tids, for introspection and tests.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.table {
		if t != nil {
			n++
		}
	}
	return n
}
