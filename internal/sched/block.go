package sched

import (
	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/tcb"
	"github.com/jasbury1/VeriOS/internal/waitlist"
)

// Block takes the calling task out of scheduling for up to ticks ticks: a
// finite timeout delays it, NoTimeout suspends it. The call parks the
// task's driver until a context switch makes the task Running again, and
// returns nil when the task was woken by the awaited event, or the staged
// wake reason (TimerExpired, ResourceDestroyed) otherwise.
//
// Blocking IPC paths call this with no object lock held: the object's
// spin-mutex is released before the scheduler lock is taken.
func (s *Scheduler) Block(t *tcb.TCB, ticks uint64) *kerr.Error {
	return s.BlockOnList(nil, t, ticks)
}

// BlockOnList is Block with an additional wait-list registration: t is
// appended to l (priority-ordered) inside the same critical section that
// takes it off the ready set, so no wakeup can slip between the two.
func (s *Scheduler) BlockOnList(l *waitlist.List, t *tcb.TCB, ticks uint64) *kerr.Error {
	if !s.running.Load() {
		return kerr.ErrSchedulerStopped
	}
	if t.IsIdle {
		return kerr.ErrInvalidTaskState
	}
	s.port.EnterCritical(s.lock)
	switch t.State() {
	case tcb.PendingDeletion, tcb.ReadyToDelete:
		s.port.ExitCritical(s.lock)
		return kerr.ErrDeletedTask
	}
	t.WakeReason.Store(0)
	// Clear any stale resume token from an earlier dispatch, so the park
	// below only returns on a wake that happens after this block.
	select {
	case <-t.Resume:
	default:
	}
	if l != nil && !l.Contains(t) {
		l.InsertByPriority(t)
	}
	s.readyRemoveLocked(t)
	if ticks == NoTimeout {
		s.susplist.Append(t)
		t.SetState(tcb.Suspended)
	} else {
		s.delayInsertLocked(t, ticks)
		t.SetState(tcb.Delayed)
	}
	yield := s.currentCoreOfLocked(t)
	s.port.ExitCritical(s.lock)
	if yield >= 0 {
		s.yieldCore(yield)
	}
	for {
		t.Park()
		switch t.State() {
		case tcb.Delayed, tcb.Suspended, tcb.PendingReady:
			// Stale token from an earlier dispatch; still blocked.
			continue
		}
		break
	}
	if code := kerr.Code(t.WakeReason.Load()); code != 0 {
		return kerr.FromCode(code)
	}
	return nil
}

// removeFromWaitListLocked takes t off whatever wait-list it sits on.
// No-op when t is not waiting.
func (s *Scheduler) removeFromWaitListLocked(t *tcb.TCB) {
	owner, ok := t.OnWaitList()
	if !ok {
		return
	}
	if l, ok := owner.(*waitlist.List); ok {
		l.Remove(t)
	}
}

// WakeHighest pops the highest-priority waiter from l, makes it runnable,
// and returns it (nil if l is empty). The woken task observes a nil error
// from its Block call; a core is yielded if the waiter preempts it.
func (s *Scheduler) WakeHighest(l *waitlist.List) *tcb.TCB {
	yield := -1
	s.port.EnterCritical(s.lock)
	t := l.PopHead()
	if t != nil {
		s.unblockLocked(t, 0)
		if s.running.Load() {
			yield = s.preemptTargetLocked(t)
		}
	}
	s.port.ExitCritical(s.lock)
	if yield >= 0 {
		s.yieldCore(yield)
	}
	return t
}

// WakeAll drains l, waking every waiter with the given reason (typically
// ResourceDestroyed when the awaited object is being deleted).
func (s *Scheduler) WakeAll(l *waitlist.List, code kerr.Code) int {
	var yields []int
	n := 0
	s.port.EnterCritical(s.lock)
	for {
		t := l.PopHead()
		if t == nil {
			break
		}
		s.unblockLocked(t, code)
		n++
		if s.running.Load() {
			if c := s.preemptTargetLocked(t); c >= 0 {
				yields = append(yields, c)
			}
		}
	}
	s.port.ExitCritical(s.lock)
	s.yieldCores(yields)
	return n
}

// unblockLocked transitions a blocked task back to runnable with the given
// wake reason: off the delayed/overflow or suspended list, onto the ready
// set (or the local pending-ready list when that core's scheduler is
// suspended). Already-runnable tasks only have the reason updated.
func (s *Scheduler) unblockLocked(t *tcb.TCB, code kerr.Code) {
	t.WakeReason.Store(int32(code))
	switch t.State() {
	case tcb.Delayed:
		if !s.delayed.Remove(t) {
			s.overflow.Remove(t)
		}
		s.updateNextUnblockLocked()
	case tcb.Suspended:
		s.susplist.Remove(t)
	case tcb.Ready, tcb.Running, tcb.PendingReady:
		return
	default:
		return
	}
	s.wakeLocked(t)
	if !s.running.Load() || s.currentCoreOfLocked(t) >= 0 {
		// Woken before dispatch ever moved on (or pre-start): hand the
		// token straight back so a parked driver does not deadlock.
		t.Deposit()
	}
}
