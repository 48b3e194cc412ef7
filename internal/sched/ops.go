package sched

import (
	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/klog"
	"github.com/jasbury1/VeriOS/internal/tcb"
)

// AddTask inserts t into the ready set. Before the scheduler starts, t may
// become the pre-start current task of its assigned core (the highest
// priority seen so far for that core); once running, a core is yielded if t
// preempts its current task.
func (s *Scheduler) AddTask(t *tcb.TCB) *kerr.Error {
	p := t.EffectivePriority()
	if p < 0 || p >= s.maxPriorities {
		return kerr.ErrInvalidPriority
	}
	yield := -1
	s.port.EnterCritical(s.lock)
	s.readyInsertLocked(t)
	t.SetState(tcb.Ready)
	if !s.running.Load() {
		s.placePreStartLocked(t)
	} else {
		yield = s.preemptTargetLocked(t)
	}
	s.port.ExitCritical(s.lock)
	if yield >= 0 {
		s.yieldCore(yield)
	}
	return nil
}

// RemoveTask takes t out of scheduling for deletion. If t is currently
// running on a core it enters PendingDeletion (the core is yielded and a
// later idle pass frees it); otherwise it is marked ReadyToDelete and the
// caller may free it inline.
func (s *Scheduler) RemoveTask(t *tcb.TCB) *kerr.Error {
	if t.IsIdle {
		return kerr.ErrIdleDelete
	}
	yield := -1
	s.port.EnterCritical(s.lock)
	switch t.State() {
	case tcb.PendingDeletion, tcb.ReadyToDelete:
		s.port.ExitCritical(s.lock)
		return kerr.ErrDoubleDelete
	}
	s.detachLocked(t)
	s.removeFromWaitListLocked(t)
	if c := s.currentCoreOfLocked(t); c >= 0 && s.running.Load() {
		t.SetState(tcb.PendingDeletion)
		s.deletion.Append(t)
		s.deletionsPending++
		yield = c
	} else {
		if c := s.currentCoreOfLocked(t); c >= 0 {
			s.current[c] = nil
		}
		t.SetState(tcb.ReadyToDelete)
	}
	s.port.ExitCritical(s.lock)
	if yield >= 0 {
		s.yieldCore(yield)
	}
	return nil
}

// detachLocked removes t from whichever scheduler list its state implies,
// and keeps nextUnblock coherent when the delayed list changes.
func (s *Scheduler) detachLocked(t *tcb.TCB) {
	switch t.State() {
	case tcb.Ready, tcb.Running:
		s.readyRemoveLocked(t)
	case tcb.Delayed:
		if !s.delayed.Remove(t) {
			s.overflow.Remove(t)
		}
		s.updateNextUnblockLocked()
	case tcb.Suspended:
		s.susplist.Remove(t)
	case tcb.PendingReady:
		for c := range s.cores {
			if s.cores[c].pendingReady.Remove(t) {
				break
			}
		}
	}
}

// CollectDeletable drains the deletion-pending list of tasks that have
// reached their safe point (no longer current on any core), marking each
// ReadyToDelete and returning them for the caller (the idle task's reap
// pass) to free.
func (s *Scheduler) CollectDeletable() []*tcb.TCB {
	var out []*tcb.TCB
	s.port.EnterCritical(s.lock)
	s.deletion.Walk(func(t *tcb.TCB) bool {
		if s.currentCoreOfLocked(t) < 0 {
			s.deletion.Remove(t)
			s.deletionsPending--
			assertOrPanic(s.deletionsPending >= 0, "deletion counter underflow")
			t.SetState(tcb.ReadyToDelete)
			out = append(out, t)
		}
		return true
	})
	s.port.ExitCritical(s.lock)
	return out
}

// DeletionsPending returns the number of tasks awaiting an idle reap pass.
func (s *Scheduler) DeletionsPending() int {
	s.port.EnterCritical(s.lock)
	defer s.port.ExitCritical(s.lock)
	return s.deletionsPending
}

// DelayTask moves a ready or running task onto the delayed list for ticks
// ticks. A zero delay only forces a yield; the task stays Ready. The
// caller's core is yielded when t is its current task.
func (s *Scheduler) DelayTask(t *tcb.TCB, ticks uint64) *kerr.Error {
	if !s.running.Load() {
		return kerr.ErrSchedulerStopped
	}
	if ticks == NoTimeout {
		return kerr.ErrInvalidDelay
	}
	if t.IsIdle {
		return kerr.ErrInvalidTaskState
	}
	yield := -1
	s.port.EnterCritical(s.lock)
	switch t.State() {
	case tcb.Delayed:
		s.port.ExitCritical(s.lock)
		return kerr.ErrDelayedTask
	case tcb.Suspended, tcb.PendingReady:
		s.port.ExitCritical(s.lock)
		return kerr.ErrSuspendedTask
	case tcb.PendingDeletion, tcb.ReadyToDelete:
		s.port.ExitCritical(s.lock)
		return kerr.ErrDeletedTask
	}
	if ticks == 0 {
		yield = s.currentCoreOfLocked(t)
		s.port.ExitCritical(s.lock)
		if yield >= 0 {
			s.yieldCore(yield)
		}
		return nil
	}
	s.readyRemoveLocked(t)
	s.delayInsertLocked(t, ticks)
	t.SetState(tcb.Delayed)
	yield = s.currentCoreOfLocked(t)
	s.port.ExitCritical(s.lock)
	if yield >= 0 {
		s.yieldCore(yield)
	}
	return nil
}

// delayInsertLocked stamps t's wakeup tick and inserts it into the correct
// delayed list: wakeups whose tick arithmetic wrapped past the counter go
// into the overflow list, cycled in at the next counter wrap.
func (s *Scheduler) delayInsertLocked(t *tcb.TCB, ticks uint64) {
	now := s.tick.Load()
	t.WakeupTick = now + ticks
	if t.WakeupTick < now {
		s.overflow.InsertByWakeup(t)
	} else {
		s.delayed.InsertByWakeup(t)
	}
	s.updateNextUnblockLocked()
}

// SuspendTask moves t onto the suspended list with no timeout. Works from
// Ready, Running or Delayed (abandoning the pending wakeup); the caller's
// core is yielded when t is its current task.
func (s *Scheduler) SuspendTask(t *tcb.TCB) *kerr.Error {
	if !s.running.Load() {
		return kerr.ErrSchedulerStopped
	}
	if t.IsIdle {
		return kerr.ErrInvalidTaskState
	}
	yield := -1
	s.port.EnterCritical(s.lock)
	switch t.State() {
	case tcb.Suspended, tcb.PendingReady:
		s.port.ExitCritical(s.lock)
		return kerr.ErrSuspendedTask
	case tcb.PendingDeletion, tcb.ReadyToDelete:
		s.port.ExitCritical(s.lock)
		return kerr.ErrDeletedTask
	}
	s.detachLocked(t)
	s.susplist.Append(t)
	t.SetState(tcb.Suspended)
	yield = s.currentCoreOfLocked(t)
	s.port.ExitCritical(s.lock)
	if yield >= 0 {
		s.yieldCore(yield)
	}
	return nil
}

// ResumeTask moves a suspended (or pending-ready) task back to the ready
// set, yielding a core if the resumed task preempts it.
func (s *Scheduler) ResumeTask(t *tcb.TCB) *kerr.Error {
	yield := -1
	s.port.EnterCritical(s.lock)
	switch t.State() {
	case tcb.Running:
		s.port.ExitCritical(s.lock)
		return kerr.ErrRunningTask
	case tcb.Ready:
		s.port.ExitCritical(s.lock)
		return kerr.ErrReadyTask
	case tcb.Delayed:
		s.port.ExitCritical(s.lock)
		return kerr.ErrDelayedTask
	case tcb.PendingDeletion, tcb.ReadyToDelete:
		s.port.ExitCritical(s.lock)
		return kerr.ErrDeletedTask
	}
	s.detachLocked(t)
	s.wakeLocked(t)
	if s.running.Load() {
		yield = s.preemptTargetLocked(t)
	}
	s.port.ExitCritical(s.lock)
	if yield >= 0 {
		s.yieldCore(yield)
	}
	return nil
}

// ChangePriority updates t's base priority, and its effective priority
// whenever no inheritance is active. Ready-list membership is re-sorted and
// a core is yielded if the change makes preemption necessary. Idempotent
// when the priority is unchanged.
func (s *Scheduler) ChangePriority(t *tcb.TCB, newPrio int) *kerr.Error {
	if newPrio < 0 || newPrio >= s.maxPriorities {
		return kerr.ErrInvalidPriority
	}
	if t.IsIdle || (newPrio == 0 && !t.IsIdle) {
		return kerr.ErrReservedPriority
	}
	yield := -1
	s.port.EnterCritical(s.lock)
	oldBase := int(t.BasePriority)
	inheriting := t.EffectivePriority() != oldBase
	t.BasePriority = int32(newPrio)
	if !inheriting && t.EffectivePriority() != newPrio {
		wasCurrent := s.currentCoreOfLocked(t)
		s.repositionLocked(t, newPrio)
		if s.running.Load() {
			switch {
			case wasCurrent >= 0:
				// lowered (or raised) the running task: re-evaluate its core
				if hp := s.highestReadyPrio(); hp > newPrio {
					yield = wasCurrent
				}
			default:
				yield = s.preemptTargetLocked(t)
			}
		}
	}
	s.port.ExitCritical(s.lock)
	if yield >= 0 {
		s.yieldCore(yield)
	}
	klog.Logger().Info().
		Str("task", t.Name).
		Int("base", newPrio).
		Log("task priority changed")
	return nil
}
