package sched

import (
	"github.com/jasbury1/VeriOS/internal/klog"
	"github.com/jasbury1/VeriOS/internal/tcb"
)

// Inherit raises holder's effective priority to waiterPrio when a
// higher-priority task blocks on a mutex holder. The holder's base priority
// is preserved; its ready-list membership is re-sorted if it has one. A
// holder blocked on some other wait-list keeps its position there (the
// stored priority alone changes).
func (s *Scheduler) Inherit(holder *tcb.TCB, waiterPrio int) {
	s.port.EnterCritical(s.lock)
	cur := holder.EffectivePriority()
	if waiterPrio <= cur {
		s.port.ExitCritical(s.lock)
		return
	}
	s.repositionLocked(holder, waiterPrio)
	s.port.ExitCritical(s.lock)
	if s.inversionLog.Allow("priority-inversion") {
		klog.Logger().Notice().
			Str("task", holder.Name).
			Int("from", cur).
			Int("to", waiterPrio).
			Log("mutex holder inherited priority")
	}
}

// MutexAcquired records that holder now owns one more mutex.
func (s *Scheduler) MutexAcquired(holder *tcb.TCB) {
	s.port.EnterCritical(s.lock)
	holder.MutexesHeld++
	s.port.ExitCritical(s.lock)
}

// Disinherit records a mutex release by holder. Only when the last held
// mutex is released does the holder revert to its base priority, which
// re-sorts its ready-list membership.
func (s *Scheduler) Disinherit(holder *tcb.TCB) {
	reverted := false
	var from, to int
	s.port.EnterCritical(s.lock)
	if holder.MutexesHeld > 0 {
		holder.MutexesHeld--
	}
	if holder.MutexesHeld == 0 {
		from, to = holder.EffectivePriority(), int(holder.BasePriority)
		if from != to {
			s.repositionLocked(holder, to)
			reverted = true
		}
	}
	s.port.ExitCritical(s.lock)
	if reverted {
		klog.Logger().Notice().
			Str("task", holder.Name).
			Int("from", from).
			Int("to", to).
			Log("mutex holder reverted to base priority")
	}
}
