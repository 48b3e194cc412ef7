package sched

import (
	"github.com/jasbury1/VeriOS/internal/tcb"
)

// ContextSwitch selects the next task to run on core. The outgoing task is
// demoted to Ready and rotated to the tail of its ready list (round-robin
// at equal priority); the incoming task is the first non-Running,
// affinity-eligible task found scanning from the highest non-empty
// priority down, falling back to the core's idle task.
//
// The whole procedure runs inside one critical section; the
// switchingContext flag guards against reentry, and a suspended core only
// records that a yield is pending.
func (s *Scheduler) ContextSwitch(core int) {
	s.port.EnterCritical(s.lock)
	cs := &s.cores[core]
	if cs.suspendDepth > 0 {
		cs.yieldPending = true
		s.port.ExitCritical(s.lock)
		return
	}
	if cs.switchingContext {
		s.port.ExitCritical(s.lock)
		return
	}
	cs.switchingContext = true

	out := s.current[core]
	if out != nil {
		if out.State() == tcb.Running {
			out.SetState(tcb.Ready)
		}
		if !out.IsIdle && out.State() == tcb.Ready && out.EffectivePriority() > 0 {
			s.ready[out.EffectivePriority()].MoveToTail(out)
		}
	}

	var chosen *tcb.TCB
	for p := s.highestReadyPrio(); p >= 0 && chosen == nil; p-- {
		if s.ready[p].Len() == 0 {
			continue
		}
		s.ready[p].Walk(func(t *tcb.TCB) bool {
			if t.State() != tcb.Running && (t.CoreID == tcb.NoAffinity || t.CoreID == core) {
				chosen = t
				return false
			}
			return true
		})
	}
	if chosen == nil {
		chosen = s.idle[core]
	}
	if chosen != nil {
		chosen.SetState(tcb.Running)
	}
	s.current[core] = chosen

	cs.switchingContext = false
	s.port.ExitCritical(s.lock)
	if chosen != nil && chosen != out {
		chosen.Deposit()
	}
}

// SuspendCore suspends scheduling on core: yields are deferred (recorded in
// yieldPending) and ticks accumulate in pendingTicks until the matching
// ResumeCore. Nestable.
func (s *Scheduler) SuspendCore(core int) {
	s.port.EnterCritical(s.lock)
	s.cores[core].suspendDepth++
	s.port.ExitCritical(s.lock)
}

// ResumeCore unwinds one SuspendCore. When the outermost suspension ends,
// the core's pending-ready tasks move to the ready set, accumulated ticks
// replay, and a deferred yield (or one made necessary by the drained work)
// fires.
func (s *Scheduler) ResumeCore(core int) {
	doYield := false
	var ipis []int
	s.port.EnterCritical(s.lock)
	cs := &s.cores[core]
	if cs.suspendDepth == 0 {
		s.port.ExitCritical(s.lock)
		return
	}
	cs.suspendDepth--
	if cs.suspendDepth > 0 {
		s.port.ExitCritical(s.lock)
		return
	}

	cur := s.current[core]
	for {
		t := cs.pendingReady.PopHead()
		if t == nil {
			break
		}
		s.readyInsertLocked(t)
		t.SetState(tcb.Ready)
		if cur == nil || cur.IsIdle || t.EffectivePriority() >= cur.EffectivePriority() {
			cs.yieldPending = true
		}
	}

	n := cs.pendingTicks
	cs.pendingTicks = 0
	for ; n > 0; n-- {
		sw, more := s.tickLocked(core)
		if sw {
			cs.yieldPending = true
		}
		ipis = append(ipis, more...)
	}

	doYield = cs.yieldPending
	cs.yieldPending = false
	s.port.ExitCritical(s.lock)
	s.yieldCores(ipis)
	if doYield {
		s.yieldCore(core)
	}
}
