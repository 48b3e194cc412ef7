package sched

import (
	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/tcb"
)

// ProcessTick is the handler the external periodic timer drives, on core 0.
// It advances the tick counter, wakes due delayed tasks, and reports
// whether the port must schedule a context switch on return from the
// interrupt. While the local core's scheduler is suspended the tick is
// only accumulated; ResumeCore replays it.
func (s *Scheduler) ProcessTick() bool {
	if !s.running.Load() {
		return false
	}
	core := s.port.GetCoreID()
	s.port.EnterCritical(s.lock)
	if s.cores[core].suspendDepth > 0 {
		s.cores[core].pendingTicks++
		s.port.ExitCritical(s.lock)
		return false
	}
	switchRequired, ipis := s.tickLocked(core)
	s.port.ExitCritical(s.lock)
	s.yieldCores(ipis)
	return switchRequired
}

// tickLocked advances the counter by one tick and processes wakeups.
// Returns whether the local core must context-switch, plus the other cores
// owed a preemption IPI by a woken task.
func (s *Scheduler) tickLocked(core int) (switchRequired bool, ipis []int) {
	now := s.tick.Add(1)
	if now == 0 {
		// Counter wrapped: cycle the two delayed lists so wakeup ticks
		// stamped past the wrap become comparable again.
		s.overflowCount.Add(1)
		s.delayed, s.overflow = s.overflow, s.delayed
	}

	cur := s.current[core]
	for {
		h := s.delayed.Head()
		if h == nil || h.WakeupTick > now {
			break
		}
		s.delayed.Remove(h)
		s.removeFromWaitListLocked(h)
		h.WakeReason.Store(int32(kerr.TimerExpired))
		s.readyInsertLocked(h)
		h.SetState(tcb.Ready)
		eligibleHere := h.CoreID == tcb.NoAffinity || h.CoreID == core
		if eligibleHere && (cur == nil || cur.IsIdle || h.EffectivePriority() >= cur.EffectivePriority()) {
			switchRequired = true
		} else if c := s.preemptTargetLocked(h); c >= 0 && c != core {
			ipis = append(ipis, c)
		}
	}
	s.updateNextUnblockLocked()

	// Time-slice: another task shares the running task's priority.
	if cur != nil && !cur.IsIdle && s.ready[cur.EffectivePriority()].Len() > 1 {
		switchRequired = true
	}
	return switchRequired, ipis
}

// updateNextUnblockLocked re-derives nextUnblock from the delayed list
// head (NoTimeout when nothing is delayed).
func (s *Scheduler) updateNextUnblockLocked() {
	if h := s.delayed.Head(); h != nil {
		s.nextUnblock = h.WakeupTick
	} else {
		s.nextUnblock = NoTimeout
	}
}

// setTickCountForTest force-sets the tick counter; used by tests exercising
// wrap behavior.
func (s *Scheduler) setTickCountForTest(v uint64) {
	s.port.EnterCritical(s.lock)
	s.tick.Store(v)
	s.port.ExitCritical(s.lock)
}

// TimeoutState captures the point a blocking operation entered its wait, so
// the remaining timeout can be re-derived across retries robustly against
// tick-counter overflow.
type TimeoutState struct {
	OverflowCount uint64
	EnteringTick  uint64
}

// CaptureTimeout snapshots the current tick position for a new blocking
// operation.
func (s *Scheduler) CaptureTimeout() TimeoutState {
	return TimeoutState{
		OverflowCount: s.overflowCount.Load(),
		EnteringTick:  s.tick.Load(),
	}
}

// CheckTimeout updates *remaining in place by the ticks elapsed since st
// was captured (or last checked) and reports whether the timeout has
// elapsed. A NoTimeout remaining never elapses. Repeated calls never
// increase *remaining.
func (s *Scheduler) CheckTimeout(st *TimeoutState, remaining *uint64) bool {
	if *remaining == NoTimeout {
		return false
	}
	now := s.tick.Load()
	oc := s.overflowCount.Load()
	elapsed := now - st.EnteringTick // wrap-correct unsigned arithmetic
	st.EnteringTick = now
	st.OverflowCount = oc
	if elapsed >= *remaining {
		*remaining = 0
		return true
	}
	*remaining -= elapsed
	return false
}
