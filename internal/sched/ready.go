package sched

import (
	"math/bits"

	"github.com/jasbury1/VeriOS/internal/tcb"
)

// The ready bitmap maps priority p to bit index maxPriorities-1-p: byte
// (idx/8), bit (idx%8) counted from the MSB. The highest non-empty priority
// is therefore the leftmost set bit of the lowest-indexed non-zero byte.
// The bitmap only accelerates the lookup; the task actually dispatched is
// always chosen by scanning the ready list at that priority.

func (s *Scheduler) bitFor(prio int) (byteIdx int, mask byte) {
	idx := s.maxPriorities - 1 - prio
	return idx / 8, 0x80 >> (idx % 8)
}

func (s *Scheduler) setReadyBit(prio int) {
	b, m := s.bitFor(prio)
	s.bitmap[b] |= m
}

func (s *Scheduler) clearReadyBit(prio int) {
	b, m := s.bitFor(prio)
	s.bitmap[b] &^= m
}

// highestReadyPrio returns the highest priority with a non-empty ready
// list, or -1 if every ready list is empty.
func (s *Scheduler) highestReadyPrio() int {
	for b := 0; b < len(s.bitmap); b++ {
		if s.bitmap[b] != 0 {
			idx := 8*b + bits.LeadingZeros8(s.bitmap[b])
			return s.maxPriorities - 1 - idx
		}
	}
	return -1
}

// readyInsertLocked appends t to the tail of its priority's ready list and
// sets the priority's bitmap bit. It does not touch t's state; callers do.
func (s *Scheduler) readyInsertLocked(t *tcb.TCB) {
	p := t.EffectivePriority()
	s.ready[p].Append(t)
	s.setReadyBit(p)
}

// readyRemoveLocked unlinks t from its ready list, clearing the bitmap bit
// if the list empties. Returns false if t was not on a ready list.
func (s *Scheduler) readyRemoveLocked(t *tcb.TCB) bool {
	p := t.EffectivePriority()
	if !s.ready[p].Remove(t) {
		return false
	}
	if s.ready[p].Len() == 0 {
		s.clearReadyBit(p)
	}
	return true
}

// repositionLocked moves t to newPrio, re-sorting its ready-list membership
// if it has one. Centralizes the re-sort shared by change_priority and the
// inheritance paths. Tasks blocked on a wait-list keep their list position;
// only the stored priority changes.
func (s *Scheduler) repositionLocked(t *tcb.TCB, newPrio int) {
	onReady := s.readyRemoveLocked(t)
	t.SetEffectivePriority(newPrio)
	if onReady {
		s.readyInsertLocked(t)
	}
}

// wakeLocked makes t runnable: onto the local core's pending-ready list if
// that core's scheduler is suspended, otherwise onto the ready list. t must
// not be on any scheduler list.
func (s *Scheduler) wakeLocked(t *tcb.TCB) {
	local := s.port.GetCoreID()
	if s.running.Load() && s.cores[local].suspendDepth > 0 {
		s.cores[local].pendingReady.Append(t)
		t.SetState(tcb.PendingReady)
		return
	}
	s.readyInsertLocked(t)
	t.SetState(tcb.Ready)
}

// preemptTargetLocked returns the core that should yield because t became
// runnable, or -1 when no preemption is required. For NoAffinity tasks the
// core whose current task has the lowest effective priority is chosen; a
// core running its idle task (or nothing) is always preferred.
func (s *Scheduler) preemptTargetLocked(t *tcb.TCB) int {
	p := t.EffectivePriority()
	best, bestPrio := -1, int(^uint(0)>>1)
	for c := 0; c < s.numCores; c++ {
		if t.CoreID != tcb.NoAffinity && t.CoreID != c {
			continue
		}
		cur := s.current[c]
		curPrio := -1
		if cur != nil && !cur.IsIdle {
			curPrio = cur.EffectivePriority()
		}
		if curPrio < bestPrio {
			best, bestPrio = c, curPrio
		}
	}
	if best >= 0 && p > bestPrio {
		return best
	}
	return -1
}

// placePreStartLocked records t as a core's current task before the
// scheduler starts, so the highest-priority task seen so far for each core
// is the one Start dispatches first.
func (s *Scheduler) placePreStartLocked(t *tcb.TCB) {
	best, bestPrio := -1, int(^uint(0)>>1)
	for c := 0; c < s.numCores; c++ {
		if t.CoreID != tcb.NoAffinity && t.CoreID != c {
			continue
		}
		cur := s.current[c]
		curPrio := -1
		if cur != nil {
			curPrio = cur.EffectivePriority()
		}
		if curPrio < bestPrio {
			best, bestPrio = c, curPrio
		}
	}
	if best >= 0 && t.EffectivePriority() > bestPrio {
		s.current[best] = t
	}
}

// currentCoreOfLocked returns the core t is current on, or -1.
func (s *Scheduler) currentCoreOfLocked(t *tcb.TCB) int {
	for c := 0; c < s.numCores; c++ {
		if s.current[c] == t {
			return c
		}
	}
	return -1
}
