package sched

import (
	"fmt"

	"github.com/jasbury1/VeriOS/internal/klog"
)

// assertOrPanic reports internal state corruption: it logs at emergency
// level and aborts the kernel. Only reachable when a scheduler list's
// maintained count disagrees with its links, which no API misuse can cause.
func assertOrPanic(cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	klog.Logger().Emerg().Str("assert", msg).Log("kernel state corrupted")
	panic("sched: " + msg)
}

// CheckInvariants cross-checks the structural invariants that must hold
// after every public operation: the bitmap mirrors ready-list occupancy,
// list counts match their links, the delayed list is sorted by wakeup tick,
// and nextUnblock tracks its head. Returns a descriptive error on the first
// violation. Intended for tests and debug builds; never on the hot path.
func (s *Scheduler) CheckInvariants() error {
	s.port.EnterCritical(s.lock)
	defer s.port.ExitCritical(s.lock)

	for p := 0; p < s.maxPriorities; p++ {
		b, m := s.bitFor(p)
		set := s.bitmap[b]&m != 0
		if set != (s.ready[p].Len() > 0) {
			return fmt.Errorf("bitmap bit for priority %d is %v but ready list has %d tasks", p, set, s.ready[p].Len())
		}
		if n := s.ready[p].DebugCount(); n != s.ready[p].Len() {
			return fmt.Errorf("ready list %d count %d disagrees with links %d", p, s.ready[p].Len(), n)
		}
	}
	for _, l := range []struct {
		name string
		len  int
		n    int
	}{
		{"delayed", s.delayed.Len(), s.delayed.DebugCount()},
		{"overflow", s.overflow.Len(), s.overflow.DebugCount()},
		{"suspended", s.susplist.Len(), s.susplist.DebugCount()},
		{"deletion", s.deletion.Len(), s.deletion.DebugCount()},
	} {
		if l.len != l.n {
			return fmt.Errorf("%s list count %d disagrees with links %d", l.name, l.len, l.n)
		}
	}

	var prev uint64
	first := true
	for t := s.delayed.Head(); t != nil; t = t.Link(s.delayed.Kind()).Next {
		if !first && t.WakeupTick < prev {
			return fmt.Errorf("delayed list not sorted: %d after %d", t.WakeupTick, prev)
		}
		prev, first = t.WakeupTick, false
	}

	want := NoTimeout
	if h := s.delayed.Head(); h != nil {
		want = h.WakeupTick
	}
	if s.nextUnblock != want {
		return fmt.Errorf("nextUnblock %d, delayed head implies %d", s.nextUnblock, want)
	}
	return nil
}
