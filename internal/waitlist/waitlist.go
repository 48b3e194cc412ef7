// Package waitlist implements the intrusive doubly-linked TCB list used for
// every kernel list: the per-priority ready lists, the delayed and
// suspended lists, the per-core pending-ready lists, the deletion-pending
// list, and the priority-ordered wait-lists of queues, semaphores and join.
//
// The list is intrusive: it threads through one of the TCB's two link-field
// pairs, selected at construction. A TCB can therefore be on exactly one
// scheduler list and at most one wait-list simultaneously, and membership
// checks are O(1) via the link's Owner back-reference.
//
// Callers provide their own synchronization; every kernel list is guarded
// by the scheduler's lock (or is accessed before the scheduler starts).
package waitlist

import (
	"fmt"

	"github.com/jasbury1/VeriOS/internal/tcb"
)

// List is an intrusive doubly-linked list of TCBs threaded through the
// link-field pair named by kind. Ordering is determined by which insert
// method callers use; the list itself does not enforce one.
type List struct {
	kind  tcb.ListKind
	head  *tcb.TCB
	tail  *tcb.TCB
	count int
}

// New constructs an empty list over the given link-field pair.
func New(kind tcb.ListKind) *List {
	return &List{kind: kind}
}

// Kind returns which TCB link-field pair the list threads through.
func (l *List) Kind() tcb.ListKind { return l.kind }

// Len returns the maintained element count.
func (l *List) Len() int { return l.count }

// Head returns the first element, or nil if the list is empty.
func (l *List) Head() *tcb.TCB { return l.head }

// Tail returns the last element, or nil if the list is empty.
func (l *List) Tail() *tcb.TCB { return l.tail }

// Contains reports whether t is currently on this list.
func (l *List) Contains(t *tcb.TCB) bool {
	return t != nil && t.Link(l.kind).Owner == l
}

func (l *List) checkFree(t *tcb.TCB) {
	if ln := t.Link(l.kind); ln.Owner != nil {
		panic(fmt.Sprintf("waitlist: task %q already on a list of kind %d", t.Name, l.kind))
	}
}

// Append inserts t at the tail (FIFO order).
func (l *List) Append(t *tcb.TCB) {
	l.checkFree(t)
	ln := t.Link(l.kind)
	ln.Owner = l
	ln.Next = nil
	ln.Prev = l.tail
	if l.tail != nil {
		l.tail.Link(l.kind).Next = t
	} else {
		l.head = t
	}
	l.tail = t
	l.count++
}

// insertBefore links t immediately before pos, which must be on the list.
func (l *List) insertBefore(t, pos *tcb.TCB) {
	ln := t.Link(l.kind)
	pn := pos.Link(l.kind)
	ln.Owner = l
	ln.Next = pos
	ln.Prev = pn.Prev
	if pn.Prev != nil {
		pn.Prev.Link(l.kind).Next = t
	} else {
		l.head = t
	}
	pn.Prev = t
	l.count++
}

// InsertByPriority inserts t in descending effective-priority order,
// after any existing tasks of equal priority so equal priorities wake FIFO.
func (l *List) InsertByPriority(t *tcb.TCB) {
	l.checkFree(t)
	p := t.EffectivePriority()
	for cur := l.head; cur != nil; cur = cur.Link(l.kind).Next {
		if cur.EffectivePriority() < p {
			l.insertBefore(t, cur)
			return
		}
	}
	l.Append(t)
}

// InsertByWakeup inserts t in ascending WakeupTick order, after any
// existing tasks with an equal wakeup tick.
func (l *List) InsertByWakeup(t *tcb.TCB) {
	l.checkFree(t)
	for cur := l.head; cur != nil; cur = cur.Link(l.kind).Next {
		if cur.WakeupTick > t.WakeupTick {
			l.insertBefore(t, cur)
			return
		}
	}
	l.Append(t)
}

// Remove unlinks t from the list in O(1). It is a no-op (returning false)
// if t is not on this list.
func (l *List) Remove(t *tcb.TCB) bool {
	ln := t.Link(l.kind)
	if ln.Owner != l {
		return false
	}
	if ln.Prev != nil {
		ln.Prev.Link(l.kind).Next = ln.Next
	} else {
		l.head = ln.Next
	}
	if ln.Next != nil {
		ln.Next.Link(l.kind).Prev = ln.Prev
	} else {
		l.tail = ln.Prev
	}
	ln.Prev, ln.Next, ln.Owner = nil, nil, nil
	l.count--
	return true
}

// PopHead removes and returns the first element, or nil if empty.
func (l *List) PopHead() *tcb.TCB {
	t := l.head
	if t != nil {
		l.Remove(t)
	}
	return t
}

// MoveToTail rotates t from its current position to the tail. Used for
// round-robin rotation of the outgoing task within its ready list.
func (l *List) MoveToTail(t *tcb.TCB) {
	if !l.Remove(t) {
		return
	}
	l.Append(t)
}

// Walk invokes f on every element head-to-tail until f returns false.
func (l *List) Walk(f func(t *tcb.TCB) bool) {
	for cur := l.head; cur != nil; {
		next := cur.Link(l.kind).Next
		if !f(cur) {
			return
		}
		cur = next
	}
}

// DebugCount walks the links and returns the live element count. It exists
// so tests and assertion call sites can cross-check the maintained count
// against the actual links; never called on a hot path.
func (l *List) DebugCount() int {
	n := 0
	for cur := l.head; cur != nil; cur = cur.Link(l.kind).Next {
		n++
	}
	return n
}
