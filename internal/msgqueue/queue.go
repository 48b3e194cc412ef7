package msgqueue

import (
	"errors"

	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/klog"
	"github.com/jasbury1/VeriOS/internal/port"
	"github.com/jasbury1/VeriOS/internal/sched"
	"github.com/jasbury1/VeriOS/internal/tcb"
	"github.com/jasbury1/VeriOS/internal/waitlist"
)

// Queue is a bounded FIFO of opaque pointers with blocking send/receive.
// The queue's spin-mutex guards the FIFO and its count; the sender and
// receiver wait-lists are intrusive through the TCB wait link and, like all
// wait-lists, have their links guarded by the scheduler lock. The queue
// mutex is never held across a call into the scheduler.
type Queue struct {
	port port.Port
	s    *sched.Scheduler
	pool *Pool
	lock port.Lock

	head, tail *Message
	num, max   int
	destroyed  bool

	sendWait *waitlist.List
	recvWait *waitlist.List
}

// New allocates a queue with the given capacity, bounded by maxQueueSize.
func New(p port.Port, s *sched.Scheduler, pool *Pool, capacity, maxQueueSize int) (*Queue, *kerr.Error) {
	if p == nil || s == nil || pool == nil {
		return nil, kerr.ErrQueueNullPtr
	}
	if capacity < 1 || capacity > maxQueueSize {
		return nil, kerr.ErrInvalidQueueSize
	}
	return &Queue{
		port:     p,
		s:        s,
		pool:     pool,
		lock:     p.NewLock(),
		max:      capacity,
		sendWait: waitlist.New(tcb.WaitLink),
		recvWait: waitlist.New(tcb.WaitLink),
	}, nil
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.port.EnterCritical(q.lock)
	defer q.port.ExitCritical(q.lock)
	return q.num
}

// Cap returns the queue's capacity.
func (q *Queue) Cap() int { return q.max }

// Send enqueues data, blocking the calling task for up to timeout ticks
// while the queue is full (NoTimeout blocks indefinitely). Returns
// QueueFull when the timeout elapses with the queue still full, and
// ResourceDestroyed if the queue is deleted while waiting.
func (q *Queue) Send(t *tcb.TCB, timeout uint64, data any) *kerr.Error {
	if q == nil {
		return kerr.ErrQueueNullPtr
	}
	ts := q.s.CaptureTimeout()
	remaining := timeout
	for {
		q.port.EnterCritical(q.lock)
		if q.destroyed {
			q.port.ExitCritical(q.lock)
			return kerr.ErrResourceDestroyed
		}
		if q.num < q.max {
			m, err := q.pool.Get()
			if err != nil {
				q.port.ExitCritical(q.lock)
				return err
			}
			m.Sender = t
			m.Data = data
			if q.tail != nil {
				q.tail.next = m
			} else {
				q.head = m
			}
			q.tail = m
			q.num++
			q.port.ExitCritical(q.lock)
			q.s.WakeHighest(q.recvWait)
			return nil
		}
		q.port.ExitCritical(q.lock)

		if timeout != sched.NoTimeout && (timeout == 0 || q.s.CheckTimeout(&ts, &remaining)) {
			return kerr.ErrQueueFull
		}
		if err := q.blockOn(q.sendWait, t, remaining); err != nil {
			return err
		}
	}
}

// Receive dequeues the oldest message, blocking for up to timeout ticks
// while the queue is empty. The popped message is returned to the pool
// before the payload is handed to the caller; a waiting sender, if any, is
// woken.
func (q *Queue) Receive(t *tcb.TCB, timeout uint64) (any, *kerr.Error) {
	if q == nil {
		return nil, kerr.ErrQueueNullPtr
	}
	ts := q.s.CaptureTimeout()
	remaining := timeout
	for {
		q.port.EnterCritical(q.lock)
		if q.destroyed {
			q.port.ExitCritical(q.lock)
			return nil, kerr.ErrResourceDestroyed
		}
		if q.num > 0 {
			m := q.head
			q.head = m.next
			if q.head == nil {
				q.tail = nil
			}
			q.num--
			data := m.Data
			q.port.ExitCritical(q.lock)
			q.pool.Put(m)
			q.s.WakeHighest(q.sendWait)
			return data, nil
		}
		q.port.ExitCritical(q.lock)

		if timeout != sched.NoTimeout && (timeout == 0 || q.s.CheckTimeout(&ts, &remaining)) {
			return nil, kerr.ErrQueueEmpty
		}
		if err := q.blockOn(q.recvWait, t, remaining); err != nil {
			return nil, err
		}
	}
}

// blockOn parks t on the given wait-list. A timeout wake is not an error
// here: the caller's retry loop decides between success and
// QueueFull/QueueEmpty. Destruction wakes surface immediately.
func (q *Queue) blockOn(l *waitlist.List, t *tcb.TCB, remaining uint64) *kerr.Error {
	err := q.s.BlockOnList(l, t, remaining)
	if err == nil || errors.Is(err, kerr.ErrTimerExpired) {
		return nil
	}
	return err
}

// TrySend is the non-blocking send variant: it returns QueueFull
// immediately instead of waiting.
func (q *Queue) TrySend(t *tcb.TCB, data any) *kerr.Error {
	return q.Send(t, 0, data)
}

// TryReceive is the non-blocking receive variant: it returns QueueEmpty
// immediately instead of waiting.
func (q *Queue) TryReceive(t *tcb.TCB) (any, *kerr.Error) {
	return q.Receive(t, 0)
}

// Delete destroys the queue: every queued message returns to the pool and
// every waiting sender and receiver is woken with ResourceDestroyed.
// Further operations on the queue fail with ResourceDestroyed.
func (q *Queue) Delete() *kerr.Error {
	if q == nil {
		return kerr.ErrQueueNullPtr
	}
	q.port.EnterCritical(q.lock)
	if q.destroyed {
		q.port.ExitCritical(q.lock)
		return kerr.ErrInvalidQueue
	}
	q.destroyed = true
	head := q.head
	q.head, q.tail, q.num = nil, nil, 0
	q.port.ExitCritical(q.lock)

	for m := head; m != nil; {
		next := m.next
		q.pool.Put(m)
		m = next
	}
	senders := q.s.WakeAll(q.sendWait, kerr.ResourceDestroyed)
	receivers := q.s.WakeAll(q.recvWait, kerr.ResourceDestroyed)
	if senders+receivers > 0 {
		klog.Logger().Warning().
			Int("senders", senders).
			Int("receivers", receivers).
			Log("queue deleted with tasks waiting")
	}
	return nil
}
