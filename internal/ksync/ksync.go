// Package ksync implements the counting semaphore and the
// priority-inheritance mutex layered on it. Both wake waiters in strict
// priority order, FIFO within equal priority, via the shared wait-list
// utility.
package ksync

import (
	"errors"

	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/port"
	"github.com/jasbury1/VeriOS/internal/sched"
	"github.com/jasbury1/VeriOS/internal/tcb"
	"github.com/jasbury1/VeriOS/internal/waitlist"
)

// Semaphore is a counting semaphore: a non-negative counter plus a
// priority-ordered wait-list, guarded by its own spin-mutex. The mutex is
// never held across a call into the scheduler.
type Semaphore struct {
	port port.Port
	s    *sched.Scheduler
	lock port.Lock

	count     int
	destroyed bool
	waiters   *waitlist.List

	// holder is only maintained by the Mutex wrapper.
	holder *tcb.TCB
}

// NewSemaphore constructs a semaphore with the given initial count.
func NewSemaphore(p port.Port, s *sched.Scheduler, initial int) (*Semaphore, *kerr.Error) {
	if p == nil || s == nil {
		return nil, kerr.ErrSemAlloc
	}
	if initial < 0 {
		return nil, kerr.ErrInvalidSem
	}
	return &Semaphore{
		port:    p,
		s:       s,
		lock:    p.NewLock(),
		count:   initial,
		waiters: waitlist.New(tcb.WaitLink),
	}, nil
}

// Count returns the current counter value.
func (sem *Semaphore) Count() int {
	sem.port.EnterCritical(sem.lock)
	defer sem.port.ExitCritical(sem.lock)
	return sem.count
}

// Take decrements the counter, blocking the calling task for up to timeout
// ticks while it is zero (NoTimeout blocks indefinitely). Returns
// TimerExpired when the timeout elapses and ResourceDestroyed if the
// semaphore is deleted while waiting.
func (sem *Semaphore) Take(t *tcb.TCB, timeout uint64) *kerr.Error {
	if sem == nil {
		return kerr.ErrInvalidSem
	}
	ts := sem.s.CaptureTimeout()
	remaining := timeout
	for {
		sem.port.EnterCritical(sem.lock)
		if sem.destroyed {
			sem.port.ExitCritical(sem.lock)
			return kerr.ErrResourceDestroyed
		}
		if sem.count > 0 {
			sem.count--
			sem.port.ExitCritical(sem.lock)
			return nil
		}
		sem.port.ExitCritical(sem.lock)

		if timeout != sched.NoTimeout && (timeout == 0 || sem.s.CheckTimeout(&ts, &remaining)) {
			return kerr.ErrTimerExpired
		}
		err := sem.s.BlockOnList(sem.waiters, t, remaining)
		if err != nil && !errors.Is(err, kerr.ErrTimerExpired) {
			return err
		}
	}
}

// TryTake is the non-blocking variant: it returns TimerExpired immediately
// instead of waiting.
func (sem *Semaphore) TryTake(t *tcb.TCB) *kerr.Error {
	return sem.Take(t, 0)
}

// Release increments the counter and wakes the highest-priority waiter, if
// any, which retries its take.
func (sem *Semaphore) Release() *kerr.Error {
	if sem == nil {
		return kerr.ErrInvalidSem
	}
	sem.port.EnterCritical(sem.lock)
	if sem.destroyed {
		sem.port.ExitCritical(sem.lock)
		return kerr.ErrResourceDestroyed
	}
	sem.count++
	sem.port.ExitCritical(sem.lock)
	sem.s.WakeHighest(sem.waiters)
	return nil
}

// Delete destroys the semaphore, waking every waiter with
// ResourceDestroyed.
func (sem *Semaphore) Delete() *kerr.Error {
	if sem == nil {
		return kerr.ErrInvalidSem
	}
	sem.port.EnterCritical(sem.lock)
	if sem.destroyed {
		sem.port.ExitCritical(sem.lock)
		return kerr.ErrInvalidSem
	}
	sem.destroyed = true
	sem.port.ExitCritical(sem.lock)
	sem.s.WakeAll(sem.waiters, kerr.ResourceDestroyed)
	return nil
}

// Mutex is a semaphore initialized to one, with ownership tracking and
// priority inheritance: a taker outprioritizing the holder raises the
// holder's effective priority until its last mutex is released. Release by
// the holder is a caller contract, not enforced here.
type Mutex struct {
	sem *Semaphore
}

// NewMutex constructs an unlocked mutex.
func NewMutex(p port.Port, s *sched.Scheduler) (*Mutex, *kerr.Error) {
	sem, err := NewSemaphore(p, s, 1)
	if err != nil {
		return nil, err
	}
	return &Mutex{sem: sem}, nil
}

// Holder returns the task currently owning the mutex, or nil.
func (m *Mutex) Holder() *tcb.TCB {
	m.sem.port.EnterCritical(m.sem.lock)
	defer m.sem.port.ExitCritical(m.sem.lock)
	return m.sem.holder
}

// Take acquires the mutex, applying priority inheritance to the current
// holder before blocking when the caller outprioritizes it.
func (m *Mutex) Take(t *tcb.TCB, timeout uint64) *kerr.Error {
	if m == nil || m.sem == nil {
		return kerr.ErrInvalidSem
	}
	sem := m.sem
	ts := sem.s.CaptureTimeout()
	remaining := timeout
	for {
		sem.port.EnterCritical(sem.lock)
		if sem.destroyed {
			sem.port.ExitCritical(sem.lock)
			return kerr.ErrResourceDestroyed
		}
		if sem.count > 0 {
			sem.count--
			sem.holder = t
			sem.port.ExitCritical(sem.lock)
			sem.s.MutexAcquired(t)
			return nil
		}
		holder := sem.holder
		sem.port.ExitCritical(sem.lock)

		if holder != nil && holder != t {
			sem.s.Inherit(holder, t.EffectivePriority())
		}
		if timeout != sched.NoTimeout && (timeout == 0 || sem.s.CheckTimeout(&ts, &remaining)) {
			return kerr.ErrTimerExpired
		}
		err := sem.s.BlockOnList(sem.waiters, t, remaining)
		if err != nil && !errors.Is(err, kerr.ErrTimerExpired) {
			return err
		}
	}
}

// Release unlocks the mutex: the holder's inheritance is reverted (once its
// last mutex is gone) and the highest-priority waiter is woken.
func (m *Mutex) Release(t *tcb.TCB) *kerr.Error {
	if m == nil || m.sem == nil {
		return kerr.ErrInvalidSem
	}
	sem := m.sem
	sem.port.EnterCritical(sem.lock)
	if sem.destroyed {
		sem.port.ExitCritical(sem.lock)
		return kerr.ErrResourceDestroyed
	}
	sem.holder = nil
	sem.count++
	sem.port.ExitCritical(sem.lock)
	sem.s.Disinherit(t)
	sem.s.WakeHighest(sem.waiters)
	return nil
}

// Delete destroys the mutex, waking every waiter with ResourceDestroyed.
func (m *Mutex) Delete() *kerr.Error { return m.sem.Delete() }
