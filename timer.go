package verios

import (
	"container/heap"
	"sync"

	"github.com/jasbury1/VeriOS/internal/kerr"
)

// TimerDaemon runs one-shot and periodic software timers off an ordinary
// kernel task created at startup. It is built purely on public Kernel
// operations: the daemon task delays one tick at a time and fires every
// armed timer whose deadline has passed. Callbacks run in the daemon
// task's context and must not block for long.
type TimerDaemon struct {
	k   *Kernel
	tid int

	mu     sync.Mutex
	timers timerHeap
	seq    uint64
}

// Timer is one armed callback.
type Timer struct {
	d         *TimerDaemon
	seq       uint64
	when      uint64
	period    uint64 // 0 for one-shot
	fn        func()
	cancelled bool
	index     int // heap index; -1 when popped
}

// StartTimerDaemon creates the timer daemon task at the given priority and
// stack size. Call after Kernel.Start.
func (k *Kernel) StartTimerDaemon(priority, stackWords int) (*TimerDaemon, *kerr.Error) {
	d := &TimerDaemon{k: k}
	tid, err := k.CreateTask(d.run, nil, "TMR_DAEMON", priority, stackWords, 0, NoAffinity)
	if err != nil {
		return nil, err
	}
	d.tid = tid
	return d, nil
}

// Tid returns the daemon task's tid.
func (d *TimerDaemon) Tid() int { return d.tid }

func (d *TimerDaemon) run(any) {
	for {
		if err := d.k.Delay(1); err != nil {
			return
		}
		now := d.k.TickCount()
		for {
			d.mu.Lock()
			if d.timers.Len() == 0 || d.timers[0].when > now {
				d.mu.Unlock()
				break
			}
			t := heap.Pop(&d.timers).(*Timer)
			if t.cancelled {
				d.mu.Unlock()
				continue
			}
			if t.period > 0 {
				t.when = now + t.period
				heap.Push(&d.timers, t)
			}
			fn := t.fn
			d.mu.Unlock()
			fn()
		}
	}
}

func (d *TimerDaemon) arm(ticks, period uint64, fn func()) *Timer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	t := &Timer{
		d:      d,
		seq:    d.seq,
		when:   d.k.TickCount() + ticks,
		period: period,
		fn:     fn,
	}
	heap.Push(&d.timers, t)
	return t
}

// After arms a one-shot timer firing fn after ticks ticks.
func (d *TimerDaemon) After(ticks uint64, fn func()) *Timer {
	return d.arm(ticks, 0, fn)
}

// Every arms a periodic timer firing fn every period ticks, the first time
// after one full period.
func (d *TimerDaemon) Every(period uint64, fn func()) *Timer {
	if period == 0 {
		period = 1
	}
	return d.arm(period, period, fn)
}

// Stop cancels the timer; a periodic timer stops rearming. Safe to call
// from any context, including the timer's own callback.
func (t *Timer) Stop() {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	t.cancelled = true
	t.period = 0
}

// timerHeap is a min-heap on (when, seq); seq breaks ties so timers armed
// for the same tick fire in arming order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when != h[j].when {
		return h[i].when < h[j].when
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
