// Package msgqueue implements the bounded FIFO message queue with blocking
// producer/consumer semantics, and the process-wide message pool backing
// it. Messages are owned by the pool when free, by a queue while enqueued,
// and momentarily by the receiver while being dequeued; they are never
// freed, only recycled.
package msgqueue

import (
	"github.com/jasbury1/VeriOS/internal/kerr"
	"github.com/jasbury1/VeriOS/internal/port"
	"github.com/jasbury1/VeriOS/internal/tcb"
)

// Message carries one queued item: the sending task, an opaque payload,
// and the single-linked next pointer threading it through a queue's FIFO
// or the pool's free list.
type Message struct {
	Sender *tcb.TCB
	Data   any
	next   *Message
}

// Pool is the process-wide free list of messages, guarded by its own
// spin-mutex. It grows by geometric slab allocation: the first exhaustion
// allocates the initial slab size, each subsequent one doubles it.
type Pool struct {
	port port.Port
	lock port.Lock

	head, tail *Message
	freeCount  int
	total      int
	nextSlab   int
}

// NewPool constructs a pool whose first slab holds initialSize messages.
func NewPool(p port.Port, initialSize int) *Pool {
	if initialSize < 1 {
		initialSize = 1
	}
	return &Pool{
		port:     p,
		lock:     p.NewLock(),
		nextSlab: initialSize,
	}
}

// Get retrieves a free message, growing the pool if exhausted.
func (p *Pool) Get() (*Message, *kerr.Error) {
	p.port.EnterCritical(p.lock)
	defer p.port.ExitCritical(p.lock)
	if p.head == nil {
		if !p.growLocked() {
			return nil, kerr.ErrMsgPoolRetrieve
		}
	}
	m := p.head
	p.head = m.next
	if p.head == nil {
		p.tail = nil
	}
	m.next = nil
	p.freeCount--
	return m, nil
}

// growLocked links a fresh slab head-to-tail onto the free list and doubles
// the next slab size.
func (p *Pool) growLocked() bool {
	n := p.nextSlab
	if n <= 0 || p.total > int(^uint(0)>>2) {
		return false
	}
	slab := make([]Message, n)
	for i := 0; i < n-1; i++ {
		slab[i].next = &slab[i+1]
	}
	if p.tail != nil {
		p.tail.next = &slab[0]
	} else {
		p.head = &slab[0]
	}
	p.tail = &slab[n-1]
	p.freeCount += n
	p.total += n
	p.nextSlab = n * 2
	return true
}

// Put recycles a message to the tail of the free list.
func (p *Pool) Put(m *Message) {
	m.Sender = nil
	m.Data = nil
	m.next = nil
	p.port.EnterCritical(p.lock)
	defer p.port.ExitCritical(p.lock)
	if p.tail != nil {
		p.tail.next = m
	} else {
		p.head = m
	}
	p.tail = m
	p.freeCount++
}

// FreeCount returns the number of messages currently on the free list.
func (p *Pool) FreeCount() int {
	p.port.EnterCritical(p.lock)
	defer p.port.ExitCritical(p.lock)
	return p.freeCount
}

// Total returns the number of messages ever allocated.
func (p *Pool) Total() int {
	p.port.EnterCritical(p.lock)
	defer p.port.ExitCritical(p.lock)
	return p.total
}
