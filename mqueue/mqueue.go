// Package mqueue is the kernel's per-task bounded message queue (spec
// component C7): a fixed-capacity FIFO ring of typed messages. The
// head/tail-counters-past-capacity idiom (rather than modular
// wrap-then-compare) is grounded on the teacher's circbuf.go
// (Circbuf_t.Full/Empty compare head-tail directly against bufsz);
// the plain slice-backed ring shape is grounded on the original
// kernel's queue.c/queue.h generic queue_t.
package mqueue

import "ilo/defs"

// Type enumerates the five message kinds spec.md §3 defines.
type Type int

const (
	Signal Type = iota
	Int
	Pointer
	Data
	Interrupt
)

// Message is the unit of IPC, per spec.md §3: a sender pid, a type
// tag, and the opaque (payload, metadata) pair whose meaning depends
// on Type (see the ipc package for how Pointer/Data payloads are
// resolved against frames).
type Message struct {
	SourcePid int32
	Type      Type
	Payload   uint64
	Metadata  uint64
}

// Queue is a bounded FIFO of Messages owned by one task.
type Queue struct {
	buf        []Message
	head, tail int /// ever-increasing counters; index is mod len(buf)
}

// New returns an empty queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		panic("mqueue: capacity must be positive")
	}
	return &Queue{buf: make([]Message, capacity)}
}

// Cap reports the queue's fixed capacity.
func (q *Queue) Cap() int { return len(q.buf) }

// Len reports the number of messages currently queued.
func (q *Queue) Len() int { return q.head - q.tail }

// Full reports whether the queue currently rejects a non-blocking
// enqueue, per spec.md §3's MessageQueue invariant.
func (q *Queue) Full() bool { return q.Len() == len(q.buf) }

// Empty reports whether the queue has no pending message.
func (q *Queue) Empty() bool { return q.Len() == 0 }

// Enqueue appends msg to the tail of the queue, failing with Full if
// there is no room.
func (q *Queue) Enqueue(msg Message) defs.Err_t {
	if q.Full() {
		return defs.EFULL
	}
	q.buf[q.head%len(q.buf)] = msg
	q.head++
	return 0
}

// Dequeue pops and returns the oldest pending message, or ok=false if
// the queue is empty.
func (q *Queue) Dequeue() (msg Message, ok bool) {
	if q.Empty() {
		return Message{}, false
	}
	msg = q.buf[q.tail%len(q.buf)]
	q.tail++
	return msg, true
}

// Drain empties the queue, discarding every pending message, and
// returns how many were dropped — used by Kill, per spec.md §4.5
// ("drain its message queue").
func (q *Queue) Drain() int {
	n := q.Len()
	q.head, q.tail = 0, 0
	return n
}
