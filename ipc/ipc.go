// Package ipc is the kernel's message-passing engine (spec component
// C8): send/recv semantics layered over mqueue's bounded FIFOs,
// including the Pointer-share and Data-copy page transfer rules.
// Grounded directly on the original kernel's interrupt.c send/recv
// syscall bodies — the same validate-then-enqueue / drain-then-map
// shape, including the exact Pointer (share, incr refcount) vs Data
// (copy into a fresh kernel-allocated frame) distinction and the
// Stale-on-dead-sender edge case.
package ipc

import (
	"ilo/defs"
	"ilo/frame"
	"ilo/limits"
	"ilo/mqueue"
	"ilo/ptable"
	"ilo/task"
)

// Engine owns one mqueue.Queue per task slot and mediates every
// send/recv against the task table and frame allocator.
type Engine struct {
	tasks  *task.Table
	alloc  *frame.Allocator
	queues []*mqueue.Queue
	budget *limits.Atomic /// system-wide in-flight-message ceiling; nil admits unconditionally
}

// NewEngine allocates one queue of the given depth per task-table
// slot.
func NewEngine(tasks *task.Table, alloc *frame.Allocator, queueDepth int) *Engine {
	queues := make([]*mqueue.Queue, tasks.Len())
	for i := range queues {
		queues[i] = mqueue.New(queueDepth)
	}
	return &Engine{tasks: tasks, alloc: alloc, queues: queues}
}

// QueueFor exposes a task's queue (the scheduler's lazy wake-up scan
// needs to peek at Full/Empty without going through Send/Recv).
func (e *Engine) QueueFor(pid int32) *mqueue.Queue {
	if pid < 0 || int(pid) >= len(e.queues) {
		return nil
	}
	return e.queues[pid]
}

// SetBudget installs a system-wide admission ceiling on in-flight
// messages across every queue this engine owns, per limits.System's
// Queues counter. A nil budget (the default) admits unconditionally;
// per-queue depth is still enforced independently by mqueue.Queue
// itself.
func (e *Engine) SetBudget(b *limits.Atomic) { e.budget = b }

// AdmitEnqueue consults the system-wide queue budget before a message
// is actually placed into a queue. The scheduler's lazy BlockedSend
// wake-up path enqueues a parked sender's message directly (bypassing
// Send), so it calls this too rather than duplicating the bookkeeping.
func (e *Engine) AdmitEnqueue() bool {
	if e.budget == nil {
		return true
	}
	return e.budget.Take()
}

// ReleaseDequeue credits the system-wide queue budget back after a
// message is drained, freeing the slot AdmitEnqueue charged.
func (e *Engine) ReleaseDequeue() {
	if e.budget != nil {
		e.budget.Give()
	}
}

// Send implements spec.md §4.8's send algorithm. On success it
// returns 0; if the queue is full and blocking is requested it
// transitions the sender to BlockedSend and returns 0 (the trap
// dispatcher observes the new State and yields); if full and
// non-blocking it returns Full without mutating sender state.
func (e *Engine) Send(senderPid, targetPid int32, typ mqueue.Type, payload, metadata uint64, blocking bool) defs.Err_t {
	target := e.tasks.Get(targetPid)
	if target == nil || target.State.Kind == task.Dead {
		return defs.ESRCH
	}
	sender := e.tasks.Get(senderPid)
	if sender == nil {
		return defs.ESRCH
	}

	switch typ {
	case mqueue.Signal, mqueue.Int, mqueue.Interrupt:
		// no page work.
	case mqueue.Pointer:
		if metadata == 0 {
			return defs.EINVAL
		}
		for va := pageRounddown(payload); va < payload+metadata; va += frame.PageSize {
			if _, ok := sender.AS.Translate(va); !ok {
				return defs.EINVAL
			}
		}
	case mqueue.Data:
		if metadata == 0 || metadata > frame.PageSize {
			return defs.EINVAL
		}
		phys, err := e.alloc.AllocFrames(1)
		if err != 0 {
			return err
		}
		buf := e.alloc.Frame(phys)
		if err := sender.AS.ReadUser(buf[:metadata], payload); err != 0 {
			e.alloc.Decr(phys, 1, 1)
			return err
		}
		payload = phys // payload becomes the new frame's physical base
	default:
		return defs.EINVAL
	}

	msg := mqueue.Message{SourcePid: senderPid, Type: typ, Payload: payload, Metadata: metadata}
	q := e.queues[targetPid]
	if !e.AdmitEnqueue() {
		return defs.EFULL
	}
	if err := q.Enqueue(msg); err != 0 {
		e.ReleaseDequeue() // queue itself rejected; give the budget slot back
		if blocking {
			sender.State = task.State{Kind: task.BlockedSend, TargetQueue: int(targetPid), PendingMsg: msg}
			return 0
		}
		return defs.EFULL
	}
	return 0
}

// Delivered is what Recv hands back to the syscall layer to place
// into the caller's out-pointers.
type Delivered struct {
	SourcePid int32
	Type      mqueue.Type
	Payload   uint64
	Metadata  uint64
}

// Recv implements spec.md §4.8's recv algorithm: drain one message,
// resolve Pointer/Data page transfers into the receiver's address
// space, and report the result. ok is false only when the queue was
// empty and blocking was requested (the caller should transition to
// BlockedRecv and yield); a non-blocking empty queue returns
// (zero, EEMPTY, true).
func (e *Engine) Recv(receiverPid int32, blocking bool) (Delivered, defs.Err_t, bool) {
	receiver := e.tasks.Get(receiverPid)
	if receiver == nil {
		return Delivered{}, defs.ESRCH, true
	}
	q := e.queues[receiverPid]
	msg, ok := q.Dequeue()
	if !ok {
		if blocking {
			receiver.State = task.State{Kind: task.BlockedRecv, RecvQueue: int(receiverPid)}
			return Delivered{}, 0, false
		}
		return Delivered{}, defs.EEMPTY, true
	}
	e.ReleaseDequeue()

	switch msg.Type {
	case mqueue.Signal, mqueue.Int, mqueue.Interrupt:
		return Delivered{SourcePid: msg.SourcePid, Type: msg.Type, Payload: msg.Payload, Metadata: msg.Metadata}, 0, true

	case mqueue.Pointer:
		sender := e.tasks.Get(msg.SourcePid)
		if sender == nil || sender.State.Kind == task.Dead {
			return Delivered{SourcePid: msg.SourcePid, Type: msg.Type}, defs.ESTALE, true
		}
		base := pageRounddown(msg.Payload)
		end := msg.Payload + msg.Metadata
		npages := int((pageRoundup(end) - base) / frame.PageSize)
		virtBase := receiver.AS.ReserveVirt(npages)
		for i := 0; i < npages; i++ {
			srcVA := base + uint64(i)*frame.PageSize
			phys, ok := sender.AS.Translate(srcVA)
			if !ok {
				return Delivered{SourcePid: msg.SourcePid, Type: msg.Type}, defs.ESTALE, true
			}
			e.alloc.Incr(pageRounddown(phys), 1, 1)
			dstVA := virtBase + uint64(i)*frame.PageSize
			if err := receiver.AS.MapPage(dstVA, pageRounddown(phys), ptable.PermR|ptable.PermW|ptable.PermU); err != 0 {
				return Delivered{SourcePid: msg.SourcePid, Type: msg.Type}, err, true
			}
		}
		payload := virtBase + (msg.Payload % frame.PageSize)
		return Delivered{SourcePid: msg.SourcePid, Type: msg.Type, Payload: payload, Metadata: msg.Metadata}, 0, true

	case mqueue.Data:
		virtBase := receiver.AS.ReserveVirt(1)
		if err := receiver.AS.MapPage(virtBase, msg.Payload, ptable.PermR|ptable.PermW|ptable.PermU); err != 0 {
			return Delivered{SourcePid: msg.SourcePid, Type: msg.Type}, err, true
		}
		return Delivered{SourcePid: msg.SourcePid, Type: msg.Type, Payload: virtBase, Metadata: msg.Metadata}, 0, true

	default:
		return Delivered{}, defs.EINVAL, true
	}
}

func pageRounddown(v uint64) uint64 { return v &^ (frame.PageSize - 1) }
func pageRoundup(v uint64) uint64   { return pageRounddown(v + frame.PageSize - 1) }
