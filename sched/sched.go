// Package sched is the kernel's scheduler (spec component C6): a
// single ready-queue round-robin with lazy blocked-task wake-up,
// checked inside dequeue rather than via per-event callbacks, exactly
// as spec.md §4.6 describes. "Current task" here is a plain field on
// Scheduler rather than the teacher's tinfo.go goroutine-local-storage
// trick (runtime.Gptr/Setgptr): spec.md §5 is explicit that this
// kernel is single-hart with one logical task executing at a time, so
// there is no concurrent-goroutine state to stash per-task — Scheduler
// itself is already the single source of truth for "which task now."
package sched

import (
	"ilo/clock"
	"ilo/defs"
	"ilo/ipc"
	"ilo/mqueue"
	"ilo/task"
	"ilo/util"
)

// Scheduler owns the ready queue and drives wake-up scans.
type Scheduler struct {
	tasks   *task.Table
	ipc     *ipc.Engine
	clk     *clock.Clock
	ready   []int32
	current int32
	hasCur  bool
}

// New builds a Scheduler with an empty ready queue.
func New(tasks *task.Table, engine *ipc.Engine, clk *clock.Clock) *Scheduler {
	return &Scheduler{tasks: tasks, ipc: engine, clk: clk}
}

// PushReady appends pid to the back of the ready queue and marks it
// Ready.
func (s *Scheduler) PushReady(pid int32) {
	tk := s.tasks.Get(pid)
	if tk == nil {
		return
	}
	tk.State = task.State{Kind: task.Ready}
	s.ready = append(s.ready, pid)
}

// Remove drops pid from the ready queue if present (used by kill, so
// a dead task is never handed back out by popReady).
func (s *Scheduler) Remove(pid int32) {
	out := s.ready[:0]
	for _, p := range s.ready {
		if p != pid {
			out = append(out, p)
		}
	}
	s.ready = out
	if s.hasCur && s.current == pid {
		s.hasCur = false
	}
}

func (s *Scheduler) popReady() (int32, bool) {
	if len(s.ready) == 0 {
		return 0, false
	}
	pid := s.ready[0]
	s.ready = s.ready[1:]
	return pid, true
}

// wakeScan walks blocked tasks in PID order (spec.md §4.6's
// tie-break) and moves any wake-eligible one onto the ready queue. It
// returns true if at least one task woke.
func (s *Scheduler) wakeScan(now uint64) bool {
	woke := false
	for pid := int32(0); pid < int32(s.tasks.Len()); pid++ {
		tk := s.tasks.Get(pid)
		if tk == nil {
			continue
		}
		switch tk.State.Kind {
		case task.BlockedSleep:
			if now >= tk.State.WakeDeadline {
				s.PushReady(pid)
				woke = true
			}
		case task.BlockedLock:
			if s.lockConditionMet(tk) {
				tk.Regs.X[10] = 0
				s.PushReady(pid)
				woke = true
			}
		case task.BlockedSend:
			q := s.ipc.QueueFor(int32(tk.State.TargetQueue))
			if q != nil && !q.Full() && s.ipc.AdmitEnqueue() {
				if msg, ok := tk.State.PendingMsg.(mqueue.Message); ok {
					q.Enqueue(msg)
				}
				tk.Regs.X[10] = 0
				s.PushReady(pid)
				woke = true
			}
		case task.BlockedRecv:
			q := s.ipc.QueueFor(pid)
			if q != nil && !q.Empty() {
				s.finishBlockedRecv(tk)
				s.PushReady(pid)
				woke = true
			}
		}
	}
	return woke
}

func (s *Scheduler) lockConditionMet(tk *task.Task) bool {
	var buf [8]byte
	n := tk.State.LockWordSize
	if n <= 0 || n > 8 {
		return false
	}
	if err := tk.AS.ReadUser(buf[:n], tk.State.LockPtr); err != 0 {
		return false
	}
	var val uint64
	for i := n - 1; i >= 0; i-- {
		val = val<<8 | uint64(buf[i])
	}
	return (val == tk.State.LockExpected) == tk.State.WakeIfEqual
}

func (s *Scheduler) finishBlockedRecv(tk *task.Task) {
	delivered, err, _ := s.ipc.Recv(tk.Pid, false)
	if err != 0 {
		tk.Regs.X[10] = 1
		return
	}
	tk.AS.WriteUser(tk.State.RecvOutPid, encodeU64(uint64(delivered.SourcePid)))
	tk.AS.WriteUser(tk.State.RecvOutType, encodeU64(uint64(delivered.Type)))
	tk.AS.WriteUser(tk.State.RecvOutPayload, encodeU64(delivered.Payload))
	tk.AS.WriteUser(tk.State.RecvOutMeta, encodeU64(delivered.Metadata))
	tk.Regs.X[10] = 0
}

func encodeU64(v uint64) []byte {
	var b [8]byte
	util.Writen(b[:], 8, 0, v)
	return b[:]
}

// Next implements spec.md §4.6's timer-tick transition: the currently
// running task (if any) is pushed back onto the ready queue, and the
// next task is popped. If the ready queue is empty, a lazy wake-up
// scan runs once before giving up (the hart then idles via firmware
// suspend — signaled by ok == false). If next == the previous
// current, no context switch actually happened.
func (s *Scheduler) Next(now uint64) (pid int32, switched bool, ok bool) {
	prev := s.current
	hadCur := s.hasCur
	if hadCur {
		s.PushReady(prev)
	}
	next, ok := s.popReady()
	if !ok {
		if s.wakeScan(now) {
			next, ok = s.popReady()
		}
	}
	if !ok {
		s.hasCur = false
		return 0, hadCur, false
	}
	tk := s.tasks.Get(next)
	if tk != nil {
		tk.State = task.State{Kind: task.Running}
	}
	s.current = next
	s.hasCur = true
	return next, !hadCur || next != prev, true
}

// Current reports the currently running pid, if any.
func (s *Scheduler) Current() (int32, bool) { return s.current, s.hasCur }

// Block transitions the currently running task into st and removes it
// from scheduling consideration until a future wakeScan revives it;
// the caller (trap dispatcher) is then expected to call Next to pick
// a replacement.
func (s *Scheduler) Block(pid int32, st task.State) defs.Err_t {
	tk := s.tasks.Get(pid)
	if tk == nil {
		return defs.ESRCH
	}
	tk.State = st
	if s.hasCur && s.current == pid {
		s.hasCur = false
	}
	return 0
}
