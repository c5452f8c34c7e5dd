// Package task is the kernel's process/thread table (spec component
// C5): a fixed-size array of task records indexed by pid, exactly the
// "array indexed by PID, scan for the first Dead slot" design the
// original kernel's process.c implements (process.c carries a
// commented-out hashmap-based alternative that was never adopted —
// see DESIGN.md). The state-as-tagged-struct shape is grounded on the
// teacher's tinfo.go (Tnote_t), minus its runtime.Gptr
// goroutine-local-storage trick: this kernel has exactly one logical
// hart stepping one task's registers at a time (spec.md §5), so
// "current task" is just a field on sched.Scheduler rather than
// scheduler-per-goroutine state.
package task

import (
	"ilo/aspace"
	"ilo/defs"
)

// Kind enumerates a task's scheduling state.
type Kind int

const (
	Ready Kind = iota
	Running
	BlockedSleep
	BlockedLock
	BlockedSend
	BlockedRecv
	Dead
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case BlockedSleep:
		return "blocked-sleep"
	case BlockedLock:
		return "blocked-lock"
	case BlockedSend:
		return "blocked-send"
	case BlockedRecv:
		return "blocked-recv"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// State carries the fields relevant to whichever Kind is current;
// only the fields that Kind names are meaningful.
type State struct {
	Kind Kind

	// BlockedSleep
	WakeDeadline uint64

	// BlockedLock
	LockPtr      uint64
	LockWordSize int
	LockExpected uint64
	WakeIfEqual  bool

	// BlockedSend
	TargetQueue int
	PendingMsg  any // an mqueue.Message, stored as any

	// BlockedRecv — the user out-pointers recv() was called with, so
	// the scheduler's lazy wake-up scan can finish delivery once a
	// message arrives.
	RecvQueue      int
	RecvOutPid     uint64
	RecvOutType    uint64
	RecvOutPayload uint64
	RecvOutMeta    uint64
}

// Registers is the trap-saved register snapshot: 32 general-purpose,
// 32 floating point, plus the program counter, per spec.md §3.
type Registers struct {
	X  [32]uint64
	F  [32]uint64
	PC uint64
}

// Task is one process/thread table entry.
type Task struct {
	Pid        int32
	ParentPid  int32
	UserID     int64
	Name       string
	AS         *aspace.AddressSpace
	State      State
	Regs       Registers
	MessageQ   int /// index into the kernel's message-queue table
	LockDescr  uint64
	CapList    []uint64 /// capability tokens this task currently holds
	ThreadOf   int32    /// 0 if not a thread; else the originating task's pid
	IsThread   bool
}

// Table is the array-indexed process/thread table. Pid 0 is reserved
// for the initial user program (initd) and is never recycled, per
// spec.md §4.5.
type Table struct {
	tasks []Task
}

// NewTable allocates a table with capacity for maxTasks entries, all
// starting Dead (free).
func NewTable(maxTasks int) *Table {
	t := &Table{tasks: make([]Task, maxTasks)}
	for i := range t.tasks {
		t.tasks[i].Pid = int32(i)
		t.tasks[i].State.Kind = Dead
	}
	return t
}

// Get returns the task record at pid, or nil if pid is out of range.
func (t *Table) Get(pid int32) *Task {
	if pid < 0 || int(pid) >= len(t.tasks) {
		return nil
	}
	return &t.tasks[pid]
}

// Len reports the table's fixed capacity.
func (t *Table) Len() int { return len(t.tasks) }

// FramesOwned looks up how many frames are currently mapped into
// pid's address space, for profiling.BuildSnapshot. Threads sharing an
// address space report their parent's count, since the frames belong
// to the address space, not the individual thread.
func (t *Table) FramesOwned(pid int32) (int, bool) {
	tk := t.Get(pid)
	if tk == nil || tk.State.Kind == Dead {
		return 0, false
	}
	return tk.AS.FramesMapped(), true
}

// allocSlot scans for the first Dead slot at index >= 1 (pid 0 is
// reserved for initd and handled by the caller directly), per spec.md
// §4.5's allocation policy.
func (t *Table) allocSlot() (int32, defs.Err_t) {
	for i := 1; i < len(t.tasks); i++ {
		if t.tasks[i].State.Kind == Dead {
			return int32(i), 0
		}
	}
	return 0, defs.EFULL
}

// SpawnFromImage installs a brand-new task owning as, with the given
// name/uid/parent and initial registers: in pid 0 when initdPid is set
// (failing with EFULL if pid 0 is live), otherwise in the first free
// slot from pid 1 up. It does not itself build the address space or
// registers — callers (the boot orchestrator, or the spawn syscall) are expected to have
// already run loader.ParseFlat + aspace.LoadImage + aspace.SetupStack
// and pass the results in.
func (t *Table) SpawnFromImage(name string, uid int64, parentPid int32, as *aspace.AddressSpace, entry, sp uint64, initdPid bool) (int32, defs.Err_t) {
	var pid int32
	if initdPid {
		pid = 0
		if t.tasks[0].State.Kind != Dead {
			return 0, defs.EFULL
		}
	} else {
		var err defs.Err_t
		pid, err = t.allocSlot()
		if err != 0 {
			return 0, err
		}
	}
	tk := &t.tasks[pid]
	*tk = Task{
		Pid:       pid,
		ParentPid: parentPid,
		UserID:    uid,
		Name:      name,
		AS:        as,
		State:     State{Kind: Ready},
		MessageQ:  -1,
	}
	tk.Regs.PC = entry
	tk.Regs.X[2] = sp // x2 is the RISC-V stack pointer register
	return pid, 0
}

// SpawnThread installs a new task sharing parent's address space,
// recording ThreadOf so Kill knows not to tear the address space down
// when this task dies while siblings remain, per spec.md §4.5.
func (t *Table) SpawnThread(parentPid int32, entry, sp uint64, argsWord uint64) (int32, defs.Err_t) {
	parent := t.Get(parentPid)
	if parent == nil || parent.State.Kind == Dead {
		return 0, defs.ESRCH
	}
	pid, err := t.allocSlot()
	if err != 0 {
		return 0, err
	}
	tk := &t.tasks[pid]
	*tk = Task{
		Pid:       pid,
		ParentPid: parentPid,
		UserID:    parent.UserID,
		Name:      parent.Name,
		AS:        parent.AS,
		State:     State{Kind: Ready},
		MessageQ:  -1,
		ThreadOf:  parentPid,
		IsThread:  true,
	}
	tk.Regs.PC = entry
	tk.Regs.X[2] = sp
	tk.Regs.X[10] = argsWord // a0
	return pid, 0
}

// Kill transitions pid to Dead. If it is not a thread (or is the last
// living reference to its address space) the caller is responsible
// for calling AS.Destroy(); Kill itself only flips bookkeeping so that
// sched/ipc can react, matching spec.md §4.5: "if thread, only free
// the stack; drain message queues; decrement refcounts on any shared
// pages held."
func (t *Table) Kill(pid int32) defs.Err_t {
	tk := t.Get(pid)
	if tk == nil || tk.State.Kind == Dead {
		return defs.ESRCH
	}
	tk.State = State{Kind: Dead}
	tk.CapList = nil
	return 0
}

// HasLivingSibling reports whether any other task still shares pid's
// address space (if false, it's safe to tear the AS down once pid dies).
func (t *Table) HasLivingSibling(pid int32) bool {
	tk := t.Get(pid)
	if tk == nil {
		return false
	}
	for i := range t.tasks {
		other := &t.tasks[i]
		if other.Pid == pid || other.State.Kind == Dead {
			continue
		}
		if other.AS == tk.AS {
			return true
		}
	}
	return false
}
