// Package limits tracks the system-wide resource ceilings the boot
// configuration establishes: maximum live tasks, system-wide
// message-queue capacity, and capability-table slots. Adapted from the teacher's Syslimit_t/Sysatomic_t pattern,
// narrowed to the counters this kernel actually enforces (no vnodes,
// sockets, or routing-table limits: there is no filesystem or network
// stack here).
package limits

import "sync/atomic"

// Atomic is a resource counter that can be given back and taken from
// without going negative.
type Atomic struct {
	n atomic.Int64
}

// NewAtomic returns a counter pre-loaded with n units of budget.
func NewAtomic(n int64) *Atomic {
	a := &Atomic{}
	a.n.Store(n)
	return a
}

// Taken tries to decrement the counter by n units, returning false
// (and leaving the counter unchanged) if that would make it negative.
func (a *Atomic) Taken(n uint) bool {
	d := int64(n)
	if a.n.Add(-d) >= 0 {
		return true
	}
	a.n.Add(d)
	return false
}

// Given credits the counter with n units.
func (a *Atomic) Given(n uint) {
	a.n.Add(int64(n))
}

// Take is Taken(1).
func (a *Atomic) Take() bool { return a.Taken(1) }

// Give is Given(1).
func (a *Atomic) Give() { a.Given(1) }

// Remaining reports the current budget.
func (a *Atomic) Remaining() int64 { return a.n.Load() }

// System holds the kernel-wide ceilings derived from BootConfig.
// Each is independent: frame exhaustion is tracked by the frame
// allocator itself (refcount array), these are additional admission
// controls for table-backed resources.
type System struct {
	Tasks  *Atomic /// free task-table slots
	Queues *Atomic /// free message-queue capacity, system wide
	Caps   *Atomic /// free capability-table slots
}

// NewSystem builds a System with maxTasks/maxQueueEntries/maxCaps
// units of budget in each counter.
func NewSystem(maxTasks, maxQueueEntries, maxCaps int64) *System {
	return &System{
		Tasks:  NewAtomic(maxTasks),
		Queues: NewAtomic(maxQueueEntries),
		Caps:   NewAtomic(maxCaps),
	}
}
