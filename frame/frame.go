// Package frame is the kernel's physical page allocator (spec
// component C1). It owns a simulated slab of physical RAM and a
// parallel array of saturating reference counts, one per frame,
// grounded on the teacher's Physmem_t/Physpg_t pair in mem/mem.go —
// the same "reference count array sized at boot, refcount==0 means
// free" design, minus the teacher's per-CPU free lists (this kernel
// is single-hart, and spec.md's alloc_frames(n) must find n
// *contiguous* frames, which a per-CPU singly linked free list cannot
// do; a linear scan is what spec.md's algorithm section prescribes).
package frame

import (
	"fmt"
	"sync"

	"ilo/defs"
)

// PageShift/PageSize describe the fixed 4 KiB frame size.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

const maxRefcount = ^uint16(0)

// Allocator manages a contiguous run of physical RAM starting at Base.
// All access happens from trap context in the real kernel (spec.md
// §5), so the mutex here exists only to make this package safe to
// drive from concurrent Go tests and from the C18 boot orchestrator's
// two goroutines; spec.md's single-hart invariant means there is
// never real contention. /* requires spinlock in an SMP build */
type Allocator struct {
	mu       sync.Mutex
	Base     uint64 /// physical address of frame 0
	refcount []uint16
	ram      []byte /// simulated RAM, len(refcount)*PageSize bytes
}

// New allocates a simulated RAM slab of nframes frames starting at
// physical address base. All frames begin free (refcount 0).
func New(base uint64, nframes int) *Allocator {
	if nframes <= 0 {
		panic("frame: nframes must be positive")
	}
	return &Allocator{
		Base:     base,
		refcount: make([]uint16, nframes),
		ram:      make([]byte, nframes*PageSize),
	}
}

// NFrames returns the total number of frames under management.
func (a *Allocator) NFrames() int {
	return len(a.refcount)
}

func (a *Allocator) indexOf(phys uint64) (int, bool) {
	if phys < a.Base || phys%PageSize != 0 {
		return 0, false
	}
	idx := (phys - a.Base) / PageSize
	if idx >= uint64(len(a.refcount)) {
		return 0, false
	}
	return int(idx), true
}

// AllocFrames scans for the first (lowest-address) run of n
// consecutive free frames, marks each with refcount 1, zeroes their
// contents, and returns the base physical address. It fails with
// ENOMEM if no such run exists and EINVAL if n == 0, per spec.md §4.1.
func (a *Allocator) AllocFrames(n int) (uint64, defs.Err_t) {
	if n <= 0 {
		return 0, defs.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	run := 0
	for i := 0; i < len(a.refcount); i++ {
		if a.refcount[i] == 0 {
			run++
			if run == n {
				start := i - n + 1
				for j := start; j <= i; j++ {
					a.refcount[j] = 1
				}
				base := a.Base + uint64(start)*PageSize
				clear(a.ram[start*PageSize : (i+1)*PageSize])
				return base, 0
			}
		} else {
			run = 0
		}
	}
	return 0, defs.ENOMEM
}

// Reserve marks the frames covering [base, base+byteLength) as used
// (refcount 1) without zeroing them — the boot-time "this memory is
// already occupied" call spec.md §3 describes for the kernel image,
// device tree, ramdisk, and the refcount table itself.
func (a *Allocator) Reserve(base uint64, byteLength int) error {
	if byteLength <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start, ok := a.indexOf(alignDown(base))
	if !ok {
		return fmt.Errorf("frame: reserve base %#x out of range", base)
	}
	npages := (byteLength + int(base-alignDown(base)) + PageSize - 1) / PageSize
	for j := start; j < start+npages && j < len(a.refcount); j++ {
		a.refcount[j] = 1
	}
	return nil
}

func alignDown(p uint64) uint64 { return p &^ (PageSize - 1) }

// Incr adds k to the reference count of the n frames starting at
// base, saturating at u16::MAX rather than wrapping — spec.md §4.1:
// "saturation ... means leaked shares remain mapped rather than
// double-freed."
func (a *Allocator) Incr(base uint64, n int, k uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start, ok := a.indexOf(base)
	if !ok {
		panic("frame: Incr of unmapped frame")
	}
	for j := start; j < start+n; j++ {
		sum := uint32(a.refcount[j]) + uint32(k)
		if sum > uint32(maxRefcount) {
			sum = uint32(maxRefcount)
		}
		a.refcount[j] = uint16(sum)
	}
}

// Decr subtracts k from the reference count of the n frames starting
// at base, clamping at 0. A frame whose count reaches 0 becomes
// reusable by a later AllocFrames.
func (a *Allocator) Decr(base uint64, n int, k uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	start, ok := a.indexOf(base)
	if !ok {
		panic("frame: Decr of unmapped frame")
	}
	for j := start; j < start+n; j++ {
		if uint32(a.refcount[j]) < uint32(k) {
			a.refcount[j] = 0
		} else {
			a.refcount[j] -= k
		}
	}
}

// Refcount returns the current reference count of the frame at phys.
func (a *Allocator) Refcount(phys uint64) uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx, ok := a.indexOf(phys)
	if !ok {
		return 0
	}
	return a.refcount[idx]
}

// TotalRefcount sums every frame's reference count; used by tests to
// assert the "refcount sum is unchanged across spawn+kill" invariant
// (spec.md §8, scenario 6).
func (a *Allocator) TotalRefcount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum uint64
	for _, r := range a.refcount {
		sum += uint64(r)
	}
	return sum
}

// PhysToSafe is the "physical-to-safe" helper spec.md §4.3 and §9
// require: the one place every physical-pointer dereference in the
// kernel flows through. In this simulated kernel there is no separate
// MMU-off/MMU-on regime to bridge (see DESIGN.md); PhysToSafe always
// bounds-checks against the backing RAM slab and returns a slice
// directly onto it.
func (a *Allocator) PhysToSafe(phys uint64, length int) []byte {
	idx, ok := a.indexOf(alignDown(phys))
	if !ok {
		panic("frame: PhysToSafe of address outside managed RAM")
	}
	off := int(phys-alignDown(phys)) + idx*PageSize
	if off+length > len(a.ram) {
		panic("frame: PhysToSafe range exceeds RAM")
	}
	return a.ram[off : off+length]
}

// Frame returns the full PageSize-byte contents backing phys (phys
// must be page-aligned); this is the "a test harness may poke the
// array directly" hook spec.md §4.1 calls for.
func (a *Allocator) Frame(phys uint64) []byte {
	if phys%PageSize != 0 {
		panic("frame: Frame requires a page-aligned address")
	}
	return a.PhysToSafe(phys, PageSize)
}
