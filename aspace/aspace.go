// Package aspace is the kernel's address-space manager (spec
// component C4): one page-table root plus the "next free virtual
// address" bump cursor used when placing a fresh program image and
// its stack. The locking and user-memory-copy idiom is grounded on
// the teacher's vm/as.go (Vm_t, Lock_pmap/Unlock_pmap,
// Userdmap8_inner) and vm/userbuf.go (Userbuf_t's "copy page by page,
// restart on fault" transfer loop); segment placement is grounded on
// the original kernel's process.c spawn_task_from_elf loop.
package aspace

import (
	"sync"

	"ilo/defs"
	"ilo/frame"
	"ilo/loader"
	"ilo/ptable"
)

// Default layout constants. The kernel half starts at KernelBase and
// occupies the top of the 39-bit address space; user programs are
// placed starting at UserBase and grow upward, with the stack placed
// just below StackTop.
const (
	KernelBase   = uint64(0xffff_ffc0_0000_0000)
	UserBase     = uint64(0x1000)
	StackTop     = uint64(0x3f_0000_0000)
	kernelHalfVPNTop = 256 // top-level index where KernelBase's VPN[2] begins
)

// AddressSpace owns one page-table root and the bump cursor used to
// place new mappings, per spec.md §3.
type AddressSpace struct {
	mu           sync.Mutex
	alloc        *frame.Allocator
	Root         ptable.Root
	next         uint64 /// next unused virtual address, for stack/heap placement
	framesMapped int    /// live leaf mappings installed into this address space, for profiling.BuildSnapshot
}

// FramesMapped reports how many frames are currently mapped into this
// address space — the quantity the allocator telemetry device
// (package profiling) charges to whichever task owns this AS.
func (as *AddressSpace) FramesMapped() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.framesMapped
}

// New creates an empty address space whose kernel half is cloned from
// kernelRoot, so every task shares the same kernel mappings.
func New(alloc *frame.Allocator, kernelRoot ptable.Root) (*AddressSpace, defs.Err_t) {
	root, err := ptable.NewRoot(alloc)
	if err != 0 {
		return nil, err
	}
	ptable.CloneKernelHalf(kernelRoot, root, kernelHalfVPNTop)
	return &AddressSpace{alloc: alloc, Root: root, next: UserBase}, 0
}

// Lock/Unlock bracket any sequence of page-table operations that must
// be seen atomically by a concurrent fault handler, mirroring the
// teacher's Lock_pmap/Unlock_pmap pattern. /* requires spinlock in an
// SMP build */
func (as *AddressSpace) Lock()   { as.mu.Lock() }
func (as *AddressSpace) Unlock() { as.mu.Unlock() }

// LoadImage maps every segment of img into the address space,
// allocating and zeroing backing frames and copying in file contents,
// per the original kernel's spawn_task_from_elf loop: each segment's
// virtual range is page-aligned outward, anonymous frames are
// allocated to cover it, the file bytes are copied to the front, and
// any remainder (BSS) is left zeroed.
func (as *AddressSpace) LoadImage(img loader.Image) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	for _, seg := range img.Segments {
		if err := as.mapSegmentLocked(seg); err != 0 {
			return err
		}
	}
	if img.Entry+0 > as.next {
		as.next = pageRoundup(img.Entry)
	}
	return 0
}

func (as *AddressSpace) mapSegmentLocked(seg loader.Segment) defs.Err_t {
	lo := pageRounddown(seg.VirtAddr)
	hi := pageRoundup(seg.VirtAddr + seg.MemSize)
	perm := ptable.PermU | loader.ToPTablePerm(seg.Flags)

	fileOff := 0
	for va := lo; va < hi; va += frame.PageSize {
		phys, err := as.Root.AllocAndMap(va, perm)
		if err != 0 {
			return err
		}
		as.framesMapped++
		dst := as.alloc.Frame(phys)
		// the portion of this page that falls within [VirtAddr,
		// VirtAddr+len(FileBytes)) gets file contents; everything
		// else (alignment padding and BSS) stays zero from AllocFrames.
		pageStart := va
		pageEnd := va + frame.PageSize
		segDataStart := seg.VirtAddr
		segDataEnd := seg.VirtAddr + uint64(len(seg.FileBytes))
		copyStart := maxU64(pageStart, segDataStart)
		copyEnd := minU64(pageEnd, segDataEnd)
		if copyStart < copyEnd {
			dstOff := copyStart - pageStart
			srcOff := copyStart - segDataStart
			n := copyEnd - copyStart
			copy(dst[dstOff:dstOff+n], seg.FileBytes[srcOff:srcOff+n])
		}
		_ = fileOff
	}
	if hi > as.next {
		as.next = hi
	}
	return 0
}

// SetupStack allocates npages of stack just below StackTop, writes
// argv as a NUL-separated blob starting at the page boundary at or
// below StackTop-len(blob), and returns the
// initial stack pointer and the user address of the argv blob.
func (as *AddressSpace) SetupStack(npages int, argv []string) (sp, argvAddr uint64, err defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	base := StackTop - uint64(npages)*frame.PageSize
	for va := base; va < StackTop; va += frame.PageSize {
		if _, err := as.Root.AllocAndMap(va, ptable.PermR|ptable.PermW|ptable.PermU); err != 0 {
			return 0, 0, err
		}
		as.framesMapped++
	}
	blob := packArgv(argv)
	top := StackTop - uint64(len(blob))
	top = pageRounddown(top)
	if top < base {
		return 0, 0, defs.ENOMEM
	}
	if err := as.writeLocked(top, blob); err != 0 {
		return 0, 0, err
	}
	return alignDown16(top), top, 0
}

func packArgv(argv []string) []byte {
	var out []byte
	for _, s := range argv {
		out = append(out, s...)
		out = append(out, 0)
	}
	return out
}

func alignDown16(v uint64) uint64 { return v &^ 0xf }

// ReadUser copies len(dst) bytes starting at userVA out of this
// address space into dst, one page at a time (mirroring the teacher's
// Userbuf_t._tx loop), failing with EFAULT at the first unmapped or
// permission-denied page.
func (as *AddressSpace) ReadUser(dst []byte, userVA uint64) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as.copyLocked(dst, userVA, false)
}

// WriteUser copies src into this address space starting at userVA.
func (as *AddressSpace) WriteUser(userVA uint64, src []byte) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	return as.copyLocked(src, userVA, true)
}

func (as *AddressSpace) writeLocked(userVA uint64, src []byte) defs.Err_t {
	return as.copyLocked(src, userVA, true)
}

func (as *AddressSpace) copyLocked(buf []byte, userVA uint64, write bool) defs.Err_t {
	off := 0
	for off < len(buf) {
		va := userVA + uint64(off)
		pageVA := pageRounddown(va)
		phys, ok := as.Root.Translate(pageVA)
		if !ok {
			return defs.EFAULT
		}
		page := as.alloc.Frame(phys)
		pageOff := va - pageVA
		n := minU64(uint64(frame.PageSize)-pageOff, uint64(len(buf)-off))
		if write {
			copy(page[pageOff:pageOff+n], buf[off:uint64(off)+n])
		} else {
			copy(buf[off:uint64(off)+n], page[pageOff:pageOff+n])
		}
		off += int(n)
	}
	return 0
}

// TranslateRead returns a read-only snapshot of length bytes starting
// at userVA, for diagnostic use (disassembling the faulting
// instruction); ok is false if any covered page is unmapped.
func (as *AddressSpace) TranslateRead(userVA uint64, length int) ([]byte, bool) {
	buf := make([]byte, length)
	if err := as.ReadUser(buf, userVA); err != 0 {
		return nil, false
	}
	return buf, true
}

// ReserveVirt bumps the placement cursor by n pages and returns the
// base of the reserved (not yet mapped) range — used by the IPC
// engine to carve out receiver-side virtual addresses for incoming
// Pointer/Data transfers, per spec.md §4.8 ("map at receiver's
// next_virt + page_index ... advance next_virt").
func (as *AddressSpace) ReserveVirt(n int) uint64 {
	as.Lock()
	defer as.Unlock()
	base := as.next
	as.next += uint64(n) * frame.PageSize
	return base
}

// AllocAndMap allocates a fresh frame and maps it at virt with perm,
// locking the address space itself — the syscall-table entry point
// for alloc_page/alloc_pages_physical.
func (as *AddressSpace) AllocAndMap(virt uint64, perm ptable.Perm) (uint64, defs.Err_t) {
	as.Lock()
	defer as.Unlock()
	phys, err := as.Root.AllocAndMap(virt, perm)
	if err == 0 {
		as.framesMapped++
	}
	return phys, err
}

// ChangeFlags rewrites the permission bits of the leaf at virt.
func (as *AddressSpace) ChangeFlags(virt uint64, perm ptable.Perm) {
	as.Lock()
	defer as.Unlock()
	as.Root.ChangeFlags(virt, perm)
}

// Unmap clears the leaf at virt and reports the frame it pointed to.
func (as *AddressSpace) Unmap(virt uint64) (uint64, bool) {
	as.Lock()
	defer as.Unlock()
	phys, ok := as.Root.Unmap(virt)
	if ok && as.framesMapped > 0 {
		as.framesMapped--
	}
	return phys, ok
}

// MapPage installs a single leaf mapping virt -> phys with perm,
// taking the address-space lock itself; used by callers (the IPC
// engine) operating outside LoadImage/SetupStack's own locked
// sections.
func (as *AddressSpace) MapPage(virt, phys uint64, perm ptable.Perm) defs.Err_t {
	as.Lock()
	defer as.Unlock()
	err := as.Root.Map(virt, phys, perm)
	if err == 0 {
		as.framesMapped++
	}
	return err
}

// Translate performs a read-only lookup, taking the address-space
// lock itself, so it must not be called while that lock is held.
func (as *AddressSpace) Translate(virt uint64) (uint64, bool) {
	as.Lock()
	defer as.Unlock()
	return as.Root.Translate(virt)
}

// Destroy unmaps and frees every non-kernel-global frame and table
// reachable from this address space.
func (as *AddressSpace) Destroy() {
	as.Lock()
	defer as.Unlock()
	ptable.Destroy(as.Root, as.alloc)
}

func pageRounddown(v uint64) uint64 { return v &^ (frame.PageSize - 1) }
func pageRoundup(v uint64) uint64   { return pageRounddown(v + frame.PageSize - 1) }
func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
