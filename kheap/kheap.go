// Package kheap is the kernel's dynamic-memory allocator (spec
// component C2): a size-class bucket allocator backed by the C1
// frame allocator, grounded directly on the original kernel's
// memory.c free_buckets_alloc family — the same {16, 64, 256, 1024,
// 4096, 16384, 65536} size classes, the same "slice a freshly obtained
// page into same-class nodes and push them onto that class's free
// list" refill strategy, and a per-bucket node record (there: the
// doubly-linked struct s_free_bucket{next,prev,size,origin}; here:
// node{size,origin,offset} kept in per-class slices and a used map,
// referencing into a backing frame rather than raw pointers, since
// this package has no unsafe.Pointer escape hatch to the host heap).
package kheap

import (
	"ilo/defs"
	"ilo/frame"
)

// classes are the size-class ceilings memory.c hard-codes.
var classes = []int{16, 64, 256, 1024, 4096, 16384, 65536}

// node is one free or used bucket; origin and offset locate its
// payload in the frame it was carved from, and size records its class,
// so Free can locate which free list to return it to without the
// caller supplying the size again.
type node struct {
	size   int
	origin uint64 /// base physical address of the frame this bucket lives in
	offset int    /// byte offset of this bucket's payload within that frame
}

// Heap is a size-class bucket allocator. It is not safe for concurrent
// use — spec.md §5 notes this is acceptable because all kernel heap
// access happens from trap context, which already serializes mutation.
type Heap struct {
	alloc *frame.Allocator
	free  map[int][]node  /// per-class free list
	used  map[uint64]node /// keyed by the payload address handed to the caller, for Free/Realloc and leak debugging
}

// New builds an empty Heap backed by alloc.
func New(alloc *frame.Allocator) *Heap {
	h := &Heap{alloc: alloc, free: make(map[int][]node), used: make(map[uint64]node)}
	for _, c := range classes {
		h.free[c] = nil
	}
	return h
}

func classFor(size int) (int, bool) {
	for _, c := range classes {
		if size <= c {
			return c, true
		}
	}
	return 0, false
}

// Alloc returns size bytes of kernel memory. Memory carved from a
// freshly obtained frame is zero; a bucket reused after Free keeps
// its previous contents. Requests larger
// than the biggest size class fall through to whole-page allocation
// directly from C1, per spec.md §4.2.
func (h *Heap) Alloc(size int) (uint64, defs.Err_t) {
	if size <= 0 {
		return 0, defs.EINVAL
	}
	class, ok := classFor(size)
	if !ok {
		return h.allocPages(size)
	}
	if len(h.free[class]) == 0 {
		if err := h.refill(class); err != 0 {
			return 0, err
		}
	}
	n := h.free[class][len(h.free[class])-1]
	h.free[class] = h.free[class][:len(h.free[class])-1]
	addr := n.origin + uint64(n.offset)
	h.used[addr] = n
	return addr, 0
}

// refill obtains one fresh frame from C1 and slices it into
// same-class nodes pushed onto class's free list, per memory.c's
// free_buckets_format_unused.
func (h *Heap) refill(class int) defs.Err_t {
	base, err := h.alloc.AllocFrames(1)
	if err != 0 {
		return err
	}
	for off := 0; off+class <= frame.PageSize; off += class {
		h.free[class] = append(h.free[class], node{size: class, origin: base, offset: off})
	}
	return 0
}

func (h *Heap) allocPages(size int) (uint64, defs.Err_t) {
	npages := (size + frame.PageSize - 1) / frame.PageSize
	base, err := h.alloc.AllocFrames(npages)
	if err != 0 {
		return 0, err
	}
	h.used[base] = node{size: npages * frame.PageSize, origin: base, offset: 0}
	return base, 0
}

// Free returns a previously allocated address to its free list (or,
// for a whole-page allocation, decrements its frames' refcounts back
// to 0).
func (h *Heap) Free(addr uint64) defs.Err_t {
	n, ok := h.used[addr]
	delete(h.used, addr)
	if !ok {
		return defs.EINVAL
	}
	if _, isClass := classFor(n.size); isClass && n.size != 0 && isBucketClass(n.size) {
		h.free[n.size] = append(h.free[n.size], n)
		return 0
	}
	h.alloc.Decr(n.origin, n.size/frame.PageSize, 1)
	return 0
}

func isBucketClass(size int) bool {
	for _, c := range classes {
		if c == size {
			return true
		}
	}
	return false
}

// Realloc resizes the allocation at addr to newSize, returning the
// same address when it already fits the current size class (per
// spec.md §4.2's contract) or a fresh allocation with the old
// contents copied otherwise.
func (h *Heap) Realloc(addr uint64, newSize int) (uint64, defs.Err_t) {
	n, ok := h.used[addr]
	if !ok {
		return 0, defs.EINVAL
	}
	if newSize <= n.size {
		return addr, 0
	}
	newAddr, err := h.Alloc(newSize)
	if err != 0 {
		return 0, err
	}
	old := h.bytesOf(n)
	newN := h.used[newAddr]
	dst := h.bytesOf(newN)
	copy(dst, old)
	h.Free(addr)
	return newAddr, 0
}

func (h *Heap) bytesOf(n node) []byte {
	if isBucketClass(n.size) {
		return h.alloc.PhysToSafe(n.origin, frame.PageSize)[n.offset : n.offset+n.size]
	}
	return h.alloc.PhysToSafe(n.origin, n.size)
}

// UsedCount reports how many allocations are outstanding, for leak
// debugging (the "used list exists for leak debugging" note in
// spec.md §4.2).
func (h *Heap) UsedCount() int { return len(h.used) }
