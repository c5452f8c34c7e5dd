package kheap

import (
	"testing"

	"ilo/defs"
	"ilo/frame"
)

func TestAllocPicksSmallestFittingClass(t *testing.T) {
	h := New(frame.New(0, 8))
	a, err := h.Alloc(10)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	b, err := h.Alloc(10)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct addresses for two live allocations")
	}
	if a%16 != 0 || b%16 != 0 {
		t.Fatalf("expected 16-byte class alignment, got %#x %#x", a, b)
	}
	if h.used[a].size != 16 || h.used[b].size != 16 {
		t.Fatalf("expected the 16-byte class for a 10-byte request, got %d and %d", h.used[a].size, h.used[b].size)
	}
}

func TestFreeReturnsToClassFreeList(t *testing.T) {
	h := New(frame.New(0, 8))
	a, _ := h.Alloc(16)
	if err := h.Free(a); err != 0 {
		t.Fatalf("free: %v", err)
	}
	b, err := h.Alloc(16)
	if err != 0 {
		t.Fatalf("realloc: %v", err)
	}
	if a != b {
		t.Fatalf("expected freed bucket to be reused, got %#x then %#x", a, b)
	}
}

func TestFreeUnknownAddressFails(t *testing.T) {
	h := New(frame.New(0, 8))
	if err := h.Free(0xdead); err != defs.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestAllocOversizeFallsThroughToWholePages(t *testing.T) {
	h := New(frame.New(0, 64))
	addr, err := h.Alloc(100000)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if addr%frame.PageSize != 0 {
		t.Fatalf("expected page-aligned whole-page allocation, got %#x", addr)
	}
}

func TestReallocGrowsAndPreservesContents(t *testing.T) {
	h := New(frame.New(0, 16))
	a, _ := h.Alloc(16)
	h.alloc.PhysToSafe(a, 16)[0] = 0x42
	b, err := h.Realloc(a, 64)
	if err != 0 {
		t.Fatalf("realloc: %v", err)
	}
	if b == a {
		t.Fatalf("expected realloc to a bigger class to move the allocation")
	}
	if got := h.alloc.PhysToSafe(b, 64)[0]; got != 0x42 {
		t.Fatalf("expected preserved byte 0x42, got %#x", got)
	}
}

func TestReallocShrinkKeepsSameAddress(t *testing.T) {
	h := New(frame.New(0, 16))
	a, _ := h.Alloc(64)
	b, err := h.Realloc(a, 16)
	if err != 0 {
		t.Fatalf("realloc: %v", err)
	}
	if a != b {
		t.Fatalf("expected realloc within the same class to keep the address")
	}
}

func TestUsedCountTracksOutstandingAllocations(t *testing.T) {
	h := New(frame.New(0, 16))
	if h.UsedCount() != 0 {
		t.Fatalf("expected 0 initially")
	}
	a, _ := h.Alloc(16)
	if h.UsedCount() != 1 {
		t.Fatalf("expected 1 after alloc")
	}
	h.Free(a)
	if h.UsedCount() != 0 {
		t.Fatalf("expected 0 after free")
	}
}
