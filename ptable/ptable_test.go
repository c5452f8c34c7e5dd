package ptable

import (
	"testing"

	"ilo/defs"
	"ilo/frame"
)

func newRoot(t *testing.T, nframes int) (*frame.Allocator, Root) {
	t.Helper()
	a := frame.New(0, nframes)
	r, err := NewRoot(a)
	if err != 0 {
		t.Fatalf("NewRoot: %v", err)
	}
	return a, r
}

func TestMapThenTranslate(t *testing.T) {
	a, r := newRoot(t, 64)
	phys, err := a.AllocFrames(1)
	if err != 0 {
		t.Fatalf("AllocFrames: %v", err)
	}
	const virt = 0x10_0000
	if err := r.Map(virt, phys, PermR|PermW); err != 0 {
		t.Fatalf("Map: %v", err)
	}
	got, ok := r.Translate(virt + 0x20)
	if !ok {
		t.Fatalf("Translate: expected mapping")
	}
	if got != phys+0x20 {
		t.Fatalf("Translate: got %#x, want %#x", got, phys+0x20)
	}
}

func TestMapAlreadyMapped(t *testing.T) {
	a, r := newRoot(t, 64)
	phys, _ := a.AllocFrames(1)
	const virt = 0x2000
	if err := r.Map(virt, phys, PermR); err != 0 {
		t.Fatalf("first map: %v", err)
	}
	if err := r.Map(virt, phys, PermR); err != defs.EALREADYMAPPED {
		t.Fatalf("expected EALREADYMAPPED, got %v", err)
	}
}

func TestMapUnalignedIsInvalid(t *testing.T) {
	_, r := newRoot(t, 16)
	if err := r.Map(0x1001, 0x2000, PermR); err != defs.EINVAL {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestAllocAndMapIdempotent(t *testing.T) {
	_, r := newRoot(t, 64)
	const virt = 0x4000
	phys1, err := r.AllocAndMap(virt, PermR|PermW)
	if err != 0 {
		t.Fatalf("AllocAndMap: %v", err)
	}
	phys2, err := r.AllocAndMap(virt, PermR|PermW)
	if err != 0 {
		t.Fatalf("AllocAndMap idempotent: %v", err)
	}
	if phys1 != phys2 {
		t.Fatalf("expected same frame on repeat, got %#x vs %#x", phys1, phys2)
	}
}

func TestAllocAndMapConflictingPermsFails(t *testing.T) {
	_, r := newRoot(t, 64)
	const virt = 0x4000
	if _, err := r.AllocAndMap(virt, PermR); err != 0 {
		t.Fatalf("AllocAndMap: %v", err)
	}
	if _, err := r.AllocAndMap(virt, PermR|PermW); err != defs.EALREADYMAPPED {
		t.Fatalf("expected EALREADYMAPPED, got %v", err)
	}
}

func TestUnmapReturnsFrameAndClearsLeaf(t *testing.T) {
	a, r := newRoot(t, 64)
	phys, _ := a.AllocFrames(1)
	const virt = 0x8000
	r.Map(virt, phys, PermR|PermW)
	got, ok := r.Unmap(virt)
	if !ok || got != phys {
		t.Fatalf("Unmap: got %#x ok=%v, want %#x true", got, ok, phys)
	}
	if _, ok := r.Translate(virt); ok {
		t.Fatalf("expected unmapped after Unmap")
	}
	if _, ok := r.Unmap(virt); ok {
		t.Fatalf("expected second Unmap to report false")
	}
}

func TestChangeFlagsPreservesMapping(t *testing.T) {
	a, r := newRoot(t, 64)
	phys, _ := a.AllocFrames(1)
	const virt = 0x9000
	r.Map(virt, phys, PermR)
	r.ChangeFlags(virt, PermR|PermW|PermX)
	t0, idx, err := r.WalkToEntry(virt)
	if err != 0 {
		t.Fatalf("WalkToEntry: %v", err)
	}
	e := t0.entry(idx)
	if e.Phys() != phys {
		t.Fatalf("ChangeFlags moved the mapping")
	}
	if e&(W|X) == 0 {
		t.Fatalf("ChangeFlags did not apply new perms")
	}
}

func TestMapRangeIdentity(t *testing.T) {
	a, r := newRoot(t, 1024)
	a.Reserve(0, frame.PageSize) // root table itself
	if err := r.MapRangeIdentity(0x10000, 0x13000, PermR|PermW|PermX); err != 0 {
		t.Fatalf("MapRangeIdentity: %v", err)
	}
	for p := uint64(0x10000); p < 0x13000; p += frame.PageSize {
		got, ok := r.Translate(p)
		if !ok || got != p {
			t.Fatalf("identity map broken at %#x: got %#x ok=%v", p, got, ok)
		}
	}
}

func TestCloneKernelHalf(t *testing.T) {
	a := frame.New(0, 1024)
	src, err := NewRoot(a)
	if err != 0 {
		t.Fatalf("NewRoot src: %v", err)
	}
	dst, err := NewRoot(a)
	if err != 0 {
		t.Fatalf("NewRoot dst: %v", err)
	}
	// top half of the 512-entry root table is the "kernel half" in
	// this test's convention.
	const kernelHalfTop = 256
	kvirt := uint64(kernelHalfTop) << (frame.PageShift + 9*2)
	phys, _ := a.AllocFrames(1)
	if err := src.Map(kvirt, phys, PermR|PermW|G); err != 0 {
		t.Fatalf("map kernel half: %v", err)
	}
	CloneKernelHalf(src, dst, kernelHalfTop)
	got, ok := dst.Translate(kvirt)
	if !ok || got != phys {
		t.Fatalf("clone: got %#x ok=%v, want %#x", got, ok, phys)
	}
}

func TestDestroyReturnsFrames(t *testing.T) {
	a, r := newRoot(t, 64)
	before := a.TotalRefcount() - uint64(a.Refcount(r.Phys)) // Destroy frees the root table too
	const virt = 0xa000
	phys, _ := r.AllocAndMap(virt, PermR|PermW)
	if a.Refcount(phys) == 0 {
		t.Fatalf("expected nonzero refcount after map")
	}
	Destroy(r, a)
	if a.Refcount(phys) != 0 {
		t.Fatalf("expected leaf frame freed by Destroy")
	}
	if a.Refcount(r.Phys) != 0 {
		t.Fatalf("expected root table frame freed by Destroy")
	}
	after := a.TotalRefcount()
	if after != before {
		t.Fatalf("expected refcount sum restored, before=%d after=%d", before, after)
	}
}
