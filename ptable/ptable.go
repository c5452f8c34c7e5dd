// Package ptable is the kernel's SV39 page-table engine (spec
// component C3): three levels of 512-entry tables, a physical-page
// leaf at the bottom, 4 KiB pages. The bit layout is grounded on the
// original kernel's mmu.h (MMU_BIT_VALID/READ/WRITE/EXEC/USER/GLOBAL/
// ACCESSED/DIRTY); the table-walking and kernel-half cloning idiom is
// grounded on the teacher's mem/dmap.go (Pmap_t as a [512]Pa_t array
// of PTEs, a direct-mapped "safe" window over all of physical RAM).
package ptable

import (
	"ilo/defs"
	"ilo/frame"
	"ilo/util"
)

// PTE bit positions, matching the original kernel's mmu.h exactly.
type PTE uint64

const (
	V PTE = 1 << 0 /// valid
	R PTE = 1 << 1 /// readable
	W PTE = 1 << 2 /// writable
	X PTE = 1 << 3 /// executable
	U PTE = 1 << 4 /// user accessible
	G PTE = 1 << 5 /// global (persists across address-space switch)
	A PTE = 1 << 6 /// accessed
	D PTE = 1 << 7 /// dirty

	flagBits = 0x3ff
	ppnShift = 10
)

// Perm is the subset of {R,W,X,U} a caller supplies to Map/AllocAndMap;
// the engine ORs in V (and A|D, set eagerly since this kernel has no
// access-bit faulting) itself.
type Perm = PTE

const (
	PermR = R
	PermW = W
	PermX = X
	PermU = U
)

const (
	entriesPerTable = 512
	levels          = 3 // SV39: three levels of page tables
)

func ppn(phys uint64) uint64   { return (phys / frame.PageSize) }
func fromPPN(n uint64) uint64  { return n * frame.PageSize }
func vpnAt(virt uint64, lvl int) uint64 {
	shift := uint(frame.PageShift + 9*lvl)
	return (virt >> shift) & 0x1ff
}

// Valid reports whether the V bit is set.
func (p PTE) Valid() bool { return p&V != 0 }

// IsLeaf reports whether the entry maps a page (any of R/W/X set);
// an entry that is valid but has none of R/W/X set is a pointer to
// the next-level table, per spec.md §3.
func (p PTE) IsLeaf() bool { return p.Valid() && p&(R|W|X) != 0 }

// Phys extracts the physical address the entry's PPN field names.
func (p PTE) Phys() uint64 { return fromPPN(uint64(p) >> ppnShift) }

func mkPTE(phys uint64, perm Perm) PTE {
	return PTE(ppn(phys)<<ppnShift) | PTE(perm) | V
}

// Table is a view over one level of a page table: 512 PTEs backed by
// a single physical frame.
type Table struct {
	alloc *frame.Allocator
	phys  uint64
}

func tableAt(alloc *frame.Allocator, phys uint64) Table {
	return Table{alloc: alloc, phys: phys}
}

func (t Table) bytes() []byte { return t.alloc.PhysToSafe(t.phys, frame.PageSize) }

func (t Table) entry(idx uint64) PTE {
	b := t.bytes()
	return PTE(util.Readn(b, 8, int(idx*8)))
}

func (t Table) setEntry(idx uint64, p PTE) {
	b := t.bytes()
	util.Writen(b, 8, int(idx*8), uint64(p))
}

// Root represents one address space's root page table (the top-level
// SV39 table).
type Root struct {
	Phys  uint64
	alloc *frame.Allocator
}

// NewRoot allocates a fresh, empty root table frame.
func NewRoot(alloc *frame.Allocator) (Root, defs.Err_t) {
	phys, err := alloc.AllocFrames(1)
	if err != 0 {
		return Root{}, err
	}
	return Root{Phys: phys, alloc: alloc}, 0
}

func (r Root) table(phys uint64) Table { return tableAt(r.alloc, phys) }

// walkToEntry returns a (table, index) locating the leaf slot for
// virt, allocating intermediate table frames on demand when
// allocateTables is true. It never allocates the final leaf itself — only the tables
// on the path to it.
func (r Root) walkToEntry(virt uint64, allocateTables bool) (Table, uint64, defs.Err_t) {
	cur := r.table(r.Phys)
	for lvl := levels - 1; lvl > 0; lvl-- {
		idx := vpnAt(virt, lvl)
		e := cur.entry(idx)
		if !e.Valid() {
			if !allocateTables {
				return Table{}, 0, defs.EFAULT
			}
			childPhys, err := r.alloc.AllocFrames(1)
			if err != 0 {
				return Table{}, 0, err
			}
			cur.setEntry(idx, mkPTE(childPhys, V))
			cur = r.table(childPhys)
			continue
		}
		if e.IsLeaf() {
			// a huge-page leaf exists where we expected a table pointer.
			return Table{}, 0, defs.EINVAL
		}
		cur = r.table(e.Phys())
	}
	return cur, vpnAt(virt, 0), 0
}

// WalkToEntry is the exported read/allocate walk for callers that
// need direct access to a leaf's slot, per spec.md §4.3 ("walk_to_entry(virt) -> PTE*, allocating
// intermediate tables on demand when called by map").
func (r Root) WalkToEntry(virt uint64) (Table, uint64, defs.Err_t) {
	return r.walkToEntry(virt, true)
}

// Translate performs a read-only walk, returning the mapped physical
// address (including the page offset of virt) or false if unmapped.
func (r Root) Translate(virt uint64) (uint64, bool) {
	t, idx, err := r.walkToEntry(alignDown(virt), false)
	if err != 0 {
		return 0, false
	}
	e := t.entry(idx)
	if !e.IsLeaf() {
		return 0, false
	}
	return e.Phys() + (virt & (frame.PageSize - 1)), true
}

func alignDown(v uint64) uint64 { return v &^ (frame.PageSize - 1) }

// Map installs a leaf PTE mapping virt (must be page-aligned) to phys
// with the given permissions. It fails with EALREADYMAPPED if the
// leaf is already valid, per spec.md §4.3.
func (r Root) Map(virt, phys uint64, perm Perm) defs.Err_t {
	if virt%frame.PageSize != 0 || phys%frame.PageSize != 0 {
		return defs.EINVAL
	}
	t, idx, err := r.walkToEntry(virt, true)
	if err != 0 {
		return err
	}
	if t.entry(idx).Valid() {
		return defs.EALREADYMAPPED
	}
	t.setEntry(idx, mkPTE(phys, perm|A|D))
	return 0
}

// AllocAndMap combines a frame allocation with Map. If virt is
// already mapped with exactly the same permissions it is a no-op that
// returns the existing frame (idempotent, per spec.md §4.3);
// otherwise the existing state is left untouched and EALREADYMAPPED
// is returned.
func (r Root) AllocAndMap(virt uint64, perm Perm) (uint64, defs.Err_t) {
	if virt%frame.PageSize != 0 {
		return 0, defs.EINVAL
	}
	t, idx, err := r.walkToEntry(virt, true)
	if err != 0 {
		return 0, err
	}
	if e := t.entry(idx); e.Valid() {
		if e.IsLeaf() && PTE(e)&(R|W|X|U) == perm&(R|W|X|U) {
			return e.Phys(), 0
		}
		return 0, defs.EALREADYMAPPED
	}
	phys, err := r.alloc.AllocFrames(1)
	if err != 0 {
		return 0, err
	}
	t.setEntry(idx, mkPTE(phys, perm|A|D))
	return phys, 0
}

// ChangeFlags rewrites the permission bits of the leaf at virt,
// preserving its physical mapping. It is a no-op when the leaf is
// absent, per spec.md §4.3.
func (r Root) ChangeFlags(virt uint64, perm Perm) {
	t, idx, err := r.walkToEntry(alignDown(virt), false)
	if err != 0 {
		return
	}
	e := t.entry(idx)
	if !e.IsLeaf() {
		return
	}
	t.setEntry(idx, mkPTE(e.Phys(), perm|A|D))
}

// Unmap clears the leaf at virt and returns the frame it pointed to
// (0, false if nothing was mapped there). The caller is responsible
// for decrementing the returned frame's refcount, per spec.md §4.3.
func (r Root) Unmap(virt uint64) (uint64, bool) {
	t, idx, err := r.walkToEntry(alignDown(virt), false)
	if err != 0 {
		return 0, false
	}
	e := t.entry(idx)
	if !e.IsLeaf() {
		return 0, false
	}
	t.setEntry(idx, 0)
	return e.Phys(), true
}

// MapRangeIdentity installs identity (virt == phys) leaf mappings
// covering [start, end) — used to build the kernel's own half of the
// address space over the simulated RAM range.
func (r Root) MapRangeIdentity(start, end uint64, perm Perm) defs.Err_t {
	for p := alignDown(start); p < end; p += frame.PageSize {
		if err := r.Map(p, p, perm); err != 0 && err != defs.EALREADYMAPPED {
			return err
		}
	}
	return 0
}

// CloneKernelHalf copies every valid entry of src's top-level table
// whose virtual range falls at or above kernelHalf into dst, so that
// every address space shares the same kernel mappings (spec.md §3's
// AddressSpace invariant). Entries are expected to carry G=1 so the
// caller may safely reuse the same table-pointer entries across roots
// without defeating the global-page TLB optimization on real
// hardware; in this simulation the copy is what matters.
func CloneKernelHalf(src, dst Root, kernelHalfVPNTop uint64) {
	st := src.table(src.Phys)
	dt := dst.table(dst.Phys)
	for idx := kernelHalfVPNTop; idx < entriesPerTable; idx++ {
		e := st.entry(idx)
		if e.Valid() {
			dt.setEntry(idx, e)
		}
	}
}

// Destroy walks every non-global leaf reachable from root, returns
// each leaf's frame to the allocator via decr, and frees the table
// frames themselves, per spec.md §4.3.
func Destroy(r Root, alloc *frame.Allocator) {
	destroyLevel(r, r.Phys, levels, alloc)
}

func destroyLevel(r Root, tablePhys uint64, lvl int, alloc *frame.Allocator) {
	t := r.table(tablePhys)
	for idx := uint64(0); idx < entriesPerTable; idx++ {
		e := t.entry(idx)
		if !e.Valid() {
			continue
		}
		if e&G != 0 {
			continue // kernel-global entries belong to the kernel, not this AS
		}
		if e.IsLeaf() {
			alloc.Decr(e.Phys(), 1, 1)
			continue
		}
		if lvl > 1 {
			destroyLevel(r, e.Phys(), lvl-1, alloc)
		}
	}
	alloc.Decr(tablePhys, 1, 1)
}
