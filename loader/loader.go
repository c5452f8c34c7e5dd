// Package loader describes executable images the kernel can run and
// the ramdisk the kernel reads them from. Full ELF validation is
// explicitly out of scope (spec.md §1 treats it as an external
// collaborator's job); ParseFlat is a minimal ELF64 program-header
// reader, just enough to turn a byte blob into the segment list
// aspace.LoadImage needs, grounded on the original kernel's
// spawn_task_from_elf segment-walking loop in process.c.
package loader

import (
	"encoding/binary"
	"fmt"

	"ilo/ptable"
)

// Perm mirrors the page permission bits a segment should be mapped
// with; it is defined here rather than reusing ptable.Perm, and
// ToPTablePerm translates it into ptable.Perm for aspace.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

// Segment is one loadable region of an executable image.
type Segment struct {
	FileOffset uint64
	VirtAddr   uint64
	FileBytes  []byte
	MemSize    uint64
	Flags      Perm
}

// Image is a fully parsed, ready-to-load program.
type Image struct {
	Entry    uint64
	Segments []Segment
}

// Ramdisk is the narrow interface the kernel needs from whatever
// backs its root filesystem image; spec.md explicitly excludes
// ramdisk format parsing from the kernel itself, so this interface
// is the entire contract.
type Ramdisk interface {
	Lookup(name string) ([]byte, bool)
}

// MapRamdisk is an in-memory Ramdisk backed by a plain map, used by
// tests and by cmd/kernel when no real ramdisk image is supplied.
type MapRamdisk map[string][]byte

// Lookup implements Ramdisk.
func (m MapRamdisk) Lookup(name string) ([]byte, bool) {
	b, ok := m[name]
	return b, ok
}

// elf64 program header layout, little-endian, per the ELF64 spec:
// p_type, p_flags, p_offset, p_vaddr, p_paddr, p_filesz, p_memsz,
// p_align, each a fixed-width field. Only PT_LOAD (1) segments are
// kept.
const (
	elfMagic        = "\x7fELF"
	elfClass64      = 2
	elfPhoffOffset  = 0x20
	elfEntryOffset  = 0x18
	elfPhentsizeOff = 0x36
	elfPhnumOff     = 0x38

	phTypeLoad = 1
	phFlagX    = 1
	phFlagW    = 2
	phFlagR    = 4
)

// ParseFlat reads an ELF64 program-header table out of raw and
// returns the PT_LOAD segments as an Image. It performs only the
// structural checks needed to avoid indexing out of bounds; it is not
// a validating ELF loader (spec.md §1's Non-goals).
func ParseFlat(raw []byte) (*Image, error) {
	if len(raw) < 64 || string(raw[:4]) != elfMagic {
		return nil, fmt.Errorf("loader: not an ELF64 image")
	}
	if raw[4] != elfClass64 {
		return nil, fmt.Errorf("loader: only ELF64 is supported")
	}
	entry := binary.LittleEndian.Uint64(raw[elfEntryOffset:])
	phoff := binary.LittleEndian.Uint64(raw[elfPhoffOffset:])
	phentsize := binary.LittleEndian.Uint16(raw[elfPhentsizeOff:])
	phnum := binary.LittleEndian.Uint16(raw[elfPhnumOff:])

	img := &Image{Entry: entry}
	for i := uint16(0); i < phnum; i++ {
		off := phoff + uint64(i)*uint64(phentsize)
		if off+56 > uint64(len(raw)) {
			return nil, fmt.Errorf("loader: program header %d out of range", i)
		}
		ph := raw[off:]
		ptype := binary.LittleEndian.Uint32(ph[0:])
		if ptype != phTypeLoad {
			continue
		}
		pflags := binary.LittleEndian.Uint32(ph[4:])
		poffset := binary.LittleEndian.Uint64(ph[8:])
		pvaddr := binary.LittleEndian.Uint64(ph[16:])
		pfilesz := binary.LittleEndian.Uint64(ph[32:])
		pmemsz := binary.LittleEndian.Uint64(ph[40:])

		if poffset+pfilesz > uint64(len(raw)) {
			return nil, fmt.Errorf("loader: segment %d file range out of bounds", i)
		}
		var flags Perm
		if pflags&phFlagR != 0 {
			flags |= PermR
		}
		if pflags&phFlagW != 0 {
			flags |= PermW
		}
		if pflags&phFlagX != 0 {
			flags |= PermX
		}
		img.Segments = append(img.Segments, Segment{
			FileOffset: poffset,
			VirtAddr:   pvaddr,
			FileBytes:  raw[poffset : poffset+pfilesz],
			MemSize:    pmemsz,
			Flags:      flags,
		})
	}
	return img, nil
}

// ToPTablePerm is used by aspace to translate a segment's Flags into
// the page-table package's own Perm type, keeping this package free
// of a ptable import for anything but this one conversion helper.
func ToPTablePerm(f Perm) ptable.Perm {
	var p ptable.Perm
	if f&PermR != 0 {
		p |= ptable.PermR
	}
	if f&PermW != 0 {
		p |= ptable.PermW
	}
	if f&PermX != 0 {
		p |= ptable.PermX
	}
	return p
}
