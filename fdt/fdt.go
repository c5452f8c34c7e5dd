// Package fdt exposes the three device-tree queries the kernel
// actually needs at boot. Parsing a real flattened device tree blob
// is explicitly out of scope (spec.md §1); DeviceTree is the narrow
// collaborator interface the boot path depends on, and Static answers
// it directly from BootConfig. The query shapes are grounded on the
// pack's tinyrange-cc internal/fdt builder, which exposes the same
// memory/timebase/address-cells trio when constructing a synthetic
// device tree for a guest kernel.
package fdt

// DeviceTree is the subset of a flattened device tree the kernel
// consults during boot.
type DeviceTree interface {
	MemoryRange() (base, size uint64)
	TimebaseFrequency() uint64
	AddressCells() (addrCells, sizeCells uint32)
}

// Static is a DeviceTree built directly from known values, standing
// in for a parsed FDT blob.
type Static struct {
	Base, Size        uint64
	Timebase          uint64
	AddrCells, SizeCells uint32
}

// MemoryRange implements DeviceTree.
func (s Static) MemoryRange() (uint64, uint64) { return s.Base, s.Size }

// TimebaseFrequency implements DeviceTree.
func (s Static) TimebaseFrequency() uint64 { return s.Timebase }

// AddressCells implements DeviceTree.
func (s Static) AddressCells() (uint32, uint32) { return s.AddrCells, s.SizeCells }
