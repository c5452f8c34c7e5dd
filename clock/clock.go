// Package clock is the kernel's time source (spec component C10): a
// free-running tick counter driven by the firmware's timebase
// frequency, exposed as a (seconds, microseconds) pair and a
// next-tick deadline programmer. There is no teacher analogue (the
// teacher targets real x86 hardware with its own APIC/TSC plumbing
// unrelated to this spec's RISC-V `sbi.Firmware.SetTimer`), so this
// package is written fresh in the teacher's documentation and naming
// register, grounded on spec.md §4.10's contract directly.
package clock

import "ilo/sbi"

// Clock derives wall time from a firmware's free-running cycle
// counter and a fixed timebase frequency (ticks per second), per
// spec.md §4.10.
type Clock struct {
	fw       sbi.Firmware
	timebase uint64 /// ticks per second, from the device tree at boot
	quantum  uint64 /// ticks per scheduling quantum
}

// New builds a Clock. timebaseHz and quantumTicks are established at
// boot from the device tree and BootConfig respectively.
func New(fw sbi.Firmware, timebaseHz uint64, quantumTicks uint64) *Clock {
	if timebaseHz == 0 {
		timebaseHz = 1
	}
	return &Clock{fw: fw, timebase: timebaseHz, quantum: quantumTicks}
}

// Now reads the firmware's free-running counter and splits it into
// (seconds, microseconds) using the configured timebase.
func (c *Clock) Now() (secs uint64, micros uint64) {
	ticks := c.fw.Ticks()
	secs = ticks / c.timebase
	rem := ticks % c.timebase
	micros = rem * 1_000_000 / c.timebase
	return secs, micros
}

// Ticks returns the raw free-running tick count.
func (c *Clock) Ticks() uint64 { return c.fw.Ticks() }

// DeadlineAfterMicros converts a microsecond duration into an absolute
// tick count deadline relative to now, using the configured timebase.
func (c *Clock) DeadlineAfterMicros(micros uint64) uint64 {
	return c.fw.Ticks() + micros*c.timebase/1_000_000
}

// ArmNextQuantum programs the firmware to interrupt one quantum from
// now, per spec.md §4.10 ("on tick: schedule one quantum ahead").
func (c *Clock) ArmNextQuantum() {
	c.fw.SetTimer(c.fw.Ticks() + c.quantum)
}

// QuantumTicks reports the configured quantum length in ticks.
func (c *Clock) QuantumTicks() uint64 { return c.quantum }
