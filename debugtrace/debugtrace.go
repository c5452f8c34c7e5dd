// Package debugtrace renders diagnostics for a fatal exception (spec
// component C16): the faulting RISC-V instruction, disassembled via
// golang.org/x/arch/riscv64/riscv64asm, plus the Go-side call stack
// that led into the trap dispatcher. The "dump whatever call chain got
// us here" idea is grounded on the teacher's caller.go (Callerdump);
// the instruction decode is the one piece with no teacher analogue
// (the teacher disassembles x86, this kernel is RISC-V) so it is
// written fresh against riscv64asm's own API.
package debugtrace

import (
	"fmt"
	"runtime"

	"golang.org/x/arch/riscv64/riscv64asm"
)

// Disassemble decodes the single instruction at the front of text
// (assumed to start at pc) and renders it as "pc: mnemonic operands".
// A decode failure renders "<undecodable>" rather than panicking —
// fault logging must never itself fault.
func Disassemble(text []byte, pc uint64) string {
	inst, err := riscv64asm.Decode(text)
	if err != nil {
		return fmt.Sprintf("%#x: <undecodable>", pc)
	}
	return fmt.Sprintf("%#x: %s", pc, inst.String())
}

// CallerDump renders the Go-side call stack starting at
// runtime.Caller(start), where start 0 is CallerDump itself and 1 its
// caller — useful when a fatal kernel exception should
// also show which internal function path produced it.
func CallerDump(start int) string {
	s := ""
	for i := start; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if s == "" {
			s = fmt.Sprintf("%s:%d", file, line)
		} else {
			s += fmt.Sprintf("\n\t<-%s:%d", file, line)
		}
	}
	return s
}
