package irq

import (
	"golang.org/x/arch/x86/x86asm"

	"coreframe/kerr"
)

// MMIOAccess describes a decoded memory-mapped I/O access recovered
// from the faulting instruction bytes: whether it writes or reads
// memory, and the operand width. The page-fault path uses this when a
// VMAR mapping is backed by device memory rather than a VMO page that
// can simply be faulted in (spec.md §4.7's registered-recovery-ranges
// mechanism, specialized to MMIO emulation).
type MMIOAccess struct {
	IsWrite    bool
	WidthBytes int
}

// DecodeMMIOFault decodes the instruction at the faulting RIP (code must
// start at that byte) to recover the access direction and width needed
// to emulate it against an MMIO-backed register, the Go ecosystem's
// stand-in for the raw InterruptStackFrame-adjacent instruction decode
// original_source's arch/x86 trap plumbing performs in-place on real
// hardware (there is no single original_source file doing exactly this
// decode — x86 traps there carry no faulting-instruction bytes to decode
// in software since the CPU's own page-walk already resolved the access
// — so mode is this package's own addition for the hosted harness, using
// x86asm the way SPEC_FULL.md's DOMAIN STACK section calls for).
func DecodeMMIOFault(code []byte, mode int) (MMIOAccess, kerr.Err_t) {
	inst, err := x86asm.Decode(code, mode)
	if err != nil {
		return MMIOAccess{}, kerr.Fault
	}
	width := inst.DataSize / 8
	// x86asm reports operands in Intel order (destination first); a
	// memory operand in the destination slot is a write, one in a
	// source slot is a read.
	if inst.Args[0] != nil {
		if _, ok := inst.Args[0].(x86asm.Mem); ok {
			return MMIOAccess{IsWrite: true, WidthBytes: width}, kerr.Ok
		}
	}
	for _, arg := range inst.Args[1:] {
		if arg == nil {
			break
		}
		if _, ok := arg.(x86asm.Mem); ok {
			return MMIOAccess{IsWrite: false, WidthBytes: width}, kerr.Ok
		}
	}
	return MMIOAccess{}, kerr.NotSupported
}
