// Package irq implements the IRQ-line, trap-dispatch, and softirq
// machinery spec.md §4.7 describes: a global per-vector callback list
// hardware interrupts are dispatched through, a small fixed set of
// softirq lines with per-CPU pending bitmaps, and page-fault entry
// dispatch to either a VMAR or a list of registered kernel recovery
// ranges.
//
// Grounded on original_source/src/kxos-frame/src/trap/mod.rs (IrqLine/
// allocate_irq, the CallerRegs/CalleeRegs/TrapFrame register-save shape,
// and the define_cpu_exception! vector table) for the trap/IRQ side, and
// original_source/ostd/src/trap/softirq.rs (SoftIrqLine, NR_LINES,
// ENABLED_MASK/PENDING_MASK, process_pending's bounded
// SOFTIRQ_RUN_TIMES loop) for softirq, translated from cpu_local!/atomic
// statics into an explicit per-CPU slice this hosted core's ncpu is
// known up front for.
package irq

// CallerRegs mirrors the caller-saved integer registers a trap entry
// stub pushes before calling into Go, the same set
// original_source/src/kxos-frame/src/trap/mod.rs's CallerRegs names.
type CallerRegs struct {
	RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11 uint64
}

// CalleeRegs mirrors the callee-saved integer registers.
type CalleeRegs struct {
	RSP, RBX, RBP, R12, R13, R14, R15 uint64
}

// TrapFrame is the full register snapshot at trap entry, the
// generalization of the same-named struct in
// original_source/src/kxos-frame/src/trap/mod.rs: CR2 (faulting address,
// meaningful only for page faults), the vector/error code, and the
// hardware-pushed iret frame fields.
type TrapFrame struct {
	CR2    uint64
	Caller CallerRegs
	Callee CalleeRegs
	Vector uint64
	Err    uint64
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// CPU exception vectors, matching
// original_source/src/kxos-frame/src/trap/mod.rs's define_cpu_exception!
// table.
const (
	VectorDivideByZero         = 0
	VectorDebug                = 1
	VectorNonMaskableInterrupt = 2
	VectorBreakpoint           = 3
	VectorOverflow             = 4
	VectorBoundRangeExceeded   = 5
	VectorInvalidOpcode        = 6
	VectorDeviceNotAvailable   = 7
	VectorDoubleFault          = 8
	VectorInvalidTSS           = 10
	VectorSegmentNotPresent    = 11
	VectorStackSegmentFault    = 12
	VectorGeneralProtection    = 13
	VectorPageFault            = 14
	VectorX87FloatingPoint     = 16
	VectorAlignmentCheck       = 17
	VectorMachineCheck         = 18
	VectorSIMDFloatingPoint    = 19
)

// NumVectors is the size of the IDT this core models, matching the
// 256-entry vector table original_source's trap/mod.rs builds.
const NumVectors = 256
