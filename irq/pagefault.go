package irq

import (
	"coreframe/kerr"
)

// PageFaultHandler is the subset of mm/vmar.Vmar's interface the page
// fault entry needs: resolve a fault at a user-space address. Declared
// here (rather than importing mm/vmar directly) so irq has no import
// cycle with the VMAR layer it dispatches into, matching how
// original_source keeps trap dispatch and VM management in separate
// crates connected only through a registered handler.
type PageFaultHandler interface {
	HandlePageFault(va uint64, isWrite bool) kerr.Err_t
}

// RecoveryFunc attempts to recover from a kernel-mode fault, e.g. a
// user-memory accessor that expects a fault and wants to turn it into an
// error return instead of a panic. It reports whether it recovered.
type RecoveryFunc func(frame *TrapFrame) bool

type recoveryRange struct {
	lo, hi  uint64
	recover RecoveryFunc
}

// userRange and its handler: the page-fault entry point dispatches to
// this Vmar for any fault address inside [lo, hi) (spec.md §4.7 "if it
// lies within the user-space range, it dispatches to the installed
// user-page-fault handler (which calls VMAR::handle_page_fault)").
var (
	userLo, userHi uint64
	userHandler    PageFaultHandler
	recoveries     []recoveryRange
)

// SetUserAddressSpace installs the handler the page-fault entry
// dispatches user-space faults to, and the range that counts as
// user-space.
func SetUserAddressSpace(lo, hi uint64, handler PageFaultHandler) {
	userLo, userHi = lo, hi
	userHandler = handler
}

// RegisterRecoveryRange adds a kernel-address range whose faults are
// offered to recover before the kernel panics (spec.md §4.7 "the kernel
// attempts to recover from a list of registered ranges (e.g. user-memory
// accessors)"). Ranges are tried in registration order.
func RegisterRecoveryRange(lo, hi uint64, recover RecoveryFunc) {
	recoveries = append(recoveries, recoveryRange{lo: lo, hi: hi, recover: recover})
}

// pageFaultErrWrite is the x86 page-fault error-code bit distinguishing
// a write access from a read, matching define_cpu_exception!'s
// PAGE_FAULT vector convention in original_source/src/kxos-frame/src/
// trap/mod.rs (the error code layout itself comes from the architecture,
// not that file, but the vector number does).
const pageFaultErrWrite = 1 << 1

// HandlePageFault is the trap entry's vector-14 handler: it inspects the
// faulting address in frame.CR2 and either dispatches to the installed
// user VMAR, tries each registered kernel recovery range in order, or
// panics if nothing claims the fault (spec.md §4.7).
func HandlePageFault(frame *TrapFrame) {
	addr := frame.CR2
	isWrite := frame.Err&pageFaultErrWrite != 0

	if userHandler != nil && addr >= userLo && addr < userHi {
		if err := userHandler.HandlePageFault(addr, isWrite); !err.IsErr() {
			return
		}
		// Fall through to the recovery list: an unrecoverable user fault
		// still deserves a chance at a registered recovery (e.g. a
		// copy_from_user path that expects to fail gracefully) before
		// this core gives up.
	}

	for _, r := range recoveries {
		if addr >= r.lo && addr < r.hi && r.recover(frame) {
			return
		}
	}

	panic("irq: unrecoverable page fault")
}
