package smp

import (
	"encoding/binary"

	"coreframe/kerr"
	"coreframe/mm/page"
)

// APBootStartPA is the fixed physical address the AP real-mode trampoline
// lives at, matching original_source's AP_BOOT_START_PA.
const APBootStartPA = 0x8000

// startupVector is the SIPI vector encoding APBootStartPA: SIPI's vector
// field names the start page (addr >> 12), the same shift boot.rs applies
// inline when it builds the Icr for send_startup_to_all_aps.
const startupVector = uint8(APBootStartPA >> 12)

// LocalAPIC is the IPI-sending surface send_boot_ipis needs from the local
// APIC driver. All three calls are broadcasts to every AP (destination
// shorthand "all excluding self"/"all including self" in boot.rs); a real
// implementation programs the ICR register pair the way Icr::new /
// send_ipi do, this interface exists so the sequencing below can be
// exercised without real APIC hardware.
type LocalAPIC interface {
	SendInitToAllAPs()
	SendInitDeassertToAll()
	SendStartupToAllAPs(vector uint8)
}

// Clock is the wait_ms abstraction: original_source's wait_ms busy-spins on
// a monotonic timer read with interrupts briefly re-enabled. The hosted
// harness only needs the delay accounted for, not actually elapsed.
type Clock interface {
	SleepMs(ms int)
}

// SendBootIPIs performs the INIT-SIPI-SIPI wakeup broadcast (spec.md §4.8
// step 3), matching send_boot_ipis in original_source/.../smp/boot.rs
// exactly: INIT, wait 10ms, de-assert, wait 2ms, SIPI, wait 2ms, SIPI again
// unconditionally (no per-AP success check at this point; see WaitForAPs
// for the bounded-timeout detection spec.md's Open Question (b) asks for).
func SendBootIPIs(lapic LocalAPIC, clk Clock) {
	lapic.SendInitToAllAPs()
	clk.SleepMs(10)
	lapic.SendInitDeassertToAll()
	clk.SleepMs(2)
	lapic.SendStartupToAllAPs(startupVector)
	clk.SleepMs(2)
	lapic.SendStartupToAllAPs(startupVector)
	clk.SleepMs(2)
}

// PublishBootStackArray writes the boot stack segment's base physical
// address into pointerSlot, the hosted equivalent of init_boot_stack_array
// writing through the linker-provided __ap_boot_stack_array_pointer symbol:
// the real-mode trampoline reads this slot to find its stack before jumping
// to the long-mode AP entry point.
func PublishBootStackArray(pointerSlot page.Segment, stacks page.Segment) kerr.Err_t {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(stacks.StartPaddr()))
	return pointerSlot.WriteBytes(0, buf[:])
}
