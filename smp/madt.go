// Package smp brings application processors up to the same task runtime as
// the bootstrap processor (spec.md §4.8): parse the ACPI MADT for the AP
// local-APIC IDs, publish a boot stack for the real-mode trampoline, then
// broadcast the INIT-SIPI-SIPI wakeup sequence original_source's
// aster-frame/src/arch/x86/smp/boot.rs performs through send_boot_ipis.
// original_source locates and type-checks the MADT through the third-party
// `acpi` crate (acpi::AcpiTables, see arch/x86/kernel/acpi/mod.rs); no Go
// ACPI table library is present anywhere in the example pack, so this
// package parses the MADT's own entry stream directly against the ACPI
// spec's published layout instead of fabricating a dependency that was
// never grounded in the corpus (see DESIGN.md).
package smp

import (
	"encoding/binary"

	"coreframe/kerr"
)

// MADT entry types this package understands (ACPI spec table 5.2.12.2),
// the ones original_source's AML/MADT walk actually consumes to build its
// ProcessorInfo.
const (
	madtEntryProcessorLocalApic   = 0
	madtEntryProcessorLocalX2Apic = 9
)

// madtEntryLocalApicEnabled mirrors the MADT "Processor Enabled" flag bit;
// a disabled entry describes a socket with no processor installed.
const madtEntryLocalApicEnabled = 1 << 0

// ProcessorInfo describes one logical CPU discovered in the MADT: its ACPI
// processor id and the local-APIC (or x2APIC) id the BSP addresses it by
// when sending IPIs.
type ProcessorInfo struct {
	ProcessorID uint32
	ApicID      uint32
	IsBSP       bool
}

// ParseMADT walks a raw MADT table body (bytes immediately following the
// 36-byte ACPI table header: local-APIC address + flags, then a stream of
// variable-length entries) and returns every enabled processor it finds.
// bspApicID identifies which entry is the BSP issuing the parse (the MADT
// itself does not mark a BSP; callers read it off the current core's own
// APIC at boot, matching how get_processor_info in boot.rs is handed the
// BSP's id separately from the table walk).
func ParseMADT(body []byte, bspApicID uint32) ([]ProcessorInfo, kerr.Err_t) {
	if len(body) < 8 {
		return nil, kerr.InvalidArgs
	}
	// First 4 bytes: local APIC address. Next 4: MADT flags. Neither is
	// needed here; entries start right after them.
	entries := body[8:]

	var out []ProcessorInfo
	for len(entries) >= 2 {
		entryType := entries[0]
		entryLen := int(entries[1])
		if entryLen < 2 || entryLen > len(entries) {
			return nil, kerr.InvalidArgs
		}
		entry := entries[:entryLen]
		entries = entries[entryLen:]

		switch entryType {
		case madtEntryProcessorLocalApic:
			if entryLen < 8 {
				return nil, kerr.InvalidArgs
			}
			flags := binary.LittleEndian.Uint32(entry[4:8])
			if flags&madtEntryLocalApicEnabled == 0 {
				continue
			}
			apicID := uint32(entry[3])
			out = append(out, ProcessorInfo{
				ProcessorID: uint32(entry[2]),
				ApicID:      apicID,
				IsBSP:       apicID == bspApicID,
			})
		case madtEntryProcessorLocalX2Apic:
			if entryLen < 16 {
				return nil, kerr.InvalidArgs
			}
			flags := binary.LittleEndian.Uint32(entry[8:12])
			if flags&madtEntryLocalApicEnabled == 0 {
				continue
			}
			apicID := binary.LittleEndian.Uint32(entry[4:8])
			out = append(out, ProcessorInfo{
				ProcessorID: binary.LittleEndian.Uint32(entry[12:16]),
				ApicID:      apicID,
				IsBSP:       apicID == bspApicID,
			})
		default:
			// Other entry types (I/O APIC, interrupt source overrides,
			// NMI sources, ...) aren't relevant to AP enumeration.
		}
	}
	return out, kerr.Ok
}
