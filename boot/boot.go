// Package boot parses the bootloader handoff (spec.md §6): a single
// entry point receives a pointer to a boot-info structure enumerating
// the kernel command line, the physical memory map, the ACPI RSDP,
// the optional framebuffer and initramfs, and the bootloader's
// self-identification string.
//
// Grounded on gopher-os's kernel/hal/multiboot package, which walks a
// multiboot2 tag stream by type; that package reads tags straight out of
// physical memory through unsafe.Pointer since gopher-os runs bare-metal
// at the point it parses this structure. This hosted harness cannot
// dereference a bootloader-supplied physical address directly, so Parse
// takes the tag stream as a []byte instead and reads every field with
// encoding/binary, but walks tag-by-tag exactly the way findTagByType
// does (type, size, 8-byte-aligned next tag). spec.md also asks for
// fields gopher-os's multiboot package does not carry (the ACPI RSDP
// variant, initramfs) which are added here from the Multiboot2
// specification's own tag layout (module tag 3, ACPI old/new RSDP tags
// 14/15), not from any pack source, since no retrieved file parses them.
package boot

import (
	"encoding/binary"

	"coreframe/kerr"
)

// Multiboot2 tag types this package understands.
const (
	tagEnd            = 0
	tagCmdline        = 1
	tagBootloaderName = 2
	tagModule         = 3
	tagMemoryMap      = 6
	tagFramebuffer    = 8
	tagAcpiOldRSDP    = 14
	tagAcpiNewRSDP    = 15
)

// MemType classifies a physical memory map entry (spec.md §6: "Usable,
// Reserved, Reclaimable, NonVolatile, Bad, Framebuffer").
type MemType uint32

const (
	MemUsable MemType = iota + 1
	MemReserved
	MemReclaimable
	MemNonVolatile
	MemBad
	MemFramebuffer
)

// multiboot2's own mmap entry type codes, mapped into MemType.
const (
	mbMemAvailable = 1
	mbMemReserved  = 2
	mbMemAcpi      = 3
	mbMemNvs       = 4
	mbMemBad       = 5
)

func memTypeFromMultiboot(t uint32) MemType {
	switch t {
	case mbMemAvailable:
		return MemUsable
	case mbMemAcpi:
		return MemReclaimable
	case mbMemNvs:
		return MemNonVolatile
	case mbMemBad:
		return MemBad
	default:
		return MemReserved
	}
}

// MemRegion is one physical memory map entry.
type MemRegion struct {
	Base   uint64
	Length uint64
	Type   MemType
}

// AcpiVariant distinguishes what form the ACPI root pointer arrived in
// (spec.md §6: "variant: missing, RSDP, RSDT, XSDT").
type AcpiVariant int

const (
	AcpiMissing AcpiVariant = iota
	AcpiRSDP                // ACPI 1.0 RSDP, revision != 0; Addr is its RsdtAddress (0 if the tag was truncated)
	AcpiRSDT
	AcpiXSDT
)

// AcpiPointer is the bootloader's handoff of the ACPI root table.
type AcpiPointer struct {
	Variant AcpiVariant
	Addr    uint64
}

// Framebuffer describes a bootloader-initialized framebuffer.
type Framebuffer struct {
	Base          uint64
	Width, Height uint32
	Bpp           uint8
}

// Initramfs is an optional bootloader-supplied ramdisk image.
type Initramfs struct {
	Base   uint64
	Length uint64
}

// Info is everything the core needs out of the bootloader handoff.
type Info struct {
	Cmdline        string
	BootloaderName string
	MemoryMap      []MemRegion
	Acpi           AcpiPointer
	Framebuffer    *Framebuffer
	Initramfs      *Initramfs
}

// Parse walks data as a multiboot2 tag stream (an 8-byte header of
// total-size + reserved, followed by 8-byte-aligned tags) and returns the
// boot info it describes.
func Parse(data []byte) (Info, kerr.Err_t) {
	if len(data) < 8 {
		return Info{}, kerr.InvalidArgs
	}
	totalSize := binary.LittleEndian.Uint32(data[0:4])
	if int(totalSize) > len(data) {
		return Info{}, kerr.InvalidArgs
	}
	var info Info

	off := 8
	for off+8 <= int(totalSize) {
		tagType := binary.LittleEndian.Uint32(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		if tagType == tagEnd {
			break
		}
		if size < 8 || off+int(size) > int(totalSize) {
			return Info{}, kerr.InvalidArgs
		}
		payload := data[off+8 : off+int(size)]

		switch tagType {
		case tagCmdline:
			info.Cmdline = cString(payload)
		case tagBootloaderName:
			info.BootloaderName = cString(payload)
		case tagModule:
			if len(payload) >= 8 {
				start := binary.LittleEndian.Uint32(payload[0:4])
				end := binary.LittleEndian.Uint32(payload[4:8])
				if info.Initramfs == nil {
					info.Initramfs = &Initramfs{Base: uint64(start), Length: uint64(end - start)}
				}
			}
		case tagMemoryMap:
			regions, err := parseMemoryMap(payload)
			if err.IsErr() {
				return Info{}, err
			}
			info.MemoryMap = regions
		case tagFramebuffer:
			// addr(8) pitch(4) width(4) height(4) bpp(1) fb_type(1) reserved(2)
			if len(payload) >= 21 {
				info.Framebuffer = &Framebuffer{
					Base:   binary.LittleEndian.Uint64(payload[0:8]),
					Width:  binary.LittleEndian.Uint32(payload[12:16]),
					Height: binary.LittleEndian.Uint32(payload[16:20]),
					Bpp:    payload[20],
				}
			}
		case tagAcpiOldRSDP:
			info.Acpi = parseOldRSDP(payload)
		case tagAcpiNewRSDP:
			info.Acpi = parseNewRSDP(payload)
		}

		off += int(size+7) &^ 7
	}
	return info, kerr.Ok
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parseMemoryMap(payload []byte) ([]MemRegion, kerr.Err_t) {
	if len(payload) < 8 {
		return nil, kerr.InvalidArgs
	}
	entrySize := binary.LittleEndian.Uint32(payload[0:4])
	if entrySize < 24 {
		return nil, kerr.InvalidArgs
	}
	entries := payload[8:]
	var regions []MemRegion
	for off := 0; off+int(entrySize) <= len(entries); off += int(entrySize) {
		e := entries[off : off+int(entrySize)]
		regions = append(regions, MemRegion{
			Base:   binary.LittleEndian.Uint64(e[0:8]),
			Length: binary.LittleEndian.Uint64(e[8:16]),
			Type:   memTypeFromMultiboot(binary.LittleEndian.Uint32(e[16:20])),
		})
	}
	return regions, kerr.Ok
}

// parseOldRSDP reads an ACPI 1.0 RSDP (20 bytes): signature(8) checksum(1)
// oemID(6) revision(1) rsdtAddress(4). Revision 0 means RSDT-only.
func parseOldRSDP(payload []byte) AcpiPointer {
	if len(payload) < 20 {
		return AcpiPointer{Variant: AcpiRSDP}
	}
	revision := payload[15]
	if revision == 0 {
		return AcpiPointer{Variant: AcpiRSDT, Addr: uint64(binary.LittleEndian.Uint32(payload[16:20]))}
	}
	return AcpiPointer{Variant: AcpiRSDP, Addr: uint64(binary.LittleEndian.Uint32(payload[16:20]))}
}

// parseNewRSDP reads an ACPI >=2.0 RSDP (36 bytes, extends the 1.0
// layout with length(4) xsdtAddress(8) extendedChecksum(1) reserved(3)).
func parseNewRSDP(payload []byte) AcpiPointer {
	if len(payload) < 36 {
		return parseOldRSDP(payload)
	}
	xsdtAddr := binary.LittleEndian.Uint64(payload[24:32])
	return AcpiPointer{Variant: AcpiXSDT, Addr: xsdtAddr}
}
