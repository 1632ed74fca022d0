package boot

import (
	"encoding/binary"
	"testing"
)

// tagBuilder assembles a synthetic multiboot2 tag stream the same way
// gopher-os's own multiboot_test.go hand-assembles multibootInfoTestData,
// but built programmatically instead of as a fixed byte blob.
type tagBuilder struct {
	tags []byte
}

func (b *tagBuilder) add(tagType uint32, payload []byte) {
	size := uint32(8 + len(payload))
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], tagType)
	binary.LittleEndian.PutUint32(hdr[4:8], size)
	b.tags = append(b.tags, hdr...)
	b.tags = append(b.tags, payload...)
	for len(b.tags)%8 != 0 {
		b.tags = append(b.tags, 0)
	}
}

func (b *tagBuilder) build() []byte {
	var out []byte
	out = append(out, make([]byte, 8)...) // total_size + reserved placeholder
	out = append(out, b.tags...)
	out = append(out, 0, 0, 0, 0, 0, 0, 0, 0) // end tag
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out
}

func cstringPayload(s string) []byte {
	return append([]byte(s), 0)
}

func TestParseCmdlineAndBootloaderName(t *testing.T) {
	var b tagBuilder
	b.add(tagCmdline, cstringPayload("console=ttyS0"))
	b.add(tagBootloaderName, cstringPayload("GRUB 2.06"))

	info, err := Parse(b.build())
	if err.IsErr() {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Cmdline != "console=ttyS0" {
		t.Fatalf("want cmdline parsed, got %q", info.Cmdline)
	}
	if info.BootloaderName != "GRUB 2.06" {
		t.Fatalf("want bootloader name parsed, got %q", info.BootloaderName)
	}
}

func TestParseMemoryMapMapsEveryType(t *testing.T) {
	entry := func(base, length uint64, mbType uint32) []byte {
		e := make([]byte, 24)
		binary.LittleEndian.PutUint64(e[0:8], base)
		binary.LittleEndian.PutUint64(e[8:16], length)
		binary.LittleEndian.PutUint32(e[16:20], mbType)
		return e
	}
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], 24) // entry_size
	binary.LittleEndian.PutUint32(payload[4:8], 0)  // entry_version
	payload = append(payload, entry(0, 0x1000, mbMemAvailable)...)
	payload = append(payload, entry(0x1000, 0x1000, mbMemReserved)...)
	payload = append(payload, entry(0x2000, 0x1000, mbMemAcpi)...)
	payload = append(payload, entry(0x3000, 0x1000, mbMemNvs)...)
	payload = append(payload, entry(0x4000, 0x1000, mbMemBad)...)

	var b tagBuilder
	b.add(tagMemoryMap, payload)

	info, err := Parse(b.build())
	if err.IsErr() {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []MemType{MemUsable, MemReserved, MemReclaimable, MemNonVolatile, MemBad}
	if len(info.MemoryMap) != len(want) {
		t.Fatalf("want %d regions, got %d", len(want), len(info.MemoryMap))
	}
	for i, region := range info.MemoryMap {
		if region.Type != want[i] {
			t.Errorf("region %d: want type %d, got %d", i, want[i], region.Type)
		}
	}
}

func TestParseFramebuffer(t *testing.T) {
	payload := make([]byte, 21)
	binary.LittleEndian.PutUint64(payload[0:8], 0xFD000000)
	binary.LittleEndian.PutUint32(payload[12:16], 1920)
	binary.LittleEndian.PutUint32(payload[16:20], 1080)
	payload[20] = 32

	var b tagBuilder
	b.add(tagFramebuffer, payload)

	info, err := Parse(b.build())
	if err.IsErr() {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Framebuffer == nil {
		t.Fatalf("want framebuffer parsed")
	}
	if info.Framebuffer.Base != 0xFD000000 || info.Framebuffer.Width != 1920 || info.Framebuffer.Height != 1080 || info.Framebuffer.Bpp != 32 {
		t.Fatalf("unexpected framebuffer fields: %+v", info.Framebuffer)
	}
}

func TestParseModuleBecomesInitramfs(t *testing.T) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], 0x100000)
	binary.LittleEndian.PutUint32(payload[4:8], 0x200000)
	payload = append(payload, cstringPayload("initramfs")...)

	var b tagBuilder
	b.add(tagModule, payload)

	info, err := Parse(b.build())
	if err.IsErr() {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Initramfs == nil {
		t.Fatalf("want initramfs parsed from the module tag")
	}
	if info.Initramfs.Base != 0x100000 || info.Initramfs.Length != 0x100000 {
		t.Fatalf("unexpected initramfs fields: %+v", info.Initramfs)
	}
}

func TestParseAcpiVariantsMissingOldNew(t *testing.T) {
	// Missing: no ACPI tag at all.
	empty, err := Parse((&tagBuilder{}).build())
	if err.IsErr() {
		t.Fatalf("unexpected error: %v", err)
	}
	if empty.Acpi.Variant != AcpiMissing {
		t.Fatalf("want AcpiMissing, got %v", empty.Acpi.Variant)
	}

	// Old RSDP, ACPI 1.0 (revision 0): resolves to RSDT.
	oldRsdp := make([]byte, 20)
	oldRsdp[15] = 0
	binary.LittleEndian.PutUint32(oldRsdp[16:20], 0xE0000)
	var b1 tagBuilder
	b1.add(tagAcpiOldRSDP, oldRsdp)
	info1, err := Parse(b1.build())
	if err.IsErr() {
		t.Fatalf("unexpected error: %v", err)
	}
	if info1.Acpi.Variant != AcpiRSDT || info1.Acpi.Addr != 0xE0000 {
		t.Fatalf("want AcpiRSDT @ 0xE0000, got %+v", info1.Acpi)
	}

	// New RSDP, ACPI >=2.0: resolves to XSDT.
	newRsdp := make([]byte, 36)
	binary.LittleEndian.PutUint64(newRsdp[24:32], 0x7FE00000)
	var b2 tagBuilder
	b2.add(tagAcpiNewRSDP, newRsdp)
	info2, err := Parse(b2.build())
	if err.IsErr() {
		t.Fatalf("unexpected error: %v", err)
	}
	if info2.Acpi.Variant != AcpiXSDT || info2.Acpi.Addr != 0x7FE00000 {
		t.Fatalf("want AcpiXSDT @ 0x7FE00000, got %+v", info2.Acpi)
	}
}

func TestParseRejectsTruncatedStream(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); !err.IsErr() {
		t.Fatalf("want an error parsing a too-short buffer")
	}

	// total_size claims more than the buffer actually holds.
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], 1000)
	if _, err := Parse(buf); !err.IsErr() {
		t.Fatalf("want an error when total_size exceeds buffer length")
	}
}
