package main

import (
	"encoding/binary"
	"os"

	"coreframe/boot"
)

// buildBootInfo assembles a minimal multiboot2 tag stream describing a flat
// 64 MiB usable region, standing in for the real bootloader handoff this
// hosted harness has no physical address space to receive.
func buildBootInfo() []byte {
	const usableBytes = 64 << 20

	var tags []byte
	addTag := func(tagType uint32, payload []byte) {
		size := uint32(8 + len(payload))
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint32(hdr[0:4], tagType)
		binary.LittleEndian.PutUint32(hdr[4:8], size)
		tags = append(tags, hdr...)
		tags = append(tags, payload...)
		for len(tags)%8 != 0 {
			tags = append(tags, 0)
		}
	}

	mmapPayload := make([]byte, 8)
	binary.LittleEndian.PutUint32(mmapPayload[0:4], 24) // entry_size
	entry := make([]byte, 24)
	binary.LittleEndian.PutUint64(entry[0:8], 0x100000)
	binary.LittleEndian.PutUint64(entry[8:16], usableBytes)
	binary.LittleEndian.PutUint32(entry[16:20], 1) // multiboot MemAvailable
	mmapPayload = append(mmapPayload, entry...)
	addTag(6, mmapPayload)

	addTag(2, append([]byte("coreframe-loader"), 0))

	out := make([]byte, 8)
	out = append(out, tags...)
	out = append(out, make([]byte, 8)...) // end tag
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out
}

func main() {
	info, err := boot.Parse(buildBootInfo())
	if err.IsErr() {
		log.Errorf("boot info parse failed: %v", err)
		os.Exit(1)
	}

	k, err := Init(info, 1)
	if err.IsErr() {
		log.Errorf("kernel init failed: %v", err)
		os.Exit(1)
	}

	log.Infof("kernel up: %d frames free, kernel vmar root at %#x", k.Allocator.FreeCount(), k.KernelVM.RootPaddr())
}
