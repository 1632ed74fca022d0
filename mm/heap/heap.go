// Package heap implements the kernel's frame-backed heap: a slab-style
// byte-range allocator fed by page.Segment donations from the frame
// allocator, with the pre-emptive and on-demand rescue policy of spec.md
// §4.2 ("Slab allocator backed by a page list fed by the frame allocator").
//
// It is grounded on original_source/ostd/src/mm/heap_allocator/mod.rs's
// LockedHeapWithRescue: that type backs Rust's #[global_allocator] so every
// `Box`/`Vec` in the original kernel ultimately bottoms out here. Go has no
// equivalent hook — the runtime's own allocator cannot be swapped — so this
// package is exposed as an explicit Allocator that callers needing
// physically-backed, manually-managed storage (page-table node pools, DMA
// bounce buffers, and the like) use directly, the same way biscuit's own
// code calls into mem.Physmem_t rather than relying on make([]byte, ...).
package heap

import (
	"sync"
	"unsafe"

	"coreframe/kerr"
	"coreframe/klog"
	"coreframe/mm/mem"
	"coreframe/mm/page"
)

// HeapMeta tags the frames backing a heap chunk (spec §3 Usage
// "KernelHeap").
type HeapMeta struct{}

// Usage implements mem.Meta.
func (HeapMeta) Usage() mem.Usage { return mem.UsageKernelHeap }

// minRescueFrames is the floor on a rescue's frame request: 64 MiB worth of
// pages, matching original_source's MIN_NUM_FRAMES constant.
const minRescueFrames = (64 << 20) / mem.PageSize

// rescueLowWaterPages is the free-byte threshold, in pages, below which a
// successful allocation pre-emptively triggers a rescue (spec §4.2 "If the
// free bytes after a successful allocation drop below four pages").
const rescueLowWaterPages = 4

// freeBlock is one entry of a chunk's address-ordered free list. Blocks are
// described by byte offset and size within that chunk's arena; there is no
// in-band header, since unlike the Rust slab allocator this package does
// not need to reconstruct a block's size from a bare pointer except when a
// caller frees it, and Free is given both pointer and length.
type freeBlock struct {
	off, size int
	next      *freeBlock
}

// chunk is one contiguous arena donated by the frame allocator, with its own
// address-ordered free list. Allocations never span chunks.
type chunk struct {
	seg   page.Segment
	bytes []byte
	free  *freeBlock
}

// Allocator is a frame-backed slab allocator implementing the standard
// "return nil on failure, never panic" global-allocator contract (spec
// §4.2: "panics on null under layout > 0 are not permitted").
type Allocator struct {
	mu        sync.Mutex
	frames    *mem.Allocator
	chunks    []*chunk
	freeBytes int
	log       *klog.Logger
}

// New creates a heap allocator with no chunks; the first Alloc call drives
// an initial rescue to seed it.
func New(frames *mem.Allocator) *Allocator {
	return &Allocator{
		frames: frames,
		log:    klog.New("heap"),
	}
}

// alignUp rounds n up to a multiple of align, which must be a power of two.
func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// Alloc returns a zeroed byte slice of exactly size bytes, aligned to align
// (which must be a power of two, and is raised to at least 8), or nil if
// the allocator could not satisfy the request even after a rescue attempt.
func (h *Allocator) Alloc(size, align int) []byte {
	if size <= 0 {
		return nil
	}
	if align < 8 {
		align = 8
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if b := h.tryAlloc(size, align); b != nil {
		h.rescueIfLowLocked(size, align)
		return b
	}
	if err := h.rescueLocked(size, align); err.IsErr() {
		return nil
	}
	b := h.tryAlloc(size, align)
	if b != nil {
		h.rescueIfLowLocked(size, align)
	}
	return b
}

// Free returns a previously allocated slice to its owning chunk's free list,
// merging with adjacent free blocks where possible. b must be exactly the
// slice returned by Alloc (same base pointer and length); passing anything
// else corrupts the allocator.
func (h *Allocator) Free(b []byte) {
	if len(b) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.chunkFor(b)
	if c == nil {
		panic("heap: free of pointer not owned by this allocator")
	}
	off := int(uintptr(unsafe.Pointer(&b[0])) - uintptr(unsafe.Pointer(&c.bytes[0])))
	h.insertFreeLocked(c, off, len(b))
	h.freeBytes += len(b)
}

// chunkFor finds the chunk whose arena contains b's backing array.
func (h *Allocator) chunkFor(b []byte) *chunk {
	lo := uintptr(unsafe.Pointer(&b[0]))
	for _, c := range h.chunks {
		if len(c.bytes) == 0 {
			continue
		}
		base := uintptr(unsafe.Pointer(&c.bytes[0]))
		if lo >= base && lo < base+uintptr(len(c.bytes)) {
			return c
		}
	}
	return nil
}

// tryAlloc attempts a first-fit allocation across existing chunks without
// growing the heap. Returns nil if no chunk has a suitable free block.
func (h *Allocator) tryAlloc(size, align int) []byte {
	for _, c := range h.chunks {
		if b := c.alloc(size, align); b != nil {
			h.freeBytes -= len(b)
			return b
		}
	}
	return nil
}

// alloc performs first-fit allocation within a single chunk, carving the
// allocation from the front of the winning free block (after any alignment
// padding) and shrinking that block in place: its offset advances but its
// position in the list does not change, so the free list stays
// address-ordered without a re-sort.
func (c *chunk) alloc(size, align int) []byte {
	var prev *freeBlock
	for b := c.free; b != nil; b = b.next {
		start := alignUp(b.off, align)
		pad := start - b.off
		need := pad + size
		if need > b.size {
			prev = b
			continue
		}
		remaining := b.size - need
		if remaining > 0 {
			b.off = start + size
			b.size = remaining
		} else {
			if prev == nil {
				c.free = b.next
			} else {
				prev.next = b.next
			}
		}
		out := c.bytes[start : start+size : start+size]
		for i := range out {
			out[i] = 0
		}
		return out
	}
	return nil
}

// insertFreeLocked merges [off, off+size) into c's free list, coalescing
// with immediate neighbors.
func (h *Allocator) insertFreeLocked(c *chunk, off, size int) {
	nb := &freeBlock{off: off, size: size}
	var prev *freeBlock
	cur := c.free
	for cur != nil && cur.off < nb.off {
		prev = cur
		cur = cur.next
	}
	nb.next = cur
	if prev == nil {
		c.free = nb
	} else {
		prev.next = nb
	}
	if cur != nil && nb.off+nb.size == cur.off {
		nb.size += cur.size
		nb.next = cur.next
	}
	if prev != nil && prev.off+prev.size == nb.off {
		prev.size += nb.size
		prev.next = nb.next
	}
}

// rescueIfLowLocked fires a pre-emptive rescue when free bytes across the
// whole heap drop below four pages after a successful allocation (spec
// §4.2). Its outcome is advisory: the allocation that triggered it already
// succeeded either way.
func (h *Allocator) rescueIfLowLocked(size, align int) {
	if h.freeBytes > rescueLowWaterPages*mem.PageSize {
		return
	}
	h.log.Debugf("low heap memory (%d bytes free), rescuing", h.freeBytes)
	_ = h.rescueLocked(size, align)
}

// rescueLocked grows the heap by donating a new segment from the frame
// allocator, sized to at least minRescueFrames pages (64 MiB worth) when
// that much is available, falling back to exactly enough frames for the
// triggering request when the larger donation fails (spec §4.2: "request a
// block of max(64 MiB, ceil(L/page)) frames").
func (h *Allocator) rescueLocked(size, align int) kerr.Err_t {
	want := (size + align + mem.PageSize - 1) / mem.PageSize
	if want < 1 {
		want = 1
	}
	n := want
	if n < minRescueFrames {
		n = minRescueFrames
	}
	seg, err := page.AllocSegment(h.frames, n)
	if err.IsErr() {
		if n == want {
			return err
		}
		seg, err = page.AllocSegment(h.frames, want)
		if err.IsErr() {
			return err
		}
		n = want
	}
	h.log.Debugf("enlarging heap by %d frames (%d bytes)", n, n*mem.PageSize)
	c := &chunk{
		seg:   seg,
		bytes: h.frames.BytesRange(seg.StartPaddr(), seg.NBytes()),
	}
	c.free = &freeBlock{off: 0, size: len(c.bytes)}
	h.chunks = append(h.chunks, c)
	h.freeBytes += len(c.bytes)
	return kerr.Ok
}

// FreeBytes returns the total unallocated byte count across all chunks,
// for diagnostics and tests.
func (h *Allocator) FreeBytes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freeBytes
}

// NumChunks returns how many segments this heap has donated from the frame
// allocator so far.
func (h *Allocator) NumChunks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.chunks)
}

var _ mem.Meta = HeapMeta{}
