package dma

import (
	"coreframe/kerr"
	"coreframe/mm/mem"
	"coreframe/mm/page"
	"coreframe/mm/vmio"
)

// DmaCoherent is a cache-coherent DMA memory object (spec.md §4.6): a
// contiguous run of frames the CPU can read/write through a plain
// reader/writer without manual cache maintenance, because either the
// device is cache-coherent or the region was remapped non-cacheable.
//
// original_source/ostd/src/mm/dma/dma_coherent.rs backs this with either
// a plain Segment (coherent, non-TEE path) or a non-cacheable kernel
// virtual alias (KVirtArea). This hosted core has no MMU cache-attribute
// bits to program, so both paths share the same Segment-backed storage;
// nonCacheable only records which path was taken for Split's bookkeeping
// and is otherwise inert, the documented simplification for a core with
// no real cache to disable.
type DmaCoherent struct {
	seg          page.Segment
	daddr        Daddr
	dev          BDF
	backend      Backend
	nonCacheable bool
	isCoherent   bool
}

// AllocDmaCoherent allocates nframes of physical memory for coherent DMA
// access by dev through the process-wide backend (spec.md §4.6
// "DmaCoherent::alloc(n, is_cache_coherent)"). Fails with
// kerr.AlreadyMapped if the chosen frames' physical range is already
// prepared for DMA elsewhere (the global interval-set invariant).
func AllocDmaCoherent(a *mem.Allocator, nframes int, isCacheCoherent bool, dev BDF) (*DmaCoherent, kerr.Err_t) {
	backend := currentBackend()
	seg, err := page.AllocSegment(a, nframes)
	if err.IsErr() {
		return nil, err
	}
	lo, hi := seg.StartPaddr(), seg.EndPaddr()
	if err := global.reserve(lo, hi); err.IsErr() {
		seg.Release()
		return nil, err
	}
	daddr, err := backend.Map(dev, lo, nframes)
	if err.IsErr() {
		global.release(lo, hi)
		seg.Release()
		return nil, err
	}
	nonCacheable := !isCacheCoherent || backend.RequiresNonCoherentAlias()
	return &DmaCoherent{
		seg: seg, daddr: daddr, dev: dev, backend: backend,
		nonCacheable: nonCacheable, isCoherent: isCacheCoherent,
	}, kerr.Ok
}

// Paddr returns the physical address of the mapping's first frame.
func (d *DmaCoherent) Paddr() mem.Paddr { return d.seg.StartPaddr() }

// Daddr returns the device-visible address for this mapping.
func (d *DmaCoherent) Daddr() Daddr { return d.daddr }

// Size returns the mapping's size in bytes.
func (d *DmaCoherent) Size() int { return d.seg.NBytes() }

// IsCacheCoherent reports whether this mapping was established for a
// cache-coherent device (as opposed to one needing a non-cacheable
// alias).
func (d *DmaCoherent) IsCacheCoherent() bool { return d.isCoherent }

// ReadBytes implements vmio.Io over the mapping's storage.
func (d *DmaCoherent) ReadBytes(offset int, buf []byte) kerr.Err_t {
	return d.seg.ReadBytes(offset, buf)
}

// WriteBytes implements vmio.Io over the mapping's storage.
func (d *DmaCoherent) WriteBytes(offset int, buf []byte) kerr.Err_t {
	return d.seg.WriteBytes(offset, buf)
}

// Split divides the mapping at a page-aligned byte offset into two
// independently releasable DmaCoherent handles, each keeping its own
// backend mapping and interval-set reservation (spec.md §4.6 "Exposes
// reader/writer and splits at a page offset", mirroring
// dma_coherent.rs's Split impl).
func (d *DmaCoherent) Split(offset int) (left, right *DmaCoherent, err kerr.Err_t) {
	if offset <= 0 || offset >= d.Size() || offset%mem.PageSize != 0 {
		return nil, nil, kerr.InvalidArgs
	}
	n := offset / mem.PageSize
	leftSeg, rightSeg := d.seg.Split(n)

	leftLo, leftHi := leftSeg.StartPaddr(), leftSeg.EndPaddr()
	rightLo, rightHi := rightSeg.StartPaddr(), rightSeg.EndPaddr()
	global.release(d.Paddr(), d.Paddr()+mem.Paddr(d.Size()))
	if err := global.reserve(leftLo, leftHi); err.IsErr() {
		global.reserve(d.Paddr(), d.Paddr()+mem.Paddr(d.Size()))
		return nil, nil, err
	}
	if err := global.reserve(rightLo, rightHi); err.IsErr() {
		global.release(leftLo, leftHi)
		global.reserve(d.Paddr(), d.Paddr()+mem.Paddr(d.Size()))
		return nil, nil, err
	}

	d.backend.Unmap(d.dev, d.daddr, d.Paddr(), d.seg.NFrames())
	leftDaddr, _ := d.backend.Map(d.dev, leftLo, leftSeg.NFrames())
	rightDaddr, _ := d.backend.Map(d.dev, rightLo, rightSeg.NFrames())

	left = &DmaCoherent{seg: leftSeg, daddr: leftDaddr, dev: d.dev, backend: d.backend, nonCacheable: d.nonCacheable, isCoherent: d.isCoherent}
	right = &DmaCoherent{seg: rightSeg, daddr: rightDaddr, dev: d.dev, backend: d.backend, nonCacheable: d.nonCacheable, isCoherent: d.isCoherent}
	return left, right, kerr.Ok
}

// Release tears the mapping down: unmaps it from the backend, frees the
// global interval-set reservation, and releases the underlying frames.
func (d *DmaCoherent) Release() {
	d.backend.Unmap(d.dev, d.daddr, d.Paddr(), d.seg.NFrames())
	global.release(d.Paddr(), d.Paddr()+mem.Paddr(d.Size()))
	d.seg.Release()
}

var _ vmio.Io = (*DmaCoherent)(nil)
