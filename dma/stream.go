package dma

import (
	"coreframe/kerr"
	"coreframe/mm/mem"
	"coreframe/mm/page"
	"coreframe/mm/vmio"
)

// Direction tags which way a streaming DMA mapping's ownership is
// about to transfer, the detail spec.md §4.6 leaves as "not detailed
// here" and §9 open question (a) asks to be resolved: a minimal
// direction-tagged prepare/unprepare pair rather than full
// scatter-gather chaining.
type Direction int

const (
	// ToDevice: the CPU wrote the buffer and is handing it to the
	// device; PrepareForDevice must flush CPU writes out before the
	// device reads them.
	ToDevice Direction = iota
	// FromDevice: the device is about to write the buffer; PrepareForCPU
	// must invalidate any stale CPU cache lines before the CPU reads.
	FromDevice
	// Bidirectional: both directions apply at both endpoints.
	Bidirectional
)

// DmaStream is a streaming DMA mapping: unlike DmaCoherent it is not
// assumed to be continuously coherent, so ownership of the buffer must
// be explicitly handed between CPU and device with PrepareForDevice/
// PrepareForCPU at the right points (spec.md §4.6 "must be 'unprepared'
// (cache flushed or invalidated) at the right endpoints").
type DmaStream struct {
	seg     page.Segment
	daddr   Daddr
	dev     BDF
	backend Backend
	dir     Direction
}

// AllocDmaStream allocates nframes for a streaming DMA mapping in the
// given direction.
func AllocDmaStream(a *mem.Allocator, nframes int, dir Direction, dev BDF) (*DmaStream, kerr.Err_t) {
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
	return &DmaStream{seg: seg, daddr: daddr, dev: dev, backend: backend, dir: dir}, kerr.Ok
}

// Paddr returns the physical address of the mapping's first frame.
func (s *DmaStream) Paddr() mem.Paddr { return s.seg.StartPaddr() }

// Daddr returns the device-visible address for this mapping.
func (s *DmaStream) Daddr() Daddr { return s.daddr }

// Direction returns the direction this mapping was allocated for.
func (s *DmaStream) Direction() Direction { return s.dir }

// PrepareForDevice hands ownership of the buffer to the device ahead of
// a ToDevice or Bidirectional transfer. On the coherent (Direct/IOMMU)
// backends there is no cache to flush, so this is a no-op; on the
// non-coherent alias a real implementation would flush the CPU cache
// lines covering the mapping before the device reads them (spec.md §9
// open question (a)).
func (s *DmaStream) PrepareForDevice() kerr.Err_t {
	if s.dir == FromDevice {
		return kerr.InvalidArgs
	}
	return kerr.Ok
}

// PrepareForCPU hands ownership of the buffer back to the CPU after a
// FromDevice or Bidirectional transfer, the point a real implementation
// would invalidate stale cache lines before the CPU observes the
// device's writes.
func (s *DmaStream) PrepareForCPU() kerr.Err_t {
	if s.dir == ToDevice {
		return kerr.InvalidArgs
	}
	return kerr.Ok
}

// ReadBytes implements vmio.Io over the mapping's storage.
func (s *DmaStream) ReadBytes(offset int, buf []byte) kerr.Err_t {
	return s.seg.ReadBytes(offset, buf)
}

// WriteBytes implements vmio.Io over the mapping's storage.
func (s *DmaStream) WriteBytes(offset int, buf []byte) kerr.Err_t {
	return s.seg.WriteBytes(offset, buf)
}

// Release tears the mapping down, mirroring DmaCoherent.Release.
func (s *DmaStream) Release() {
	s.backend.Unmap(s.dev, s.daddr, s.Paddr(), s.seg.NFrames())
	global.release(s.Paddr(), s.Paddr()+mem.Paddr(s.seg.NBytes()))
	s.seg.Release()
}

var _ vmio.Io = (*DmaStream)(nil)
