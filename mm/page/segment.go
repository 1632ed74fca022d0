package page

import (
	"coreframe/kerr"
	"coreframe/mm/mem"
	"coreframe/mm/vmio"
)

// SegmentHeadMeta tags the first frame of a contiguous run; its release hook
// frees every frame in the run, not just itself (spec.md §3 "segment head").
type SegmentHeadMeta struct {
	nframes uint32
}

// Usage implements mem.Meta.
func (m *SegmentHeadMeta) Usage() mem.Usage { return mem.UsageSegmentHead }

// OnRelease implements mem.Finalizer: it reclaims every frame in the run.
// The non-head frames were allocated with a permanent ref-count of 1 (see
// AllocSegment) precisely so that only the head's ref-count, not theirs,
// ever reaches zero; OnRelease reclaims them directly instead of going
// through the normal decrement path.
func (m *SegmentHeadMeta) OnRelease(a *mem.Allocator, headPaddr mem.Paddr) {
	for i := 0; i < int(m.nframes); i++ {
		a.Reclaim(headPaddr + mem.Paddr(i)*mem.PageSize)
	}
}

// Segment is a handle to a contiguous run of physical page frames
// (original_source's Segment). A cloned Segment shares the same underlying
// frames; dropping a sub-range does not free frames outside it (spec.md §8
// scenario S2) because the whole run is only reclaimed when the head's
// ref-count reaches zero.
type Segment struct {
	head  mem.Handle
	start uint32 // first frame index within the head's full run
	count uint32 // number of frames in this view
}

// AllocSegment allocates a physically contiguous run of n frames and
// returns a Segment covering the whole run (spec §4.1 alloc(n, meta_fn)
// specialised to plain, untyped frames).
func AllocSegment(a *mem.Allocator, n int) (Segment, kerr.Err_t) {
	if n <= 0 {
		return Segment{}, kerr.InvalidArgs
	}
	meta := &SegmentHeadMeta{nframes: uint32(n)}
	base, err := a.AllocContig(n, func(i int) mem.Meta {
		if i == 0 {
			return meta
		}
		return FrameMeta{}
	})
	if err.IsErr() {
		return Segment{}, err
	}
	// AllocContig already set refcnt=1 and installed meta for index 0; we
	// only need a Handle value pointing at the head frame it produced.
	headHandle := a.HandleAt(base)
	return Segment{head: headHandle, start: 0, count: uint32(n)}, kerr.Ok
}

// StartPaddr returns the physical address of the first frame in this view.
func (s Segment) StartPaddr() mem.Paddr {
	return s.head.Paddr() + mem.Paddr(s.start)*mem.PageSize
}

// EndPaddr returns the address just past the last frame in this view.
func (s Segment) EndPaddr() mem.Paddr {
	return s.StartPaddr() + mem.Paddr(s.count)*mem.PageSize
}

// NFrames returns the number of frames in this view.
func (s Segment) NFrames() int { return int(s.count) }

// NBytes returns the number of bytes in this view.
func (s Segment) NBytes() int { return s.NFrames() * mem.PageSize }

// Clone returns another handle over the same view, sharing the underlying
// frames (increments the head's ref-count).
func (s Segment) Clone() Segment {
	return Segment{head: s.head.Clone(), start: s.start, count: s.count}
}

// Release drops this view's reference to the underlying run. The run is
// only freed once every clone (of any sub-range) has been released.
func (s Segment) Release() { s.head.Release() }

// Range returns a new Segment over [lo, hi) of this view's frame indices.
// Panics if the requested range is empty or exceeds this view, mirroring
// original_source Segment::range's assert.
func (s Segment) Range(lo, hi int) Segment {
	if lo < 0 || hi <= lo || uint32(hi) > s.count {
		panic("page: segment sub-range out of bounds")
	}
	return Segment{
		head:  s.head.Clone(),
		start: s.start + uint32(lo),
		count: uint32(hi - lo),
	}
}

// Split divides this view at frame index n into two independently
// releasable Segments; dropping one does not affect the frames owned by the
// other (spec.md §8 scenario S2).
func (s Segment) Split(n int) (left, right Segment) {
	left = s.Range(0, n)
	right = s.Range(n, int(s.count))
	return left, right
}

// bytesAt returns the backing bytes for frame index i (relative to this
// view) within the underlying allocator.
func (s Segment) bytesAt(a *mem.Allocator, i int) []byte {
	p := s.StartPaddr() + mem.Paddr(i)*mem.PageSize
	return a.PageBytes(p)
}

// ReadBytes implements vmio.Io.
func (s Segment) ReadBytes(offset int, buf []byte) kerr.Err_t {
	end := offset + len(buf)
	if end < offset {
		return kerr.Overflow
	}
	if end > s.NBytes() {
		return kerr.InvalidArgs
	}
	a := s.head.Allocator()
	r := vmio.NewReader(nil)
	remaining := buf
	off := offset
	for len(remaining) > 0 {
		frameIdx := off / mem.PageSize
		inPage := off % mem.PageSize
		pg := s.bytesAt(a, frameIdx)
		r = vmio.NewReader(pg).Skip(inPage)
		n := r.Read(remaining)
		if n == 0 {
			panic("page: segment read made no progress")
		}
		remaining = remaining[n:]
		off += n
	}
	return kerr.Ok
}

// WriteBytes implements vmio.Io.
func (s Segment) WriteBytes(offset int, buf []byte) kerr.Err_t {
	end := offset + len(buf)
	if end < offset {
		return kerr.Overflow
	}
	if end > s.NBytes() {
		return kerr.InvalidArgs
	}
	a := s.head.Allocator()
	remaining := buf
	off := offset
	for len(remaining) > 0 {
		frameIdx := off / mem.PageSize
		inPage := off % mem.PageSize
		pg := s.bytesAt(a, frameIdx)
		w := vmio.NewWriter(pg).Skip(inPage)
		n := w.Write(remaining)
		if n == 0 {
			panic("page: segment write made no progress")
		}
		remaining = remaining[n:]
		off += n
	}
	return kerr.Ok
}

// ToFrame converts a single-frame Segment into a Frame, the inverse of the
// original_source `impl From<Frame> for Segment`.
func (s Segment) ToFrame() Frame {
	if s.count != 1 {
		panic("page: ToFrame requires a single-frame segment")
	}
	return Frame{h: s.head}
}

var _ mem.Finalizer = (*SegmentHeadMeta)(nil)
var _ vmio.Io = Segment{}
