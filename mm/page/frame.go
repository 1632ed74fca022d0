// Package page layers typed, reference-counted page handles on top of the
// untyped slot machinery in package mem: a plain Frame, a contiguous
// Segment, and the Unpin/Finalizer glue that returns pages to the
// allocator. It mirrors the split between mem.Physmem_t and biscuit's
// Pg_t/Pa_t handles, generalized to the richer VmFrame/Segment pair in
// original_source/framework/aster-frame/src/vm/page/{frame,segment}.rs.
package page

import (
	"coreframe/kerr"
	"coreframe/mm/mem"
	"coreframe/mm/vmio"
)

// FrameMeta tags a plain physical page with no further structure (spec.md
// §3 Usage "Frame"). Its drop hook just zero-fills and returns the page,
// which mem.Allocator.Reclaim already does, so FrameMeta needs no override.
type FrameMeta struct{}

// Usage implements mem.Meta.
func (FrameMeta) Usage() mem.Usage { return mem.UsageFrame }

// Frame is a handle to a single physical page frame (original_source's
// VmFrame). Cloning shares the underlying page; Release drops one reference.
type Frame struct {
	h mem.Handle
}

// AllocFrame allocates one zeroed frame.
func AllocFrame(a *mem.Allocator, cpu int) (Frame, kerr.Err_t) {
	h, err := a.AllocOne(cpu, mem.UsageFrame, FrameMeta{})
	if err.IsErr() {
		return Frame{}, err
	}
	return Frame{h: h}, kerr.Ok
}

// AllocFrameNoZero allocates one frame without zero-filling it, for callers
// about to overwrite the whole page (biscuit's Refpg_new_nozero).
func AllocFrameNoZero(a *mem.Allocator, cpu int) (Frame, kerr.Err_t) {
	h, err := a.AllocOneNoZero(cpu, mem.UsageFrame, FrameMeta{})
	if err.IsErr() {
		return Frame{}, err
	}
	return Frame{h: h}, kerr.Ok
}

// Paddr returns the frame's physical address.
func (f Frame) Paddr() mem.Paddr { return f.h.Paddr() }

// Size returns the frame size in bytes; always mem.PageSize for the base
// paging level this core implements (spec §3 "paging level always 1").
func (f Frame) Size() int { return mem.PageSize }

// Bytes exposes the full page as a byte slice.
func (f Frame) Bytes() []byte { return f.h.Bytes() }

// Clone returns another handle to the same frame, incrementing its ref-count.
func (f Frame) Clone() Frame { return Frame{h: f.h.Clone()} }

// Release decrements the frame's ref-count, freeing it at zero.
func (f Frame) Release() { f.h.Release() }

// RefCount reports the frame's current shared ref-count.
func (f Frame) RefCount() int32 { return f.h.RefCount() }

// CopyFrom copies another frame's contents into this one. A no-op if both
// handles already refer to the same physical page.
func (f Frame) CopyFrom(src Frame) {
	if f.Paddr() == src.Paddr() {
		return
	}
	copy(f.Bytes(), src.Bytes())
}

// ReadBytes implements vmio.Io.
func (f Frame) ReadBytes(offset int, buf []byte) kerr.Err_t {
	end := offset + len(buf)
	if end < offset {
		return kerr.Overflow
	}
	if end > f.Size() {
		return kerr.InvalidArgs
	}
	n := vmio.NewReader(f.Bytes()).Skip(offset).Read(buf)
	if n != len(buf) {
		panic("page: short frame read")
	}
	return kerr.Ok
}

// WriteBytes implements vmio.Io.
func (f Frame) WriteBytes(offset int, buf []byte) kerr.Err_t {
	end := offset + len(buf)
	if end < offset {
		return kerr.Overflow
	}
	if end > f.Size() {
		return kerr.InvalidArgs
	}
	n := vmio.NewWriter(f.Bytes()).Skip(offset).Write(buf)
	if n != len(buf) {
		panic("page: short frame write")
	}
	return kerr.Ok
}

var _ mem.Meta = FrameMeta{}
var _ vmio.Io = Frame{}
