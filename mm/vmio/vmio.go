// Package vmio supplies the byte-cursor pair and VmIo interface every
// page-backed type (frame, segment, VMO, DMA mapping) implements (spec.md
// §3 "explicit reader/writer cursors"). It is grounded on
// original_source/framework/aster-frame/src/vm/io.rs's VmReader/VmWriter,
// which spec.md's distillation mentions but does not spell out (see
// SPEC_FULL.md "Supplemented features" #1).
package vmio

import "coreframe/kerr"

// Io is the byte-addressable interface implemented by frames, segments,
// VMOs and DMA mappings.
type Io interface {
	ReadBytes(offset int, buf []byte) kerr.Err_t
	WriteBytes(offset int, buf []byte) kerr.Err_t
}

// Reader is a cursor over a read-only byte slice.
type Reader struct {
	data []byte
	pos  int
}

// NewReader wraps b for cursor-style reads starting at offset 0.
func NewReader(b []byte) *Reader { return &Reader{data: b} }

// Skip advances the cursor by n bytes and returns the reader for chaining.
func (r *Reader) Skip(n int) *Reader {
	r.pos += n
	if r.pos > len(r.data) {
		r.pos = len(r.data)
	}
	return r
}

// Remaining returns the number of unread bytes left in the cursor.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

// Read copies up to len(buf) bytes from the cursor into buf and returns the
// number of bytes copied.
func (r *Reader) Read(buf []byte) int {
	n := copy(buf, r.data[r.pos:])
	r.pos += n
	return n
}

// Writer is a cursor over a writable byte slice.
type Writer struct {
	data []byte
	pos  int
}

// NewWriter wraps b for cursor-style writes starting at offset 0.
func NewWriter(b []byte) *Writer { return &Writer{data: b} }

// Skip advances the cursor by n bytes and returns the writer for chaining.
func (w *Writer) Skip(n int) *Writer {
	w.pos += n
	if w.pos > len(w.data) {
		w.pos = len(w.data)
	}
	return w
}

// Remaining returns the number of writable bytes left in the cursor.
func (w *Writer) Remaining() int { return len(w.data) - w.pos }

// Write copies up to len(src) bytes from src into the cursor and returns the
// number of bytes copied.
func (w *Writer) Write(src []byte) int {
	n := copy(w.data[w.pos:], src)
	w.pos += n
	return n
}
