package vmo

import (
	"bytes"
	"testing"

	"coreframe/mm/mem"
)

func newAlloc(t *testing.T, n int) *mem.Allocator {
	t.Helper()
	a, err := mem.NewHosted(n, 1)
	if err != nil {
		t.Fatalf("NewHosted: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// TestReadWriteRoundTrip exercises spec.md §8 property 6: data written
// through a VMO reads back unchanged.
func TestReadWriteRoundTrip(t *testing.T) {
	a := newAlloc(t, 16)
	v := NewAnon(a, 3*mem.PageSize, false)

	want := bytes.Repeat([]byte{0x5a}, 200)
	if err := v.WriteBytes(mem.PageSize-50, want); err.IsErr() {
		t.Fatalf("WriteBytes: %v", err)
	}
	got := make([]byte, len(want))
	if err := v.ReadBytes(mem.PageSize-50, got); err.IsErr() {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

func TestReadUncommittedIsZero(t *testing.T) {
	a := newAlloc(t, 16)
	v := NewAnon(a, mem.PageSize, false)
	buf := make([]byte, mem.PageSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	if err := v.ReadBytes(0, buf); err.IsErr() {
		t.Fatalf("ReadBytes: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d not zero: %d", i, b)
		}
	}
}

// TestForkCOWIsolation exercises spec.md §8 scenario S1 / property 4: after
// Fork, writes to the parent are invisible to the child and vice versa,
// even though both initially shared the same physical frame.
func TestForkCOWIsolation(t *testing.T) {
	a := newAlloc(t, 16)
	parent := NewAnon(a, mem.PageSize, false)
	if err := parent.WriteBytes(0, []byte("parent-data-before-fork-")); err.IsErr() {
		t.Fatalf("WriteBytes: %v", err)
	}

	child, err := parent.Fork()
	if err.IsErr() {
		t.Fatalf("Fork: %v", err)
	}

	buf := make([]byte, 24)
	if err := child.ReadBytes(0, buf); err.IsErr() {
		t.Fatalf("ReadBytes child: %v", err)
	}
	if string(buf) != "parent-data-before-fork-" {
		t.Fatalf("child did not inherit parent's committed page: %q", buf)
	}

	if err := parent.WriteBytes(0, []byte("PARENT-AFTER-FORK-WRITE")); err.IsErr() {
		t.Fatalf("WriteBytes parent: %v", err)
	}
	if err := child.WriteBytes(0, []byte("child-after-fork-write--")); err.IsErr() {
		t.Fatalf("WriteBytes child: %v", err)
	}

	parentBuf := make([]byte, 24)
	childBuf := make([]byte, 24)
	parent.ReadBytes(0, parentBuf)
	child.ReadBytes(0, childBuf)
	// The parent's write is 23 bytes, so byte 23 keeps the pre-fork '-'.
	if string(parentBuf) != "PARENT-AFTER-FORK-WRITE-" {
		t.Fatalf("parent write not visible in parent: %q", parentBuf)
	}
	if string(childBuf) != "child-after-fork-write--" {
		t.Fatalf("child write not visible in child: %q", childBuf)
	}
	if parentBuf[0] == childBuf[0] && string(parentBuf) == string(childBuf) {
		t.Fatalf("parent and child unexpectedly share storage after COW break")
	}
}

// TestSliceVisibility exercises spec.md §8 property 5: writes through a
// slice are visible through the parent at the corresponding offset and
// vice versa, since a slice shares storage rather than copying it.
func TestSliceVisibility(t *testing.T) {
	a := newAlloc(t, 16)
	parent := NewAnon(a, 4*mem.PageSize, false)
	slice := parent.Slice(mem.PageSize, 2*mem.PageSize)

	if err := slice.WriteBytes(10, []byte("via-slice")); err.IsErr() {
		t.Fatalf("WriteBytes: %v", err)
	}
	buf := make([]byte, 9)
	if err := parent.ReadBytes(mem.PageSize+10, buf); err.IsErr() {
		t.Fatalf("ReadBytes parent: %v", err)
	}
	if string(buf) != "via-slice" {
		t.Fatalf("parent did not observe slice's write: %q", buf)
	}

	if err := parent.WriteBytes(mem.PageSize+100, []byte("via-parent")); err.IsErr() {
		t.Fatalf("WriteBytes parent: %v", err)
	}
	buf2 := make([]byte, 10)
	if err := slice.ReadBytes(100, buf2); err.IsErr() {
		t.Fatalf("ReadBytes slice: %v", err)
	}
	if string(buf2) != "via-parent" {
		t.Fatalf("slice did not observe parent's write: %q", buf2)
	}
}

func TestResizeShrinkReleasesPages(t *testing.T) {
	a := newAlloc(t, 16)
	v := NewAnon(a, 4*mem.PageSize, true)
	if err := v.WriteBytes(3*mem.PageSize, []byte("x")); err.IsErr() {
		t.Fatalf("WriteBytes: %v", err)
	}
	freeBefore := a.FreeCount()
	if err := v.Resize(2 * mem.PageSize); err.IsErr() {
		t.Fatalf("Resize: %v", err)
	}
	if got := a.FreeCount(); got != freeBefore+1 {
		t.Fatalf("want %d free after shrink, got %d", freeBefore+1, got)
	}
	if v.Size() != 2*mem.PageSize {
		t.Fatalf("want size %d, got %d", 2*mem.PageSize, v.Size())
	}
}

func TestResizeRejectedWhenNotResizable(t *testing.T) {
	a := newAlloc(t, 16)
	v := NewAnon(a, mem.PageSize, false)
	if err := v.Resize(2 * mem.PageSize); !err.IsErr() {
		t.Fatalf("expected error resizing a non-resizable VMO")
	}
}
