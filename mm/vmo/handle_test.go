package vmo

import (
	"testing"

	"coreframe/kerr"
	"coreframe/mm/mem"
	"coreframe/rights"
)

func newHandleAllocator(t *testing.T, n int) *mem.Allocator {
	t.Helper()
	a, err := mem.NewHosted(n, 1)
	if err != nil {
		t.Fatalf("NewHosted: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// TestHandleReadRequiresRead exercises spec.md §4.11: a handle without
// Read cannot read, regardless of what the underlying Vmo would allow.
func TestHandleReadRequiresRead(t *testing.T) {
	a := newHandleAllocator(t, 4)
	v := NewAnon(a, mem.PageSize, false)
	h := NewHandle(v, rights.Write)

	buf := make([]byte, 8)
	if err := h.ReadBytes(0, buf); err != kerr.PermissionDenied {
		t.Fatalf("want PermissionDenied without Read, got %v", err)
	}

	h2 := NewHandle(v, rights.Read)
	if err := h2.ReadBytes(0, buf); err.IsErr() {
		t.Fatalf("ReadBytes with Read: %v", err)
	}
}

// TestHandleWriteRequiresWrite covers write, resize, decommit, and clear
// all gating on Write per spec.md §4.11.
func TestHandleWriteRequiresWrite(t *testing.T) {
	a := newHandleAllocator(t, 4)
	v := NewAnon(a, mem.PageSize, true)
	ro := NewHandle(v, rights.Read)

	if err := ro.WriteBytes(0, []byte{1}); err != kerr.PermissionDenied {
		t.Fatalf("WriteBytes: want PermissionDenied, got %v", err)
	}
	if err := ro.Resize(2 * mem.PageSize); err != kerr.PermissionDenied {
		t.Fatalf("Resize: want PermissionDenied, got %v", err)
	}
	if err := ro.Decommit(0, mem.PageSize); err != kerr.PermissionDenied {
		t.Fatalf("Decommit: want PermissionDenied, got %v", err)
	}
	if err := ro.Clear(0, mem.PageSize); err != kerr.PermissionDenied {
		t.Fatalf("Clear: want PermissionDenied, got %v", err)
	}

	rw := NewHandle(v, rights.Read|rights.Write)
	if err := rw.WriteBytes(0, []byte{1}); err.IsErr() {
		t.Fatalf("WriteBytes with Write: %v", err)
	}
	if err := rw.Clear(0, mem.PageSize); err.IsErr() {
		t.Fatalf("Clear with Write: %v", err)
	}
}

// TestHandleDupRequiresDup covers slicing and COW-forking both gating on
// Dup, and that the derived handle's rights never exceed the parent's
// (spec.md §8 property 7).
func TestHandleDupRequiresDup(t *testing.T) {
	a := newHandleAllocator(t, 4)
	v := NewAnon(a, mem.PageSize, false)
	noDup := NewHandle(v, rights.Read|rights.Write)

	if _, err := noDup.NewSliceChild(0, mem.PageSize, rights.All); err != kerr.PermissionDenied {
		t.Fatalf("NewSliceChild: want PermissionDenied without Dup, got %v", err)
	}
	if _, err := noDup.NewCOWChild(rights.All); err != kerr.PermissionDenied {
		t.Fatalf("NewCOWChild: want PermissionDenied without Dup, got %v", err)
	}

	full := NewHandle(v, rights.All)
	slice, err := full.NewSliceChild(0, mem.PageSize, rights.Read)
	if err.IsErr() {
		t.Fatalf("NewSliceChild: %v", err)
	}
	if slice.Rights() != rights.Read {
		t.Fatalf("sliced handle should be restricted to Read, got %v", slice.Rights())
	}

	child, err := full.NewCOWChild(rights.Read | rights.Write)
	if err.IsErr() {
		t.Fatalf("NewCOWChild: %v", err)
	}
	if child.Rights().Has(rights.Dup) {
		t.Fatalf("forked handle should not inherit Dup once restricted, got %v", child.Rights())
	}
}
