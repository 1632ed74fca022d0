package pt

import (
	"testing"

	"coreframe/kerr"
	"coreframe/mm/mem"
)

func newHarness(t *testing.T, nframes int) (*mem.Allocator, *RCUDomain) {
	t.Helper()
	a, err := mem.NewHosted(nframes, 1)
	if err != nil {
		t.Fatalf("NewHosted: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, NewRCUDomain(a)
}

func TestMapUnmapTranslate(t *testing.T) {
	a, rcu := newHarness(t, 64)
	table, err := New(a, rcu)
	if err.IsErr() {
		t.Fatalf("New: %v", err)
	}

	leaf, aerr := a.AllocOne(0, mem.UsageFrame, nil)
	if aerr.IsErr() {
		t.Fatalf("AllocOne: %v", aerr)
	}
	const va = uint64(0x4000_0000)

	if err := table.Map(va, leaf.Paddr(), PropRead|PropWrite|PropUser, true, 7); err.IsErr() {
		t.Fatalf("Map: %v", err)
	}
	if err := table.Map(va, leaf.Paddr(), PropRead, true, 7); err != kerr.AlreadyMapped {
		t.Fatalf("expected AlreadyMapped remapping same va, got %v", err)
	}

	paddr, prop, tracked, vmoID, ok := table.Translate(va)
	if !ok {
		t.Fatalf("Translate: expected mapping")
	}
	if paddr != leaf.Paddr() || prop != (PropRead|PropWrite|PropUser) || !tracked || vmoID != 7 {
		t.Fatalf("Translate returned unexpected state: %v %v %v %v", paddr, prop, tracked, vmoID)
	}

	got, uerr := table.Unmap(va)
	if uerr.IsErr() {
		t.Fatalf("Unmap: %v", uerr)
	}
	if got != leaf.Paddr() {
		t.Fatalf("Unmap returned wrong paddr")
	}
	if _, _, _, _, ok := table.Translate(va); ok {
		t.Fatalf("expected no mapping after unmap")
	}
	leaf.Release()
	table.Destroy()
}

func TestMapRangeAndProtectRange(t *testing.T) {
	a, rcu := newHarness(t, 64)
	table, err := New(a, rcu)
	if err.IsErr() {
		t.Fatalf("New: %v", err)
	}
	seg, serr := a.AllocContig(4, func(int) mem.Meta { return nil })
	if serr.IsErr() {
		t.Fatalf("AllocContig: %v", serr)
	}
	const va = uint64(0x1_0000_0000)
	if err := table.MapRange(va, seg, 4, PropRead|PropWrite, false, 0); err.IsErr() {
		t.Fatalf("MapRange: %v", err)
	}
	for i := 0; i < 4; i++ {
		if _, _, _, _, ok := table.Translate(va + uint64(i)*mem.PageSize); !ok {
			t.Fatalf("page %d not mapped", i)
		}
	}
	n := table.ProtectRange(va, 4, PropRead)
	if n != 4 {
		t.Fatalf("want 4 pages protected, got %d", n)
	}
	_, prop, _, _, _ := table.Translate(va)
	if prop != PropRead {
		t.Fatalf("protect did not stick: %v", prop)
	}
	if got := table.UnmapRange(va, 4); got != 4 {
		t.Fatalf("want 4 pages unmapped, got %d", got)
	}
	table.Destroy()
}

// TestRCUDeferredFreeing exercises spec.md §4.3's deferred-freeing
// requirement: tearing down a table retires its interior nodes instead of
// reclaiming them inline, and only Quiesce returns them to the allocator.
func TestRCUDeferredFreeing(t *testing.T) {
	a, rcu := newHarness(t, 64)
	table, err := New(a, rcu)
	if err.IsErr() {
		t.Fatalf("New: %v", err)
	}
	// Force at least one interior node below the root by mapping a va that
	// requires walking through 3 intermediate levels.
	leaf, aerr := a.AllocOne(0, mem.UsageFrame, nil)
	if aerr.IsErr() {
		t.Fatalf("AllocOne: %v", aerr)
	}
	if err := table.Map(1<<30, leaf.Paddr(), PropRead, true, 0); err.IsErr() {
		t.Fatalf("Map: %v", err)
	}
	table.Unmap(1 << 30)
	leaf.Release()

	before := a.FreeCount()
	table.Destroy()
	if rcu.Pending() == 0 {
		t.Fatalf("expected interior nodes retired, not reclaimed, after Destroy")
	}
	duringFree := a.FreeCount()
	if duringFree != before {
		t.Fatalf("nodes should not be freed before Quiesce: before=%d during=%d", before, duringFree)
	}
	reclaimed := rcu.Quiesce()
	if reclaimed == 0 {
		t.Fatalf("Quiesce reclaimed nothing")
	}
	if a.FreeCount() != before+reclaimed {
		t.Fatalf("want %d free after quiesce, got %d", before+reclaimed, a.FreeCount())
	}
}
