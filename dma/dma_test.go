package dma

import (
	"bytes"
	"testing"

	"coreframe/kerr"
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

var testDev = BDF{Bus: 0, Device: 1, Function: 0}

// TestDmaCoherentRoundTrip exercises spec.md §8 scenario S6: a 2-page
// coherent DMA mapping under the direct backend round-trips a write
// through its reader, and daddr() == paddr().
func TestDmaCoherentRoundTrip(t *testing.T) {
	SetBackend(DirectBackend{})
	a := newAlloc(t, 16)
	d, err := AllocDmaCoherent(a, 2, true, testDev)
	if err.IsErr() {
		t.Fatalf("AllocDmaCoherent: %v", err)
	}
	defer d.Release()

	if Daddr(d.Paddr()) != d.Daddr() {
		t.Fatalf("direct backend: want daddr == paddr, got daddr=%v paddr=%v", d.Daddr(), d.Paddr())
	}

	want := bytes.Repeat([]byte{0x42}, 500)
	if err := d.WriteBytes(10, want); err.IsErr() {
		t.Fatalf("WriteBytes: %v", err)
	}
	got := make([]byte, len(want))
	if err := d.ReadBytes(10, got); err.IsErr() {
		t.Fatalf("ReadBytes: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch")
	}
}

// TestIntervalSetRejectsOverlap checks the global at-most-one-mapping
// invariant (spec.md §4.6).
func TestIntervalSetRejectsOverlap(t *testing.T) {
	lo, hi := mem.Paddr(0x1000), mem.Paddr(0x3000)
	if err := global.reserve(lo, hi); err.IsErr() {
		t.Fatalf("reserve: %v", err)
	}
	defer global.release(lo, hi)
	if err := global.reserve(mem.Paddr(0x2000), mem.Paddr(0x4000)); err != kerr.AlreadyMapped {
		t.Fatalf("want AlreadyMapped on overlap, got %v", err)
	}
	// A disjoint range is fine.
	if err := global.reserve(mem.Paddr(0x3000), mem.Paddr(0x4000)); err.IsErr() {
		t.Fatalf("disjoint reserve should succeed: %v", err)
	}
	global.release(mem.Paddr(0x3000), mem.Paddr(0x4000))
}

func TestDmaCoherentSplit(t *testing.T) {
	SetBackend(DirectBackend{})
	a := newAlloc(t, 16)
	d, err := AllocDmaCoherent(a, 4, true, testDev)
	if err.IsErr() {
		t.Fatalf("AllocDmaCoherent: %v", err)
	}
	left, right, err := d.Split(2 * mem.PageSize)
	if err.IsErr() {
		t.Fatalf("Split: %v", err)
	}
	defer left.Release()
	defer right.Release()

	if left.Size() != 2*mem.PageSize || right.Size() != 2*mem.PageSize {
		t.Fatalf("split halves should each be 2 pages, got %d and %d", left.Size(), right.Size())
	}

	want := []byte{0x11, 0x22, 0x33}
	if err := left.WriteBytes(0, want); err.IsErr() {
		t.Fatalf("WriteBytes on left half: %v", err)
	}
	got := make([]byte, len(want))
	right.ReadBytes(0, got)
	if bytes.Equal(got, want) {
		t.Fatalf("split halves must not share storage")
	}
}

func TestIOMMUBackendIdentityMapping(t *testing.T) {
	b := NewIOMMUBackend(false)
	SetBackend(b)
	t.Cleanup(func() { SetBackend(DirectBackend{}) })
	a := newAlloc(t, 16)
	d1, err := AllocDmaCoherent(a, 1, true, BDF{0, 1, 0})
	if err.IsErr() {
		t.Fatalf("AllocDmaCoherent: %v", err)
	}
	defer d1.Release()
	if Daddr(d1.Paddr()) != d1.Daddr() {
		t.Fatalf("IOMMU backend models identity daddr in this simplification")
	}
}

// TestIOMMUBackendRejectsDoubleMapOfSamePaddr exercises the per-device
// root table's own bookkeeping directly (spec.md §4.6 "map/unmap walks
// this table"), independent of the global interval-set invariant
// AllocDmaCoherent also enforces.
func TestIOMMUBackendRejectsDoubleMapOfSamePaddr(t *testing.T) {
	b := NewIOMMUBackend(false)
	dev := BDF{0, 2, 0}
	if _, err := b.Map(dev, mem.Paddr(0x9000), 1); err.IsErr() {
		t.Fatalf("first Map: %v", err)
	}
	if _, err := b.Map(dev, mem.Paddr(0x9000), 1); err != kerr.AlreadyMapped {
		t.Fatalf("want AlreadyMapped on re-mapping the same paddr, got %v", err)
	}
	b.Unmap(dev, 0, mem.Paddr(0x9000), 1)
	if _, err := b.Map(dev, mem.Paddr(0x9000), 1); err.IsErr() {
		t.Fatalf("Map after Unmap should succeed: %v", err)
	}
}

// TestIOMMUBackendPerDeviceIsolation checks that per-device root tables
// (the supplemented, non-default mode) don't contend with each other.
func TestIOMMUBackendPerDeviceIsolation(t *testing.T) {
	b := NewIOMMUBackend(true)
	devA, devB := BDF{0, 3, 0}, BDF{0, 4, 0}
	if _, err := b.Map(devA, mem.Paddr(0xA000), 1); err.IsErr() {
		t.Fatalf("Map devA: %v", err)
	}
	if _, err := b.Map(devB, mem.Paddr(0xA000), 1); err.IsErr() {
		t.Fatalf("per-device tables should allow the same paddr on a different device: %v", err)
	}
}

func TestConfidentialBackendSharesAndUnshares(t *testing.T) {
	tdx := NewFakeTDXModule()
	backend := NewConfidentialBackend(tdx)
	SetBackend(backend)
	t.Cleanup(func() { SetBackend(DirectBackend{}) })

	a := newAlloc(t, 16)
	d, err := AllocDmaCoherent(a, 1, true, testDev)
	if err.IsErr() {
		t.Fatalf("AllocDmaCoherent: %v", err)
	}
	if _, ok := tdx.shared[d.Paddr()]; !ok {
		t.Fatalf("page should be marked shared after alloc through a confidential backend")
	}
	d.Release()
	if _, ok := tdx.shared[d.Paddr()]; ok {
		t.Fatalf("page should be accepted back to private after release")
	}
}

func TestDmaStreamDirectionGating(t *testing.T) {
	SetBackend(DirectBackend{})
	a := newAlloc(t, 16)
	s, err := AllocDmaStream(a, 1, ToDevice, testDev)
	if err.IsErr() {
		t.Fatalf("AllocDmaStream: %v", err)
	}
	defer s.Release()
	if err := s.PrepareForDevice(); err.IsErr() {
		t.Fatalf("PrepareForDevice should be allowed for ToDevice: %v", err)
	}
	if err := s.PrepareForCPU(); err != kerr.InvalidArgs {
		t.Fatalf("PrepareForCPU should be rejected for a pure ToDevice mapping, got %v", err)
	}
}
