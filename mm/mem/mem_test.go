package mem

import (
	"testing"

	"coreframe/kerr"
)

type testMeta struct{}

func (testMeta) Usage() Usage { return UsageFrame }

func newTestAllocator(t *testing.T, n int) *Allocator {
	t.Helper()
	a, err := NewHosted(n, 1)
	if err != nil {
		t.Fatalf("NewHosted: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// TestFrameConservation exercises spec §8 property 1: total allocated bytes
// equals the sum over live handles of (frames * page size).
func TestFrameConservation(t *testing.T) {
	a := newTestAllocator(t, 16)
	total := a.NFrames()
	if a.FreeCount() != total {
		t.Fatalf("want %d free, got %d", total, a.FreeCount())
	}

	var live []Handle
	for i := 0; i < 5; i++ {
		h, err := a.AllocOne(0, UsageFrame, testMeta{})
		if err.IsErr() {
			t.Fatalf("AllocOne: %v", err)
		}
		live = append(live, h)
	}
	if got := a.FreeCount(); got != total-5 {
		t.Fatalf("want %d free after 5 allocs, got %d", total-5, got)
	}
	for _, h := range live {
		h.Release()
	}
	if got := a.FreeCount(); got != total {
		t.Fatalf("want %d free after release, got %d", total, got)
	}
}

// TestRefcountSafety exercises spec §8 property 2 and the S7 scenario: the
// unique sentinel is reachable only with no outstanding shared handle, and a
// concurrent second attempt at uniqueness fails.
func TestRefcountSafety(t *testing.T) {
	a := newTestAllocator(t, 4)
	h, err := a.AllocOne(0, UsageFrame, testMeta{})
	if err.IsErr() {
		t.Fatalf("AllocOne: %v", err)
	}
	if h.RefCount() != 1 {
		t.Fatalf("want refcount 1, got %d", h.RefCount())
	}

	u, ok := h.TryUnique()
	if !ok {
		t.Fatalf("TryUnique should succeed at refcount 1")
	}
	// A second attempt to claim uniqueness must fail: the slot is already
	// the unique sentinel, not 1, so the CAS 1->sentinel cannot match.
	if _, ok := h.TryUnique(); ok {
		t.Fatalf("TryUnique must fail once the slot is already unique")
	}

	shared := u.ToShared()
	if shared.RefCount() != 1 {
		t.Fatalf("reconstructed shared handle should have refcount 1, got %d", shared.RefCount())
	}
	shared.Release()
}

// TestTryUniqueFailsWhenShared ensures a second handle prevents uniqueness.
func TestTryUniqueFailsWhenShared(t *testing.T) {
	a := newTestAllocator(t, 4)
	h, err := a.AllocOne(0, UsageFrame, testMeta{})
	if err.IsErr() {
		t.Fatalf("AllocOne: %v", err)
	}
	clone := h.Clone()
	if _, ok := h.TryUnique(); ok {
		t.Fatalf("TryUnique must fail while a clone is outstanding")
	}
	clone.Release()
	h.Release()
}

func TestAllocContig(t *testing.T) {
	a := newTestAllocator(t, 8)
	base, err := a.AllocContig(3, func(i int) Meta { return testMeta{} })
	if err.IsErr() {
		t.Fatalf("AllocContig: %v", err)
	}
	if got := a.FreeCount(); got != 5 {
		t.Fatalf("want 5 free, got %d", got)
	}
	if base.Frame() != 0 {
		t.Fatalf("want base frame 0, got %d", base.Frame())
	}
}

func TestGetFromUnused(t *testing.T) {
	a := newTestAllocator(t, 4)
	p := Paddr(2 * PageSize)
	h, err := a.GetFromUnused(p, UsageFrame, testMeta{}, false)
	if err.IsErr() {
		t.Fatalf("GetFromUnused: %v", err)
	}
	if h.Paddr() != p {
		t.Fatalf("want paddr %d, got %d", p, h.Paddr())
	}
	if _, err := a.GetFromUnused(p, UsageFrame, testMeta{}, false); err != kerr.InUse {
		t.Fatalf("want InUse re-acquiring a held frame, got %v", err)
	}
	h.Release()
}
