package dma

import (
	"sort"
	"sync"

	"coreframe/kerr"
	"coreframe/mm/mem"
)

// intervalSet (one instance, the package variable global) tracks every
// physical range currently prepared for DMA,
// enforcing spec.md §4.6's invariant: at most one DMA mapping per
// physical page range at any time. original_source has no single file
// that owns this check directly (jinux-frame trusts the allocator and
// type system to prevent it structurally); this core makes the invariant
// explicit and checkable since Go has no affine-typed Segment to lean on.
type interval struct {
	lo, hi mem.Paddr // [lo, hi)
}

type intervalSet struct {
	mu     sync.Mutex
	ranges []interval
}

var global intervalSet

func (s *intervalSet) overlapsLocked(lo, hi mem.Paddr) bool {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].hi > lo })
	return i < len(s.ranges) && s.ranges[i].lo < hi
}

// reserve claims [lo, hi) for DMA, failing with kerr.AlreadyMapped if it
// overlaps an existing reservation.
func (s *intervalSet) reserve(lo, hi mem.Paddr) kerr.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overlapsLocked(lo, hi) {
		return kerr.AlreadyMapped
	}
	s.ranges = append(s.ranges, interval{lo, hi})
	sort.Slice(s.ranges, func(i, j int) bool { return s.ranges[i].lo < s.ranges[j].lo })
	return kerr.Ok
}

// release frees a previously reserved [lo, hi). It panics if the exact
// range was never reserved, since that indicates a double-free in the
// caller (prepare/unprepare must always be paired).
func (s *intervalSet) release(lo, hi mem.Paddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.ranges {
		if r.lo == lo && r.hi == hi {
			s.ranges = append(s.ranges[:i], s.ranges[i+1:]...)
			return
		}
	}
	panic("dma: release of a range that was never reserved")
}
