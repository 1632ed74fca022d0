// Package mem owns every physical page known to the kernel (spec.md §3, §4.1).
// It hands out reference-counted frame slots carrying a tagged metadata value
// and returns pages to its free list when the last handle drops. Concrete
// typed wrappers (plain frames, segments, page-table nodes, heap donations)
// live in package page; mem only knows about the untyped slot machinery so
// that paddr -> slot lookup stays an O(1) index regardless of what a slot is
// used for, the same split biscuit draws between mem.Physmem_t and the
// typed handles layered on top of it in vm and fs.
package mem

import (
	"sync"
	"sync/atomic"

	"coreframe/kerr"
	"coreframe/klog"
	"coreframe/util"
)

// PageShift and PageSize fix the base page geometry for the core (spec §3:
// "typically 4 KiB").
const (
	PageShift = 12
	PageSize  = 1 << PageShift
)

// Paddr is a physical address.
type Paddr uint64

// PageOffset masks offsets within a page.
func (p Paddr) PageOffset() Paddr { return p & (PageSize - 1) }

// Rounddown rounds p down to the start of its containing page.
func (p Paddr) Rounddown() Paddr { return p &^ (PageSize - 1) }

// Frame returns the physical frame number of p.
func (p Paddr) Frame() uint64 { return uint64(p) >> PageShift }

// Usage discriminates what a physical page slot currently holds (spec §3:
// "Untyped, Frame, SegmentHead, PageTableNode, KernelHeap, Meta").
type Usage uint8

const (
	UsageUntyped Usage = iota
	UsageFrame
	UsageSegmentHead
	UsagePageTableNode
	UsageKernelHeap
	UsageMeta
)

func (u Usage) String() string {
	switch u {
	case UsageUntyped:
		return "untyped"
	case UsageFrame:
		return "frame"
	case UsageSegmentHead:
		return "segment-head"
	case UsagePageTableNode:
		return "page-table-node"
	case UsageKernelHeap:
		return "kernel-heap"
	case UsageMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Meta is the interface every page-metadata value must satisfy. Concrete
// implementations live in package page (and pt, heap); mem only needs to
// know the usage tag to keep the allocator's drop hook generic.
type Meta interface {
	Usage() Usage
}

// Finalizer is implemented by metadata whose slot needs custom cleanup when
// the last handle is released (spec §4.1 "drop hook"), e.g. a segment head
// must free the whole run, not just its own page.
type Finalizer interface {
	OnRelease(a *Allocator, paddr Paddr)
}

// refCountUnique is the sentinel ref-count value meaning "uniquely held, no
// shared handle may exist" (spec §3 "unique handle", §4.1 REF_COUNT_UNIQUE).
const refCountUnique int32 = -(1 << 30)

type slot struct {
	refcnt int32 // atomic; 0 = free, >0 = shared, refCountUnique = unique
	usage  Usage
	meta   Meta
	nexti  uint32 // next free slot index, ^uint32(0) terminates
}

type percpuFree struct {
	mu   sync.Mutex
	head uint32
	len  int32
}

func (pc *percpuFree) init() {
	pc.head = ^uint32(0)
	pc.len = 0
}

// Allocator owns one contiguous run of physical page slots. Its only
// constructor is NewHosted (used by tests and by cmd/kernel alike), which
// gets its backing arena from an anonymous mmap via
// golang.org/x/sys/unix so that paddr arithmetic and the "direct map" stay
// address-stable the way a real physical range is, instead of relying on a
// GC-movable make([]byte, ...) slice.
type Allocator struct {
	mu         sync.Mutex
	slots      []slot
	startFrame uint64
	freeHead   uint32
	freeLen    int32

	arena      []byte // hosted backing store, PageSize-aligned
	arenaBase  Paddr
	percpu     []percpuFree
	perCPUCap  int
	maxPerCPU  int32
	log        *klog.Logger
}

const defaultPerCPUCap = 64

// NewHosted creates an allocator whose frames are backed by an anonymous
// mmap of nframes*PageSize bytes, addressed starting at physical address 0.
// This is the backing store used by every package's tests, mirroring how
// gopher-os's kernel/mem tests give the allocator a fixed-size fake arena
// rather than the real boot memory map.
func NewHosted(nframes int, ncpu int) (*Allocator, error) {
	size := nframes * PageSize
	arena, err := mmapAnon(size)
	if err != nil {
		return nil, err
	}
	a := &Allocator{
		slots:     make([]slot, nframes),
		arena:     arena,
		arenaBase: 0,
		percpu:    make([]percpuFree, util.Max(ncpu, 1)),
		maxPerCPU: defaultPerCPUCap,
		log:       klog.New("mem"),
	}
	a.initFreeList()
	for i := range a.percpu {
		a.percpu[i].init()
	}
	a.log.Infof("hosted allocator: %d frames (%d MiB)", nframes, size>>20)
	return a, nil
}

func (a *Allocator) initFreeList() {
	n := len(a.slots)
	for i := 0; i < n; i++ {
		a.slots[i].refcnt = 0
		if i == n-1 {
			a.slots[i].nexti = ^uint32(0)
		} else {
			a.slots[i].nexti = uint32(i + 1)
		}
	}
	a.freeHead = 0
	a.freeLen = int32(n)
}

// NFrames returns the total number of physical frames this allocator manages.
func (a *Allocator) NFrames() int { return len(a.slots) }

func (a *Allocator) paddrOf(idx uint32) Paddr {
	return a.arenaBase + Paddr(idx)*PageSize
}

func (a *Allocator) idxOf(p Paddr) (uint32, bool) {
	if p < a.arenaBase {
		return 0, false
	}
	rel := (p - a.arenaBase) / PageSize
	if rel >= Paddr(len(a.slots)) {
		return 0, false
	}
	return uint32(rel), true
}

// cpu returns the percpu free list for the given cpu id. Hosted builds
// have no true CPU-affinity concept, so callers pass an explicit cpu id
// (matching how biscuit derives it from runtime.CPUHint()).
func (a *Allocator) cpu(cpu int) *percpuFree {
	return &a.percpu[cpu%len(a.percpu)]
}

func (a *Allocator) popGlobal() (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeHead == ^uint32(0) {
		return 0, false
	}
	idx := a.freeHead
	a.freeHead = a.slots[idx].nexti
	a.freeLen--
	return idx, true
}

func (a *Allocator) pushGlobal(idx uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots[idx].nexti = a.freeHead
	a.freeHead = idx
	a.freeLen++
}

func (a *Allocator) popCPU(cpu int) (uint32, bool) {
	pc := a.cpu(cpu)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.head == ^uint32(0) {
		return 0, false
	}
	idx := pc.head
	pc.head = a.slots[idx].nexti
	pc.len--
	return idx, true
}

func (a *Allocator) pushCPU(cpu int, idx uint32) bool {
	pc := a.cpu(cpu)
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.len >= a.maxPerCPU {
		return false
	}
	a.slots[idx].nexti = pc.head
	pc.head = idx
	pc.len++
	return true
}

func (a *Allocator) allocIdx(cpu int) (uint32, bool) {
	if idx, ok := a.popCPU(cpu); ok {
		return idx, true
	}
	return a.popGlobal()
}

func (a *Allocator) freeIdx(cpu int, idx uint32) {
	if a.pushCPU(cpu, idx) {
		return
	}
	a.pushGlobal(idx)
}

// PageBytes returns the PageSize-aligned backing bytes for the page
// containing p, the hosted equivalent of biscuit's Physmem_t.Dmap.
func (a *Allocator) PageBytes(p Paddr) []byte {
	idx, ok := a.idxOf(p.Rounddown())
	if !ok {
		panic("mem: paddr outside arena")
	}
	off := int(idx) * PageSize
	return a.arena[off : off+PageSize]
}

// Bytes returns a slice starting at the exact byte offset of p and running to
// the end of its page (biscuit's Dmap8).
func (a *Allocator) Bytes(p Paddr) []byte {
	pg := a.PageBytes(p)
	return pg[p.PageOffset():]
}

// BytesRange returns a slice covering n contiguous bytes of the arena
// starting at the exact byte offset of p, the multi-page generalization of
// Bytes (biscuit's Dmaplen, which slices the direct map for an arbitrary
// length rather than a single page). Callers must already know the range
// is backed by frames they hold a reference to, e.g. a page.Segment.
func (a *Allocator) BytesRange(p Paddr, n int) []byte {
	idx, ok := a.idxOf(p.Rounddown())
	if !ok {
		panic("mem: paddr outside arena")
	}
	off := int(idx)*PageSize + int(p.PageOffset())
	end := off + n
	if end > len(a.arena) {
		panic("mem: BytesRange exceeds arena")
	}
	return a.arena[off:end]
}

// Handle is a shared, reference-counted pointer to one slot's metadata.
type Handle struct {
	a     *Allocator
	idx   uint32
	paddr Paddr
}

// Paddr returns the physical address this handle refers to.
func (h Handle) Paddr() Paddr { return h.paddr }

// Usage returns the slot's current usage tag.
func (h Handle) Usage() Usage { return h.a.slots[h.idx].usage }

// Meta returns the slot's current metadata value.
func (h Handle) Meta() Meta { return h.a.slots[h.idx].meta }

// RefCount reports the live shared ref-count (meaningless once unique).
func (h Handle) RefCount() int32 { return atomic.LoadInt32(&h.a.slots[h.idx].refcnt) }

// Bytes returns the full page-sized backing store for this handle's frame.
func (h Handle) Bytes() []byte { return h.a.PageBytes(h.paddr) }

// Allocator returns the allocator that owns this handle, for typed wrappers
// (package page) that need it to allocate sibling frames or run finalizers.
func (h Handle) Allocator() *Allocator { return h.a }

// Clone increments the ref-count and returns another handle to the same slot.
func (h Handle) Clone() Handle {
	c := atomic.AddInt32(&h.a.slots[h.idx].refcnt, 1)
	if c <= 0 {
		panic("mem: refup on non-positive refcount")
	}
	return h
}

// Release decrements the ref-count, running the slot's finalizer and
// returning the page to the free list when it reaches zero.
func (h Handle) Release() {
	h.a.release(h.idx, h.paddr)
}

func (a *Allocator) release(idx uint32, paddr Paddr, cpuHint ...int) {
	c := atomic.AddInt32(&a.slots[idx].refcnt, -1)
	if c < 0 {
		panic("mem: refdown below zero")
	}
	if c != 0 {
		return
	}
	meta := a.slots[idx].meta
	if fz, ok := meta.(Finalizer); ok {
		fz.OnRelease(a, paddr)
		return
	}
	a.Reclaim(paddr)
}

// Reclaim zero-fills and returns a single page to the free list unconditionally.
// Typed Finalizers (segment heads, page-table nodes) call this once they have
// finished their own bookkeeping (e.g. after an RCU grace period, or once
// every frame in a range has been accounted for).
func (a *Allocator) Reclaim(paddr Paddr) {
	idx, ok := a.idxOf(paddr)
	if !ok {
		panic("mem: reclaim of paddr outside arena")
	}
	pg := a.PageBytes(paddr)
	for i := range pg {
		pg[i] = 0
	}
	a.slots[idx].meta = nil
	a.slots[idx].usage = UsageUntyped
	a.freeIdx(0, idx)
}

// Unique is a non-aliasable frame handle granting mutable access to the
// slot's metadata (spec §3 "unique frame handle").
type Unique struct {
	Handle
}

// TryUnique attempts to convert a shared handle (refcount == 1) into a
// unique one via compare-and-swap 1 -> refCountUnique.
func (h Handle) TryUnique() (Unique, bool) {
	if atomic.CompareAndSwapInt32(&h.a.slots[h.idx].refcnt, 1, refCountUnique) {
		return Unique{h}, true
	}
	return Unique{}, false
}

// SetMeta replaces the slot's metadata and usage tag. Only valid while the
// handle is unique (spec §3 invariant (c)).
func (u Unique) SetMeta(usage Usage, m Meta) {
	u.a.slots[u.idx].usage = usage
	u.a.slots[u.idx].meta = m
}

// ToShared converts a unique handle back to shared by storing ref-count = 1.
func (u Unique) ToShared() Handle {
	atomic.StoreInt32(&u.a.slots[u.idx].refcnt, 1)
	return u.Handle
}

// HandleAt returns a Handle for a frame that the caller already knows is
// allocated at paddr (e.g. one produced by AllocContig), without touching
// its ref-count. Panics if paddr is outside the arena.
func (a *Allocator) HandleAt(paddr Paddr) Handle {
	idx, ok := a.idxOf(paddr.Rounddown())
	if !ok {
		panic("mem: HandleAt outside arena")
	}
	return Handle{a: a, idx: idx, paddr: paddr}
}

// AllocOne allocates a single zeroed frame and installs meta, returning a
// shared handle with ref-count 1 (spec §4.1 alloc_one).
func (a *Allocator) AllocOne(cpu int, usage Usage, meta Meta) (Handle, kerr.Err_t) {
	idx, ok := a.allocIdx(cpu)
	if !ok {
		return Handle{}, kerr.OutOfMemory
	}
	a.slots[idx].refcnt = 1
	a.slots[idx].usage = usage
	a.slots[idx].meta = meta
	paddr := a.paddrOf(idx)
	pg := a.PageBytes(paddr)
	for i := range pg {
		pg[i] = 0
	}
	return Handle{a: a, idx: idx, paddr: paddr}, kerr.Ok
}

// AllocOneNoZero is like AllocOne but skips zero-filling, for callers that
// will overwrite the whole page immediately (biscuit's Refpg_new_nozero).
func (a *Allocator) AllocOneNoZero(cpu int, usage Usage, meta Meta) (Handle, kerr.Err_t) {
	idx, ok := a.allocIdx(cpu)
	if !ok {
		return Handle{}, kerr.OutOfMemory
	}
	a.slots[idx].refcnt = 1
	a.slots[idx].usage = usage
	a.slots[idx].meta = meta
	paddr := a.paddrOf(idx)
	return Handle{a: a, idx: idx, paddr: paddr}, kerr.Ok
}

// Alloc allocates n frames, invoking metaFn(i) to produce the metadata for
// frame i (spec §4.1 alloc(n, meta_fn)). Each frame is taken by a separate
// AllocOne call, so the frames are not necessarily physically contiguous;
// callers needing a contiguous physical range use AllocContig.
func (a *Allocator) Alloc(cpu int, n int, usage func(i int) Usage, metaFn func(i int) Meta) ([]Handle, kerr.Err_t) {
	handles := make([]Handle, 0, n)
	for i := 0; i < n; i++ {
		h, err := a.AllocOne(cpu, usage(i), metaFn(i))
		if err.IsErr() {
			for _, prev := range handles {
				prev.Release()
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, kerr.Ok
}

// AllocContig allocates n physically-contiguous frames starting at the
// lowest index with n consecutive free slots, installing meta via metaFn.
// It returns the paddr of the first frame; callers build a page.Segment on
// top of this (spec §4.1 "a segment of n contiguous frames").
func (a *Allocator) AllocContig(n int, metaFn func(i int) Meta) (Paddr, kerr.Err_t) {
	if n <= 0 {
		return 0, kerr.InvalidArgs
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	start, ok := a.findContigFree(n)
	if !ok {
		return 0, kerr.OutOfMemory
	}
	a.removeFromFreeList(start, n)
	for i := 0; i < n; i++ {
		idx := start + uint32(i)
		a.slots[idx].refcnt = 1
		a.slots[idx].usage = UsageFrame
		a.slots[idx].meta = metaFn(i)
	}
	return a.paddrOf(start), kerr.Ok
}

// findContigFree scans the slot array for n consecutive frames with refcnt
// == 0 (free). O(nframes) — adequate for the allocator sizes this core
// targets; a bitmap-based free-extent index would be the production choice
// spec §4.1 gestures at ("a bitmap (or equivalent free-list structure)").
func (a *Allocator) findContigFree(n int) (uint32, bool) {
	run := 0
	for i := 0; i < len(a.slots); i++ {
		if a.slots[i].refcnt == 0 {
			run++
			if run == n {
				return uint32(i - n + 1), true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// removeFromFreeList walks the global and per-CPU free lists and excises
// the given contiguous run. Called with a.mu held.
func (a *Allocator) removeFromFreeList(start uint32, n int) {
	inRange := func(idx uint32) bool {
		return idx >= start && idx < start+uint32(n)
	}
	filter := func(head *uint32) int32 {
		cur := *head
		var prevReal uint32 = ^uint32(0)
		newHead := ^uint32(0)
		var tail uint32 = ^uint32(0)
		var removed int32
		for cur != ^uint32(0) {
			next := a.slots[cur].nexti
			if !inRange(cur) {
				if tail == ^uint32(0) {
					newHead = cur
				} else {
					a.slots[tail].nexti = cur
				}
				tail = cur
			} else {
				removed++
			}
			prevReal = cur
			cur = next
		}
		_ = prevReal
		if tail != ^uint32(0) {
			a.slots[tail].nexti = ^uint32(0)
		}
		*head = newHead
		return removed
	}
	a.freeLen -= filter(&a.freeHead)
	for i := range a.percpu {
		a.percpu[i].mu.Lock()
		a.percpu[i].len -= filter(&a.percpu[i].head)
		a.percpu[i].mu.Unlock()
	}
}

// GetFromUnused acquires a specific, currently-unused frame and installs
// meta on it, optionally unique (spec §4.1 get_from_unused). It is used to
// wrap bootloader-supplied pages such as relocated ACPI tables.
func (a *Allocator) GetFromUnused(p Paddr, usage Usage, meta Meta, unique bool) (Handle, kerr.Err_t) {
	idx, ok := a.idxOf(p.Rounddown())
	if !ok {
		return Handle{}, kerr.OutOfRange
	}
	a.mu.Lock()
	if a.slots[idx].refcnt != 0 {
		a.mu.Unlock()
		return Handle{}, kerr.InUse
	}
	a.removeFromFreeList(idx, 1)
	rc := int32(1)
	if unique {
		rc = refCountUnique
	}
	a.slots[idx].refcnt = rc
	a.slots[idx].usage = usage
	a.slots[idx].meta = meta
	a.mu.Unlock()
	return Handle{a: a, idx: idx, paddr: a.paddrOf(idx)}, kerr.Ok
}

// FreeCount returns the number of currently free frames, for diagnostics and
// the frame-conservation property test (spec §8 property 1).
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	n := int(a.freeLen)
	a.mu.Unlock()
	for i := range a.percpu {
		a.percpu[i].mu.Lock()
		n += int(a.percpu[i].len)
		a.percpu[i].mu.Unlock()
	}
	return n
}
