package pt

import (
	"sync"
	"unsafe"

	"coreframe/kerr"
	"coreframe/mm/mem"
)

// NodeMeta tags a physical frame as an interior page-table node (spec.md §3
// Usage "PageTableNode"). Its release hook defers reclamation to the
// node's RCUDomain instead of returning the frame immediately, so a walker
// that read the node's child pointer before the unmap still sees valid
// memory (spec.md §4.3 "RCU-deferred freeing of interior nodes").
type NodeMeta struct {
	domain *RCUDomain
}

// Usage implements mem.Meta.
func (m *NodeMeta) Usage() mem.Usage { return mem.UsagePageTableNode }

// OnRelease implements mem.Finalizer.
func (m *NodeMeta) OnRelease(a *mem.Allocator, paddr mem.Paddr) {
	m.domain.retire(paddr)
}

// RCUDomain batches retired page-table nodes until a caller declares a
// grace period has elapsed (RCUDomain.Quiesce). A production SMP kernel
// would track each CPU's last quiescent state and only reclaim once every
// CPU has passed through one since the retire; this hosted core has no
// concurrent walkers to wait for, so it keeps no per-CPU state: the grace
// period is whatever the caller declares by calling Quiesce, and every
// retired node stays unreclaimed until then.
type RCUDomain struct {
	mu      sync.Mutex
	a       *mem.Allocator
	retired []mem.Paddr
}

// NewRCUDomain creates a domain that reclaims through a.
func NewRCUDomain(a *mem.Allocator) *RCUDomain {
	return &RCUDomain{a: a}
}

func (d *RCUDomain) retire(p mem.Paddr) {
	d.mu.Lock()
	d.retired = append(d.retired, p)
	d.mu.Unlock()
}

// Pending returns how many nodes are retired but not yet reclaimed.
func (d *RCUDomain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.retired)
}

// Quiesce reclaims every node retired since the previous call, standing in
// for the grace-period wait a real multi-CPU RCU domain performs. It
// returns the number of nodes reclaimed.
func (d *RCUDomain) Quiesce() int {
	d.mu.Lock()
	batch := d.retired
	d.retired = nil
	d.mu.Unlock()
	for _, p := range batch {
		d.a.Reclaim(p)
	}
	return len(batch)
}

// entriesOf reinterprets a page-sized byte slice as its 512 Entry values,
// the generalization of biscuit-teacher/src/mem/mem.go's pg2pmap to an
// arbitrary number of radix levels.
func entriesOf(b []byte) []Entry {
	return unsafe.Slice((*Entry)(unsafe.Pointer(&b[0])), entriesPerNode)
}

func nodeEntries(a *mem.Allocator, paddr mem.Paddr) []Entry {
	return entriesOf(a.PageBytes(paddr))
}

// ShootdownFunc is invoked after an Unmap or Protect changes a live
// mapping, the hook point smp/irq wires to a real cross-CPU TLB shootdown
// IPI (biscuit-teacher/src/vm/as.go's Tlbshoot/tlb_shootdown). The hosted
// core defaults to a no-op since there are no other CPUs to invalidate.
type ShootdownFunc func(va uint64, pages int)

// PageTable is one address space's radix page table: Levels levels of
// entriesPerNode-entry nodes rooted at a single frame, generalizing
// biscuit-teacher's flat Pmap_t into the parameterized-depth structure
// spec.md §4.3 describes.
type PageTable struct {
	mu        sync.RWMutex
	a         *mem.Allocator
	rcu       *RCUDomain
	root      mem.Handle
	shootdown ShootdownFunc
}

// New allocates a fresh, empty page table rooted in a new node.
func New(a *mem.Allocator, rcu *RCUDomain) (*PageTable, kerr.Err_t) {
	root, err := newNode(a, rcu)
	if err.IsErr() {
		return nil, err
	}
	return &PageTable{a: a, rcu: rcu, root: root, shootdown: func(uint64, int) {}}, kerr.Ok
}

func newNode(a *mem.Allocator, rcu *RCUDomain) (mem.Handle, kerr.Err_t) {
	return a.AllocOne(0, mem.UsagePageTableNode, &NodeMeta{domain: rcu})
}

// SetShootdown installs the cross-CPU invalidation callback; nil restores
// the no-op default.
func (pt *PageTable) SetShootdown(f ShootdownFunc) {
	if f == nil {
		f = func(uint64, int) {}
	}
	pt.mu.Lock()
	pt.shootdown = f
	pt.mu.Unlock()
}

// RootPaddr returns the physical address of the table's top-level node,
// for installing into a CPU's root-table register (spec §4.9's task
// context) or a DMA domain's root table.
func (pt *PageTable) RootPaddr() mem.Paddr { return pt.root.Paddr() }

// walk descends from the root to the leaf entry governing va, creating
// intermediate nodes on demand when create is true. Callers must hold
// pt.mu for the duration the returned pointer is used.
func (pt *PageTable) walk(va uint64, create bool) (*Entry, kerr.Err_t) {
	paddr := pt.root.Paddr()
	for level := Levels - 1; level > 0; level-- {
		entries := nodeEntries(pt.a, paddr)
		e := &entries[levelIndex(va, level)]
		switch {
		case e.IsTable():
			paddr = e.Paddr()
		case !e.Present():
			if !create {
				return nil, kerr.NotFound
			}
			child, err := newNode(pt.a, pt.rcu)
			if err.IsErr() {
				return nil, err
			}
			*e = makeTableEntry(child.Paddr())
			paddr = child.Paddr()
		default:
			// A leaf mapping occupies this level; huge-page leaves above
			// level 0 are outside this core's scope (spec §3 "paging
			// level always 1").
			return nil, kerr.InvalidArgs
		}
	}
	entries := nodeEntries(pt.a, paddr)
	return &entries[levelIndex(va, 0)], kerr.Ok
}

// Map installs a leaf mapping for the page containing va. Returns
// kerr.AlreadyMapped if a mapping already exists there.
func (pt *PageTable) Map(va uint64, paddr mem.Paddr, prop Prop, tracked bool, vmoID uint16) kerr.Err_t {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, err := pt.walk(va, true)
	if err.IsErr() {
		return err
	}
	if e.IsMapped() {
		return kerr.AlreadyMapped
	}
	*e = makeMappedEntry(paddr, prop, tracked, vmoID)
	return kerr.Ok
}

// Unmap clears the leaf mapping at va and returns the physical address it
// pointed to. The caller (mm/vmo, mm/vmar) owns releasing that frame;
// PageTable never holds a reference on mapped leaf frames itself.
func (pt *PageTable) Unmap(va uint64) (mem.Paddr, kerr.Err_t) {
	pt.mu.Lock()
	e, err := pt.walk(va, false)
	if err.IsErr() {
		pt.mu.Unlock()
		return 0, err
	}
	if !e.IsMapped() {
		pt.mu.Unlock()
		return 0, kerr.NotFound
	}
	paddr := e.Paddr()
	*e = Entry(kindAbsent)
	shoot := pt.shootdown
	pt.mu.Unlock()
	shoot(va, 1)
	return paddr, kerr.Ok
}

// Protect updates the property bits of an existing leaf mapping in place,
// preserving its tracked/vmoID tag.
func (pt *PageTable) Protect(va uint64, prop Prop) kerr.Err_t {
	pt.mu.Lock()
	e, err := pt.walk(va, false)
	if err.IsErr() {
		pt.mu.Unlock()
		return err
	}
	if !e.IsMapped() {
		pt.mu.Unlock()
		return kerr.NotFound
	}
	*e = makeMappedEntry(e.Paddr(), prop, e.Tracked(), e.VmoBackedID())
	shoot := pt.shootdown
	pt.mu.Unlock()
	shoot(va, 1)
	return kerr.Ok
}

// Translate looks up the leaf mapping governing va without installing
// anything, returning ok=false if va is unmapped.
func (pt *PageTable) Translate(va uint64) (paddr mem.Paddr, prop Prop, tracked bool, vmoID uint16, ok bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	e, err := pt.walk(va, false)
	if err.IsErr() || !e.IsMapped() {
		return 0, 0, false, 0, false
	}
	return e.Paddr(), e.Prop(), e.Tracked(), e.VmoBackedID(), true
}

// MapRange installs contiguous leaf mappings for n pages starting at va,
// with physical addresses starting at base and advancing by PageSize per
// page. On partial failure it unmaps everything it had already installed.
func (pt *PageTable) MapRange(va uint64, base mem.Paddr, n int, prop Prop, tracked bool, vmoID uint16) kerr.Err_t {
	for i := 0; i < n; i++ {
		err := pt.Map(va+uint64(i)*mem.PageSize, base+mem.Paddr(i)*mem.PageSize, prop, tracked, vmoID)
		if err.IsErr() {
			for j := 0; j < i; j++ {
				pt.Unmap(va + uint64(j)*mem.PageSize)
			}
			return err
		}
	}
	return kerr.Ok
}

// UnmapRange clears n consecutive leaf mappings starting at va and returns
// how many pages were actually unmapped. Unmapped holes are skipped
// silently, matching original_source's range unmap semantics over
// partially-populated VMARs.
func (pt *PageTable) UnmapRange(va uint64, n int) int {
	count := 0
	for i := 0; i < n; i++ {
		if _, err := pt.Unmap(va + uint64(i)*mem.PageSize); !err.IsErr() {
			count++
		}
	}
	return count
}

// ProtectRange updates property bits across n consecutive mapped pages
// starting at va, skipping holes.
func (pt *PageTable) ProtectRange(va uint64, n int, prop Prop) int {
	count := 0
	for i := 0; i < n; i++ {
		if err := pt.Protect(va+uint64(i)*mem.PageSize, prop); !err.IsErr() {
			count++
		}
	}
	return count
}

// Destroy tears down every interior node in the table (retiring them
// through rcu) and releases the root. Leaf mappings must already have been
// unmapped by the caller; Destroy does not touch leaf frames since it does
// not own their references.
func (pt *PageTable) Destroy() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.destroySubtree(pt.root.Paddr(), Levels-1)
	pt.root.Release()
}

func (pt *PageTable) destroySubtree(paddr mem.Paddr, level int) {
	if level == 0 {
		return
	}
	entries := nodeEntries(pt.a, paddr)
	for i := range entries {
		e := &entries[i]
		if e.IsTable() {
			child := e.Paddr()
			pt.destroySubtree(child, level-1)
			pt.a.HandleAt(child).Release()
			*e = Entry(kindAbsent)
		}
	}
}
