// Package dma implements the DMA domain spec.md §4.6 describes:
// translation between physical frames and device-addressable addresses
// across three selectable back-ends (direct, IOMMU, confidential/TDX),
// plus coherent and streaming mapping handles layered over
// coreframe/mm/page.Segment.
//
// Grounded on original_source/ostd/src/mm/dma/dma_coherent.rs (and its
// older framework/jinux-frame sibling) for DmaCoherent's alloc/split/
// reader/writer shape, and original_source/framework/jinux-frame/src/
// arch/x86/iommu/mod.rs for the IOMMU backend's per-(bus,device,function)
// root-table bookkeeping. original_source has no single "Backend"
// abstraction — the Rust code picks a code path per `cfg`/feature at
// compile time — so the Backend interface itself is this package's own
// generalization of those three mutually-exclusive code paths into one
// selectable-at-init type, the way spec.md §4.6 already describes them
// as alternatives.
package dma

import (
	"sync"

	"coreframe/kerr"
	"coreframe/mm/mem"
)

// Daddr is a device-visible address, distinguished from mem.Paddr so a
// caller can't mix up which address space a value belongs to even when
// a backend happens to make them numerically equal (the Direct backend).
type Daddr uint64

// BDF identifies a PCI device by bus/device/function, the unit the IOMMU
// backend's root-table-per-device bookkeeping is keyed on.
type BDF struct {
	Bus, Device, Function uint8
}

// Backend selects how physical addresses become device-addressable ones.
// Exactly one is installed process-wide via SetBackend.
type Backend interface {
	// Map reserves [paddr, paddr+n*PageSize) for device access by dev and
	// returns the device-visible address for it.
	Map(dev BDF, paddr mem.Paddr, n int) (Daddr, kerr.Err_t)
	// Unmap releases a mapping Map previously returned.
	Unmap(dev BDF, daddr Daddr, paddr mem.Paddr, n int)
	// RequiresNonCoherentAlias reports whether a coherent DMA allocation
	// for this backend must be remapped into a non-cacheable kernel
	// virtual alias rather than used directly as a plain segment (spec.md
	// §4.6: "a kernel-virtual alias remapped non-cacheable (non-coherent
	// or TEE)").
	RequiresNonCoherentAlias() bool
}

var (
	backendMu     sync.Mutex
	activeBackend Backend = DirectBackend{}
)

// SetBackend installs the process-wide DMA backend, selected at
// initialization the way spec.md §4.6 describes ("Three back-ends,
// selected at initialisation").
func SetBackend(b Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	activeBackend = b
}

func currentBackend() Backend {
	backendMu.Lock()
	defer backendMu.Unlock()
	return activeBackend
}

// DirectBackend makes daddr equal paddr: no IOMMU, no translation.
type DirectBackend struct{}

func (DirectBackend) Map(_ BDF, paddr mem.Paddr, _ int) (Daddr, kerr.Err_t) {
	return Daddr(paddr), kerr.Ok
}
func (DirectBackend) Unmap(BDF, Daddr, mem.Paddr, int) {}
func (DirectBackend) RequiresNonCoherentAlias() bool   { return false }

// rootTable is one IOMMU device page table: a record of which physical
// ranges are currently mapped for device access, standing in for the
// hardware page-table walk original_source's iommu/mod.rs programs.
type rootTable struct {
	mapped map[mem.Paddr]int // paddr -> frame count, for double-map detection
}

func newRootTable() *rootTable { return &rootTable{mapped: make(map[mem.Paddr]int)} }

func (t *rootTable) mapRange(paddr mem.Paddr, n int) kerr.Err_t {
	if _, ok := t.mapped[paddr]; ok {
		return kerr.AlreadyMapped
	}
	t.mapped[paddr] = n
	return kerr.Ok
}

func (t *rootTable) unmapRange(paddr mem.Paddr) {
	delete(t.mapped, paddr)
}

// IOMMUBackend maps paddr to daddr through a device page table. spec.md
// §4.6 simplifies this to "a device page table shared by all devices";
// SUPPLEMENTED FEATURE 5 additionally keeps the original's real
// per-(bus,device,function) root-table bookkeeping, selectable via
// perDevice, with the shared table remaining the default.
type IOMMUBackend struct {
	mu        sync.Mutex
	perDevice bool
	shared    *rootTable
	tables    map[BDF]*rootTable
}

// NewIOMMUBackend creates an IOMMU backend. perDevice selects real
// per-BDF root tables (original_source's actual bookkeeping); false
// selects spec.md's simplified single shared table.
func NewIOMMUBackend(perDevice bool) *IOMMUBackend {
	return &IOMMUBackend{
		perDevice: perDevice,
		shared:    newRootTable(),
		tables:    make(map[BDF]*rootTable),
	}
}

func (b *IOMMUBackend) tableFor(dev BDF) *rootTable {
	if !b.perDevice {
		return b.shared
	}
	t, ok := b.tables[dev]
	if !ok {
		t = newRootTable()
		b.tables[dev] = t
	}
	return t
}

// Map installs an identity daddr=paddr translation in dev's root table.
// The IOMMU hardware this models performs real address translation; this
// core has no device to translate for, so the table's role is pure
// bookkeeping (mapped/unmapped tracking per original_source's iommu/mod.rs),
// matching spec.md §4.6's "map/unmap walks this table".
func (b *IOMMUBackend) Map(dev BDF, paddr mem.Paddr, n int) (Daddr, kerr.Err_t) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.tableFor(dev).mapRange(paddr, n); err.IsErr() {
		return 0, err
	}
	return Daddr(paddr), kerr.Ok
}

// Unmap removes dev's mapping of paddr.
func (b *IOMMUBackend) Unmap(dev BDF, _ Daddr, paddr mem.Paddr, _ int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tableFor(dev).unmapRange(paddr)
}

func (b *IOMMUBackend) RequiresNonCoherentAlias() bool { return false }

// TDXModule stands in for the hardware/hypervisor call TDX page
// conversion ultimately reaches (spec §9 open question (d): "TDX page
// conversion is stubbed in one DMA path; the target implementation must
// choose whether to support it"). No real TDX module is reachable from
// this hosted core, so ConfidentialBackend is built against this
// interface and a hosted fake implementation instead (see DESIGN.md).
type TDXModule interface {
	// AcceptShared converts a guest-physical range from private to shared,
	// the prerequisite for device DMA into it.
	AcceptShared(paddr mem.Paddr, n int) kerr.Err_t
	// AcceptPrivate converts the range back to private once DMA access
	// is no longer needed.
	AcceptPrivate(paddr mem.Paddr, n int) kerr.Err_t
}

// FakeTDXModule is a hosted stand-in for TDXModule: it just tracks which
// ranges are currently shared, with no real hardware call backing it.
type FakeTDXModule struct {
	mu     sync.Mutex
	shared map[mem.Paddr]int
}

// NewFakeTDXModule creates a FakeTDXModule with no ranges shared.
func NewFakeTDXModule() *FakeTDXModule {
	return &FakeTDXModule{shared: make(map[mem.Paddr]int)}
}

func (m *FakeTDXModule) AcceptShared(paddr mem.Paddr, n int) kerr.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shared[paddr]; ok {
		return kerr.AlreadyMapped
	}
	m.shared[paddr] = n
	return kerr.Ok
}

func (m *FakeTDXModule) AcceptPrivate(paddr mem.Paddr, n int) kerr.Err_t {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shared[paddr]; !ok {
		return kerr.NotFound
	}
	delete(m.shared, paddr)
	return kerr.Ok
}

// ConfidentialBackend models a TDX-style confidential VM: before a
// device can DMA into a range, that range must be explicitly shared
// with the host (Share); once DMA access ends the range is accepted
// back to private (Unshare). spec.md §4.6 "pages must be explicitly
// shared with the host before device access ... and accepted back to
// private when freed".
type ConfidentialBackend struct {
	tdx TDXModule
}

// NewConfidentialBackend creates a confidential backend backed by tdx.
func NewConfidentialBackend(tdx TDXModule) *ConfidentialBackend {
	return &ConfidentialBackend{tdx: tdx}
}

func (b *ConfidentialBackend) Map(_ BDF, paddr mem.Paddr, n int) (Daddr, kerr.Err_t) {
	if err := b.tdx.AcceptShared(paddr, n); err.IsErr() {
		return 0, err
	}
	return Daddr(paddr), kerr.Ok
}

func (b *ConfidentialBackend) Unmap(_ BDF, _ Daddr, paddr mem.Paddr, n int) {
	b.tdx.AcceptPrivate(paddr, n)
}

func (b *ConfidentialBackend) RequiresNonCoherentAlias() bool { return true }

var (
	_ Backend = DirectBackend{}
	_ Backend = (*IOMMUBackend)(nil)
	_ Backend = (*ConfidentialBackend)(nil)
)
