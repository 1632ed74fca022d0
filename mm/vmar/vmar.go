// Package vmar implements VMAR address-space regions: a tree-free, flat
// list of non-overlapping VMO mappings over one page table, with page
// fault resolution, per-CPU sharded RLIMIT_AS accounting, protect/unmap,
// and fork (spec.md §4.5).
//
// It is grounded on
// original_source/kernel/src/vm/vmar/vm_mapping.rs's VmMarker/VmoBackedVMA
// (a mapping's perms/shared/vmo_backed_id encoded straight into the PTE,
// which is exactly what mm/pt.Entry's Prop/tracked/vmoID fields already
// carry — the one-to-one match is the payoff of grounding mm/pt on the
// same source) for the mapping record shape, and
// original_source/kernel/src/vm/vmar/vmar_impls/rs_as_delta.rs's
// add_mapping_size (try the current CPU's shard first, then steal
// quota from every other CPU, reverting on total failure) for
// ASLimiter. Page-fault resolution and Tlbshoot wiring follow
// biscuit-teacher/src/vm/as.go's Sys_pgfault/_page_insert/Tlbshoot shape,
// generalized onto mm/vmo's COW/slice machinery instead of biscuit's
// Vminfo_t/Filepage.
package vmar

import (
	"sort"
	"sync"

	"coreframe/kerr"
	"coreframe/mm/mem"
	"coreframe/mm/page"
	"coreframe/mm/pt"
	"coreframe/mm/vmo"
	"coreframe/rights"
)

// mapping is one VMO mapped into a contiguous range of this VMAR's
// address space, the Go analogue of VmoBackedVMA (map_to_addr, map_size,
// the MappedVmo range) plus the shared flag and vmo_backed_id VmMarker
// carries into the PTE.
type mapping struct {
	vmo       *vmo.Vmo
	rights    rights.Rights // rights the mapping was installed with (spec.md §4.11)
	vmoOffset uint64        // byte offset into vmo where this mapping starts
	vaStart   uint64
	size      uint64 // bytes
	perms     pt.Prop
	shared    bool
	vmoID     uint16
}

func (m *mapping) vaEnd() uint64 { return m.vaStart + m.size }

// Vmar is one address space region: a page table plus the list of VMO
// mappings installed into it.
type Vmar struct {
	mu       sync.Mutex
	a        *mem.Allocator
	base     uint64
	size     uint64
	table    *pt.PageTable
	rcu      *pt.RCUDomain
	mappings []*mapping
	limiter  *ASLimiter
	nextID   uint16
}

// New creates an empty VMAR governing [base, base+size) with an
// RLIMIT_AS-style cap of asLimit bytes sharded across ncpu CPUs.
func New(a *mem.Allocator, base, size uint64, asLimit int64, ncpu int) (*Vmar, kerr.Err_t) {
	rcu := pt.NewRCUDomain(a)
	table, err := pt.New(a, rcu)
	if err.IsErr() {
		return nil, err
	}
	return &Vmar{
		a:       a,
		base:    base,
		size:    size,
		table:   table,
		rcu:     rcu,
		limiter: NewASLimiter(ncpu, asLimit),
	}, kerr.Ok
}

// RootPaddr exposes the governing page table's root for task/sched context
// switches (spec §4.9).
func (v *Vmar) RootPaddr() mem.Paddr { return v.table.RootPaddr() }

// SetShootdown installs the cross-CPU TLB invalidation hook.
func (v *Vmar) SetShootdown(f pt.ShootdownFunc) { v.table.SetShootdown(f) }

func (v *Vmar) findMappingLocked(va uint64) *mapping {
	for _, m := range v.mappings {
		if va >= m.vaStart && va < m.vaEnd() {
			return m
		}
	}
	return nil
}

func (v *Vmar) overlapsLocked(start, end uint64) bool {
	for _, m := range v.mappings {
		if start < m.vaEnd() && m.vaStart < end {
			return true
		}
	}
	return false
}

// MapBuilder accumulates the parameters of a new_map call (spec.md §4.5
// "new_map builder") before Build installs it.
type MapBuilder struct {
	vmar      *Vmar
	handle    vmo.Handle
	vmoOffset uint64
	va        uint64
	length    uint64
	perms     pt.Prop
	shared    bool
}

// NewMapBuilder starts a mapping of the VMO behind obj into v, defaulting
// to read-only, private, covering the whole VMO. obj's rights gate the
// mapping at Build time: PropWrite requires obj to carry rights.Write
// (spec.md §4.11), mirroring original_source's VmoBackedVMA taking a
// Vmo<Rights> rather than a bare VMO reference.
func (v *Vmar) NewMapBuilder(obj vmo.Handle) *MapBuilder {
	return &MapBuilder{vmar: v, handle: obj, perms: pt.PropRead | pt.PropUser, length: obj.Size()}
}

// At fixes the virtual address the mapping starts at.
func (b *MapBuilder) At(va uint64) *MapBuilder { b.va = va; return b }

// Offset sets the byte offset into the VMO the mapping starts at.
func (b *MapBuilder) Offset(off uint64) *MapBuilder { b.vmoOffset = off; return b }

// Length sets the mapping's length in bytes, which may exceed the VMO's
// remaining size (accesses past the VMO's end fault, per original_source's
// VmoBackedVMA doc comment).
func (b *MapBuilder) Length(n uint64) *MapBuilder { b.length = n; return b }

// Perms sets the mapping's protection bits.
func (b *MapBuilder) Perms(p pt.Prop) *MapBuilder { b.perms = p; return b }

// Shared marks the mapping as shared: Fork will hand the child the same
// underlying VMO rather than a copy-on-write fork of it.
func (b *MapBuilder) Shared(s bool) *MapBuilder { b.shared = s; return b }

// Build validates and installs the mapping, charging its size against the
// VMAR's RLIMIT_AS-style budget on cpu (spec.md §8 property 10, scenario
// S4).
func (b *MapBuilder) Build(cpu int) (uint64, kerr.Err_t) {
	v := b.vmar
	if b.length == 0 || b.length%mem.PageSize != 0 || b.va%mem.PageSize != 0 {
		return 0, kerr.InvalidArgs
	}
	if b.va < v.base || b.va+b.length > v.base+v.size {
		return 0, kerr.OutOfRange
	}
	required := rights.Read
	if b.perms&pt.PropWrite != 0 {
		required |= rights.Write
	}
	if err := b.handle.Rights().Check(required); err.IsErr() {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.overlapsLocked(b.va, b.va+b.length) {
		return 0, kerr.AlreadyMapped
	}
	if !v.limiter.TryAdd(cpu, int64(b.length)) {
		return 0, kerr.OutOfMemory
	}
	m := &mapping{
		vmo: b.handle.Vmo(), rights: b.handle.Rights(), vmoOffset: b.vmoOffset, vaStart: b.va, size: b.length,
		perms: b.perms, shared: b.shared, vmoID: v.nextID,
	}
	v.nextID++
	v.mappings = append(v.mappings, m)
	sort.Slice(v.mappings, func(i, j int) bool { return v.mappings[i].vaStart < v.mappings[j].vaStart })
	return b.va, kerr.Ok
}

// Unmap removes every mapping (and its installed PTEs) overlapping
// [va, va+length). Mappings only partially covered are truncated rather
// than removed entirely.
func (v *Vmar) Unmap(va, length uint64, cpu int) kerr.Err_t {
	if length == 0 || va%mem.PageSize != 0 || length%mem.PageSize != 0 {
		return kerr.InvalidArgs
	}
	end := va + length
	v.mu.Lock()
	defer v.mu.Unlock()
	kept := make([]*mapping, 0, len(v.mappings)+1)
	for _, m := range v.mappings {
		if end <= m.vaStart || m.vaEnd() <= va {
			kept = append(kept, m)
			continue
		}
		lo := m.vaStart
		if va > lo {
			lo = va
		}
		hi := m.vaEnd()
		if end < hi {
			hi = end
		}
		v.table.UnmapRange(lo, int((hi-lo)/mem.PageSize))
		v.limiter.Sub(cpu, int64(hi-lo))
		if lo == m.vaStart && hi == m.vaEnd() {
			continue // whole mapping removed
		}
		if lo == m.vaStart {
			m.vmoOffset += hi - lo
			m.vaStart = hi
			m.size -= hi - lo
		} else if hi == m.vaEnd() {
			m.size -= hi - lo
		} else {
			// Splitting a hole out of the middle: keep the left part,
			// insert a new mapping for the right part.
			right := &mapping{
				vmo: m.vmo, rights: m.rights, vmoOffset: m.vmoOffset + (hi - m.vaStart),
				vaStart: hi, size: m.vaEnd() - hi, perms: m.perms,
				shared: m.shared, vmoID: m.vmoID,
			}
			m.size = lo - m.vaStart
			kept = append(kept, right)
		}
		kept = append(kept, m)
	}
	v.mappings = kept
	return kerr.Ok
}

// Protect updates the protection bits of every mapping overlapping
// [va, va+length), re-installing any already-mapped PTEs in that range.
// Raising a mapping to PropWrite requires that mapping's own rights to
// carry rights.Write (spec.md §4.11): Protect cannot grant a mapping
// write access its backing handle was never given.
func (v *Vmar) Protect(va, length uint64, perms pt.Prop) kerr.Err_t {
	if length == 0 || va%mem.PageSize != 0 || length%mem.PageSize != 0 {
		return kerr.InvalidArgs
	}
	end := va + length
	v.mu.Lock()
	defer v.mu.Unlock()
	if perms&pt.PropWrite != 0 {
		for _, m := range v.mappings {
			if end <= m.vaStart || m.vaEnd() <= va {
				continue
			}
			if err := m.rights.Check(rights.Write); err.IsErr() {
				return err
			}
		}
	}
	for _, m := range v.mappings {
		if end <= m.vaStart || m.vaEnd() <= va {
			continue
		}
		lo := m.vaStart
		if va > lo {
			lo = va
		}
		hi := m.vaEnd()
		if end < hi {
			hi = end
		}
		if lo == m.vaStart && hi == m.vaEnd() {
			m.perms = perms
		}
		v.table.ProtectRange(lo, int((hi-lo)/mem.PageSize), perms)
	}
	return kerr.Ok
}

// HandlePageFault resolves a fault at va: looks up the covering mapping,
// checks the requested access against its protection, commits the backing
// frame (breaking copy-on-write on a write fault) and installs it into the
// page table (spec.md §8 scenario S3). Returns kerr.Fault for an
// unmapped address or a disallowed access, matching biscuit's
// Sys_pgfault returning -defs.EFAULT in the equivalent cases.
func (v *Vmar) HandlePageFault(va uint64, isWrite bool) kerr.Err_t {
	v.mu.Lock()
	m := v.findMappingLocked(va)
	if m == nil {
		v.mu.Unlock()
		return kerr.Fault
	}
	if isWrite && m.perms&pt.PropWrite == 0 {
		v.mu.Unlock()
		return kerr.Fault
	}
	pageOff := va - m.vaStart + m.vmoOffset
	if pageOff >= m.vmo.Size() {
		v.mu.Unlock()
		return kerr.Fault
	}
	vmoObj, perms, vmoID := m.vmo, m.perms, m.vmoID
	v.mu.Unlock()

	pageIdx := pageOff / mem.PageSize
	var fr page.Frame
	var err kerr.Err_t
	if isWrite {
		fr, err = vmoObj.CommitPageForWrite(pageIdx)
	} else {
		fr, err = vmoObj.CommitPage(pageIdx)
	}
	if err.IsErr() {
		return err
	}
	faultPage := (va / mem.PageSize) * mem.PageSize
	v.table.Unmap(faultPage)
	return v.table.Map(faultPage, fr.Paddr(), perms, true, vmoID)
}

// Clear zero-fills [va, va+length) through the backing VMOs. Requires
// rights.Write on every overlapping mapping (spec.md §4.11 "clear
// requires Write").
func (v *Vmar) Clear(va, length uint64) kerr.Err_t {
	end := va + length
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mappings {
		if end <= m.vaStart || m.vaEnd() <= va {
			continue
		}
		if err := m.rights.Check(rights.Write); err.IsErr() {
			return err
		}
		lo := m.vaStart
		if va > lo {
			lo = va
		}
		hi := m.vaEnd()
		if end < hi {
			hi = end
		}
		if err := m.vmo.Clear(m.vmoOffset+(lo-m.vaStart), hi-lo); err.IsErr() {
			return err
		}
	}
	return kerr.Ok
}

// Fork creates a child VMAR over the same address range with its own
// page table: shared mappings hand the child the same VMO, while private
// mappings COW-fork their VMO and drop the write bit on the parent's live
// PTEs so a subsequent write on either side takes a fault and breaks
// the sharing (spec.md §8 scenario S1, property 4).
func (v *Vmar) Fork(cpu int) (*Vmar, kerr.Err_t) {
	v.mu.Lock()
	defer v.mu.Unlock()
	child, err := New(v.a, v.base, v.size, v.limiter.limit, len(v.limiter.perCPU))
	if err.IsErr() {
		return nil, err
	}
	for _, m := range v.mappings {
		childVmo := m.vmo
		if !m.shared {
			childVmo, err = m.vmo.Fork()
			if err.IsErr() {
				return nil, err
			}
			if m.perms&pt.PropWrite != 0 {
				v.table.ProtectRange(m.vaStart, int(m.size/mem.PageSize), m.perms&^pt.PropWrite)
			}
		}
		child.mappings = append(child.mappings, &mapping{
			vmo: childVmo, rights: m.rights, vmoOffset: m.vmoOffset, vaStart: m.vaStart,
			size: m.size, perms: m.perms, shared: m.shared, vmoID: m.vmoID,
		})
		child.limiter.TryAdd(cpu, int64(m.size))
	}
	child.nextID = v.nextID
	return child, kerr.Ok
}

// Destroy tears down the VMAR entirely: every mapping's PTEs are unmapped
// and the page table itself is destroyed. VMOs are left untouched since
// the VMAR never owned a reference to their frames, only to mappings of
// them.
func (v *Vmar) Destroy() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mappings {
		v.table.UnmapRange(m.vaStart, int(m.size/mem.PageSize))
	}
	v.mappings = nil
	v.table.Destroy()
}
