package vmo

import (
	"coreframe/kerr"
	"coreframe/mm/page"
	"coreframe/rights"
)

// Handle pairs a Vmo with the capability rights governing operations
// performed through it, the Go shape of original_source's Vmo<Rights>
// wrapper around the untyped Vmo_ this package's own Vmo plays the role
// of (see the package doc comment). spec.md §4.11 ties each VMO
// operation to a required right: read needs Read, write needs Write,
// resize/decommit/clear/replace need Write, and deriving a new handle
// (slice or COW child) needs Dup. Handle is the one place those checks
// are applied; Vmo itself stays untyped and ungated, matching how
// dyn_cap.rs's Vmo_ never checks rights on its own.
type Handle struct {
	vmo    *Vmo
	rights rights.Rights
}

// NewHandle wraps v with the rights it is held with. A freshly created
// VMO is ordinarily wrapped with rights.All before any weaker handle is
// derived from it via Dup.
func NewHandle(v *Vmo, r rights.Rights) Handle {
	return Handle{vmo: v, rights: r}
}

// Rights reports the capability rights this handle carries.
func (h Handle) Rights() rights.Rights { return h.rights }

// Vmo exposes the underlying, ungated Vmo for callers (page fault
// resolution, the scheduler's address-space teardown path) that already
// operate below the rights boundary.
func (h Handle) Vmo() *Vmo { return h.vmo }

// Size returns the VMO's size; reading it requires no right, matching
// original_source's Vmo<Rights>::size taking no RightsOp.
func (h Handle) Size() uint64 { return h.vmo.Size() }

// ReadBytes requires Read.
func (h Handle) ReadBytes(offset int, buf []byte) kerr.Err_t {
	if err := h.rights.Check(rights.Read); err.IsErr() {
		return err
	}
	return h.vmo.ReadBytes(offset, buf)
}

// WriteBytes requires Write.
func (h Handle) WriteBytes(offset int, buf []byte) kerr.Err_t {
	if err := h.rights.Check(rights.Write); err.IsErr() {
		return err
	}
	return h.vmo.WriteBytes(offset, buf)
}

// Resize requires Write.
func (h Handle) Resize(newSizeBytes uint64) kerr.Err_t {
	if err := h.rights.Check(rights.Write); err.IsErr() {
		return err
	}
	return h.vmo.Resize(newSizeBytes)
}

// Decommit requires Write.
func (h Handle) Decommit(offset, length uint64) kerr.Err_t {
	if err := h.rights.Check(rights.Write); err.IsErr() {
		return err
	}
	return h.vmo.Decommit(offset, length)
}

// Clear requires Write.
func (h Handle) Clear(offset, length uint64) kerr.Err_t {
	if err := h.rights.Check(rights.Write); err.IsErr() {
		return err
	}
	return h.vmo.Clear(offset, length)
}

// Replace requires Write.
func (h Handle) Replace(pageIdx uint64, fr page.Frame) kerr.Err_t {
	if err := h.rights.Check(rights.Write); err.IsErr() {
		return err
	}
	return h.vmo.Replace(pageIdx, fr)
}

// OperateOnRange requires Read, or Write when commit is true (committing
// absent pages mutates the VMO just as a write does).
func (h Handle) OperateOnRange(offset, length uint64, commit bool, f func(idx uint64, fr page.Frame) kerr.Err_t) kerr.Err_t {
	required := rights.Read
	if commit {
		required = rights.Write
	}
	if err := h.rights.Check(required); err.IsErr() {
		return err
	}
	return h.vmo.OperateOnRange(offset, length, commit, f)
}

// NewSliceChild requires Dup and hands the child handle the same rights
// as the parent, restricted to mask (spec.md §8 property 7 "rights
// monotonicity": a derived handle's rights are never wider than the
// handle it came from).
func (h Handle) NewSliceChild(offset, length uint64, mask rights.Rights) (Handle, kerr.Err_t) {
	if err := h.rights.Check(rights.Dup); err.IsErr() {
		return Handle{}, err
	}
	return Handle{vmo: h.vmo.Slice(offset, length), rights: h.rights.Restrict(mask)}, kerr.Ok
}

// NewCOWChild requires Dup. The fork starts with the same (possibly
// restricted) rights as the parent handle.
func (h Handle) NewCOWChild(mask rights.Rights) (Handle, kerr.Err_t) {
	if err := h.rights.Check(rights.Dup); err.IsErr() {
		return Handle{}, err
	}
	child, err := h.vmo.Fork()
	if err.IsErr() {
		return Handle{}, err
	}
	return Handle{vmo: child, rights: h.rights.Restrict(mask)}, kerr.Ok
}

// Dup returns a new handle over the same Vmo with rights narrowed to
// mask, with no Dup check of its own: Dup gates producing a handle over
// a *different* Vmo (a slice or fork), not re-wrapping the same one with
// fewer rights.
func (h Handle) Dup(mask rights.Rights) Handle {
	return Handle{vmo: h.vmo, rights: h.rights.Restrict(mask)}
}
