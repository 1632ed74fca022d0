// Package rights implements the capability rights spec.md §4.11
// describes: an atomic set of {Read, Write, Exec, Dup} bits, a dynamic
// (runtime bitset) encoding and a static (Go-type-level) encoding, an
// infallible static->dynamic conversion, and a fallible dynamic->static
// conversion that requires the dynamic value to cover every bit the
// target static type demands.
//
// Rust's original expresses the static encoding with a `#[static_cap]`/
// `#[require(...)]` proc-macro pair (see
// original_source/services/libs/jinux-rights-proc/src/lib.rs) that
// rewrites a generic `RightSet` type parameter at compile time so that
// calling an under-privileged method is a compile error. Go has no
// compile-time trait bound or macro system to reproduce that, so the
// static encoding here is a family of zero-sized marker types
// implementing the Set interface; the check a caller would get "for
// free" from the Rust type system instead happens at FromDynamic, the
// one place a dynamic Rights value is asked to stand in for a specific
// static marker.
package rights

import "coreframe/kerr"

// Rights is the dynamic (runtime bitset) encoding of capability rights.
type Rights uint8

const (
	Read Rights = 1 << iota
	Write
	Exec
	Dup
)

// None is the empty capability: a VMO or VMAR handle carrying it can be
// duplicated (if Dup is present) but not read, written, or executed.
const None Rights = 0

// All is the full capability set.
const All Rights = Read | Write | Exec | Dup

func (r Rights) String() string {
	if r == None {
		return "none"
	}
	s := ""
	for _, b := range []struct {
		bit  Rights
		name string
	}{{Read, "r"}, {Write, "w"}, {Exec, "x"}, {Dup, "d"}} {
		if r&b.bit != 0 {
			s += b.name
		}
	}
	return s
}

// Has reports whether r carries every bit set in required.
func (r Rights) Has(required Rights) bool { return r&required == required }

// Check returns kerr.PermissionDenied unless r carries every bit in
// required (spec.md §4.11 "check_rights(required)").
func (r Rights) Check(required Rights) kerr.Err_t {
	if !r.Has(required) {
		return kerr.PermissionDenied
	}
	return kerr.Ok
}

// Restrict returns the largest capability no stronger than both r and
// mask (their bitwise intersection). Chaining Restrict calls can only
// ever narrow a capability, never widen it (spec.md §8 property 7 "rights
// monotonicity": a duplicated or restricted handle's rights are always a
// subset of the rights it was derived from).
func (r Rights) Restrict(mask Rights) Rights { return r & mask }

// Set is the static (type-level) encoding: a zero-sized marker type whose
// Bits method names the fixed capability it represents. Concrete Set
// types below stand in for the Rust proc-macro's generated RightSet
// implementors (ReadOnly, WriteOnly, ...).
type Set interface {
	Bits() Rights
}

// ReadOnly, WriteOnly, ReadWrite, Full, and NoRights are the static
// capabilities spec.md's concrete scenarios need; additional combinations
// can be added the same way without touching ToDynamic/FromDynamic.
type (
	ReadOnly  struct{}
	WriteOnly struct{}
	ReadWrite struct{}
	Full      struct{}
	NoRights  struct{}
)

func (ReadOnly) Bits() Rights  { return Read }
func (WriteOnly) Bits() Rights { return Write }
func (ReadWrite) Bits() Rights { return Read | Write }
func (Full) Bits() Rights      { return All }
func (NoRights) Bits() Rights  { return None }

// ToDynamic converts any static capability to its dynamic bitset. This
// direction is infallible: a static type's rights are fixed and always
// representable as a Rights value (spec.md §4.11 "infallible static ->
// dynamic conversion").
func ToDynamic(s Set) Rights { return s.Bits() }

// FromDynamic attempts to reinterpret a dynamic Rights value as the
// static capability S, succeeding only if have covers every bit S
// demands (spec.md §4.11 "fallible dynamic -> static conversion requiring
// coverage check"). S must be one of this package's zero-sized Set
// implementors so its zero value already carries the right Bits().
func FromDynamic[S Set](have Rights) (S, kerr.Err_t) {
	var want S
	if !have.Has(want.Bits()) {
		return want, kerr.PermissionDenied
	}
	return want, kerr.Ok
}
