// Package kerr defines the single result-type error taxonomy shared by every
// coreframe subsystem (spec.md §7). Recoverable conditions are returned as an
// Err_t; violated invariants panic instead, matching the "XXXPANIC" sites in
// the teacher's mem and vm packages.
package kerr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Err_t is a kernel error kind. The zero value means "no error" so that
// (T, Err_t) return pairs read naturally at call sites, the same convention
// biscuit's defs.Err_t uses.
type Err_t int32

const (
	// Ok is the zero value: no error occurred.
	Ok Err_t = iota
	OutOfMemory
	NoMemory
	InvalidArgs
	Overflow
	AccessDenied
	PermissionDenied
	NotFound
	AlreadyExists
	Busy
	InUse
	NeedIo
	Fault
	TimedOut
	Interrupted
	NotSupported
	OutOfRange
	AlreadyMapped
)

var names = map[Err_t]string{
	Ok:                "ok",
	OutOfMemory:       "out of memory",
	NoMemory:          "no memory",
	InvalidArgs:       "invalid arguments",
	Overflow:          "overflow",
	AccessDenied:      "access denied",
	PermissionDenied:  "permission denied",
	NotFound:          "not found",
	AlreadyExists:     "already exists",
	Busy:              "busy",
	InUse:             "in use",
	NeedIo:            "operation needs i/o",
	Fault:             "unrecoverable fault",
	TimedOut:          "timed out",
	Interrupted:       "interrupted",
	NotSupported:      "not supported",
	OutOfRange:        "out of range",
	AlreadyMapped:     "already mapped",
}

// Error implements the error interface so an Err_t can be returned as a plain
// Go error wherever a caller prefers that shape over the raw Err_t.
func (e Err_t) Error() string {
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("kerr: unknown error %d", int32(e))
}

// IsErr reports whether e represents a failure (anything but Ok).
func (e Err_t) IsErr() bool { return e != Ok }

// Errno projects an Err_t to a POSIX errno for the handful of boundaries that
// need one: the page-fault-to-signal path (§4.7) and the hosted test harness.
// The Linux personality that would normally own this mapping entirely is out
// of core scope (spec §1), but the core still must hand a number upward.
func (e Err_t) Errno() unix.Errno {
	switch e {
	case Ok:
		return 0
	case OutOfMemory, NoMemory:
		return unix.ENOMEM
	case InvalidArgs:
		return unix.EINVAL
	case Overflow:
		return unix.EOVERFLOW
	case AccessDenied, PermissionDenied:
		return unix.EACCES
	case NotFound:
		return unix.ENOENT
	case AlreadyExists, AlreadyMapped:
		return unix.EEXIST
	case Busy, InUse:
		return unix.EBUSY
	case NeedIo:
		return unix.EAGAIN
	case Fault:
		return unix.EFAULT
	case TimedOut:
		return unix.ETIMEDOUT
	case Interrupted:
		return unix.EINTR
	case NotSupported:
		return unix.ENOTSUP
	case OutOfRange:
		return unix.ERANGE
	default:
		return unix.EINVAL
	}
}
