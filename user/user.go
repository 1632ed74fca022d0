// Package user implements user-mode execution (spec.md §4.10): a
// UserSpace bundles an address space with an initial CPU context; binding
// it to a task produces a UserMode that activates the address space and
// enters user code, returning why control came back (syscall, exception).
// Grounded on original_source/framework/aster-frame/src/user.rs.
package user

import (
	"sync"

	"coreframe/mm/mem"
)

// ContextAPI is the architecture-independent CPU-context accessor every
// concrete context type implements (original_source's UserContextApi
// trait).
type ContextAPI interface {
	TrapNumber() uint64
	TrapErrorCode() uint64
	SyscallNum() uint64
	SyscallRet() uint64
	SetSyscallRet(ret uint64)
	SyscallArgs() [6]uint64
	InstructionPointer() uint64
	SetInstructionPointer(ip uint64)
	StackPointer() uint64
	SetStackPointer(sp uint64)
}

// Event is what brought control back from user space to the kernel
// (original_source's UserEvent). Hardware interrupts are not events here;
// those are handled through irq.IrqLine instead.
type Event int

const (
	EventSyscall Event = iota
	EventException
)

// Context is a concrete CPU context: the accessor surface plus the
// architecture-specific entry into user mode and a copy constructor.
// original_source's UserContext is Copy, which UserSpace relies on to
// hand every UserMode its own independent context seeded from init_ctx;
// Clone is this package's stand-in since Go assignment does not deep-copy
// an interface value.
type Context interface {
	ContextAPI
	// Execute enters user mode with this context and returns only when
	// control comes back to the kernel, reporting why
	// (original_source's UserContextApiInternal::execute).
	Execute() Event
	// Clone returns an independent copy of this context.
	Clone() Context
}

// AddressSpace is the subset of mm/vmar.Vmar a UserSpace needs: the root
// page table physical address to activate on entry. Declared locally
// (rather than importing mm/vmar) so this package has no dependency on
// the VMAR implementation, only on the contract it satisfies.
type AddressSpace interface {
	RootPaddr() mem.Paddr
}

// activator loads paddr into the current CPU's page-table base register.
// Real register writes are architecture-specific assembly this hosted
// harness cannot execute, the same abstraction boundary sched.Processor's
// ContextSwitcher and smp.LocalAPIC already draw around real hardware.
var activator func(mem.Paddr)

// SetActivator installs the address-space-activation hook Execute calls
// before entering user mode.
func SetActivator(f func(mem.Paddr)) { activator = f }

// UserSpace bundles an address space with the CPU context a task starts
// in the first time it enters user mode.
type UserSpace struct {
	addrSpace AddressSpace
	initCtx   Context
}

// NewUserSpace creates a UserSpace over addrSpace, seeded with initCtx.
func NewUserSpace(addrSpace AddressSpace, initCtx Context) *UserSpace {
	return &UserSpace{addrSpace: addrSpace, initCtx: initCtx}
}

// AddressSpace returns the bundled address space.
func (u *UserSpace) AddressSpace() AddressSpace { return u.addrSpace }

var (
	mu         sync.Mutex
	boundTasks = map[uint64]bool{}
)

// UserMode binds a UserSpace to one task's execution of user code. Each
// task may hold at most one UserMode at a time; original_source enforces
// this at construction and panics otherwise (spec.md §4.10), and since Go
// has no destructor to automatically clear that binding when a UserMode
// is dropped, Release must be called explicitly once the task is done
// with it.
type UserMode struct {
	taskID  uint64
	space   *UserSpace
	context Context
}

// NewUserMode binds u to taskID, panicking if taskID already has a
// UserMode bound (spec.md §4.10 "the task may hold at most one UserMode
// at a time (enforced at construction)").
func (u *UserSpace) NewUserMode(taskID uint64) *UserMode {
	mu.Lock()
	defer mu.Unlock()
	if boundTasks[taskID] {
		panic("user: task already has a UserMode bound")
	}
	boundTasks[taskID] = true
	return &UserMode{taskID: taskID, space: u, context: u.initCtx.Clone()}
}

// Release unbinds this UserMode from its task, allowing a new UserMode to
// be constructed for it.
func (m *UserMode) Release() {
	mu.Lock()
	defer mu.Unlock()
	delete(boundTasks, m.taskID)
}

// Execute activates the bound address space and enters user mode,
// returning only when control comes back to the kernel (spec.md §4.10
// "execute() activates the VMAR and enters user mode; the return code
// identifies the cause").
func (m *UserMode) Execute() Event {
	if activator != nil {
		activator(m.space.addrSpace.RootPaddr())
	}
	return m.context.Execute()
}

// Context returns the user-mode CPU context, inspectable and mutable
// between entries (spec.md §4.10 "the kernel code can inspect and modify
// the user context between entries").
func (m *UserMode) Context() Context { return m.context }
