package sched

import "sync/atomic"

// Status is a kernel task's run state (original_source's TaskStatus).
type Status int32

const (
	StatusRunnable Status = iota
	StatusSleeping
	StatusExited
)

// IsRunnable reports whether s allows the task to be scheduled.
func (s Status) IsRunnable() bool { return s == StatusRunnable }

// Task is one kernel task: an id, run status, the scheduler's
// need-resched flag, and its EEVDF lag counter (spec.md §4.9 "Each task
// has a lag counter"). The actual saved CPU register context is
// architecture-specific and out of scope for this hosted harness, the
// same simplification irq.TrapFrame and smp.LocalAPIC already make for
// real hardware state this module cannot execute; the ContextSwitcher
// passed to NewProcessor stands in for original_source's context_switch.
type Task struct {
	ID          uint64
	status      atomic.Int32
	needResched atomic.Bool
	lag         atomic.Uint64
}

// NewTask creates a runnable task with the given id.
func NewTask(id uint64) *Task {
	t := &Task{ID: id}
	t.status.Store(int32(StatusRunnable))
	return t
}

// Status returns the task's current run status.
func (t *Task) Status() Status { return Status(t.status.Load()) }

// SetStatus sets the task's run status.
func (t *Task) SetStatus(s Status) { t.status.Store(int32(s)) }

// NeedResched reports whether the scheduler tick asked this task to yield
// at its next voluntary check point.
func (t *Task) NeedResched() bool { return t.needResched.Load() }

// SetNeedResched sets or clears the need-resched flag.
func (t *Task) SetNeedResched(v bool) { t.needResched.Store(v) }

// Lag returns the task's saved EEVDF lag value.
func (t *Task) Lag() uint64 { return t.lag.Load() }

// SetLag sets the task's saved EEVDF lag value.
func (t *Task) SetLag(v uint64) { t.lag.Store(v) }
