package irq

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// NRSoftIrqLines is the number of softirq lines, matching
// original_source/ostd/src/trap/softirq.rs's SoftIrqLine::NR_LINES.
const NRSoftIrqLines = 8

// softIrqRunTimes bounds how many passes process_pending makes over the
// pending mask per call, matching softirq.rs's SOFTIRQ_RUN_TIMES.
const softIrqRunTimes = 5

// SoftIrqLine is one software-interrupt line: an id and the callback
// that runs when it is raised. The line with the smaller id has higher
// execution priority (processed first within a pass), matching
// softirq.rs's doc comment.
type SoftIrqLine struct {
	id      uint8
	once    sync.Once
	cb      func()
	enabled atomic.Bool
}

var (
	softLines   [NRSoftIrqLines]SoftIrqLine
	enabledMask atomic.Uint32 // global: which lines have a callback registered
)

func init() {
	for i := range softLines {
		softLines[i].id = uint8(i)
	}
}

// Line returns the softirq line with the given id. id must be in
// [0, NRSoftIrqLines).
func Line(id uint8) *SoftIrqLine {
	if id >= NRSoftIrqLines {
		panic("irq: softirq id out of range")
	}
	return &softLines[id]
}

// ID returns this line's id.
func (l *SoftIrqLine) ID() uint8 { return l.id }

// Enable registers cb as this line's callback. Each line can only be
// enabled once (softirq.rs "Each softirq can only be enabled once").
func (l *SoftIrqLine) Enable(cb func()) {
	registered := false
	l.once.Do(func() {
		l.cb = cb
		registered = true
	})
	if !registered {
		panic("irq: softirq line already enabled")
	}
	enabledMask.Or(1 << l.id)
	l.enabled.Store(true)
}

// IsEnabled reports whether this line has a registered callback.
func (l *SoftIrqLine) IsEnabled() bool { return l.enabled.Load() }

// softState is one CPU's softirq bookkeeping: its pending bitmap and
// whether softirq processing is currently allowed on it, the hosted
// equivalent of softirq.rs's per-CPU PENDING_MASK/IS_ENABLED cpu_local
// statics.
type softState struct {
	pending atomic.Uint32
	enabled atomic.Bool
}

var (
	perCPU   []softState
	initOnce sync.Once
)

// InitSoftirq sizes the per-CPU pending-state table; must be called once
// with the CPU count before Raise/ProcessPending are used on any CPU
// index.
func InitSoftirq(ncpu int) {
	initOnce.Do(func() {
		perCPU = make([]softState, ncpu)
		for i := range perCPU {
			perCPU[i].enabled.Store(true)
		}
	})
}

// Raise marks this line pending on cpu. If the line has no registered
// callback yet, the bit is still recorded but process_pending's mask
// against enabledMask will skip it (softirq.rs "If this line is not
// enabled yet, the method has no effect").
func (l *SoftIrqLine) Raise(cpu int) {
	perCPU[cpu].pending.Or(1 << l.id)
}

// ProcessPending runs every pending, enabled softirq callback on cpu, up
// to softIrqRunTimes passes, with softirq processing disabled on cpu for
// the duration to prevent re-entrancy (softirq.rs's process_pending).
// Unlike the Rust original this does not acquire a preempt guard, and no
// caller in this module wraps it in a sched.PreemptGuard.
func ProcessPending(cpu int) {
	state := &perCPU[cpu]
	if !state.enabled.Load() {
		return
	}
	state.enabled.Store(false)
	defer state.enabled.Store(true)

	for i := 0; i < softIrqRunTimes; i++ {
		actionMask := state.pending.Swap(0) & enabledMask.Load()
		if actionMask == 0 {
			return
		}
		for actionMask != 0 {
			id := bits.TrailingZeros32(actionMask)
			line := &softLines[id]
			if line.cb != nil {
				line.cb()
			}
			actionMask &= actionMask - 1
		}
	}
}
