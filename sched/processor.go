package sched

import "sync"

// ContextSwitcher performs the actual register save/restore between two
// tasks, or into/out of the idle context when either side is nil. Real
// register-context switching is architecture-specific assembly this
// hosted harness cannot execute; a test or a future arch layer installs
// its own implementation, the same abstraction boundary smp.LocalAPIC and
// irq.TrapFrame already draw around real hardware.
type ContextSwitcher func(from, to *Task)

// Processor is one CPU's scheduler state: the currently running task and
// the scheduler-class run queue backing it (original_source's Processor,
// generalized from a single global scheduler to one explicit instance per
// CPU so tests can exercise more than one core without package-global
// state).
type Processor struct {
	mu       sync.Mutex
	current  *Task
	rq       RunQueue
	switcher ContextSwitcher
}

// NewProcessor creates a per-CPU scheduler instance backed by rq.
func NewProcessor(rq RunQueue, switcher ContextSwitcher) *Processor {
	return &Processor{rq: rq, switcher: switcher}
}

// Current returns the task currently assigned to this processor, or nil
// if it is idle.
func (p *Processor) Current() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// TakeCurrent clears and returns the current task.
func (p *Processor) TakeCurrent() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.current
	p.current = nil
	return t
}

// AddTask enqueues task onto this processor's run queue. woken marks a
// task that is rejoining after sleeping (EnqueueWake, keeps its saved
// lag) as opposed to one entering the ready set for the first time.
func (p *Processor) AddTask(task *Task, woken bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	flags := EnqueueDefault
	if woken {
		flags = EnqueueWake
	}
	p.rq.Enqueue(task, flags)
}

// YieldNow yields the current task without changing its status (spec.md
// §4.9 "Unlike in Linux, this will not change the task's status into
// runnable"), then asks Schedule to switch if appropriate.
func (p *Processor) YieldNow(cpu int) {
	p.mu.Lock()
	cur := p.current
	if cur != nil {
		p.rq.UpdateCurrent(CurrentRuntime{}, UpdateYield)
	}
	p.mu.Unlock()
	p.Schedule(cpu)
}

// Schedule is the voluntary yield point (spec.md §4.9): it refuses to run
// if cpu's preempt-disabled count is nonzero, otherwise it deactivates
// preemption, asks the run queue whether the current task should be
// preempted, switches to the next task or stays idle, then reactivates
// preemption.
func (p *Processor) Schedule(cpu int) {
	if !Preemptible(cpu, true) {
		return
	}
	activate(cpu)

	if p.shouldPreempt(cpu) {
		p.switchToNext(cpu)
	} else {
		deactivate(cpu)
	}
}

// shouldPreempt decides whether the current task should be switched out.
// Accounting for elapsed time already happened in Tick, which sets
// need_resched on the current task when the run queue reports a
// preemption is due (spec.md §4.9: "the next voluntary check point
// performs the switch"); schedule() only consults that flag, it does not
// re-run the run queue's tick accounting itself.
func (p *Processor) shouldPreempt(cpu int) bool {
	if InAtomic(cpu) {
		return false
	}
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()
	if cur == nil {
		return true
	}
	return !cur.Status().IsRunnable() || cur.NeedResched()
}

func (p *Processor) switchToNext(cpu int) {
	p.mu.Lock()
	next := p.rq.PickNext()
	p.mu.Unlock()
	if next == nil {
		deactivate(cpu)
		return
	}
	p.SwitchTo(next, cpu)
	deactivate(cpu)
}

// SwitchTo switches this processor to run next directly (original_source's
// switch_to): if a current task is runnable it is re-enqueued before the
// switch; an exited current task is dropped instead.
func (p *Processor) SwitchTo(next *Task, cpu int) {
	p.mu.Lock()
	cur := p.current
	if cur != nil && cur.Status().IsRunnable() {
		cur.SetNeedResched(false)
		p.rq.Enqueue(cur, EnqueueWake)
	}
	p.current = next
	p.mu.Unlock()
	next.SetNeedResched(false)

	if p.switcher != nil {
		p.switcher(cur, next)
	}
	deactivate(cpu)
}

// Tick is called by the timer handler at every scheduler tick
// (original_source's scheduler_tick): it asks the run queue to account
// for the elapsed delta and may mark the current task's need-resched
// flag so the next voluntary check point performs the switch.
func (p *Processor) Tick(delta uint64, cpu int) {
	p.mu.Lock()
	cur := p.current
	if cur == nil {
		p.mu.Unlock()
		return
	}
	preempt := p.rq.UpdateCurrent(CurrentRuntime{Delta: delta}, UpdateTick)
	p.mu.Unlock()
	if preempt {
		cur.SetNeedResched(true)
	}
}
