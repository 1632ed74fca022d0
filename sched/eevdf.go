package sched

import "sort"

// EnqueueFlags distinguishes why a task is being enqueued (original_source's
// EnqueueFlags): Wake keeps a woken task's saved lag; Default is a fresh
// task joining the ready set for the first time.
type EnqueueFlags int

const (
	EnqueueDefault EnqueueFlags = iota
	EnqueueWake
)

// UpdateFlags distinguishes why update_current is being called
// (original_source's UpdateFlags).
type UpdateFlags int

const (
	UpdateTick UpdateFlags = iota
	UpdateYield
	UpdateWait
	UpdateExit
)

// CurrentRuntime carries the elapsed time since the current task was last
// accounted for (original_source's CurrentRuntime.delta).
type CurrentRuntime struct {
	Delta uint64
}

// RunQueue is a scheduler class's ready-set contract (original_source's
// SchedClassRq trait): enqueue, pick the next task to run, and update the
// currently running task's bookkeeping, reporting whether it should be
// preempted.
type RunQueue interface {
	Enqueue(task *Task, flags EnqueueFlags)
	Len() int
	IsEmpty() bool
	PickNext() *Task
	UpdateCurrent(rt CurrentRuntime, flags UpdateFlags) bool
}

// lagged pairs a task with its EEVDF lag and insertion sequence, the ready
// set's sort key (lag ascending, then insertion order) per spec.md §4.9.
type lagged struct {
	task *Task
	lag  uint64
	id   uint64
}

func laggedLess(a, b *lagged) bool {
	if a.lag != b.lag {
		return a.lag < b.lag
	}
	return a.id < b.id
}

// EEVDFRunQueue is the one concrete scheduler class spec.md names: an
// earliest-eligible-virtual-deadline-first ready set keyed by lag,
// grounded on original_source's kernel/src/sched/sched_class/eevdf.rs.
// original_source keeps the ready set in a BTreeSet; no ordered-set or
// B-tree library appears anywhere in the example pack's go.mod files, and
// this module already leans on a sorted slice plus sort.Search for the
// same kind of ordered-range bookkeeping (dma's intervalSet), so the ready
// set follows that established convention rather than reaching for
// container/heap, which cannot give O(1) access to both the minimum (for
// PickNext) and the maximum (for a fresh task's lag) the way a sorted
// slice does.
type EEVDFRunQueue struct {
	current  *lagged
	eligible []*lagged
	counter  uint64
}

// NewEEVDFRunQueue returns an empty EEVDF run queue.
func NewEEVDFRunQueue() *EEVDFRunQueue {
	return &EEVDFRunQueue{}
}

func (q *EEVDFRunQueue) insert(l *lagged) {
	i := sort.Search(len(q.eligible), func(i int) bool { return !laggedLess(q.eligible[i], l) })
	q.eligible = append(q.eligible, nil)
	copy(q.eligible[i+1:], q.eligible[i:])
	q.eligible[i] = l
}

func (q *EEVDFRunQueue) popFirst() *lagged {
	if len(q.eligible) == 0 {
		return nil
	}
	l := q.eligible[0]
	q.eligible = q.eligible[1:]
	return l
}

// Enqueue implements RunQueue. A woken task (EnqueueWake) keeps its saved
// lag; a fresh task's lag is set high enough to go last among the
// currently eligible tasks, matching eevdf.rs's enqueue.
func (q *EEVDFRunQueue) Enqueue(task *Task, flags EnqueueFlags) {
	var lag uint64
	if flags == EnqueueWake {
		lag = task.Lag()
	} else if last := q.lastEligible(); last != nil {
		lag = last.lag + 1
	}
	id := q.counter
	q.counter++
	q.insert(&lagged{task: task, lag: lag, id: id})
}

func (q *EEVDFRunQueue) lastEligible() *lagged {
	if len(q.eligible) == 0 {
		return nil
	}
	return q.eligible[len(q.eligible)-1]
}

// Len implements RunQueue.
func (q *EEVDFRunQueue) Len() int { return len(q.eligible) }

// IsEmpty implements RunQueue.
func (q *EEVDFRunQueue) IsEmpty() bool { return len(q.eligible) == 0 }

// PickNext implements RunQueue: it pops the lowest-lag eligible task and
// makes it current.
func (q *EEVDFRunQueue) PickNext() *Task {
	q.current = q.popFirst()
	if q.current == nil {
		return nil
	}
	return q.current.task
}

// UpdateCurrent implements RunQueue, matching eevdf.rs's update_current
// exactly for each UpdateFlags case.
func (q *EEVDFRunQueue) UpdateCurrent(rt CurrentRuntime, flags UpdateFlags) bool {
	current := q.current
	if current == nil {
		return !q.IsEmpty()
	}
	q.current = nil

	switch flags {
	case UpdateTick:
		current.lag += rt.Delta
		if first := q.firstEligible(); first != nil && first.lag < current.lag {
			q.insert(current)
			return true
		}
		q.current = current
		return false
	case UpdateYield:
		current.lag += rt.Delta
		if first := q.popFirst(); first != nil {
			// first.lag = min(first.lag, current.lag.saturating_sub(1)):
			// guarantees first will beat current once both are
			// reinserted, without underflowing when current.lag is 0.
			saturated := current.lag
			if saturated > 0 {
				saturated--
			}
			if first.lag > saturated {
				first.lag = saturated
			}
			q.insert(current)
			q.insert(first)
			return true
		}
		q.current = current
		return false
	case UpdateWait:
		current.lag += rt.Delta
		current.task.SetLag(current.lag)
		return !q.IsEmpty()
	default: // UpdateExit
		return !q.IsEmpty()
	}
}

func (q *EEVDFRunQueue) firstEligible() *lagged {
	if len(q.eligible) == 0 {
		return nil
	}
	return q.eligible[0]
}
