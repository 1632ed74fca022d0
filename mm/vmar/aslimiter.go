package vmar

import "sync"

// ASLimiter enforces an RLIMIT_AS-style cap on a VMAR's total mapped
// address-space size, sharded per CPU so concurrent mappers on different
// CPUs don't contend on one global counter.
//
// Grounded on
// original_source/kernel/src/vm/vmar/vmar_impls/rs_as_delta.rs's
// Vmar::add_mapping_size: a CPU first tries to take the whole request out
// of its own shard; if that shard doesn't have enough room, it steals
// whatever the other CPUs' shards can spare, round-robin, reverting every
// partial steal if the total still can't be satisfied (spec.md §8
// property 10 "VMAR size enforcement", scenario S4).
type ASLimiter struct {
	mu     sync.Mutex
	perCPU []int64 // bytes still available to each CPU's shard
	limit  int64
}

// NewASLimiter creates a limiter splitting limit bytes evenly across ncpu
// shards (the remainder, if any, goes to shard 0, mirroring rs_as_delta's
// even split with a leftover adjustment).
func NewASLimiter(ncpu int, limit int64) *ASLimiter {
	if ncpu < 1 {
		ncpu = 1
	}
	share := limit / int64(ncpu)
	perCPU := make([]int64, ncpu)
	for i := range perCPU {
		perCPU[i] = share
	}
	perCPU[0] += limit - share*int64(ncpu)
	return &ASLimiter{perCPU: perCPU, limit: limit}
}

// TryAdd attempts to charge size bytes against cpu's shard, stealing from
// other shards round-robin if cpu's own shard is insufficient. Returns
// false (charging nothing) if the limiter's total capacity can't cover
// size even after stealing everything available.
func (l *ASLimiter) TryAdd(cpu int, size int64) bool {
	if size <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.perCPU)
	cpu = ((cpu % n) + n) % n

	remaining := size
	taken := make([]int64, n)

	take := func(i int) {
		if remaining == 0 {
			return
		}
		t := l.perCPU[i]
		if t > remaining {
			t = remaining
		}
		l.perCPU[i] -= t
		taken[i] += t
		remaining -= t
	}

	take(cpu)
	for i := 1; i < n && remaining > 0; i++ {
		take((cpu + i) % n)
	}

	if remaining > 0 {
		// Not enough room anywhere: revert every partial take.
		for i, t := range taken {
			l.perCPU[i] += t
		}
		return false
	}
	return true
}

// Sub returns size bytes to cpu's own shard. A mapping's release always
// credits the releasing CPU's shard directly rather than tracking which
// shard(s) a steal originally drew from, the same simplification
// rs_as_delta's RsAsDelta makes (a per-mapping delta is reverted as a
// whole against the current CPU, not unwound shard-by-shard).
func (l *ASLimiter) Sub(cpu int, size int64) {
	if size <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.perCPU)
	cpu = ((cpu % n) + n) % n
	l.perCPU[cpu] += size
}
