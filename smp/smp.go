package smp

import (
	"coreframe/kerr"
	"coreframe/klog"
	"coreframe/mm/mem"
	"coreframe/mm/page"
)

var log = klog.New("smp")

// ApBootTimeoutMs bounds how long the BSP waits, in Clock.SleepMs units,
// for an AP to report itself online after the INIT-SIPI-SIPI broadcast
// before giving up on it (SPEC_FULL.md Open Question (b): "a stuck AP is
// detected by the BSP with a bounded post-SIPI deadline"). original_source
// does not wait at all -- it fires the second SIPI unconditionally and
// moves on, leaving a genuinely stuck AP silent forever; this package adds
// the bounded wait spec.md's own open question calls for.
const ApBootTimeoutMs = 500

// BootReport records which MADT-enumerated APs came online within
// ApBootTimeoutMs of the boot IPI sequence and which did not.
type BootReport struct {
	Started []uint32
	Stuck   []uint32
}

// AllocBootStacks allocates one nframes-frame stack per entry in cpus from
// a, returning the segments in the same order. Callers publish the array's
// base (via PublishBootStackArray) before calling SendBootIPIs.
func AllocBootStacks(a *mem.Allocator, cpus []ProcessorInfo, nframes int) ([]page.Segment, kerr.Err_t) {
	stacks := make([]page.Segment, 0, len(cpus))
	for range cpus {
		seg, err := page.AllocSegment(a, nframes)
		if err.IsErr() {
			for _, s := range stacks {
				s.Release()
			}
			return nil, err
		}
		stacks = append(stacks, seg)
	}
	return stacks, kerr.Ok
}

// WaitForAPs polls online for every non-BSP processor in cpus once per
// simulated millisecond (via clk), up to ApBootTimeoutMs, and reports which
// ones answered in time. An AP still missing when the deadline passes is
// recorded as stuck and logged, then boot continues without it (spec.md
// §9 Open Question (b)).
func WaitForAPs(clk Clock, cpus []ProcessorInfo, online func(apicID uint32) bool) BootReport {
	pending := make(map[uint32]bool, len(cpus))
	for _, cpu := range cpus {
		if !cpu.IsBSP {
			pending[cpu.ApicID] = true
		}
	}

	var report BootReport
	for ms := 0; ms < ApBootTimeoutMs && len(pending) > 0; ms++ {
		for apicID := range pending {
			if online(apicID) {
				report.Started = append(report.Started, apicID)
				delete(pending, apicID)
			}
		}
		if len(pending) == 0 {
			break
		}
		clk.SleepMs(1)
	}

	for apicID := range pending {
		report.Stuck = append(report.Stuck, apicID)
		log.Warnf("ap apic-id=%d did not come online within %dms, continuing without it", apicID, ApBootTimeoutMs)
	}
	return report
}

// Boot runs the full SMP bring-up sequence described in spec.md §4.8:
// allocate boot stacks, publish the array, broadcast INIT-SIPI-SIPI, then
// wait for each AP to report online within the bounded deadline. cpus
// should already exclude no one; the BSP's own entry is skipped by
// WaitForAPs via ProcessorInfo.IsBSP.
func Boot(a *mem.Allocator, lapic LocalAPIC, clk Clock, pointerSlot page.Segment, cpus []ProcessorInfo, stackFrames int, online func(apicID uint32) bool) (BootReport, []page.Segment, kerr.Err_t) {
	stacks, err := AllocBootStacks(a, cpus, stackFrames)
	if err.IsErr() {
		return BootReport{}, nil, err
	}
	if len(stacks) > 0 {
		if err := PublishBootStackArray(pointerSlot, stacks[0]); err.IsErr() {
			for _, s := range stacks {
				s.Release()
			}
			return BootReport{}, nil, err
		}
	}

	SendBootIPIs(lapic, clk)
	report := WaitForAPs(clk, cpus, online)
	return report, stacks, kerr.Ok
}
