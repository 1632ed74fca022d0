package smp

import (
	"testing"

	"coreframe/mm/mem"
	"coreframe/mm/page"
)

func localApicEntry(processorID, apicID uint8, enabled bool) []byte {
	flags := uint32(0)
	if enabled {
		flags = 1
	}
	return []byte{0, 8, processorID, apicID, byte(flags), byte(flags >> 8), byte(flags >> 16), byte(flags >> 24)}
}

func TestParseMADTSkipsDisabledAndTagsBSP(t *testing.T) {
	body := append([]byte{0, 0, 0, 0, 0, 0, 0, 0}, localApicEntry(0, 0, true)...)
	body = append(body, localApicEntry(1, 1, true)...)
	body = append(body, localApicEntry(2, 2, false)...)

	cpus, err := ParseMADT(body, 0)
	if err.IsErr() {
		t.Fatalf("ParseMADT: %v", err)
	}
	if len(cpus) != 2 {
		t.Fatalf("want 2 enabled processors, got %d: %+v", len(cpus), cpus)
	}
	if !cpus[0].IsBSP || cpus[1].IsBSP {
		t.Fatalf("want only apic-id 0 tagged BSP, got %+v", cpus)
	}
	if cpus[1].ApicID != 1 {
		t.Fatalf("want second entry apic-id 1, got %d", cpus[1].ApicID)
	}
}

func TestParseMADTRejectsTruncatedEntry(t *testing.T) {
	body := []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 8, 1, 1}
	if _, err := ParseMADT(body, 0); !err.IsErr() {
		t.Fatalf("want an error on a truncated entry")
	}
}

type fakeLapic struct {
	calls []string
}

func (f *fakeLapic) SendInitToAllAPs()           { f.calls = append(f.calls, "init") }
func (f *fakeLapic) SendInitDeassertToAll()      { f.calls = append(f.calls, "deassert") }
func (f *fakeLapic) SendStartupToAllAPs(v uint8) { f.calls = append(f.calls, "sipi") }

type fakeClock struct {
	slept []int
}

func (c *fakeClock) SleepMs(ms int) { c.slept = append(c.slept, ms) }

func TestSendBootIPIsFollowsInitSipiSipiOrder(t *testing.T) {
	lapic := &fakeLapic{}
	clk := &fakeClock{}
	SendBootIPIs(lapic, clk)

	want := []string{"init", "deassert", "sipi", "sipi"}
	if len(lapic.calls) != len(want) {
		t.Fatalf("want calls %v, got %v", want, lapic.calls)
	}
	for i, c := range want {
		if lapic.calls[i] != c {
			t.Fatalf("call %d: want %q, got %q (full: %v)", i, c, lapic.calls[i], lapic.calls)
		}
	}
	if len(clk.slept) != 4 || clk.slept[0] != 10 || clk.slept[1] != 2 || clk.slept[2] != 2 || clk.slept[3] != 2 {
		t.Fatalf("want sleeps [10 2 2 2], got %v", clk.slept)
	}
}

func TestWaitForAPsReportsStartedAndStuck(t *testing.T) {
	cpus := []ProcessorInfo{
		{ApicID: 0, IsBSP: true},
		{ApicID: 1},
		{ApicID: 2},
	}
	online := map[uint32]bool{1: true}
	clk := &fakeClock{}

	report := WaitForAPs(clk, cpus, func(apicID uint32) bool { return online[apicID] })

	if len(report.Started) != 1 || report.Started[0] != 1 {
		t.Fatalf("want apic-id 1 started, got %+v", report)
	}
	if len(report.Stuck) != 1 || report.Stuck[0] != 2 {
		t.Fatalf("want apic-id 2 stuck, got %+v", report)
	}
}

func TestWaitForAPsReturnsImmediatelyWhenAllOnline(t *testing.T) {
	cpus := []ProcessorInfo{{ApicID: 0, IsBSP: true}, {ApicID: 1}}
	clk := &fakeClock{}

	report := WaitForAPs(clk, cpus, func(uint32) bool { return true })

	if len(report.Started) != 1 || len(report.Stuck) != 0 {
		t.Fatalf("want all started none stuck, got %+v", report)
	}
	if len(clk.slept) != 0 {
		t.Fatalf("want no sleeps when every AP answers on the first poll, got %v", clk.slept)
	}
}

func newAlloc(t *testing.T, n int) *mem.Allocator {
	a, err := mem.NewHosted(n, 1)
	if err != nil {
		t.Fatalf("NewHosted: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestPublishBootStackArrayRoundTrips(t *testing.T) {
	a := newAlloc(t, 8)
	pointerSlot, err := page.AllocSegment(a, 1)
	if err.IsErr() {
		t.Fatalf("AllocSegment pointerSlot: %v", err)
	}
	defer pointerSlot.Release()

	stacks, err := page.AllocSegment(a, 2)
	if err.IsErr() {
		t.Fatalf("AllocSegment stacks: %v", err)
	}
	defer stacks.Release()

	if err := PublishBootStackArray(pointerSlot, stacks); err.IsErr() {
		t.Fatalf("PublishBootStackArray: %v", err)
	}

	var buf [8]byte
	if err := pointerSlot.ReadBytes(0, buf[:]); err.IsErr() {
		t.Fatalf("ReadBytes: %v", err)
	}
	got := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
	if got != uint64(stacks.StartPaddr()) {
		t.Fatalf("want published paddr %d, got %d", stacks.StartPaddr(), got)
	}
}

func TestBootAllocatesOneStackPerAPAndReportsStuckAP(t *testing.T) {
	a := newAlloc(t, 32)
	pointerSlot, err := page.AllocSegment(a, 1)
	if err.IsErr() {
		t.Fatalf("AllocSegment pointerSlot: %v", err)
	}
	defer pointerSlot.Release()

	cpus := []ProcessorInfo{
		{ApicID: 0, IsBSP: true},
		{ApicID: 1},
		{ApicID: 2},
	}
	online := map[uint32]bool{1: true}
	lapic := &fakeLapic{}
	clk := &fakeClock{}

	report, stacks, err := Boot(a, lapic, clk, pointerSlot, cpus, 2, func(apicID uint32) bool { return online[apicID] })
	if err.IsErr() {
		t.Fatalf("Boot: %v", err)
	}
	defer func() {
		for _, s := range stacks {
			s.Release()
		}
	}()

	if len(stacks) != len(cpus) {
		t.Fatalf("want %d boot stacks, got %d", len(cpus), len(stacks))
	}
	if len(report.Started) != 1 || len(report.Stuck) != 1 || report.Stuck[0] != 2 {
		t.Fatalf("want apic-id 1 started and apic-id 2 stuck, got %+v", report)
	}
	if len(lapic.calls) != 4 {
		t.Fatalf("want the full INIT-SIPI-SIPI broadcast sent, got %v", lapic.calls)
	}
}
