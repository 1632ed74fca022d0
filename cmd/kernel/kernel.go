// Command kernel is the composition root: it sequences the bootloader
// handoff into the subsystems spec.md §2 describes (frame allocator, page
// tables, VMAR/VMO, scheduler, IRQ, SMP, user-mode entry). This hosted
// harness cannot run the raw boot sequence against real hardware, so Init
// takes an already-parsed boot.Info and a CPU count in place of a live
// ACPI/MADT walk and produces a Kernel wired exactly the way a real entry
// point's init sequence would.
package main

import (
	"coreframe/irq"
	"coreframe/kerr"
	"coreframe/klog"
	"coreframe/mm/mem"
	"coreframe/mm/page"
	"coreframe/mm/vmar"
	"coreframe/sched"
	"coreframe/smp"

	"coreframe/boot"
)

var log = klog.New("kernel")

// Kernel holds every subsystem's top-level handle, wired together once at
// boot and referenced by the rest of the running system.
type Kernel struct {
	Boot      boot.Info
	Allocator *mem.Allocator
	KernelVM  *vmar.Vmar
	Processor *sched.Processor
	NCPU      int
}

// totalUsableFrames sums every Usable region's length in the memory map
// into a frame count, rounding down partial frames.
func totalUsableFrames(mm []boot.MemRegion) int {
	var bytes uint64
	for _, r := range mm {
		if r.Type == boot.MemUsable {
			bytes += r.Length
		}
	}
	return int(bytes / mem.PageSize)
}

// Init sequences the bootloader handoff into a running Kernel: size the
// frame allocator from the usable regions of the memory map, bring up the
// kernel's own address space, and start the scheduler substrate
// (spec.md §2's "physical frame lifecycle" through "task/scheduler
// substrate" in one pass). It does not itself wake application processors
// or enter user mode; callers that have a real LocalAPIC/Clock and at
// least one user task do that afterward through smp.Boot and
// user.UserMode.Execute.
func Init(info boot.Info, ncpu int) (*Kernel, kerr.Err_t) {
	log.Infof("booting via %q, cmdline=%q", info.BootloaderName, info.Cmdline)

	frames := totalUsableFrames(info.MemoryMap)
	if frames <= 0 {
		log.Errorf("no usable memory regions in boot info")
		return nil, kerr.InvalidArgs
	}
	log.Infof("memory map: %d regions, %d usable frames", len(info.MemoryMap), frames)

	alloc, err := mem.NewHosted(frames, ncpu)
	if err != nil {
		log.Errorf("frame allocator init failed: %v", err)
		return nil, kerr.OutOfMemory
	}

	const kernelASLimit = 1 << 30 // 1 GiB of kernel address space in total, split across the CPU shards
	kvm, kerrt := vmar.New(alloc, 0, uint64(frames)*mem.PageSize, kernelASLimit, ncpu)
	if kerrt.IsErr() {
		log.Errorf("kernel vmar init failed: %v", kerrt)
		return nil, kerrt
	}

	irq.InitSoftirq(ncpu)
	sched.Init(ncpu)
	proc := sched.NewProcessor(sched.NewEEVDFRunQueue(), nil)

	switch info.Acpi.Variant {
	case boot.AcpiMissing:
		log.Warnf("no ACPI root pointer handed off; SMP and platform timers are unavailable")
	default:
		log.Infof("acpi root pointer variant=%d addr=%#x", info.Acpi.Variant, info.Acpi.Addr)
	}
	if info.Initramfs != nil {
		log.Infof("initramfs at %#x, %d bytes", info.Initramfs.Base, info.Initramfs.Length)
	}
	if info.Framebuffer != nil {
		log.Infof("framebuffer %dx%d @ %#x, %d bpp", info.Framebuffer.Width, info.Framebuffer.Height, info.Framebuffer.Base, info.Framebuffer.Bpp)
	}

	return &Kernel{
		Boot:      info,
		Allocator: alloc,
		KernelVM:  kvm,
		Processor: proc,
		NCPU:      ncpu,
	}, kerr.Ok
}

// BootSecondaryCPUs parses an ACPI MADT body into per-CPU descriptors and
// runs the INIT-SIPI-SIPI handshake against them (spec.md §4.8), using the
// caller-supplied LocalAPIC/Clock for the hardware state this hosted
// harness cannot touch directly. It is kept separate from Init because it
// needs real ACPI table bytes and at least one AP stack frame per CPU,
// neither of which Init's boot-info-only signature carries.
func (k *Kernel) BootSecondaryCPUs(madt []byte, bspApicID uint32, lapic smp.LocalAPIC, clk smp.Clock, pointerSlot page.Segment, stackFrames int, online func(apicID uint32) bool) ([]smp.ProcessorInfo, smp.BootReport, []page.Segment, kerr.Err_t) {
	cpus, err := smp.ParseMADT(madt, bspApicID)
	if err.IsErr() {
		log.Errorf("MADT parse failed: %v", err)
		return nil, smp.BootReport{}, nil, err
	}
	log.Infof("MADT describes %d processors", len(cpus))

	report, stacks, err := smp.Boot(k.Allocator, lapic, clk, pointerSlot, cpus, stackFrames, online)
	if err.IsErr() {
		log.Errorf("AP boot failed: %v", err)
		return cpus, report, stacks, err
	}
	log.Infof("AP boot: %d started, %d stuck", len(report.Started), len(report.Stuck))
	// stacks must stay allocated for the lifetime of the APs that own them;
	// the caller releases each one once its AP is retired.
	return cpus, report, stacks, kerr.Ok
}
