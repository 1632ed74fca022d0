package irq

import (
	"testing"

	"coreframe/kerr"
)

func TestAllocLineRunsCallbacksInOrder(t *testing.T) {
	line, err := AllocLine()
	if err.IsErr() {
		t.Fatalf("AllocLine: %v", err)
	}
	defer line.Release()

	var order []int
	line.OnActive(func(*TrapFrame) { order = append(order, 1) })
	line.OnActive(func(*TrapFrame) { order = append(order, 2) })
	line.OnActive(func(*TrapFrame) { order = append(order, 3) })

	CallIrqCallbackFunctions(line.Vector(), &TrapFrame{})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("callbacks should run in registration order, got %v", order)
	}
}

func TestCallbackHandleRemove(t *testing.T) {
	line, err := AllocLine()
	if err.IsErr() {
		t.Fatalf("AllocLine: %v", err)
	}
	defer line.Release()

	fired := 0
	h := line.OnActive(func(*TrapFrame) { fired++ })
	h.Remove()
	CallIrqCallbackFunctions(line.Vector(), &TrapFrame{})
	if fired != 0 {
		t.Fatalf("removed callback should not fire, got fired=%d", fired)
	}
}

func TestCallIrqCallbackFunctionsOnUnallocatedVectorIsNoop(t *testing.T) {
	CallIrqCallbackFunctions(250, &TrapFrame{})
}

func TestLineForCPUExceptionVector(t *testing.T) {
	line := LineFor(VectorPageFault)
	fired := false
	line.OnActive(func(*TrapFrame) { fired = true })
	CallIrqCallbackFunctions(VectorPageFault, &TrapFrame{})
	if !fired {
		t.Fatalf("callback on a fixed exception vector should still fire")
	}
}

func TestSoftIrqRaiseAndProcess(t *testing.T) {
	InitSoftirq(2)
	const lineID = 3
	fired := 0
	line := Line(lineID)
	if !line.IsEnabled() {
		line.Enable(func() { fired++ })
	}

	line.Raise(0)
	ProcessPending(0)
	if fired != 1 {
		t.Fatalf("want softirq callback to fire once, got %d", fired)
	}

	// Raising without a matching ProcessPending on another CPU must not
	// fire it there.
	ProcessPending(1)
	if fired != 1 {
		t.Fatalf("softirq pending state is per CPU, got fired=%d after processing cpu 1", fired)
	}
}

func TestSoftIrqLineOnlyEnabledOnce(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("enabling an already-enabled softirq line should panic")
		}
	}()
	InitSoftirq(1)
	line := Line(4)
	if !line.IsEnabled() {
		line.Enable(func() {})
	}
	line.Enable(func() {})
}

func TestHandlePageFaultDispatchesToUserHandler(t *testing.T) {
	var got struct {
		va      uint64
		isWrite bool
	}
	handler := fakeHandler(func(va uint64, isWrite bool) kerr.Err_t {
		got.va, got.isWrite = va, isWrite
		return kerr.Ok
	})
	SetUserAddressSpace(0x1000, 0x2000, handler)
	defer SetUserAddressSpace(0, 0, nil)

	HandlePageFault(&TrapFrame{CR2: 0x1500, Err: pageFaultErrWrite})
	if got.va != 0x1500 || !got.isWrite {
		t.Fatalf("expected dispatch to user handler with va=0x1500 isWrite=true, got %+v", got)
	}
}

func TestHandlePageFaultFallsBackToRecovery(t *testing.T) {
	SetUserAddressSpace(0, 0, nil)
	recovered := false
	RegisterRecoveryRange(0x9000, 0xA000, func(*TrapFrame) bool {
		recovered = true
		return true
	})
	HandlePageFault(&TrapFrame{CR2: 0x9500})
	if !recovered {
		t.Fatalf("fault inside a registered recovery range should be recovered")
	}
}

func TestHandlePageFaultPanicsWhenUnrecoverable(t *testing.T) {
	SetUserAddressSpace(0, 0, nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("an unrecoverable fault should panic")
		}
	}()
	HandlePageFault(&TrapFrame{CR2: 0xDEADBEEF})
}

type fakeHandler func(va uint64, isWrite bool) kerr.Err_t

func (f fakeHandler) HandlePageFault(va uint64, isWrite bool) kerr.Err_t { return f(va, isWrite) }

func TestDecodeMMIOFaultDetectsWrite(t *testing.T) {
	// mov [rax], ecx -- 89 08 (MOV r/m32, r32 with a pure [rax] ModRM)
	code := []byte{0x89, 0x08}
	access, err := DecodeMMIOFault(code, 64)
	if err.IsErr() {
		t.Fatalf("DecodeMMIOFault: %v", err)
	}
	if !access.IsWrite {
		t.Fatalf("want a write access, got %+v", access)
	}
	if access.WidthBytes != 4 {
		t.Fatalf("want 4-byte operand width, got %d", access.WidthBytes)
	}
}

func TestDecodeMMIOFaultDetectsRead(t *testing.T) {
	// mov eax, [rcx] -- 8B 01
	code := []byte{0x8B, 0x01}
	access, err := DecodeMMIOFault(code, 64)
	if err.IsErr() {
		t.Fatalf("DecodeMMIOFault: %v", err)
	}
	if access.IsWrite {
		t.Fatalf("want a read access, got %+v", access)
	}
}
