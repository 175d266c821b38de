package gate

import (
	"bytes"
	"testing"
	"unsafe"
)

func resetIDT(t *testing.T) {
	t.Helper()
	origLoadIDT := loadIDTFn
	t.Cleanup(func() {
		loadIDTFn = origLoadIDT
		for i := range handlers {
			handlers[i] = nil
		}
		idt = [256]idtEntry{}
	})
	loadIDTFn = func(uintptr) {}
	idt = [256]idtEntry{}
}

func TestInstallIDTPopulatesEveryGate(t *testing.T) {
	resetIDT(t)

	installIDT()

	for v := 0; v < len(idt); v++ {
		entry := idt[v]
		if entry.selector != kernelCodeSelector {
			t.Fatalf("vector %d: expected selector 0x%x; got 0x%x", v, kernelCodeSelector, entry.selector)
		}
		addr := uint64(entry.offsetLow) | uint64(entry.offsetMid)<<16 | uint64(entry.offsetHigh)<<32
		if addr == 0 {
			t.Fatalf("vector %d: expected a non-zero gate offset", v)
		}
		if entry.typeAttr&idtPresent != 0 {
			t.Fatalf("vector %d: expected gate to start out non-present", v)
		}
	}
}

func TestInstallIDTLoadsTheTable(t *testing.T) {
	resetIDT(t)

	var gotAddr uintptr
	loadIDTFn = func(addr uintptr) { gotAddr = addr }

	installIDT()

	if gotAddr == 0 {
		t.Fatal("expected loadIDTFn to be called with a non-zero IDTR address")
	}

	limit := *(*uint16)(unsafe.Pointer(gotAddr))
	wantLimit := uint16(len(idt)*16 - 1)
	if limit != wantLimit {
		t.Fatalf("expected IDTR limit 0x%x; got 0x%x", wantLimit, limit)
	}
}

func TestHandleInterruptMarksGatePresent(t *testing.T) {
	resetIDT(t)
	installIDT()

	var called int
	HandleInterrupt(PageFaultException, 0, func(*Registers) { called++ })

	v := uint8(PageFaultException)
	if idt[v].typeAttr&idtPresent == 0 {
		t.Fatal("expected gate to be marked present after HandleInterrupt")
	}
	if idt[v].ist != 0 {
		t.Fatalf("expected IST 0; got %d", idt[v].ist)
	}

	handlers[v](&Registers{})
	if called != 1 {
		t.Fatalf("expected handler to run once; got %d", called)
	}
}

func TestHandleInterruptMasksISTOffset(t *testing.T) {
	resetIDT(t)
	installIDT()

	HandleInterrupt(DoubleFault, 0xFF, func(*Registers) {})

	if got := idt[uint8(DoubleFault)].ist; got != 0x7 {
		t.Fatalf("expected IST offset to be masked to 3 bits; got %d", got)
	}
}

func TestLoadOnAPReloadsSameTable(t *testing.T) {
	resetIDT(t)
	installIDT()

	var addrs []uintptr
	loadIDTFn = func(addr uintptr) { addrs = append(addrs, addr) }

	LoadOnAP()
	LoadOnAP()

	if len(addrs) != 2 || addrs[0] != addrs[1] {
		t.Fatalf("expected LoadOnAP to repeatedly point at the same IDTR buffer; got %v", addrs)
	}
}

func TestGoDispatchInvokesRegisteredHandler(t *testing.T) {
	resetIDT(t)

	var gotRegs *Registers
	handlers[GPFException] = func(r *Registers) { gotRegs = r }

	regs := &Registers{Vector: uint64(GPFException), Info: 0xdead}
	goDispatch(regs)

	if gotRegs != regs {
		t.Fatal("expected goDispatch to invoke the handler registered for regs.Vector")
	}
}

func TestGoDispatchIgnoresUnregisteredVector(t *testing.T) {
	resetIDT(t)

	// Must not panic when no handler is registered for the vector.
	goDispatch(&Registers{Vector: 123})
}

func TestInterruptGateEntriesAreDistinctAndNonNil(t *testing.T) {
	entries := interruptGateEntries()

	seen := make(map[uintptr]bool, len(entries))
	for v, fn := range entries {
		addr := funcPC(fn)
		if addr == 0 {
			t.Fatalf("vector %d: expected a non-zero entry point", v)
		}
		if seen[addr] {
			t.Fatalf("vector %d: entry point 0x%x reused from an earlier vector", v, addr)
		}
		seen[addr] = true
	}
}

func TestRegistersDumpTo(t *testing.T) {
	regs := &Registers{
		RAX: 1, RBX: 2, RCX: 3, RDX: 4,
		RSI: 5, RDI: 6, RBP: 7,
		R8: 8, R9: 9, R10: 10, R11: 11,
		R12: 12, R13: 13, R14: 14, R15: 15,
		Vector: 16, Info: 17,
		RIP: 18, CS: 19, RFlags: 20, RSP: 21, SS: 22,
	}

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if buf.Len() == 0 {
		t.Fatal("expected DumpTo to write register contents")
	}
}
