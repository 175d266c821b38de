// +build amd64

package ap

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"testing"
	"unsafe"
)

func resetAPState(t *testing.T) {
	t.Helper()
	origRdtsc, origForce, origConv, origMap, origAlloc, origFlush := rdtscFn, forceAllocFrameFn, allocConventionalFn, identityMapFn, allocateContiguousFn, flushCacheFn
	online = [maxCPUs]uint32{}
	booting = [maxCPUs]uint32{}
	t.Cleanup(func() {
		rdtscFn, forceAllocFrameFn, allocConventionalFn, identityMapFn, allocateContiguousFn, flushCacheFn = origRdtsc, origForce, origConv, origMap, origAlloc, origFlush
		online = [maxCPUs]uint32{}
		booting = [maxCPUs]uint32{}
	})
}

// fakeTicks makes every spin gap resolve to zero TSC ticks so bootOne's
// handshake logic runs without actually waiting.
type fakeTicks struct{}

func (fakeTicks) Micros(uint64) uint64 { return 0 }
func (fakeTicks) Millis(uint64) uint64 { return 0 }

// fakeIPISender records every IPI it is sent and, optionally, marks the
// destination APIC online after its startup IPI count reaches a threshold -
// simulating an AP that needs a second SIPI before it responds.
type fakeIPISender struct {
	inits      []uint8
	startups   []uint8
	onlineAtN  int // the startup IPI index (1-based) after which the target goes online; 0 = never
}

func (f *fakeIPISender) SendInitIPI(apicID uint8) {
	f.inits = append(f.inits, apicID)
}

func (f *fakeIPISender) SendStartupIPI(apicID uint8, vector uint8) {
	f.startups = append(f.startups, apicID)
	if f.onlineAtN != 0 && len(f.startups) == f.onlineAtN {
		markOnline(apicID)
	}
}

func TestBootOneSucceedsOnFirstSIPI(t *testing.T) {
	resetAPState(t)
	rdtscFn = func() uint64 { return 0 }

	sender := &fakeIPISender{onlineAtN: 1}
	if err := bootOne(5, 0x10, sender, fakeTicks{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.inits) != 1 || len(sender.startups) != 1 {
		t.Fatalf("expected exactly one INIT and one SIPI, got %d/%d", len(sender.inits), len(sender.startups))
	}
	if !IsOnline(5) {
		t.Fatal("expected apic ID 5 to be online")
	}
}

func TestBootOneRetriesSIPIOnce(t *testing.T) {
	resetAPState(t)
	rdtscFn = func() uint64 { return 0 }

	sender := &fakeIPISender{onlineAtN: 2}
	if err := bootOne(7, 0x10, sender, fakeTicks{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.startups) != 2 {
		t.Fatalf("expected two SIPI attempts, got %d", len(sender.startups))
	}
	if !IsOnline(7) {
		t.Fatal("expected apic ID 7 to be online after retry")
	}
}

func TestBootOneFailsAfterTwoSIPIAttempts(t *testing.T) {
	resetAPState(t)
	rdtscFn = func() uint64 { return 0 }

	sender := &fakeIPISender{onlineAtN: 0}
	err := bootOne(9, 0x10, sender, fakeTicks{})
	if err == nil {
		t.Fatal("expected an error when the AP never comes online")
	}
	if len(sender.startups) != 2 {
		t.Fatalf("expected exactly two SIPI attempts before giving up, got %d", len(sender.startups))
	}
	if IsOnline(9) {
		t.Fatal("apic ID 9 should not be marked online")
	}
}

func TestBootOneMarksBootingImmediately(t *testing.T) {
	resetAPState(t)
	rdtscFn = func() uint64 { return 0 }

	sender := &fakeIPISender{onlineAtN: 1}
	_ = bootOne(3, 0x10, sender, fakeTicks{})
	if !IsBooting(3) {
		t.Fatal("expected apic ID 3 to have been marked booting")
	}
}

func TestAllocateStackReturnsTopOfRange(t *testing.T) {
	resetAPState(t)
	const base = uintptr(0x4000_0000)
	allocateContiguousFn = func(pageCount uint, earliest uintptr, flags vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
		return vmm.PageFromAddress(base), nil
	}

	top, err := allocateStack()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := base + uintptr(perCPUStackPages)*uintptr(mem.PageSize)
	if top != want {
		t.Fatalf("expected stack top %#x, got %#x", want, top)
	}
}

func TestStartAllSkipsBSPAndBootsEveryOtherAP(t *testing.T) {
	resetAPState(t)
	rdtscFn = func() uint64 { return 0 }
	flushCacheFn = func() {}

	forceAllocFrameFn = func(pmm.Frame) *kernel.Error { return nil }
	allocConventionalFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(8), nil }

	pageSize := uintptr(mem.PageSize)
	alignUpToPage := func(buf []byte) uintptr {
		return (uintptr(unsafe.Pointer(&buf[0])) + pageSize - 1) &^ (pageSize - 1)
	}

	mappedPage := make([]byte, trampolineSize+int(mem.PageSize))
	mappedPageBase := alignUpToPage(mappedPage)
	identityMapFn = func(_ pmm.Frame, _ mem.Size, _ vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
		return vmm.PageFromAddress(mappedPageBase), nil
	}
	stackArena := make([]byte, (perCPUStackPages+1)*int(mem.PageSize))
	stackArenaBase := alignUpToPage(stackArena)
	allocateContiguousFn = func(pageCount uint, earliest uintptr, flags vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
		return vmm.PageFromAddress(stackArenaBase), nil
	}

	sender := &fakeIPISender{onlineAtN: 1}
	err := StartAll(0, []uint8{0, 1, 2}, sender, 0xFEE00000, fakeTicks{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(sender.inits) != 2 || len(sender.startups) != 2 {
		t.Fatalf("expected exactly two APs booted (BSP skipped), got init=%d startup=%d", len(sender.inits), len(sender.startups))
	}
	for _, id := range []uint8{1, 2} {
		if !IsOnline(id) {
			t.Fatalf("expected apic ID %d to be online", id)
		}
	}
	if IsOnline(0) {
		t.Fatal("BSP's own apic ID should never be touched by StartAll")
	}
}
