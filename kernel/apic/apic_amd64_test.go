package apic

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"testing"
	"unsafe"
)

func withMockedRegs(t *testing.T, x2 bool) (msrs map[uint32]uint64, mmio []byte) {
	t.Helper()

	msrs = make(map[uint32]uint64)
	// Over-allocate by a page and hand back a page-aligned sub-slice so
	// that the Page value identityMapFn returns survives the
	// Page<->Address round trip (Address() shifts by mem.PageShift)
	// without landing on a neighbouring page.
	raw := make([]byte, 0x400+int(mem.PageSize))
	pageSize := uintptr(mem.PageSize)
	alignedBase := (uintptr(unsafe.Pointer(&raw[0])) + pageSize - 1) &^ (pageSize - 1)
	mmio = unsafe.Slice((*byte)(unsafe.Pointer(alignedBase)), 0x400)

	origRdmsr, origWrmsr, origCPUID, origMap := rdmsrFn, wrmsrFn, cpuidFn, identityMapFn
	t.Cleanup(func() {
		rdmsrFn, wrmsrFn, cpuidFn, identityMapFn = origRdmsr, origWrmsr, origCPUID, origMap
	})

	rdmsrFn = func(reg uint32) uint64 { return msrs[reg] }
	wrmsrFn = func(reg uint32, val uint64) { msrs[reg] = val }
	cpuidFn = func(leaf uint32) (uint32, uint32, uint32, uint32) {
		if leaf == 1 && x2 {
			return 0, 0, 1 << 21, 0
		}
		return 0, 0, 0, 0
	}
	identityMapFn = func(_ pmm.Frame, _ mem.Size, _ vmm.PageTableEntryFlag) (vmm.Page, *kernel.Error) {
		return vmm.PageFromAddress(alignedBase), nil
	}

	return msrs, mmio
}

func TestNewEnablesAPICBase(t *testing.T) {
	msrs, _ := withMockedRegs(t, false)

	la, err := New(0xFEE00000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if la.x2 {
		t.Fatal("expected xAPIC mode")
	}
	if msrs[msrAPICBase]&apicBaseEnable == 0 {
		t.Fatal("expected APIC global enable bit to be set")
	}
}

func TestNewX2APIC(t *testing.T) {
	withMockedRegs(t, true)

	la, err := New(0xFEE00000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !la.x2 {
		t.Fatal("expected x2APIC mode")
	}
	if la.mmioBase != 0 {
		t.Fatal("x2APIC mode should not establish an MMIO mapping")
	}
}

func TestSIVRProgrammedOnInit(t *testing.T) {
	withMockedRegs(t, true)

	msrs := make(map[uint32]uint64)
	origRdmsr, origWrmsr := rdmsrFn, wrmsrFn
	defer func() { rdmsrFn, wrmsrFn = origRdmsr, origWrmsr }()
	rdmsrFn = func(reg uint32) uint64 { return msrs[reg] }
	wrmsrFn = func(reg uint32, val uint64) { msrs[reg] = val }

	la, err := New(0xFEE00000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := la.readReg(regSIVR); got != sivrEnableAndVector {
		t.Fatalf("expected SIVR %#x, got %#x", sivrEnableAndVector, got)
	}
}

func TestSendInitAndStartupIPI(t *testing.T) {
	withMockedRegs(t, true)

	msrs := make(map[uint32]uint64)
	origRdmsr, origWrmsr := rdmsrFn, wrmsrFn
	defer func() { rdmsrFn, wrmsrFn = origRdmsr, origWrmsr }()
	rdmsrFn = func(reg uint32) uint64 { return msrs[reg] }
	wrmsrFn = func(reg uint32, val uint64) { msrs[reg] = val }

	la, err := New(0xFEE00000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	la.SendInitIPI(3)
	icr := msrs[x2apicICRMSR]
	if icr>>32 != 3 {
		t.Fatalf("expected destination APIC ID 3, got %d", icr>>32)
	}
	if uint32(icr)&icrDeliveryInit == 0 {
		t.Fatal("expected INIT delivery mode")
	}

	la.SendStartupIPI(3, 0x08)
	icr = msrs[x2apicICRMSR]
	if uint32(icr)&0xFF != 0x08 {
		t.Fatalf("expected vector 0x08, got %#x", uint32(icr)&0xFF)
	}
	if uint32(icr)&icrDeliveryStartup == 0 {
		t.Fatal("expected Startup delivery mode")
	}
}
