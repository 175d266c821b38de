package vmm

import (
	"gopheros/kernel/mem/pmm"
	"runtime"
	"testing"
	"unsafe"
)

func TestPtePtrFn(t *testing.T) {
	// Dummy test to keep coverage happy
	if exp, got := unsafe.Pointer(uintptr(123)), ptePtrFn(uintptr(123)); exp != got {
		t.Fatalf("expected ptePtrFn to return %v; got %v", exp, got)
	}
}

func TestWalkAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origPtePtr func(uintptr) unsafe.Pointer, origActivePDT func() uintptr, origOffset uintptr) {
		ptePtrFn = origPtePtr
		activePDTFn = origActivePDT
		physicalMemoryOffset = origOffset
	}(ptePtrFn, activePDTFn, physicalMemoryOffset)

	// This address breaks down to:
	// p4 index: 1
	// p3 index: 2
	// p2 index: 3
	// p1 index: 4
	// offset  : 1024
	targetAddr := uintptr(0x8080604400)

	physicalMemoryOffset = 0
	activePDTFn = func() uintptr { return 0 }

	// Each level's page table entry points to the frame backing the next
	// level's table; since physicalMemoryOffset is 0 here, the frame's
	// address doubles as its phys-offset virtual address.
	var levelEntries [pageLevels]pageTableEntry
	levelEntries[0].SetFrame(pmm.Frame(1))
	levelEntries[1].SetFrame(pmm.Frame(2))
	levelEntries[2].SetFrame(pmm.Frame(3))

	expEntryAddr := [pageLevels]uintptr{
		1 * 8,
		pmm.Frame(1).Address() + 2*8,
		pmm.Frame(2).Address() + 3*8,
		pmm.Frame(3).Address() + 4*8,
	}

	pteCallCount := 0
	ptePtrFn = func(entry uintptr) unsafe.Pointer {
		if pteCallCount >= pageLevels {
			t.Fatalf("unexpected call to ptePtrFn; already called %d times", pageLevels)
		}

		if entry != expEntryAddr[pteCallCount] {
			t.Errorf("[ptePtrFn call %d] expected entry address 0x%x; got 0x%x", pteCallCount, expEntryAddr[pteCallCount], entry)
		}

		ptr := unsafe.Pointer(&levelEntries[pteCallCount])
		pteCallCount++

		return ptr
	}

	walkFnCallCount := 0
	walk(targetAddr, func(level uint8, entry *pageTableEntry) bool {
		walkFnCallCount++
		return true
	})

	if pteCallCount != pageLevels {
		t.Errorf("expected ptePtrFn to be called %d times; got %d", pageLevels, pteCallCount)
	}

	if walkFnCallCount != pageLevels {
		t.Errorf("expected walkFn to be called %d times; got %d", pageLevels, walkFnCallCount)
	}
}
