package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"runtime"
	"testing"
)

func TestEarlyReserveAmd64(t *testing.T) {
	if runtime.GOARCH != "amd64" {
		t.Skip("test requires amd64 runtime; skipping")
	}

	defer func(origLastUsed uintptr) {
		earlyReserveLastUsed = origLastUsed
	}(earlyReserveLastUsed)

	earlyReserveLastUsed = 4096
	next, err := EarlyReserveRegion(42)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0); next != exp {
		t.Fatal("expected reservation request to be rounded to nearest page")
	}

	if _, err = EarlyReserveRegion(1); err != errEarlyReserveNoSpace {
		t.Fatalf("expected to get errEarlyReserveNoSpace; got %v", err)
	}
}

func withMockContiguousAllocator(t *testing.T, test func()) {
	t.Helper()

	origFrameAllocator := frameAllocator
	origMapFn := mapFn
	origFlushEntry := flushTLBEntryFn
	origFlushAll := flushTLBFn
	origFirstMapped := firstMappedPageFn
	origCursor := nextFreeKernelVirtualPage
	origEnd := dynamicRangeEnd
	defer func() {
		frameAllocator = origFrameAllocator
		mapFn = origMapFn
		flushTLBEntryFn = origFlushEntry
		flushTLBFn = origFlushAll
		firstMappedPageFn = origFirstMapped
		nextFreeKernelVirtualPage = origCursor
		dynamicRangeEnd = origEnd
	}()

	var nextFrame pmm.Frame
	frameAllocator = func() (pmm.Frame, *kernel.Error) {
		nextFrame++
		return nextFrame, nil
	}
	mapFn = func(_ Page, _ pmm.Frame, _ PageTableEntryFlag) *kernel.Error { return nil }
	flushTLBEntryFn = func(uintptr) {}
	flushTLBFn = func() {}
	firstMappedPageFn = func(uintptr, uint) (uintptr, bool) { return 0, false }

	test()
}

func TestAllocateContiguousZeroPages(t *testing.T) {
	withMockContiguousAllocator(t, func() {
		SetDynamicRange(0x1000, 0x2000)

		page, err := AllocateContiguous(0, 0x1800, FlagPresent|FlagRW)
		if err != nil {
			t.Fatal(err)
		}
		if page != PageFromAddress(0x1800) {
			t.Fatalf("expected zero-length region to resolve to earliest; got 0x%x", page.Address())
		}
		if nextFreeKernelVirtualPage != 0x1000 {
			t.Fatal("zero-page request must not move the bump cursor")
		}
	})
}

func TestAllocateContiguousAdvancesCursor(t *testing.T) {
	withMockContiguousAllocator(t, func() {
		pageSize := uintptr(mem.PageSize)
		SetDynamicRange(pageSize, pageSize*1000)

		page, err := AllocateContiguous(4, 0, FlagPresent|FlagRW)
		if err != nil {
			t.Fatal(err)
		}
		if page.Address() != pageSize {
			t.Fatalf("expected first allocation to start at 0x%x; got 0x%x", pageSize, page.Address())
		}
		if nextFreeKernelVirtualPage != pageSize*5 {
			t.Fatalf("expected cursor to advance by 4 pages; got 0x%x", nextFreeKernelVirtualPage)
		}

		page2, err := AllocateContiguous(1, 0, FlagPresent|FlagRW)
		if err != nil {
			t.Fatal(err)
		}
		if page2.Address() != pageSize*5 {
			t.Fatalf("expected second allocation to start where the first left off; got 0x%x", page2.Address())
		}
	})
}

func TestAllocateContiguousRestartsOnConflict(t *testing.T) {
	withMockContiguousAllocator(t, func() {
		pageSize := uintptr(mem.PageSize)
		SetDynamicRange(0, pageSize*1000)

		conflictAddr := pageSize * 2
		firstMappedPageFn = func(addr uintptr, pageCount uint) (uintptr, bool) {
			for i := uint(0); i < pageCount; i++ {
				pageAddr := addr + uintptr(i)*pageSize
				if pageAddr == conflictAddr {
					return pageAddr, true
				}
			}
			return 0, false
		}

		nextFreeKernelVirtualPage = conflictAddr
		page, err := AllocateContiguous(1, 0, FlagPresent|FlagRW)
		if err != nil {
			t.Fatal(err)
		}
		if page.Address() != conflictAddr+pageSize {
			t.Fatalf("expected search to restart past the conflicting page; got 0x%x", page.Address())
		}
	})
}

func TestAllocateContiguousOutOfRange(t *testing.T) {
	withMockContiguousAllocator(t, func() {
		pageSize := uintptr(mem.PageSize)
		SetDynamicRange(0, pageSize)

		if _, err := AllocateContiguous(1, pageSize*2, FlagPresent|FlagRW); err != errOutOfVirtualRange {
			t.Fatalf("expected errOutOfVirtualRange; got %v", err)
		}
	})
}

func TestAllocateContiguousWindowExceedsRange(t *testing.T) {
	withMockContiguousAllocator(t, func() {
		pageSize := uintptr(mem.PageSize)
		SetDynamicRange(0, pageSize*2)

		if _, err := AllocateContiguous(3, 0, FlagPresent|FlagRW); err != errOutOfVirtualRange {
			t.Fatalf("expected errOutOfVirtualRange when the window can't fit; got %v", err)
		}
	})
}
