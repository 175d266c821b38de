package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// tempMappingAddr which coincides with the end of the kernel address
	// space.
	earlyReserveLastUsed = tempMappingAddr

	// nextFreeKernelVirtualPage is the bump cursor consulted by
	// AllocateContiguous. It only ever moves forward.
	nextFreeKernelVirtualPage uintptr

	// dynamicRangeEnd is the first virtual address past the end of the
	// range AllocateContiguous is allowed to hand out.
	dynamicRangeEnd uintptr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
	errOutOfVirtualRange   = &kernel.Error{Module: "vmm", Message: "virtual address space exhausted"}
	errContiguousMapFailed = &kernel.Error{Module: "vmm", Message: "failed to map contiguous virtual memory region"}
)

// SetDynamicRange configures the bounds that AllocateContiguous draws from.
// start becomes the initial bump cursor and end marks the first address the
// allocator may no longer use. It must be called before any call to
// AllocateContiguous, normally from Init.
func SetDynamicRange(start, end uintptr) {
	nextFreeKernelVirtualPage = start
	dynamicRangeEnd = end
}

// AllocateContiguous reserves pageCount contiguous virtual pages at or after
// earliest and maps each of them to a freshly allocated physical frame using
// flags. A pageCount of zero returns a zero-length region at earliest with a
// nil error and performs no allocation. The search starts at the larger of
// the current bump cursor and earliest; if a candidate window overlaps an
// already-mapped page the search restarts immediately after the conflicting
// page, it never backtracks. Once a free window is found and mapped, the bump
// cursor is advanced past it. If earliest (or the bump cursor) is already at
// or beyond dynamicRangeEnd, or no free window can be found before reaching
// it, OutOfVirtualRange is returned.
//
// The TLB is flushed with a single per-page invalidation when pageCount is 1;
// for larger allocations the whole TLB is flushed via a CR3 reload once
// mapping completes, since that is cheaper than pageCount individual
// invalidations.
func AllocateContiguous(pageCount uint, earliest uintptr, flags PageTableEntryFlag) (Page, *kernel.Error) {
	if pageCount == 0 {
		return PageFromAddress(earliest), nil
	}

	pageSize := uintptr(mem.PageSize)
	cursor := nextFreeKernelVirtualPage
	if aligned := earliest &^ (pageSize - 1); aligned > cursor {
		cursor = aligned
	}

	for {
		windowEnd := cursor + uintptr(pageCount)*pageSize
		if cursor >= dynamicRangeEnd || windowEnd > dynamicRangeEnd {
			return 0, errOutOfVirtualRange
		}

		conflict, ok := firstMappedPageFn(cursor, pageCount)
		if ok {
			cursor = conflict + pageSize
			continue
		}

		startPage := PageFromAddress(cursor)
		for i, page := uint(0), startPage; i < pageCount; i, page = i+1, page+1 {
			frame, err := frameAllocator()
			if err != nil {
				return 0, err
			}
			if err := mapFn(page, frame, flags); err != nil {
				return 0, errContiguousMapFailed
			}
		}

		nextFreeKernelVirtualPage = windowEnd
		if pageCount == 1 {
			flushTLBEntryFn(cursor)
		} else {
			flushTLBFn()
		}

		return startPage, nil
	}
}

// firstMappedPageFn scans pageCount pages starting at addr and returns the
// address of the first one that is already mapped (present), if any. It is a
// variable so tests can substitute a fake page table layout.
var firstMappedPageFn = func(addr uintptr, pageCount uint) (uintptr, bool) {
	pageSize := uintptr(mem.PageSize)
	for i := uint(0); i < pageCount; i++ {
		pageAddr := addr + uintptr(i)*pageSize
		if pte, err := pteForAddress(pageAddr); err == nil && pte.HasFlags(FlagPresent) {
			return pageAddr, true
		}
	}
	return 0, false
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mem.PageSize it will be automatically
// rounded up.
//
// This function allocates regions starting at the end of the kernel address
// space. It should only be used during the early stages of kernel initialization.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	// reserving a region of the requested size will cause an underflow
	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
