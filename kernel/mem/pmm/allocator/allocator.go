package allocator

import (
	"gopheros/kernel"
	"gopheros/kernel/boot"
	"gopheros/kernel/kfmt/early"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/sync"
	"reflect"
	"unsafe"
)

// conventionalPageLimit is the page number one past the end of conventional
// memory (physical addresses below 1MiB). AllocConventionalFrame never
// returns a frame at or beyond this limit; AllocFrame never returns one
// below it, so the AP trampoline's frame always stays reachable.
const conventionalPageLimit = uint64(0x100000 >> 12)

var (
	// tracker is the bit-per-page set covering all physical memory
	// described by the firmware memory map: bit i is set for any frame
	// that is free-by-firmware-yet-claimed, firmware-reserved or
	// kernel-allocated. Both trackers are guarded by lock.
	tracker pmm.PageTracker

	// forceClaimed tracks frames claimed via ForceAllocFrame specifically,
	// separately from tracker's firmware-reserved/allocated bits. This
	// lets ForceAllocFrame succeed the first time it is asked to claim a
	// frame that was merely firmware-reserved (e.g. the zero frame, or
	// any conventional-memory frame the trampoline needs) while still
	// rejecting a genuine double-claim of the same frame.
	forceClaimed pmm.PageTracker

	lock sync.Spinlock

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = vmm.Map

	errOutOfMemory       = &kernel.Error{Module: "frame_alloc", Message: "out of memory"}
	errAlreadyAllocated  = &kernel.Error{Module: "frame_alloc", Message: "frame is already allocated"}
	errConventionalSpace = &kernel.Error{Module: "frame_alloc", Message: "no free frame below the 1MiB conventional memory boundary"}
)

// Init bootstraps the kernel physical memory allocator:
//
//  1. A tiny bump allocator (bootMemAllocator) is brought up first, since
//     backing the page tracker's own bitmap requires pages and the tracker
//     cannot yet hand any out itself.
//  2. The page tracker is sized to cover the highest address in the
//     firmware memory map and its backing storage is obtained through the
//     bump allocator.
//  3. Every non-Usable byte from the firmware map, the kernel image range
//     and the zero frame are marked reserved.
//  4. The bump allocator's own allocations (including the frames backing
//     the tracker's bitmap) are replayed and marked reserved too, after
//     which it is retired.
//  5. The vmm package is pointed at the real, tracker-backed allocator.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()
	vmm.SetFrameAllocator(earlyAllocFrame)

	var highestAddr uint64
	boot.VisitMemRegions(func(region *boot.MemoryRegion) bool {
		if region.End > highestAddr {
			highestAddr = region.End
		}
		return true
	})
	pageCount := (highestAddr + uint64(mem.PageSize) - 1) >> mem.PageShift

	if err := growPageTracker(&tracker, pageCount); err != nil {
		return err
	}
	if err := growPageTracker(&forceClaimed, pageCount); err != nil {
		return err
	}

	boot.VisitMemRegions(func(region *boot.MemoryRegion) bool {
		if region.Kind != boot.Usable {
			reserveByteRange(region.Start, region.End)
		}
		return true
	})
	reserveByteRange(uint64(kernelStart), uint64(kernelEnd))

	// The frame at physical address 0 is always reserved, independent of
	// what the firmware reported about it.
	tracker.Reserve(0)

	retireEarlyAllocator()

	vmm.SetFrameAllocator(AllocFrame)
	printStats(pageCount)
	return nil
}

// growPageTracker reserves and maps enough pages (via the bump allocator) to
// back tr with pageCount pages worth of capacity.
func growPageTracker(tr *pmm.PageTracker, pageCount uint64) *kernel.Error {
	wordCount := (pageCount + bitsPerWord - 1) / bitsPerWord
	byteSize := mem.Size(wordCount * 8)

	addr, err := reserveRegionFn(byteSize)
	if err != nil {
		return err
	}

	pageSize := uintptr(mem.PageSize)
	for off := uintptr(0); off < uintptr(byteSize); off += pageSize {
		frame, ferr := earlyAllocFrame()
		if ferr != nil {
			return ferr
		}
		if merr := mapFn(vmm.PageFromAddress(addr+off), frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); merr != nil {
			return merr
		}
		mem.Memset(addr+off, 0, mem.Size(pageSize))
	}

	words := *(*[]uint64)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(wordCount),
		Cap:  int(wordCount),
	}))
	return tr.Grow(words)
}

// reserveByteRange marks as reserved every page that overlaps the half-open
// byte range [start, end), rounding outward to page boundaries.
func reserveByteRange(start, end uint64) {
	pageSizeMinus1 := uint64(mem.PageSize) - 1
	startFrame := start >> mem.PageShift
	endFrame := (end + pageSizeMinus1) >> mem.PageShift
	if endFrame > startFrame {
		tracker.ReserveRange(startFrame, endFrame-startFrame)
	}
}

// retireEarlyAllocator replays every allocation the bump allocator made
// (which includes the frames backing both trackers' bitmaps, obtained
// before the trackers existed) and marks each one reserved.
func retireEarlyAllocator() {
	allocCount := earlyAllocator.allocCount
	earlyAllocator.allocCount, earlyAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := earlyAllocator.AllocFrame()
		tracker.Reserve(uint64(frame))
	}
}

// earlyAllocFrame is a helper that delegates a frame allocation request to
// the bump allocator instance. It is passed to vmm.SetFrameAllocator instead
// of earlyAllocator.AllocFrame directly because the latter confuses the
// compiler's escape analysis into thinking that earlyAllocator escapes to
// the heap.
func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// AllocFrame returns any 4KiB frame that is not firmware-reserved and not
// already allocated. It never returns a frame below the 1MiB conventional
// memory boundary (use AllocConventionalFrame for that) and never returns
// the zero frame.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	page, err := tracker.FindFreeRange(conventionalPageLimit, 1)
	if err != nil {
		return pmm.InvalidFrame, errOutOfMemory
	}

	tracker.Reserve(page)
	return pmm.Frame(page), nil
}

// AllocConventionalFrame returns a free frame with a physical address below
// 1MiB. It is used exclusively for the AP trampoline, since APs reset into
// real mode and can only execute code living in conventional memory.
func AllocConventionalFrame() (pmm.Frame, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	page, err := tracker.FindFreeRangeBounded(0, 1, conventionalPageLimit)
	if err != nil {
		return pmm.InvalidFrame, errConventionalSpace
	}

	tracker.Reserve(page)
	return pmm.Frame(page), nil
}

// ForceAllocFrame marks a specific frame as allocated, failing only if that
// exact frame has already been claimed via ForceAllocFrame. Unlike AllocFrame
// and AllocConventionalFrame it happily claims a frame that is merely
// firmware-reserved (including the permanently-reserved zero frame), since
// the AP trampoline must be able to claim conventional memory the firmware
// map marks as reserved or the zero frame itself.
func ForceAllocFrame(frame pmm.Frame) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if forceClaimed.IsUsed(uint64(frame)) {
		return errAlreadyAllocated
	}

	forceClaimed.Reserve(uint64(frame))
	tracker.Reserve(uint64(frame))
	return nil
}

// FreeFrame releases a previously allocated frame back to the pool. Freeing
// an already-free frame is a no-op.
func FreeFrame(frame pmm.Frame) {
	lock.Acquire()
	defer lock.Release()

	tracker.Free(uint64(frame))
	forceClaimed.Free(uint64(frame))
}

func printStats(pageCount uint64) {
	var used uint64
	for page := uint64(0); page < pageCount; page++ {
		if tracker.IsUsed(page) {
			used++
		}
	}

	early.Printf(
		"[frame_alloc] page stats: free: %d/%d (%d reserved)\n",
		pageCount-used,
		pageCount,
		used,
	)
}
