package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
	readCR2Fn                 = cpu.ReadCR2
	fixupActivePDTFn          = fixupActivePDT

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copy    pmm.Frame
			tmpPage Page
			err     *kernel.Error
		)

		if copy, err = frameAllocator(); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else if tmpPage, err = mapTemporaryFn(copy); err != nil {
			nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		} else {
			// Copy page contents, mark as RW and remove CoW flag
			mem.Memcopy(faultPage.Address(), tmpPage.Address(), mem.PageSize)
			unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copy)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch {
	case errorCode == 0:
		kfmt.Printf("read from non-present page")
	case errorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case errorCode == 2:
		kfmt.Printf("write to non-present page")
	case errorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case errorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case errorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case errorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	// TODO: Revisit this when user-mode tasks are implemented
	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	// TODO: Revisit this when user-mode tasks are implemented
	panic(errUnrecoverableFault)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// SetPhysicalMemoryOffset configures the fixed virtual address at which the
// bootloader has mapped the whole of usable physical memory. The page table
// walker relies on this offset to dereference page table frames directly,
// whether or not they belong to the currently active PDT. It must be called
// before Init.
func SetPhysicalMemoryOffset(offset uintptr) {
	physicalMemoryOffset = offset
}

// Init adopts the BSP's currently active page table instead of building a
// fresh one and fixes it up so that every kernel-space leaf entry is marked
// FlagGlobal and loses FlagUserAccessible, which keeps TLB entries for kernel
// mappings alive across a CR3 reload and keeps user-mode code from touching
// them once application processors come up. dynamicRangeStart/dynamicRangeEnd
// configure the bump cursor consulted by AllocateContiguous. It also installs
// the paging-related exception handlers.
func Init(physicalMemoryOffsetAddr, dynamicRangeStart, dynamicRangeEnd uintptr) *kernel.Error {
	SetPhysicalMemoryOffset(physicalMemoryOffsetAddr)
	SetDynamicRange(dynamicRangeStart, dynamicRangeEnd)

	fixupActivePDTFn(pmm.FrameFromAddress(activePDTFn()))

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

// kernelPML4StartIndex is the first level-4 page table entry index that
// belongs to kernel space under the canonical higher-half split (entries
// 0-255 are user space, 256-511 are kernel space).
const kernelPML4StartIndex = 256

// entriesPerTable is the number of entries in a single page table at any
// level on amd64.
const entriesPerTable = 1 << 9

// fixupActivePDT walks every entry reachable from rootFrame's kernel-space
// half (level-4 indices 256-511) and, for each present entry, clears
// FlagUserAccessible; for leaf entries (or huge-page entries at an
// intermediate level) it additionally sets FlagGlobal. The loader's
// identity/offset mappings are kept as-is and merely re-flagged, instead of
// being replaced by a second, freshly-built PDT.
func fixupActivePDT(rootFrame pmm.Frame) {
	var walkLevel func(tableFrame pmm.Frame, level uint8, startIdx uintptr)

	walkLevel = func(tableFrame pmm.Frame, level uint8, startIdx uintptr) {
		tableAddr := physicalMemoryOffset + tableFrame.Address()

		for idx := startIdx; idx < entriesPerTable; idx++ {
			entryAddr := tableAddr + (idx << mem.PointerShift)
			pte := (*pageTableEntry)(ptePtrFn(entryAddr))
			if !pte.HasFlags(FlagPresent) {
				continue
			}

			pte.ClearFlags(FlagUserAccessible)

			if level == pageLevels-1 || pte.HasFlags(FlagHugePage) {
				pte.SetFlags(FlagGlobal)
				continue
			}

			walkLevel(pte.Frame(), level+1, 0)
		}
	}

	walkLevel(rootFrame, 0, kernelPML4StartIndex)
}
