package vmm

import (
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"unsafe"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested. When compiling the kernel this function
	// will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the currently active page directory table. It calls the supplied walkFn
// with the page table entry that corresponds to each page table level.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	walkFrom(pmm.FrameFromAddress(activePDTFn()), virtAddr, walkFn)
}

// walkFrom performs a page table walk for the given virtual address starting
// at the page directory table stored in rootFrame. Because the entire usable
// physical address space is mapped at the fixed physicalMemoryOffset, any
// page table frame can be dereferenced directly by adding that offset to its
// physical address: no recursive mapping or temporary mapping is required,
// regardless of whether rootFrame happens to be the currently active PDT.
func walkFrom(rootFrame pmm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                 uint8
		tableAddr             = physicalMemoryOffset + rootFrame.Address()
		entryAddr, entryIndex uintptr
		pte                   *pageTableEntry
		ok                    bool
	)

	for level = 0; level < pageLevels; level++ {
		// Extract the bits from the virtual address that correspond to the
		// index in this level's page table.
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		pte = (*pageTableEntry)(ptePtrFn(entryAddr))
		if ok = walkFn(level, pte); !ok {
			return
		}

		// Dereference the entry we just visited to obtain the physical
		// frame backing the next-level table.
		if level < pageLevels-1 {
			tableAddr = physicalMemoryOffset + pte.Frame().Address()
		}
	}
}
