package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap

	// mapTemporaryFn is used by tests and is automatically inlined by the compiler.
	mapTemporaryFn = MapTemporary
)

// PageDirectoryTable describes the top-most table in a multi-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// Init sets up the page table directory starting at the supplied physical
// address. If the supplied frame does not match the currently active PDT,
// Init assumes that this is a freshly allocated page table directory that
// needs bootstrapping and establishes a temporary mapping so it can zero the
// frame's contents.
//
// Unlike a recursively self-mapped PDT, a phys-offset-addressed table needs
// no bootstrap entry pointing back at itself: every frame, active or not, is
// already reachable at physicalMemoryOffset+frame.Address().
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	mem.Memset(pdtPage.Address(), 0, mem.PageSize)
	_ = unmapFn(pdtPage)

	return nil
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using this PDT. Unlike the global Map() function, it also supports
// inactive PDTs: since every physical frame is reachable at a fixed virtual
// offset, walking an inactive table requires no special handling.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapUsing(pdt.pdtFrame, page, frame, flags)
}

// Unmap removes a mapping previously installed by a call to Map() on this PDT.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	return unmapUsing(pdt.pdtFrame, page)
}

// Activate enables this page directory table and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}
