package vmm

import (
	"bytes"
	"fmt"
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"strings"
	"testing"
	"unsafe"
)

func TestRecoverablePageFault(t *testing.T) {
	var (
		frame      irq.Frame
		regs       irq.Regs
		pageEntry  pageTableEntry
		origPage   = make([]byte, mem.PageSize)
		clonedPage = make([]byte, mem.PageSize)
		err        = &kernel.Error{Module: "test", Message: "something went wrong"}
	)

	defer func(origPtePtr func(uintptr) unsafe.Pointer) {
		ptePtrFn = origPtePtr
		activePDTFn = cpu.ActivePDT
		readCR2Fn = cpu.ReadCR2
		frameAllocator = nil
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		flushTLBEntryFn = cpu.FlushTLBEntry
	}(ptePtrFn)

	specs := []struct {
		pteFlags   PageTableEntryFlag
		allocError *kernel.Error
		mapError   *kernel.Error
		expPanic   bool
	}{
		// Missing pge
		{0, nil, nil, true},
		// Page is present but CoW flag not set
		{FlagPresent, nil, nil, true},
		// Page is present but both CoW and RW flags set
		{FlagPresent | FlagRW | FlagCopyOnWrite, nil, nil, true},
		// Page is present with CoW flag set but allocating a page copy fails
		{FlagPresent | FlagCopyOnWrite, err, nil, true},
		// Page is present with CoW flag set but mapping the page copy fails
		{FlagPresent | FlagCopyOnWrite, nil, err, true},
		// Page is present with CoW flag set
		{FlagPresent | FlagCopyOnWrite, nil, nil, false},
	}

	ptePtrFn = func(entry uintptr) unsafe.Pointer { return unsafe.Pointer(&pageEntry) }
	activePDTFn = func() uintptr { return 0 }
	readCR2Fn = func() uint64 { return uint64(uintptr(unsafe.Pointer(&origPage[0]))) }
	unmapFn = func(_ Page) *kernel.Error { return nil }
	flushTLBEntryFn = func(_ uintptr) {}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			defer func() {
				err := recover()
				if spec.expPanic && err == nil {
					t.Error("expected a panic")
				} else if !spec.expPanic {
					if err != nil {
						t.Error("unexpected panic")
						return
					}

					for i := 0; i < len(origPage); i++ {
						if origPage[i] != clonedPage[i] {
							t.Errorf("expected clone page to be a copy of the original page; mismatch at index %d", i)
						}
					}
				}
			}()

			mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), spec.mapError }
			SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
				addr := uintptr(unsafe.Pointer(&clonedPage[0]))
				return pmm.Frame(addr >> mem.PageShift), spec.allocError
			})

			for i := 0; i < len(origPage); i++ {
				origPage[i] = byte(i % 256)
				clonedPage[i] = 0
			}

			pageEntry = 0
			pageEntry.SetFlags(spec.pteFlags)

			pageFaultHandler(2, &frame, &regs)
		})
	}

}

func TestNonRecoverablePageFault(t *testing.T) {
	defer func() {
		kfmt.SetOutputSink(nil)
	}()

	specs := []struct {
		errCode   uint64
		expReason string
	}{
		{
			0,
			"read from non-present page",
		},
		{
			1,
			"page protection violation (read)",
		},
		{
			2,
			"write to non-present page",
		},
		{
			3,
			"page protection violation (write)",
		},
		{
			4,
			"page-fault in user-mode",
		},
		{
			8,
			"page table has reserved bit set",
		},
		{
			16,
			"instruction fetch",
		},
		{
			0xf00,
			"unknown",
		},
	}

	var (
		regs  irq.Regs
		frame irq.Frame
		buf   bytes.Buffer
	)

	kfmt.SetOutputSink(&buf)
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			buf.Reset()
			defer func() {
				if err := recover(); err != errUnrecoverableFault {
					t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
				}
			}()

			nonRecoverablePageFault(0xbadf00d000, spec.errCode, &frame, &regs, errUnrecoverableFault)
			if got := buf.String(); !strings.Contains(got, spec.expReason) {
				t.Errorf("expected reason %q; got output:\n%q", spec.expReason, got)
			}
		})
	}
}

func TestGPFHandler(t *testing.T) {
	defer func() {
		readCR2Fn = cpu.ReadCR2
	}()

	var (
		regs  irq.Regs
		frame irq.Frame
	)

	readCR2Fn = func() uint64 {
		return 0xbadf00d000
	}

	defer func() {
		if err := recover(); err != errUnrecoverableFault {
			t.Errorf("expected a panic with errUnrecoverableFault; got %v", err)
		}
	}()

	generalProtectionFaultHandler(0, &frame, &regs)
}

func TestInit(t *testing.T) {
	defer func() {
		frameAllocator = nil
		activePDTFn = cpu.ActivePDT
		switchPDTFn = cpu.SwitchPDT
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		handleExceptionWithCodeFn = irq.HandleExceptionWithCode
		fixupActivePDTFn = fixupActivePDT
		physicalMemoryOffset = 0
	}()

	// reserve space for an allocated page
	reservedPage := make([]byte, mem.PageSize)

	t.Run("success", func(t *testing.T) {
		// fill page with junk
		for i := 0; i < len(reservedPage); i++ {
			reservedPage[i] = byte(i % 256)
		}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			addr := uintptr(unsafe.Pointer(&reservedPage[0]))
			return pmm.Frame(addr >> mem.PageShift), nil
		})
		activePDTFn = func() uintptr {
			return uintptr(unsafe.Pointer(&reservedPage[0]))
		}
		switchPDTFn = func(_ uintptr) {}
		unmapFn = func(p Page) *kernel.Error { return nil }
		mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), nil }
		handleExceptionWithCodeFn = func(_ irq.ExceptionNum, _ irq.ExceptionHandlerWithCode) {}

		var fixupCalledWith pmm.Frame
		fixupActivePDTFn = func(rootFrame pmm.Frame) { fixupCalledWith = rootFrame }

		if err := Init(0x1000, 0x2000, 0x3000); err != nil {
			t.Fatal(err)
		}

		if physicalMemoryOffset != 0x1000 {
			t.Errorf("expected physicalMemoryOffset to be set to 0x1000; got 0x%x", physicalMemoryOffset)
		}
		if nextFreeKernelVirtualPage != 0x2000 {
			t.Errorf("expected the dynamic range cursor to be initialized to 0x2000; got 0x%x", nextFreeKernelVirtualPage)
		}
		if dynamicRangeEnd != 0x3000 {
			t.Errorf("expected the dynamic range end to be initialized to 0x3000; got 0x%x", dynamicRangeEnd)
		}

		expRootFrame := pmm.FrameFromAddress(uintptr(unsafe.Pointer(&reservedPage[0])))
		if fixupCalledWith != expRootFrame {
			t.Errorf("expected fixupActivePDT to be called with the active PDT's frame %d; got %d", expRootFrame, fixupCalledWith)
		}

		// reserved page should be zeroed by reserveZeroedFrame
		for i := 0; i < len(reservedPage); i++ {
			if reservedPage[i] != 0 {
				t.Errorf("expected reserved page to be zeroed; got byte %d at index %d", reservedPage[i], i)
			}
		}
	})

	t.Run("zeroed frame allocation error", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of memory"}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			return pmm.InvalidFrame, expErr
		})
		activePDTFn = func() uintptr {
			return uintptr(unsafe.Pointer(&reservedPage[0]))
		}
		fixupActivePDTFn = func(pmm.Frame) {}

		if err := Init(0, 0, 0); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})

	t.Run("zeroed frame mapping error", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "map failed"}

		SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
			addr := uintptr(unsafe.Pointer(&reservedPage[0]))
			return pmm.Frame(addr >> mem.PageShift), nil
		})
		activePDTFn = func() uintptr {
			return uintptr(unsafe.Pointer(&reservedPage[0]))
		}
		mapTemporaryFn = func(f pmm.Frame) (Page, *kernel.Error) { return Page(f), expErr }
		fixupActivePDTFn = func(pmm.Frame) {}

		if err := Init(0, 0, 0); err != expErr {
			t.Fatalf("expected error: %v; got %v", expErr, err)
		}
	})
}

// fakePageTable is a flat, in-process simulation of a multi-level page table
// used to exercise fixupActivePDT without touching real memory. Every table
// at every level lives in its own backing array and is assigned a frame
// number equal to its index in tables, so with physicalMemoryOffset set to 0
// an entry address of (frame<<PageShift)+(idx<<PointerShift) (exactly what
// fixupActivePDT computes) can be decoded back into a (table, entry) pair.
type fakePageTable struct {
	tables [][entriesPerTable]pageTableEntry
}

func (f *fakePageTable) newTable() pmm.Frame {
	f.tables = append(f.tables, [entriesPerTable]pageTableEntry{})
	return pmm.Frame(len(f.tables) - 1)
}

func TestFixupActivePDT(t *testing.T) {
	defer func() {
		ptePtrFn = func(entryAddr uintptr) unsafe.Pointer { return unsafe.Pointer(entryAddr) }
		physicalMemoryOffset = 0
	}()

	fpt := &fakePageTable{}
	physicalMemoryOffset = 0

	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		tableIdx := int(entryAddr >> mem.PageShift)
		entryIdx := (entryAddr & (uintptr(mem.PageSize) - 1)) >> mem.PointerShift
		return unsafe.Pointer(&fpt.tables[tableIdx][entryIdx])
	}

	root := fpt.newTable()
	l3 := fpt.newTable()
	l2 := fpt.newTable()
	l1 := fpt.newTable()

	// A present, user-accessible, non-global kernel-space entry at every
	// level, terminating in a regular 4K leaf.
	rootEntry := &fpt.tables[root][kernelPML4StartIndex]
	rootEntry.SetFlags(FlagPresent | FlagUserAccessible)
	rootEntry.SetFrame(l3)

	l3Entry := &fpt.tables[l3][0]
	l3Entry.SetFlags(FlagPresent | FlagUserAccessible)
	l3Entry.SetFrame(l2)

	l2Entry := &fpt.tables[l2][0]
	l2Entry.SetFlags(FlagPresent | FlagUserAccessible)
	l2Entry.SetFrame(l1)

	l1Entry := &fpt.tables[l1][0]
	l1Entry.SetFlags(FlagPresent | FlagUserAccessible | FlagRW)

	// A huge-page entry at level 2 that must be fixed up without being
	// traversed as if it pointed to another table.
	hugeEntry := &fpt.tables[l3][1]
	hugeEntry.SetFlags(FlagPresent | FlagUserAccessible | FlagHugePage)

	// A user-space entry (index < kernelPML4StartIndex) that must be left
	// completely untouched.
	userEntry := &fpt.tables[root][0]
	userEntry.SetFlags(FlagPresent | FlagUserAccessible)
	userEntry.SetFrame(l3)

	fixupActivePDT(root)

	if rootEntry.HasFlags(FlagUserAccessible) {
		t.Error("expected kernel-space root entry to lose FlagUserAccessible")
	}
	if rootEntry.HasFlags(FlagGlobal) {
		t.Error("did not expect an intermediate entry to gain FlagGlobal")
	}
	if l3Entry.HasFlags(FlagUserAccessible) {
		t.Error("expected l3 entry to lose FlagUserAccessible")
	}
	if l2Entry.HasFlags(FlagUserAccessible) {
		t.Error("expected l2 entry to lose FlagUserAccessible")
	}
	if l1Entry.HasFlags(FlagUserAccessible) {
		t.Error("expected leaf entry to lose FlagUserAccessible")
	}
	if !l1Entry.HasFlags(FlagGlobal) {
		t.Error("expected leaf entry to gain FlagGlobal")
	}
	if hugeEntry.HasFlags(FlagUserAccessible) {
		t.Error("expected huge-page entry to lose FlagUserAccessible")
	}
	if !hugeEntry.HasFlags(FlagGlobal) {
		t.Error("expected huge-page entry to gain FlagGlobal")
	}
	if !userEntry.HasFlags(FlagUserAccessible) {
		t.Error("did not expect the user-space entry to be modified")
	}
}
