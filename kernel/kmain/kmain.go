// Package kmain orchestrates everything that happens between the loader
// handing off control and every CPU settling into its idle loop. It is the
// renamed, generalized form of the teacher's single Kmain entrypoint, split
// into the four stages spec.md names (early_init, hardware_init, kernel_main,
// kernel_cpu_main) because this kernel, unlike the teacher, must stand up a
// heap, IDT, local APIC and every other CPU before it can do anything else.
package kmain

import (
	"gopheros/device/acpi"
	"gopheros/kernel"
	"gopheros/kernel/ap"
	"gopheros/kernel/apic"
	"gopheros/kernel/boot"
	"gopheros/kernel/cpu"
	"gopheros/kernel/gate"
	"gopheros/kernel/gdt"
	"gopheros/kernel/goruntime"
	"gopheros/kernel/hal"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/kfmt/early"
	"gopheros/kernel/mem/heap"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/timer"
	"sync/atomic"
	"unsafe"
)

const (
	// dynamicRangeStart/dynamicRangeEnd bound the virtual address window
	// AllocateContiguous hands out from; they sit well above any
	// identity-mapped physical memory or the loaded kernel image.
	dynamicRangeStart = uintptr(0xffff_9000_0000_0000)
	dynamicRangeEnd   = uintptr(0xffff_a000_0000_0000)

	heapStart = dynamicRangeStart
)

var (
	kernelReady uint32

	gdtTable *gdt.Table

	errUnexpectedReturn   = &kernel.Error{Module: "kmain", Message: "kernel_cpu_main returned"}
	errUnhandledException = &kernel.Error{Module: "kmain", Message: "unhandled CPU exception"}
)

// Entry is the only Go symbol the loader's handoff stub calls into. It is
// invoked after the loader has set up a minimal stack and jumped to 64-bit
// long mode; bootInfoPtr points at a boot.Info value the loader constructed
// in place, and kernelStart/kernelEnd bound the loaded kernel image so the
// frame allocator can mark it reserved.
//
//go:noinline
func Entry(bootInfoPtr, kernelStart, kernelEnd uintptr) {
	boot.SetInfo((*boot.Info)(unsafe.Pointer(bootInfoPtr)))

	earlyInit(kernelStart, kernelEnd)
	hardwareInit()
	kernelMain()
	kernelCPUMain()

	// kernelCPUMain never returns; if it somehow does there is no
	// sensible recovery path left.
	kernel.Panic(errUnexpectedReturn)
}

// earlyInit brings up virtual memory: the physical frame allocator, the
// virtual memory manager (adopting the loader's page tables) and the Go
// runtime's own allocator-dependent features, followed by the kernel heap.
// Nothing above this stage may allocate.
func earlyInit(kernelStart, kernelEnd uintptr) {
	var err *kernel.Error

	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	}

	info := boot.Current()
	if err = vmm.Init(uintptr(info.PhysicalMemoryOffset), dynamicRangeStart, dynamicRangeEnd); err != nil {
		kernel.Panic(err)
	}

	if err = goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	if err = heap.Init(heapStart); err != nil {
		kernel.Panic(err)
	}

	early.Printf("[kmain] early_init complete\n")
}

// hardwareInit loads the BSP's own GDT/TSS and IDT, calibrates the TSC,
// probes for ACPI and the local APIC, then launches every other CPU in the
// system. By the time it returns every AP is online and idling, waiting for
// kernelReady.
func hardwareInit() {
	var err *kernel.Error

	if gdtTable, err = gdt.New(); err != nil {
		kernel.Panic(err)
	}
	gdtTable.Install()

	gate.Init()
	installArchitecturalExceptionHandlers()
	irq.InitSoftwareDispatch()
	if err = irq.SetInterruptHandler(irq.SyscallVector, legacySyscallHandler); err != nil {
		kernel.Panic(err)
	}

	if _, err = timer.Calibrate(); err != nil {
		kernel.Panic(err)
	}

	hal.DetectHardware()

	features := cpu.DetectFeatures()
	if !features.APIC {
		return
	}

	acpiInfo := acpi.Active()
	if acpiInfo == nil {
		early.Printf("[kmain] no ACPI tables found, running single-CPU\n")
		return
	}

	localApicAddr := acpiInfo.LocalApicAddress()
	bspApic, err := apic.New(localApicAddr)
	if err != nil {
		kernel.Panic(err)
	}

	bspApicID := currentAPICID()
	apIDs := acpiInfo.ApplicationProcessors(bspApicID)

	ap.SetKernelCPUMain(kernelCPUMain)
	if err := ap.StartAll(bspApicID, apIDs, bspApic, localApicAddr, timer.Calibration{}); err != nil {
		kernel.Panic(err)
	}

	early.Printf("[kmain] hardware_init complete, %d application processor(s) online\n", len(apIDs))
}

// kernelMain performs the remaining BSP-only setup that depends on a
// working console/TTY (selected during hal.DetectHardware) and marks the
// kernel ready for every CPU's idle loop.
func kernelMain() {
	kfmt.Printf("gopheros is up\n")
	pages, freeBytes := heap.Stats()
	kfmt.Printf("[kmain] heap: %d page(s), %d byte(s) free\n", pages, freeBytes)

	atomic.StoreUint32(&kernelReady, 1)
}

// kernelCPUMain is reached directly by every application processor once
// ap_entry finishes bringing it up, and by the BSP itself once kernel_main
// completes. It waits for kernelReady (already true on the BSP's own call)
// and then idles, waking only to service interrupts.
func kernelCPUMain() {
	for atomic.LoadUint32(&kernelReady) == 0 {
		cpu.Pause()
	}

	for {
		cpu.EnableInterrupts()
		cpu.Halt()
	}
}

// architecturalExceptionVectors lists the CPU exception vectors that do not
// carry a hardware error code and have no dedicated handler elsewhere
// (PageFaultException/GPFException are wired by vmm.Init; DoubleFault gets
// its own handler below). Per spec.md §4.7 these are still "architectural
// handlers" even though nothing can recover from them yet.
var architecturalExceptionVectors = []irq.ExceptionNum{
	0,  // DivideByZero
	2,  // NMI
	4,  // Overflow
	5,  // BoundRangeExceeded
	6,  // InvalidOpcode
	7,  // DeviceNotAvailable
	16, // FloatingPointException
	18, // MachineCheck
	19, // SIMDFloatingPointException
}

// installArchitecturalExceptionHandlers registers the default handler for
// every CPU exception not already claimed by a subsystem of its own
// (currently just vmm's page-fault/GPF handlers).
func installArchitecturalExceptionHandlers() {
	for _, vector := range architecturalExceptionVectors {
		irq.HandleException(vector, architecturalExceptionHandler)
	}
	irq.HandleExceptionWithCode(irq.DoubleFault, doubleFaultHandler)
}

// architecturalExceptionHandler backs every CPU exception vector that has no
// recovery path yet: it dumps the register/frame state and panics.
func architecturalExceptionHandler(frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nUnhandled CPU exception\n")
	regs.Print()
	frame.Print()
	kernel.Panic(errUnhandledException)
}

// doubleFaultHandler backs vector 8. A double fault means an exception
// handler itself faulted, so there is no attempt at recovery here either.
func doubleFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nDouble fault\n")
	regs.Print()
	frame.Print()
	kernel.Panic(errUnhandledException)
}

// legacySyscallHandler backs interrupt vector 0x80, the legacy
// software-interrupt syscall convention. No syscall dispatcher exists yet
// (spec.md lists it as an external collaborator, stubbed here), so it only
// logs the requested syscall number and returns.
func legacySyscallHandler(regs *gate.Registers) {
	kfmt.Printf("[kmain] syscall stub: rax=0x%x (ignored)\n", regs.RAX)
}

// currentAPICID reads the executing CPU's initial local APIC ID, used to
// tell hardwareInit which ACPI-enumerated processor entry is the BSP itself.
func currentAPICID() uint8 {
	_, ebx, _, _ := cpu.ID(1)
	return uint8(ebx >> 24)
}
