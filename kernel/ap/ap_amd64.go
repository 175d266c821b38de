// +build amd64

// Package ap brings up application processors (APs): every CPU in the
// system other than the one that ran early_init/hardware_init, here called
// the BSP. Bring-up follows the INIT-SIPI-SIPI sequence mandated by the
// multiprocessor specification: a single conventional-memory frame holds a
// real-mode trampoline (see trampoline_amd64.go) that each AP in turn is
// pointed at via the local APIC, and walks itself up into 64-bit kernel
// code before handing control to the function registered with
// SetKernelCPUMain.
package ap

import (
	"gopheros/kernel"
	"gopheros/kernel/apic"
	"gopheros/kernel/cpu"
	"gopheros/kernel/gate"
	"gopheros/kernel/gdt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vmm"
	"sync/atomic"
	"unsafe"
)

// maxCPUs bounds the online/booting bitmaps; APIC IDs are single bytes so
// this covers every CPU the ICR destination field can ever address.
const maxCPUs = 256

// initToSIPIGapMillis and sipiRetryGapMicros are the two spin gaps named in
// spec.md §4.8 step 5 / §5's cancellation policy.
const (
	initToSIPIGapMillis = 10
	sipiRetryGapMicros  = 200

	// perCPUStackPages sizes every AP's kernel stack.
	perCPUStackPages = 4
)

// trampolineFrame is the conventional-memory frame StartAll first tries to
// claim for the AP trampoline via ForceAllocFrame: 0x8000, comfortably above
// the BIOS data area (0x0-0x1000) and the bootloader stack most loaders
// leave below it, and never the permanently-reserved zero frame.
var trampolineFrame = pmm.Frame(0x8000 >> mem.PageShift)

// ControlRegisterSnapshot captures the BSP's control registers immediately
// before AP launch so that ap_entry can install identical values on each AP
// (spec.md §4.8, "AP entry" step 3).
type ControlRegisterSnapshot struct {
	CR0, CR3, CR4, EFER uint64
}

// TickSource converts wall-clock durations into TSC tick counts. It is
// satisfied by kernel/timer.Calibration; StartAll depends on this narrow
// interface instead of the concrete calibration type so this package never
// needs to import kernel/timer's calibration machinery directly.
type TickSource interface {
	Micros(uint64) uint64
	Millis(uint64) uint64
}

// ipiSender issues the two interprocessor interrupts the INIT-SIPI-SIPI
// handshake needs. It is satisfied by *apic.LocalApic; StartAll and bootOne
// depend on this narrow interface rather than the concrete type so tests can
// exercise the handshake's retry/bookkeeping logic without real hardware
// registers.
type ipiSender interface {
	SendInitIPI(apicID uint8)
	SendStartupIPI(apicID uint8, vector uint8)
}

var (
	online  [maxCPUs]uint32
	booting [maxCPUs]uint32

	// kernelCPUMain is invoked by apEntry once an AP has brought up its
	// own GDT/TSS/IDT/APIC and marked itself online. It is set by
	// SetKernelCPUMain, normally from kernel/kmain, to avoid a direct
	// import cycle between the two packages.
	kernelCPUMain func()

	// bspSnapshot is captured by StartAll and consulted by apEntry.
	bspSnapshot ControlRegisterSnapshot

	// localApicPhysAddr is recorded by StartAll so apEntry can bring up
	// its own local APIC the same way the BSP did.
	localApicPhysAddr uint32

	// The following are mockable seams so tests can exercise the
	// bring-up sequence's bookkeeping without real hardware.
	rdtscFn              = cpu.Rdtsc
	forceAllocFrameFn    = allocator.ForceAllocFrame
	allocConventionalFn  = allocator.AllocConventionalFrame
	identityMapFn        = vmm.IdentityMapRegion
	allocateContiguousFn = vmm.AllocateContiguous
	flushCacheFn         = cpu.FlushCache

	errAPNotResponding = &kernel.Error{Module: "ap", Message: "application processor did not come online after two SIPI attempts"}
)

// CaptureControlRegisters reads the executing CPU's CR0, CR3, CR4 and EFER.
func CaptureControlRegisters() ControlRegisterSnapshot {
	return ControlRegisterSnapshot{
		CR0:  cpu.ReadCR0(),
		CR3:  uint64(cpu.ActivePDT()),
		CR4:  cpu.ReadCR4(),
		EFER: cpu.ReadEFER(),
	}
}

// SetKernelCPUMain registers the function every CPU, BSP and APs alike,
// runs once its bring-up is complete. APs call it directly from apEntry;
// the BSP calls it itself after kernel_main finishes (spec.md §4.9).
func SetKernelCPUMain(fn func()) {
	kernelCPUMain = fn
}

// IsOnline reports whether the CPU with the given local APIC ID has
// finished bring-up and reached its idle loop.
func IsOnline(apicID uint8) bool {
	return atomic.LoadUint32(&online[apicID]) != 0
}

func markOnline(apicID uint8) {
	atomic.StoreUint32(&online[apicID], 1)
}

func markBooting(apicID uint8) {
	atomic.StoreUint32(&booting[apicID], 1)
}

// IsBooting reports whether the CPU with the given local APIC ID has been
// released (SIPI sent) but has not yet marked itself online.
func IsBooting(apicID uint8) bool {
	return atomic.LoadUint32(&booting[apicID]) != 0
}

// spinTicks busy-waits until at least ticks TSC cycles have elapsed. It
// duplicates kernel/timer's identical helper since that package's copy is
// unexported; both read nothing but the TSC so keeping two tiny copies
// costs less than introducing a dependency edge for one function.
func spinTicks(ticks uint64) {
	start := rdtscFn()
	for rdtscFn()-start < ticks {
		cpu.Pause()
	}
}

// StartAll brings up every application processor in apicIDs (the BSP's own
// ID, bspApicID, is skipped if present in the slice) and blocks until every
// one of them is online. bspLocalApic is used to issue the INIT/SIPI
// sequence; localApicAddr is the physical MMIO address ACPI reported for
// the local APIC, passed down to each AP for its own initialization.
func StartAll(bspApicID uint8, apicIDs []uint8, bspLocalApic ipiSender, localApicAddr uint32, ticks TickSource) *kernel.Error {
	bspSnapshot = CaptureControlRegisters()
	localApicPhysAddr = localApicAddr

	// Conventional memory below 1MiB is mostly firmware-reserved, so try
	// to force-claim a known-safe candidate frame first (trampolineFrame,
	// just above the BIOS data area and never the permanently-reserved
	// zero frame) and fall back to a tracker-driven search only if it is
	// already spoken for.
	frame := trampolineFrame
	if err := forceAllocFrameFn(frame); err != nil {
		var allocErr *kernel.Error
		if frame, allocErr = allocConventionalFn(); allocErr != nil {
			return allocErr
		}
	}

	framePhysAddr := frame.Address()
	page, err := identityMapFn(frame, mem.PageSize, vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		return err
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(page.Address())), trampolineSize)
	builder := buildTrampolineCode()
	copy(buf, builder.buf)
	patchOnce(buf, builder, framePhysAddr)
	putU64(buf, slotPageTableRoot, bspSnapshot.CR3)
	putU64(buf, slotEntryPoint, uint64(funcPC(apTrampolineEntry)))

	vector := uint8((framePhysAddr >> 12) & 0xFF)

	for _, apicID := range apicIDs {
		if apicID == bspApicID {
			continue
		}

		stackTop, err := allocateStack()
		if err != nil {
			return err
		}
		putU64(buf, slotStackTop, uint64(stackTop))
		flushCacheFn()

		if err := bootOne(apicID, vector, bspLocalApic, ticks); err != nil {
			return err
		}
	}

	return nil
}

// bootOne runs the INIT-SIPI-SIPI handshake for a single AP and waits for
// it to report online, retrying the SIPI once per spec.md §5's bounded
// retry policy.
func bootOne(apicID, vector uint8, bspLocalApic ipiSender, ticks TickSource) *kernel.Error {
	markBooting(apicID)

	bspLocalApic.SendInitIPI(apicID)
	spinTicks(ticks.Millis(initToSIPIGapMillis))

	bspLocalApic.SendStartupIPI(apicID, vector)
	spinTicks(ticks.Micros(sipiRetryGapMicros))

	if IsOnline(apicID) {
		return nil
	}

	bspLocalApic.SendStartupIPI(apicID, vector)
	spinTicks(ticks.Millis(initToSIPIGapMillis))

	if !IsOnline(apicID) {
		return errAPNotResponding
	}

	return nil
}

// allocateStack reserves perCPUStackPages of kernel stack for an AP and
// returns the address of its top (stacks grow down), 16-byte aligned at
// both ends since the allocation itself is page-granular.
func allocateStack() (uintptr, *kernel.Error) {
	page, err := allocateContiguousFn(perCPUStackPages, 0, vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute|vmm.FlagGlobal)
	if err != nil {
		return 0, err
	}
	return page.Address() + uintptr(perCPUStackPages)*uintptr(mem.PageSize), nil
}

// apTrampolineEntry is implemented in assembly. The trampoline's final
// 64-bit jump lands here with RSP already pointed at the AP's stack; it
// clears the direction flag, aligns RSP to 16 bytes and then calls apEntry.
func apTrampolineEntry()

// apEntry is the 64-bit AP entry point described in spec.md §4.8 ("AP
// entry"), called by apTrampolineEntry once this CPU has a usable Go
// calling convention.
func apEntry() {
	cpu.DisableInterrupts()

	selfID := currentAPICID()
	markBooting(selfID)

	cpu.WriteCR0(bspSnapshot.CR0)
	cpu.WriteCR4(bspSnapshot.CR4)
	cpu.WriteEFER(bspSnapshot.EFER)

	table, err := gdt.New()
	if err != nil {
		kernel.Panic(err)
	}
	table.Install()

	gate.LoadOnAP()

	if _, err := apic.New(localApicPhysAddr); err != nil {
		kernel.Panic(err)
	}

	markOnline(selfID)
	cpu.EnableInterrupts()

	if kernelCPUMain != nil {
		kernelCPUMain()
	}
}

// currentAPICID reads the executing CPU's initial local APIC ID directly
// from CPUID leaf 1, which remains valid whether or not x2APIC has been
// enabled yet.
func currentAPICID() uint8 {
	_, ebx, _, _ := cpu.ID(1)
	return uint8(ebx >> 24)
}

// funcPC extracts the entry address of a package-level (non-closure) Go
// function. A func value for such a function is represented as a pointer
// to a single machine word holding its code address; since apTrampolineEntry
// is bodyless (implemented in assembly, never called directly from Go) this
// is the only way to hand its address to code running outside the Go
// calling convention.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}
