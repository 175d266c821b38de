package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB flushes the entire TLB by reloading CR3. It is used instead of
// FlushTLBEntry when a contiguous range spans more than a handful of pages,
// since repeated single-entry invalidations would cost more than one CR3
// reload.
func FlushTLB()

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint64

// WriteCR0 loads value into the CR0 register.
func WriteCR0(value uint64)

// ReadCR4 returns the value stored in the CR4 register.
func ReadCR4() uint64

// WriteCR4 loads value into the CR4 register.
func WriteCR4(value uint64)

// ReadEFER returns the value of the IA32_EFER model-specific register.
func ReadEFER() uint64

// WriteEFER loads value into the IA32_EFER model-specific register.
func WriteEFER(value uint64)

// Pause executes the PAUSE instruction, hinting to the CPU that the
// surrounding code is a busy-wait spin loop.
func Pause()

// FlushCache writes back and invalidates every level of this CPU's cache
// hierarchy (WBINVD). It is used to make sure a freshly written trampoline
// payload is visible to an AP that has not yet enabled caching.
func FlushCache()

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Rdtsc returns the current value of the time-stamp counter.
func Rdtsc() uint64

// Rdmsr reads the 64-bit value of the model-specific register identified by
// reg.
func Rdmsr(reg uint32) uint64

// Wrmsr writes value to the model-specific register identified by reg.
func Wrmsr(reg uint32, value uint64)

// LoadGDT loads the GDTR register with the descriptor table pointed to by
// gdtrAddr (a packed limit:base GDT pointer, as consumed by the LGDT
// instruction) and reloads the data segment selectors; CS is left as is.
func LoadGDT(gdtrAddr uintptr)

// LoadTSS loads the task register with the given TSS selector.
func LoadTSS(selector uint16)

// LoadIDT loads the IDTR register with the descriptor table pointed to by
// idtrAddr (a packed limit:base IDT pointer, as consumed by the LIDT
// instruction). Unlike LoadGDT this never touches a segment register, so it
// is equally correct for installing a brand new table or repointing an AP's
// IDTR at a table another CPU already built.
func LoadIDT(idtrAddr uintptr)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// Features records the CPUID-derived feature bits that the rest of the
// kernel needs to decide between otherwise-equivalent code paths (e.g.
// xAPIC vs x2APIC register access, or whether the TSC is safe to use as a
// calibrated clock source at all).
type Features struct {
	// APIC is set if the CPU has a local APIC.
	APIC bool
	// X2APIC is set if the local APIC can be accessed through MSRs.
	X2APIC bool
	// TSC is set if the RDTSC instruction is supported.
	TSC bool
	// InvariantTSC is set if the TSC ticks at a constant rate regardless
	// of CPU power/frequency state, making it safe to use as a wall-clock
	// source across P-state transitions.
	InvariantTSC bool
}

// DetectFeatures reads CPUID leaves 1 and 0x80000007 to populate a Features
// value for the executing CPU.
func DetectFeatures() Features {
	_, _, ecx1, edx1 := cpuidFn(1)

	var f Features
	f.APIC = edx1&(1<<9) != 0
	f.X2APIC = ecx1&(1<<21) != 0
	f.TSC = edx1&(1<<4) != 0

	if maxExt, _, _, _ := cpuidFn(0x80000000); maxExt >= 0x80000007 {
		_, _, _, edxAPM := cpuidFn(0x80000007)
		f.InvariantTSC = edxAPM&(1<<8) != 0
	}

	return f
}
