package gate

import (
	"gopheros/kernel/cpu"
	"gopheros/kernel/kfmt"
	"io"
	"unsafe"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs. Its field order and size are load-bearing:
// dispatchInterrupt (gate_amd64.s) builds one of these directly on the
// interrupted stack by pushing registers in the matching order, so this must
// stay in lockstep with the assembly that constructs it.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the interrupt/exception/syscall vector number that fired.
	Vector uint64

	// Info is the hardware error code for vectors that push one (see
	// hasErrorCode), or zero otherwise.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "Vector = %16x Info = %16x\n", r.Vector, r.Info)
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)
)

// idtEntry is the x86_64 IDT gate descriptor layout for a 64-bit interrupt
// gate (Intel SDM Vol. 3A, 6.14.1).
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	// idtPresent marks a gate descriptor as valid; a vector whose gate is
	// not present raises a general-protection fault instead of running
	// whatever stub interruptGateEntries built for it.
	idtPresent = uint8(1) << 7

	// idtInterruptGate64 is the gate type for a 64-bit interrupt gate,
	// which clears IF on entry (as opposed to a trap gate, which does not).
	idtInterruptGate64 = uint8(0xE)

	// kernelCodeSelector addresses the flat 64-bit kernel code segment.
	// This must match gdt.KernelCodeSelector; gate cannot import gdt
	// directly since gdt pulls in vmm, which pulls in irq, which pulls in
	// gate itself.
	kernelCodeSelector = uint16(0x08)
)

var (
	// idt is the single, CPU-wide interrupt descriptor table. Every entry
	// is built by installIDT at boot; HandleInterrupt only ever flips an
	// already-built entry from non-present to present.
	idt [256]idtEntry

	// idtrBuf holds the packed limit:base pointer cpu.LoadIDT consumes.
	idtrBuf [10]byte

	// handlers holds the Go callback registered for each vector via
	// HandleInterrupt. dispatchInterrupt consults this after building a
	// Registers snapshot on the interrupted stack.
	handlers [256]func(*Registers)

	// loadIDTFn is mocked by tests since calling the real instruction
	// outside ring 0 faults.
	loadIDTFn = cpu.LoadIDT
)

// Init runs the appropriate CPU-specific initialization code for enabling
// support for interrupt handling.
func Init() {
	installIDT()
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	v := uint8(intNumber)
	handlers[v] = handler
	idt[v].ist = istOffset & 0x7
	idt[v].typeAttr = idtInterruptGate64 | idtPresent
}

// installIDT populates idt with one gate descriptor per entry generated by
// interruptGateEntries, points idtrBuf at it and loads it into the CPU. All
// gate entries are initially marked as non-present and must be explicitly
// enabled via a call to HandleInterrupt.
func installIDT() {
	entries := interruptGateEntries()
	for v := 0; v < len(idt); v++ {
		addr := uint64(funcPC(entries[v]))
		idt[v].offsetLow = uint16(addr)
		idt[v].offsetMid = uint16(addr >> 16)
		idt[v].offsetHigh = uint32(addr >> 32)
		idt[v].selector = kernelCodeSelector
	}

	loadIDTR()
}

// loadIDTR points idtrBuf at the current contents of idt and loads it via
// cpu.LoadIDT. Both installIDT and LoadOnAP funnel through this so the
// limit:base packing only needs to be written once.
func loadIDTR() {
	limit := uint16(len(idt)*int(unsafe.Sizeof(idtEntry{})) - 1)
	base := uintptr(unsafe.Pointer(&idt[0]))

	*(*uint16)(unsafe.Pointer(&idtrBuf[0])) = limit
	*(*uintptr)(unsafe.Pointer(&idtrBuf[2])) = base

	loadIDTFn(uintptr(unsafe.Pointer(&idtrBuf[0])))
}

// LoadOnAP loads the IDT already built and installed by Init on the BSP onto
// the calling CPU. The IDT is shared and read-only once installed (per the
// kernel's shared-resource policy), so every application processor just
// points its own IDTR at the same descriptor table instead of building one.
func LoadOnAP() {
	loadIDTR()
}

// dispatchInterrupt is invoked by the interrupt gate entrypoints (see
// interruptGateEntries) to route an incoming interrupt to the selected
// handler. It is implemented in gate_amd64.s: it finishes building the
// Registers snapshot the entry stub started, calls goDispatch with a
// pointer to it, restores every register from the (possibly modified)
// snapshot and executes IRETQ.
func dispatchInterrupt()

// goDispatch looks up and invokes the handler registered for regs.Vector.
// It is called from dispatchInterrupt once the full Registers snapshot is in
// place, after which ordinary Go code can run normally.
func goDispatch(regs *Registers) {
	if handler := handlers[regs.Vector]; handler != nil {
		handler(regs)
	}
}

// interruptGateEntries returns the 256 generated low-level interrupt entry
// points, indexed by vector number, that installIDT wires into the IDT. Each
// one is a tiny assembly stub (gate_amd64.s) that reconciles the presence or
// absence of a hardware-pushed error code, pushes its own vector number and
// jumps to dispatchInterrupt.
func interruptGateEntries() [256]func() {
	return gateStubs
}

// funcPC extracts the entry address of a package-level (non-closure) Go
// function. A func value for such a function is represented as a pointer to
// a single machine word holding its code address; since the gateStub
// functions are bodiless (implemented in assembly) this is the only way to
// hand their addresses to installIDT.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}
