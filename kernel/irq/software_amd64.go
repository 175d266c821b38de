package irq

import (
	"gopheros/kernel"
	"gopheros/kernel/gate"
	"gopheros/kernel/sync"
)

// SoftwareVector identifies one of the 224 interrupt vectors (32-255) that
// are not reserved for CPU exceptions. A handful of these are reserved for
// fixed kernel uses and cannot be claimed via SetSoftwareHandler.
type SoftwareVector = gate.InterruptNumber

const (
	// firstSoftwareVector is the lowest vector number not reserved for a
	// CPU exception.
	firstSoftwareVector = 32

	// TimerVector is raised by the local APIC timer on every tick.
	TimerVector SoftwareVector = 0x20

	// SyscallVector is the fixed entry point used by the SYSCALL-style
	// software interrupt calling convention.
	SyscallVector SoftwareVector = 0x80

	// ContextSwitchVector is raised to force a task switch on the
	// current CPU; its handler runs from a naked stub that has access to
	// the full register state instead of the trimmed Registers subset
	// used by ordinary software handlers.
	ContextSwitchVector SoftwareVector = 0xFE

	// SpuriousVector is the local APIC's spurious-interrupt vector. It
	// requires no EOI and carries no useful register state.
	SpuriousVector SoftwareVector = 0xFF
)

// softwareHandlerCount is the size of the dispatch table covering every
// vector from firstSoftwareVector (32) to 255 inclusive.
const softwareHandlerCount = 256 - firstSoftwareVector

var (
	softwareLock     sync.Spinlock
	softwareHandlers [softwareHandlerCount]func(*gate.Registers)

	errReservedForException = &kernel.Error{Module: "irq", Message: "vector is reserved for a CPU exception and cannot be used as a software handler"}
	errVectorReserved       = &kernel.Error{Module: "irq", Message: "vector is reserved for a fixed kernel use"}
	errVectorInUse          = &kernel.Error{Module: "irq", Message: "vector already has a registered handler"}

	// handleInterruptFn is mocked by tests; it is automatically inlined by
	// the compiler when compiling the kernel.
	handleInterruptFn = gate.HandleInterrupt
)

// reservedVectors lists software vectors that SetSoftwareHandler refuses to
// hand out because a fixed subsystem (the timer, syscalls, context
// switching or the spurious IRQ) owns them unconditionally.
var reservedVectors = map[SoftwareVector]bool{
	TimerVector:         true,
	SyscallVector:       true,
	ContextSwitchVector: true,
	SpuriousVector:      true,
}

// SetInterruptHandler installs handler as the exclusive handler for vector,
// which must be at or above 32: vectors 0-31 are CPU exceptions and must go
// through HandleException/HandleExceptionWithCode instead. Installing a
// second handler for the same vector without clearing the first returns
// errVectorInUse.
func SetInterruptHandler(vector SoftwareVector, handler func(*gate.Registers)) *kernel.Error {
	if vector < firstSoftwareVector {
		return errReservedForException
	}

	softwareLock.Acquire()
	defer softwareLock.Release()

	idx := vector - firstSoftwareVector
	if softwareHandlers[idx] != nil {
		return errVectorInUse
	}

	softwareHandlers[idx] = handler
	return nil
}

// SetSoftwareHandler behaves like SetInterruptHandler but additionally
// refuses to hand out the timer, syscall, context-switch and spurious
// vectors, which are reserved for fixed kernel subsystems.
func SetSoftwareHandler(vector SoftwareVector, handler func(*gate.Registers)) *kernel.Error {
	if reservedVectors[vector] {
		return errVectorReserved
	}
	return SetInterruptHandler(vector, handler)
}

// ClearInterruptHandler removes whatever handler is installed for vector, if
// any. Clearing an already-empty slot is a no-op.
func ClearInterruptHandler(vector SoftwareVector) {
	if vector < firstSoftwareVector {
		return
	}

	softwareLock.Acquire()
	defer softwareLock.Release()

	softwareHandlers[vector-firstSoftwareVector] = nil
}

// InitSoftwareDispatch installs a dispatcher for every non-exception vector
// (32-255) that looks up and invokes whatever handler SetInterruptHandler /
// SetSoftwareHandler registered for it, ignoring vectors with no handler.
// It must be called once, after gate.Init has set up the IDT.
func InitSoftwareDispatch() {
	for v := firstSoftwareVector; v <= 255; v++ {
		vector := SoftwareVector(v)
		handleInterruptFn(vector, 0, dispatch(vector))
	}
}

// dispatch returns a closure bound to vector that looks up the current
// handler for it on every invocation, rather than capturing the handler at
// registration time, so SetInterruptHandler/ClearInterruptHandler take
// effect immediately without reinstalling the IDT gate.
func dispatch(vector SoftwareVector) func(*gate.Registers) {
	idx := vector - firstSoftwareVector
	return func(regs *gate.Registers) {
		softwareLock.Acquire()
		handler := softwareHandlers[idx]
		softwareLock.Release()

		if handler != nil {
			handler(regs)
		}
	}
}
