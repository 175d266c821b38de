package irq

import "gopheros/kernel/gate"

// ExceptionNum defines an exception number that can be
// passed to the HandleException and HandleExceptionWithCode
// functions.
type ExceptionNum uint8

const (
	// DoubleFault occurs when an exception is unhandled
	// or when an exception occurs while the CPU is
	// trying to call an exception handler.
	DoubleFault = ExceptionNum(8)

	// GPFException is raised when a general protection fault occurs.
	GPFException = ExceptionNum(13)

	// PageFaultException is raised when a PDT or
	// PDT-entry is not present or when a privilege
	// and/or RW protection check fails.
	PageFaultException = ExceptionNum(14)
)

// ExceptionHandler is a function that handles an exception that does not push
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandler func(*Frame, *Regs)

// ExceptionHandlerWithCode is a function that handles an exception that pushes
// an error code to the stack. If the handler returns, any modifications to the
// supplied Frame and/or Regs pointers will be propagated back to the location
// where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Frame, *Regs)

// doubleFaultIST is the 1-based IST slot (gdt.Table.ISTStackTop numbering)
// the double-fault handler runs on, per spec.md §4.7 ("Double-fault uses
// IST[0]"): a dedicated stack so the handler still has somewhere to run even
// when the fault was caused by the normal kernel stack itself being bad.
const doubleFaultIST = 1

// HandleException registers an exception handler (without an error code) for
// the given interrupt number. It adapts gate.HandleInterrupt's Registers
// snapshot down to the Frame/Regs pair exception handlers in this package
// expect.
func HandleException(exceptionNum ExceptionNum, handler ExceptionHandler) {
	gate.HandleInterrupt(gate.InterruptNumber(exceptionNum), 0, func(regs *gate.Registers) {
		var r Regs
		var f Frame
		regsFromGate(&r, regs)
		frameFromGate(&f, regs)

		handler(&f, &r)

		regsToGate(regs, &r)
		frameToGate(regs, &f)
	})
}

// HandleExceptionWithCode registers an exception handler (with an error code)
// for the given interrupt number. Like HandleException, it adapts
// gate.HandleInterrupt's Registers snapshot down to the Frame/Regs pair plus
// the hardware error code carried in Registers.Info.
func HandleExceptionWithCode(exceptionNum ExceptionNum, handler ExceptionHandlerWithCode) {
	var ist uint8
	if exceptionNum == DoubleFault {
		ist = doubleFaultIST
	}

	gate.HandleInterrupt(gate.InterruptNumber(exceptionNum), ist, func(regs *gate.Registers) {
		var r Regs
		var f Frame
		regsFromGate(&r, regs)
		frameFromGate(&f, regs)

		handler(regs.Info, &f, &r)

		regsToGate(regs, &r)
		frameToGate(regs, &f)
	})
}

// regsFromGate copies the general purpose registers out of a gate.Registers
// snapshot into r.
func regsFromGate(r *Regs, regs *gate.Registers) {
	r.RAX, r.RBX, r.RCX, r.RDX = regs.RAX, regs.RBX, regs.RCX, regs.RDX
	r.RSI, r.RDI, r.RBP = regs.RSI, regs.RDI, regs.RBP
	r.R8, r.R9, r.R10, r.R11 = regs.R8, regs.R9, regs.R10, regs.R11
	r.R12, r.R13, r.R14, r.R15 = regs.R12, regs.R13, regs.R14, regs.R15
}

// regsToGate copies r back into the general purpose register fields of regs
// so that any modifications an exception handler made are restored when
// dispatchInterrupt returns from the interrupt.
func regsToGate(regs *gate.Registers, r *Regs) {
	regs.RAX, regs.RBX, regs.RCX, regs.RDX = r.RAX, r.RBX, r.RCX, r.RDX
	regs.RSI, regs.RDI, regs.RBP = r.RSI, r.RDI, r.RBP
	regs.R8, regs.R9, regs.R10, regs.R11 = r.R8, r.R9, r.R10, r.R11
	regs.R12, regs.R13, regs.R14, regs.R15 = r.R12, r.R13, r.R14, r.R15
}

// frameFromGate copies the IRETQ frame fields out of a gate.Registers
// snapshot into f.
func frameFromGate(f *Frame, regs *gate.Registers) {
	f.RIP, f.CS, f.RFlags, f.RSP, f.SS = regs.RIP, regs.CS, regs.RFlags, regs.RSP, regs.SS
}

// frameToGate copies f back into the IRETQ frame fields of regs.
func frameToGate(regs *gate.Registers, f *Frame) {
	regs.RIP, regs.CS, regs.RFlags, regs.RSP, regs.SS = f.RIP, f.CS, f.RFlags, f.RSP, f.SS
}
