package gate

// realEntryStub returns the address of the IDT gate entry stub for vector,
// one of numIDTEntries stubs implemented in assembly that is not part of
// this repository (this declaration has no body). Each stub saves the caller's general-purpose registers,
// pushes vector, and jumps to dispatchInterrupt; cpu.StartScheduling's
// IRETQ path restores the same layout in reverse.
func realEntryStub(vector int) uintptr

// dispatchInterrupt runs once an entry stub has saved the caller's
// registers. It reads the vector the stub pushed and calls whichever
// handler HandleInterrupt registered for it, then IRETQs back to the
// interrupted context.
func dispatchInterrupt()

// entryStubFn is overridden by tests that exercise HandleInterrupt without
// linking the real assembly entry stubs, the same seam irq.SetIOFns
// provides for port I/O.
var entryStubFn = realEntryStub

// SetEntryStubLocator overrides entryStubFn and returns a function that
// restores the previous one.
func SetEntryStubLocator(fn func(int) uintptr) (restore func()) {
	prev := entryStubFn
	entryStubFn = fn
	return func() { entryStubFn = prev }
}

// InterruptHandler processes a trapped exception, IRQ or syscall.
type InterruptHandler func()

var handlers [numIDTEntries]InterruptHandler

// trapInterruptStack is the IST index every gate HandleInterrupt installs
// uses, matching the single interrupt stack the TSS's IST1 slot reserves.
const trapInterruptStack = 1

// HandleInterrupt installs vector as an interrupt gate pointing at this
// package's entry stub and registers handler to run once dispatchInterrupt
// routes control to it. priv is the lowest privilege level allowed to
// invoke the gate directly: UserPrivilege for the syscall vector,
// KernelPrivilege for CPU exceptions and IRQs.
func (v *VM) HandleInterrupt(vector int, priv int, handler InterruptHandler) {
	handlers[vector] = handler
	v.SetIDTEntry(vector, InterruptDescriptor{
		Offset:            uint64(entryStubFn(vector)),
		Segment:           NewSegmentSelector(KernelCodeSegmentIndex, KernelPrivilege),
		Priv:              priv,
		InterruptStack:    trapInterruptStack,
		Present:           true,
		DisableInterrupts: true,
	})
}
