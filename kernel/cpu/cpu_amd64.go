// Package cpu declares the architecture-specific primitives that have no
// direct Go representation: port I/O, control-register access, TLB control
// and privilege-level transitions. The functions are declared without
// bodies; their assembly implementations are not part of this repository,
// so the package does not build without them.
package cpu

// EnableInterrupts enables interrupt handling (sti).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (cli).
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt (hlt).
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchAddressSpace loads CR3 with the given PML4 physical address and
// implicitly flushes the entire TLB.
func SwitchAddressSpace(pml4PhysAddr uintptr)

// ActiveAddressSpace returns the physical address currently loaded in CR3.
func ActiveAddressSpace() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uintptr

// Outb writes a byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Lgdt loads the GDT register from the descriptor at the given address.
func Lgdt(descriptorAddr uintptr)

// Lidt loads the IDT register from the descriptor at the given address.
func Lidt(descriptorAddr uintptr)

// Ltr loads the task register with the given TSS segment selector.
func Ltr(selector uint16)

// StartScheduling pops registers from the ThreadState at stateAddr and
// IRETQs into it, handing control to the first scheduled thread. It never
// returns.
func StartScheduling(stateAddr uintptr)
