package gate

import (
	"encoding/binary"
	"gokernel/kernel/cpu"
	"unsafe"
)

const (
	numGDTEntries = 8
	numIDTEntries = 256
)

// VM owns the GDT, IDT and TSS storage this CPU's table registers point at
// once Load installs them.
type VM struct {
	gdt [numGDTEntries * 8]byte
	idt [numIDTEntries][16]byte
	tss TaskStateSegment
}

// NewVM returns a VM with every GDT and IDT slot cleared (not present).
func NewVM() *VM {
	return &VM{}
}

// SetGDTEntry installs a code or data descriptor at the given GDT slot.
func (v *VM) SetGDTEntry(index int, desc SegmentDescriptor) {
	binary.LittleEndian.PutUint64(v.gdt[index*8:], desc.Serialize())
}

// SetIDTEntry installs an interrupt gate at the given IDT slot.
func (v *VM) SetIDTEntry(index int, desc InterruptDescriptor) {
	packed := desc.Serialize()
	copy(v.idt[index][:], packed[:])
}

// SetTSS installs the task state segment's contents and points the GDT's
// two-slot TSS descriptor at it.
func (v *VM) SetTSS(tss TaskStateSegment) {
	v.tss = tss

	base := uint64(uintptr(unsafe.Pointer(&v.tss)))
	desc := TSSDescriptor{Base: base, Limit: TaskStateSegmentSize - 1, Priv: KernelPrivilege}
	packed := desc.Serialize()
	copy(v.gdt[TSSIndex*8:], packed[:])
}

// serializeTableRegister packs the operand LGDT/LIDT expect: a 16-bit limit
// followed immediately by a 64-bit base, with no padding between them.
func serializeTableRegister(base uint64, limit uint16) [10]byte {
	var out [10]byte
	binary.LittleEndian.PutUint16(out[0:2], limit)
	binary.LittleEndian.PutUint64(out[2:10], base)
	return out
}

// Load points the CPU's GDTR, IDTR and task register at this VM's tables.
func (v *VM) Load() {
	gdtReg := serializeTableRegister(uint64(uintptr(unsafe.Pointer(&v.gdt[0]))), uint16(len(v.gdt)-1))
	cpu.Lgdt(uintptr(unsafe.Pointer(&gdtReg[0])))

	idtReg := serializeTableRegister(uint64(uintptr(unsafe.Pointer(&v.idt[0]))), uint16(numIDTEntries*16-1))
	cpu.Lidt(uintptr(unsafe.Pointer(&idtReg[0])))

	cpu.Ltr(NewSegmentSelector(TSSIndex, KernelPrivilege).Serialize())
}
