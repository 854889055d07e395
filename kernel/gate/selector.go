// Package gate builds the x86-64 protection structures (GDT segment
// selectors, the TSS, and the IDT) that the CPU consults on every privilege
// transition.
package gate

// Privilege levels, indexed the same way the CPU's descriptor privilege
// level (DPL) field is.
const (
	KernelPrivilege = 0
	UserPrivilege   = 3
)

// Fixed GDT slot indices. Slot 0 is the mandatory null descriptor.
const (
	KernelCodeSegmentIndex  = 1
	KernelStackSegmentIndex = 2
	UserCodeSegmentIndex    = 3
	UserStackSegmentIndex   = 4
	TSSIndex                = 5
)

// SegmentSelector is the 16-bit value loaded into a segment register (or
// stashed in a ThreadState) to reference one GDT slot at a requested
// privilege level.
type SegmentSelector struct {
	Index         uint16
	RequestedPriv int
	IsLDT         bool
}

// NewSegmentSelector builds a selector for GDT slot index at the given
// requested privilege level.
func NewSegmentSelector(index uint16, requestedPriv int) SegmentSelector {
	return SegmentSelector{Index: index, RequestedPriv: requestedPriv}
}

// Serialize packs the selector into the 16-bit value the hardware expects:
// bits [15:3] table index, bit 2 table indicator (0 = GDT, 1 = LDT), bits
// [1:0] requested privilege level.
func (s SegmentSelector) Serialize() uint16 {
	v := s.Index << 3
	if s.IsLDT {
		v |= 1 << 2
	}
	v |= uint16(s.RequestedPriv) & 0x3
	return v
}
