package gate

import "encoding/binary"

// Segment descriptor access-byte type nibbles. Bit 4 (S) distinguishes a
// code/data descriptor (1) from a system descriptor (0); a TSS descriptor
// is system type 0x9 ("64-bit TSS, available").
const (
	segTypeData = 0x2
	segTypeCode = 0xa
	segTypeTSS  = 0x9
)

// SegmentDescriptor describes one 8-byte GDT entry for a code or data
// segment. Long mode ignores base and limit for these (segmentation is
// effectively disabled); only the present, privilege, code/data and
// long-mode bits are consulted by the CPU.
type SegmentDescriptor struct {
	Priv    int
	Present bool
	Code    bool
}

// Serialize packs the descriptor into its 8-byte GDT slot.
func (d SegmentDescriptor) Serialize() uint64 {
	typ := uint64(segTypeData)
	if d.Code {
		typ = segTypeCode
	}

	var v uint64
	v |= typ << 40
	v |= 1 << 44 // S: code/data, not a system descriptor
	v |= uint64(d.Priv&0x3) << 45
	if d.Present {
		v |= 1 << 47
	}
	if d.Code {
		v |= 1 << 53 // L: 64-bit code segment
	}
	return v
}

// TSSDescriptor describes the 16-byte GDT entry (a code/data descriptor
// doesn't have room for a 64-bit base, so the TSS gets two slots) pointing
// at a TaskStateSegment.
type TSSDescriptor struct {
	Base  uint64
	Limit uint32
	Priv  int
}

// Serialize packs the descriptor into its 16-byte GDT slot pair.
func (d TSSDescriptor) Serialize() [16]byte {
	low := uint64(d.Limit) & 0xffff
	low |= (d.Base & 0xffffff) << 16
	low |= uint64(segTypeTSS) << 40
	low |= uint64(d.Priv&0x3) << 45
	low |= 1 << 47 // present
	low |= ((uint64(d.Limit) >> 16) & 0xf) << 48
	low |= ((d.Base >> 24) & 0xff) << 56

	high := (d.Base >> 32) & 0xffffffff

	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], low)
	binary.LittleEndian.PutUint64(out[8:16], high)
	return out
}

// InterruptDescriptor describes one 16-byte IDT gate.
type InterruptDescriptor struct {
	Offset            uint64
	Segment           SegmentSelector
	Priv              int
	InterruptStack    int // index into the TSS's IST array; 0 disables it
	Present           bool
	DisableInterrupts bool // true for an interrupt gate, false for a trap gate
}

// Serialize packs the descriptor into its 16-byte IDT slot.
func (d InterruptDescriptor) Serialize() [16]byte {
	typ := uint64(0xf) // trap gate
	if d.DisableInterrupts {
		typ = 0xe // interrupt gate
	}

	low := d.Offset & 0xffff
	low |= uint64(d.Segment.Serialize()) << 16
	low |= uint64(d.InterruptStack&0x7) << 32
	low |= typ << 40
	low |= uint64(d.Priv&0x3) << 45
	if d.Present {
		low |= 1 << 47
	}
	low |= ((d.Offset >> 16) & 0xffff) << 48

	high := (d.Offset >> 32) & 0xffffffff

	var out [16]byte
	binary.LittleEndian.PutUint64(out[0:8], low)
	binary.LittleEndian.PutUint64(out[8:16], high)
	return out
}

// TaskStateSegmentSize is the fixed byte size of the x86-64 TSS.
const TaskStateSegmentSize = 104

// TaskStateSegment holds the stack pointers the CPU consults on a privilege
// level change (the RSP0-2 fields) or when an interrupt gate names a
// non-zero interrupt stack table index (IST1-7).
type TaskStateSegment struct {
	PrivilegedStacks [3]uint64
	InterruptStacks  [7]uint64
}

// Serialize packs the TSS into the 104-byte layout the CPU reads once TR is
// loaded with its segment selector.
func (t TaskStateSegment) Serialize() [TaskStateSegmentSize]byte {
	var out [TaskStateSegmentSize]byte

	off := 4
	for _, rsp := range t.PrivilegedStacks {
		binary.LittleEndian.PutUint64(out[off:off+8], rsp)
		off += 8
	}

	off += 8 // reserved
	for _, ist := range t.InterruptStacks {
		binary.LittleEndian.PutUint64(out[off:off+8], ist)
		off += 8
	}

	return out
}
