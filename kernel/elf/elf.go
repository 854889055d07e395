// Package elf parses an ELF64 executable image held entirely in memory,
// enough to load a statically linked x86-64 binary as a new thread's
// address space: the entry point and the PT_LOAD segments.
package elf

import (
	"encoding/binary"
	"gokernel/kernel"
)

const (
	identSize = 16

	headerSize        = 64
	programHeaderSize = 56

	typeExec      = 2
	machineX86_64 = 62

	segmentLoad = 1

	// Segment permission flags, as found in a PT_LOAD program header's
	// p_flags field.
	FlagExecute = 1
	FlagWrite   = 2
	FlagRead    = 4
)

var expectedIdent = [identSize]byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0}

var (
	errTooShort          = &kernel.Error{Module: "elf", Message: "image too short to hold an ELF header"}
	errBadIdent          = &kernel.Error{Module: "elf", Message: "not a 64-bit little-endian ELF image"}
	errBadType           = &kernel.Error{Module: "elf", Message: "not an executable ELF image"}
	errBadMachine        = &kernel.Error{Module: "elf", Message: "not an x86-64 ELF image"}
	errNoProgramHeaders  = &kernel.Error{Module: "elf", Message: "image has no program headers"}
	errProgramHeadersOOB = &kernel.Error{Module: "elf", Message: "program header table extends past the end of the image"}
)

// Segment describes one PT_LOAD program header: the file-backed bytes to
// copy in, and the (possibly larger) in-memory range they occupy. The
// difference between len(Data) and LoadSize must be zero-filled by the
// caller (typically a .bss tail).
type Segment struct {
	Flags    int
	Data     []byte
	LoadAddr uint64
	LoadSize uint64
}

// SegmentVisitor is invoked once per loadable segment, in program header
// order.
type SegmentVisitor func(seg Segment)

// Reader parses an ELF64 executable image.
type Reader struct {
	data      []byte
	entry     uint64
	phoff     uint64
	phentsize uint16
	phnum     uint16
}

// NewReader validates the ELF header of data and returns a Reader over it.
// data is retained, not copied; it must outlive the Reader.
func NewReader(data []byte) (*Reader, *kernel.Error) {
	if len(data) < headerSize {
		return nil, errTooShort
	}

	var ident [identSize]byte
	copy(ident[:], data[0:identSize])
	if ident != expectedIdent {
		return nil, errBadIdent
	}

	if binary.LittleEndian.Uint16(data[16:18]) != typeExec {
		return nil, errBadType
	}
	if binary.LittleEndian.Uint16(data[18:20]) != machineX86_64 {
		return nil, errBadMachine
	}

	entry := binary.LittleEndian.Uint64(data[24:32])
	phoff := binary.LittleEndian.Uint64(data[32:40])
	phentsize := binary.LittleEndian.Uint16(data[54:56])
	phnum := binary.LittleEndian.Uint16(data[56:58])

	if phoff == 0 {
		return nil, errNoProgramHeaders
	}
	if phoff+uint64(phnum)*uint64(phentsize) > uint64(len(data)) {
		return nil, errProgramHeadersOOB
	}

	return &Reader{data: data, entry: entry, phoff: phoff, phentsize: phentsize, phnum: phnum}, nil
}

// EntryPoint returns the virtual address execution should start at.
func (r *Reader) EntryPoint() uint64 { return r.entry }

// VisitLoadSegments invokes visitor once for every PT_LOAD program header,
// skipping any other segment type (PT_DYNAMIC, PT_NOTE, ...).
func (r *Reader) VisitLoadSegments(visitor SegmentVisitor) {
	for i := 0; i < int(r.phnum); i++ {
		off := r.phoff + uint64(i)*uint64(r.phentsize)
		phdr := r.data[off : off+programHeaderSize]

		if binary.LittleEndian.Uint32(phdr[0:4]) != segmentLoad {
			continue
		}

		flags := binary.LittleEndian.Uint32(phdr[4:8])
		poffset := binary.LittleEndian.Uint64(phdr[8:16])
		pvaddr := binary.LittleEndian.Uint64(phdr[16:24])
		pfilesz := binary.LittleEndian.Uint64(phdr[32:40])
		pmemsz := binary.LittleEndian.Uint64(phdr[40:48])

		visitor(Segment{
			Flags:    int(flags),
			Data:     r.data[poffset : poffset+pfilesz],
			LoadAddr: pvaddr,
			LoadSize: pmemsz,
		})
	}
}
