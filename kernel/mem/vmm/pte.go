// Package vmm implements 4-level (PML4/PDPT/PD/PT) x86-64 paging: building
// and walking page tables, and mapping physical frames into a virtual
// address range with present/writable/user/global/no-execute attributes.
package vmm

import (
	"gokernel/kernel/mem"
	"gokernel/kernel/mem/pmm"
)

// PageAttributes is the set of flags a caller requests when mapping a
// range of virtual memory. Unlike pageTableEntry, it is attribute-complete
// (always has an explicit present/writable/user value) rather than a raw
// architectural bit pattern.
type PageAttributes struct {
	Present       bool
	Writable      bool
	UserAccessible bool
	Global        bool
	NoExecute     bool
}

// pageTableEntryFlag is a single bit within a raw page table entry.
type pageTableEntryFlag uint64

const (
	flagPresent          pageTableEntryFlag = 1 << 0
	flagWritable         pageTableEntryFlag = 1 << 1
	flagUserAccessible   pageTableEntryFlag = 1 << 2
	flagWriteThrough     pageTableEntryFlag = 1 << 3
	flagCacheDisabled    pageTableEntryFlag = 1 << 4
	flagAccessed         pageTableEntryFlag = 1 << 5
	flagDirty            pageTableEntryFlag = 1 << 6
	flagLargerPage       pageTableEntryFlag = 1 << 7
	flagGlobal           pageTableEntryFlag = 1 << 8
	flagNoExecute        pageTableEntryFlag = 1 << 63

	// physPageMask isolates the frame address bits of an entry (bits 12-51).
	physPageMask = uint64(0x000f_ffff_ffff_f000)
)

// pageTableEntry is a single 64-bit slot in a page table at any of the
// four levels (PML4, PDPT, PD, PT).
type pageTableEntry uint64

func (pte pageTableEntry) hasFlags(flags pageTableEntryFlag) bool {
	return uint64(pte)&uint64(flags) == uint64(flags)
}

func (pte *pageTableEntry) setFlags(flags pageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

func (pte *pageTableEntry) clearFlags(flags pageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) &^ uint64(flags))
}

// frame returns the physical frame this entry points to.
func (pte pageTableEntry) frame() pmm.Frame {
	return pmm.FrameFromAddress(mem.PhysAddr(uint64(pte) & physPageMask))
}

// setFrame updates the entry to point at frame, preserving its flag bits.
func (pte *pageTableEntry) setFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uint64(*pte) &^ physPageMask) | uint64(frame.Address()))
}

// encode builds the flag bits this attribute set contributes to a leaf
// entry. isHugeOrLargeLeaf marks a 2 MiB/1 GiB leaf, which additionally
// needs flagLargerPage set.
func (a PageAttributes) encode(isHugeOrLargeLeaf bool) pageTableEntryFlag {
	var f pageTableEntryFlag
	if isHugeOrLargeLeaf {
		f |= flagLargerPage
	}
	if a.Present {
		f |= flagPresent
	}
	if a.Writable {
		f |= flagWritable
	}
	if a.UserAccessible {
		f |= flagUserAccessible
	}
	if a.Global {
		f |= flagGlobal
	}
	if a.NoExecute {
		f |= flagNoExecute
	}
	return f
}

// intermediateFlags is applied to every non-leaf entry created while
// walking down to install a leaf: intermediate entries are always
// present, writable and user-accessible so that permission restrictions
// are enforced solely at the leaf, matching the hardware's AND-of-levels
// permission model.
const intermediateFlags = flagPresent | flagWritable | flagUserAccessible
