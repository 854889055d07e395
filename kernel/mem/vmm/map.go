package vmm

import (
	"gokernel/kernel"
	"gokernel/kernel/cpu"
	"gokernel/kernel/mem"
	"gokernel/kernel/mem/pmm"
)

var (
	errMisalignedRange  = &kernel.Error{Module: "vmm", Message: "phys/virt range is not page-aligned"}
	errRangeLengthMismatch = &kernel.Error{Module: "vmm", Message: "present mapping requires equal phys/virt range length"}
)

// AllocFrameFn allocates a physical frame; PageTableManager uses it to
// materialize intermediate page tables on demand.
type AllocFrameFn func() (pmm.Frame, *kernel.Error)

// PageTableManager owns the PML4 root of one address space and maps
// virtual ranges into it.
type PageTableManager struct {
	root       pmm.Frame
	allocFrame AllocFrameFn
}

// NewPageTableManager allocates and zeroes a fresh PML4 root frame.
func NewPageTableManager(allocFrame AllocFrameFn) (*PageTableManager, *kernel.Error) {
	root, err := allocFrame()
	if err != nil {
		return nil, err
	}
	clearTable(root)

	return &PageTableManager{root: root, allocFrame: allocFrame}, nil
}

// Root returns the physical frame backing the PML4 table, i.e. the value
// to load into CR3 to activate this address space.
func (m *PageTableManager) Root() pmm.Frame {
	return m.root
}

// switchAddressSpaceFn is overridden by tests that exercise code paths
// reaching Activate without wanting to execute the real CR3-loading
// instruction.
var switchAddressSpaceFn = cpu.SwitchAddressSpace

// SetSwitchAddressSpaceFn overrides how Activate loads a new address
// space. It returns a function that restores the previous one.
func SetSwitchAddressSpaceFn(fn func(uintptr)) (restore func()) {
	prev := switchAddressSpaceFn
	switchAddressSpaceFn = fn
	return func() { switchAddressSpaceFn = prev }
}

// Activate loads this address space's PML4 into CR3.
func (m *PageTableManager) Activate() {
	switchAddressSpaceFn(uintptr(m.root.Address()))
}

// clearTable zeroes a freshly allocated table. It reaches the table through
// ptePtrFn (index 0, which is the table's base address) rather than through
// mem.PhysToVirt directly, so tests that substitute a fake backing store for
// ptePtrFn also see tables zeroed in their fake memory.
func clearTable(frame pmm.Frame) {
	base := uintptr(ptePtrFn(frame.Address(), 0))
	kernel.Memset(base, 0, uintptr(mem.PageSize))
}

// Map installs page table entries covering [virtStart, virtEnd) backed by
// physical memory starting at physStart, using the largest leaf size (1
// GiB, 2 MiB, or 4 KiB) that both ranges are aligned to at each step.
// Present mappings require phys and virt ranges of equal length; absent
// ("reserve but don't back") mappings skip that check, so their phys range
// may be empty, and each of their entries still records physStart plus
// the page's offset into the virt range.
func (m *PageTableManager) Map(physStart, physEnd mem.PhysAddr, virtStart, virtEnd mem.VirtAddr, attrs PageAttributes) *kernel.Error {
	if !physStart.PageAligned() || !physEnd.PageAligned() || !virtStart.PageAligned() || !virtEnd.PageAligned() {
		return errMisalignedRange
	}
	if attrs.Present && physEnd-physStart != mem.PhysAddr(virtEnd-virtStart) {
		return errRangeLengthMismatch
	}

	for virt := virtStart; virt < virtEnd; {
		phys := physStart + mem.PhysAddr(virt-virtStart)

		pageSize := mem.PageSize
		stopLevel := pageLevels - 1
		switch {
		case virt+mem.VirtAddr(mem.HugePageSize) <= virtEnd &&
			phys&mem.PhysAddr(mem.HugePageSize-1) == 0 && virt&mem.VirtAddr(mem.HugePageSize-1) == 0:
			stopLevel = pageLevels - 3
			pageSize = mem.HugePageSize
		case virt+mem.VirtAddr(mem.LargePageSize) <= virtEnd &&
			phys&mem.PhysAddr(mem.LargePageSize-1) == 0 && virt&mem.VirtAddr(mem.LargePageSize-1) == 0:
			stopLevel = pageLevels - 2
			pageSize = mem.LargePageSize
		}

		tableFrame := m.root.Address()
		for level := 0; level <= stopLevel; level++ {
			shift := uint(12 + (pageLevels-1-level)*tableBits)
			entryIndex := (uintptr(virt) >> shift) & tableIndexMask
			pte := (*pageTableEntry)(ptePtrFn(tableFrame, entryIndex))

			if level == stopLevel {
				*pte = 0
				pte.setFrame(pmm.FrameFromAddress(phys))
				pte.setFlags(attrs.encode(stopLevel < pageLevels-1))
				continue
			}

			var nextFrame pmm.Frame
			if pte.hasFlags(flagPresent) {
				nextFrame = pte.frame()
			} else {
				var err *kernel.Error
				nextFrame, err = m.allocFrame()
				if err != nil {
					return err
				}
				clearTable(nextFrame)
			}

			*pte = 0
			pte.setFrame(nextFrame)
			pte.setFlags(intermediateFlags)
			tableFrame = nextFrame.Address()
		}

		virt += mem.VirtAddr(pageSize)
	}

	return nil
}

// Translate walks the hierarchy for virt and returns the physical address
// it currently maps to, or ErrInvalidMapping if no leaf entry is present.
func (m *PageTableManager) Translate(virt mem.VirtAddr) (mem.PhysAddr, *kernel.Error) {
	var (
		result mem.PhysAddr
		err    *kernel.Error = ErrInvalidMapping
	)

	leafSize := func(level int) mem.Size {
		switch level {
		case pageLevels - 3:
			return mem.HugePageSize
		case pageLevels - 2:
			return mem.LargePageSize
		default:
			return mem.PageSize
		}
	}

	walk(m.root.Address(), virt, func(level int, pte *pageTableEntry) bool {
		if !pte.hasFlags(flagPresent) {
			return false
		}
		if level == pageLevels-1 || pte.hasFlags(flagLargerPage) {
			offset := mem.PhysAddr(uintptr(virt) & uintptr(leafSize(level)-1))
			result = pte.frame().Address() + offset
			err = nil
			return false
		}
		return true
	})

	return result, err
}

// Unmap clears the leaf entry for virt, if one is present.
func (m *PageTableManager) Unmap(virt mem.VirtAddr) *kernel.Error {
	err := ErrInvalidMapping

	walk(m.root.Address(), virt, func(level int, pte *pageTableEntry) bool {
		if !pte.hasFlags(flagPresent) {
			return false
		}
		if level == pageLevels-1 || pte.hasFlags(flagLargerPage) {
			pte.clearFlags(flagPresent)
			cpu.FlushTLBEntry(uintptr(virt))
			err = nil
			return false
		}
		return true
	})

	return err
}

// ErrInvalidMapping is returned when a virtual address has no present
// mapping in this page table hierarchy.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
