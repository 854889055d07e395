//go:build amd64

package mem

// PointerShift is log2(unsafe.Sizeof(uintptr)) for this architecture.
const PointerShift = 3

// PageShift is log2(PageSize); used to convert a physical address to a
// frame number (shift right) and back (shift left).
const PageShift = 12

// PageSize is the system's base page size in bytes.
const PageSize = Size(1 << PageShift)

// LargePageSize is the size of a 2 MiB page-table leaf.
const LargePageSize = Size(1 << 21)

// HugePageSize is the size of a 1 GiB page-table leaf.
const HugePageSize = Size(1 << 30)

// KernelVirtStart is the fixed offset at which every physical byte is
// additionally mapped into the kernel's high half. phys_to_virt(p) = p +
// KernelVirtStart, valid only for p < KernelVirtStart.
const KernelVirtStart VirtAddr = 0xffff_8000_0000_0000

// StackBase is the fixed virtual address immediately above every task's
// initial stack.
const StackBase VirtAddr = 0x7fff_ffff_f000

// StackPages is the number of frames mapped for a new thread's stack.
const StackPages = 4
