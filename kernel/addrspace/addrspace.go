// Package addrspace ties a PageTableManager to a reference count and the
// fixed per-task layout (kernel window, user stack, guard page) so thread
// creation can set up a runnable address space in one call.
package addrspace

import (
	"gokernel/kernel"
	"gokernel/kernel/mem"
	"gokernel/kernel/mem/pmm"
	"gokernel/kernel/mem/slab"
	"gokernel/kernel/mem/vmm"
	"unsafe"
)

// framePtrFn resolves the virtual address backing a physical frame's raw
// bytes. Production code points it at the identity window; tests substitute
// a fake backing store, the same seam vmm.SetPageTableEntryLocator provides
// for page table entries.
var framePtrFn = func(f pmm.Frame) unsafe.Pointer {
	return unsafe.Pointer(uintptr(mem.PhysToVirt(f.Address())))
}

// kernelWindowSize is how much of the bottom of physical memory gets
// pre-mapped into every address space's kernel half. 64 GiB covers any
// machine this kernel is likely to run on without growing the mapping
// lazily.
const kernelWindowSize = 64 * mem.Gb

// AddressSpace owns one PML4 and is shared (via reference counting)
// between every thread running in it. AddressSpace values themselves are
// owned by the slab allocator pool; New and Release are the only valid
// ways to obtain or give one back.
type AddressSpace struct {
	pageTables *vmm.PageTableManager
	refCount   int64
}

// pool backs every AddressSpace value this package hands out. It is built
// lazily from the first allocFrame New receives; every later call is
// expected to supply the same underlying frame allocator, which holds for
// every caller in this kernel (there is exactly one frame allocator, built
// once at boot).
var pool *slab.Alloc[AddressSpace]

// New creates an address space with the kernel window already mapped:
// physical [0, 64 GiB) identity-mapped at mem.KernelVirtStart.
func New(allocFrame vmm.AllocFrameFn) (*AddressSpace, *kernel.Error) {
	tables, err := vmm.NewPageTableManager(allocFrame)
	if err != nil {
		return nil, err
	}

	if pool == nil {
		pool = slab.New[AddressSpace](slab.AllocFrameFn(allocFrame), nil)
	}
	as, err := pool.Alloc()
	if err != nil {
		return nil, err
	}
	as.pageTables = tables

	windowAttrs := vmm.PageAttributes{Present: true, Writable: true, UserAccessible: true}
	if err := tables.Map(0, mem.PhysAddr(kernelWindowSize), mem.KernelVirtStart, mem.KernelVirtStart+mem.VirtAddr(kernelWindowSize), windowAttrs); err != nil {
		return nil, err
	}

	return as, nil
}

// Release returns as to the slab pool once its last reference is gone.
// Callers must only call this after DecRef has returned 0.
func (as *AddressSpace) Release() {
	pool.Free(as)
}

// Map installs a mapping in this address space's page tables.
func (as *AddressSpace) Map(physStart, physEnd mem.PhysAddr, virtStart, virtEnd mem.VirtAddr, attrs vmm.PageAttributes) *kernel.Error {
	return as.pageTables.Map(physStart, physEnd, virtStart, virtEnd, attrs)
}

// TableRoot returns the physical frame to load into CR3 to activate this
// address space.
func (as *AddressSpace) TableRoot() pmm.Frame {
	return as.pageTables.Root()
}

// Translate returns the physical address virt currently maps to.
func (as *AddressSpace) Translate(virt mem.VirtAddr) (mem.PhysAddr, *kernel.Error) {
	return as.pageTables.Translate(virt)
}

// Activate switches the CPU's active address space to this one.
func (as *AddressSpace) Activate() {
	as.pageTables.Activate()
}

// IncRef adds a reference, typically when a new thread starts running in
// this address space.
func (as *AddressSpace) IncRef() {
	as.refCount++
}

// DecRef removes a reference and returns the count remaining. Callers
// should release the PML4 root frame once it reaches zero.
func (as *AddressSpace) DecRef() int64 {
	as.refCount--
	return as.refCount
}

// StackLayout describes the frames and addresses CreateThreadStack
// reserved for a new thread.
type StackLayout struct {
	// StackPointer is the initial RSP a thread should start with.
	StackPointer mem.VirtAddr

	// TopFrame is the physical frame backing the top (highest address)
	// stack page, used to copy in initial stack data before the thread
	// first runs.
	TopFrame pmm.Frame
}

// CreateThreadStack reserves mem.StackPages frames below mem.StackBase,
// maps them NX + RW, leaves one unmapped guard page below them, and
// copies initStackBytes (if any) to the top of the stack.
func (as *AddressSpace) CreateThreadStack(allocFrame vmm.AllocFrameFn, initStackBytes []byte) (StackLayout, *kernel.Error) {
	stackAttrs := vmm.PageAttributes{Present: true, Writable: true, UserAccessible: true, NoExecute: true}

	var topFrame pmm.Frame
	for i := 0; i < mem.StackPages; i++ {
		frame, err := allocFrame()
		if err != nil {
			return StackLayout{}, err
		}

		virt := mem.StackBase - mem.VirtAddr((i+1)*int(mem.PageSize))
		if err := as.pageTables.Map(frame.Address(), frame.Address()+mem.PhysAddr(mem.PageSize), virt, virt+mem.VirtAddr(mem.PageSize), stackAttrs); err != nil {
			return StackLayout{}, err
		}

		if i == 0 {
			topFrame = frame
		}
	}

	stackPointer := mem.StackBase
	if n := len(initStackBytes); n > 0 {
		if mem.Size(n) >= mem.PageSize {
			return StackLayout{}, errInitStackTooLarge
		}
		stackPointer -= mem.VirtAddr(n)

		dst := uintptr(framePtrFn(topFrame)) + uintptr(mem.PageSize) - uintptr(n)
		for i, b := range initStackBytes {
			*(*byte)(unsafe.Pointer(dst + uintptr(i))) = b
		}
	}

	guardAttrs := vmm.PageAttributes{}
	guardVirt := mem.StackBase - mem.VirtAddr((mem.StackPages+1)*int(mem.PageSize))
	if err := as.pageTables.Map(0, 0, guardVirt, guardVirt+mem.VirtAddr(mem.PageSize), guardAttrs); err != nil {
		return StackLayout{}, err
	}

	return StackLayout{StackPointer: stackPointer, TopFrame: topFrame}, nil
}

var errInitStackTooLarge = &kernel.Error{Module: "addrspace", Message: "initial stack data does not fit in one page"}

// SetFramePointerLocator overrides how a physical frame's bytes are
// reached, for tests that back stack frames with ordinary Go memory. It
// returns a function that restores the previous locator.
func SetFramePointerLocator(fn func(pmm.Frame) unsafe.Pointer) (restore func()) {
	prev := framePtrFn
	framePtrFn = fn
	return func() { framePtrFn = prev }
}
