package pmm

import (
	"gokernel/kernel"
	"gokernel/kernel/mem"
	"unsafe"
)

// maxRegions bounds the number of free physical memory regions the
// allocator can track, mirroring the fixed-size region table used by a
// freestanding kernel with no heap available at the time regions are
// registered.
const maxRegions = 32

var errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

type region struct {
	start, end mem.PhysAddr
}

// Allocator is a two-phase physical frame allocator: it bump-allocates
// through the region list supplied at boot and, once frames are freed,
// serves them back out of a freelist threaded through the freed pages
// themselves before resuming the bump pointer.
type Allocator struct {
	kernelStart, kernelEnd mem.PhysAddr
	moduleStart, moduleEnd mem.PhysAddr

	regions    [maxRegions]region
	numRegions int
	curRegion  int
	curAddr    mem.PhysAddr

	freeList Frame
}

// NewAllocator creates an allocator that automatically carves the
// [kernelStart, kernelEnd) and [moduleStart, moduleEnd) ranges out of any
// region later passed to AddRegion. Pass equal start/end bounds to skip a
// carve-out (e.g. no boot modules were loaded).
func NewAllocator(kernelStart, kernelEnd, moduleStart, moduleEnd mem.PhysAddr) *Allocator {
	return &Allocator{
		kernelStart: kernelStart.RoundDown(),
		kernelEnd:   kernelEnd.RoundUp(),
		moduleStart: moduleStart.RoundDown(),
		moduleEnd:   moduleEnd.RoundUp(),
		freeList:    InvalidFrame,
	}
}

// AddRegion registers [start, end) as available physical memory, splitting
// it around the kernel image and boot module ranges so the allocator never
// hands out a frame that is already in use.
func (a *Allocator) AddRegion(start, end mem.PhysAddr) {
	start = start.RoundUp()
	end = end.RoundDown()

	// Frame 0 is never handed out, so no caller ever receives the null
	// physical address as a valid frame.
	if start == 0 {
		start += mem.PhysAddr(mem.PageSize)
	}

	if start >= a.kernelStart && start < a.kernelEnd {
		start = a.kernelEnd
	}
	if end >= a.kernelStart && end < a.kernelEnd {
		end = a.kernelStart
	}
	if a.kernelStart >= start && a.kernelStart < end {
		a.AddRegion(start, a.kernelStart)
		a.AddRegion(a.kernelEnd, end)
		return
	}

	if start >= a.moduleStart && start < a.moduleEnd {
		start = a.moduleEnd
	}
	if end >= a.moduleStart && end < a.moduleEnd {
		end = a.moduleStart
	}
	if a.moduleStart >= start && a.moduleStart < end {
		a.AddRegion(start, a.moduleStart)
		a.AddRegion(a.moduleEnd, end)
		return
	}

	if start >= end {
		return
	}

	if a.numRegions == 0 {
		a.curAddr = start
	}

	a.regions[a.numRegions] = region{start: start, end: end}
	a.numRegions++
}

// AllocFrame reserves and returns a free physical frame, preferring a
// previously freed frame over advancing the bump pointer.
func (a *Allocator) AllocFrame() (Frame, *kernel.Error) {
	if a.freeList.Valid() {
		f := a.freeList
		a.freeList = Frame(*(*uintptr)(freeListSlotFn(f)))
		return f, nil
	}

	if a.numRegions == 0 || a.curRegion >= a.numRegions {
		return InvalidFrame, errOutOfMemory
	}

	result := FrameFromAddress(a.curAddr)
	a.curAddr += mem.PhysAddr(mem.PageSize)

	if a.curAddr == a.regions[a.curRegion].end {
		a.curRegion++
		if a.curRegion == a.numRegions {
			return result, nil
		}
		a.curAddr = a.regions[a.curRegion].start
	}

	return result, nil
}

// FreeFrame returns f to the allocator's free list.
func (a *Allocator) FreeFrame(f Frame) {
	*(*uintptr)(freeListSlotFn(f)) = uintptr(a.freeList)
	a.freeList = f
}

// freeListSlotFn returns a pointer to the first word of frame f's backing
// page. Free frames thread the allocator's free list through this word
// rather than through a separate bookkeeping structure. Production code
// reaches the word through the kernel's physical identity window; tests
// substitute a fake backing store so freeing a synthetic frame number
// doesn't dereference an address with nothing behind it.
var freeListSlotFn = func(f Frame) unsafe.Pointer {
	return unsafe.Pointer(uintptr(mem.PhysToVirt(f.Address())))
}

// SetFreeListSlotLocator overrides freeListSlotFn and returns a function
// that restores the previous one.
func SetFreeListSlotLocator(fn func(Frame) unsafe.Pointer) (restore func()) {
	prev := freeListSlotFn
	freeListSlotFn = fn
	return func() { freeListSlotFn = prev }
}
