// Package slab implements a typed, fixed-size object allocator backed by
// physical page frames. Each backing page carries a footer tracking how
// many of its slots are in use and threads its free slots into a tiny
// intrusive free list, the same technique pmm.Allocator uses for whole
// frames.
package slab

import (
	"gokernel/kernel"
	"gokernel/kernel/mem"
	"gokernel/kernel/mem/pmm"
	"unsafe"
)

// AllocFrameFn supplies the backing physical frames for a slab.
type AllocFrameFn func() (pmm.Frame, *kernel.Error)

// FreeFrameFn returns a backing frame to the frame allocator once every
// object it held has been freed.
type FreeFrameFn func(pmm.Frame)

type pageFooter struct {
	next         *pageFooter
	freeSlot     uintptr
	numAllocated uint32
}

var footerSize = unsafe.Sizeof(pageFooter{})

// Alloc is a slab allocator for values of type T. The zero value is not
// usable; construct one with New.
type Alloc[T any] struct {
	allocFrame     AllocFrameFn
	freeFrame      FreeFrameFn
	objectSize     uintptr
	objectsPerPage uintptr

	// firstNonFull is the head of a singly-linked list of backing pages
	// that have at least one free slot. Pages with no free slots are
	// dropped from this list and relinked once a slot inside them frees.
	firstNonFull *pageFooter
}

// New creates a slab allocator for T, sized to accommodate at least a
// free-list pointer per slot (T is always large enough to carry that
// pointer once freed). freeFrame may be nil, in which case emptied pages
// are left mapped rather than returned to the frame allocator.
func New[T any](allocFrame AllocFrameFn, freeFrame FreeFrameFn) *Alloc[T] {
	var zero T
	size := unsafe.Sizeof(zero)
	if size < unsafe.Sizeof(uintptr(0)) {
		size = unsafe.Sizeof(uintptr(0))
	}

	return &Alloc[T]{
		allocFrame:     allocFrame,
		freeFrame:      freeFrame,
		objectSize:     size,
		objectsPerPage: (uintptr(mem.PageSize) - footerSize) / size,
	}
}

// Alloc returns a pointer to a zeroed, reserved T, growing the slab with a
// fresh backing frame if no page currently has a free slot.
func (a *Alloc[T]) Alloc() (*T, *kernel.Error) {
	if a.firstNonFull == nil {
		if err := a.growPage(); err != nil {
			return nil, err
		}
	}

	footer := a.firstNonFull
	slot := footer.freeSlot
	footer.freeSlot = *(*uintptr)(unsafe.Pointer(slot))
	footer.numAllocated++

	if footer.freeSlot == 0 {
		a.firstNonFull = footer.next
		footer.next = nil
	}

	kernel.Memset(slot, 0, a.objectSize)
	return (*T)(unsafe.Pointer(slot)), nil
}

// Free releases a value previously returned by Alloc back to its backing
// page's free list. Once a page's last live object is freed and New was
// given a freeFrame, the page itself is unlinked and its frame returned to
// the frame allocator; without a freeFrame the emptied page stays on the
// list and its slots are reused.
func (a *Alloc[T]) Free(v *T) {
	addr := uintptr(unsafe.Pointer(v))
	base := addr &^ (uintptr(mem.PageSize) - 1)
	footer := (*pageFooter)(unsafe.Pointer(base + uintptr(mem.PageSize) - footerSize))

	wasFull := footer.freeSlot == 0

	*(*uintptr)(unsafe.Pointer(addr)) = footer.freeSlot
	footer.freeSlot = addr
	footer.numAllocated--

	if footer.numAllocated > 0 || a.freeFrame == nil {
		if wasFull {
			footer.next = a.firstNonFull
			a.firstNonFull = footer
		}
		return
	}

	if !wasFull {
		a.unlink(footer)
	}
	a.freeFrame(pmm.FrameFromAddress(mem.VirtToPhys(mem.VirtAddr(base))))
}

// unlink removes footer from the firstNonFull list.
func (a *Alloc[T]) unlink(footer *pageFooter) {
	if a.firstNonFull == footer {
		a.firstNonFull = footer.next
		return
	}
	for p := a.firstNonFull; p != nil; p = p.next {
		if p.next == footer {
			p.next = footer.next
			return
		}
	}
}

func (a *Alloc[T]) growPage() *kernel.Error {
	frame, err := a.allocFrame()
	if err != nil {
		return err
	}

	pageVirt := uintptr(mem.PhysToVirt(frame.Address()))
	footer := (*pageFooter)(unsafe.Pointer(pageVirt + uintptr(mem.PageSize) - footerSize))
	*footer = pageFooter{}

	var prev uintptr
	for i := a.objectsPerPage; i > 0; i-- {
		slot := pageVirt + (i-1)*a.objectSize
		*(*uintptr)(unsafe.Pointer(slot)) = prev
		prev = slot
	}
	footer.freeSlot = prev

	footer.next = a.firstNonFull
	a.firstNonFull = footer
	return nil
}
