// Package pmm manages physical memory at the granularity of page frames.
package pmm

import (
	"gokernel/kernel/mem"
	"math"
)

// Frame identifies a physical page by its page number (physical address
// shifted right by mem.PageShift).
type Frame uintptr

// InvalidFrame is returned by allocators that fail to satisfy a request.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether f is a real frame rather than InvalidFrame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the start of this frame.
func (f Frame) Address() mem.PhysAddr {
	return mem.PhysAddr(f) << mem.PageShift
}

// FrameFromAddress returns the frame that contains addr.
func FrameFromAddress(addr mem.PhysAddr) Frame {
	return Frame(addr >> mem.PageShift)
}
