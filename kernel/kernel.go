// Package kernel contains the types shared by every kernel subsystem:
// the kernel error type and the raw memory helpers used before a general
// purpose allocator is available.
package kernel

import (
	"reflect"
	"unsafe"
)

// Error describes a kernel error. All kernel errors are declared as
// package-level variables that are pointers to this structure; the kernel
// cannot rely on the heap being available early enough to use errors.New.
type Error struct {
	// Module is the subsystem where the error originated.
	Module string

	// Message is the human readable error description.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Memset sets size bytes at the given address to value. It overlays a slice
// on top of the raw address and uses log2(size) copy calls rather than a
// byte-at-a-time loop, which pays off since page addresses are always
// aligned and size is usually a multiple of the page size.
func Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: addr,
	}))

	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}

	srcSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: src,
	}))
	dstSlice := *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(size),
		Cap:  int(size),
		Data: dst,
	}))

	copy(dstSlice, srcSlice)
}
