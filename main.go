package main

import "gokernel/kernel/kmain"

// multibootInfoPtr, kernelStart and kernelEnd are overwritten by the rt0
// assembly stub before it calls main; they are declared here as package
// variables (rather than passed as literals) so the compiler can't inline
// this call and discard kmain.Kmain from the generated object file.
var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
)

// main is the only Go symbol visible to the rt0 initialization code. It is
// a trampoline for the real kernel entry point, called once rt0 has set up
// the GDT and a minimal stack. main is not expected to return; if it does,
// rt0 halts the CPU.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd)
}
