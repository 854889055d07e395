package kfmt

import (
	"gokernel/kernel"
	"gokernel/kernel/cpu"
)

// cpuHaltFn is swapped out by tests so Panic can be exercised without
// actually halting the CPU.
var cpuHaltFn = cpu.Halt

// SetHaltFn overrides what Panic calls once it has finished printing,
// for callers outside this package that need to exercise Panic without
// halting the CPU. It returns a function that restores the previous one.
func SetHaltFn(fn func()) (restore func()) {
	prev := cpuHaltFn
	cpuHaltFn = fn
	return func() { cpuHaltFn = prev }
}

var errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

// Panic prints e to the current output sink and then calls cpuHaltFn once.
// It does not loop around that call: when cpuHaltFn returns, Panic
// returns too. e is typically a *kernel.Error but a plain string or error is
// also accepted so Panic can serve as a landing pad for unexpected Go
// runtime failures.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***\n")
	Printf("-----------------------------------\n")

	cpuHaltFn()
}
