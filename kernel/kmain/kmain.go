// Package kmain assembles every kernel subsystem into a running system: it
// is the first Go code to run, called by the rt0 assembly stub once a
// minimal stack is available.
package kmain

import (
	"gokernel/kernel"
	"gokernel/kernel/addrspace"
	"gokernel/kernel/cpu"
	"gokernel/kernel/gate"
	"gokernel/kernel/irq"
	"gokernel/kernel/kfmt"
	"gokernel/kernel/loader"
	"gokernel/kernel/mem"
	"gokernel/kernel/mem/pmm"
	"gokernel/kernel/multiboot"
	"gokernel/kernel/sched"
	"gokernel/kernel/serial"
	"gokernel/kernel/syscall"
	"reflect"
)

const (
	// primaryPICOffset/secondaryPICOffset remap the 8259 pair's interrupt
	// vectors clear of the CPU's own exception vectors (0-31).
	primaryPICOffset   = 0x20
	secondaryPICOffset = 0x28

	// irqLinesPerController is how many lines each 8259 in the cascaded
	// pair exposes.
	irqLinesPerController = 8

	// syscallVector is the software interrupt gate user threads trap
	// into for every syscall.
	syscallVector = 0x80

	// numCPUExceptions is how many of the IDT's low vectors the CPU
	// itself can raise (divide-by-zero through SIMD floating point).
	numCPUExceptions = 32

	// idlePriority is the lowest priority queue, so any other runnable
	// thread preempts the idle thread.
	idlePriority = sched.NumPriorityQueues - 1

	serialBaudDivisor = 1 // 115200 baud
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errCPUException  = &kernel.Error{Module: "kmain", Message: "unhandled CPU exception"}
)

// installTraps populates every IDT gate the kernel uses: one per CPU
// exception, one per IRQ line the 8259 pair can raise, and the 0x80
// syscall gate, then loads vm's tables onto the CPU. Each gate's handler is
// a closure stashed in gate's package-level handler table, the well-known
// location the trap entry stub reaches through once it has saved the
// interrupted thread's state.
func installTraps(vm *gate.VM, scheduler *sched.Scheduler, controller *irq.Controller, dispatcher *syscall.Dispatcher) {
	faultHandler := func() {
		scheduler.DumpState(serial.COM1)
		kfmt.Panic(errCPUException)
	}
	for v := 0; v < numCPUExceptions; v++ {
		vm.HandleInterrupt(v, gate.KernelPrivilege, faultHandler)
	}

	for line := 0; line < irqLinesPerController; line++ {
		l := line
		vm.HandleInterrupt(primaryPICOffset+l, gate.KernelPrivilege, func() { controller.Interrupt(l) })
		vm.HandleInterrupt(secondaryPICOffset+l, gate.KernelPrivilege, func() { controller.Interrupt(irqLinesPerController + l) })
	}

	vm.HandleInterrupt(syscallVector, gate.UserPrivilege, func() { dispatcher.Dispatch(scheduler.CurrentThread()) })

	vm.Load()
}

// moduleRange tracks the lowest/highest physical address spanned by every
// boot module, the same range the frame allocator must carve out of the
// memory map so it never hands out a frame a module's ELF image still
// occupies.
type moduleRange struct {
	start, end mem.PhysAddr
}

func (r *moduleRange) observe(start, end uint32) {
	if mem.PhysAddr(start) < r.start || r.start == 0 {
		r.start = mem.PhysAddr(start)
	}
	if mem.PhysAddr(end) > r.end {
		r.end = mem.PhysAddr(end)
	}
}

// Kmain wires the kernel's global state up in dependency order: serial
// console, frame allocator, protection tables, scheduler, interrupt
// controller, boot modules, idle thread. It never returns; if every module
// exits and the idle thread is left with nothing to schedule, the CPU just
// keeps halting in the idle loop.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	serial.COM1.Init(serialBaudDivisor)
	kfmt.SetOutputSink(serial.COM1)
	kfmt.Printf("starting kernel\n")
	kfmt.Printf("kernel image 0x%x-0x%x\n", kernelStart, kernelEnd)

	multiboot.SetInfoPtr(multibootInfoPtr)

	var modules moduleRange
	multiboot.VisitModules(func(m multiboot.Module) bool {
		modules.observe(m.Start, m.End)
		return true
	})

	frames := pmm.NewAllocator(mem.PhysAddr(kernelStart), mem.PhysAddr(kernelEnd), modules.start, modules.end)
	multiboot.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		if e.Type == multiboot.MemAvailable {
			frames.AddRegion(mem.PhysAddr(e.PhysAddress), mem.PhysAddr(e.PhysAddress+e.Length))
		}
		return true
	})

	cpuStateFrame, err := frames.AllocFrame()
	if err != nil {
		kfmt.Panic(err)
		return
	}
	cpuStateVirt := mem.PhysToVirt(cpuStateFrame.Address())
	stackTop := cpuStateVirt + mem.VirtAddr(mem.PageSize)

	vm := gate.NewVM()
	vm.SetGDTEntry(gate.KernelCodeSegmentIndex, gate.SegmentDescriptor{Priv: gate.KernelPrivilege, Present: true, Code: true})
	vm.SetGDTEntry(gate.KernelStackSegmentIndex, gate.SegmentDescriptor{Priv: gate.KernelPrivilege, Present: true})
	vm.SetGDTEntry(gate.UserCodeSegmentIndex, gate.SegmentDescriptor{Priv: gate.UserPrivilege, Present: true, Code: true})
	vm.SetGDTEntry(gate.UserStackSegmentIndex, gate.SegmentDescriptor{Priv: gate.UserPrivilege, Present: true})
	vm.SetTSS(gate.TaskStateSegment{
		PrivilegedStacks: [3]uint64{uint64(stackTop)},
		InterruptStacks:  [7]uint64{uint64(stackTop)},
	})

	scheduler := sched.NewScheduler(cpuStateVirt, frames.AllocFrame)

	controller := irq.NewController(scheduler, primaryPICOffset, secondaryPICOffset)
	controller.Init()
	controller.Mask(0, false) // timer
	controller.Mask(1, false) // keyboard

	dispatcher := syscall.NewDispatcher(scheduler, controller, serial.COM1)
	installTraps(vm, scheduler, controller, dispatcher)

	kfmt.Printf("protection setup done, scheduler starting\n")

	var loadErr *kernel.Error
	multiboot.VisitModules(func(m multiboot.Module) bool {
		if loadErr = loader.LoadModule(scheduler, frames.AllocFrame, m, serial.COM1); loadErr != nil {
			return false
		}
		return true
	})
	if loadErr != nil {
		kfmt.Panic(loadErr)
		return
	}

	idleAS, err := addrspace.New(frames.AllocFrame)
	if err != nil {
		kfmt.Panic(err)
		return
	}
	idleStack, err := idleAS.CreateThreadStack(frames.AllocFrame, nil)
	if err != nil {
		kfmt.Panic(err)
		return
	}
	idleEntry := mem.VirtAddr(reflect.ValueOf(idleLoop).Pointer())
	idleThread, err := scheduler.NewThread(idleEntry, idleStack.StackPointer, idleAS, idlePriority)
	if err != nil {
		kfmt.Panic(err)
		return
	}
	idleThread.SetKernelThread()
	if err := scheduler.StartThread(idleThread); err != nil {
		kfmt.Panic(err)
		return
	}

	if err := scheduler.Start(); err != nil {
		kfmt.Panic(err)
		return
	}

	kfmt.Panic(errKmainReturned)
}

// idleLoop is what the CPU runs when nothing else is runnable.
func idleLoop() {
	for {
		cpu.Halt()
	}
}
