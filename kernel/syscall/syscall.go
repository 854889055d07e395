// Package syscall dispatches a trapped system call to the handler its
// number names. The calling convention mirrors a plain function call: RAX
// holds the syscall number, RDI/RSI/RDX hold up to three arguments, and RAX
// holds the result on return.
package syscall

import (
	"gokernel/kernel"
	"gokernel/kernel/irq"
	"gokernel/kernel/kfmt"
	"gokernel/kernel/sched"
	"io"
	"unsafe"
)

// Numbers, in the same order the original kernel registered them.
const (
	Null = iota
	WriteByte
	Reschedule
	ExitThread
	Send
	Receive
	Notify
	RequestInterrupt
	AckInterrupt

	numSyscalls
)

// Handler services one trapped syscall for the thread that made it. self is
// the thread whose ThreadState holds the arguments and will receive the
// result; it is always the scheduler's current thread.
type Handler func(d *Dispatcher, self *sched.Thread)

// Dispatcher owns the table of registered syscall handlers and the kernel
// objects they act on.
type Dispatcher struct {
	Scheduler  *sched.Scheduler
	Interrupts *irq.Controller
	Console    io.Writer

	table [numSyscalls]Handler
}

// NewDispatcher builds a dispatcher with every syscall number above wired
// to its handler.
func NewDispatcher(scheduler *sched.Scheduler, interrupts *irq.Controller, console io.Writer) *Dispatcher {
	d := &Dispatcher{Scheduler: scheduler, Interrupts: interrupts, Console: console}
	d.table[WriteByte] = sysWriteByte
	d.table[Reschedule] = sysReschedule
	d.table[ExitThread] = sysExitThread
	d.table[Send] = sysSend
	d.table[Receive] = sysReceive
	d.table[Notify] = sysNotify
	d.table[RequestInterrupt] = sysRequestInterrupt
	d.table[AckInterrupt] = sysAckInterrupt
	return d
}

// errUnknownSyscall is raised for syscall number 0 (reserved, never a real
// handler) and for any number outside the registered table: both are probe
// or corruption symptoms, not conditions a thread can recover from.
var errUnknownSyscall = &kernel.Error{Module: "syscall", Message: "unknown syscall number"}

// Dispatch runs the handler self's RAX names. Syscall 0 and any number
// outside the registered table are fatal: a well-behaved thread never
// triggers either, so both indicate a probe or a corrupted call site.
func (d *Dispatcher) Dispatch(self *sched.Thread) {
	num := self.State().RAX
	if num == Null || num >= numSyscalls || d.table[num] == nil {
		kfmt.Panic(errUnknownSyscall)
		return
	}
	d.table[num](d, self)
}

func sysWriteByte(d *Dispatcher, self *sched.Thread) {
	if d.Console != nil {
		d.Console.Write([]byte{byte(self.State().RDI)})
	}
}

func sysReschedule(d *Dispatcher, self *sched.Thread) {
	d.Scheduler.Reschedule(true)
}

func sysExitThread(d *Dispatcher, self *sched.Thread) {
	d.Scheduler.ExitThread()
}

func sysSend(d *Dispatcher, self *sched.Thread) {
	destTID := sched.ThreadID(self.State().RDI)
	msgType := int(self.State().RSI)
	payload := self.State().RDX

	err := d.Scheduler.Send(self, destTID, msgType, payload)
	self.State().RAX = errToRAX(err)
}

// sysReceive hands Receive pointers into self's own saved RDI/RSI/RDX, so a
// message delivered later, after self has blocked, still lands in the
// registers self resumes with.
func sysReceive(d *Dispatcher, self *sched.Thread) {
	state := self.State()
	state.RDI, state.RSI, state.RDX = 0, 0, 0

	err := d.Scheduler.Receive(self, (*sched.ThreadID)(unsafe.Pointer(&state.RDI)), (*int)(unsafe.Pointer(&state.RSI)), &state.RDX)
	state.RAX = errToRAX(err)
}

func sysNotify(d *Dispatcher, self *sched.Thread) {
	targetTID := sched.ThreadID(self.State().RDI)
	err := d.Scheduler.Notify(targetTID)
	self.State().RAX = errToRAX(err)
}

func sysRequestInterrupt(d *Dispatcher, self *sched.Thread) {
	irqNum := int(self.State().RDI)
	err := d.Interrupts.RegisterForInterrupt(irqNum, self)
	self.State().RAX = errToRAX(err)
}

func sysAckInterrupt(d *Dispatcher, self *sched.Thread) {
	irqNum := int(self.State().RDI)
	d.Interrupts.Acknowledge(irqNum)
}

func errToRAX(err *kernel.Error) uint64 {
	if err != nil {
		return ^uint64(0)
	}
	return 0
}
