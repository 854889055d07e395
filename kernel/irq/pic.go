// Package irq drives the dual 8259 programmable interrupt controller: PIC
// remapping, per-line masking, end-of-interrupt acknowledgement, and routing
// a raised IRQ to whichever thread registered to handle it.
package irq

import (
	"gokernel/kernel"
	"gokernel/kernel/cpu"
	"gokernel/kernel/sched"
)

const (
	primaryCommandPort   = 0x20
	primaryDataPort      = 0x21
	secondaryCommandPort = 0xa0
	secondaryDataPort    = 0xa1

	endOfInterrupt = 0x20

	interruptsPerController = 8

	// MaxIRQs is the number of interrupt lines across both cascaded PICs.
	MaxIRQs = 2 * interruptsPerController

	readIRR = 0xa
	readISR = 0xb
)

var errAlreadyRegistered = &kernel.Error{Module: "irq", Message: "a thread is already registered for this IRQ"}

// outbFn and inbFn are overridden by tests that exercise Controller without
// executing real IN/OUT instructions.
var (
	outbFn = cpu.Outb
	inbFn  = cpu.Inb
)

// SetIOFns overrides the port I/O primitives Controller uses. It returns a
// function that restores the previous ones.
func SetIOFns(out func(uint16, uint8), in func(uint16) uint8) (restore func()) {
	prevOut, prevIn := outbFn, inbFn
	outbFn, inbFn = out, in
	return func() { outbFn, inbFn = prevOut, prevIn }
}

// Controller manages the primary/secondary 8259 pair remapped so interrupt
// vectors offset1..offset1+7 and offset2..offset2+7 correspond to IRQ 0-7
// and 8-15 respectively.
type Controller struct {
	scheduler        *sched.Scheduler
	offset1, offset2 int
	registrations    [MaxIRQs]*sched.Thread
}

// NewController returns a controller that will remap the PIC's interrupt
// vectors to offset1 (primary) and offset2 (secondary), and that notifies
// threads through scheduler when their registered IRQ fires.
func NewController(scheduler *sched.Scheduler, offset1, offset2 int) *Controller {
	return &Controller{scheduler: scheduler, offset1: offset1, offset2: offset2}
}

// Init remaps the PIC and masks every line except IRQ2, the cascade input
// the secondary PIC uses to signal the primary.
func (c *Controller) Init() {
	const (
		icw1Init  = 0x10
		icw1ICW4  = 0x01
		icw4_8086 = 0x01
	)

	outbFn(primaryCommandPort, icw1Init|icw1ICW4)
	outbFn(secondaryCommandPort, icw1Init|icw1ICW4)

	outbFn(primaryDataPort, uint8(c.offset1))
	outbFn(secondaryDataPort, uint8(c.offset2))

	outbFn(primaryDataPort, 4) // tell primary: secondary PIC lives on IRQ2
	outbFn(secondaryDataPort, 2) // tell secondary: its cascade identity

	outbFn(primaryDataPort, icw4_8086)
	outbFn(secondaryDataPort, icw4_8086)

	outbFn(primaryDataPort, ^uint8(1<<2))
	outbFn(secondaryDataPort, 0xff)
}

// InterruptNumberToIRQ maps a raw interrupt vector back to the IRQ line
// that produced it, or -1 if it falls outside this controller's range.
func (c *Controller) InterruptNumberToIRQ(interruptNumber int) int {
	if interruptNumber >= c.offset1 && interruptNumber < c.offset1+interruptsPerController {
		return interruptNumber - c.offset1
	}
	if interruptNumber >= c.offset2 && interruptNumber < c.offset2+interruptsPerController {
		return interruptNumber - c.offset2 + interruptsPerController
	}
	return -1
}

// Acknowledge sends end-of-interrupt to whichever PIC(s) need it. An IRQ
// from the secondary controller requires acknowledging both, since it
// arrived cascaded through the primary.
func (c *Controller) Acknowledge(irq int) {
	if irq >= interruptsPerController {
		outbFn(secondaryCommandPort, endOfInterrupt)
	}
	outbFn(primaryCommandPort, endOfInterrupt)
}

// Mask enables (allow) or disables an IRQ line.
func (c *Controller) Mask(irq int, allow bool) {
	port := uint16(primaryDataPort)
	if irq >= interruptsPerController {
		port = secondaryDataPort
		irq -= interruptsPerController
	}

	mask := inbFn(port)
	if allow {
		mask &^= 1 << uint(irq)
	} else {
		mask |= 1 << uint(irq)
	}
	outbFn(port, mask)
}

func (c *Controller) getRegister(ocw3 uint8) uint16 {
	outbFn(primaryCommandPort, ocw3)
	outbFn(secondaryCommandPort, ocw3)
	return uint16(inbFn(secondaryCommandPort))<<8 | uint16(inbFn(primaryCommandPort))
}

// RaisedInterrupts returns the combined interrupt request register of both
// PICs: bit i set means IRQ i is asserted.
func (c *Controller) RaisedInterrupts() uint16 { return c.getRegister(readIRR) }

// ServicingInterrupts returns the combined in-service register: bit i set
// means IRQ i is currently being handled.
func (c *Controller) ServicingInterrupts() uint16 { return c.getRegister(readISR) }

// RegisterForInterrupt dedicates irq to thread and unmasks the line. Only
// one thread may own a given IRQ at a time.
func (c *Controller) RegisterForInterrupt(irq int, thread *sched.Thread) *kernel.Error {
	if c.registrations[irq] != nil {
		return errAlreadyRegistered
	}
	c.registrations[irq] = thread
	c.Mask(irq, true)
	return nil
}

// UnregisterForInterrupts releases every IRQ thread owns and masks those
// lines back off.
func (c *Controller) UnregisterForInterrupts(thread *sched.Thread) {
	for i := range c.registrations {
		if c.registrations[i] == thread {
			c.registrations[i] = nil
			c.Mask(i, false)
		}
	}
}

// Interrupt routes a raised IRQ to its registered thread via a kernel
// notification, or acknowledges it directly if nothing is registered.
// The registered thread is responsible for calling Acknowledge once it has
// finished handling the line.
func (c *Controller) Interrupt(irq int) {
	if thread := c.registrations[irq]; thread != nil {
		c.scheduler.NotifyFromKernel(thread)
		return
	}
	c.Acknowledge(irq)
}
