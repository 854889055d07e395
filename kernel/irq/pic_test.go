package irq

import (
	"gokernel/kernel"
	"gokernel/kernel/addrspace"
	"gokernel/kernel/mem"
	"gokernel/kernel/mem/pmm"
	"gokernel/kernel/mem/vmm"
	"gokernel/kernel/sched"
	"testing"
	"unsafe"
)

// fakePorts backs every I/O port with an in-memory byte so Init/Mask/
// Acknowledge can be driven and inspected without real hardware.
type fakePorts struct {
	values map[uint16]uint8
	writes []portWrite
}

type portWrite struct {
	port  uint16
	value uint8
}

func newFakePorts() *fakePorts {
	return &fakePorts{values: make(map[uint16]uint8)}
}

func (f *fakePorts) out(port uint16, value uint8) {
	f.values[port] = value
	f.writes = append(f.writes, portWrite{port, value})
}

func (f *fakePorts) in(port uint16) uint8 {
	return f.values[port]
}

func TestControllerInitRemapsAndMasksExceptCascade(t *testing.T) {
	ports := newFakePorts()
	defer SetIOFns(ports.out, ports.in)()

	c := NewController(nil, 0x20, 0x28)
	c.Init()

	if ports.values[primaryDataPort] != ^uint8(1<<2) {
		t.Fatalf("expected primary mask to leave only IRQ2 enabled; got 0x%x", ports.values[primaryDataPort])
	}
	if ports.values[secondaryDataPort] != 0xff {
		t.Fatalf("expected secondary fully masked; got 0x%x", ports.values[secondaryDataPort])
	}
}

func TestInterruptNumberToIRQ(t *testing.T) {
	c := NewController(nil, 0x20, 0x28)

	if irq := c.InterruptNumberToIRQ(0x21); irq != 1 {
		t.Fatalf("expected IRQ 1; got %d", irq)
	}
	if irq := c.InterruptNumberToIRQ(0x2a); irq != 10 {
		t.Fatalf("expected IRQ 10; got %d", irq)
	}
	if irq := c.InterruptNumberToIRQ(0x50); irq != -1 {
		t.Fatalf("expected no match; got %d", irq)
	}
}

func TestMaskSetsAndClearsBit(t *testing.T) {
	ports := newFakePorts()
	defer SetIOFns(ports.out, ports.in)()
	ports.values[primaryDataPort] = 0

	c := NewController(nil, 0x20, 0x28)
	c.Mask(3, false)
	if ports.values[primaryDataPort] != 1<<3 {
		t.Fatalf("expected bit 3 set; got 0x%x", ports.values[primaryDataPort])
	}

	c.Mask(3, true)
	if ports.values[primaryDataPort] != 0 {
		t.Fatalf("expected bit 3 cleared; got 0x%x", ports.values[primaryDataPort])
	}
}

func TestAcknowledgeSignalsBothPICsForSecondaryIRQ(t *testing.T) {
	ports := newFakePorts()
	defer SetIOFns(ports.out, ports.in)()

	c := NewController(nil, 0x20, 0x28)
	c.Acknowledge(10)

	if ports.values[primaryCommandPort] != endOfInterrupt || ports.values[secondaryCommandPort] != endOfInterrupt {
		t.Fatal("expected EOI written to both command ports")
	}
}

func TestAcknowledgeSignalsOnlyPrimaryForPrimaryIRQ(t *testing.T) {
	ports := newFakePorts()
	defer SetIOFns(ports.out, ports.in)()

	c := NewController(nil, 0x20, 0x28)
	c.Acknowledge(3)

	if ports.values[primaryCommandPort] != endOfInterrupt {
		t.Fatal("expected EOI written to primary command port")
	}
	if _, wrote := ports.values[secondaryCommandPort]; wrote {
		t.Fatal("expected secondary command port untouched")
	}
}

func TestInterruptAcknowledgesWhenNoHandlerRegistered(t *testing.T) {
	ports := newFakePorts()
	defer SetIOFns(ports.out, ports.in)()

	c := NewController(nil, 0x20, 0x28)
	c.Interrupt(1)

	if ports.values[primaryCommandPort] != endOfInterrupt {
		t.Fatal("expected an unregistered IRQ to be acknowledged directly")
	}
}

// fakeFrameSource backs allocated frames with ordinary Go memory, for
// building a real scheduler/thread pair in a hosted test. Each frame's
// address is derived from its own backing buffer via VirtToPhys, so
// mem.PhysToVirt (used directly by the slab allocator backing
// addrspace.New's pool) resolves back to the same buffer.
type fakeFrameSource struct {
	pages map[pmm.Frame][]byte
}

func newFakeFrameSource() *fakeFrameSource {
	return &fakeFrameSource{pages: make(map[pmm.Frame][]byte)}
}

func (f *fakeFrameSource) alloc() (pmm.Frame, *kernel.Error) {
	buf := make([]byte, 2*uintptr(mem.PageSize))
	aligned := (uintptr(unsafe.Pointer(&buf[0])) + uintptr(mem.PageSize) - 1) &^ (uintptr(mem.PageSize) - 1)
	frame := pmm.FrameFromAddress(mem.VirtToPhys(mem.VirtAddr(aligned)))
	f.pages[frame] = buf[aligned-uintptr(unsafe.Pointer(&buf[0])):][:mem.PageSize]
	return frame, nil
}

func (f *fakeFrameSource) ptePtr(tableFrame mem.PhysAddr, entryIndex uintptr) unsafe.Pointer {
	frame := pmm.FrameFromAddress(tableFrame)
	buf, ok := f.pages[frame]
	if !ok {
		buf = make([]byte, mem.PageSize)
		f.pages[frame] = buf
	}
	return unsafe.Pointer(&buf[entryIndex<<mem.PointerShift])
}

func TestInterruptNotifiesRegisteredThread(t *testing.T) {
	ports := newFakePorts()
	defer SetIOFns(ports.out, ports.in)()

	src := newFakeFrameSource()
	defer vmm.SetPageTableEntryLocator(src.ptePtr)()
	defer vmm.SetSwitchAddressSpaceFn(func(uintptr) {})()

	as, err := addrspace.New(src.alloc)
	if err != nil {
		t.Fatal(err)
	}

	var cs sched.CPUState
	s := sched.NewScheduler(mem.VirtAddr(uintptr(unsafe.Pointer(&cs))), src.alloc)

	other, err := s.NewThread(0x40_0000_0000, mem.StackBase, as, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartThread(other); err != nil {
		t.Fatal(err)
	}

	target, err := s.NewThread(0x40_0000_1000, mem.StackBase, as, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartThread(target); err != nil {
		t.Fatal(err)
	}
	s.Dequeue() // other
	s.Dequeue() // target, simulating that it's the one currently running

	var fromID sched.ThreadID
	var msgType int
	var payload uint64

	c := NewController(s, 0x20, 0x28)
	if err := c.RegisterForInterrupt(1, target); err != nil {
		t.Fatal(err)
	}

	// target blocks receiving; put the throwaway thread other back on the
	// runnable queue first so Receive's internal reschedule has somewhere
	// to go (NotifyFromKernel below doesn't need another runnable thread
	// since it delivers directly into the blocked receiver).
	s.Enqueue(other)
	if err := s.Receive(target, &fromID, &msgType, &payload); err != nil {
		t.Fatal(err)
	}

	c.Interrupt(1)

	if fromID != sched.KernelSenderID {
		t.Fatalf("expected kernel-sender notification; got %d", fromID)
	}
	if s.CurrentThread() != target {
		t.Fatal("expected scheduler to have switched back to the notified thread")
	}
}

func TestUnregisterForInterruptsClearsRegistrationsAndMasks(t *testing.T) {
	ports := newFakePorts()
	defer SetIOFns(ports.out, ports.in)()

	c := NewController(nil, 0x20, 0x28)
	thread := &sched.Thread{}
	if err := c.RegisterForInterrupt(5, thread); err != nil {
		t.Fatal(err)
	}

	c.UnregisterForInterrupts(thread)

	if c.registrations[5] != nil {
		t.Fatal("expected registration cleared")
	}
	if ports.values[primaryDataPort]&(1<<5) == 0 {
		t.Fatalf("expected IRQ 5 masked after unregister; got 0x%x", ports.values[primaryDataPort])
	}
	if err := c.RegisterForInterrupt(5, thread); err != nil {
		t.Fatal(err)
	}
}
